package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"spotex.com/internal/matching"
)

type CmdType uint8

const (
	CmdSubmit CmdType = iota + 1
	CmdCancel
	CmdCancelAll
	CmdSeed
	CmdSnapshot
)

func (t CmdType) String() string {
	switch t {
	case CmdSubmit:
		return "submit"
	case CmdCancel:
		return "cancel"
	case CmdCancelAll:
		return "cancel_all"
	case CmdSeed:
		return "seed"
	case CmdSnapshot:
		return "snapshot"
	}
	return "unknown"
}

// SubmitRequest 下单请求。Price 只对 LIMIT 有意义
type SubmitRequest struct {
	MemberID      uint64
	Pair          string
	Side          matching.Side
	Type          matching.OrderType
	TimeInForce   matching.TimeInForce
	Amount        decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

// CancelRequest OrderID 优先，为 0 时按 ClientOrderID 查
type CancelRequest struct {
	MemberID      uint64
	OrderID       uint64
	ClientOrderID string
}

type SeedRequest struct {
	AdminID uint64
	Pair    string
	Asks    []matching.Level
	Bids    []matching.Level
}

// Command 进入交易对 mailbox 的单条命令
type Command struct {
	Type   CmdType
	ctx    context.Context
	Submit *SubmitRequest
	Cancel *CancelRequest
	Seed   *SeedRequest
	reply  chan Result
}

// Result 命令执行结果；Err 非空时 Order 仍可能有值（撮合中途持久化失败）
type Result struct {
	Order    *matching.Order
	Orders   []*matching.Order
	Trades   []*matching.Trade
	Snapshot *matching.Snapshot
	Err      error
}

type feeRates struct {
	maker decimal.Decimal
	taker decimal.Decimal
}
