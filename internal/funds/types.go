package funds

import (
	"context"

	"github.com/shopspring/decimal"
)

type Balance struct {
	MemberID uint64          `json:"memberId"`
	Asset    string          `json:"asset"`
	Amount   decimal.Decimal `json:"amount"`
	Locked   decimal.Decimal `json:"locked"`
}

func (b Balance) Available() decimal.Decimal { return b.Amount.Sub(b.Locked) }

// Change 对单个 (member, asset) 的增量
type Change struct {
	MemberID uint64
	Asset    string
	Amount   decimal.Decimal
	Locked   decimal.Decimal
	// Spend 表示消耗的是用户可用余额（挂单锁定、提现、市价成交），
	// 不足时是业务拒绝；否则不足说明账本与挂单不一致
	Spend bool
}

func (c Change) zero() bool { return c.Amount.IsZero() && c.Locked.IsZero() }

// Fee 计入手续费池
type Fee struct {
	Asset  string
	Amount decimal.Decimal
}

// Batch 一个原子单元内的全部余额变化
type Batch struct {
	Changes []Change
	Fees    []Fee
}

func (b *Batch) Add(c Change) {
	if !c.zero() {
		b.Changes = append(b.Changes, c)
	}
}

func (b *Batch) AddFee(asset string, amount decimal.Decimal) {
	if amount.IsPositive() {
		b.Fees = append(b.Fees, Fee{Asset: asset, Amount: amount})
	}
}

// Store 余额持久化，AdjustBalance 必须能在 Transaction 的 ctx 内调用
type Store interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	EnsureBalance(ctx context.Context, memberID uint64, asset string) error
	AdjustBalance(ctx context.Context, memberID uint64, asset string, amountDelta, lockedDelta decimal.Decimal) error
}
