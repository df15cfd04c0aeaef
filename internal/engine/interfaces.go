package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"spotex.com/internal/funds"
	"spotex.com/internal/matching"
)

// Gateway 持久化网关。写方法都要能在 Transaction 的 ctx 里调用，
// 同一成员重复的 clientOrderId 返回 xerr.ErrDuplicateClientOrderId
type Gateway interface {
	funds.Store

	InsertOrder(ctx context.Context, o *matching.Order) error
	UpdateOrderStatus(ctx context.Context, o *matching.Order) error
	InsertTrade(ctx context.Context, t *matching.Trade) error

	GetOrder(ctx context.Context, id uint64) (*matching.Order, error)
	GetOrderByClientID(ctx context.Context, memberID uint64, clientOrderID string) (*matching.Order, error)
	OpenOrders(ctx context.Context) ([]*matching.Order, error)
	Trades(ctx context.Context, f matching.TradeFilter) ([]*matching.Trade, error)
	LoadBalances(ctx context.Context) ([]funds.Balance, error)
	// FeeTotals 按资产汇总成交腿上记的手续费
	FeeTotals(ctx context.Context) (map[string]decimal.Decimal, error)
	MaxID(ctx context.Context) (uint64, error)
}

// EventSink 事件出口，必须非阻塞；返回 false 表示丢弃
type EventSink interface {
	TryPublish(evs []Event) bool
}

type noopSink struct{}

func (noopSink) TryPublish([]Event) bool { return true }
