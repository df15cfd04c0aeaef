package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"spotex.com/internal/funds"
	"spotex.com/internal/matching"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/metrics"
	"spotex.com/pkg/xerr"
)

// cancelCommit 释放剩余冻结并落库 CANCELED，不碰内存里的订单
func (e *Engine) cancelCommit(ctx context.Context, p matching.Pair, o *matching.Order) (*matching.Order, error) {
	var b funds.Batch
	if o.IsLimit() && o.Remaining.IsPositive() {
		asset, hold := holdOf(p, o, o.Remaining)
		b.Add(funds.Change{MemberID: o.MemberID, Asset: asset, Locked: hold.Neg()})
	}
	next := o.Clone()
	next.Cancel(e.now())
	err := e.ledger.Commit(ctx, b, func(ctx context.Context) error {
		return e.gw.UpdateOrderStatus(ctx, next)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// finishCancel 提交成功后再从簿和索引里摘掉
func (m *market) finishCancel(ctx context.Context, o *matching.Order) error {
	next, err := m.eng.cancelCommit(ctx, m.pair, o)
	if err != nil {
		return m.fail(ctx, "cancel", err)
	}
	o.Status = next.Status
	o.CanceledAt = next.CanceledAt
	m.book.Remove(o)
	m.track(o)
	m.emit(orderUpdateEvent(o, ExecCanceled, nil, *o.CanceledAt))
	return nil
}

// lookup Engine.Cancel 已经把 clientOrderId 换成了 OrderID
func (m *market) lookup(req *CancelRequest) (*matching.Order, bool) {
	o, ok := m.live[req.OrderID]
	if !ok || o.MemberID != req.MemberID {
		return nil, false
	}
	return o, true
}

func (m *market) cancel(ctx context.Context, req *CancelRequest) (*matching.Order, error) {
	o, ok := m.lookup(req)
	if !ok {
		return nil, m.reject(xerr.ErrNotFoundOrder)
	}
	if err := m.finishCancel(ctx, o); err != nil {
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(m.pair.Symbol, o.Status.String()).Inc()
	return o.Clone(), nil
}

// cancelAll 逐笔撤销本交易对全部未结订单，全部成功才清簿
func (m *market) cancelAll(ctx context.Context) ([]*matching.Order, error) {
	orders := m.book.Orders()
	for _, o := range m.live {
		if !m.book.Contains(o.ID) {
			orders = append(orders, o)
		}
	}
	out := make([]*matching.Order, 0, len(orders))
	var errs []error
	version := m.book.Version()
	for _, o := range orders {
		if err := m.finishCancel(ctx, o); err != nil {
			errs = append(errs, err)
			if m.halted != nil {
				break
			}
			continue
		}
		out = append(out, o.Clone())
	}
	if len(errs) == 0 && m.book.Len() > 0 {
		m.book.Clear()
	}
	if m.book.Version() != version {
		m.emit(snapshotEvent(m.book.Snapshot(m.eng.cfg.SnapshotDepth), m.eng.now()))
	}
	logger.Info(ctx, "cancel all",
		zap.String("pair", m.pair.Symbol), zap.Int("canceled", len(out)), zap.Int("failed", len(errs)))
	return out, errors.Join(errs...)
}

// seed 管理员铺单：先清簿，再按普通下单路径逐笔挂单
func (m *market) seed(ctx context.Context, req *SeedRequest) ([]*matching.Order, []*matching.Trade, error) {
	if _, err := m.cancelAll(ctx); err != nil {
		return nil, nil, err
	}
	var (
		orders []*matching.Order
		trades []*matching.Trade
	)
	place := func(side matching.Side, levels []matching.Level) error {
		for _, lv := range levels {
			o, ts, err := m.submit(ctx, &SubmitRequest{
				MemberID:    req.AdminID,
				Pair:        m.pair.Symbol,
				Side:        side,
				Type:        matching.Limit,
				TimeInForce: matching.GTC,
				Amount:      lv.Amount,
				Price:       lv.Price,
			})
			if o != nil {
				orders = append(orders, o)
			}
			trades = append(trades, ts...)
			if err != nil {
				return err
			}
		}
		return nil
	}
	if err := place(matching.Sell, req.Asks); err != nil {
		return orders, trades, err
	}
	if err := place(matching.Buy, req.Bids); err != nil {
		return orders, trades, err
	}
	logger.Info(ctx, "admin seeded book",
		zap.String("pair", m.pair.Symbol), zap.Int("asks", len(req.Asks)), zap.Int("bids", len(req.Bids)))
	return orders, trades, nil
}
