package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spotex.com/internal/funds"
	"spotex.com/internal/matching"
	"spotex.com/pkg/metrics"
	"spotex.com/pkg/xerr"
)

// submit 校验 -> 准入 -> 不穿价直接挂 / 撮合 -> 残单处理 -> 清理吃完的 maker
func (m *market) submit(ctx context.Context, req *SubmitRequest) (*matching.Order, []*matching.Trade, error) {
	start := time.Now()
	defer func() { metrics.MatchDuration.WithLabelValues(m.pair.Symbol).Observe(time.Since(start).Seconds()) }()

	if err := m.validate(req); err != nil {
		return nil, nil, m.reject(err)
	}
	if !m.eng.index.reserve(req.MemberID, req.ClientOrderID) {
		return nil, nil, m.reject(xerr.ErrDuplicateClientOrderId)
	}
	o, err := m.admit(ctx, req)
	if err != nil {
		m.eng.index.release(req.MemberID, req.ClientOrderID)
		return nil, nil, m.reject(m.fail(ctx, "admit", err))
	}
	m.track(o)
	m.emit(orderUpdateEvent(o, ExecNew, nil, o.OpenedAt))

	version := m.book.Version()
	defer func() {
		if m.book.Version() != version {
			m.emit(snapshotEvent(m.book.Snapshot(m.eng.cfg.SnapshotDepth), m.eng.now()))
		}
	}()

	if o.IsLimit() && o.TimeInForce == matching.GTC && !m.crosses(o) {
		if err := m.book.Insert(o); err != nil {
			return o.Clone(), nil, err
		}
		metrics.OrdersTotal.WithLabelValues(m.pair.Symbol, o.Status.String()).Inc()
		return o.Clone(), nil, nil
	}

	var (
		trades  []*matching.Trade
		filled  []*matching.Order
		walkErr error
	)
	m.book.Walk(o.Side.Opposite(), func(price decimal.Decimal, maker *matching.Order) bool {
		if o.IsLimit() && !qualifies(o, price) {
			return false
		}
		legs, err := m.matchStep(ctx, o, maker)
		if err != nil {
			walkErr = err
			return false
		}
		trades = append(trades, legs...)
		if maker.Remaining.IsZero() {
			filled = append(filled, maker)
		}
		return o.Remaining.IsPositive()
	})
	for _, mk := range filled {
		m.book.Remove(mk)
	}

	// 市价单可用余额不够下一笔，停止撮合走残单撤销，不算失败
	if errors.Is(walkErr, xerr.ErrNotEnoughBalance) && !o.IsLimit() {
		walkErr = nil
	}
	if m.halted != nil {
		return o.Clone(), trades, walkErr
	}

	// 撮合因持久化失败中断时残单直接撤，不挂簿
	if o.Remaining.IsPositive() {
		if o.IsLimit() && o.TimeInForce == matching.GTC && walkErr == nil {
			if err := m.book.Insert(o); err != nil {
				return o.Clone(), trades, err
			}
		} else if err := m.finishCancel(ctx, o); err != nil {
			if walkErr == nil {
				walkErr = err
			}
		}
	}
	m.track(o)
	metrics.OrdersTotal.WithLabelValues(m.pair.Symbol, o.Status.String()).Inc()
	return o.Clone(), trades, walkErr
}

func (m *market) reject(err error) error {
	metrics.RejectsTotal.WithLabelValues(m.pair.Symbol, fmt.Sprint(xerr.CodeOf(err))).Inc()
	return err
}

func (m *market) validate(req *SubmitRequest) error {
	if req.MemberID == 0 {
		return xerr.Wrapf(xerr.RequiredParameter, "memberId")
	}
	if req.Side != matching.Buy && req.Side != matching.Sell {
		return xerr.Wrapf(xerr.RequiredParameter, "side")
	}
	if req.Type != matching.Limit && req.Type != matching.Market {
		return xerr.Wrapf(xerr.RequiredParameter, "type")
	}
	if req.TimeInForce == 0 {
		req.TimeInForce = matching.GTC
	}
	if req.TimeInForce != matching.GTC && req.TimeInForce != matching.IOC {
		return xerr.Wrapf(xerr.RequiredParameter, "timeInForce")
	}
	if !req.Amount.IsPositive() {
		return xerr.ErrInvalidOrderAmount
	}
	if !fitsScale(req.Amount) {
		return xerr.Wrapf(xerr.InvalidOrderAmount, "amount scale over %d", matching.QtyScale)
	}
	if req.Type == matching.Limit {
		if req.Price.IsZero() {
			return xerr.Wrapf(xerr.RequiredParameter, "price")
		}
		if req.Price.IsNegative() {
			return xerr.ErrInvalidOrderAmount
		}
		if !fitsScale(req.Price) {
			return xerr.Wrapf(xerr.InvalidOrderAmount, "price scale over %d", matching.QtyScale)
		}
	} else {
		req.Price = decimal.Zero
	}

	led := m.eng.ledger
	if !led.Has(req.MemberID, m.pair.Base) || !led.Has(req.MemberID, m.pair.Quote) {
		return xerr.Wrapf(xerr.InvalidAsset, "member %d has no %s account", req.MemberID, m.pair.Symbol)
	}
	asset, need := m.admissionCost(req)
	avail, err := led.Available(req.MemberID, asset)
	if err != nil {
		return err
	}
	if avail.LessThan(need) {
		return xerr.ErrNotEnoughBalance
	}
	return nil
}

// fitsScale 价格和数量最多 QtyScale 位小数，乘积不会超出库里的精度
func fitsScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(matching.QtyScale))
}

// admissionCost 准入时要求的可用余额。市价买按卖一估算，卖盘为空时不卡
func (m *market) admissionCost(req *SubmitRequest) (string, decimal.Decimal) {
	if req.Side == matching.Sell {
		return m.pair.Base, req.Amount
	}
	if req.Type == matching.Limit {
		return m.pair.Quote, req.Price.Mul(req.Amount)
	}
	best, ok := m.book.Best(matching.Sell)
	if !ok {
		return m.pair.Quote, decimal.Zero
	}
	return m.pair.Quote, best.Mul(req.Amount)
}

// admit 分配 id，限价单冻结资金，和订单行一起提交
func (m *market) admit(ctx context.Context, req *SubmitRequest) (*matching.Order, error) {
	o := &matching.Order{
		ID:            m.eng.seq.Next(),
		ClientOrderID: req.ClientOrderID,
		MemberID:      req.MemberID,
		Pair:          m.pair.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Price:         req.Price,
		Amount:        req.Amount,
		Remaining:     req.Amount,
		Status:        matching.StatusNew,
		OpenedAt:      m.eng.now(),
	}
	var b funds.Batch
	if o.IsLimit() {
		asset, hold := holdOf(m.pair, o, o.Amount)
		b.Add(funds.Change{MemberID: o.MemberID, Asset: asset, Locked: hold, Spend: true})
	}
	err := m.eng.ledger.Commit(ctx, b, func(ctx context.Context) error {
		return m.eng.gw.InsertOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (m *market) crosses(o *matching.Order) bool {
	best, ok := m.book.BestOpposite(o.Side)
	return ok && qualifies(o, best)
}

// qualifies 限价单能否吃到该价位
func qualifies(o *matching.Order, price decimal.Decimal) bool {
	if o.Side == matching.Buy {
		return o.Price.GreaterThanOrEqual(price)
	}
	return o.Price.LessThanOrEqual(price)
}

// holdOf 限价单 qty 数量对应的冻结：买单冻结 quote，卖单冻结 base
func holdOf(p matching.Pair, o *matching.Order, qty decimal.Decimal) (string, decimal.Decimal) {
	if o.Side == matching.Buy {
		return p.Quote, o.Price.Mul(qty)
	}
	return p.Base, qty
}

// matchStep 一笔成交：两条成交腿、两笔订单更新、两边余额结算在一个原子单元里提交，
// 成功后才改内存
func (m *market) matchStep(ctx context.Context, taker, maker *matching.Order) ([]*matching.Trade, error) {
	led := m.eng.ledger
	if !led.Has(maker.MemberID, m.pair.Base) || !led.Has(maker.MemberID, m.pair.Quote) {
		return nil, m.fail(ctx, "match", xerr.Wrapf(xerr.NotFoundMaker, "order %d member %d", maker.ID, maker.MemberID))
	}

	fill := decimal.Min(maker.Remaining, taker.Remaining)
	price := maker.Price
	now := m.eng.now()
	rates := m.eng.feeRates()
	tradeID := m.eng.seq.Next()

	makerLeg := m.leg(tradeID, maker, taker, maker, matching.Maker, price, fill, rates.maker, now)
	takerLeg := m.leg(tradeID, maker, taker, taker, matching.Taker, price, fill, rates.taker, now)

	var b funds.Batch
	m.settle(&b, maker, makerLeg)
	m.settle(&b, taker, takerLeg)

	makerNext, takerNext := maker.Clone(), taker.Clone()
	makerNext.Fill(fill, now)
	takerNext.Fill(fill, now)

	err := led.Commit(ctx, b, func(ctx context.Context) error {
		for _, t := range []*matching.Trade{makerLeg, takerLeg} {
			if err := m.eng.gw.InsertTrade(ctx, t); err != nil {
				return err
			}
		}
		if err := m.eng.gw.UpdateOrderStatus(ctx, makerNext); err != nil {
			return err
		}
		return m.eng.gw.UpdateOrderStatus(ctx, takerNext)
	})
	if err != nil {
		return nil, m.fail(ctx, "match", err)
	}

	maker.Fill(fill, now)
	taker.Fill(fill, now)
	m.book.Touch()
	m.track(maker)
	m.eng.index.put(taker)
	if !maker.Status.Open() {
		metrics.OrdersTotal.WithLabelValues(m.pair.Symbol, maker.Status.String()).Inc()
	}
	metrics.TradesTotal.WithLabelValues(m.pair.Symbol).Inc()

	m.emit(orderUpdateEvent(maker, ExecTrade, makerLeg, now))
	m.emit(orderUpdateEvent(taker, ExecTrade, takerLeg, now))
	m.emit(tradeEvent(takerLeg))
	return []*matching.Trade{makerLeg, takerLeg}, nil
}

// leg 手续费按成交额计：买腿收 base，卖腿收 quote
func (m *market) leg(id uint64, maker, taker, own *matching.Order, liq matching.Liquidity,
	price, fill, rate decimal.Decimal, at time.Time) *matching.Trade {
	t := &matching.Trade{
		ID:           id,
		Pair:         m.pair.Symbol,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		OrderID:      own.ID,
		MemberID:     own.MemberID,
		Side:         own.Side,
		Liquidity:    liq,
		Price:        price,
		Amount:       fill,
		ExecutedAt:   at,
	}
	if own.Side == matching.Buy {
		t.Fee = rate.Mul(fill)
		t.FeeAsset = m.pair.Base
	} else {
		t.Fee = rate.Mul(price).Mul(fill)
		t.FeeAsset = m.pair.Quote
	}
	// 舍去超出存储精度的部分，内存和库里记的是同一个数
	t.Fee = t.Fee.Truncate(matching.AmountScale)
	return t
}

// settle 一条成交腿的余额变化。限价单在准入时已冻结，这里按限价释放、按成交价扣款，
// 买单的价差自然回到可用；市价单没有冻结，直接扣可用
func (m *market) settle(b *funds.Batch, o *matching.Order, t *matching.Trade) {
	spend := !o.IsLimit()
	notional := t.Price.Mul(t.Amount)
	if o.Side == matching.Buy {
		c := funds.Change{MemberID: o.MemberID, Asset: m.pair.Quote, Amount: notional.Neg(), Spend: spend}
		if o.IsLimit() {
			c.Locked = o.Price.Mul(t.Amount).Neg()
		}
		b.Add(c)
		b.Add(funds.Change{MemberID: o.MemberID, Asset: m.pair.Base, Amount: t.Amount.Sub(t.Fee)})
	} else {
		c := funds.Change{MemberID: o.MemberID, Asset: m.pair.Base, Amount: t.Amount.Neg(), Spend: spend}
		if o.IsLimit() {
			c.Locked = t.Amount.Neg()
		}
		b.Add(c)
		b.Add(funds.Change{MemberID: o.MemberID, Asset: m.pair.Quote, Amount: notional.Sub(t.Fee)})
	}
	b.AddFee(t.FeeAsset, t.Fee)
}
