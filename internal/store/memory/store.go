package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"spotex.com/internal/funds"
	"spotex.com/internal/matching"
	"spotex.com/pkg/xerr"
)

type txKey struct{}

type tx struct {
	undo []func()
}

type balKey struct {
	member uint64
	asset  string
}

// Store 进程内持久化网关，开发和测试用。事务期间独占整个 Store，失败按 undo 日志回滚
type Store struct {
	mu        sync.Mutex
	orders    map[uint64]*matching.Order
	clientIdx map[uint64]map[string]uint64
	trades    []*matching.Trade
	balances  map[balKey]*funds.Balance
	fault     func(op string) error
}

func New() *Store {
	return &Store{
		orders:    make(map[uint64]*matching.Order),
		clientIdx: make(map[uint64]map[string]uint64),
		balances:  make(map[balKey]*funds.Balance),
	}
}

// SetFault 注入故障，op 为方法名；返回非 nil 时该次调用失败
func (s *Store) SetFault(fn func(op string) error) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*tx); ok {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &tx{}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
		return err
	}
	return nil
}

func (s *Store) run(ctx context.Context, op string, fn func(t *tx) error) error {
	if t, ok := ctx.Value(txKey{}).(*tx); ok {
		if err := s.injected(op); err != nil {
			return err
		}
		return fn(t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(op); err != nil {
		return err
	}
	return fn(&tx{})
}

func (s *Store) injected(op string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op)
}

func (s *Store) InsertOrder(ctx context.Context, o *matching.Order) error {
	return s.run(ctx, "InsertOrder", func(t *tx) error {
		if _, ok := s.orders[o.ID]; ok {
			return fmt.Errorf("memory: order %d exists", o.ID)
		}
		if o.ClientOrderID != "" {
			if _, ok := s.clientIdx[o.MemberID][o.ClientOrderID]; ok {
				return xerr.ErrDuplicateClientOrderId
			}
			idx := s.clientIdx[o.MemberID]
			if idx == nil {
				idx = make(map[string]uint64)
				s.clientIdx[o.MemberID] = idx
			}
			idx[o.ClientOrderID] = o.ID
			t.undo = append(t.undo, func() { delete(idx, o.ClientOrderID) })
		}
		s.orders[o.ID] = o.Clone()
		id := o.ID
		t.undo = append(t.undo, func() { delete(s.orders, id) })
		return nil
	})
}

func (s *Store) UpdateOrderStatus(ctx context.Context, o *matching.Order) error {
	return s.run(ctx, "UpdateOrderStatus", func(t *tx) error {
		prev, ok := s.orders[o.ID]
		if !ok {
			return fmt.Errorf("memory: order %d not found", o.ID)
		}
		s.orders[o.ID] = o.Clone()
		id := o.ID
		t.undo = append(t.undo, func() { s.orders[id] = prev })
		return nil
	})
}

func (s *Store) InsertTrade(ctx context.Context, tr *matching.Trade) error {
	return s.run(ctx, "InsertTrade", func(t *tx) error {
		cp := *tr
		s.trades = append(s.trades, &cp)
		n := len(s.trades) - 1
		t.undo = append(t.undo, func() { s.trades = s.trades[:n] })
		return nil
	})
}

func (s *Store) EnsureBalance(ctx context.Context, memberID uint64, asset string) error {
	return s.run(ctx, "EnsureBalance", func(t *tx) error {
		k := balKey{memberID, asset}
		if _, ok := s.balances[k]; ok {
			return nil
		}
		s.balances[k] = &funds.Balance{MemberID: memberID, Asset: asset}
		t.undo = append(t.undo, func() { delete(s.balances, k) })
		return nil
	})
}

func (s *Store) AdjustBalance(ctx context.Context, memberID uint64, asset string, amountDelta, lockedDelta decimal.Decimal) error {
	return s.run(ctx, "AdjustBalance", func(t *tx) error {
		b, ok := s.balances[balKey{memberID, asset}]
		if !ok {
			return fmt.Errorf("memory: balance %d/%s not found", memberID, asset)
		}
		prev := *b
		b.Amount = b.Amount.Add(amountDelta)
		b.Locked = b.Locked.Add(lockedDelta)
		t.undo = append(t.undo, func() { *b = prev })
		return nil
	})
}

func (s *Store) GetOrder(ctx context.Context, id uint64) (*matching.Order, error) {
	var out *matching.Order
	err := s.run(ctx, "GetOrder", func(*tx) error {
		o, ok := s.orders[id]
		if !ok {
			return xerr.ErrNotFoundOrder
		}
		out = o.Clone()
		return nil
	})
	return out, err
}

func (s *Store) GetOrderByClientID(ctx context.Context, memberID uint64, clientOrderID string) (*matching.Order, error) {
	var out *matching.Order
	err := s.run(ctx, "GetOrderByClientID", func(*tx) error {
		id, ok := s.clientIdx[memberID][clientOrderID]
		if !ok {
			return xerr.ErrNotFoundOrder
		}
		out = s.orders[id].Clone()
		return nil
	})
	return out, err
}

// OpenOrders 库里状态仍为 NEW/PARTIAL 的订单，按 id 升序
func (s *Store) OpenOrders(ctx context.Context) ([]*matching.Order, error) {
	var out []*matching.Order
	err := s.run(ctx, "OpenOrders", func(*tx) error {
		for _, o := range s.orders {
			if o.Status.Open() {
				out = append(out, o.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *Store) Trades(ctx context.Context, f matching.TradeFilter) ([]*matching.Trade, error) {
	f = f.Normalize()
	var out []*matching.Trade
	err := s.run(ctx, "Trades", func(*tx) error {
		for _, tr := range s.trades {
			if f.MemberID != 0 && tr.MemberID != f.MemberID {
				continue
			}
			if f.Pair != "" && tr.Pair != f.Pair {
				continue
			}
			if tr.ID < f.FromID {
				continue
			}
			if !f.Start.IsZero() && tr.ExecutedAt.Before(f.Start) {
				continue
			}
			if !f.End.IsZero() && tr.ExecutedAt.After(f.End) {
				continue
			}
			cp := *tr
			out = append(out, &cp)
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, err
}

func (s *Store) LoadBalances(ctx context.Context) ([]funds.Balance, error) {
	var out []funds.Balance
	err := s.run(ctx, "LoadBalances", func(*tx) error {
		for _, b := range s.balances {
			out = append(out, *b)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].MemberID != out[j].MemberID {
			return out[i].MemberID < out[j].MemberID
		}
		return out[i].Asset < out[j].Asset
	})
	return out, err
}

func (s *Store) FeeTotals(ctx context.Context) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	err := s.run(ctx, "FeeTotals", func(*tx) error {
		for _, tr := range s.trades {
			if tr.Fee.IsPositive() {
				out[tr.FeeAsset] = out[tr.FeeAsset].Add(tr.Fee)
			}
		}
		return nil
	})
	return out, err
}

// MaxID 已用过的最大订单/成交 id
func (s *Store) MaxID(ctx context.Context) (uint64, error) {
	var top uint64
	err := s.run(ctx, "MaxID", func(*tx) error {
		for id := range s.orders {
			if id > top {
				top = id
			}
		}
		for _, tr := range s.trades {
			if tr.ID > top {
				top = tr.ID
			}
		}
		return nil
	})
	return top, err
}

// Balance 测试用：直接读库内余额
func (s *Store) Balance(memberID uint64, asset string) (funds.Balance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[balKey{memberID, asset}]
	if !ok {
		return funds.Balance{}, false
	}
	return *b, true
}

// TradeCount 测试用
func (s *Store) TradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}
