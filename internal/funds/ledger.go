package funds

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spotex.com/pkg/logger"
	"spotex.com/pkg/xerr"
)

type entry struct {
	mu  sync.Mutex
	bal Balance
}

// Ledger 全部成员余额。map 本身由 mu 保护，单个余额由 entry.mu 保护，
// 多个余额按 (member, asset) 排序加锁，跨交易对并发结算不会死锁
type Ledger struct {
	store Store

	mu       sync.RWMutex
	accounts map[uint64]map[string]*entry

	feeMu sync.Mutex
	fees  map[string]decimal.Decimal
}

func NewLedger(store Store) *Ledger {
	return &Ledger{
		store:    store,
		accounts: make(map[uint64]map[string]*entry),
		fees:     make(map[string]decimal.Decimal),
	}
}

// Restore 启动时从库里装载，不落库
func (l *Ledger) Restore(rows []Balance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range rows {
		acc := l.accounts[b.MemberID]
		if acc == nil {
			acc = make(map[string]*entry)
			l.accounts[b.MemberID] = acc
		}
		acc[b.Asset] = &entry{bal: b}
	}
}

// Provision 开户：建零余额，已存在则忽略
func (l *Ledger) Provision(ctx context.Context, memberID uint64, assets ...string) error {
	for _, asset := range assets {
		if l.Has(memberID, asset) {
			continue
		}
		if err := l.store.EnsureBalance(ctx, memberID, asset); err != nil {
			return xerr.Wrapf(xerr.PersistenceFailed, "provision %d/%s: %v", memberID, asset, err)
		}
		l.mu.Lock()
		acc := l.accounts[memberID]
		if acc == nil {
			acc = make(map[string]*entry)
			l.accounts[memberID] = acc
		}
		if acc[asset] == nil {
			acc[asset] = &entry{bal: Balance{MemberID: memberID, Asset: asset}}
		}
		l.mu.Unlock()
	}
	return nil
}

func (l *Ledger) lookup(memberID uint64, asset string) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.accounts[memberID][asset]
}

func (l *Ledger) Has(memberID uint64, asset string) bool {
	return l.lookup(memberID, asset) != nil
}

func (l *Ledger) HasMember(memberID uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.accounts[memberID]) > 0
}

func (l *Ledger) Balance(memberID uint64, asset string) (Balance, error) {
	e := l.lookup(memberID, asset)
	if e == nil {
		return Balance{}, fmt.Errorf("member %d asset %s: %w", memberID, asset, xerr.ErrInvalidAsset)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bal, nil
}

func (l *Ledger) Available(memberID uint64, asset string) (decimal.Decimal, error) {
	b, err := l.Balance(memberID, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Available(), nil
}

// Balances 按资产名排序
func (l *Ledger) Balances(memberID uint64) []Balance {
	l.mu.RLock()
	acc := l.accounts[memberID]
	entries := make([]*entry, 0, len(acc))
	for _, e := range acc {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]Balance, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.bal)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Total 某资产全体成员余额之和
func (l *Ledger) Total(asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := decimal.Zero
	for _, acc := range l.accounts {
		if e := acc[asset]; e != nil {
			e.mu.Lock()
			sum = sum.Add(e.bal.Amount)
			e.mu.Unlock()
		}
	}
	return sum
}

// RestoreFees 启动时用成交记录重建手续费池，覆盖当前值
func (l *Ledger) RestoreFees(fees map[string]decimal.Decimal) {
	l.feeMu.Lock()
	defer l.feeMu.Unlock()
	l.fees = make(map[string]decimal.Decimal, len(fees))
	for k, v := range fees {
		l.fees[k] = v
	}
}

func (l *Ledger) Fees() map[string]decimal.Decimal {
	l.feeMu.Lock()
	defer l.feeMu.Unlock()
	out := make(map[string]decimal.Decimal, len(l.fees))
	for k, v := range l.fees {
		out[k] = v
	}
	return out
}

func (l *Ledger) Deposit(ctx context.Context, memberID uint64, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return xerr.ErrInvalidOrderAmount
	}
	var b Batch
	b.Add(Change{MemberID: memberID, Asset: asset, Amount: amount})
	return l.Commit(ctx, b, nil)
}

func (l *Ledger) Withdraw(ctx context.Context, memberID uint64, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return xerr.ErrInvalidOrderAmount
	}
	var b Batch
	b.Add(Change{MemberID: memberID, Asset: asset, Amount: amount.Neg(), Spend: true})
	return l.Commit(ctx, b, nil)
}

// Lock 冻结可用余额，不足是业务拒绝
func (l *Ledger) Lock(ctx context.Context, memberID uint64, asset string, amount decimal.Decimal) error {
	var b Batch
	b.Add(Change{MemberID: memberID, Asset: asset, Locked: amount, Spend: true})
	return l.Commit(ctx, b, nil)
}

// Unlock 解冻；冻结不够说明调用方记账有误
func (l *Ledger) Unlock(ctx context.Context, memberID uint64, asset string, amount decimal.Decimal) error {
	var b Batch
	b.Add(Change{MemberID: memberID, Asset: asset, Locked: amount.Neg()})
	return l.Commit(ctx, b, nil)
}

type pending struct {
	e     *entry
	next  Balance
	spend bool
	delta Change
}

// Commit 校验并在一个事务里落库 extra（订单、成交等）和余额变化，
// 事务成功后才改内存；任何一步失败内存都不动
func (l *Ledger) Commit(ctx context.Context, b Batch, extra func(ctx context.Context) error) error {
	touched, err := l.collect(b.Changes)
	if err != nil {
		return err
	}
	for _, p := range touched {
		p.e.mu.Lock()
	}
	defer func() {
		for i := len(touched) - 1; i >= 0; i-- {
			touched[i].e.mu.Unlock()
		}
	}()

	for _, p := range touched {
		p.next = p.e.bal
		p.next.Amount = p.next.Amount.Add(p.delta.Amount)
		p.next.Locked = p.next.Locked.Add(p.delta.Locked)
		if p.next.Locked.IsNegative() || p.next.Amount.IsNegative() || p.next.Locked.GreaterThan(p.next.Amount) {
			if p.spend && !p.next.Locked.IsNegative() {
				return fmt.Errorf("member %d asset %s available %s: %w",
					p.e.bal.MemberID, p.e.bal.Asset, p.e.bal.Available(), xerr.ErrNotEnoughBalance)
			}
			logger.Error(ctx, "ledger invariant violated",
				zap.Uint64("member_id", p.e.bal.MemberID),
				zap.String("asset", p.e.bal.Asset),
				zap.String("amount", p.next.Amount.String()),
				zap.String("locked", p.next.Locked.String()))
			return fmt.Errorf("member %d asset %s amount %s locked %s: %w",
				p.e.bal.MemberID, p.e.bal.Asset, p.next.Amount, p.next.Locked, xerr.ErrLedgerInvariant)
		}
	}

	err = l.store.Transaction(ctx, func(ctx context.Context) error {
		if extra != nil {
			if err := extra(ctx); err != nil {
				return err
			}
		}
		for _, p := range touched {
			if err := l.store.AdjustBalance(ctx, p.delta.MemberID, p.delta.Asset, p.delta.Amount, p.delta.Locked); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if xerr.CodeOf(err) != 0 {
			return err
		}
		return fmt.Errorf("%w: %v", xerr.ErrPersistence, err)
	}

	for _, p := range touched {
		p.e.bal = p.next
	}
	if len(b.Fees) > 0 {
		l.feeMu.Lock()
		for _, f := range b.Fees {
			l.fees[f.Asset] = l.fees[f.Asset].Add(f.Amount)
		}
		l.feeMu.Unlock()
	}
	return nil
}

// collect 合并同一余额的多次变化并按 (member, asset) 排序
func (l *Ledger) collect(changes []Change) ([]*pending, error) {
	type key struct {
		member uint64
		asset  string
	}
	byKey := make(map[key]*pending, len(changes))
	out := make([]*pending, 0, len(changes))
	for _, c := range changes {
		k := key{c.MemberID, c.Asset}
		p := byKey[k]
		if p == nil {
			e := l.lookup(c.MemberID, c.Asset)
			if e == nil {
				return nil, fmt.Errorf("member %d asset %s: %w", c.MemberID, c.Asset, xerr.ErrInvalidAsset)
			}
			p = &pending{e: e, delta: Change{MemberID: c.MemberID, Asset: c.Asset, Amount: decimal.Zero, Locked: decimal.Zero}}
			byKey[k] = p
			out = append(out, p)
		}
		p.delta.Amount = p.delta.Amount.Add(c.Amount)
		p.delta.Locked = p.delta.Locked.Add(c.Locked)
		p.spend = p.spend || c.Spend
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].delta, out[j].delta
		if a.MemberID != b.MemberID {
			return a.MemberID < b.MemberID
		}
		return a.Asset < b.Asset
	})
	return out, nil
}
