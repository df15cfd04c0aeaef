package matching

import (
	"container/heap"
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder   = errors.New("matching: order needs a positive price and remaining")
	ErrDuplicateOrder = errors.New("matching: order already resting")
)

// 价格桶：同价位订单双向链表，天然 FIFO
type priceLevel struct {
	price decimal.Decimal
	head  *lvNode
	tail  *lvNode
	size  int
}

type lvNode struct {
	prev  *lvNode
	next  *lvNode
	order *Order
	lv    *priceLevel
}

func (l *priceLevel) pushBack(n *lvNode) {
	n.prev, n.next = l.tail, nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	l.size++
}

func (l *priceLevel) remove(n *lvNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.size--
}

func (l *priceLevel) empty() bool { return l.size == 0 }

// bookSide 一侧盘口：price -> level，堆顶即最优价（惰性删除）
type bookSide struct {
	levels map[string]*priceLevel
	h      *priceHeap
	// 已入堆的价位，避免同一价位重复入堆
	heaped map[string]struct{}
}

func newBookSide(desc bool) *bookSide {
	s := &bookSide{
		levels: make(map[string]*priceLevel, 256),
		h:      &priceHeap{desc: desc},
		heaped: make(map[string]struct{}, 256),
	}
	heap.Init(s.h)
	return s
}

// decimal 不能直接做 map key，String() 会去掉末尾 0，100 和 100.00 是同一档
func priceKey(p decimal.Decimal) string { return p.String() }

func (s *bookSide) level(price decimal.Decimal, create bool) *priceLevel {
	k := priceKey(price)
	lv := s.levels[k]
	if lv == nil && create {
		lv = &priceLevel{price: price}
		s.levels[k] = lv
		if _, ok := s.heaped[k]; !ok {
			heap.Push(s.h, price)
			s.heaped[k] = struct{}{}
		}
	}
	return lv
}

func (s *bookSide) best() (decimal.Decimal, bool) {
	for s.h.Len() > 0 {
		p := s.h.prices[0]
		if lv := s.levels[priceKey(p)]; lv != nil && !lv.empty() {
			return p, true
		}
		heap.Pop(s.h)
		delete(s.heaped, priceKey(p))
	}
	return decimal.Zero, false
}

// sorted 按优先级返回所有价位
func (s *bookSide) sorted() []*priceLevel {
	out := make([]*priceLevel, 0, len(s.levels))
	for _, lv := range s.levels {
		out = append(out, lv)
	}
	desc := s.h.desc
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].price.GreaterThan(out[j].price)
		}
		return out[i].price.LessThan(out[j].price)
	})
	return out
}

// Book 单个交易对的订单簿，只允许一个协程访问
type Book struct {
	pair    string
	asks    *bookSide
	bids    *bookSide
	byID    map[uint64]*lvNode
	version uint64
}

func NewBook(pair string) *Book {
	return &Book{
		pair: pair,
		asks: newBookSide(false),
		bids: newBookSide(true),
		byID: make(map[uint64]*lvNode, 1024),
	}
}

func (b *Book) Pair() string { return b.pair }

func (b *Book) side(s Side) *bookSide {
	if s == Sell {
		return b.asks
	}
	return b.bids
}

// Insert 追加到对应价位队尾
func (b *Book) Insert(o *Order) error {
	if o == nil || !o.Price.IsPositive() || !o.Remaining.IsPositive() {
		return ErrInvalidOrder
	}
	if _, ok := b.byID[o.ID]; ok {
		return ErrDuplicateOrder
	}
	lv := b.side(o.Side).level(o.Price, true)
	n := &lvNode{order: o, lv: lv}
	lv.pushBack(n)
	b.byID[o.ID] = n
	b.version++
	return nil
}

// Remove 按身份摘除；不在簿内返回 false
func (b *Book) Remove(o *Order) bool {
	if o == nil {
		return false
	}
	n := b.byID[o.ID]
	if n == nil || n.order != o {
		return false
	}
	lv := n.lv
	lv.remove(n)
	delete(b.byID, o.ID)
	if lv.empty() {
		delete(b.side(o.Side).levels, priceKey(lv.price))
	}
	b.version++
	return true
}

func (b *Book) Contains(id uint64) bool {
	_, ok := b.byID[id]
	return ok
}

func (b *Book) Get(id uint64) (*Order, bool) {
	n := b.byID[id]
	if n == nil {
		return nil, false
	}
	return n.order, true
}

// Touch 簿内订单剩余量被改动后调用
func (b *Book) Touch() { b.version++ }

func (b *Book) Version() uint64 { return b.version }

func (b *Book) Len() int { return len(b.byID) }

func (b *Book) Best(s Side) (decimal.Decimal, bool) { return b.side(s).best() }

// BestOpposite 买方看最低卖价，卖方看最高买价
func (b *Book) BestOpposite(s Side) (decimal.Decimal, bool) {
	return b.side(s.Opposite()).best()
}

// Walk 按价格优先、时间优先遍历 s 一侧的挂单，fn 返回 false 停止。
// 遍历期间只能改订单剩余量，不能 Insert/Remove。
func (b *Book) Walk(s Side, fn func(price decimal.Decimal, o *Order) bool) {
	bs := b.side(s)
	h := bs.h.clone()
	for h.Len() > 0 {
		p := heap.Pop(h).(decimal.Decimal)
		lv := bs.levels[priceKey(p)]
		if lv == nil {
			continue
		}
		for n := lv.head; n != nil; n = n.next {
			if !fn(lv.price, n.order) {
				return
			}
		}
	}
}

// Orders 按优先级返回两侧全部挂单，先卖后买
func (b *Book) Orders() []*Order {
	out := make([]*Order, 0, len(b.byID))
	collect := func(_ decimal.Decimal, o *Order) bool {
		out = append(out, o)
		return true
	}
	b.Walk(Sell, collect)
	b.Walk(Buy, collect)
	return out
}

// Clear 清空簿，版本号保留递增
func (b *Book) Clear() {
	b.asks = newBookSide(false)
	b.bids = newBookSide(true)
	b.byID = make(map[uint64]*lvNode, 1024)
	b.version++
}

type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

type Snapshot struct {
	Pair          string  `json:"pair"`
	LastUpdatedID uint64  `json:"lastUpdatedId"`
	Asks          []Level `json:"asks"`
	Bids          []Level `json:"bids"`
}

// Snapshot 每档聚合剩余量；asks 升序，bids 降序。depth<=0 不截断
func (b *Book) Snapshot(depth int) Snapshot {
	return Snapshot{
		Pair:          b.pair,
		LastUpdatedID: b.version,
		Asks:          aggregate(b.asks.sorted(), depth),
		Bids:          aggregate(b.bids.sorted(), depth),
	}
}

func aggregate(levels []*priceLevel, depth int) []Level {
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	out := make([]Level, 0, len(levels))
	for _, lv := range levels {
		sum := decimal.Zero
		for n := lv.head; n != nil; n = n.next {
			sum = sum.Add(n.order.Remaining)
		}
		out = append(out, Level{Price: lv.price, Amount: sum})
	}
	return out
}
