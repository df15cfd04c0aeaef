package engine

import (
	"sort"
	"sync"

	"spotex.com/internal/matching"
)

type clientKey struct {
	member uint64
	client string
}

// openOrders 跨交易对的挂单索引：按 id / clientOrderId 定位订单属于哪个交易对。
// 存的是副本，由所属交易对的协程在每次变化后覆盖
type openOrders struct {
	mu       sync.RWMutex
	byID     map[uint64]*matching.Order
	byClient map[clientKey]uint64
}

func newOpenOrders() *openOrders {
	return &openOrders{
		byID:     make(map[uint64]*matching.Order),
		byClient: make(map[clientKey]uint64),
	}
}

// reserve 占用 clientOrderId，已被未结订单占用返回 false。
// 占位值为 0，put 时换成真实 id
func (x *openOrders) reserve(member uint64, client string) bool {
	if client == "" {
		return true
	}
	k := clientKey{member, client}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.byClient[k]; ok {
		return false
	}
	x.byClient[k] = 0
	return true
}

func (x *openOrders) release(member uint64, client string) {
	if client == "" {
		return
	}
	k := clientKey{member, client}
	x.mu.Lock()
	if x.byClient[k] == 0 {
		delete(x.byClient, k)
	}
	x.mu.Unlock()
}

func (x *openOrders) put(o *matching.Order) {
	c := o.Clone()
	x.mu.Lock()
	x.byID[c.ID] = c
	if c.ClientOrderID != "" {
		x.byClient[clientKey{c.MemberID, c.ClientOrderID}] = c.ID
	}
	x.mu.Unlock()
}

func (x *openOrders) remove(o *matching.Order) {
	x.mu.Lock()
	delete(x.byID, o.ID)
	if o.ClientOrderID != "" {
		k := clientKey{o.MemberID, o.ClientOrderID}
		if x.byClient[k] == o.ID {
			delete(x.byClient, k)
		}
	}
	x.mu.Unlock()
}

func (x *openOrders) get(member, id uint64) (*matching.Order, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	o, ok := x.byID[id]
	if !ok || o.MemberID != member {
		return nil, false
	}
	return o.Clone(), true
}

func (x *openOrders) getByClient(member uint64, client string) (*matching.Order, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	id, ok := x.byClient[clientKey{member, client}]
	if !ok || id == 0 {
		return nil, false
	}
	o, ok := x.byID[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// list pair 为空返回全部交易对，按 id 升序
func (x *openOrders) list(member uint64, pair string) []*matching.Order {
	x.mu.RLock()
	out := make([]*matching.Order, 0)
	for _, o := range x.byID {
		if o.MemberID != member || (pair != "" && o.Pair != pair) {
			continue
		}
		out = append(out, o.Clone())
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
