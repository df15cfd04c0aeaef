package engine

import (
	"sync/atomic"

	"spotex.com/pkg/metrics"
)

// ChanBus 撮合协程和下游分发之间的缓冲，一批事件一个元素
type ChanBus struct {
	ch      chan []Event
	dropped atomic.Uint64
}

func NewChanBus(size int) *ChanBus {
	if size <= 0 {
		size = 1 << 12
	}
	return &ChanBus{ch: make(chan []Event, size)}
}

// TryPublish 满了直接丢，不阻塞撮合
func (b *ChanBus) TryPublish(evs []Event) bool {
	if len(evs) == 0 {
		return true
	}
	select {
	case b.ch <- evs:
		return true
	default:
		b.dropped.Add(uint64(len(evs)))
		metrics.EventsDropped.WithLabelValues("bus_full").Add(float64(len(evs)))
		return false
	}
}

func (b *ChanBus) C() <-chan []Event { return b.ch }
func (b *ChanBus) Dropped() uint64    { return b.dropped.Load() }
