package sequence

import (
	"sync/atomic"
	"time"
)

// Sequencer 严格递增的全局 id；订单和成交共用一个
type Sequencer struct {
	last atomic.Uint64
}

// New start 是最后一个已发出的 id，下一个从 start+1 开始
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

// NewTimeSeeded 以当前毫秒时间起步，避免重启后和库里的 id 冲突；
// floor 一般是库里最大的 id
func NewTimeSeeded(floor uint64) *Sequencer {
	now := uint64(time.Now().UnixMilli())
	if floor > now {
		now = floor
	}
	return New(now)
}

func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Advance 保证后续 id 大于 v，只升不降
func (s *Sequencer) Advance(v uint64) {
	for {
		cur := s.last.Load()
		if v <= cur || s.last.CompareAndSwap(cur, v) {
			return
		}
	}
}
