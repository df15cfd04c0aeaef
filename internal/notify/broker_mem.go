package notify

import (
	"context"
	"sync"

	"spotex.com/pkg/safe"
)

// MemBroker 单进程扇出，测试和单机部署用
type MemBroker struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	buffer int
}

func NewMemBroker(buffer int) *MemBroker {
	if buffer <= 0 {
		buffer = 4096
	}
	return &MemBroker{subs: make(map[string][]chan Message), buffer: buffer}
}

func (b *MemBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	list := b.subs[topic]
	b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range list {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe ctx 结束时退订并关闭 chan
func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, b.buffer)
	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	safe.GoCtx(ctx, "mem-broker-unsubscribe", func(ctx context.Context) {
		<-ctx.Done()
		b.mu.Lock()
		for _, t := range topics {
			list := b.subs[t]
			for i, c := range list {
				if c == ch {
					list = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(list) == 0 {
				delete(b.subs, t)
			} else {
				b.subs[t] = list
			}
		}
		b.mu.Unlock()
		close(ch)
	})
	return ch, nil
}

func (b *MemBroker) Close() error { return nil }
