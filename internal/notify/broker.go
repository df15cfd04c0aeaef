package notify

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

// Broker 把编码好的事件发到订阅方。投递语义 at-most-once，慢订阅者丢消息
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}
