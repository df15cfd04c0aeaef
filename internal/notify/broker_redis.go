package notify

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"spotex.com/pkg/safe"
)

const snapshotKeyPrefix = "ob:"

// RedisBroker pub/sub 扇出，另外把每个交易对最新的深度快照存在 ob:<pair>，
// 新连上的订阅方先读快照再等增量
type RedisBroker struct {
	rdb         *redis.Client
	snapshotTTL time.Duration
}

func NewRedisBroker(rdb *redis.Client, snapshotTTL time.Duration) *RedisBroker {
	return &RedisBroker{rdb: rdb, snapshotTTL: snapshotTTL}
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if pair, ok := strings.CutSuffix(topic, "@"+orderBookChannel); ok {
		pipe := b.rdb.TxPipeline()
		pipe.Set(ctx, snapshotKeyPrefix+pair, payload, b.snapshotTTL)
		pipe.Publish(ctx, topic, payload)
		_, err := pipe.Exec(ctx)
		return err
	}
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ps := b.rdb.Subscribe(ctx, topics...)
	// 等订阅确认，之后的 Publish 一定能收到
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	out := make(chan Message, 4096)
	in := ps.Channel()
	safe.GoCtx(ctx, "redis-subscribe", func(ctx context.Context) {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
				default:
				}
			}
		}
	})
	return out, nil
}

// LatestSnapshot 不存在返回 nil, nil
func (b *RedisBroker) LatestSnapshot(ctx context.Context, pair string) ([]byte, error) {
	v, err := b.rdb.Get(ctx, snapshotKeyPrefix+pair).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return v, err
}

// Close 客户端由调用方关闭
func (b *RedisBroker) Close() error { return nil }
