package xredis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNotOwner = errors.New("xredis: lock held by another node")

// 只有持有者才能续期/释放
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// OwnerLock 单主锁：同一组交易对同一时间只允许一个撮合进程持有
type OwnerLock struct {
	rdb *redis.Client
	key string
	id  string
	ttl time.Duration
}

func NewOwnerLock(rdb *redis.Client, key string, ttl time.Duration) *OwnerLock {
	return &OwnerLock{rdb: rdb, key: key, id: uuid.NewString(), ttl: ttl}
}

func (l *OwnerLock) ID() string { return l.id }

// Acquire SETNX；已经是自己持有时视为续期
func (l *OwnerLock) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return l.Renew(ctx)
}

func (l *OwnerLock) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.id, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (l *OwnerLock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.id).Result()
	return err
}

// KeepAlive 每 ttl/3 续期一次；丢锁时调用 onLost 并退出
func (l *OwnerLock) KeepAlive(ctx context.Context, onLost func(error)) {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := l.Renew(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				onLost(err)
				return
			}
		}
	}
}
