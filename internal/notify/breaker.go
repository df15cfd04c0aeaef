package notify

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"spotex.com/pkg/logger"
)

// BreakerRule 熔断规则，零值取默认
type BreakerRule struct {
	// Half-Open 允许的探测次数
	MaxRequests uint32
	// Closed 状态计数窗口
	Interval time.Duration
	// Open 持续时间，到期进入 Half-Open
	Timeout time.Duration
	// 连续失败阈值
	TripConsecutiveFailures uint32
}

func (r BreakerRule) withDefaults() BreakerRule {
	if r.MaxRequests == 0 {
		r.MaxRequests = 1
	}
	if r.Interval <= 0 {
		r.Interval = 10 * time.Second
	}
	if r.Timeout <= 0 {
		r.Timeout = 3 * time.Second
	}
	if r.TripConsecutiveFailures == 0 {
		r.TripConsecutiveFailures = 5
	}
	return r
}

// ErrBrokerOpen 熔断打开期间的发布直接失败，不再打到下游
var ErrBrokerOpen = errors.New("notify: broker circuit open")

// breakerBroker 给 Publish 套一层熔断，订阅和关闭原样透传
type breakerBroker struct {
	Broker
	cb *gobreaker.CircuitBreaker[struct{}]
}

// WithBreaker 用熔断器包装 broker；下游挂掉时 Dispatcher 快速失败，不在每条事件上等超时
func WithBreaker(b Broker, rule BreakerRule) Broker {
	rule = rule.withDefaults()
	st := gobreaker.Settings{
		Name:        "notify.publish",
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= rule.TripConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// 调用方主动取消不算下游故障
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "broker breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &breakerBroker{Broker: b, cb: gobreaker.NewCircuitBreaker[struct{}](st)}
}

func (b *breakerBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.Broker.Publish(ctx, topic, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBrokerOpen
	}
	return err
}

// BreakerState 当前熔断状态，给健康检查和测试用
func BreakerState(b Broker) (gobreaker.State, bool) {
	bb, ok := b.(*breakerBroker)
	if !ok {
		return gobreaker.StateClosed, false
	}
	return bb.cb.State(), true
}
