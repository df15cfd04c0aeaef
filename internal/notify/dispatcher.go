package notify

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"spotex.com/internal/engine"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/metrics"
	"spotex.com/pkg/wal"
)

var (
	orderBookChannel   = string(engine.ChannelOrderBook)
	orderUpdateChannel = string(engine.ChannelOrderUpdate)
)

// JournalRecord 日志里一条记录：发往哪个频道、发了什么
type JournalRecord struct {
	Topics  []string        `json:"topics"`
	Payload json.RawMessage `json:"payload"`
}

// Dispatcher 引擎之后的扇出阶段：编码、记日志、按频道发布。
// 跑在自己的协程里，发布失败只计数，不回压引擎
type Dispatcher struct {
	src      <-chan []engine.Event
	broker   Broker
	sessions *Sessions
	journal  *wal.Writer
	// 下游故障时每条事件都会失败，告警日志按时间抽样
	warnEvery rate.Sometimes
}

// NewDispatcher journal 可以为 nil
func NewDispatcher(src <-chan []engine.Event, broker Broker, sessions *Sessions, journal *wal.Writer) *Dispatcher {
	if sessions == nil {
		sessions = NewSessions()
	}
	return &Dispatcher{
		src:       src,
		broker:    broker,
		sessions:  sessions,
		journal:   journal,
		warnEvery: rate.Sometimes{First: 3, Interval: time.Second},
	}
}

func (d *Dispatcher) Sessions() *Sessions { return d.sessions }

// Run 直到 ctx 结束或上游关闭
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case evs, ok := <-d.src:
			if !ok {
				return nil
			}
			d.Dispatch(ctx, evs)
		}
	}
}

// drain 退出前把已经在缓冲里的事件发完
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case evs, ok := <-d.src:
			if !ok {
				return
			}
			d.Dispatch(ctx, evs)
		default:
			return
		}
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, evs []engine.Event) {
	for _, ev := range evs {
		payload, err := json.Marshal(ev.Envelope())
		if err != nil {
			metrics.EventsDropped.WithLabelValues("encode").Inc()
			logger.Warn(ctx, "encode event failed", zap.String("channel", string(ev.Channel)), zap.Error(err))
			continue
		}
		topics := d.topics(ev)
		d.record(ctx, topics, payload)
		for _, topic := range topics {
			if err := d.broker.Publish(ctx, topic, payload); err != nil {
				reason := "broker"
				if errors.Is(err, ErrBrokerOpen) {
					reason = "breaker_open"
				}
				metrics.EventsDropped.WithLabelValues(reason).Inc()
				d.warnEvery.Do(func() {
					logger.Warn(ctx, "publish failed", zap.String("topic", topic), zap.Error(err))
				})
				continue
			}
			metrics.EventsPublished.WithLabelValues(string(ev.Channel)).Inc()
		}
	}
	if d.journal != nil {
		if err := d.journal.Flush(); err != nil {
			logger.Warn(ctx, "journal flush failed", zap.Error(err))
		}
	}
}

// topics 公共频道一个；订单更新发给该成员的每个会话，没有会话就不发
func (d *Dispatcher) topics(ev engine.Event) []string {
	if key := ev.ChannelKey(); key != "" {
		return []string{key}
	}
	ids := d.sessions.Of(ev.MemberID)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, SessionTopic(id))
	}
	return out
}

func (d *Dispatcher) record(ctx context.Context, topics []string, payload []byte) {
	if d.journal == nil {
		return
	}
	rec, err := json.Marshal(JournalRecord{Topics: topics, Payload: payload})
	if err != nil {
		return
	}
	if err := d.journal.Append(rec); err != nil {
		logger.Warn(ctx, "journal append failed", zap.Error(err))
	}
}

// ReplayJournal 顺序读出日志，尾部写了一半的记录忽略
func ReplayJournal(path string, fn func(JournalRecord) error) (wal.ReplayStats, error) {
	return wal.Replay(path, wal.ReplayOptions{AllowTruncatedTail: true}, func(payload []byte) error {
		var rec JournalRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return err
		}
		return fn(rec)
	})
}
