package notify

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotex.com/internal/engine"
	"spotex.com/internal/matching"
	"spotex.com/pkg/wal"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func testEvents(at time.Time) []engine.Event {
	snap := matching.Snapshot{Pair: "BTC-USDT", LastUpdatedID: 7,
		Bids: []matching.Level{{Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(3)}}}
	return []engine.Event{
		{Channel: engine.ChannelOrderBook, Pair: "BTC-USDT", Time: at, Data: &snap},
		{Channel: engine.ChannelOrderUpdate, Pair: "BTC-USDT", MemberID: 1, Time: at, Data: &engine.OrderUpdate{
			OrderID: 11, Pair: "BTC-USDT", Side: matching.Buy, Type: matching.Limit, TimeInForce: matching.GTC,
			Amount: decimal.NewFromInt(3), Price: decimal.NewFromInt(100), Remaining: decimal.NewFromInt(3),
			ExecutionType: engine.ExecNew, Status: matching.StatusNew,
		}},
	}
}

func TestDispatcher_FanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemBroker(16)
	sessions := NewSessions()
	s1, s2 := sessions.Open(1), sessions.Open(1)

	book, err := broker.Subscribe(ctx, []string{"BTC-USDT@OrderBook"})
	require.NoError(t, err)
	priv, err := broker.Subscribe(ctx, []string{SessionTopic(s1), SessionTopic(s2)})
	require.NoError(t, err)

	src := make(chan []engine.Event, 1)
	d := NewDispatcher(src, broker, sessions, nil)
	at := time.UnixMilli(1700000000123)
	d.Dispatch(ctx, testEvents(at))

	m := recv(t, book)
	var env struct {
		Channel   string          `json:"channel"`
		Pair      string          `json:"pair"`
		EventTime int64           `json:"eventTimeMillis"`
		Data      json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(m.Payload, &env))
	assert.Equal(t, "OrderBook", env.Channel)
	assert.Equal(t, "BTC-USDT", env.Pair)
	assert.Equal(t, int64(1700000000123), env.EventTime)
	assert.JSONEq(t, `{"pair":"BTC-USDT","lastUpdatedId":7,"asks":null,"bids":[{"price":"100","amount":"3"}]}`, string(env.Data))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		m := recv(t, priv)
		got[m.Topic] = true
		assert.Contains(t, string(m.Payload), `"executionType":"NEW"`)
		assert.Contains(t, string(m.Payload), `"side":"BUY"`)
	}
	assert.True(t, got[SessionTopic(s1)] && got[SessionTopic(s2)])
}

func TestDispatcher_RunAndJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.wal")
	w, err := wal.OpenWrite(path, wal.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	broker := NewMemBroker(16)
	src := make(chan []engine.Event, 4)
	d := NewDispatcher(src, broker, nil, w)

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// 没有会话的订单更新只记日志不发布
	src <- testEvents(time.Now())
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, w.Close())

	var recs []JournalRecord
	stats, err := ReplayJournal(path, func(r JournalRecord) error {
		recs = append(recs, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Records)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"BTC-USDT@OrderBook"}, recs[0].Topics)
	assert.Empty(t, recs[1].Topics)
	assert.Contains(t, string(recs[1].Payload), `"channel":"OrderUpdate"`)
}

func TestMemBroker_UnsubscribeOnCancel(t *testing.T) {
	b := NewMemBroker(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, []string{"x"})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "x", []byte("1")))
	// 缓冲满了直接丢
	require.NoError(t, b.Publish(context.Background(), "x", []byte("2")))
	assert.Equal(t, "1", string(recv(t, ch).Payload))

	cancel()
	for range ch {
	}
	b.mu.RLock()
	assert.Empty(t, b.subs)
	b.mu.RUnlock()
}

func TestNatsSubjectMapping(t *testing.T) {
	assert.Equal(t, "BTC-USDT.Trades", topicToSubject("BTC-USDT@Trades"))
	assert.Equal(t, "BTC-USDT@Trades", subjectToTopic("BTC-USDT.Trades"))
}
