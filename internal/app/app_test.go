package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotex.com/internal/engine"
	"spotex.com/internal/matching"
	"spotex.com/internal/notify"
	"spotex.com/pkg/config"
)

const testYAML = `
name: matching-engine-test
engine:
  pairs: ["BTC-USDT"]
  maker_fee_rate: "0.001"
  taker_fee_rate: "0.002"
  admin_member_id: 99
store:
  driver: memory
notify:
  broker: mem
  buffer_size: 64
accounts:
  - member_id: 1
    balances: {BTC: "10", USDT: "10000"}
  - member_id: 2
    balances: {BTC: "10", USDT: "10000"}
`

func loadTestConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "matching-engine-test.yaml"), []byte(testYAML), 0o644))
	t.Chdir(dir)

	var cfg Config
	_, err := config.Load("matching-engine-test", &cfg)
	require.NoError(t, err)
	return &cfg
}

func TestConfig_Validate(t *testing.T) {
	cfg := loadTestConfig(t)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"BTC-USDT"}, cfg.Engine.Pairs)
	maker, taker, err := cfg.Engine.FeeRates()
	require.NoError(t, err)
	assert.Equal(t, "0.001", maker.String())
	assert.Equal(t, "0.002", taker.String())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no pairs", func(c *Config) { c.Engine.Pairs = nil }},
		{"bad fee", func(c *Config) { c.Engine.TakerFeeRate = "abc" }},
		{"fee too large", func(c *Config) { c.Engine.MakerFeeRate = "1" }},
		{"unknown store", func(c *Config) { c.Store.Driver = "pg" }},
		{"mysql without dsn", func(c *Config) { c.Store.Driver = "mysql" }},
		{"nats without url", func(c *Config) { c.Notify.Broker = "nats" }},
		{"redis broker without addr", func(c *Config) { c.Notify.Broker = "redis" }},
		{"lock without redis", func(c *Config) { c.Lock.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *cfg
			c.Engine.Pairs = append([]string(nil), cfg.Engine.Pairs...)
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestApp_EndToEnd(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Notify.JournalPath = filepath.Join(t.TempDir(), "events.wal")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, cfg)
	require.NoError(t, err)

	sub, err := a.Broker().Subscribe(ctx, []string{"BTC-USDT@Trades"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	eng := a.Engine()
	bal, err := eng.Balances(1, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "10", bal[0].Amount.String(), "配置里的账户已开户入金")

	// Run 之后引擎才接单
	require.Eventually(t, func() bool {
		_, err := eng.Snapshot(ctx, "BTC-USDT")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	_, _, err = eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 1, Pair: "BTC-USDT", Side: matching.Sell, Type: matching.Limit,
		Amount: dec("1"), Price: dec("100"),
	})
	require.NoError(t, err)
	_, trades, err := eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 2, Pair: "BTC-USDT", Side: matching.Buy, Type: matching.Market, Amount: dec("1"),
	})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "0.002", trades[1].Fee.String())

	select {
	case m := <-sub:
		assert.Contains(t, string(m.Payload), `"isBuyerMaker":false`)
	case <-time.After(2 * time.Second):
		t.Fatal("no trade event")
	}

	a.ApplyFees(EngineConfig{MakerFeeRate: "0", TakerFeeRate: "0"})
	_, _, err = eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 1, Pair: "BTC-USDT", Side: matching.Sell, Type: matching.Limit,
		Amount: dec("1"), Price: dec("100"),
	})
	require.NoError(t, err)
	_, trades, err = eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 2, Pair: "BTC-USDT", Side: matching.Buy, Type: matching.Market, Amount: dec("1"),
	})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.True(t, trades[1].Fee.IsZero())

	cancel()
	require.NoError(t, <-done)

	var n int
	_, err = notify.ReplayJournal(cfg.Notify.JournalPath, func(notify.JournalRecord) error {
		n++
		return nil
	})
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}
