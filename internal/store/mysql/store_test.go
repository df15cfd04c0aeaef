package mysql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"spotex.com/internal/matching"
	"spotex.com/pkg/xerr"
)

// 用 SQLite 内存库跑 gorm 网关
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	// :memory: 每个连接一份库，固定单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s := New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func sampleOrder(id uint64, cid string) *matching.Order {
	return &matching.Order{
		ID: id, MemberID: 1, ClientOrderID: cid, Pair: "BTC-USDT",
		Side: matching.Sell, Type: matching.Limit, TimeInForce: matching.IOC,
		Price: decimal.RequireFromString("100.5"), Amount: decimal.NewFromInt(4), Remaining: decimal.NewFromInt(4),
		Status: matching.StatusNew, OpenedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestStore_OrderRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	o := sampleOrder(100, "abc")
	require.NoError(t, s.InsertOrder(ctx, o))

	o.Fill(decimal.NewFromInt(1), time.Now().UTC())
	require.NoError(t, s.UpdateOrderStatus(ctx, o))

	got, err := s.GetOrder(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, matching.StatusPartial, got.Status)
	assert.Equal(t, matching.Sell, got.Side)
	assert.Equal(t, matching.IOC, got.TimeInForce)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, got.Remaining.Equal(decimal.NewFromInt(3)))
	assert.NotNil(t, got.LastTradeAt)

	byCid, err := s.GetOrderByClientID(ctx, 1, "abc")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), byCid.ID)

	_, err = s.GetOrder(ctx, 999)
	assert.ErrorIs(t, err, xerr.ErrNotFoundOrder)
}

func TestStore_DuplicateClientOrderID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertOrder(ctx, sampleOrder(1, "abc")))
	err := s.InsertOrder(ctx, sampleOrder(2, "abc"))
	assert.ErrorIs(t, err, xerr.ErrDuplicateClientOrderId)

	// 没有 clientOrderId 的订单存 NULL，不冲突
	require.NoError(t, s.InsertOrder(ctx, sampleOrder(3, "")))
	require.NoError(t, s.InsertOrder(ctx, sampleOrder(4, "")))
}

func TestStore_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureBalance(ctx, 1, "USDT"))
	require.NoError(t, s.AdjustBalance(ctx, 1, "USDT", decimal.NewFromInt(10), decimal.Zero))

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(ctx context.Context) error {
		require.NoError(t, s.InsertOrder(ctx, sampleOrder(1, "")))
		require.NoError(t, s.AdjustBalance(ctx, 1, "USDT", decimal.Zero, decimal.NewFromInt(4)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	rows, err := s.LoadBalances(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Amount.Equal(decimal.NewFromInt(10)))
	assert.True(t, rows[0].Locked.IsZero())

	_, err = s.GetOrder(ctx, 1)
	assert.ErrorIs(t, err, xerr.ErrNotFoundOrder)
}

func TestStore_AdjustMissingBalance(t *testing.T) {
	s := newTestStore(t)
	err := s.AdjustBalance(context.Background(), 42, "BTC", decimal.NewFromInt(1), decimal.Zero)
	assert.Error(t, err)
}

func TestStore_TradesAndOpenOrders(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	open := sampleOrder(5, "")
	closed := sampleOrder(6, "")
	closed.Cancel(now)
	require.NoError(t, s.InsertOrder(ctx, open))
	require.NoError(t, s.InsertOrder(ctx, closed))

	for _, liq := range []matching.Liquidity{matching.Maker, matching.Taker} {
		require.NoError(t, s.InsertTrade(ctx, &matching.Trade{
			ID: 7, Pair: "BTC-USDT", MakerOrderID: 5, TakerOrderID: 6, OrderID: 5, MemberID: 1,
			Side: matching.Sell, Liquidity: liq, Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(1),
			Fee: decimal.Zero, FeeAsset: "USDT", ExecutedAt: now,
		}))
	}

	orders, err := s.OpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, uint64(5), orders[0].ID)

	trades, err := s.Trades(ctx, matching.TradeFilter{MemberID: 1, Pair: "BTC-USDT"})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, matching.Maker, trades[0].Liquidity)
	assert.Equal(t, matching.Taker, trades[1].Liquidity)

	maxID, err := s.MaxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), maxID)
}

func TestStore_FeeTotals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	legs := []struct {
		id    uint64
		liq   matching.Liquidity
		fee   string
		asset string
	}{
		{1, matching.Maker, "0.5", "USDT"},
		{1, matching.Taker, "0.01", "BTC"},
		{2, matching.Maker, "0.25", "USDT"},
		{2, matching.Taker, "0", "BTC"},
	}
	for _, l := range legs {
		require.NoError(t, s.InsertTrade(ctx, &matching.Trade{
			ID: l.id, Pair: "BTC-USDT", MakerOrderID: 5, TakerOrderID: 6, OrderID: 5, MemberID: 1,
			Side: matching.Sell, Liquidity: l.liq, Price: decimal.NewFromInt(100), Amount: decimal.NewFromInt(1),
			Fee: decimal.RequireFromString(l.fee), FeeAsset: l.asset, ExecutedAt: now,
		}))
	}

	fees, err := s.FeeTotals(ctx)
	require.NoError(t, err)
	require.Len(t, fees, 2)
	assert.Equal(t, "0.75", fees["USDT"].String())
	assert.Equal(t, "0.01", fees["BTC"].String())
}
