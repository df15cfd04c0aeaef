package engine_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotex.com/internal/engine"
	"spotex.com/internal/funds"
	"spotex.com/internal/matching"
	"spotex.com/internal/store/memory"
	"spotex.com/pkg/sequence"
	"spotex.com/pkg/xerr"
)

const (
	pair  = "BTC-USDT"
	admin = uint64(99)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	eng *engine.Engine
	st  *memory.Store
	led *funds.Ledger
	bus *engine.ChanBus
}

// newFixture 成员 1~5 和管理员各有 100 BTC / 100 ETH / 100000 USDT，成员 4 只有 500 USDT
func newFixture(t require.TestingT) *fixture {
	ctx := context.Background()
	st := memory.New()
	led := funds.NewLedger(st)
	for _, m := range []uint64{1, 2, 3, 4, 5, admin} {
		require.NoError(t, led.Provision(ctx, m, "BTC", "ETH", "USDT"))
		require.NoError(t, led.Deposit(ctx, m, "BTC", dec("100")))
		require.NoError(t, led.Deposit(ctx, m, "ETH", dec("100")))
		quote := "100000"
		if m == 4 {
			quote = "500"
		}
		require.NoError(t, led.Deposit(ctx, m, "USDT", dec(quote)))
	}
	bus := engine.NewChanBus(1 << 10)
	eng, err := engine.New(engine.Config{
		Pairs:         []string{pair, "ETH-USDT"},
		AdminMemberID: admin,
	}, led, st, bus, sequence.New(0))
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	return &fixture{eng: eng, st: st, led: led, bus: bus}
}

func (f *fixture) limit(t require.TestingT, member uint64, side matching.Side, tif matching.TimeInForce, amount, price string) (*matching.Order, []*matching.Trade) {
	o, trades, err := f.eng.Submit(context.Background(), engine.SubmitRequest{
		MemberID: member, Pair: pair, Side: side, Type: matching.Limit, TimeInForce: tif,
		Amount: dec(amount), Price: dec(price),
	})
	require.NoError(t, err)
	return o, trades
}

func (f *fixture) bal(t require.TestingT, member uint64, asset string) funds.Balance {
	b, err := f.led.Balance(member, asset)
	require.NoError(t, err)
	return b
}

func (f *fixture) snapshot(t require.TestingT) matching.Snapshot {
	s, err := f.eng.Snapshot(context.Background(), pair)
	require.NoError(t, err)
	return s
}

func levelsOf(ls []matching.Level) [][2]string {
	out := make([][2]string, 0, len(ls))
	for _, l := range ls {
		out = append(out, [2]string{l.Price.String(), l.Amount.String()})
	}
	return out
}

func TestEngine_Scenarios(t *testing.T) {
	f := newFixture(t)
	defer f.eng.Stop()
	ctx := context.Background()

	// 1. 空簿挂买单
	a, trades := f.limit(t, 1, matching.Buy, matching.GTC, "10", "100")
	assert.Empty(t, trades)
	assert.Equal(t, matching.StatusNew, a.Status)
	s := f.snapshot(t)
	assert.Equal(t, [][2]string{{"100", "10"}}, levelsOf(s.Bids))
	assert.Empty(t, s.Asks)
	assert.Equal(t, "1000", f.bal(t, 1, "USDT").Locked.String())

	// 2. IOC 卖单吃掉 4
	b, trades := f.limit(t, 2, matching.Sell, matching.IOC, "4", "100")
	require.Len(t, trades, 2)
	assert.Equal(t, trades[0].ID, trades[1].ID)
	assert.Equal(t, matching.Maker, trades[0].Liquidity)
	assert.Equal(t, a.ID, trades[0].OrderID)
	assert.Equal(t, matching.Taker, trades[1].Liquidity)
	assert.Equal(t, "100", trades[0].Price.String())
	assert.Equal(t, "4", trades[0].Amount.String())
	assert.Equal(t, matching.StatusFilled, b.Status)

	aNow, err := f.eng.QueryOrder(ctx, 1, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, matching.StatusPartial, aNow.Status)
	assert.Equal(t, "6", aNow.Remaining.String())
	assert.Equal(t, [][2]string{{"100", "6"}}, levelsOf(f.snapshot(t).Bids))

	assert.Equal(t, "99600", f.bal(t, 1, "USDT").Amount.String())
	assert.Equal(t, "600", f.bal(t, 1, "USDT").Locked.String())
	assert.Equal(t, "104", f.bal(t, 1, "BTC").Amount.String())
	assert.Equal(t, "96", f.bal(t, 2, "BTC").Amount.String())
	assert.Equal(t, "100400", f.bal(t, 2, "USDT").Amount.String())

	// 3. 市价卖 20，只成交 6，剩余撤销
	c, trades, err := f.eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 3, Pair: pair, Side: matching.Sell, Type: matching.Market, Amount: dec("20"),
	})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "6", trades[1].Amount.String())
	assert.Equal(t, matching.StatusCanceled, c.Status)
	assert.Equal(t, "14", c.Remaining.String())
	assert.Empty(t, f.snapshot(t).Bids)
	assert.True(t, f.bal(t, 1, "USDT").Locked.IsZero())

	// 4. 已完全成交的单不能撤
	_, err = f.eng.Cancel(ctx, engine.CancelRequest{MemberID: 1, OrderID: a.ID})
	require.ErrorIs(t, err, xerr.ErrNotFoundOrder)

	// 5. 余额不足：不冻结，不落库
	before := f.st.TradeCount()
	_, _, err = f.eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 4, Pair: pair, Side: matching.Buy, Type: matching.Limit, Amount: dec("10"), Price: dec("60"),
	})
	require.ErrorIs(t, err, xerr.ErrNotEnoughBalance)
	assert.Equal(t, xerr.KindBusiness, xerr.KindOf(err))
	assert.True(t, f.bal(t, 4, "USDT").Locked.IsZero())
	assert.Equal(t, before, f.st.TradeCount())
	open, err := f.st.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	// 6. 重复 clientOrderId
	first, _, err := f.eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 5, Pair: pair, Side: matching.Buy, Type: matching.Limit,
		Amount: dec("1"), Price: dec("50"), ClientOrderID: "abc",
	})
	require.NoError(t, err)
	_, _, err = f.eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 5, Pair: "ETH-USDT", Side: matching.Buy, Type: matching.Limit,
		Amount: dec("1"), Price: dec("50"), ClientOrderID: "abc",
	})
	require.ErrorIs(t, err, xerr.ErrDuplicateClientOrderId, "跨交易对同样不能重复")
	_, _, err = f.eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 5, Pair: pair, Side: matching.Buy, Type: matching.Limit,
		Amount: dec("2"), Price: dec("40"), ClientOrderID: "abc",
	})
	require.ErrorIs(t, err, xerr.ErrDuplicateClientOrderId)
	assert.Equal(t, "50", f.bal(t, 5, "USDT").Locked.String())
	assert.Equal(t, [][2]string{{"50", "1"}}, levelsOf(f.snapshot(t).Bids))

	got, err := f.eng.QueryOrder(ctx, 5, 0, "abc")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	// 按 clientOrderId 撤单
	canceled, err := f.eng.Cancel(ctx, engine.CancelRequest{MemberID: 5, ClientOrderID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, canceled.ID)
	assert.Equal(t, matching.StatusCanceled, canceled.Status)
	assert.True(t, f.bal(t, 5, "USDT").Locked.IsZero())
	_, err = f.eng.Cancel(ctx, engine.CancelRequest{MemberID: 6, ClientOrderID: "abc"})
	require.ErrorIs(t, err, xerr.ErrNotFoundOrder)
}

func TestEngine_Validation(t *testing.T) {
	f := newFixture(t)
	defer f.eng.Stop()
	ctx := context.Background()

	tests := []struct {
		name string
		req  engine.SubmitRequest
		want error
	}{
		{"zero amount", engine.SubmitRequest{MemberID: 1, Pair: pair, Side: matching.Buy, Type: matching.Limit, Amount: dec("0"), Price: dec("1")}, xerr.ErrInvalidOrderAmount},
		{"negative amount", engine.SubmitRequest{MemberID: 1, Pair: pair, Side: matching.Buy, Type: matching.Limit, Amount: dec("-1"), Price: dec("1")}, xerr.ErrInvalidOrderAmount},
		{"unknown pair", engine.SubmitRequest{MemberID: 1, Pair: "DOGE-USDT", Side: matching.Buy, Type: matching.Limit, Amount: dec("1"), Price: dec("1")}, xerr.ErrInvalidPair},
		{"unknown tif", engine.SubmitRequest{MemberID: 1, Pair: pair, Side: matching.Buy, Type: matching.Limit, TimeInForce: matching.TimeInForce(7), Amount: dec("1"), Price: dec("100")}, xerr.ErrRequiredParameter},
		{"amount scale", engine.SubmitRequest{MemberID: 1, Pair: pair, Side: matching.Buy, Type: matching.Limit, Amount: dec("0.000000001"), Price: dec("100")}, xerr.ErrInvalidOrderAmount},
		{"price scale", engine.SubmitRequest{MemberID: 1, Pair: pair, Side: matching.Buy, Type: matching.Limit, Amount: dec("1"), Price: dec("100.123456789")}, xerr.ErrInvalidOrderAmount},
		{"limit without price", engine.SubmitRequest{MemberID: 1, Pair: pair, Side: matching.Buy, Type: matching.Limit, Amount: dec("1")}, xerr.ErrRequiredParameter},
		{"no account", engine.SubmitRequest{MemberID: 42, Pair: pair, Side: matching.Sell, Type: matching.Limit, Amount: dec("1"), Price: dec("1")}, xerr.ErrInvalidAsset},
		{"sell over balance", engine.SubmitRequest{MemberID: 1, Pair: pair, Side: matching.Sell, Type: matching.Limit, Amount: dec("101"), Price: dec("1")}, xerr.ErrNotEnoughBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, trades, err := f.eng.Submit(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, o)
			assert.Empty(t, trades)
		})
	}
	assert.Empty(t, f.snapshot(t).Bids)
	assert.Empty(t, f.snapshot(t).Asks)
	// 校验失败不落任何订单
	maxID, err := f.st.MaxID(ctx)
	require.NoError(t, err)
	assert.Zero(t, maxID)
}

func TestEngine_PriceTimePriority(t *testing.T) {
	f := newFixture(t)
	defer f.eng.Stop()

	s1, _ := f.limit(t, 1, matching.Sell, matching.GTC, "1", "100")
	s2, _ := f.limit(t, 2, matching.Sell, matching.GTC, "1", "100")
	s3, _ := f.limit(t, 3, matching.Sell, matching.GTC, "1", "99")

	taker, trades := f.limit(t, 5, matching.Buy, matching.IOC, "2.5", "100")
	require.Len(t, trades, 6)
	var makers []uint64
	for _, tr := range trades {
		if tr.Liquidity == matching.Maker {
			makers = append(makers, tr.OrderID)
		}
	}
	assert.Equal(t, []uint64{s3.ID, s1.ID, s2.ID}, makers)
	assert.Equal(t, "99", trades[0].Price.String())
	assert.Equal(t, "0.5", trades[4].Amount.String())
	assert.Equal(t, matching.StatusFilled, taker.Status)
	assert.Equal(t, [][2]string{{"100", "0.5"}}, levelsOf(f.snapshot(t).Asks))
}

func TestEngine_PriceImprovementSettlesExactly(t *testing.T) {
	f := newFixture(t)
	defer f.eng.Stop()

	f.limit(t, 1, matching.Sell, matching.GTC, "2", "100")
	o, trades := f.limit(t, 2, matching.Buy, matching.GTC, "5", "110")
	require.Len(t, trades, 2)
	assert.Equal(t, matching.StatusPartial, o.Status)

	// 成交 2@100 扣 200；剩余 3@110 冻结 330
	q := f.bal(t, 2, "USDT")
	assert.Equal(t, "99800", q.Amount.String())
	assert.Equal(t, "330", q.Locked.String())
	assert.Equal(t, "102", f.bal(t, 2, "BTC").Amount.String())
	assert.Equal(t, [][2]string{{"110", "3"}}, levelsOf(f.snapshot(t).Bids))
}

func TestEngine_ResidualPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("gtc rests partial", func(t *testing.T) {
		f := newFixture(t)
		defer f.eng.Stop()
		f.limit(t, 1, matching.Sell, matching.GTC, "1", "100")
		o, _ := f.limit(t, 2, matching.Buy, matching.GTC, "3", "100")
		assert.Equal(t, matching.StatusPartial, o.Status)
		open, err := f.eng.OpenOrders(2, pair)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "2", open[0].Remaining.String())
	})

	t.Run("ioc cancels remainder", func(t *testing.T) {
		f := newFixture(t)
		defer f.eng.Stop()
		f.limit(t, 1, matching.Sell, matching.GTC, "1", "100")
		o, _ := f.limit(t, 2, matching.Buy, matching.IOC, "3", "100")
		assert.Equal(t, matching.StatusCanceled, o.Status)
		assert.Equal(t, "2", o.Remaining.String())
		assert.Empty(t, f.snapshot(t).Bids)
		assert.True(t, f.bal(t, 2, "USDT").Locked.IsZero())
		open, err := f.eng.OpenOrders(2, "")
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("ioc without cross", func(t *testing.T) {
		f := newFixture(t)
		defer f.eng.Stop()
		f.limit(t, 1, matching.Sell, matching.GTC, "1", "100")
		o, trades := f.limit(t, 2, matching.Buy, matching.IOC, "1", "99")
		assert.Empty(t, trades)
		assert.Equal(t, matching.StatusCanceled, o.Status)
	})

	t.Run("market buy on empty book", func(t *testing.T) {
		f := newFixture(t)
		defer f.eng.Stop()
		o, trades, err := f.eng.Submit(ctx, engine.SubmitRequest{
			MemberID: 1, Pair: pair, Side: matching.Buy, Type: matching.Market, Amount: dec("1"),
		})
		require.NoError(t, err)
		assert.Empty(t, trades)
		assert.Equal(t, matching.StatusCanceled, o.Status)
	})

	t.Run("market buy stops when funds run out", func(t *testing.T) {
		f := newFixture(t)
		defer f.eng.Stop()
		f.limit(t, 1, matching.Sell, matching.GTC, "4", "100")
		f.limit(t, 2, matching.Sell, matching.GTC, "4", "200")
		// 成员 4 只有 500 USDT：准入按卖一 100 估算 4×100 通过，第二档付不起
		o, trades, err := f.eng.Submit(ctx, engine.SubmitRequest{
			MemberID: 4, Pair: pair, Side: matching.Buy, Type: matching.Market, Amount: dec("5"),
		})
		require.NoError(t, err)
		require.Len(t, trades, 2)
		assert.Equal(t, matching.StatusCanceled, o.Status)
		assert.Equal(t, "1", o.Remaining.String())
		assert.Equal(t, "100", f.bal(t, 4, "USDT").Amount.String())
		assert.Equal(t, [][2]string{{"200", "4"}}, levelsOf(f.snapshot(t).Asks))
	})
}

func TestEngine_CancelReleasesHold(t *testing.T) {
	f := newFixture(t)
	defer f.eng.Stop()
	ctx := context.Background()

	buy, _ := f.limit(t, 1, matching.Buy, matching.GTC, "2", "100")
	sell, _ := f.limit(t, 1, matching.Sell, matching.GTC, "3", "120")
	assert.Equal(t, "200", f.bal(t, 1, "USDT").Locked.String())
	assert.Equal(t, "3", f.bal(t, 1, "BTC").Locked.String())

	_, err := f.eng.Cancel(ctx, engine.CancelRequest{MemberID: 2, OrderID: buy.ID})
	require.ErrorIs(t, err, xerr.ErrNotFoundOrder, "不能撤别人的单")

	got, err := f.eng.Cancel(ctx, engine.CancelRequest{MemberID: 1, OrderID: buy.ID})
	require.NoError(t, err)
	assert.Equal(t, matching.StatusCanceled, got.Status)
	require.NotNil(t, got.CanceledAt)
	assert.True(t, f.bal(t, 1, "USDT").Locked.IsZero())

	_, err = f.eng.Cancel(ctx, engine.CancelRequest{MemberID: 1, OrderID: sell.ID})
	require.NoError(t, err)
	assert.True(t, f.bal(t, 1, "BTC").Locked.IsZero())

	stored, err := f.eng.QueryOrder(ctx, 1, sell.ID, "")
	require.NoError(t, err)
	assert.Equal(t, matching.StatusCanceled, stored.Status)

	_, err = f.eng.Cancel(ctx, engine.CancelRequest{MemberID: 1})
	require.ErrorIs(t, err, xerr.ErrRequiredParameter)
}

func TestEngine_PersistenceFailureRollsBackStep(t *testing.T) {
	f := newFixture(t)
	defer f.eng.Stop()

	maker, _ := f.limit(t, 1, matching.Sell, matching.GTC, "2", "100")
	f.st.SetFault(func(op string) error {
		if op == "InsertTrade" {
			return errors.New("disk full")
		}
		return nil
	})
	o, trades, err := f.eng.Submit(context.Background(), engine.SubmitRequest{
		MemberID: 2, Pair: pair, Side: matching.Buy, Type: matching.Limit, Amount: dec("1"), Price: dec("100"),
	})
	require.Error(t, err)
	assert.True(t, xerr.IsRetryable(err))
	assert.Empty(t, trades)
	require.NotNil(t, o)
	// 撮合中断的残单不挂簿，避免簿内交叉
	assert.Equal(t, matching.StatusCanceled, o.Status)
	assert.Zero(t, f.st.TradeCount())

	s := f.snapshot(t)
	assert.Equal(t, [][2]string{{"100", "2"}}, levelsOf(s.Asks))
	assert.Empty(t, s.Bids)
	assert.Equal(t, "100", f.bal(t, 1, "BTC").Amount.String())
	assert.Equal(t, "2", f.bal(t, 1, "BTC").Locked.String())
	assert.True(t, f.bal(t, 2, "USDT").Locked.IsZero())
	assert.Equal(t, "100000", f.bal(t, 2, "USDT").Amount.String())

	f.st.SetFault(nil)
	_, err = f.eng.Cancel(context.Background(), engine.CancelRequest{MemberID: 1, OrderID: maker.ID})
	require.NoError(t, err)
}

func TestEngine_ConsistencyViolationHaltsMarket(t *testing.T) {
	f := newFixture(t)
	defer f.eng.Stop()
	ctx := context.Background()

	f.limit(t, 1, matching.Sell, matching.GTC, "2", "100")
	// 人为破坏账本：maker 的冻结丢了
	f.led.Restore([]funds.Balance{{MemberID: 1, Asset: "BTC", Amount: dec("100"), Locked: decimal.Zero}})

	_, _, err := f.eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 2, Pair: pair, Side: matching.Buy, Type: matching.Limit, Amount: dec("1"), Price: dec("100"),
	})
	require.ErrorIs(t, err, xerr.ErrLedgerInvariant)
	assert.True(t, xerr.IsFatal(err))

	_, _, err = f.eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 3, Pair: pair, Side: matching.Buy, Type: matching.Limit, Amount: dec("1"), Price: dec("1"),
	})
	require.ErrorIs(t, err, xerr.ErrMarketHalted)

	// 其他交易对不受影响
	_, _, err = f.eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 3, Pair: "ETH-USDT", Side: matching.Buy, Type: matching.Limit, Amount: dec("1"), Price: dec("1"),
	})
	require.NoError(t, err)
}

func TestEngine_FeesAreCollected(t *testing.T) {
	f := newFixture(t)
	defer f.eng.Stop()
	f.eng.SetFeeRates(dec("0.001"), dec("0.002"))

	f.limit(t, 1, matching.Sell, matching.GTC, "10", "100")
	_, trades := f.limit(t, 2, matching.Buy, matching.GTC, "10", "100")
	require.Len(t, trades, 2)

	maker, taker := trades[0], trades[1]
	assert.Equal(t, "USDT", maker.FeeAsset)
	assert.Equal(t, "1", maker.Fee.String()) // 0.001 × 1000
	assert.Equal(t, "BTC", taker.FeeAsset)
	assert.Equal(t, "0.02", taker.Fee.String()) // 0.002 × 10

	assert.Equal(t, "100999", f.bal(t, 1, "USDT").Amount.String())
	assert.Equal(t, "109.98", f.bal(t, 2, "BTC").Amount.String())

	fees := f.led.Fees()
	assert.Equal(t, "1", fees["USDT"].String())
	assert.Equal(t, "0.02", fees["BTC"].String())
	assert.Equal(t, "600", f.led.Total("BTC").Add(fees["BTC"]).String())
}

func TestEngine_FeeFitsStorageScale(t *testing.T) {
	f := newFixture(t)
	defer f.eng.Stop()
	f.eng.SetFeeRates(dec("0.0000000000123"), dec("0.0000000000456"))

	f.limit(t, 1, matching.Sell, matching.GTC, "0.12345678", "100.12345678")
	_, trades := f.limit(t, 2, matching.Buy, matching.GTC, "0.12345678", "100.12345678")
	require.Len(t, trades, 2)
	for _, tr := range trades {
		assert.GreaterOrEqual(t, tr.Fee.Exponent(), int32(-matching.AmountScale), "fee %s", tr.Fee)
		assert.True(t, tr.Fee.IsPositive())
	}
	fees := f.led.Fees()
	assert.Equal(t, "600", f.led.Total("BTC").Add(fees["BTC"]).String())
	assert.Equal(t, "500500", f.led.Total("USDT").Add(fees["USDT"]).String())
}

func TestEngine_AdminSeedAndFlush(t *testing.T) {
	f := newFixture(t)
	defer f.eng.Stop()
	ctx := context.Background()

	f.limit(t, admin, matching.Buy, matching.GTC, "1", "1")

	seed := engine.SeedRequest{
		AdminID: admin, Pair: pair,
		Asks: []matching.Level{{Price: dec("101"), Amount: dec("1")}, {Price: dec("102"), Amount: dec("2")}},
		Bids: []matching.Level{{Price: dec("99"), Amount: dec("3")}},
	}
	_, err := f.eng.AdminSeed(ctx, engine.SeedRequest{AdminID: 1, Pair: pair})
	require.ErrorIs(t, err, xerr.ErrPermissionDenied)
	assert.Equal(t, http.StatusUnauthorized, xerr.HTTPStatus(err))

	orders, err := f.eng.AdminSeed(ctx, seed)
	require.NoError(t, err)
	assert.Len(t, orders, 3)
	s := f.snapshot(t)
	assert.Equal(t, [][2]string{{"101", "1"}, {"102", "2"}}, levelsOf(s.Asks))
	assert.Equal(t, [][2]string{{"99", "3"}}, levelsOf(s.Bids), "旧的 1@1 已被撤掉")

	f.limit(t, 1, matching.Buy, matching.GTC, "1", "10")
	_, _, err = f.eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 1, Pair: "ETH-USDT", Side: matching.Buy, Type: matching.Limit, Amount: dec("1"), Price: dec("10"),
	})
	require.NoError(t, err)

	require.NoError(t, f.eng.AdminFlush(ctx, ""))
	s = f.snapshot(t)
	assert.Empty(t, s.Asks)
	assert.Empty(t, s.Bids)
	for _, m := range []uint64{1, admin} {
		for _, asset := range []string{"BTC", "USDT"} {
			assert.True(t, f.bal(t, m, asset).Locked.IsZero(), "member %d %s", m, asset)
		}
	}
	open, err := f.eng.OpenOrders(1, "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestEngine_AdminFlushKeepsGoingAfterPairFailure(t *testing.T) {
	f := newFixture(t)
	defer f.eng.Stop()
	ctx := context.Background()

	f.limit(t, 1, matching.Buy, matching.GTC, "1", "1")
	_, _, err := f.eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 1, Pair: "ETH-USDT", Side: matching.Buy, Type: matching.Limit, Amount: dec("1"), Price: dec("1"),
	})
	require.NoError(t, err)

	var calls atomic.Int32
	f.st.SetFault(func(op string) error {
		if op == "UpdateOrderStatus" && calls.Add(1) == 1 {
			return errors.New("disk full")
		}
		return nil
	})
	err = f.eng.AdminFlush(ctx, "")
	require.Error(t, err)
	assert.True(t, xerr.IsRetryable(err))

	// 只有失败的那一笔还挂着，另一个交易对照常撤完
	open, err := f.eng.OpenOrders(1, "")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "1", f.bal(t, 1, "USDT").Locked.String())
}

func TestEngine_Events(t *testing.T) {
	f := newFixture(t)
	defer f.eng.Stop()

	f.limit(t, 1, matching.Buy, matching.GTC, "1", "100")
	f.limit(t, 2, matching.Sell, matching.GTC, "1", "100")

	var evs []engine.Event
	timeout := time.After(time.Second)
	for len(evs) < 7 {
		select {
		case batch := <-f.bus.C():
			evs = append(evs, batch...)
		case <-timeout:
			t.Fatalf("got %d events", len(evs))
		}
	}
	// 买单：NEW + 快照；卖单：NEW + 两条 TRADE + 成交 + 快照
	kinds := make([]engine.Channel, 0, len(evs))
	for _, ev := range evs {
		kinds = append(kinds, ev.Channel)
	}
	assert.Equal(t, []engine.Channel{
		engine.ChannelOrderUpdate, engine.ChannelOrderBook,
		engine.ChannelOrderUpdate, engine.ChannelOrderUpdate, engine.ChannelOrderUpdate,
		engine.ChannelTrades, engine.ChannelOrderBook,
	}, kinds)

	tr, ok := evs[5].Data.(*engine.TradeEvent)
	require.True(t, ok)
	assert.True(t, tr.IsBuyerMaker)
	assert.Equal(t, pair+"@Trades", evs[5].ChannelKey())

	up, ok := evs[3].Data.(*engine.OrderUpdate)
	require.True(t, ok)
	assert.Equal(t, engine.ExecTrade, up.ExecutionType)
	require.NotNil(t, up.Fill)
	assert.Equal(t, matching.Maker, up.Fill.Liquidity)
	assert.Equal(t, uint64(1), evs[3].MemberID)

	snap, ok := evs[6].Data.(*matching.Snapshot)
	require.True(t, ok)
	assert.Empty(t, snap.Bids)
	assert.Greater(t, snap.LastUpdatedID, evs[1].Data.(*matching.Snapshot).LastUpdatedID)
}

func TestEngine_RecoverCancelsStaleOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o, _ := f.limit(t, 1, matching.Buy, matching.GTC, "2", "100")
	f.eng.Stop()

	led := funds.NewLedger(f.st)
	eng, err := engine.New(engine.Config{Pairs: []string{pair}}, led, f.st, nil, sequence.New(0))
	require.NoError(t, err)
	require.NoError(t, eng.Recover(ctx))
	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	b, err := led.Balance(1, "USDT")
	require.NoError(t, err)
	assert.Equal(t, "100000", b.Amount.String())
	assert.True(t, b.Locked.IsZero())

	stored, err := eng.QueryOrder(ctx, 1, o.ID, "")
	require.NoError(t, err)
	assert.Equal(t, matching.StatusCanceled, stored.Status)

	next, _, err := eng.Submit(ctx, engine.SubmitRequest{
		MemberID: 1, Pair: pair, Side: matching.Buy, Type: matching.Limit, Amount: dec("1"), Price: dec("1"),
	})
	require.NoError(t, err)
	assert.Greater(t, next.ID, o.ID)
}

func TestEngine_RecoverRestoresFeePool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.eng.SetFeeRates(dec("0.001"), dec("0.002"))
	f.limit(t, 1, matching.Sell, matching.GTC, "10", "100")
	f.limit(t, 2, matching.Buy, matching.GTC, "10", "100")
	want := f.led.Fees()
	f.eng.Stop()

	led := funds.NewLedger(f.st)
	eng, err := engine.New(engine.Config{Pairs: []string{pair}}, led, f.st, nil, sequence.New(0))
	require.NoError(t, err)
	require.NoError(t, eng.Recover(ctx))

	fees := led.Fees()
	require.Len(t, fees, 2)
	assert.Equal(t, want["USDT"].String(), fees["USDT"].String())
	assert.Equal(t, want["BTC"].String(), fees["BTC"].String())
	assert.Equal(t, "600", led.Total("BTC").Add(fees["BTC"]).String())
	assert.Equal(t, "500500", led.Total("USDT").Add(fees["USDT"]).String())
}

func TestEngine_StartIsOneShot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.ErrorIs(t, f.eng.Start(ctx), engine.ErrAlreadyStarted)
	f.eng.Stop()

	require.ErrorIs(t, f.eng.Start(ctx), engine.ErrAlreadyStarted)
	_, err := f.eng.Snapshot(ctx, pair)
	require.ErrorIs(t, err, xerr.ErrEngineBusy)
	require.Error(t, f.eng.Recover(ctx))
}

func TestEngine_NotStarted(t *testing.T) {
	st := memory.New()
	eng, err := engine.New(engine.Config{Pairs: []string{pair}}, funds.NewLedger(st), st, nil, nil)
	require.NoError(t, err)
	_, _, err = eng.Submit(context.Background(), engine.SubmitRequest{MemberID: 1, Pair: pair})
	require.ErrorIs(t, err, xerr.ErrEngineBusy)

	_, err = engine.New(engine.Config{Pairs: []string{"BTCUSDT"}}, funds.NewLedger(st), st, nil, nil)
	require.Error(t, err)
}

func TestEngine_Trades(t *testing.T) {
	f := newFixture(t)
	defer f.eng.Stop()
	ctx := context.Background()

	f.limit(t, 1, matching.Sell, matching.GTC, "3", "100")
	f.limit(t, 2, matching.Buy, matching.GTC, "1", "100")
	f.limit(t, 2, matching.Buy, matching.GTC, "1", "100")

	got, err := f.eng.Trades(ctx, matching.TradeFilter{MemberID: 2, Pair: pair})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, tr := range got {
		assert.Equal(t, uint64(2), tr.MemberID)
		assert.Equal(t, matching.Taker, tr.Liquidity)
	}

	_, err = f.eng.Trades(ctx, matching.TradeFilter{})
	require.ErrorIs(t, err, xerr.ErrRequiredParameter)

	bals, err := f.eng.Balances(2, "")
	require.NoError(t, err)
	assert.Len(t, bals, 3)

	_, err = f.eng.Balances(2, "DOGE")
	require.ErrorIs(t, err, xerr.ErrInvalidAsset)
}
