package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spotex.com/internal/funds"
	"spotex.com/internal/matching"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/safe"
	"spotex.com/pkg/sequence"
	"spotex.com/pkg/xerr"
)

type Config struct {
	Pairs         []string
	MakerFeeRate  decimal.Decimal
	TakerFeeRate  decimal.Decimal
	Actor         ActorConfig
	SnapshotDepth int    // 0 表示全量
	AdminMemberID uint64 // 0 表示不允许管理员操作
	Now           func() time.Time
}

// Engine 交易对注册表：启动时按配置建好全部交易对，之后只读。
// 同一交易对的命令串行执行，不同交易对完全并行；账本跨交易对共享
type Engine struct {
	cfg     Config
	ledger  *funds.Ledger
	gw      Gateway
	sink    EventSink
	seq     *sequence.Sequencer
	index   *openOrders
	markets map[string]*market
	fees    atomic.Pointer[feeRates]
	tracer  trace.Tracer

	started atomic.Bool
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, ledger *funds.Ledger, gw Gateway, sink EventSink, seq *sequence.Sequencer) (*Engine, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if sink == nil {
		sink = noopSink{}
	}
	if seq == nil {
		seq = sequence.NewTimeSeeded(0)
	}
	e := &Engine{
		cfg:     cfg,
		ledger:  ledger,
		gw:      gw,
		sink:    sink,
		seq:     seq,
		index:   newOpenOrders(),
		markets: make(map[string]*market, len(cfg.Pairs)),
		tracer:  otel.Tracer("spotex.com/internal/engine"),
	}
	for _, symbol := range cfg.Pairs {
		p, err := matching.ParsePair(symbol)
		if err != nil {
			return nil, err
		}
		if _, ok := e.markets[p.Symbol]; ok {
			return nil, fmt.Errorf("duplicate pair %s", p.Symbol)
		}
		e.markets[p.Symbol] = newMarket(e, p, cfg.Actor)
	}
	e.SetFeeRates(cfg.MakerFeeRate, cfg.TakerFeeRate)
	return e, nil
}

func (e *Engine) now() time.Time { return e.cfg.Now() }

func (e *Engine) feeRates() *feeRates { return e.fees.Load() }

// SetFeeRates 热更新费率，对之后的成交生效
func (e *Engine) SetFeeRates(maker, taker decimal.Decimal) {
	e.fees.Store(&feeRates{maker: maker, taker: taker})
}

func (e *Engine) Ledger() *funds.Ledger { return e.ledger }

func (e *Engine) Pairs() []matching.Pair {
	out := make([]matching.Pair, 0, len(e.markets))
	for _, symbol := range e.cfg.Pairs {
		if m, ok := e.markets[symbol]; ok {
			out = append(out, m.pair)
		}
	}
	return out
}

// ErrAlreadyStarted Start 只能调用一次，Stop 之后也不能再启动
var ErrAlreadyStarted = errors.New("engine: already started")

// Start 每个交易对起一个协程
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	e.running.Store(true)
	ctx, e.cancel = context.WithCancel(ctx)
	for _, m := range e.markets {
		m := m
		e.wg.Add(1)
		safe.GoCtx(ctx, "market-"+m.pair.Symbol, func(ctx context.Context) {
			defer e.wg.Done()
			m.run(ctx)
		})
	}
	return nil
}

// Stop 当前批次处理完后退出，等待中的调用方拿到 busy
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) market(pair string) (*market, error) {
	m, ok := e.markets[pair]
	if !ok {
		return nil, xerr.ErrInvalidPair
	}
	return m, nil
}

// do 投递到交易对 mailbox 并等结果。
// 入队之后不再响应 ctx 取消：撮合一旦开始就跑完
func (e *Engine) do(ctx context.Context, m *market, cmd Command) Result {
	if !e.running.Load() {
		return Result{Err: xerr.ErrEngineBusy}
	}
	cmd.ctx = context.WithoutCancel(ctx)
	cmd.reply = make(chan Result, 1)
	if err := ctx.Err(); err != nil {
		return Result{Err: err}
	}
	if err := m.TryEnqueue(cmd); err != nil {
		return Result{Err: err}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-m.done:
		// 退出前可能刚好处理完
		select {
		case r := <-cmd.reply:
			return r
		default:
			return Result{Err: xerr.ErrEngineBusy}
		}
	}
}

func (e *Engine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Submit 下单。返回的订单是副本；撮合中途持久化失败时订单和错误同时返回
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (order *matching.Order, trades []*matching.Trade, err error) {
	ctx, span := e.span(ctx, "engine.Submit",
		attribute.String("pair", req.Pair),
		attribute.Int64("member_id", int64(req.MemberID)),
		attribute.String("side", req.Side.String()),
		attribute.String("type", req.Type.String()))
	defer func() { endSpan(span, err) }()

	m, err := e.market(req.Pair)
	if err != nil {
		return nil, nil, err
	}
	r := e.do(ctx, m, Command{Type: CmdSubmit, Submit: &req})
	if r.Order != nil {
		span.SetAttributes(attribute.Int64("order_id", int64(r.Order.ID)), attribute.String("status", r.Order.Status.String()))
	}
	return r.Order, r.Trades, r.Err
}

// Cancel 按 orderId 或 clientOrderId 撤单，只能撤自己的未结订单
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (order *matching.Order, err error) {
	ctx, span := e.span(ctx, "engine.Cancel",
		attribute.Int64("member_id", int64(req.MemberID)),
		attribute.Int64("order_id", int64(req.OrderID)))
	defer func() { endSpan(span, err) }()

	if req.OrderID == 0 && req.ClientOrderID == "" {
		return nil, xerr.Wrapf(xerr.RequiredParameter, "orderId or clientOrderId")
	}
	var (
		o  *matching.Order
		ok bool
	)
	if req.OrderID != 0 {
		o, ok = e.index.get(req.MemberID, req.OrderID)
	} else {
		o, ok = e.index.getByClient(req.MemberID, req.ClientOrderID)
	}
	if !ok {
		return nil, xerr.ErrNotFoundOrder
	}
	m, err := e.market(o.Pair)
	if err != nil {
		return nil, err
	}
	r := e.do(ctx, m, Command{Type: CmdCancel, Cancel: &CancelRequest{MemberID: req.MemberID, OrderID: o.ID}})
	return r.Order, r.Err
}

// Snapshot 深度快照，经 mailbox 读，和撮合串行
func (e *Engine) Snapshot(ctx context.Context, pair string) (matching.Snapshot, error) {
	m, err := e.market(pair)
	if err != nil {
		return matching.Snapshot{}, err
	}
	r := e.do(ctx, m, Command{Type: CmdSnapshot})
	if r.Err != nil {
		return matching.Snapshot{}, r.Err
	}
	return *r.Snapshot, nil
}

// AdminSeed 清空交易对后用管理员账户铺单
func (e *Engine) AdminSeed(ctx context.Context, req SeedRequest) (orders []*matching.Order, err error) {
	ctx, span := e.span(ctx, "engine.AdminSeed", attribute.String("pair", req.Pair))
	defer func() { endSpan(span, err) }()

	if e.cfg.AdminMemberID == 0 || req.AdminID != e.cfg.AdminMemberID {
		return nil, xerr.ErrPermissionDenied
	}
	m, err := e.market(req.Pair)
	if err != nil {
		return nil, err
	}
	r := e.do(ctx, m, Command{Type: CmdSeed, Seed: &req})
	return r.Orders, r.Err
}

// AdminFlush pair 为空时并行撤掉全部交易对
func (e *Engine) AdminFlush(ctx context.Context, pair string) (err error) {
	ctx, span := e.span(ctx, "engine.AdminFlush", attribute.String("pair", pair))
	defer func() { endSpan(span, err) }()

	if pair != "" {
		m, err := e.market(pair)
		if err != nil {
			return err
		}
		return e.do(ctx, m, Command{Type: CmdCancelAll}).Err
	}
	// 某个交易对失败不影响其余交易对撤单
	var g errgroup.Group
	for _, m := range e.markets {
		m := m
		g.Go(func() error {
			if err := e.do(ctx, m, Command{Type: CmdCancelAll}).Err; err != nil {
				return fmt.Errorf("flush %s: %w", m.pair.Symbol, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// QueryOrder 未结订单查内存，已结的查库
func (e *Engine) QueryOrder(ctx context.Context, memberID, orderID uint64, clientOrderID string) (*matching.Order, error) {
	if orderID == 0 && clientOrderID == "" {
		return nil, xerr.Wrapf(xerr.RequiredParameter, "orderId or clientOrderId")
	}
	if orderID != 0 {
		if o, ok := e.index.get(memberID, orderID); ok {
			return o, nil
		}
		o, err := e.gw.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if o.MemberID != memberID {
			return nil, xerr.ErrNotFoundOrder
		}
		return o, nil
	}
	if o, ok := e.index.getByClient(memberID, clientOrderID); ok {
		return o, nil
	}
	return e.gw.GetOrderByClientID(ctx, memberID, clientOrderID)
}

// OpenOrders pair 为空返回全部交易对
func (e *Engine) OpenOrders(memberID uint64, pair string) ([]*matching.Order, error) {
	if pair != "" {
		if _, err := e.market(pair); err != nil {
			return nil, err
		}
	}
	return e.index.list(memberID, pair), nil
}

func (e *Engine) Trades(ctx context.Context, f matching.TradeFilter) ([]*matching.Trade, error) {
	if f.MemberID == 0 {
		return nil, xerr.Wrapf(xerr.RequiredParameter, "memberId")
	}
	if f.Pair != "" {
		if _, err := e.market(f.Pair); err != nil {
			return nil, err
		}
	}
	return e.gw.Trades(ctx, f.Normalize())
}

// Balances asset 为空返回该成员全部资产
func (e *Engine) Balances(memberID uint64, asset string) ([]funds.Balance, error) {
	if asset == "" {
		return e.ledger.Balances(memberID), nil
	}
	b, err := e.ledger.Balance(memberID, asset)
	if err != nil {
		return nil, err
	}
	return []funds.Balance{b}, nil
}

// Recover 启动前调用：装载余额和手续费池，推进 id 序列，撤掉库里残留的未结订单并释放冻结。
// 内存订单簿不跨进程保留
func (e *Engine) Recover(ctx context.Context) error {
	if e.started.Load() {
		return errors.New("recover must run before start")
	}
	rows, err := e.gw.LoadBalances(ctx)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	e.ledger.Restore(rows)

	fees, err := e.gw.FeeTotals(ctx)
	if err != nil {
		return fmt.Errorf("load fees: %w", err)
	}
	e.ledger.RestoreFees(fees)

	top, err := e.gw.MaxID(ctx)
	if err != nil {
		return fmt.Errorf("load max id: %w", err)
	}
	e.seq.Advance(top)

	open, err := e.gw.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	evs := make([]Event, 0, len(open))
	for _, o := range open {
		p, err := matching.ParsePair(o.Pair)
		if err != nil {
			return fmt.Errorf("order %d: %w", o.ID, err)
		}
		next, err := e.cancelCommit(ctx, p, o)
		if err != nil {
			return fmt.Errorf("cancel stale order %d: %w", o.ID, err)
		}
		evs = append(evs, orderUpdateEvent(next, ExecCanceled, nil, *next.CanceledAt))
	}
	if len(evs) > 0 && !e.sink.TryPublish(evs) {
		logger.Warn(ctx, "recovery events dropped", zap.Int("count", len(evs)))
	}
	logger.Info(ctx, "engine recovered",
		zap.Int("balances", len(rows)), zap.Uint64("max_id", top), zap.Int("stale_orders", len(open)))
	return nil
}
