package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"spotex.com/internal/matching"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/metrics"
	"spotex.com/pkg/xerr"
)

type ActorConfig struct {
	MailboxSize int // mailbox 容量
	BatchMax    int // 一轮最多处理多少条
}

// market 一个交易对一个协程，独占自己的订单簿。
// live 是本交易对全部未结订单，正常情况下和簿内一致；
// 残单撤销落库失败时订单不在簿里但仍在 live，可以再撤
type market struct {
	eng  *Engine
	pair matching.Pair
	book *matching.Book
	live map[uint64]*matching.Order
	in   chan Command
	done chan struct{}
	cfg  ActorConfig

	// 出现一致性错误后非空，之后的写命令全部拒绝
	halted error
	outbox []Event
}

func newMarket(eng *Engine, pair matching.Pair, cfg ActorConfig) *market {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 4096
	}
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = 256
	}
	return &market{
		eng:  eng,
		pair: pair,
		book: matching.NewBook(pair.Symbol),
		live: make(map[uint64]*matching.Order),
		in:   make(chan Command, cfg.MailboxSize),
		done: make(chan struct{}),
		cfg:  cfg,
	}
}

// TryEnqueue mailbox 满了直接返回 busy，用 chan 容量做背压
func (m *market) TryEnqueue(cmd Command) error {
	select {
	case m.in <- cmd:
		return nil
	default:
		metrics.MailboxFull.WithLabelValues(m.pair.Symbol).Inc()
		return xerr.ErrEngineBusy
	}
}

func (m *market) run(ctx context.Context) {
	defer close(m.done)
	logger.Info(ctx, "market started", zap.String("pair", m.pair.Symbol))
	defer logger.Info(ctx, "market stopped", zap.String("pair", m.pair.Symbol))

	batch := make([]Command, 0, m.cfg.BatchMax)
	results := make([]Result, 0, m.cfg.BatchMax)
	for {
		var first Command
		// 先阻塞拿一条，再不阻塞地尽量多拿
		select {
		case <-ctx.Done():
			return
		case first = <-m.in:
		}
		batch = batch[:0]
		batch = append(batch, first)
		for len(batch) < m.cfg.BatchMax {
			select {
			case cmd := <-m.in:
				batch = append(batch, cmd)
			default:
				goto PROCESS
			}
		}
	PROCESS:
		results = results[:0]
		for i := range batch {
			results = append(results, m.handle(batch[i]))
		}
		m.flush()
		metrics.RestingOrders.WithLabelValues(m.pair.Symbol).Set(float64(m.book.Len()))
		// 事件先交出去再回复，调用方拿到结果时事件已经在总线上
		for i := range batch {
			batch[i].reply <- results[i]
			batch[i] = Command{}
		}
	}
}

func (m *market) handle(cmd Command) Result {
	ctx := cmd.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	switch cmd.Type {
	case CmdSnapshot:
		s := m.book.Snapshot(m.eng.cfg.SnapshotDepth)
		return Result{Snapshot: &s}
	}
	if m.halted != nil {
		return Result{Err: xerr.ErrMarketHalted}
	}
	switch cmd.Type {
	case CmdSubmit:
		o, trades, err := m.submit(ctx, cmd.Submit)
		return Result{Order: o, Trades: trades, Err: err}
	case CmdCancel:
		o, err := m.cancel(ctx, cmd.Cancel)
		return Result{Order: o, Err: err}
	case CmdCancelAll:
		orders, err := m.cancelAll(ctx)
		return Result{Orders: orders, Err: err}
	case CmdSeed:
		orders, trades, err := m.seed(ctx, cmd.Seed)
		return Result{Orders: orders, Trades: trades, Err: err}
	}
	return Result{Err: xerr.NewErrCode(xerr.RequiredParameter)}
}

func (m *market) emit(ev Event) {
	m.outbox = append(m.outbox, ev)
}

// flush 每轮一次交给 sink；sink 持有这个切片，所以这里不复用
func (m *market) flush() {
	if len(m.outbox) == 0 {
		return
	}
	evs := m.outbox
	m.outbox = nil
	if !m.eng.sink.TryPublish(evs) {
		logger.Warn(context.Background(), "events dropped",
			zap.String("pair", m.pair.Symbol), zap.Int("count", len(evs)))
	}
}

// fail 统一处理撮合路径上的错误：一致性错误停盘，持久化错误计数
func (m *market) fail(ctx context.Context, step string, err error) error {
	switch {
	case xerr.IsFatal(err):
		if m.halted == nil {
			m.halted = err
			metrics.ConsistencyViolations.WithLabelValues(m.pair.Symbol).Inc()
			logger.Error(ctx, "market halted on consistency violation",
				zap.String("pair", m.pair.Symbol), zap.String("step", step), zap.Error(err))
		}
	case errors.Is(err, xerr.ErrPersistence):
		metrics.PersistenceFailures.WithLabelValues(m.pair.Symbol, step).Inc()
		logger.Warn(ctx, "persistence failed, step rolled back",
			zap.String("pair", m.pair.Symbol), zap.String("step", step), zap.Error(err))
	}
	return err
}

func (m *market) track(o *matching.Order) {
	if o.Status.Open() {
		m.live[o.ID] = o
		m.eng.index.put(o)
		return
	}
	delete(m.live, o.ID)
	m.eng.index.remove(o)
}
