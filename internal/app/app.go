package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spotex.com/internal/engine"
	"spotex.com/internal/funds"
	"spotex.com/internal/notify"
	"spotex.com/internal/store/memory"
	mysqlstore "spotex.com/internal/store/mysql"
	"spotex.com/pkg/logger"
	"spotex.com/pkg/orm"
	"spotex.com/pkg/safe"
	"spotex.com/pkg/sequence"
	"spotex.com/pkg/trace"
	"spotex.com/pkg/wal"
	"spotex.com/pkg/xredis"
)

// App 进程内全部组件，New 组装，Run 阻塞到 ctx 结束
type App struct {
	cfg *Config

	engine     *engine.Engine
	bus        *engine.ChanBus
	dispatcher *notify.Dispatcher
	broker     notify.Broker

	sqlDB   *sql.DB
	rdb     *redis.Client
	lock    *xredis.OwnerLock
	journal *wal.Writer

	closers []func(ctx context.Context) error
}

func New(ctx context.Context, cfg *Config) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a = &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if cfg.OTel.Enabled {
		shutdown, err := trace.InitTrace(ctx, cfg.Name, cfg.OTel.Addr, cfg.OTel.SampleRatio)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, shutdown)
	}

	if cfg.Redis.Addr != "" {
		if a.rdb, err = xredis.NewRedis(ctx, &cfg.Redis); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return a.rdb.Close() })
	}
	if cfg.Lock.Enabled {
		if err := a.acquireLock(ctx); err != nil {
			return nil, err
		}
	}

	gw, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	if a.broker, err = a.openBroker(); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.broker.Close() })

	if cfg.Notify.JournalPath != "" {
		if a.journal, err = wal.OpenWrite(cfg.Notify.JournalPath, wal.Options{Sync: cfg.Notify.JournalSync}); err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
	}

	maker, taker, _ := cfg.Engine.FeeRates()
	a.bus = engine.NewChanBus(cfg.Notify.BufferSize)
	ledger := funds.NewLedger(gw)
	a.engine, err = engine.New(engine.Config{
		Pairs:         cfg.Engine.Pairs,
		MakerFeeRate:  maker,
		TakerFeeRate:  taker,
		Actor:         engine.ActorConfig{MailboxSize: cfg.Engine.MailboxSize, BatchMax: cfg.Engine.BatchMax},
		SnapshotDepth: cfg.Engine.SnapshotDepth,
		AdminMemberID: cfg.Engine.AdminMemberID,
	}, ledger, gw, a.bus, sequence.NewTimeSeeded(cfg.Engine.IDSeed))
	if err != nil {
		return nil, err
	}
	if err := a.engine.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}
	if err := a.provision(ctx, ledger); err != nil {
		return nil, fmt.Errorf("provision: %w", err)
	}
	a.dispatcher = notify.NewDispatcher(a.bus.C(), a.broker, notify.NewSessions(), a.journal)
	return a, nil
}

func (a *App) Engine() *engine.Engine         { return a.engine }
func (a *App) Dispatcher() *notify.Dispatcher { return a.dispatcher }
func (a *App) Broker() notify.Broker          { return a.broker }

// ApplyFees 配置热更新回调
func (a *App) ApplyFees(c EngineConfig) {
	maker, taker, err := c.FeeRates()
	if err != nil {
		logger.Warn(context.Background(), "ignore fee update", zap.Error(err))
		return
	}
	a.engine.SetFeeRates(maker, taker)
	logger.Info(context.Background(), "fee rates updated",
		zap.String("maker", maker.String()), zap.String("taker", taker.String()))
}

func (a *App) acquireLock(ctx context.Context) error {
	key := a.cfg.Lock.Key
	if key == "" {
		key = "spotex:" + a.cfg.Name + ":owner"
	}
	ttl := time.Duration(a.cfg.Lock.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	a.lock = xredis.NewOwnerLock(a.rdb, key, ttl)
	if err := a.lock.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	a.closers = append(a.closers, a.lock.Release)
	logger.Info(ctx, "owner lock acquired", zap.String("key", key), zap.String("id", a.lock.ID()))
	return nil
}

func (a *App) openStore(ctx context.Context) (engine.Gateway, error) {
	if a.cfg.Store.Driver != "mysql" {
		logger.Warn(ctx, "using in-memory store, state is lost on restart")
		return memory.New(), nil
	}
	db, err := orm.NewMySQL(ctx, &a.cfg.Store.MySQL)
	if err != nil {
		return nil, err
	}
	if a.sqlDB, err = db.DB(); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.sqlDB.Close() })
	st := mysqlstore.New(db)
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// openBroker 远端 broker 外面套熔断，内存 broker 不会失败
func (a *App) openBroker() (notify.Broker, error) {
	rule := notify.BreakerRule{
		TripConsecutiveFailures: a.cfg.Notify.BreakerFailures,
		Timeout:                 time.Duration(a.cfg.Notify.BreakerOpenSeconds) * time.Second,
	}
	switch a.cfg.Notify.Broker {
	case "nats":
		b, err := notify.NewNatsBroker(a.cfg.Notify.NatsURL, nats.Name(a.cfg.Name))
		if err != nil {
			return nil, err
		}
		return notify.WithBreaker(b, rule), nil
	case "redis":
		ttl := time.Duration(a.cfg.Notify.SnapshotTTLSeconds) * time.Second
		return notify.WithBreaker(notify.NewRedisBroker(a.rdb, ttl), rule), nil
	default:
		return notify.NewMemBroker(a.cfg.Notify.BufferSize), nil
	}
}

// provision 配置里的开发账户：成员不存在才开户入金
func (a *App) provision(ctx context.Context, ledger *funds.Ledger) error {
	for _, acc := range a.cfg.Accounts {
		if ledger.HasMember(acc.MemberID) {
			continue
		}
		assets := make([]string, 0, len(acc.Balances))
		amounts := make(map[string]decimal.Decimal, len(acc.Balances))
		for asset, s := range acc.Balances {
			// viper 会把 key 转小写
			asset = strings.ToUpper(asset)
			assets = append(assets, asset)
			amounts[asset] = decimal.RequireFromString(s)
		}
		sort.Strings(assets)
		if err := ledger.Provision(ctx, acc.MemberID, assets...); err != nil {
			return err
		}
		for _, asset := range assets {
			if amounts[asset].IsZero() {
				continue
			}
			if err := ledger.Deposit(ctx, acc.MemberID, asset, amounts[asset]); err != nil {
				return err
			}
		}
		logger.Info(ctx, "account provisioned", zap.Uint64("member_id", acc.MemberID), zap.Strings("assets", assets))
	}
	return nil
}

// Run 启动引擎和分发，ctx 结束后按顺序关闭：先停引擎，再把剩余事件发完
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.lock != nil {
		safe.GoCtx(ctx, "owner-lock-keepalive", func(ctx context.Context) {
			a.lock.KeepAlive(ctx, func(err error) {
				logger.Error(ctx, "owner lock lost, shutting down", zap.Error(err))
				cancel()
			})
		})
	}
	if a.sqlDB != nil {
		safe.GoCtx(ctx, "db-stats", func(ctx context.Context) {
			orm.ObserveStats(ctx, a.sqlDB, 5*time.Second)
		})
	}

	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	safe.GoCtx(dispatchCtx, "dispatcher", func(ctx context.Context) {
		defer close(done)
		_ = a.dispatcher.Run(ctx)
	})
	logger.Info(ctx, "matching engine running", zap.Strings("pairs", a.cfg.Engine.Pairs))

	<-ctx.Done()
	a.engine.Stop()
	stopDispatch()
	<-done

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	a.close(shutdownCtx)
	logger.Info(shutdownCtx, "matching engine stopped")
	return nil
}

func (a *App) close(ctx context.Context) {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logger.Warn(ctx, "close journal", zap.Error(err))
		}
		a.journal = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn(ctx, "shutdown", zap.Error(err))
		}
	}
	a.closers = nil
}
