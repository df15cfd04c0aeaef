package app

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"spotex.com/pkg/orm"
	"spotex.com/pkg/xredis"
)

type Config struct {
	Name     string          `yaml:"name" mapstructure:"name"`
	Log      LogConfig       `yaml:"log" mapstructure:"log"`
	Metrics  MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Engine   EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Store    StoreConfig     `yaml:"store" mapstructure:"store"`
	Redis    xredis.Config   `yaml:"redis" mapstructure:"redis"`
	Lock     LockConfig      `yaml:"lock" mapstructure:"lock"`
	Notify   NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	OTel     OTelConfig      `yaml:"otel" mapstructure:"otel"`
	Accounts []AccountConfig `yaml:"accounts" mapstructure:"accounts"`
}

type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file" mapstructure:"file"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

type EngineConfig struct {
	Pairs         []string `yaml:"pairs" mapstructure:"pairs"`
	MakerFeeRate  string   `yaml:"maker_fee_rate" mapstructure:"maker_fee_rate"`
	TakerFeeRate  string   `yaml:"taker_fee_rate" mapstructure:"taker_fee_rate"`
	MailboxSize   int      `yaml:"mailbox_size" mapstructure:"mailbox_size"`
	BatchMax      int      `yaml:"batch_max" mapstructure:"batch_max"`
	SnapshotDepth int      `yaml:"snapshot_depth" mapstructure:"snapshot_depth"`
	AdminMemberID uint64   `yaml:"admin_member_id" mapstructure:"admin_member_id"`
	IDSeed        uint64   `yaml:"id_seed" mapstructure:"id_seed"`
}

// FeeRates 空串按 0 处理
func (c EngineConfig) FeeRates() (maker, taker decimal.Decimal, err error) {
	parse := func(name, s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %w", name, err)
		}
		if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return decimal.Zero, fmt.Errorf("%s out of range: %s", name, s)
		}
		return d, nil
	}
	if maker, err = parse("maker_fee_rate", c.MakerFeeRate); err != nil {
		return
	}
	taker, err = parse("taker_fee_rate", c.TakerFeeRate)
	return
}

type StoreConfig struct {
	Driver string     `yaml:"driver" mapstructure:"driver"` // memory | mysql
	MySQL  orm.Config `yaml:"mysql" mapstructure:"mysql"`
}

type LockConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Key        string `yaml:"key" mapstructure:"key"`
	TTLSeconds int    `yaml:"ttl_seconds" mapstructure:"ttl_seconds"`
}

type NotifyConfig struct {
	Broker             string `yaml:"broker" mapstructure:"broker"` // mem | nats | redis
	NatsURL            string `yaml:"nats_url" mapstructure:"nats_url"`
	BufferSize         int    `yaml:"buffer_size" mapstructure:"buffer_size"`
	JournalPath        string `yaml:"journal_path" mapstructure:"journal_path"`
	JournalSync        bool   `yaml:"journal_sync" mapstructure:"journal_sync"`
	SnapshotTTLSeconds int    `yaml:"snapshot_ttl_seconds" mapstructure:"snapshot_ttl_seconds"`
	// 连续失败多少次熔断，0 取默认
	BreakerFailures    uint32 `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerOpenSeconds int    `yaml:"breaker_open_seconds" mapstructure:"breaker_open_seconds"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Addr        string  `yaml:"addr" mapstructure:"addr"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// AccountConfig 开发环境开户，成员已存在时跳过
type AccountConfig struct {
	MemberID uint64            `yaml:"member_id" mapstructure:"member_id"`
	Balances map[string]string `yaml:"balances" mapstructure:"balances"`
}

func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		c.Name = "matching-engine"
	}
	if len(c.Engine.Pairs) == 0 {
		errs = append(errs, errors.New("engine.pairs is empty"))
	}
	if _, _, err := c.Engine.FeeRates(); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Driver {
	case "", "memory":
	case "mysql":
		if c.Store.MySQL.DSN == "" {
			errs = append(errs, errors.New("store.mysql.dsn is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Notify.Broker {
	case "", "mem":
	case "nats":
		if c.Notify.NatsURL == "" {
			errs = append(errs, errors.New("notify.nats_url is empty"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notify.broker %q", c.Notify.Broker))
	}
	if c.Lock.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("lock needs redis.addr"))
	}
	for _, a := range c.Accounts {
		for asset, amount := range a.Balances {
			if _, err := decimal.NewFromString(amount); err != nil {
				errs = append(errs, fmt.Errorf("accounts[%d].%s: %w", a.MemberID, asset, err))
			}
		}
	}
	return errors.Join(errs...)
}
