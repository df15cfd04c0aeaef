package mysql

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderRow struct {
	ID            uint64          `gorm:"column:id;primaryKey;autoIncrement:false"`
	MemberID      uint64          `gorm:"column:member_id;not null;uniqueIndex:uk_member_client,priority:1;index:idx_member_pair,priority:1"`
	ClientOrderID *string         `gorm:"column:client_order_id;type:varchar(64);uniqueIndex:uk_member_client,priority:2"`
	Pair          string          `gorm:"column:pair;type:varchar(32);not null;index:idx_member_pair,priority:2"`
	Side          string          `gorm:"column:side;type:varchar(8);not null"`
	Type          string          `gorm:"column:type;type:varchar(8);not null"`
	TimeInForce   string          `gorm:"column:time_in_force;type:varchar(8);not null"`
	Price         decimal.Decimal `gorm:"column:price;type:decimal(36,18);not null;default:0"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null"`
	Remaining     decimal.Decimal `gorm:"column:remaining;type:decimal(36,18);not null"`
	Status        string          `gorm:"column:status;type:varchar(16);not null;index:idx_status"`
	OpenedAt      time.Time       `gorm:"column:opened_at;not null"`
	CanceledAt    *time.Time      `gorm:"column:canceled_at"`
	LastTradeAt   *time.Time      `gorm:"column:last_trade_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (OrderRow) TableName() string { return "orders" }

// TradeRow 每次撮合两行（maker/taker），共用 trade_id
type TradeRow struct {
	TradeID      uint64          `gorm:"column:trade_id;primaryKey;autoIncrement:false"`
	Liquidity    string          `gorm:"column:liquidity;primaryKey;type:varchar(8)"`
	Pair         string          `gorm:"column:pair;type:varchar(32);not null;index:idx_trade_member_pair,priority:2"`
	MemberID     uint64          `gorm:"column:member_id;not null;index:idx_trade_member_pair,priority:1"`
	OrderID      uint64          `gorm:"column:order_id;not null;index"`
	MakerOrderID uint64          `gorm:"column:maker_order_id;not null"`
	TakerOrderID uint64          `gorm:"column:taker_order_id;not null"`
	Side         string          `gorm:"column:side;type:varchar(8);not null"`
	Price        decimal.Decimal `gorm:"column:price;type:decimal(36,18);not null"`
	Amount       decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null"`
	Fee          decimal.Decimal `gorm:"column:fee;type:decimal(36,18);not null;default:0"`
	FeeAsset     string          `gorm:"column:fee_asset;type:varchar(16);not null"`
	ExecutedAt   time.Time       `gorm:"column:executed_at;not null;index"`
}

func (TradeRow) TableName() string { return "trades" }

type BalanceRow struct {
	MemberID  uint64          `gorm:"column:member_id;primaryKey;autoIncrement:false"`
	Asset     string          `gorm:"column:asset;primaryKey;type:varchar(16)"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null;default:0"`
	Locked    decimal.Decimal `gorm:"column:locked;type:decimal(36,18);not null;default:0"`
	UpdatedAt time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (BalanceRow) TableName() string { return "balances" }

// Models AutoMigrate 用
func Models() []any {
	return []any{&OrderRow{}, &TradeRow{}, &BalanceRow{}}
}
