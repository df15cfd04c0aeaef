package matching

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// QtyScale 价格、数量允许的最大小数位
	QtyScale = 8
	// AmountScale 持久化的小数位，和库表 decimal(36,18) 一致
	AmountScale = 18
)

type Side uint8

const (
	Buy Side = iota + 1
	Sell
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	return "UNKNOWN"
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "BUY":
		*s = Buy
	case "SELL":
		*s = Sell
	default:
		return fmt.Errorf("matching: unknown side %q", b)
	}
	return nil
}

type OrderType uint8

const (
	Limit OrderType = iota + 1
	Market
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "LIMIT"
	case Market:
		return "MARKET"
	}
	return "UNKNOWN"
}

func (t OrderType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *OrderType) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "LIMIT":
		*t = Limit
	case "MARKET":
		*t = Market
	default:
		return fmt.Errorf("matching: unknown order type %q", b)
	}
	return nil
}

type TimeInForce uint8

const (
	GTC TimeInForce = iota + 1
	IOC
)

func (f TimeInForce) String() string {
	switch f {
	case GTC:
		return "GTC"
	case IOC:
		return "IOC"
	}
	return "UNKNOWN"
}

func (f TimeInForce) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *TimeInForce) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "GTC":
		*f = GTC
	case "IOC":
		*f = IOC
	default:
		return fmt.Errorf("matching: unknown time in force %q", b)
	}
	return nil
}

type Status uint8

const (
	StatusNew Status = iota + 1
	StatusPartial
	StatusFilled
	StatusCanceled
	StatusRejected
	StatusExpired
)

var statusNames = map[Status]string{
	StatusNew:      "NEW",
	StatusPartial:  "PARTIAL",
	StatusFilled:   "FILLED",
	StatusCanceled: "CANCELED",
	StatusRejected: "REJECTED",
	StatusExpired:  "EXPIRED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("matching: unknown status %q", b)
}

// Open 还可能被撮合或撤单
func (s Status) Open() bool { return s == StatusNew || s == StatusPartial }

type Liquidity uint8

const (
	Maker Liquidity = iota + 1
	Taker
)

func (l Liquidity) String() string {
	if l == Maker {
		return "MAKER"
	}
	return "TAKER"
}

func (l Liquidity) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Order 订单。Price 只有 LIMIT 才有值，MARKET 为 0
type Order struct {
	ID            uint64
	ClientOrderID string
	MemberID      uint64
	Pair          string
	Side          Side
	Type          OrderType
	TimeInForce   TimeInForce
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Remaining     decimal.Decimal
	Status        Status
	OpenedAt      time.Time
	CanceledAt    *time.Time
	LastTradeAt   *time.Time
}

func (o *Order) IsLimit() bool { return o.Type == Limit }

func (o *Order) Executed() decimal.Decimal { return o.Amount.Sub(o.Remaining) }

// Fill 扣减剩余量并重算状态
func (o *Order) Fill(amount decimal.Decimal, at time.Time) {
	o.Remaining = o.Remaining.Sub(amount)
	if o.Remaining.IsZero() {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
	t := at
	o.LastTradeAt = &t
}

func (o *Order) Cancel(at time.Time) {
	o.Status = StatusCanceled
	t := at
	o.CanceledAt = &t
}

// Clone 返回给调用方的副本，簿内对象只由撮合协程改
func (o *Order) Clone() *Order {
	c := *o
	if o.CanceledAt != nil {
		t := *o.CanceledAt
		c.CanceledAt = &t
	}
	if o.LastTradeAt != nil {
		t := *o.LastTradeAt
		c.LastTradeAt = &t
	}
	return &c
}

// Trade 一次撮合生成两条，maker 腿和 taker 腿共用 ID
type Trade struct {
	ID           uint64
	Pair         string
	MakerOrderID uint64
	TakerOrderID uint64
	OrderID      uint64 // 本条腿所属订单
	MemberID     uint64
	Side         Side
	Liquidity    Liquidity
	Price        decimal.Decimal
	Amount       decimal.Decimal
	Fee          decimal.Decimal
	FeeAsset     string
	ExecutedAt   time.Time
}

func (t *Trade) Notional() decimal.Decimal { return t.Price.Mul(t.Amount) }

// TradeFilter 成交历史查询条件，零值字段不参与过滤
type TradeFilter struct {
	MemberID uint64
	Pair     string
	FromID   uint64
	Start    time.Time
	End      time.Time
	Limit    int
}

const (
	DefaultTradeLimit = 500
	MaxTradeLimit     = 1000
)

// Normalize Limit 缺省 500，上限 1000
func (f TradeFilter) Normalize() TradeFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultTradeLimit
	}
	if f.Limit > MaxTradeLimit {
		f.Limit = MaxTradeLimit
	}
	return f
}
