package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"spotex.com/internal/matching"
)

type Channel string

const (
	ChannelOrderBook   Channel = "OrderBook"
	ChannelTrades      Channel = "Trades"
	ChannelOrderUpdate Channel = "OrderUpdate"
)

type ExecutionType string

const (
	ExecNew      ExecutionType = "NEW"
	ExecTrade    ExecutionType = "TRADE"
	ExecCanceled ExecutionType = "CANCELED"
)

// Event 引擎产出的事件，由下游扇出，引擎不关心投递
type Event struct {
	Channel  Channel
	Pair     string
	MemberID uint64 // 只有 OrderUpdate 有
	Time     time.Time
	Data     any // *OrderUpdate | *TradeEvent | *matching.Snapshot
}

// ChannelKey 公共频道 "<pair>@<channel>"；OrderUpdate 按会话投递，这里返回空
func (e Event) ChannelKey() string {
	if e.Channel == ChannelOrderUpdate {
		return ""
	}
	return e.Pair + "@" + string(e.Channel)
}

// Envelope 对外线格式
type Envelope struct {
	Channel   Channel `json:"channel"`
	Pair      string  `json:"pair"`
	EventTime int64   `json:"eventTimeMillis"`
	Data      any     `json:"data"`
}

func (e Event) Envelope() Envelope {
	return Envelope{Channel: e.Channel, Pair: e.Pair, EventTime: e.Time.UnixMilli(), Data: e.Data}
}

type OrderUpdate struct {
	OrderID       uint64               `json:"orderId"`
	ClientOrderID string               `json:"clientOrderId,omitempty"`
	Pair          string               `json:"pair"`
	Side          matching.Side        `json:"side"`
	Type          matching.OrderType   `json:"type"`
	TimeInForce   matching.TimeInForce `json:"timeInForce"`
	Amount        decimal.Decimal      `json:"amount"`
	Price         decimal.Decimal      `json:"price"`
	Remaining     decimal.Decimal      `json:"remaining"`
	ExecutionType ExecutionType        `json:"executionType"`
	Status        matching.Status      `json:"status"`
	OpenedAt      int64                `json:"openedAt"`
	Fill          *OrderFill           `json:"fill,omitempty"`
}

// OrderFill 只在 TRADE 时出现
type OrderFill struct {
	TradeID   uint64             `json:"tradeId"`
	Price     decimal.Decimal    `json:"price"`
	Amount    decimal.Decimal    `json:"amount"`
	Fee       decimal.Decimal    `json:"fee"`
	FeeAsset  string             `json:"feeAsset"`
	Liquidity matching.Liquidity `json:"liquidity"`
}

type TradeEvent struct {
	Pair          string          `json:"pair"`
	TradeID       uint64          `json:"tradeId"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	BuyerOrderID  uint64          `json:"buyerOrderId"`
	SellerOrderID uint64          `json:"sellerOrderId"`
	TradeTime     int64           `json:"tradeTime"`
	IsBuyerMaker  bool            `json:"isBuyerMaker"`
}

func orderUpdateEvent(o *matching.Order, exec ExecutionType, fill *matching.Trade, at time.Time) Event {
	u := &OrderUpdate{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Pair:          o.Pair,
		Side:          o.Side,
		Type:          o.Type,
		TimeInForce:   o.TimeInForce,
		Amount:        o.Amount,
		Price:         o.Price,
		Remaining:     o.Remaining,
		ExecutionType: exec,
		Status:        o.Status,
		OpenedAt:      o.OpenedAt.UnixMilli(),
	}
	if fill != nil {
		u.Fill = &OrderFill{
			TradeID:   fill.ID,
			Price:     fill.Price,
			Amount:    fill.Amount,
			Fee:       fill.Fee,
			FeeAsset:  fill.FeeAsset,
			Liquidity: fill.Liquidity,
		}
	}
	return Event{Channel: ChannelOrderUpdate, Pair: o.Pair, MemberID: o.MemberID, Time: at, Data: u}
}

// tradeEvent 由 taker 腿生成
func tradeEvent(taker *matching.Trade) Event {
	buyer, seller := taker.TakerOrderID, taker.MakerOrderID
	if taker.Side == matching.Sell {
		buyer, seller = taker.MakerOrderID, taker.TakerOrderID
	}
	return Event{
		Channel: ChannelTrades,
		Pair:    taker.Pair,
		Time:    taker.ExecutedAt,
		Data: &TradeEvent{
			Pair:          taker.Pair,
			TradeID:       taker.ID,
			Price:         taker.Price,
			Amount:        taker.Amount,
			BuyerOrderID:  buyer,
			SellerOrderID: seller,
			TradeTime:     taker.ExecutedAt.UnixMilli(),
			IsBuyerMaker:  taker.Side == matching.Sell,
		},
	}
}

func snapshotEvent(s matching.Snapshot, at time.Time) Event {
	return Event{Channel: ChannelOrderBook, Pair: s.Pair, Time: at, Data: &s}
}
