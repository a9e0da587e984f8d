package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the covering side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Wire returns the single-letter broker encoding.
func (s Side) Wire() string {
	if s == SideBuy {
		return "B"
	}
	return "S"
}

// OrderType is MKT or LIMIT.
type OrderType string

const (
	OrderMarket OrderType = "MKT"
	OrderLimit  OrderType = "LIMIT"
)

// Wire returns the broker encoding ("MKT" / "L").
func (t OrderType) Wire() string {
	if t == OrderLimit {
		return "L"
	}
	return "MKT"
}

// OrderStatus is the ledger status of an order row.
type OrderStatus string

const (
	StatusPendingBroker OrderStatus = "PENDING_BROKER"
	StatusPlaced        OrderStatus = "PLACED"
	StatusComplete      OrderStatus = "COMPLETE"
	StatusPartial       OrderStatus = "PARTIAL"
	StatusRejected      OrderStatus = "REJECTED"
	StatusCancelled     OrderStatus = "CANCELLED"
	StatusFailed        OrderStatus = "FAILED"
)

// Terminal reports whether the status is absorbing: once a row reaches a
// terminal status it never transitions again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusRejected, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Tick is a single trade print from the feed. Transient, never persisted.
type Tick struct {
	Token     string
	Ltp       decimal.Decimal
	CumVolume int64 // cumulative day volume as reported by the feed
	Ltt       time.Time
}

// Bar is a one-minute OHLCV candle.
type Bar struct {
	Token     string
	StartTime time.Time // minute-aligned, exchange TZ
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}

// Instrument is the per-day immutable contract master record.
type Instrument struct {
	Token         string
	TradingSymbol string // e.g. "HDFCBANK-EQ"
	Symbol        string // e.g. "HDFCBANK"
	LotSize       int64
	TickSize      decimal.Decimal
	FreezeQty     int64
	Segment       string // e.g. "nse_cm"
	Exchange      string // e.g. "NSE"
}

// Intent is a strategy decision emitted from OnBarClose. Zero or one per bar.
type Intent struct {
	Side       Side
	Price      decimal.Decimal
	StopLoss   decimal.Decimal // zero when the formula has no stop
	Confidence decimal.Decimal // 0.5 .. 2.0
	Tag        string
}

// OrderResponse is the aggregate result of an execution pipeline call.
// For iceberg orders OrderID is the comma-joined child exchange ids and
// FilledQty the sum over successful legs.
type OrderResponse struct {
	OrderID   string
	Status    OrderStatus
	FilledQty int64
	Message   string
}

// ChildIDs splits the comma-joined OrderID of an iceberg response.
func (r *OrderResponse) ChildIDs() []string {
	if r.OrderID == "" {
		return nil
	}
	return strings.Split(r.OrderID, ",")
}

// OrderUpdate is an order lifecycle event from the broker socket.
type OrderUpdate struct {
	ExchangeID string
	Token      string
	Status     string
	Side       Side
	FilledQty  int64
	AvgPrice   decimal.Decimal
	Reason     string
	Raw        map[string]any
}

// BrokerPosition is one row of the broker's position book.
type BrokerPosition struct {
	Token       string
	Symbol      string
	NetQty      int64
	AvgPrice    decimal.Decimal
	RealizedPnl decimal.Decimal
	BuyAmount   decimal.Decimal
	SellAmount  decimal.Decimal
}

// PositionSnapshot is the per-strategy view served by the status surface.
type PositionSnapshot struct {
	Symbol        string          `json:"symbol"`
	Token         string          `json:"token"`
	Strategy      string          `json:"strategy"`
	Position      int64           `json:"position"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
}

// QueueStats is the event-bus backpressure snapshot for health reporting.
type QueueStats struct {
	TickQSize      int   `json:"tick_q_size"`
	TickQCap       int   `json:"tick_q_cap"`
	TicksDropped   int64 `json:"ticks_dropped"`
	OrderQSize     int   `json:"order_q_size"`
	OrderQCap      int   `json:"order_q_cap"`
	OrdersEnqueued int64 `json:"orders_enqueued"`
}
