package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER ADAPTER - Order-side surface of a broker session
// ═══════════════════════════════════════════════════════════════════════════════
//
// The wire vocabulary is Kotak Neo v2: "B"/"S" sides, "L"/"MKT" order types,
// MIS product, DAY validity, numbers stringified in requests. The paper
// broker speaks the same dialect so the pipeline cannot tell them apart.
//
// ═══════════════════════════════════════════════════════════════════════════════

// OrderRequest is one order leg in broker vocabulary.
type OrderRequest struct {
	ExchangeSegment string          `json:"exchange_segment"` // "nse_cm"
	TradingSymbol   string          `json:"trading_symbol"`   // "TCS-EQ"
	InstrumentToken string          `json:"instrument_token"`
	TransactionType string          `json:"transaction_type"` // "B" / "S"
	Quantity        int64           `json:"quantity"`
	Price           decimal.Decimal `json:"price"`      // zero for market
	OrderType       string          `json:"order_type"` // "L" / "MKT"
	Product         string          `json:"product"`    // "MIS"
	Validity        string          `json:"validity"`   // "DAY"
}

// NewOrderRequest builds a leg. A positive price makes it a limit order.
func NewOrderRequest(inst types.Instrument, side types.Side, qty int64, price decimal.Decimal) OrderRequest {
	orderType := types.OrderMarket
	if price.IsPositive() {
		orderType = types.OrderLimit
	}
	segment := inst.Segment
	if segment == "" {
		segment = "nse_cm"
	}
	return OrderRequest{
		ExchangeSegment: segment,
		TradingSymbol:   inst.TradingSymbol,
		InstrumentToken: inst.Token,
		TransactionType: side.Wire(),
		Quantity:        qty,
		Price:           price,
		OrderType:       orderType.Wire(),
		Product:         "MIS",
		Validity:        "DAY",
	}
}

// BrokerResponse mirrors the Neo place/cancel reply envelope.
type BrokerResponse struct {
	Stat    string `json:"stat"` // "Ok" / "Not_Ok"
	OrderNo string `json:"nOrdNo"`
	StCode  int    `json:"stCode"`
	ErrMsg  string `json:"errMsg"`
}

// Accepted reports broker acceptance: an explicit Ok or the presence of an
// exchange order number. Acceptance is not a fill; fills arrive on the
// order socket.
func (r *BrokerResponse) Accepted() bool {
	if r == nil {
		return false
	}
	return r.Stat == "Ok" || r.OrderNo != ""
}

// Broker is the order-side surface the pipeline and engine talk to. Live
// implementations block on the network, so callers route through the
// offload pool and circuit breakers.
type Broker interface {
	Login(ctx context.Context) error
	PlaceOrder(ctx context.Context, req OrderRequest) (*BrokerResponse, error)
	ModifyOrder(ctx context.Context, orderID string, req OrderRequest) (*BrokerResponse, error)
	CancelOrder(ctx context.Context, orderID string) (*BrokerResponse, error)
	Positions(ctx context.Context) ([]types.BrokerPosition, error)
	Limits(ctx context.Context) (decimal.Decimal, error)
}
