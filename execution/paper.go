package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER BROKER - In-memory simulator speaking the live wire dialect
// ═══════════════════════════════════════════════════════════════════════════════
//
// Fill model, driven by ProcessBar each closed minute:
// - MKT fills at the bar's open
// - LIMIT BUY fills when bar.Low <= limit, at min(limit, bar.Open)
// - LIMIT SELL fills when bar.High >= limit, at max(limit, bar.Open)
//
// ═══════════════════════════════════════════════════════════════════════════════

const paperLedgerMax = 1000

type paperOrder struct {
	id        string
	token     string
	symbol    string
	side      string // "B" / "S"
	orderType string // "L" / "MKT"
	qty       int64
	price     decimal.Decimal
	status    string // OPEN, TRADED, CANCELLED
	filledQty int64
	avgPrice  decimal.Decimal
	placedAt  time.Time
}

type paperPosition struct {
	symbol     string
	qty        int64
	avgEntry   decimal.Decimal
	lastPrice  decimal.Decimal
	realized   decimal.Decimal
	buyAmount  decimal.Decimal
	sellAmount decimal.Decimal
}

// PaperFill is one completed simulator fill, kept for inspection.
type PaperFill struct {
	OrderID     string
	Token       string
	Side        types.Side
	Qty         int64
	Price       decimal.Decimal
	RealizedPnl decimal.Decimal
	FilledAt    time.Time
}

// Paper simulates the broker entirely in memory.
type Paper struct {
	mu        sync.Mutex
	orders    map[string]*paperOrder
	positions map[string]*paperPosition
	ledger    []PaperFill

	initialBalance decimal.Decimal
	balance        decimal.Decimal
	totalRealized  decimal.Decimal

	seq    int64
	onFill func(types.OrderUpdate)
}

// NewPaper creates a paper broker with the given virtual balance.
func NewPaper(initialBalance decimal.Decimal) *Paper {
	return &Paper{
		orders:         make(map[string]*paperOrder),
		positions:      make(map[string]*paperPosition),
		initialBalance: initialBalance,
		balance:        initialBalance,
	}
}

// SetFillHandler registers the callback invoked on every simulated fill.
// The engine points it at the order queue.
func (p *Paper) SetFillHandler(fn func(types.OrderUpdate)) {
	p.mu.Lock()
	p.onFill = fn
	p.mu.Unlock()
}

// Login on paper is a no-op handshake.
func (p *Paper) Login(ctx context.Context) error {
	log.Info().Msg("📝 Virtual broker session active (paper mode)")
	return nil
}

// PlaceOrder validates and parks the order; fills happen on the next bar.
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (*BrokerResponse, error) {
	if req.InstrumentToken == "" || req.Quantity <= 0 ||
		(req.TransactionType != "B" && req.TransactionType != "S") ||
		(req.OrderType != "L" && req.OrderType != "MKT") {
		return &BrokerResponse{Stat: "Not_Ok", StCode: 400, ErrMsg: "Invalid order parameters"}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	// Numeric id in the broker's style, disambiguated by a sequence.
	id := fmt.Sprintf("%d%03d", time.Now().UnixMilli(), p.seq%1000)

	p.orders[id] = &paperOrder{
		id:        id,
		token:     req.InstrumentToken,
		symbol:    req.TradingSymbol,
		side:      req.TransactionType,
		orderType: req.OrderType,
		qty:       req.Quantity,
		price:     req.Price,
		status:    "OPEN",
		placedAt:  time.Now(),
	}

	priceLabel := "MKT"
	if req.Price.IsPositive() {
		priceLabel = req.Price.String()
	}
	log.Info().
		Str("side", req.TransactionType).
		Int64("qty", req.Quantity).
		Str("token", req.InstrumentToken).
		Str("price", priceLabel).
		Str("order_id", id).
		Msg("📝 [PAPER] Order placed")

	return &BrokerResponse{Stat: "Ok", OrderNo: id, StCode: 200}, nil
}

// CancelOrder cancels an OPEN order.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) (*BrokerResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return &BrokerResponse{Stat: "Not_Ok", StCode: 404, ErrMsg: "Order not found"}, nil
	}
	if order.status != "OPEN" {
		return &BrokerResponse{Stat: "Not_Ok", StCode: 400, ErrMsg: "Only OPEN orders can be cancelled"}, nil
	}
	order.status = "CANCELLED"
	log.Info().Str("order_id", orderID).Msg("🔫 [PAPER] Order cancelled")
	return &BrokerResponse{Stat: "Ok", StCode: 200}, nil
}

// ModifyOrder reprices or resizes an OPEN order. The new terms take effect
// on the next bar the fill engine sees.
func (p *Paper) ModifyOrder(ctx context.Context, orderID string, req OrderRequest) (*BrokerResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return &BrokerResponse{Stat: "Not_Ok", StCode: 404, ErrMsg: "Order not found"}, nil
	}
	if order.status != "OPEN" {
		return &BrokerResponse{Stat: "Not_Ok", StCode: 400, ErrMsg: "Only OPEN orders can be modified"}, nil
	}

	if req.Quantity > 0 {
		order.qty = req.Quantity
	}
	if req.OrderType == "L" || req.OrderType == "MKT" {
		order.orderType = req.OrderType
	}
	order.price = req.Price

	log.Info().
		Str("order_id", orderID).
		Int64("qty", order.qty).
		Str("price", order.price.String()).
		Str("type", order.orderType).
		Msg("✏️ [PAPER] Order modified")

	return &BrokerResponse{Stat: "Ok", OrderNo: orderID, StCode: 200}, nil
}

// ProcessTick runs the fill engine against a single trade print. Paper
// sessions driven by the live tick stream use this instead of bars: market
// orders fill at the print, limit orders fill when it crosses them.
func (p *Paper) ProcessTick(tick types.Tick) {
	p.ProcessBar(tick.Token, types.Bar{
		Token: tick.Token,
		Open:  tick.Ltp,
		High:  tick.Ltp,
		Low:   tick.Ltp,
		Close: tick.Ltp,
	})
}

// ProcessBar runs the fill engine for one token against a closed bar.
func (p *Paper) ProcessBar(token string, bar types.Bar) {
	p.mu.Lock()

	var fills []types.OrderUpdate
	for _, order := range p.orders {
		if order.status != "OPEN" || order.token != token {
			continue
		}

		var fillPrice decimal.Decimal
		filled := false

		switch order.orderType {
		case "MKT":
			fillPrice = bar.Open
			filled = true
		case "L":
			if order.side == "B" && bar.Low.LessThanOrEqual(order.price) {
				fillPrice = decimal.Min(order.price, bar.Open)
				filled = true
			}
			if order.side == "S" && bar.High.GreaterThanOrEqual(order.price) {
				fillPrice = decimal.Max(order.price, bar.Open)
				filled = true
			}
		}

		if filled {
			fills = append(fills, p.executeFill(order, fillPrice))
		}
	}

	handler := p.onFill
	p.mu.Unlock()

	if handler != nil {
		for _, fill := range fills {
			handler(fill)
		}
	}
}

// executeFill books the trade against the position. Caller holds the lock.
func (p *Paper) executeFill(order *paperOrder, price decimal.Decimal) types.OrderUpdate {
	order.status = "TRADED"
	order.filledQty = order.qty
	order.avgPrice = price

	pos, ok := p.positions[order.token]
	if !ok {
		pos = &paperPosition{symbol: order.symbol}
		p.positions[order.token] = pos
	}

	side := types.SideBuy
	signed := order.qty
	if order.side == "S" {
		side = types.SideSell
		signed = -order.qty
	}

	value := price.Mul(decimal.NewFromInt(order.qty))
	if side == types.SideBuy {
		pos.buyAmount = pos.buyAmount.Add(value)
	} else {
		pos.sellAmount = pos.sellAmount.Add(value)
	}

	realized := decimal.Zero
	if pos.qty*signed >= 0 {
		// Same direction: scale in at weighted average.
		oldAbs := decimal.NewFromInt(abs64(pos.qty))
		addAbs := decimal.NewFromInt(order.qty)
		total := oldAbs.Add(addAbs)
		if total.IsPositive() {
			pos.avgEntry = oldAbs.Mul(pos.avgEntry).Add(addAbs.Mul(price)).Div(total)
		}
		pos.qty += signed
	} else {
		// Opposite direction: close up to the held quantity, then flip
		// any remainder into a fresh position at the fill price.
		closeQty := order.qty
		if closeQty > abs64(pos.qty) {
			closeQty = abs64(pos.qty)
		}
		dir := decimal.NewFromInt(1)
		if pos.qty < 0 {
			dir = decimal.NewFromInt(-1)
		}
		realized = dir.Mul(decimal.NewFromInt(closeQty)).Mul(price.Sub(pos.avgEntry))
		pos.realized = pos.realized.Add(realized)
		p.totalRealized = p.totalRealized.Add(realized)

		pos.qty += signed
		if pos.qty == 0 {
			pos.avgEntry = decimal.Zero
		} else if (pos.qty > 0) == (signed > 0) {
			// Flipped through flat.
			pos.avgEntry = price
		}
	}
	pos.lastPrice = price

	p.ledger = append(p.ledger, PaperFill{
		OrderID:     order.id,
		Token:       order.token,
		Side:        side,
		Qty:         order.qty,
		Price:       price,
		RealizedPnl: realized,
		FilledAt:    time.Now(),
	})
	if len(p.ledger) > paperLedgerMax {
		p.ledger = p.ledger[1:]
	}

	log.Info().
		Str("side", order.side).
		Int64("qty", order.qty).
		Str("price", price.StringFixed(2)).
		Str("realized", realized.StringFixed(2)).
		Int64("position", pos.qty).
		Msg("🔴 [PAPER] Fill")

	return types.OrderUpdate{
		ExchangeID: order.id,
		Token:      order.token,
		Status:     "COMPLETE",
		Side:       side,
		FilledQty:  order.qty,
		AvgPrice:   price,
	}
}

// Positions returns every token touched today, flat rows included, so the
// risk sentinel sees realized PnL from closed trades.
func (p *Paper) Positions(ctx context.Context) ([]types.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows := make([]types.BrokerPosition, 0, len(p.positions))
	for token, pos := range p.positions {
		rows = append(rows, types.BrokerPosition{
			Token:       token,
			Symbol:      pos.symbol,
			NetQty:      pos.qty,
			AvgPrice:    pos.avgEntry,
			RealizedPnl: pos.realized,
			BuyAmount:   pos.buyAmount,
			SellAmount:  pos.sellAmount,
		})
	}
	return rows, nil
}

// Limits returns the remaining virtual balance.
func (p *Paper) Limits(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance.Add(p.totalRealized), nil
}

// Fills returns a copy of the fill ledger.
func (p *Paper) Fills() []PaperFill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaperFill, len(p.ledger))
	copy(out, p.ledger)
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
