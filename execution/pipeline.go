package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/guard"
	"github.com/manavkr/tradepulse/internal/database"
	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION PIPELINE - sizing output → risk gate → iceberg → broker → ledger
// ═══════════════════════════════════════════════════════════════════════════════

// ErrOrderRejected marks a broker Not_Ok reply.
var ErrOrderRejected = errors.New("order rejected by broker")

// DefaultFreezeQty caps a single leg when the scrip master has no freeze
// quantity for the instrument.
const DefaultFreezeQty = 1800

// defaultLegDelay spaces iceberg legs to stay under broker order-rate
// scrutiny.
const defaultLegDelay = 200 * time.Millisecond

// Gate is the risk surface the pipeline consults before touching the broker.
type Gate interface {
	CheckPreTrade(symbol string, qty int64, notional decimal.Decimal) error
	KillSwitchActive() bool
	OnExecutionFailure()
}

// Ledger is the order-row writer. *database.Database satisfies it.
type Ledger interface {
	CreateOrder(row *database.OrderRow) error
	SetBrokerOrderID(id, brokerOrderID string) error
	ApplyOrderUpdate(id string, status types.OrderStatus, filledQty int64, avgPrice decimal.Decimal, message string) error
}

// InstrumentSource resolves symbols to scrip master rows.
type InstrumentSource interface {
	BySymbol(symbol string) (types.Instrument, error)
}

type gateMode int

const (
	gateEntry gateMode = iota // full pre-trade gate, reserves a slot
	gateExit                  // kill switch only
	gateNone                  // engine square-off, nothing may block it
)

// ExecRequest is one order intent entering the pipeline.
type ExecRequest struct {
	Symbol   string
	Token    string
	Side     types.Side
	Quantity int64
	Price    decimal.Decimal // zero for market
	Tag      string
	IsExit   bool // reduces |position|: skips slot/loss checks, honors kill switch
}

// Deps wires the pipeline's collaborators.
type Deps struct {
	Broker      Broker
	Gate        Gate
	Ledger      Ledger
	Instruments InstrumentSource
	Offload     *guard.Offload
	OrderCB     *guard.Breaker
	Limiter     *guard.Limiter

	DefaultFreezeQty int64         // 0 means DefaultFreezeQty
	LegDelay         time.Duration // 0 means defaultLegDelay
}

// Pipeline is the single entry point for every order the engine places.
type Pipeline struct {
	broker      Broker
	gate        Gate
	ledger      Ledger
	instruments InstrumentSource
	offload     *guard.Offload
	orderCB     *guard.Breaker
	limiter     *guard.Limiter

	freezeQty int64
	legDelay  time.Duration

	placed   atomic.Int64
	rejected atomic.Int64
}

// NewPipeline builds a pipeline from its dependencies.
func NewPipeline(deps Deps) *Pipeline {
	freeze := deps.DefaultFreezeQty
	if freeze <= 0 {
		freeze = DefaultFreezeQty
	}
	delay := deps.LegDelay
	if delay <= 0 {
		delay = defaultLegDelay
	}
	return &Pipeline{
		broker:      deps.Broker,
		gate:        deps.Gate,
		ledger:      deps.Ledger,
		instruments: deps.Instruments,
		offload:     deps.Offload,
		orderCB:     deps.OrderCB,
		limiter:     deps.Limiter,
		freezeQty:   freeze,
		legDelay:    delay,
	}
}

// ExecuteOrder places one strategy order, slicing it under the freeze
// quantity when needed. A nil response means the risk gate denied the
// order and nothing reached the broker.
func (p *Pipeline) ExecuteOrder(ctx context.Context, req ExecRequest) *types.OrderResponse {
	mode := gateEntry
	if req.IsExit {
		mode = gateExit
	}
	return p.execute(ctx, req, mode)
}

// SquareOff flattens one position on the engine's behalf. It bypasses the
// risk gate entirely: square-off is the remedy a tripped kill switch
// depends on, so it must never be blockable by one.
func (p *Pipeline) SquareOff(ctx context.Context, symbol, token string, side types.Side, qty int64) *types.OrderResponse {
	return p.execute(ctx, ExecRequest{
		Symbol:   symbol,
		Token:    token,
		Side:     side,
		Quantity: qty,
		Tag:      "SQUARE_OFF",
		IsExit:   true,
	}, gateNone)
}

func (p *Pipeline) execute(ctx context.Context, req ExecRequest, mode gateMode) *types.OrderResponse {
	if req.Quantity <= 0 {
		return nil
	}

	switch mode {
	case gateEntry:
		notional := req.Price.Mul(decimal.NewFromInt(req.Quantity))
		if err := p.gate.CheckPreTrade(req.Symbol, req.Quantity, notional); err != nil {
			log.Warn().Str("symbol", req.Symbol).Err(err).Msg("🛑 Order blocked by risk sentinel")
			return nil
		}
	case gateExit:
		if p.gate.KillSwitchActive() {
			log.Warn().Str("symbol", req.Symbol).Msg("⛔ Exit held back, kill switch active")
			return nil
		}
	}

	inst, freeze := p.resolveInstrument(req.Symbol, req.Token)

	legs := (req.Quantity + freeze - 1) / freeze
	if legs > 1 {
		log.Info().
			Str("symbol", req.Symbol).
			Int64("total_qty", req.Quantity).
			Int64("legs", legs).
			Int64("freeze_qty", freeze).
			Msg("🧊 ICEBERG: slicing order")
	}

	var (
		childIDs  []string
		filledQty int64
		failMsg   string
	)

	remaining := req.Quantity
	for leg := int64(1); leg <= legs; leg++ {
		legQty := remaining
		if legQty > freeze {
			legQty = freeze
		}
		if legs > 1 {
			log.Info().Int64("leg", leg).Int64("of", legs).Int64("qty", legQty).Msg("🧊 Executing leg")
		}

		exchangeID, err := p.sendSingle(ctx, inst, req, legQty)
		if err != nil {
			failMsg = err.Error()
			log.Error().Err(err).Int64("leg", leg).Msg("❌ Leg failed, stopping chain")
			// One reservation per chain, one rollback per chain.
			if mode == gateEntry {
				p.gate.OnExecutionFailure()
			}
			break
		}

		childIDs = append(childIDs, exchangeID)
		filledQty += legQty
		remaining -= legQty

		if remaining > 0 {
			select {
			case <-time.After(p.legDelay):
			case <-ctx.Done():
				failMsg = ctx.Err().Error()
				if mode == gateEntry {
					p.gate.OnExecutionFailure()
				}
				remaining = -1 // mark aborted
			}
			if remaining < 0 {
				break
			}
		}
	}

	status := types.StatusComplete
	switch {
	case len(childIDs) == 0:
		status = types.StatusFailed
	case filledQty < req.Quantity:
		status = types.StatusPartial
	}

	resp := &types.OrderResponse{
		OrderID:   strings.Join(childIDs, ","),
		Status:    status,
		FilledQty: filledQty,
		Message:   failMsg,
	}
	log.Info().
		Str("symbol", req.Symbol).
		Str("status", string(status)).
		Int64("filled", filledQty).
		Int64("requested", req.Quantity).
		Msg("Order chain done")
	return resp
}

// resolveInstrument fills in trading symbol and freeze quantity from the
// scrip master, with safe fallbacks for unknown symbols.
func (p *Pipeline) resolveInstrument(symbol, token string) (types.Instrument, int64) {
	inst, err := p.instruments.BySymbol(symbol)
	if err != nil {
		inst = types.Instrument{
			Token:         token,
			TradingSymbol: symbol,
			Symbol:        symbol,
		}
	}
	if inst.Token == "" {
		inst.Token = token
	}
	freeze := p.freezeQty
	if inst.FreezeQty > 0 {
		freeze = inst.FreezeQty
	}
	return inst, freeze
}

// sendSingle places one leg: ledger row, rate limit, breaker-wrapped broker
// call on the offload pool, then a fire-and-forget ledger update.
func (p *Pipeline) sendSingle(ctx context.Context, inst types.Instrument, req ExecRequest, qty int64) (string, error) {
	internalID := uuid.NewString()

	row := &database.OrderRow{
		ID:        internalID,
		Token:     inst.Token,
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		OrderType: string(orderTypeFor(req.Price)),
		Quantity:  qty,
		Price:     req.Price,
		Status:    string(types.StatusPendingBroker),
		Tag:       req.Tag,
	}
	if err := p.ledger.CreateOrder(row); err != nil {
		// Trading does not stop because the audit trail hiccuped.
		log.Error().Err(err).Str("id", internalID).Msg("Ledger insert failed")
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		p.failLeg(internalID, err.Error())
		return "", fmt.Errorf("order limiter: %w", err)
	}

	orderReq := NewOrderRequest(inst, req.Side, qty, req.Price)
	raw, err := p.orderCB.Call(ctx, func(cctx context.Context) (any, error) {
		return p.offload.Submit(cctx, func() (any, error) {
			return p.broker.PlaceOrder(cctx, orderReq)
		})
	})
	if err != nil {
		p.rejected.Add(1)
		p.failLeg(internalID, err.Error())
		return "", err
	}

	resp, ok := raw.(*BrokerResponse)
	if !ok || !resp.Accepted() {
		p.rejected.Add(1)
		msg := "no response"
		if resp != nil {
			msg = resp.ErrMsg
		}
		go p.updateLeg(internalID, types.StatusRejected, 0, decimal.Zero, msg)
		return "", fmt.Errorf("%s: %w", msg, ErrOrderRejected)
	}

	p.placed.Add(1)
	log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int64("qty", qty).
		Str("order_no", resp.OrderNo).
		Msg("✅ Order sent")

	// Optimistic COMPLETE on acceptance; the true fill lands via the
	// order socket and the terminal-status rule keeps replays out.
	go func(exchangeID string) {
		if err := p.ledger.SetBrokerOrderID(internalID, exchangeID); err != nil {
			log.Error().Err(err).Str("id", internalID).Msg("Ledger broker-id update failed")
		}
		p.updateLeg(internalID, types.StatusComplete, qty, req.Price, "")
	}(resp.OrderNo)

	return resp.OrderNo, nil
}

func (p *Pipeline) failLeg(internalID, msg string) {
	go p.updateLeg(internalID, types.StatusFailed, 0, decimal.Zero, msg)
}

func (p *Pipeline) updateLeg(internalID string, status types.OrderStatus, qty int64, price decimal.Decimal, msg string) {
	if err := p.ledger.ApplyOrderUpdate(internalID, status, qty, price, msg); err != nil {
		log.Error().Err(err).Str("id", internalID).Msg("Ledger status update failed")
	}
}

// Stats returns (placed, rejected) leg counters for metrics.
func (p *Pipeline) Stats() (int64, int64) {
	return p.placed.Load(), p.rejected.Load()
}

func orderTypeFor(price decimal.Decimal) types.OrderType {
	if price.IsPositive() {
		return types.OrderLimit
	}
	return types.OrderMarket
}
