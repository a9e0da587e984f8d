package strategy

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/candles"
	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY RUNNER - Per-instrument runtime around a formula
// ═══════════════════════════════════════════════════════════════════════════════
//
// The runner owns the candle builder, the position state machine
// (FLAT/LONG/SHORT/COOLING, DISABLED on repeated errors) and the intent
// classification: orders that reduce |position| are exits and skip the
// concurrency gate, orders that grow it are entries and are fully gated.
// Position transitions are driven by fills from the order socket, never by
// order placement, so a rejected order leaves the state untouched.
//
// ═══════════════════════════════════════════════════════════════════════════════

// State of the runner's position machine.
type State string

const (
	StateFlat     State = "FLAT"
	StateLong     State = "LONG"
	StateShort    State = "SHORT"
	StateCooling  State = "COOLING"
	StateDisabled State = "DISABLED"
)

const (
	defaultMaxErrors  = 5
	defaultHistoryCap = 200
	defaultCooldown   = 12 * time.Minute

	// An order chain whose updates never arrive stops blocking new
	// intents after this long.
	inFlightTimeout = 2 * time.Minute
)

// RunnerConfig wires one runner to its instrument and collaborators.
type RunnerConfig struct {
	Symbol  string
	Token   string
	LotSize int64
	Formula Formula
	Placer  OrderPlacer

	Cooldown   time.Duration // re-entry hold after an exit, default 12m
	MaxErrors  int           // consecutive formula errors before DISABLED, default 5
	HistoryCap int           // closed bars kept for indicators, default 200
	Trailing   *TrailingStop // nil disables tick-level trailing exits

	// OnPositionClosed fires once per round trip with the realized PnL.
	// Called outside the runner lock; must not call back into the runner.
	OnPositionClosed func(symbol string, pnl decimal.Decimal)
}

// Runner drives one formula for one instrument.
type Runner struct {
	mu sync.Mutex

	symbol  string
	token   string
	lotSize int64
	formula Formula
	placer  OrderPlacer

	builder    *candles.Builder
	bars       []types.Bar
	historyCap int

	position      int64
	avgPrice      decimal.Decimal
	lastPrice     decimal.Decimal
	tradeRealized decimal.Decimal
	lastExitTime  time.Time
	cooldown      time.Duration

	// appliedFills maps exchange order id to the cumulative filled
	// quantity already booked, making OnOrderUpdate replay-safe.
	appliedFills  map[string]int64
	inFlight      map[string]bool
	inFlightSince time.Time

	errorCount int
	maxErrors  int
	active     bool

	trail    *TrailingStop
	onClosed func(symbol string, pnl decimal.Decimal)
}

// NewRunner builds a runner. The formula must not be shared across runners.
func NewRunner(cfg RunnerConfig) *Runner {
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	maxErrors := cfg.MaxErrors
	if maxErrors <= 0 {
		maxErrors = defaultMaxErrors
	}
	historyCap := cfg.HistoryCap
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	lotSize := cfg.LotSize
	if lotSize <= 0 {
		lotSize = 1
	}
	return &Runner{
		symbol:       cfg.Symbol,
		token:        cfg.Token,
		lotSize:      lotSize,
		formula:      cfg.Formula,
		placer:       cfg.Placer,
		builder:      candles.NewBuilder(cfg.Token),
		historyCap:   historyCap,
		cooldown:     cooldown,
		maxErrors:    maxErrors,
		appliedFills: make(map[string]int64),
		inFlight:     make(map[string]bool),
		active:       true,
		trail:        cfg.Trailing,
		onClosed:     cfg.OnPositionClosed,
	}
}

// Symbol returns the instrument symbol.
func (r *Runner) Symbol() string { return r.symbol }

// Token returns the instrument token.
func (r *Runner) Token() string { return r.token }

// Name returns the formula name.
func (r *Runner) Name() string { return r.formula.Name() }

// OnTick feeds one tick: trailing-stop check at tick level, then candle
// aggregation, then a formula decision if a bar closed.
func (r *Runner) OnTick(ctx context.Context, tick types.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastPrice = tick.Ltp
	if !r.active {
		return
	}

	if r.position != 0 && r.trail != nil && r.trail.Update(r.position, tick.Ltp) {
		side := types.SideSell
		if r.position < 0 {
			side = types.SideBuy
		}
		log.Info().
			Str("symbol", r.symbol).
			Str("ltp", tick.Ltp.String()).
			Msg("⛓️ Trailing stop hit")
		r.placeExit(ctx, side, "TRAILING_SL")
	}

	if bar := r.builder.Update(tick); bar != nil {
		r.onBar(ctx, *bar)
	}
}

// OnTimeUpdate is the heartbeat hook: it force-closes a stale bar when the
// wall clock has moved past its minute without a fresh tick.
func (r *Runner) OnTimeUpdate(ctx context.Context, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	if bar := r.builder.ForceClose(now); bar != nil {
		r.onBar(ctx, *bar)
	}
}

// ExternalSignal is the webhook entry point. Signals carry maximum
// confidence and are classified exactly like formula intents.
func (r *Runner) ExternalSignal(ctx context.Context, side types.Side, price decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	intent := types.Intent{
		Side:       side,
		Price:      price,
		Confidence: decimal.NewFromInt(2),
		Tag:        "WEBHOOK",
	}
	log.Info().
		Str("symbol", r.symbol).
		Str("side", string(side)).
		Msg("📡 External signal")
	r.dispatch(ctx, &intent)
}

// RestorePosition seeds the book from the broker's position report after a
// restart. Call before the first tick is routed.
func (r *Runner) RestorePosition(qty int64, avgPrice decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.position = qty
	r.avgPrice = avgPrice
	if qty != 0 {
		if r.trail != nil {
			r.trail.Arm(avgPrice)
		}
		log.Warn().
			Str("symbol", r.symbol).
			Int64("position", qty).
			Str("avg", avgPrice.StringFixed(2)).
			Msg("⚠️ Position restored from broker")
	}
}

// OnOrderUpdate books fills into the position. Idempotent: replays and
// out-of-order duplicates are ignored via per-order cumulative quantities.
// Fills are processed even when the runner is disabled, since square-off
// orders must still reconcile the position.
func (r *Runner) OnOrderUpdate(update types.OrderUpdate) {
	if update.ExchangeID == "" {
		return
	}

	var closedPnl *decimal.Decimal

	r.mu.Lock()
	status := strings.ToUpper(update.Status)
	switch {
	case isFillStatus(status):
		applied := r.appliedFills[update.ExchangeID]
		if delta := update.FilledQty - applied; delta > 0 {
			r.appliedFills[update.ExchangeID] = update.FilledQty
			closedPnl = r.applyFill(update.Side, delta, update.AvgPrice)
		}
		if status != "PARTIAL" {
			delete(r.inFlight, update.ExchangeID)
		}
	case isRejectStatus(status):
		delete(r.inFlight, update.ExchangeID)
		log.Warn().
			Str("symbol", r.symbol).
			Str("order_id", update.ExchangeID).
			Str("status", status).
			Str("reason", update.Reason).
			Msg("⚠️ Order did not fill")
	}
	cb := r.onClosed
	r.mu.Unlock()

	if closedPnl != nil && cb != nil {
		cb(r.symbol, *closedPnl)
	}
}

// applyFill mutates position state for one fill delta. Caller holds the
// lock. Returns the round-trip PnL when the trade fully closed.
func (r *Runner) applyFill(side types.Side, qty int64, price decimal.Decimal) *decimal.Decimal {
	signed := qty
	if side == types.SideSell {
		signed = -qty
	}
	old := r.position

	if old == 0 || (old > 0) == (signed > 0) {
		// Opening or scaling in: weighted-average entry.
		oldAbs := decimal.NewFromInt(abs64(old))
		addAbs := decimal.NewFromInt(qty)
		total := oldAbs.Add(addAbs)
		if total.IsPositive() {
			r.avgPrice = oldAbs.Mul(r.avgPrice).Add(addAbs.Mul(price)).Div(total)
		}
		r.position = old + signed
		if old == 0 {
			r.tradeRealized = decimal.Zero
			if r.trail != nil {
				r.trail.Arm(price)
			}
			log.Info().
				Str("symbol", r.symbol).
				Int64("position", r.position).
				Str("avg", r.avgPrice.StringFixed(2)).
				Msg("📈 Position opened")
		}
		if price.IsPositive() {
			r.lastPrice = price
		}
		return nil
	}

	// Reducing: realize PnL on the closed quantity.
	closeQty := qty
	if closeQty > abs64(old) {
		closeQty = abs64(old)
	}
	dir := decimal.NewFromInt(1)
	if old < 0 {
		dir = decimal.NewFromInt(-1)
	}
	realized := dir.Mul(decimal.NewFromInt(closeQty)).Mul(price.Sub(r.avgPrice))
	r.tradeRealized = r.tradeRealized.Add(realized)
	r.position = old + signed
	if price.IsPositive() {
		r.lastPrice = price
	}

	if r.position == 0 {
		pnl := r.tradeRealized
		r.tradeRealized = decimal.Zero
		r.avgPrice = decimal.Zero
		r.lastExitTime = time.Now()
		r.inFlight = make(map[string]bool)
		if r.trail != nil {
			r.trail.Disarm()
		}
		log.Info().
			Str("symbol", r.symbol).
			Str("pnl", pnl.StringFixed(2)).
			Dur("cooldown", r.cooldown).
			Msg("❄️ Position closed, cooling")
		return &pnl
	}

	if (r.position > 0) == (signed > 0) {
		// Flipped through flat: the old trade is done, a new one starts
		// at the fill price.
		pnl := r.tradeRealized
		r.tradeRealized = decimal.Zero
		r.avgPrice = price
		if r.trail != nil {
			r.trail.Arm(price)
		}
		log.Info().
			Str("symbol", r.symbol).
			Int64("position", r.position).
			Str("pnl", pnl.StringFixed(2)).
			Msg("🔄 Position flipped")
		return &pnl
	}
	return nil
}

// onBar appends the bar, runs the formula inside the error boundary and
// dispatches the resulting intent. Caller holds the lock.
func (r *Runner) onBar(ctx context.Context, bar types.Bar) {
	r.bars = append(r.bars, bar)
	if len(r.bars) > r.historyCap {
		r.bars = r.bars[1:]
	}
	if len(r.bars) < r.formula.Warmup() {
		return
	}
	intent := r.safeDecision(bar)
	r.dispatch(ctx, intent)
}

// safeDecision is the error boundary around the formula. A panicking
// formula is counted and, after maxErrors consecutive failures, disabled;
// the engine keeps running. Caller holds the lock.
func (r *Runner) safeDecision(bar types.Bar) (intent *types.Intent) {
	defer func() {
		if rec := recover(); rec != nil {
			intent = nil
			r.errorCount++
			log.Error().
				Str("symbol", r.symbol).
				Str("strategy", r.formula.Name()).
				Int("errors", r.errorCount).
				Interface("panic", rec).
				Msg("💥 Strategy error contained")
			if r.errorCount >= r.maxErrors {
				r.active = false
				log.Error().
					Str("symbol", r.symbol).
					Str("strategy", r.formula.Name()).
					Msg("🚫 Strategy disabled after repeated errors")
			}
		}
	}()
	intent = r.formula.OnBarClose(r.view(), bar)
	r.errorCount = 0
	return intent
}

func (r *Runner) view() View {
	return View{
		Position: r.position,
		AvgPrice: r.avgPrice,
		Bars:     r.bars,
	}
}

// dispatch classifies an intent as entry or exit and routes it. Caller
// holds the lock.
func (r *Runner) dispatch(ctx context.Context, intent *types.Intent) {
	if intent == nil {
		return
	}

	if len(r.inFlight) > 0 {
		if time.Since(r.inFlightSince) < inFlightTimeout {
			log.Debug().Str("symbol", r.symbol).Msg("Order in flight, intent dropped")
			return
		}
		log.Warn().Str("symbol", r.symbol).Msg("In-flight order timed out, unblocking")
		r.inFlight = make(map[string]bool)
	}

	reduces := (r.position > 0 && intent.Side == types.SideSell) ||
		(r.position < 0 && intent.Side == types.SideBuy)

	if reduces {
		r.placeExit(ctx, intent.Side, intent.Tag)
		return
	}

	// Entry path: honor the cooldown window after an exit.
	if !r.lastExitTime.IsZero() && time.Since(r.lastExitTime) < r.cooldown {
		log.Debug().Str("symbol", r.symbol).Msg("❄️ Cooling, entry skipped")
		return
	}

	normalized := *intent
	normalized.Confidence = clampConfidence(normalized.Confidence)
	resp := r.placer.PlaceEntry(ctx, r.symbol, r.token, normalized, r.lotSize)
	r.recordInFlight(resp)
}

// placeExit sends a market order covering the whole position. Caller holds
// the lock.
func (r *Runner) placeExit(ctx context.Context, side types.Side, tag string) {
	qty := abs64(r.position)
	if qty == 0 {
		return
	}
	resp := r.placer.PlaceExit(ctx, r.symbol, r.token, side, qty, tag)
	r.recordInFlight(resp)
}

func (r *Runner) recordInFlight(resp *types.OrderResponse) {
	if resp == nil {
		return
	}
	ids := resp.ChildIDs()
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if id != "" {
			r.inFlight[id] = true
		}
	}
	r.inFlightSince = time.Now()
}

// State derives the machine state from position and timers.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case !r.active:
		return StateDisabled
	case r.position > 0:
		return StateLong
	case r.position < 0:
		return StateShort
	case !r.lastExitTime.IsZero() && time.Since(r.lastExitTime) < r.cooldown:
		return StateCooling
	default:
		return StateFlat
	}
}

// Active reports whether the runner still accepts decisions.
func (r *Runner) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Disable stops all decision-making. Fills keep being processed so a
// square-off still reconciles the position.
func (r *Runner) Disable(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		r.active = false
		log.Info().Str("symbol", r.symbol).Str("reason", reason).Msg("Strategy disabled")
	}
}

// Position returns the signed net quantity.
func (r *Runner) Position() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.position
}

// Snapshot returns the status-surface view of this runner.
func (r *Runner) Snapshot() types.PositionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	unrealized := decimal.Zero
	if r.position != 0 && r.lastPrice.IsPositive() && r.avgPrice.IsPositive() {
		unrealized = r.lastPrice.Sub(r.avgPrice).Mul(decimal.NewFromInt(r.position))
	}
	return types.PositionSnapshot{
		Symbol:        r.symbol,
		Token:         r.token,
		Strategy:      r.formula.Name(),
		Position:      r.position,
		AvgPrice:      r.avgPrice,
		LastPrice:     r.lastPrice,
		UnrealizedPnl: unrealized,
	}
}

func isFillStatus(status string) bool {
	switch status {
	case "COMPLETE", "TRADED", "FILLED", "PARTIAL":
		return true
	}
	return false
}

func isRejectStatus(status string) bool {
	switch status {
	case "REJECTED", "CANCELLED", "FAILED":
		return true
	}
	return false
}

func clampConfidence(c decimal.Decimal) decimal.Decimal {
	half := decimal.RequireFromString("0.5")
	two := decimal.NewFromInt(2)
	switch {
	case c.LessThanOrEqual(decimal.Zero):
		return decimal.NewFromInt(1)
	case c.LessThan(half):
		return half
	case c.GreaterThan(two):
		return two
	}
	return c
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
