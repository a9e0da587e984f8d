package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/execution"
	"github.com/manavkr/tradepulse/feeds"
	"github.com/manavkr/tradepulse/guard"
	"github.com/manavkr/tradepulse/instruments"
	"github.com/manavkr/tradepulse/internal/config"
	"github.com/manavkr/tradepulse/internal/database"
	"github.com/manavkr/tradepulse/risk"
	"github.com/manavkr/tradepulse/strategy"
	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Feed → Bus → Router → Strategy → Sizer → Sentinel → Pipeline → Broker
//                                                 ↑            ↓
//                                      order socket ← Ledger ← fills
//
// Lifecycle: Boot (login, reconcile, feed up) → ConfigureAndStart (/start) →
// three run loops (tick, order, heartbeat) → square-off → Stop → Shutdown.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrAlreadyRunning rejects /start while a session is live.
	ErrAlreadyRunning = errors.New("engine already running")

	// ErrNotRunning rejects run-scoped calls while the engine is idle.
	ErrNotRunning = errors.New("engine not running")

	// ErrUnknownSymbol rejects external signals for symbols with no bound
	// strategy.
	ErrUnknownSymbol = errors.New("no strategy bound for symbol")
)

const (
	tickWait        = 2 * time.Second
	orderWait       = 2 * time.Second
	heartbeatEvery  = time.Second
	riskSyncEvery   = 30 * time.Second
	loginAttempts   = 3
	loginRetryDelay = 5 * time.Second
	shutdownBound   = 10 * time.Second
	squareOffGrace  = 2 * time.Second

	// system_config keys
	keyRiskState      = "current_state"
	keyStrategyConfig = "strategy_config"

	// Fallback stop distance when an entry intent carries no stop, same
	// fraction the sizer substitutes for spuriously tight stops.
	defaultStopFrac = 0.005

	// Mode labels for the health surface.
	ModePaper = "PAPER"
	ModeLive  = "LIVE"
)

// Notifier pushes trade lifecycle events to the operator channel. The
// Telegram bot implements it; a nil notifier disables outbound messages.
type Notifier interface {
	NotifyOrder(symbol string, side types.Side, qty int64, price decimal.Decimal, tag string)
	NotifyTradeClosed(symbol string, pnl decimal.Decimal)
	NotifyEvent(title, body string)
}

// EngineConfig is the operator /start payload, persisted under the
// strategy_config key so the last session survives a restart.
type EngineConfig struct {
	StrategyName  string          `json:"strategy_name"`
	Symbols       []string        `json:"symbols"`
	Params        strategy.Params `json:"strategy_params,omitempty"`
	Capital       decimal.Decimal `json:"capital"`
	Leverage      decimal.Decimal `json:"leverage"`
	RiskPerTrade  decimal.Decimal `json:"risk_per_trade"`
	MaxDailyLoss  decimal.Decimal `json:"max_daily_loss"`
	MaxOpenTrades int             `json:"max_concurrent_trades"`
	CooldownMin   int             `json:"cooldown_minutes,omitempty"`
	TrailingStop  bool            `json:"trailing_stop,omitempty"`
}

// applyDefaults fills unset fields from the boot configuration.
func (ec *EngineConfig) applyDefaults(cfg *config.Config) {
	if ec.Capital.LessThanOrEqual(decimal.Zero) {
		ec.Capital = cfg.Capital
	}
	if ec.RiskPerTrade.LessThanOrEqual(decimal.Zero) {
		ec.RiskPerTrade = cfg.RiskPerTradePct
	}
	if ec.MaxDailyLoss.LessThanOrEqual(decimal.Zero) {
		ec.MaxDailyLoss = ec.Capital.Mul(cfg.MaxDailyLossPct)
	}
	if ec.MaxOpenTrades <= 0 {
		ec.MaxOpenTrades = cfg.MaxOpenTrades
	}
	if ec.Leverage.LessThanOrEqual(decimal.Zero) {
		ec.Leverage = decimal.NewFromInt(1)
	}
	for i, s := range ec.Symbols {
		ec.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

// HealthReport is the /health payload.
type HealthReport struct {
	Running          bool             `json:"engine_running"`
	Mode             string           `json:"mode"`
	Status           string           `json:"status"` // healthy, degraded, critical
	RiskStatus       string           `json:"risk_status"`
	KillSwitch       bool             `json:"kill_switch"`
	FeedConnected    bool             `json:"feed_connected"`
	Breaker          string           `json:"order_breaker"`
	Queues           types.QueueStats `json:"queues"`
	TicksShed        int64            `json:"ticks_shed"` // per-strategy queue overflows
	ActiveStrategies []string         `json:"active_strategies"`
}

// StatusReport is the /status payload.
type StatusReport struct {
	Running   bool                     `json:"engine_running"`
	Strategy  string                   `json:"strategy"`
	Positions []types.PositionSnapshot `json:"positions"`
	Risk      risk.State               `json:"risk"`
	Placed    int64                    `json:"orders_placed"`
	Rejected  int64                    `json:"orders_rejected"`
}

// persistedRiskState wraps the sentinel snapshot with its trading day so a
// restart never resurrects yesterday's PnL.
type persistedRiskState struct {
	Date  string     `json:"date"`
	State risk.State `json:"state"`
}

// Deps wires the engine's collaborators. Everything here outlives a single
// trading session.
type Deps struct {
	Config      *config.Config
	Clock       *Clock
	Bus         *Bus
	DB          *database.Database
	Broker      execution.Broker
	Feed        *feeds.Feed
	Offload     *guard.Offload
	Instruments *instruments.Cache

	// OrderCB/Limiter guard order placement; DataCB/BrokerLimiter guard the
	// read paths (positions, margins). Nil values get broker-safe defaults.
	OrderCB       *guard.Breaker
	Limiter       *guard.Limiter
	DataCB        *guard.Breaker
	BrokerLimiter *guard.Limiter
}

// Engine owns every component and runs the three session loops.
type Engine struct {
	mu sync.Mutex

	cfg   *config.Config
	clock *Clock
	bus   *Bus
	db    *database.Database

	broker      execution.Broker
	paper       *execution.Paper // non-nil in paper mode
	feed        *feeds.Feed
	offload     *guard.Offload
	instruments *instruments.Cache

	orderCB       *guard.Breaker
	limiter       *guard.Limiter
	dataCB        *guard.Breaker
	brokerLimiter *guard.Limiter

	router   *Router
	notifier Notifier

	// Session state, rebuilt by ConfigureAndStart.
	sentinel *risk.Sentinel
	sizer    *risk.Sizer
	pipeline *execution.Pipeline
	session  *EngineConfig

	booted    bool
	loggedIn  bool
	running   bool
	cancelRun context.CancelFunc
	loops     sync.WaitGroup

	lastRiskSync time.Time
	killNotified bool
}

// NewEngine builds an idle engine; Boot brings it to readiness.
func NewEngine(deps Deps) *Engine {
	e := &Engine{
		cfg:           deps.Config,
		clock:         deps.Clock,
		bus:           deps.Bus,
		db:            deps.DB,
		broker:        deps.Broker,
		feed:          deps.Feed,
		offload:       deps.Offload,
		instruments:   deps.Instruments,
		orderCB:       deps.OrderCB,
		limiter:       deps.Limiter,
		dataCB:        deps.DataCB,
		brokerLimiter: deps.BrokerLimiter,
		router:        NewRouter(),
	}
	if e.dataCB == nil {
		e.dataCB = guard.NewBreaker("data", 5, 60*time.Second)
	}
	if e.brokerLimiter == nil {
		e.brokerLimiter = guard.NewLimiter(5, 10)
	}
	if p, ok := deps.Broker.(*execution.Paper); ok {
		e.paper = p
		p.SetFillHandler(func(update types.OrderUpdate) {
			if err := e.bus.PublishOrder(context.Background(), update); err != nil {
				log.Error().Err(err).Msg("🚨 Paper fill dropped, order queue saturated")
			}
		})
	}
	return e
}

// SetNotifier attaches the operator notification channel.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// Boot prepares the engine: worker pool, instrument cache, broker login,
// risk reconciliation, market feed. On auth failure the engine stays idle
// and health reports critical; everything else is retried by the operator.
func (e *Engine) Boot(ctx context.Context) error {
	e.offload.Start()

	rows, err := e.db.ListInstruments()
	if err != nil {
		return fmt.Errorf("load instrument master: %w", err)
	}
	list := make([]types.Instrument, 0, len(rows))
	for _, row := range rows {
		list = append(list, row.Instrument())
	}
	e.instruments.Load(list)
	if len(list) == 0 {
		log.Warn().Msg("⚠️ Instrument master is empty, run the seeder before /start")
	}

	var loginErr error
	for attempt := 1; attempt <= loginAttempts; attempt++ {
		loginErr = e.broker.Login(ctx)
		if loginErr == nil {
			break
		}
		log.Error().Err(loginErr).Int("attempt", attempt).Msg("❌ Broker login failed")
		if attempt < loginAttempts {
			select {
			case <-time.After(loginRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if loginErr != nil {
		return fmt.Errorf("broker login: %w", loginErr)
	}

	e.mu.Lock()
	e.loggedIn = true
	maxLoss := e.cfg.Capital.Mul(e.cfg.MaxDailyLossPct)
	e.sentinel = risk.NewSentinel(e.cfg.Capital, maxLoss, e.cfg.MaxOpenTrades, e.guardedPositions)
	if e.cfg.ChargeFactor.IsPositive() {
		e.sentinel.SetChargeFactor(e.cfg.ChargeFactor)
	}
	sentinel := e.sentinel
	e.mu.Unlock()

	e.restoreRiskState(sentinel)

	if available, err := e.guardedLimits(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Margin fetch failed, using configured capital")
	} else if available.IsPositive() {
		sentinel.SetAvailableCapital(available)
	}
	if err := sentinel.SyncState(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Risk sync failed at boot")
	}

	e.feed.Start(ctx)

	e.mu.Lock()
	e.booted = true
	e.mu.Unlock()

	log.Info().
		Str("mode", e.Mode()).
		Int("instruments", len(list)).
		Msg("✅ Engine booted, awaiting /start")
	return nil
}

// restoreRiskState rehydrates the sentinel from the persisted snapshot,
// but only when it was saved on the current trading day.
func (e *Engine) restoreRiskState(sentinel *risk.Sentinel) {
	raw, err := e.db.LoadConfig(keyRiskState)
	if err != nil || raw == "" {
		return
	}
	var ps persistedRiskState
	if err := json.Unmarshal([]byte(raw), &ps); err != nil {
		log.Warn().Err(err).Msg("⚠️ Persisted risk state unreadable, starting fresh")
		return
	}
	today := e.clock.Now().Format("2006-01-02")
	if ps.Date != today {
		log.Info().Str("saved", ps.Date).Msg("🌅 New trading day, risk state starts fresh")
		return
	}
	sentinel.Restore(ps.State)
}

// ConfigureAndStart validates the session config, builds the per-symbol
// strategies and starts the three run loops. Rejected while running.
func (e *Engine) ConfigureAndStart(ctx context.Context, ec EngineConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.booted {
		return errors.New("engine not booted")
	}
	if e.running {
		return ErrAlreadyRunning
	}

	ec.applyDefaults(e.cfg)
	if ec.StrategyName == "" {
		return errors.New("strategy name required")
	}
	if len(ec.Symbols) == 0 {
		return errors.New("at least one symbol required")
	}
	if _, err := strategy.New(ec.StrategyName, ec.Params); err != nil {
		return err
	}
	insts := make([]types.Instrument, 0, len(ec.Symbols))
	for _, sym := range ec.Symbols {
		inst, err := e.instruments.BySymbol(sym)
		if err != nil {
			return fmt.Errorf("symbol %s: %w", sym, err)
		}
		insts = append(insts, inst)
	}

	if raw, err := json.Marshal(ec); err == nil {
		if err := e.db.SaveConfig(keyStrategyConfig, string(raw)); err != nil {
			return fmt.Errorf("persist config: %w", err)
		}
	}

	// New limits, same day: carry PnL, counters and the kill-switch latch
	// into the rebuilt sentinel, then let broker truth refine them.
	fresh := risk.NewSentinel(ec.Capital, ec.MaxDailyLoss, ec.MaxOpenTrades, e.guardedPositions)
	if e.cfg.ChargeFactor.IsPositive() {
		fresh.SetChargeFactor(e.cfg.ChargeFactor)
	}
	if e.sentinel != nil {
		fresh.Restore(e.sentinel.Snapshot())
	}
	e.sentinel = fresh
	e.killNotified = fresh.Snapshot().KillSwitch
	if err := e.sentinel.SyncState(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Risk sync failed at configure")
	}

	e.sizer = risk.NewSizer(ec.RiskPerTrade, ec.Leverage)
	e.pipeline = execution.NewPipeline(execution.Deps{
		Broker:           e.broker,
		Gate:             e.sentinel,
		Ledger:           e.db,
		Instruments:      e.instruments,
		Offload:          e.offload,
		OrderCB:          e.orderCB,
		Limiter:          e.limiter,
		DefaultFreezeQty: e.cfg.DefaultFreezeQty,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	e.router.Clear()
	tokens := make([]string, 0, len(insts))
	for _, inst := range insts {
		formula, err := strategy.New(ec.StrategyName, ec.Params)
		if err != nil {
			cancel()
			return err
		}
		var trail *strategy.TrailingStop
		if ec.TrailingStop {
			trail = strategy.NewTrailingStop(decimal.Zero, decimal.Zero)
		}
		rn := strategy.NewRunner(strategy.RunnerConfig{
			Symbol:           inst.Symbol,
			Token:            inst.Token,
			LotSize:          inst.LotSize,
			Formula:          formula,
			Placer:           e,
			Cooldown:         time.Duration(ec.CooldownMin) * time.Minute,
			Trailing:         trail,
			OnPositionClosed: e.onTradeClosed,
		})
		e.router.Bind(runCtx, rn)
		tokens = append(tokens, inst.Token)
	}

	e.restorePositions(ctx)
	e.feed.Subscribe(runCtx, tokens)

	e.session = &ec
	e.running = true
	e.cancelRun = cancel
	e.lastRiskSync = e.clock.Now()
	e.loops.Add(3)
	go e.tickLoop(runCtx)
	go e.orderLoop(runCtx)
	go e.heartbeatLoop(runCtx)

	log.Info().
		Str("strategy", ec.StrategyName).
		Strs("symbols", ec.Symbols).
		Str("capital", ec.Capital.StringFixed(0)).
		Str("mode", e.Mode()).
		Msg("🚀 Engine running")
	if e.notifier != nil {
		e.notifier.NotifyEvent("Engine started",
			fmt.Sprintf("%s on %s (%s)", ec.StrategyName, strings.Join(ec.Symbols, ", "), e.Mode()))
	}
	return nil
}

// guardedPositions fetches the broker position book through the read-path
// guards: broker limiter, data breaker, offload pool.
func (e *Engine) guardedPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	if err := e.brokerLimiter.Acquire(ctx); err != nil {
		return nil, err
	}
	raw, err := e.dataCB.Call(ctx, func(cctx context.Context) (any, error) {
		return e.offload.Submit(cctx, func() (any, error) {
			return e.broker.Positions(cctx)
		})
	})
	if err != nil {
		return nil, err
	}
	positions, _ := raw.([]types.BrokerPosition)
	return positions, nil
}

// guardedLimits fetches the available margin through the same guards.
func (e *Engine) guardedLimits(ctx context.Context) (decimal.Decimal, error) {
	if err := e.brokerLimiter.Acquire(ctx); err != nil {
		return decimal.Zero, err
	}
	raw, err := e.dataCB.Call(ctx, func(cctx context.Context) (any, error) {
		return e.offload.Submit(cctx, func() (any, error) {
			return e.broker.Limits(cctx)
		})
	})
	if err != nil {
		return decimal.Zero, err
	}
	available, _ := raw.(decimal.Decimal)
	return available, nil
}

// restorePositions seeds runners from the broker's position book so a
// restart mid-session keeps managing what it already holds.
func (e *Engine) restorePositions(ctx context.Context) {
	positions, err := e.guardedPositions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Position fetch failed, runners start flat")
		return
	}
	for _, pos := range positions {
		if pos.NetQty == 0 {
			continue
		}
		if rn := e.router.ByToken(pos.Token); rn != nil {
			rn.RestorePosition(pos.NetQty, pos.AvgPrice)
		}
	}
}

// Stop idles the engine: loops exit, strategies unbind, positions stay
// open. Square-off is a separate, explicit action.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancelRun
	e.cancelRun = nil
	e.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		e.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownBound):
		log.Error().Msg("⏱️ Run loops failed to stop in time, aborting hard")
	}
	e.router.Clear()
	log.Info().Msg("🛑 Engine stopped")
}

// Shutdown is the process-exit path: stop the session, then release the
// feed, database and worker pool.
func (e *Engine) Shutdown() {
	e.Stop()
	e.persistRiskState()
	e.feed.Stop()
	if err := e.db.Close(); err != nil {
		log.Warn().Err(err).Msg("Database close failed")
	}
	e.offload.Stop()
	log.Info().Msg("👋 Engine shut down")
}

// PanicSquareOff trips the kill switch and flattens everything now.
func (e *Engine) PanicSquareOff(ctx context.Context) error {
	e.mu.Lock()
	sentinel := e.sentinel
	running := e.running
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	log.Error().Msg("🚨 PANIC square-off requested")
	if sentinel != nil {
		sentinel.TripKillSwitch("manual panic square-off")
	}
	closed := e.squareOff(ctx)
	e.Stop()
	if e.notifier != nil {
		e.notifier.NotifyEvent("PANIC square-off",
			fmt.Sprintf("%d positions closed, kill switch latched", closed))
	}
	return nil
}

// squareOff sends an opposite-side market order for every non-zero
// position, then waits briefly for fills to land.
func (e *Engine) squareOff(ctx context.Context) int {
	e.mu.Lock()
	pipeline := e.pipeline
	e.mu.Unlock()
	if pipeline == nil {
		return 0
	}

	log.Warn().Msg("🟥 SQUARE OFF - closing all positions")
	// No formula may re-enter between the flatten pass and Stop. Fills
	// still flow so the covering orders reconcile.
	for _, rn := range e.router.Runners() {
		rn.Disable("square-off")
	}
	closed := 0
	for _, rn := range e.router.Runners() {
		pos := rn.Position()
		if pos == 0 {
			continue
		}
		side := types.SideSell
		qty := pos
		if pos < 0 {
			side = types.SideBuy
			qty = -pos
		}
		resp := pipeline.SquareOff(ctx, rn.Symbol(), rn.Token(), side, qty)
		if resp == nil || resp.Status == types.StatusFailed {
			log.Error().Str("symbol", rn.Symbol()).Msg("❌ Square-off order failed")
			continue
		}
		closed++
	}
	if closed > 0 {
		time.Sleep(squareOffGrace)
	}
	log.Info().Int("closed", closed).Msg("✅ Square-off pass done")
	return closed
}

// tickLoop drains the tick queue and routes by token. In paper mode every
// print also drives the virtual fill engine.
func (e *Engine) tickLoop(ctx context.Context) {
	defer e.loops.Done()
	for {
		tick, ok := e.bus.NextTick(ctx, tickWait)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		mtxTicks.Inc()
		if e.paper != nil {
			e.paper.ProcessTick(tick)
		}
		e.router.RouteTick(tick)
	}
}

// orderLoop applies broker order updates to the ledger and the owning
// strategy.
func (e *Engine) orderLoop(ctx context.Context) {
	defer e.loops.Done()
	for {
		update, ok := e.bus.NextOrder(ctx, orderWait)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		e.handleOrderUpdate(update)
	}
}

func (e *Engine) handleOrderUpdate(update types.OrderUpdate) {
	update.Status = strings.ToUpper(update.Status)

	if update.ExchangeID != "" {
		if row, err := e.db.FindByBrokerOrderID(update.ExchangeID); err == nil {
			if uErr := e.db.ApplyOrderUpdate(row.ID, ledgerStatus(update.Status),
				update.FilledQty, update.AvgPrice, update.Reason); uErr != nil {
				log.Error().Err(uErr).Str("id", row.ID).Msg("Ledger update failed")
			}
			if update.Token == "" {
				update.Token = row.Token
			}
		}
	}

	if !e.router.RouteOrder(update) {
		log.Debug().
			Str("order_id", update.ExchangeID).
			Str("token", update.Token).
			Msg("Order update with no owning strategy")
	}
}

// heartbeatLoop runs once a second: square-off deadline, time broadcast to
// strategies, periodic risk reconciliation.
func (e *Engine) heartbeatLoop(ctx context.Context) {
	defer e.loops.Done()
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := e.clock.Now()
		if e.clock.PastSquareOff(now) {
			log.Warn().Str("time", now.Format("15:04:05")).Msg("⏰ Square-off time reached")
			closed := e.squareOff(ctx)
			if e.notifier != nil {
				e.notifier.NotifyEvent("Auto square-off",
					fmt.Sprintf("Market close procedure: %d positions closed", closed))
			}
			go e.Stop()
			return
		}

		e.router.BroadcastTime(ctx, now)
		observeQueues(e.bus.Stats(), e.router.DroppedTicks())

		e.mu.Lock()
		sentinel := e.sentinel
		due := now.Sub(e.lastRiskSync) >= riskSyncEvery
		if due {
			e.lastRiskSync = now
		}
		e.mu.Unlock()
		if due && sentinel != nil {
			if err := sentinel.SyncState(ctx); err != nil {
				log.Warn().Err(err).Msg("⚠️ Risk sync failed")
			}
			st := sentinel.Snapshot()
			observeRisk(st)
			e.notifyKillSwitch(st)
			e.persistRiskState()
		}
	}
}

// notifyKillSwitch alerts the operator once per latch. Entries are already
// blocked by the sentinel; this is the human escalation.
func (e *Engine) notifyKillSwitch(st risk.State) {
	e.mu.Lock()
	fire := st.KillSwitch && !e.killNotified
	e.killNotified = st.KillSwitch
	n := e.notifier
	e.mu.Unlock()
	if fire && n != nil {
		n.NotifyEvent("Kill switch tripped",
			fmt.Sprintf("New entries blocked. Net PnL %s, loss cap %s.",
				st.NetPnl.StringFixed(2), st.MaxDailyLoss.StringFixed(2)))
	}
}

// persistRiskState saves the sentinel snapshot under current_state.
func (e *Engine) persistRiskState() {
	e.mu.Lock()
	sentinel := e.sentinel
	e.mu.Unlock()
	if sentinel == nil {
		return
	}
	ps := persistedRiskState{
		Date:  e.clock.Now().Format("2006-01-02"),
		State: sentinel.Snapshot(),
	}
	raw, err := json.Marshal(ps)
	if err != nil {
		return
	}
	if err := e.db.SaveConfig(keyRiskState, string(raw)); err != nil {
		log.Warn().Err(err).Msg("Risk state persist failed")
	}
}

// onTradeClosed books a completed round trip into the sentinel and the
// operator channel. Runs outside the runner lock.
func (e *Engine) onTradeClosed(symbol string, pnl decimal.Decimal) {
	e.mu.Lock()
	sentinel := e.sentinel
	e.mu.Unlock()
	if sentinel != nil {
		sentinel.OnTradeClose(pnl)
		e.notifyKillSwitch(sentinel.Snapshot())
	}
	observeTradeClosed(pnl)
	if e.notifier != nil {
		e.notifier.NotifyTradeClosed(symbol, pnl)
	}
}

// PlaceEntry implements strategy.OrderPlacer: size the intent, then run it
// through the gated pipeline as a market order. Nil means denied.
func (e *Engine) PlaceEntry(ctx context.Context, symbol, token string, intent types.Intent, lotSize int64) *types.OrderResponse {
	e.mu.Lock()
	sentinel, sizer, pipeline := e.sentinel, e.sizer, e.pipeline
	e.mu.Unlock()
	if sentinel == nil || sizer == nil || pipeline == nil {
		return nil
	}

	sl := intent.StopLoss
	if sl.LessThanOrEqual(decimal.Zero) {
		sl = defaultStopFor(intent.Side, intent.Price)
	}

	total, available := sentinel.Capital()
	qty := sizer.Qty(risk.SizeRequest{
		TotalCapital:     total,
		AvailableCapital: available,
		MaxSlots:         sentinel.MaxSlots(),
		OpenSlots:        sentinel.OpenSlots(),
		Entry:            intent.Price,
		StopLoss:         sl,
		LotSize:          lotSize,
		Confidence:       intent.Confidence,
	})
	if qty <= 0 {
		log.Warn().Str("symbol", symbol).Msg("🪙 Sizer returned zero, entry skipped")
		return nil
	}

	resp := pipeline.ExecuteOrder(ctx, execution.ExecRequest{
		Symbol:   symbol,
		Token:    token,
		Side:     intent.Side,
		Quantity: qty,
		Tag:      intent.Tag,
	})
	observeOrder(intent.Side, resp != nil && resp.Status != types.StatusRejected)
	if resp != nil && e.notifier != nil {
		e.notifier.NotifyOrder(symbol, intent.Side, qty, intent.Price, intent.Tag)
	}
	return resp
}

// PlaceExit implements strategy.OrderPlacer for position-reducing orders.
func (e *Engine) PlaceExit(ctx context.Context, symbol, token string, side types.Side, qty int64, tag string) *types.OrderResponse {
	e.mu.Lock()
	pipeline := e.pipeline
	e.mu.Unlock()
	if pipeline == nil {
		return nil
	}
	resp := pipeline.ExecuteOrder(ctx, execution.ExecRequest{
		Symbol:   symbol,
		Token:    token,
		Side:     side,
		Quantity: qty,
		Tag:      tag,
		IsExit:   true,
	})
	observeOrder(side, resp != nil && resp.Status != types.StatusRejected)
	if resp != nil && e.notifier != nil {
		e.notifier.NotifyOrder(symbol, side, qty, decimal.Zero, tag)
	}
	return resp
}

// WebhookSignal hands an authenticated external signal to the matching
// strategy.
func (e *Engine) WebhookSignal(ctx context.Context, symbol string, side types.Side, price decimal.Decimal) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	rn := e.router.BySymbol(strings.ToUpper(strings.TrimSpace(symbol)))
	if rn == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	rn.ExternalSignal(ctx, side, price)
	return nil
}

// IsRunning reports whether a session is live.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Mode returns PAPER or LIVE.
func (e *Engine) Mode() string {
	if e.cfg.PaperTrading {
		return ModePaper
	}
	return ModeLive
}

// Health summarizes engine, risk, feed and queue state.
func (e *Engine) Health() HealthReport {
	e.mu.Lock()
	running := e.running
	loggedIn := e.loggedIn
	sentinel := e.sentinel
	e.mu.Unlock()

	queues := e.bus.Stats()
	report := HealthReport{
		Running:       running,
		Mode:          e.Mode(),
		RiskStatus:    "UNKNOWN",
		FeedConnected: e.feed.Connected(),
		Breaker:       string(e.orderCB.State()),
		Queues:        queues,
		TicksShed:     e.router.DroppedTicks(),
	}
	for _, rn := range e.router.Runners() {
		if rn.Active() {
			report.ActiveStrategies = append(report.ActiveStrategies, rn.Symbol())
		}
	}
	if sentinel != nil {
		st := sentinel.Snapshot()
		report.RiskStatus = st.Status
		report.KillSwitch = st.KillSwitch
	}

	tickLoad := load(queues.TickQSize, queues.TickQCap)
	orderLoad := load(queues.OrderQSize, queues.OrderQCap)
	switch {
	case !loggedIn || report.KillSwitch || tickLoad > 0.95 || orderLoad > 0.90:
		report.Status = "critical"
	case tickLoad > 0.80 || (running && !report.FeedConnected) || report.Breaker != string(guard.StateClosed):
		report.Status = "degraded"
	default:
		report.Status = "healthy"
	}
	return report
}

// Status returns the per-strategy position book and risk snapshot.
func (e *Engine) Status() StatusReport {
	e.mu.Lock()
	running := e.running
	sentinel := e.sentinel
	pipeline := e.pipeline
	session := e.session
	e.mu.Unlock()

	report := StatusReport{Running: running}
	if session != nil {
		report.Strategy = session.StrategyName
	}
	for _, rn := range e.router.Runners() {
		report.Positions = append(report.Positions, rn.Snapshot())
	}
	if sentinel != nil {
		report.Risk = sentinel.Snapshot()
	}
	if pipeline != nil {
		report.Placed, report.Rejected = pipeline.Stats()
	}
	return report
}

func load(size, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(size) / float64(capacity)
}

// defaultStopFor synthesizes a protective stop for intents that carry none,
// so the sizer always has a risk denominator.
func defaultStopFor(side types.Side, price decimal.Decimal) decimal.Decimal {
	frac := decimal.NewFromFloat(defaultStopFrac)
	if side == types.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Sub(frac))
	}
	return price.Mul(decimal.NewFromInt(1).Add(frac))
}

// ledgerStatus maps a broker wire status onto the ledger's state machine.
func ledgerStatus(wire string) types.OrderStatus {
	switch wire {
	case "COMPLETE", "TRADED", "FILLED":
		return types.StatusComplete
	case "PARTIAL":
		return types.StatusPartial
	case "REJECTED":
		return types.StatusRejected
	case "CANCELLED":
		return types.StatusCancelled
	case "FAILED":
		return types.StatusFailed
	default:
		return types.StatusPlaced
	}
}
