package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK SENTINEL - Pre-trade gate, post-trade reconciliation, kill switch
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrKillSwitch means the latching kill switch is on; no entries today.
	ErrKillSwitch = errors.New("kill switch active")
	// ErrDailyLoss means net PnL has breached the daily loss limit.
	ErrDailyLoss = errors.New("daily loss limit reached")
	// ErrSlotsFull means the concurrent-trade ceiling is reached.
	ErrSlotsFull = errors.New("max open trades reached")
)

// PositionFetcher returns the broker's current position book. The engine
// wires it through the offload pool and the positions circuit breaker.
type PositionFetcher func(ctx context.Context) ([]types.BrokerPosition, error)

// State is the sentinel snapshot served on /status and persisted under the
// current_state config key.
type State struct {
	NetPnl           decimal.Decimal `json:"net_pnl"`
	GrossPnl         decimal.Decimal `json:"gross_pnl"`
	EstCharges       decimal.Decimal `json:"est_charges"`
	Turnover         decimal.Decimal `json:"turnover"`
	OpenTrades       int             `json:"open_trades"`
	TradesToday      int             `json:"trades_today"`
	PeakEquity       decimal.Decimal `json:"peak_equity"`
	TotalCapital     decimal.Decimal `json:"total_capital"`
	AvailableCapital decimal.Decimal `json:"available_capital"`
	MaxDailyLoss     decimal.Decimal `json:"max_daily_loss"`
	MaxOpenTrades    int             `json:"max_open_trades"`
	KillSwitch       bool            `json:"kill_switch"`
	Status           string          `json:"status"` // ACTIVE or HALTED
}

// Sentinel enforces day-scoped loss and concurrency limits. One mutex
// serializes every mutation; broker truth arrives via SyncState and wins
// over the optimistic in-memory counters.
type Sentinel struct {
	mu sync.Mutex

	totalCapital     decimal.Decimal
	availableCapital decimal.Decimal
	maxDailyLoss     decimal.Decimal
	maxOpenTrades    int
	chargeFactor     decimal.Decimal

	killSwitch  bool
	grossPnl    decimal.Decimal
	estCharges  decimal.Decimal
	netPnl      decimal.Decimal
	turnover    decimal.Decimal
	peakEquity  decimal.Decimal
	openTrades  int
	tradesToday int

	fetch PositionFetcher
}

// NewSentinel creates a sentinel with a clean day. maxDailyLoss is an
// absolute rupee amount, not a fraction.
func NewSentinel(totalCapital, maxDailyLoss decimal.Decimal, maxOpenTrades int, fetch PositionFetcher) *Sentinel {
	return &Sentinel{
		totalCapital:     totalCapital,
		availableCapital: totalCapital,
		maxDailyLoss:     maxDailyLoss,
		maxOpenTrades:    maxOpenTrades,
		chargeFactor:     DefaultChargeFactor,
		fetch:            fetch,
	}
}

// SetChargeFactor overrides the blended intraday charge factor.
func (s *Sentinel) SetChargeFactor(factor decimal.Decimal) {
	s.mu.Lock()
	s.chargeFactor = factor
	s.mu.Unlock()
}

// SetAvailableCapital overrides deployable capital, used at boot when the
// broker's margin limits are authoritative.
func (s *Sentinel) SetAvailableCapital(available decimal.Decimal) {
	s.mu.Lock()
	s.availableCapital = available
	s.mu.Unlock()
}

// SyncState recomputes PnL, turnover and open-trade count from the broker's
// position book. This is the restart-safe source of truth: optimistic
// counters drift, broker rows do not.
func (s *Sentinel) SyncState(ctx context.Context) error {
	positions, err := s.fetch(ctx)
	if err != nil {
		return fmt.Errorf("sync positions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	gross := decimal.Zero
	turnover := decimal.Zero
	open := 0
	for _, p := range positions {
		gross = gross.Add(p.RealizedPnl)
		turnover = turnover.Add(p.BuyAmount.Abs()).Add(p.SellAmount.Abs())
		if p.NetQty != 0 {
			open++
		}
	}

	s.grossPnl = gross
	s.turnover = turnover
	s.openTrades = open
	s.estCharges = turnover.Mul(s.chargeFactor)
	s.netPnl = gross.Sub(s.estCharges)
	s.availableCapital = s.totalCapital.Add(s.netPnl)
	if s.netPnl.GreaterThan(s.peakEquity) {
		s.peakEquity = s.netPnl
	}

	if !s.killSwitch && s.netPnl.LessThanOrEqual(s.maxDailyLoss.Neg()) {
		s.killSwitch = true
		log.Error().
			Str("net_pnl", s.netPnl.StringFixed(2)).
			Str("limit", s.maxDailyLoss.StringFixed(2)).
			Msg("💀 Daily loss limit breached during sync, kill switch ON")
	}

	log.Info().
		Str("net_pnl", s.netPnl.StringFixed(2)).
		Str("turnover", s.turnover.StringFixed(0)).
		Int("open_trades", s.openTrades).
		Msg("🛡️ Risk state synced")
	return nil
}

// CheckPreTrade gates one entry order. nil means allowed; a slot is then
// reserved optimistically and must be released via OnExecutionFailure if the
// broker rejects the order.
func (s *Sentinel) CheckPreTrade(symbol string, qty int64, notional decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.killSwitch {
		log.Warn().Str("symbol", symbol).Msg("⛔ Kill switch active, trade rejected")
		return ErrKillSwitch
	}
	if s.netPnl.LessThanOrEqual(s.maxDailyLoss.Neg()) {
		log.Error().
			Str("net_pnl", s.netPnl.StringFixed(2)).
			Msg("🛑 Max daily loss hit, trade rejected")
		return ErrDailyLoss
	}
	if s.openTrades >= s.maxOpenTrades {
		log.Warn().
			Int("open", s.openTrades).
			Int("max", s.maxOpenTrades).
			Msg("🛑 Max open trades reached")
		return ErrSlotsFull
	}

	s.openTrades++
	s.tradesToday++
	log.Debug().
		Str("symbol", symbol).
		Int64("qty", qty).
		Str("notional", notional.StringFixed(0)).
		Int("slot", s.openTrades).
		Msg("Slot reserved")
	return nil
}

// KillSwitchActive is the reduced gate for exits: covering an open position
// stays allowed when slots or daily loss would block a fresh entry.
func (s *Sentinel) KillSwitchActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killSwitch
}

// TripKillSwitch latches the switch manually (panic square-off).
func (s *Sentinel) TripKillSwitch(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.killSwitch {
		s.killSwitch = true
		log.Error().Str("reason", reason).Msg("💀 Kill switch tripped")
	}
}

// OnExecutionFailure releases one optimistic reservation after a broker
// reject. One call per execution chain, not per leg.
func (s *Sentinel) OnExecutionFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openTrades > 0 {
		s.openTrades--
	}
	if s.tradesToday > 0 {
		s.tradesToday--
	}
	log.Info().Msg("⏪ Risk slot rolled back")
}

// OnTradeClose folds a realized PnL into the day and frees the slot.
func (s *Sentinel) OnTradeClose(pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.netPnl = s.netPnl.Add(pnl)
	s.availableCapital = s.totalCapital.Add(s.netPnl)
	if s.openTrades > 0 {
		s.openTrades--
	}
	if s.netPnl.GreaterThan(s.peakEquity) {
		s.peakEquity = s.netPnl
	}

	log.Info().
		Str("pnl", pnl.StringFixed(2)).
		Str("daily_net", s.netPnl.StringFixed(2)).
		Int("open_trades", s.openTrades).
		Msg("📉 Trade closed")

	if !s.killSwitch && s.netPnl.LessThanOrEqual(s.maxDailyLoss.Neg()) {
		s.killSwitch = true
		log.Error().Msg("💀 DAILY LOSS LIMIT BREACHED, kill switch ON")
	}
}

// DailyReset starts a fresh day. openTrades is deliberately left alone:
// carryover positions are re-derived by the next SyncState, and zeroing the
// counter here would let the engine forget them.
func (s *Sentinel) DailyReset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grossPnl = decimal.Zero
	s.netPnl = decimal.Zero
	s.estCharges = decimal.Zero
	s.turnover = decimal.Zero
	s.peakEquity = decimal.Zero
	s.tradesToday = 0
	s.killSwitch = false
	s.availableCapital = s.totalCapital
	log.Info().Msg("🌅 Risk state reset for new day")
}

// Capital returns (total, available) for the sizer.
func (s *Sentinel) Capital() (decimal.Decimal, decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalCapital, s.availableCapital
}

// OpenSlots returns how many concurrent-trade slots remain free.
func (s *Sentinel) OpenSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := s.maxOpenTrades - s.openTrades
	if free < 0 {
		return 0
	}
	return free
}

// MaxSlots returns the configured concurrent-trade ceiling.
func (s *Sentinel) MaxSlots() int {
	return s.maxOpenTrades
}

// Snapshot returns the current state for status surfaces and persistence.
func (s *Sentinel) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := "ACTIVE"
	if s.killSwitch {
		status = "HALTED"
	}
	return State{
		NetPnl:           s.netPnl,
		GrossPnl:         s.grossPnl,
		EstCharges:       s.estCharges,
		Turnover:         s.turnover,
		OpenTrades:       s.openTrades,
		TradesToday:      s.tradesToday,
		PeakEquity:       s.peakEquity,
		TotalCapital:     s.totalCapital,
		AvailableCapital: s.availableCapital,
		MaxDailyLoss:     s.maxDailyLoss,
		MaxOpenTrades:    s.maxOpenTrades,
		KillSwitch:       s.killSwitch,
		Status:           status,
	}
}

// Restore rehydrates persisted state after a restart, before the first
// SyncState refines it with broker truth.
func (s *Sentinel) Restore(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.netPnl = st.NetPnl
	s.grossPnl = st.GrossPnl
	s.estCharges = st.EstCharges
	s.turnover = st.Turnover
	s.openTrades = st.OpenTrades
	s.tradesToday = st.TradesToday
	s.peakEquity = st.PeakEquity
	s.killSwitch = st.KillSwitch
	if !st.AvailableCapital.IsZero() {
		s.availableCapital = st.AvailableCapital
	}
	log.Info().
		Str("net_pnl", s.netPnl.StringFixed(2)).
		Bool("kill_switch", s.killSwitch).
		Msg("🛡️ Risk state restored from ledger")
}
