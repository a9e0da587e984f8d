package strategy

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY CONTRACT - Plug-in formulas behind a uniform runtime
// ═══════════════════════════════════════════════════════════════════════════════
//
// A Formula is the pure decision function: bars in, at most one intent out.
// Everything stateful and dangerous (candle aggregation, position tracking,
// order routing, error containment) lives in the Runner, so a formula bug
// can never take the engine down with it.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Params carries strategy parameters persisted with the engine config.
type Params map[string]string

// Decimal reads a decimal parameter or returns the default.
func (p Params) Decimal(key string, def float64) decimal.Decimal {
	if raw, ok := p[key]; ok {
		if v, err := decimal.NewFromString(raw); err == nil {
			return v
		}
	}
	return decimal.NewFromFloat(def)
}

// Int reads an integer parameter or returns the default.
func (p Params) Int(key string, def int) int {
	if raw, ok := p[key]; ok {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return def
}

// Bool reads a boolean parameter or returns the default.
func (p Params) Bool(key string, def bool) bool {
	if raw, ok := p[key]; ok {
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	}
	return def
}

// View is the read-only runtime snapshot a formula decides on.
type View struct {
	Position int64           // signed net quantity
	AvgPrice decimal.Decimal // zero when flat
	Bars     []types.Bar     // closed bars, oldest first
}

// Formula is the decision function every strategy implements.
type Formula interface {
	// Name returns the registry identifier.
	Name() string

	// Warmup returns how many closed bars the formula needs before its
	// decisions are meaningful. The runner holds back OnBarClose until then.
	Warmup() int

	// OnBarClose inspects the view and the just-closed bar and returns
	// zero or one intent.
	OnBarClose(v View, bar types.Bar) *types.Intent
}

// OrderPlacer turns intents into broker orders. The engine implements it by
// chaining the position sizer, the risk sentinel and the execution pipeline;
// tests substitute a recorder.
type OrderPlacer interface {
	// PlaceEntry sizes and routes a fully gated position-increasing order.
	// A nil response means the risk gate denied it.
	PlaceEntry(ctx context.Context, symbol, token string, intent types.Intent, lotSize int64) *types.OrderResponse

	// PlaceExit routes a position-reducing market order past the
	// concurrency gate.
	PlaceExit(ctx context.Context, symbol, token string, side types.Side, qty int64, tag string) *types.OrderResponse
}

// Factory builds a formula from its persisted parameters.
type Factory func(params Params) (Formula, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a formula factory under its name. Called from init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds a registered formula. Unknown names are a configuration error.
func New(name string, params Params) (Formula, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (have %v)", name, Names())
	}
	return factory(params)
}

// Names lists the registered formulas, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
