package strategy

import (
	"github.com/shopspring/decimal"
)

var (
	defaultTrailActivation = decimal.RequireFromString("0.005") // 0.5% profit arms the trail
	defaultTrailGap        = decimal.RequireFromString("0.003") // 0.3% behind the best price
)

// TrailingStop ratchets an exit level behind the best price once the
// position has moved past the activation threshold. It only ever tightens.
type TrailingStop struct {
	activationPct decimal.Decimal
	gapPct        decimal.Decimal

	entry  decimal.Decimal
	best   decimal.Decimal
	active bool
}

// NewTrailingStop builds a stop with the given activation and gap
// fractions. Zero values fall back to 0.5% / 0.3%.
func NewTrailingStop(activationPct, gapPct decimal.Decimal) *TrailingStop {
	if !activationPct.IsPositive() {
		activationPct = defaultTrailActivation
	}
	if !gapPct.IsPositive() {
		gapPct = defaultTrailGap
	}
	return &TrailingStop{activationPct: activationPct, gapPct: gapPct}
}

// Arm resets the stop for a fresh position at the given entry price.
func (t *TrailingStop) Arm(entry decimal.Decimal) {
	t.entry = entry
	t.best = entry
	t.active = false
}

// Disarm clears the stop when the position is gone.
func (t *TrailingStop) Disarm() {
	t.entry = decimal.Zero
	t.best = decimal.Zero
	t.active = false
}

// Active reports whether the trail has been armed by sufficient profit.
func (t *TrailingStop) Active() bool { return t.active }

// Update feeds one trade print and reports whether the stop is hit.
func (t *TrailingStop) Update(position int64, ltp decimal.Decimal) bool {
	if position == 0 || !t.entry.IsPositive() {
		return false
	}
	one := decimal.NewFromInt(1)

	if position > 0 {
		if !t.active && ltp.GreaterThan(t.entry.Mul(one.Add(t.activationPct))) {
			t.active = true
		}
		if !t.active {
			return false
		}
		if ltp.GreaterThan(t.best) {
			t.best = ltp
		}
		return ltp.LessThan(t.best.Mul(one.Sub(t.gapPct)))
	}

	// Short side mirrors: the best price is the lowest print.
	if !t.active && ltp.LessThan(t.entry.Mul(one.Sub(t.activationPct))) {
		t.active = true
	}
	if !t.active {
		return false
	}
	if ltp.LessThan(t.best) {
		t.best = ltp
	}
	return ltp.GreaterThan(t.best.Mul(one.Add(t.gapPct)))
}
