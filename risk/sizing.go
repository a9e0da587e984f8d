package risk

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION SIZING - Slot-partitioned, risk-capped quantity
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two ceilings, take the lower:
// - Capital:  fair share per slot, scaled by signal confidence
// - Risk:     (capital * risk_pct) / distance to stop
//
// This ensures:
// - Wider stops = smaller positions
// - Tighter stops = larger positions, capped by the slot allocation
// - One runaway signal can never absorb the whole account
//
// ═══════════════════════════════════════════════════════════════════════════════

// tightStopFloor guards against absurd size when entry and stop are nearly
// equal. Below it the stop is assumed fake and risk falls back to 0.5% of
// entry.
var tightStopFloor = decimal.RequireFromString("0.05")

// Sizer converts capital, slots and stop distance into a quantity.
type Sizer struct {
	riskPerTrade decimal.Decimal // fraction of total capital risked per trade
	leverage     decimal.Decimal
}

// NewSizer creates a sizer. Zero or negative leverage means 1x.
func NewSizer(riskPerTrade, leverage decimal.Decimal) *Sizer {
	if leverage.LessThanOrEqual(decimal.Zero) {
		leverage = decimal.NewFromInt(1)
	}
	return &Sizer{riskPerTrade: riskPerTrade, leverage: leverage}
}

// SizeRequest carries everything one sizing decision needs.
type SizeRequest struct {
	TotalCapital     decimal.Decimal
	AvailableCapital decimal.Decimal
	MaxSlots         int
	OpenSlots        int // free slots remaining, including the one being sized
	Entry            decimal.Decimal
	StopLoss         decimal.Decimal
	LotSize          int64
	Confidence       decimal.Decimal // 0.5 .. 2.0, zero treated as 1
}

// Qty returns the tradable quantity: the lesser of the capital-limited and
// risk-limited sizes, floored to a whole lot. Zero means do not trade.
func (s *Sizer) Qty(req SizeRequest) int64 {
	if req.Entry.LessThanOrEqual(decimal.Zero) || req.StopLoss.LessThanOrEqual(decimal.Zero) {
		log.Error().Msg("❌ Sizer: invalid prices")
		return 0
	}
	if req.MaxSlots <= 0 {
		return 0
	}

	confidence := req.Confidence
	if confidence.LessThanOrEqual(decimal.Zero) {
		confidence = decimal.NewFromInt(1)
	}
	lotSize := req.LotSize
	if lotSize <= 0 {
		lotSize = 1
	}

	slotAllocation := req.TotalCapital.Div(decimal.NewFromInt(int64(req.MaxSlots)))
	adjusted := slotAllocation.Mul(confidence)

	// With spare slots the confidence-scaled allocation may run ahead of
	// the fair share; on the last slot it may not.
	var maxAllowedCap decimal.Decimal
	if req.OpenSlots > 1 {
		maxAllowedCap = decimal.Min(adjusted, req.AvailableCapital)
	} else {
		maxAllowedCap = decimal.Min(slotAllocation, req.AvailableCapital)
	}

	qtyByCap := maxAllowedCap.Mul(s.leverage).Div(req.Entry)

	riskAmount := req.TotalCapital.Mul(s.riskPerTrade)
	riskPerShare := req.Entry.Sub(req.StopLoss).Abs()
	if riskPerShare.LessThanOrEqual(tightStopFloor) {
		riskPerShare = req.Entry.Mul(decimal.RequireFromString("0.005"))
	}
	qtyByRisk := riskAmount.Div(riskPerShare)

	raw := decimal.Min(qtyByCap, qtyByRisk)

	lot := decimal.NewFromInt(lotSize)
	qty := raw.Div(lot).Floor().Mul(lot)
	if qty.LessThanOrEqual(decimal.Zero) {
		return 0
	}

	log.Info().
		Str("cap_limit", maxAllowedCap.StringFixed(0)).
		Str("risk_limit", riskAmount.StringFixed(0)).
		Str("confidence", confidence.String()).
		Int64("qty", qty.IntPart()).
		Msg("🧮 Sized")

	return qty.IntPart()
}
