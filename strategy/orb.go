package strategy

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OPENING RANGE BREAKOUT - Trade the break of the first N minutes
// ═══════════════════════════════════════════════════════════════════════════════
//
// Range: high/low of the first range_minutes of bars (default 15).
// Long when close breaks range high + breakout_pct, short on the mirror.
// Exits on take_profit_pct / stop_loss_pct against the entry.
//
// ═══════════════════════════════════════════════════════════════════════════════

const orbName = "ORB"

func init() {
	Register(orbName, NewORB)
}

// ORB is the opening-range breakout formula.
type ORB struct {
	rangeMinutes  int
	breakoutPct   decimal.Decimal
	stopLossPct   decimal.Decimal
	takeProfitPct decimal.Decimal

	rangeStart  time.Time
	rangeHigh   decimal.Decimal
	rangeLow    decimal.Decimal
	established bool
}

// NewORB builds the formula from persisted parameters.
func NewORB(params Params) (Formula, error) {
	return &ORB{
		rangeMinutes:  params.Int("range_minutes", 15),
		breakoutPct:   params.Decimal("breakout_pct", 0.003),
		stopLossPct:   params.Decimal("stop_loss_pct", 0.004),
		takeProfitPct: params.Decimal("take_profit_pct", 0.007),
	}, nil
}

func (s *ORB) Name() string { return orbName }

func (s *ORB) Warmup() int { return 1 }

func (s *ORB) OnBarClose(v View, bar types.Bar) *types.Intent {
	one := decimal.NewFromInt(1)

	if !s.established {
		if s.rangeStart.IsZero() {
			s.rangeStart = bar.StartTime
			s.rangeHigh = bar.High
			s.rangeLow = bar.Low
			log.Info().
				Str("token", bar.Token).
				Str("open", bar.Close.StringFixed(2)).
				Msg("📍 Opening range started")
			return nil
		}
		if bar.StartTime.Sub(s.rangeStart) < time.Duration(s.rangeMinutes)*time.Minute {
			s.rangeHigh = decimal.Max(s.rangeHigh, bar.High)
			s.rangeLow = decimal.Min(s.rangeLow, bar.Low)
			return nil
		}
		s.established = true
		log.Info().
			Str("token", bar.Token).
			Str("high", s.rangeHigh.StringFixed(2)).
			Str("low", s.rangeLow.StringFixed(2)).
			Str("width", s.rangeHigh.Sub(s.rangeLow).StringFixed(2)).
			Msg("✅ Opening range established")
	}

	close := bar.Close

	if v.Position == 0 {
		breakHigh := s.rangeHigh.Mul(one.Add(s.breakoutPct))
		breakLow := s.rangeLow.Mul(one.Sub(s.breakoutPct))

		if close.GreaterThan(breakHigh) {
			log.Info().
				Str("close", close.StringFixed(2)).
				Str("range_high", s.rangeHigh.StringFixed(2)).
				Msg("🚀 ORB breakout up")
			return &types.Intent{
				Side:       types.SideBuy,
				Price:      close,
				StopLoss:   close.Mul(one.Sub(s.stopLossPct)),
				Confidence: one,
				Tag:        "ORB_BREAKOUT",
			}
		}
		if close.LessThan(breakLow) {
			log.Info().
				Str("close", close.StringFixed(2)).
				Str("range_low", s.rangeLow.StringFixed(2)).
				Msg("🔻 ORB breakdown")
			return &types.Intent{
				Side:       types.SideSell,
				Price:      close,
				StopLoss:   close.Mul(one.Add(s.stopLossPct)),
				Confidence: one,
				Tag:        "ORB_BREAKDOWN",
			}
		}
		return nil
	}

	// Positioned: exit on fixed profit target or stop.
	if !v.AvgPrice.IsPositive() {
		return nil
	}
	var pnlPct decimal.Decimal
	exitSide := types.SideSell
	if v.Position > 0 {
		pnlPct = close.Sub(v.AvgPrice).Div(v.AvgPrice)
	} else {
		pnlPct = v.AvgPrice.Sub(close).Div(v.AvgPrice)
		exitSide = types.SideBuy
	}

	if pnlPct.GreaterThanOrEqual(s.takeProfitPct) {
		log.Info().
			Str("entry", v.AvgPrice.StringFixed(2)).
			Str("close", close.StringFixed(2)).
			Msg("💰 ORB take profit")
		return &types.Intent{Side: exitSide, Price: close, Confidence: one, Tag: "ORB_TP"}
	}
	if pnlPct.LessThanOrEqual(s.stopLossPct.Neg()) {
		log.Warn().
			Str("entry", v.AvgPrice.StringFixed(2)).
			Str("close", close.StringFixed(2)).
			Msg("🛑 ORB stop loss")
		return &types.Intent{Side: exitSide, Price: close, Confidence: one, Tag: "ORB_SL"}
	}
	return nil
}
