package strategy

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EMA CROSS - Fast/slow exponential moving average crossover
// ═══════════════════════════════════════════════════════════════════════════════
//
// Long when the fast EMA crosses above the slow, short on the mirror cross.
// The opposite cross exits (and flips are left to the next bar so every
// trade is a clean round trip).
//
// ═══════════════════════════════════════════════════════════════════════════════

const emaCrossName = "EMA_CROSS"

func init() {
	Register(emaCrossName, NewEMACross)
}

// EMACross is the moving-average crossover formula.
type EMACross struct {
	fast        int
	slow        int
	stopLossPct decimal.Decimal

	prevDiff float64
	havePrev bool
}

// NewEMACross builds the formula from persisted parameters.
func NewEMACross(params Params) (Formula, error) {
	fast := params.Int("fast_period", 9)
	slow := params.Int("slow_period", 21)
	if fast >= slow {
		fast, slow = 9, 21
	}
	return &EMACross{
		fast:        fast,
		slow:        slow,
		stopLossPct: params.Decimal("stop_loss_pct", 0.004),
	}, nil
}

func (s *EMACross) Name() string { return emaCrossName }

func (s *EMACross) Warmup() int { return s.slow + 1 }

func (s *EMACross) OnBarClose(v View, bar types.Bar) *types.Intent {
	closes := Closes(v.Bars)
	diff := EMA(closes, s.fast) - EMA(closes, s.slow)

	prevDiff, had := s.prevDiff, s.havePrev
	s.prevDiff, s.havePrev = diff, true
	if !had {
		return nil
	}

	crossedUp := prevDiff <= 0 && diff > 0
	crossedDown := prevDiff >= 0 && diff < 0
	if !crossedUp && !crossedDown {
		return nil
	}

	one := decimal.NewFromInt(1)
	close := bar.Close

	if v.Position == 0 {
		if crossedUp {
			log.Info().Str("close", close.StringFixed(2)).Msg("🚀 EMA cross up")
			return &types.Intent{
				Side:       types.SideBuy,
				Price:      close,
				StopLoss:   close.Mul(one.Sub(s.stopLossPct)),
				Confidence: one,
				Tag:        "EMA_CROSS_LONG",
			}
		}
		log.Info().Str("close", close.StringFixed(2)).Msg("🔻 EMA cross down")
		return &types.Intent{
			Side:       types.SideSell,
			Price:      close,
			StopLoss:   close.Mul(one.Add(s.stopLossPct)),
			Confidence: one,
			Tag:        "EMA_CROSS_SHORT",
		}
	}

	if v.Position > 0 && crossedDown {
		return &types.Intent{Side: types.SideSell, Price: close, Confidence: one, Tag: "EMA_CROSS_EXIT"}
	}
	if v.Position < 0 && crossedUp {
		return &types.Intent{Side: types.SideBuy, Price: close, Confidence: one, Tag: "EMA_CROSS_EXIT"}
	}
	return nil
}
