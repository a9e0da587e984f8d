package strategy

import (
	"math"

	"github.com/manavkr/tradepulse/types"
)

// Indicator math runs on float64: formulas compare the results against
// decimal prices only at the decision edge, so float noise never reaches
// order quantities or the ledger.

// Closes extracts close prices, oldest first.
func Closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// EMA calculates an exponential moving average seeded with the SMA of the
// first period values.
func EMA(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) < period {
		return average(values)
	}
	multiplier := 2.0 / float64(period+1)
	ema := average(values[:period])
	for i := period; i < len(values); i++ {
		ema = (values[i]-ema)*multiplier + ema
	}
	return ema
}

// SMA calculates a simple moving average over the trailing period.
func SMA(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) < period {
		return average(values)
	}
	return average(values[len(values)-period:])
}

// RSI calculates the Relative Strength Index with Wilder's smoothing.
// Returns the neutral 50 until enough data has arrived.
func RSI(values []float64, period int) float64 {
	if len(values) < period+1 {
		return 50
	}

	gains := make([]float64, 0, len(values)-1)
	losses := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, -change)
		}
	}

	avgGain := average(gains[:period])
	avgLoss := average(losses[:period])
	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ATR calculates the Average True Range over closed bars.
func ATR(bars []types.Bar, period int) float64 {
	if len(bars) < period+1 {
		return 0
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		high := bars[i].High.InexactFloat64()
		low := bars[i].Low.InexactFloat64()
		prevClose := bars[i-1].Close.InexactFloat64()
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trs = append(trs, tr)
	}
	return SMA(trs, period)
}

// VWAP calculates the volume-weighted average price of the session so far.
func VWAP(bars []types.Bar) float64 {
	var pv, vol float64
	for _, b := range bars {
		v := float64(b.Volume)
		pv += b.Close.InexactFloat64() * v
		vol += v
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// Momentum returns the percentage change over the trailing period.
func Momentum(values []float64, period int) float64 {
	if len(values) <= period {
		return 0
	}
	current := values[len(values)-1]
	previous := values[len(values)-1-period]
	if previous == 0 {
		return 0
	}
	return (current - previous) / previous * 100
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
