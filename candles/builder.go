package candles

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CANDLE BUILDER - Per-token minute OHLCV aggregation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Volume policy: the feed reports cumulative day volume, so each tick
// contributes the positive delta against the previous tick. A negative delta
// (feed restart, day rollover) re-bases the counter without contributing.
//
// Not safe for concurrent use; the strategy runner serializes access.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Builder accumulates ticks for one token into minute bars.
type Builder struct {
	token string

	minute time.Time // zero when no bar is open
	open   decimal.Decimal
	high   decimal.Decimal
	low    decimal.Decimal
	close  decimal.Decimal
	volume int64
	dirty  bool

	lastCumVol int64
	haveCumVol bool
}

// NewBuilder creates a builder for one token.
func NewBuilder(token string) *Builder {
	return &Builder{token: token}
}

// Update folds one tick into the current bar. When the tick belongs to a
// later minute than the open bar, the finished bar is returned and a new bar
// is started for the tick's minute; otherwise nil.
func (b *Builder) Update(tick types.Tick) *types.Bar {
	minute := tick.Ltt.Truncate(time.Minute)
	delta := b.volumeDelta(tick.CumVolume)

	var finished *types.Bar

	if b.dirty && minute.After(b.minute) {
		finished = b.snapshot()
		b.reset(minute, tick.Ltp, delta)
		return finished
	}

	if !b.dirty {
		b.reset(minute, tick.Ltp, delta)
		return nil
	}

	if tick.Ltp.GreaterThan(b.high) {
		b.high = tick.Ltp
	}
	if tick.Ltp.LessThan(b.low) {
		b.low = tick.Ltp
	}
	b.close = tick.Ltp
	b.volume += delta

	return nil
}

// ForceClose emits the open bar when the wall clock has moved past its
// minute and no later tick has arrived. No new bar is started; the next tick
// opens one. Returns nil when there is nothing to close.
func (b *Builder) ForceClose(now time.Time) *types.Bar {
	if !b.dirty {
		return nil
	}
	if !now.Truncate(time.Minute).After(b.minute) {
		return nil
	}

	finished := b.snapshot()
	b.minute = time.Time{}
	b.dirty = false
	return finished
}

// Current returns a copy of the in-progress bar, ok=false when none is open.
func (b *Builder) Current() (types.Bar, bool) {
	if !b.dirty {
		return types.Bar{}, false
	}
	return *b.snapshot(), true
}

func (b *Builder) volumeDelta(cumVol int64) int64 {
	if !b.haveCumVol {
		b.haveCumVol = true
		b.lastCumVol = cumVol
		return 0
	}
	delta := cumVol - b.lastCumVol
	b.lastCumVol = cumVol
	if delta < 0 {
		return 0
	}
	return delta
}

func (b *Builder) reset(minute time.Time, ltp decimal.Decimal, volume int64) {
	b.minute = minute
	b.open = ltp
	b.high = ltp
	b.low = ltp
	b.close = ltp
	b.volume = volume
	b.dirty = true
}

func (b *Builder) snapshot() *types.Bar {
	return &types.Bar{
		Token:     b.token,
		StartTime: b.minute,
		Open:      b.open,
		High:      b.high,
		Low:       b.low,
		Close:     b.close,
		Volume:    b.volume,
	}
}
