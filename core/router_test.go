package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/strategy"
	"github.com/manavkr/tradepulse/types"
)

var routerBase = time.Date(2026, 8, 25, 9, 15, 0, 0, time.UTC)

func routerTick(min, sec int, price string, cumVol int64) types.Tick {
	return types.Tick{
		Token:     "11536",
		Ltp:       decimal.RequireFromString(price),
		CumVolume: cumVol,
		Ltt:       routerBase.Add(time.Duration(min)*time.Minute + time.Duration(sec)*time.Second),
	}
}

// countingFormula records bar closes and never trades.
type countingFormula struct {
	calls atomic.Int64
}

func (f *countingFormula) Name() string { return "COUNTING" }
func (f *countingFormula) Warmup() int  { return 1 }
func (f *countingFormula) OnBarClose(v strategy.View, bar types.Bar) *types.Intent {
	f.calls.Add(1)
	return nil
}

type nullPlacer struct{}

func (nullPlacer) PlaceEntry(ctx context.Context, symbol, token string, intent types.Intent, lotSize int64) *types.OrderResponse {
	return nil
}

func (nullPlacer) PlaceExit(ctx context.Context, symbol, token string, side types.Side, qty int64, tag string) *types.OrderResponse {
	return nil
}

func newCountingRunner(symbol, token string) (*strategy.Runner, *countingFormula) {
	f := &countingFormula{}
	rn := strategy.NewRunner(strategy.RunnerConfig{
		Symbol:  symbol,
		Token:   token,
		LotSize: 1,
		Formula: f,
		Placer:  nullPlacer{},
	})
	return rn, f
}

func pollUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRouterDeliversTicksInOrder(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	defer r.Clear()
	rn, f := newCountingRunner("TCS", "11536")
	r.Bind(context.Background(), rn)

	r.RouteTick(routerTick(0, 5, "100.00", 1000))
	r.RouteTick(routerTick(0, 40, "101.00", 1100))
	r.RouteTick(routerTick(1, 2, "102.00", 1200))

	pollUntil(t, func() bool { return f.calls.Load() == 1 }, "bar close never reached formula")
	pollUntil(t, func() bool {
		return rn.Snapshot().LastPrice.Equal(decimal.RequireFromString("102.00"))
	}, "last tick not applied")
}

func TestRouterIgnoresUnknownToken(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	defer r.Clear()
	rn, f := newCountingRunner("TCS", "11536")
	r.Bind(context.Background(), rn)

	stray := routerTick(0, 5, "50.00", 10)
	stray.Token = "99999"
	r.RouteTick(stray)

	if delivered := r.RouteOrder(types.OrderUpdate{ExchangeID: "N1", Token: "99999", Status: "COMPLETE"}); delivered {
		t.Fatal("order update for unknown token should not be delivered")
	}
	time.Sleep(30 * time.Millisecond)
	if f.calls.Load() != 0 {
		t.Fatalf("formula called %d times for stray tick", f.calls.Load())
	}
}

func TestRouterOrderUpdateBooksFill(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	defer r.Clear()
	rn, _ := newCountingRunner("TCS", "11536")
	r.Bind(context.Background(), rn)

	delivered := r.RouteOrder(types.OrderUpdate{
		ExchangeID: "N100",
		Token:      "11536",
		Status:     "COMPLETE",
		Side:       types.SideBuy,
		FilledQty:  25,
		AvgPrice:   decimal.RequireFromString("3100"),
	})
	if !delivered {
		t.Fatal("update for bound token should be delivered")
	}
	if got := rn.Position(); got != 25 {
		t.Fatalf("position = %d, want 25", got)
	}
}

func TestRouterClearUnbindsEverything(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	rn, f := newCountingRunner("TCS", "11536")
	r.Bind(context.Background(), rn)
	r.Clear()

	r.RouteTick(routerTick(0, 5, "100.00", 1000))
	r.RouteTick(routerTick(1, 5, "101.00", 1100))
	time.Sleep(30 * time.Millisecond)

	if f.calls.Load() != 0 {
		t.Fatalf("formula called %d times after Clear", f.calls.Load())
	}
	if r.RouteOrder(types.OrderUpdate{ExchangeID: "N1", Token: "11536", Status: "COMPLETE"}) {
		t.Fatal("order routed after Clear")
	}
	if got := len(r.Runners()); got != 0 {
		t.Fatalf("Runners() returned %d after Clear", got)
	}
}

func TestRouterBroadcastTimeForcesBarClose(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	defer r.Clear()
	rn, f := newCountingRunner("TCS", "11536")
	r.Bind(context.Background(), rn)

	r.RouteTick(routerTick(0, 10, "100.00", 1000))
	pollUntil(t, func() bool {
		return rn.Snapshot().LastPrice.Equal(decimal.RequireFromString("100.00"))
	}, "tick never delivered")

	r.BroadcastTime(context.Background(), routerBase.Add(65*time.Second))
	pollUntil(t, func() bool { return f.calls.Load() == 1 }, "heartbeat did not force the bar close")
}

func TestRouterRebindReplacesToken(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	defer r.Clear()
	first, firstF := newCountingRunner("TCS", "11536")
	second, secondF := newCountingRunner("TCS", "11536")
	r.Bind(context.Background(), first)
	r.Bind(context.Background(), second)

	r.RouteTick(routerTick(0, 5, "100.00", 1000))
	r.RouteTick(routerTick(1, 5, "101.00", 1100))

	pollUntil(t, func() bool { return secondF.calls.Load() == 1 }, "replacement runner never saw the bar")
	if firstF.calls.Load() != 0 {
		t.Fatalf("retired runner still called %d times", firstF.calls.Load())
	}
	if got := r.BySymbol("TCS"); got != second {
		t.Fatal("BySymbol should resolve the replacement runner")
	}
	if got := r.ByToken("11536"); got != second {
		t.Fatal("ByToken should resolve the replacement runner")
	}
}
