package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/manavkr/tradepulse/types"
)

func tickN(n int) types.Tick {
	return types.Tick{
		Token: fmt.Sprintf("%d", n),
		Ltp:   decimal.NewFromInt(100),
		Ltt:   time.Now(),
	}
}

func TestBusDropsOldestUnderSaturation(t *testing.T) {
	t.Parallel()

	b := NewBus(10, 5, 0)

	for i := 0; i < 25; i++ {
		b.PublishTick(tickN(i))
	}

	stats := b.Stats()
	if stats.TickQSize > stats.TickQCap {
		t.Fatalf("queue depth %d exceeds capacity %d", stats.TickQSize, stats.TickQCap)
	}
	if stats.TicksDropped != 15 {
		t.Fatalf("ticksDropped = %d, want 15", stats.TicksDropped)
	}

	// Survivors are the newest 10 in publish order.
	first, ok := b.NextTick(context.Background(), 10*time.Millisecond)
	if !ok {
		t.Fatal("expected a tick")
	}
	if first.Token != "15" {
		t.Fatalf("first surviving tick = %s, want 15", first.Token)
	}
}

func TestBusDropCounterMonotonic(t *testing.T) {
	t.Parallel()

	b := NewBus(2, 2, 0)

	b.PublishTick(tickN(0))
	b.PublishTick(tickN(1))
	before := b.Stats().TicksDropped

	b.PublishTick(tickN(2))
	after := b.Stats().TicksDropped

	if after <= before {
		t.Fatalf("ticksDropped did not increase on overflow: %d -> %d", before, after)
	}
}

func TestBusOrderRoundTrip(t *testing.T) {
	t.Parallel()

	b := NewBus(2, 2, 0)
	ctx := context.Background()

	update := types.OrderUpdate{ExchangeID: "X1", Status: "complete", FilledQty: 10}
	if err := b.PublishOrder(ctx, update); err != nil {
		t.Fatal(err)
	}

	got, ok := b.NextOrder(ctx, 50*time.Millisecond)
	if !ok {
		t.Fatal("expected an order update")
	}
	if got.ExchangeID != "X1" || got.FilledQty != 10 {
		t.Fatalf("got %+v", got)
	}
	if b.Stats().OrdersEnqueued != 1 {
		t.Fatalf("ordersEnqueued = %d, want 1", b.Stats().OrdersEnqueued)
	}
}

func TestBusOrderPutTimesOutWhenFull(t *testing.T) {
	t.Parallel()

	b := NewBus(2, 1, 50*time.Millisecond)
	ctx := context.Background()

	if err := b.PublishOrder(ctx, types.OrderUpdate{ExchangeID: "A"}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err := b.PublishOrder(ctx, types.OrderUpdate{ExchangeID: "B"})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrOrderQueueFull) {
		t.Fatalf("err = %v, want ErrOrderQueueFull", err)
	}
	if elapsed < 40*time.Millisecond {
		t.Fatalf("returned in %v, want a bounded wait first", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("waited %v, want ~50ms bound", elapsed)
	}
}

func TestBusNextTickTimeout(t *testing.T) {
	t.Parallel()

	b := NewBus(2, 2, 0)

	start := time.Now()
	_, ok := b.NextTick(context.Background(), 30*time.Millisecond)
	if ok {
		t.Fatal("expected timeout on empty queue")
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("timed out in %v, want ~30ms", elapsed)
	}
}
