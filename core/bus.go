package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT BUS - Bounded queues with differentiated backpressure
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two queues, two policies:
//   tickQ  → lossy. A stale tick is worthless; when full, the oldest is
//            dropped and counted.
//   orderQ → loss is unacceptable. The producer waits up to the put timeout
//            and a timeout is reported loudly.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrOrderQueueFull is returned when an order update cannot be enqueued
// within the bounded wait.
var ErrOrderQueueFull = errors.New("order queue full")

// Default queue geometry.
const (
	DefaultTickQueueCap    = 1000
	DefaultOrderQueueCap   = 100
	DefaultOrderPutTimeout = 5 * time.Second
)

// Bus is the in-process event bus joining the feed to the engine loops.
// It is the only channel between the socket goroutine and the core.
type Bus struct {
	tickQ  chan types.Tick
	orderQ chan types.OrderUpdate

	putTimeout time.Duration

	ticksDropped   atomic.Int64
	ordersEnqueued atomic.Int64
}

// NewBus creates a bus. Zero or negative arguments select the defaults.
func NewBus(tickCap, orderCap int, putTimeout time.Duration) *Bus {
	if tickCap <= 0 {
		tickCap = DefaultTickQueueCap
	}
	if orderCap <= 0 {
		orderCap = DefaultOrderQueueCap
	}
	if putTimeout <= 0 {
		putTimeout = DefaultOrderPutTimeout
	}
	return &Bus{
		tickQ:      make(chan types.Tick, tickCap),
		orderQ:     make(chan types.OrderUpdate, orderCap),
		putTimeout: putTimeout,
	}
}

// PublishTick enqueues a tick, evicting the oldest one when the queue is
// full. Never blocks; safe from any goroutine.
func (b *Bus) PublishTick(tick types.Tick) {
	for {
		select {
		case b.tickQ <- tick:
			return
		default:
		}

		// Queue full: drop the oldest and retry.
		select {
		case <-b.tickQ:
			b.ticksDropped.Add(1)
		default:
		}
	}
}

// PublishOrder enqueues an order update, waiting up to the put timeout when
// the queue is full. A timeout means an update was lost, which the order
// ledger cannot self-heal from, so it is logged at error level.
func (b *Bus) PublishOrder(ctx context.Context, update types.OrderUpdate) error {
	select {
	case b.orderQ <- update:
		b.ordersEnqueued.Add(1)
		return nil
	default:
	}

	timer := time.NewTimer(b.putTimeout)
	defer timer.Stop()

	select {
	case b.orderQ <- update:
		b.ordersEnqueued.Add(1)
		return nil
	case <-timer.C:
		log.Error().
			Str("exchange_id", update.ExchangeID).
			Str("status", update.Status).
			Dur("timeout", b.putTimeout).
			Msg("🚨 Order queue saturated, update lost")
		return ErrOrderQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextTick waits up to wait for a tick. ok is false on timeout or cancel.
func (b *Bus) NextTick(ctx context.Context, wait time.Duration) (types.Tick, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case tick := <-b.tickQ:
		return tick, true
	case <-timer.C:
		return types.Tick{}, false
	case <-ctx.Done():
		return types.Tick{}, false
	}
}

// NextOrder waits up to wait for an order update. ok is false on timeout or
// cancel.
func (b *Bus) NextOrder(ctx context.Context, wait time.Duration) (types.OrderUpdate, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case update := <-b.orderQ:
		return update, true
	case <-timer.C:
		return types.OrderUpdate{}, false
	case <-ctx.Done():
		return types.OrderUpdate{}, false
	}
}

// Stats returns the backpressure snapshot for health reporting.
func (b *Bus) Stats() types.QueueStats {
	return types.QueueStats{
		TickQSize:      len(b.tickQ),
		TickQCap:       cap(b.tickQ),
		TicksDropped:   b.ticksDropped.Load(),
		OrderQSize:     len(b.orderQ),
		OrderQCap:      cap(b.orderQ),
		OrdersEnqueued: b.ordersEnqueued.Load(),
	}
}
