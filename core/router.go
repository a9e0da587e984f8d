package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manavkr/tradepulse/strategy"
	"github.com/manavkr/tradepulse/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTER - Token → strategy dispatch with per-strategy ordering
// ═══════════════════════════════════════════════════════════════════════════════

// routeDepth bounds each strategy's private tick backlog. A slow strategy
// sheds its own oldest ticks instead of stalling the loop or its neighbors.
const routeDepth = 64

// route owns one strategy's serialized dispatch queue. The worker goroutine
// is the only caller of OnTick, which keeps ticks for a token in arrival
// order without a lock around the strategy itself.
type route struct {
	runner *strategy.Runner
	ticks  chan types.Tick
}

// Router maps instrument tokens to their runners.
type Router struct {
	mu       sync.RWMutex
	byToken  map[string]*route
	bySymbol map[string]*strategy.Runner
	dropped  atomic.Int64
	workers  sync.WaitGroup
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		byToken:  make(map[string]*route),
		bySymbol: make(map[string]*strategy.Runner),
	}
}

// Bind registers a runner and starts its dispatch worker. Rebinding a token
// retires the previous worker after it drains.
func (r *Router) Bind(ctx context.Context, rn *strategy.Runner) {
	rt := &route{runner: rn, ticks: make(chan types.Tick, routeDepth)}

	r.mu.Lock()
	if old, ok := r.byToken[rn.Token()]; ok {
		close(old.ticks)
	}
	r.byToken[rn.Token()] = rt
	r.bySymbol[rn.Symbol()] = rn
	r.mu.Unlock()

	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		for tick := range rt.ticks {
			rn.OnTick(ctx, tick)
		}
	}()
}

// Clear unbinds every runner and waits for the dispatch workers to drain.
func (r *Router) Clear() {
	r.mu.Lock()
	for _, rt := range r.byToken {
		close(rt.ticks)
	}
	r.byToken = make(map[string]*route)
	r.bySymbol = make(map[string]*strategy.Runner)
	r.mu.Unlock()

	r.workers.Wait()
}

// RouteTick enqueues a tick for its token's strategy. Ticks for unknown
// tokens are dropped; a full queue sheds its oldest entry first so the
// freshest print survives.
func (r *Router) RouteTick(tick types.Tick) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.byToken[tick.Token]
	if !ok {
		return
	}
	select {
	case rt.ticks <- tick:
	default:
		select {
		case <-rt.ticks:
			r.dropped.Add(1)
		default:
		}
		select {
		case rt.ticks <- tick:
		default:
			r.dropped.Add(1)
		}
	}
}

// RouteOrder delivers an order update to the owning strategy. The caller is
// the single order loop, so updates stay in arrival order.
func (r *Router) RouteOrder(update types.OrderUpdate) bool {
	r.mu.RLock()
	rt, ok := r.byToken[update.Token]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	rt.runner.OnOrderUpdate(update)
	return true
}

// BroadcastTime fans the heartbeat out to every strategy so stale bars get
// force-closed even when an instrument stops printing.
func (r *Router) BroadcastTime(ctx context.Context, now time.Time) {
	for _, rn := range r.Runners() {
		go rn.OnTimeUpdate(ctx, now)
	}
}

// BySymbol resolves a runner by its trading symbol.
func (r *Router) BySymbol(symbol string) *strategy.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySymbol[symbol]
}

// ByToken resolves a runner by its instrument token.
func (r *Router) ByToken(token string) *strategy.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.byToken[token]; ok {
		return rt.runner
	}
	return nil
}

// Runners returns a snapshot of every bound runner.
func (r *Router) Runners() []*strategy.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*strategy.Runner, 0, len(r.byToken))
	for _, rt := range r.byToken {
		out = append(out, rt.runner)
	}
	return out
}

// DroppedTicks reports how many ticks overflowed per-strategy queues.
func (r *Router) DroppedTicks() int64 {
	return r.dropped.Load()
}
