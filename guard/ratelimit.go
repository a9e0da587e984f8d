package guard

import (
	"context"
	"sync"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER - Token bucket with debt
// ═══════════════════════════════════════════════════════════════════════════════
//
// Unlike a plain bucket that makes callers wait for a token before consuming,
// this one always consumes and lets the balance go negative (debt). A caller
// that drove the balance negative sleeps off its own share of the debt
// OUTSIDE the lock, so concurrent callers can queue their own debt in
// parallel instead of serializing behind one sleeper.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Limiter is a token bucket with debt.
type Limiter struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens per second
	last     time.Time
}

// NewLimiter creates a limiter that refills at rate tokens/sec up to capacity.
// The bucket starts full.
func NewLimiter(rate, capacity float64) *Limiter {
	return &Limiter{
		tokens:   capacity,
		capacity: capacity,
		rate:     rate,
		last:     time.Now(),
	}
}

// Acquire consumes one token, sleeping off any debt it incurred. Returns early
// with the context error if ctx is cancelled during the sleep.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()

	now := time.Now()
	elapsed := now.Sub(l.last).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > l.capacity {
		l.tokens = l.capacity
	}
	l.last = now

	l.tokens--

	var wait time.Duration
	if l.tokens < 0 {
		wait = time.Duration(-l.tokens / l.rate * float64(time.Second))
	}

	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Tokens returns the current balance (may be negative while in debt).
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := time.Since(l.last).Seconds()
	tokens := l.tokens + elapsed*l.rate
	if tokens > l.capacity {
		tokens = l.capacity
	}
	return tokens
}
