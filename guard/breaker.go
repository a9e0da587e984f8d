package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Fail-fast protection for broker calls
// ═══════════════════════════════════════════════════════════════════════════════
//
// Three states:
//   CLOSED    → calls pass; failures counted; threshold trips to OPEN
//   OPEN      → calls fail fast until recoveryTimeout elapses
//   HALF_OPEN → exactly one probe call allowed; everyone else fails fast
//
// The half-open probe is strict: while one caller is probing, concurrent
// callers get ErrCircuitOpen ("probe in progress") instead of piling onto a
// possibly-still-broken upstream.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrCircuitOpen is returned when the breaker refuses a call.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState is the breaker's current position.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// Breaker is a three-state circuit breaker with a single-probe half-open.
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewBreaker creates a circuit breaker. Broker write paths use threshold 3 /
// 30s recovery; read paths 5 / 60s.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		state:            StateClosed,
	}
}

// Call runs fn under the breaker's state machine. fn is executed outside the
// breaker lock; blocking SDK work inside fn should go through an Offload.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	probe, err := b.beforeCall()
	if err != nil {
		return nil, err
	}

	result, err := fn(ctx)
	b.afterCall(err, probe)
	return result, err
}

// beforeCall decides, under the lock, whether this call may proceed and
// whether it is the half-open probe.
func (b *Breaker) beforeCall() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if time.Since(b.lastFailure) < b.recoveryTimeout {
			return false, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		// Recovery window elapsed: this caller becomes the probe.
		b.state = StateHalfOpen
		b.probing = true
		log.Warn().Str("breaker", b.name).Msg("🔎 Circuit HALF_OPEN, probing")
		return true, nil

	case StateHalfOpen:
		if b.probing {
			return false, fmt.Errorf("%s: probe in progress: %w", b.name, ErrCircuitOpen)
		}
		// Probe slot free (previous probe finished while we waited on the
		// lock); take it.
		b.probing = true
		return true, nil
	}

	return false, nil
}

// afterCall applies the outcome to the state machine.
func (b *Breaker) afterCall(callErr error, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
		if callErr != nil {
			b.state = StateOpen
			b.lastFailure = time.Now()
			log.Warn().Str("breaker", b.name).Err(callErr).Msg("🚨 Probe failed, circuit OPEN")
			return
		}
		b.state = StateClosed
		b.failures = 0
		log.Info().Str("breaker", b.name).Msg("✅ Probe succeeded, circuit CLOSED")
		return
	}

	if b.state != StateClosed {
		return
	}

	if callErr == nil {
		b.failures = 0
		return
	}

	b.failures++
	if b.failures >= b.failureThreshold {
		b.state = StateOpen
		b.lastFailure = time.Now()
		log.Warn().
			Str("breaker", b.name).
			Int("failures", b.failures).
			Dur("recovery", b.recoveryTimeout).
			Msg("🚨 CIRCUIT OPEN")
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns the breaker position for health reporting.
func (b *Breaker) Stats() (state BreakerState, failures int, lastFailure time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures, b.lastFailure
}
