package guard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func failing(ctx context.Context) (any, error) { return nil, errBoom }
func succeeding(ctx context.Context) (any, error) { return "ok", nil }

func TestBreakerOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker("test", 2, time.Minute)
	ctx := context.Background()

	if _, err := b.Call(ctx, failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected underlying error, got %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after 1 failure = %s, want CLOSED", got)
	}

	if _, err := b.Call(ctx, failing); !errors.Is(err, errBoom) {
		t.Fatalf("expected underlying error, got %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after threshold = %s, want OPEN", got)
	}

	// Fail-fast: fn must not run while OPEN.
	ran := false
	_, err := b.Call(ctx, func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if ran {
		t.Fatal("fn ran while circuit was open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := NewBreaker("test", 3, time.Minute)
	ctx := context.Background()

	b.Call(ctx, failing)
	b.Call(ctx, failing)
	b.Call(ctx, succeeding)

	_, failures, _ := b.Stats()
	if failures != 0 {
		t.Fatalf("failures after success = %d, want 0", failures)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED", got)
	}
}

func TestBreakerRecoversThroughProbe(t *testing.T) {
	t.Parallel()

	b := NewBreaker("test", 1, 40*time.Millisecond)
	ctx := context.Background()

	b.Call(ctx, failing)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want OPEN", got)
	}

	time.Sleep(60 * time.Millisecond)

	result, err := b.Call(ctx, succeeding)
	if err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if result != "ok" {
		t.Fatalf("probe result = %v, want ok", result)
	}
	if got := b.State(); got != StateClosed {
		t.Fatalf("state after probe success = %s, want CLOSED", got)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker("test", 1, 30*time.Millisecond)
	ctx := context.Background()

	b.Call(ctx, failing)
	time.Sleep(50 * time.Millisecond)

	if _, err := b.Call(ctx, failing); !errors.Is(err, errBoom) {
		t.Fatalf("probe should surface underlying error, got %v", err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after probe failure = %s, want OPEN", got)
	}

	// Fresh lastFailure: still fail-fast inside the new window.
	if _, err := b.Call(ctx, succeeding); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen inside new window, got %v", err)
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	t.Parallel()

	b := NewBreaker("test", 1, 20*time.Millisecond)
	ctx := context.Background()

	b.Call(ctx, failing)
	time.Sleep(40 * time.Millisecond)

	probeStarted := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Call(ctx, func(ctx context.Context) (any, error) {
			close(probeStarted)
			<-release
			return nil, nil
		})
	}()

	<-probeStarted

	// Concurrent caller while the probe is in flight.
	_, err := b.Call(ctx, succeeding)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen during probe, got %v", err)
	}
	if !strings.Contains(err.Error(), "probe in progress") {
		t.Fatalf("error should name the probe, got %q", err.Error())
	}

	close(release)
	wg.Wait()

	if got := b.State(); got != StateClosed {
		t.Fatalf("state after probe = %s, want CLOSED", got)
	}
	if _, err := b.Call(ctx, succeeding); err != nil {
		t.Fatalf("call after recovery failed: %v", err)
	}
}
