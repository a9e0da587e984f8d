package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// THREAD OFFLOAD - Bounded worker pool for blocking broker calls
// ═══════════════════════════════════════════════════════════════════════════════
//
// Broker SDK calls are synchronous I/O. Running them on a bounded pool keeps
// an upper limit on concurrent broker sessions and gives shutdown a single
// switch: once stopped, every Submit is rejected with ErrShutdown.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrShutdown is returned by Submit when the pool is not accepting work.
var ErrShutdown = errors.New("offload pool shut down")

type offloadTask struct {
	fn     func() (any, error)
	result chan offloadResult
}

type offloadResult struct {
	value any
	err   error
}

// Offload is a fixed-size worker pool.
type Offload struct {
	tasks   chan offloadTask
	quit    chan struct{}
	wg      sync.WaitGroup
	workers int
	started atomic.Bool
	stopped atomic.Bool
	stop    sync.Once
	start   sync.Once
}

// NewOffload creates a pool with the given worker count (default 20 when ≤0).
func NewOffload(workers int) *Offload {
	if workers <= 0 {
		workers = 20
	}
	return &Offload{
		tasks:   make(chan offloadTask),
		quit:    make(chan struct{}),
		workers: workers,
	}
}

// Start launches the workers. Idempotent.
func (o *Offload) Start() {
	if o.stopped.Load() {
		return
	}
	o.start.Do(func() {
		o.started.Store(true)
		for i := 0; i < o.workers; i++ {
			o.wg.Add(1)
			go o.worker()
		}
		log.Info().Int("workers", o.workers).Msg("🧵 Offload pool started")
	})
}

func (o *Offload) worker() {
	defer o.wg.Done()
	for {
		select {
		case task := <-o.tasks:
			value, err := task.fn()
			task.result <- offloadResult{value: value, err: err}
		case <-o.quit:
			return
		}
	}
}

// Submit runs fn on a pool worker and waits for its result. Rejects with
// ErrShutdown when the pool is stopped or was never started; returns the
// context error if ctx is cancelled while queued or waiting (the task itself
// is not interrupted).
func (o *Offload) Submit(ctx context.Context, fn func() (any, error)) (any, error) {
	if o.stopped.Load() || !o.started.Load() {
		return nil, ErrShutdown
	}

	task := offloadTask{fn: fn, result: make(chan offloadResult, 1)}

	select {
	case o.tasks <- task:
	case <-o.quit:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-task.result:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop rejects new work and returns once in-flight tasks finish.
func (o *Offload) Stop() {
	o.stop.Do(func() {
		o.stopped.Store(true)
		close(o.quit)
		o.wg.Wait()
		log.Info().Msg("Offload pool stopped")
	})
}
