package guard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOffloadRunsBlockingTask(t *testing.T) {
	t.Parallel()

	o := NewOffload(2)
	o.Start()
	defer o.Stop()

	start := time.Now()
	result, err := o.Submit(context.Background(), func() (any, error) {
		time.Sleep(50 * time.Millisecond)
		return "done", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if result != "done" {
		t.Fatalf("result = %v, want done", result)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("task finished in %v, blocking work was skipped", elapsed)
	}
}

func TestOffloadPropagatesTaskError(t *testing.T) {
	t.Parallel()

	o := NewOffload(1)
	o.Start()
	defer o.Stop()

	wantErr := errors.New("broker down")
	_, err := o.Submit(context.Background(), func() (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestOffloadRejectsBeforeStart(t *testing.T) {
	t.Parallel()

	o := NewOffload(1)
	_, err := o.Submit(context.Background(), func() (any, error) { return nil, nil })
	if !errors.Is(err, ErrShutdown) {
		t.Fatalf("err = %v, want ErrShutdown", err)
	}
}

func TestOffloadRejectsAfterStop(t *testing.T) {
	t.Parallel()

	o := NewOffload(1)
	o.Start()
	o.Stop()

	_, err := o.Submit(context.Background(), func() (any, error) { return nil, nil })
	if !errors.Is(err, ErrShutdown) {
		t.Fatalf("err = %v, want ErrShutdown", err)
	}
}

func TestOffloadRunsTasksInParallel(t *testing.T) {
	t.Parallel()

	o := NewOffload(4)
	o.Start()
	defer o.Stop()

	start := time.Now()
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := o.Submit(context.Background(), func() (any, error) {
				time.Sleep(100 * time.Millisecond)
				return nil, nil
			})
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}

	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("4 tasks on 4 workers took %v, want parallel execution", elapsed)
	}
}

func TestOffloadSubmitHonorsContext(t *testing.T) {
	t.Parallel()

	o := NewOffload(1)
	o.Start()
	defer o.Stop()

	// Occupy the single worker.
	go o.Submit(context.Background(), func() (any, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Submit(ctx, func() (any, error) { return nil, nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
