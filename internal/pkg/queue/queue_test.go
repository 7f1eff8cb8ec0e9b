package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueue_DrainWaitsForAllJobs(t *testing.T) {
	q := NewQueue(newTestLogger(), 3, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var completed atomic.Int32
	for i := 0; i < 5; i++ {
		ok := q.Enqueue(func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			completed.Add(1)
			return nil
		})
		if !ok {
			t.Fatalf("enqueue %d failed", i)
		}
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, 2*time.Second)
	defer drainCancel()
	if err := q.Drain(drainCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if completed.Load() != 5 {
		t.Fatalf("expected 5 completed jobs, got %d", completed.Load())
	}
	stats := q.Stats()
	if stats.Enqueued != 5 || stats.Succeeded != 5 || stats.Outstanding != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestQueue_DrainOnIdleQueueReturnsImmediately(t *testing.T) {
	q := NewQueue(newTestLogger(), 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("expected idle drain, got %v", err)
	}
}

func TestQueue_ErrorHandlerAndPanicRecovery(t *testing.T) {
	q := NewQueue(newTestLogger(), 2, 5)
	var handled atomic.Int32
	q.SetErrorHandler(func(err error, job Job) { handled.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Enqueue(func(ctx context.Context) error { return nil })
	q.Enqueue(func(ctx context.Context) error { return errors.New("boom") })
	q.Enqueue(func(ctx context.Context) error { panic("kaboom") })

	drainCtx, drainCancel := context.WithTimeout(ctx, 2*time.Second)
	defer drainCancel()
	if err := q.Drain(drainCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	stats := q.Stats()
	if stats.Succeeded != 1 || stats.Failed != 2 || stats.Panics != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if handled.Load() != 1 {
		t.Fatalf("expected error handler once, got %d", handled.Load())
	}
}

func TestQueue_EnqueueDropsWhenFull(t *testing.T) {
	q := NewQueue(newTestLogger(), 1, 1)
	// 未启动 worker，第二个任务必然被丢弃
	if !q.Enqueue(func(ctx context.Context) error { return nil }) {
		t.Fatalf("first enqueue should succeed")
	}
	if q.Enqueue(func(ctx context.Context) error { return nil }) {
		t.Fatalf("second enqueue should be dropped")
	}
	stats := q.Stats()
	if stats.Dropped != 1 || stats.Outstanding != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestQueue_EnqueueBlockingRespectsContext(t *testing.T) {
	q := NewQueue(newTestLogger(), 1, 1)
	q.Enqueue(func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.EnqueueBlocking(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if q.Stats().Outstanding != 1 {
		t.Fatalf("cancelled enqueue must not count as outstanding")
	}
}

func TestQueue_RejectsAfterShutdown(t *testing.T) {
	q := NewQueue(newTestLogger(), 1, 2)
	q.Start(context.Background())
	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if q.Enqueue(func(ctx context.Context) error { return nil }) {
		t.Fatalf("enqueue after shutdown should fail")
	}
	if err := q.EnqueueBlocking(context.Background(), func(ctx context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := q.Shutdown(time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on double shutdown, got %v", err)
	}
}
