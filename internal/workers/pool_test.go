package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ooni/whisper/internal/model"
)

// blockUntilCancelled is a task returning only when its context is done.
func blockUntilCancelled(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPool_Submit(t *testing.T) {
	t.Run("a task runs and reports its result", func(t *testing.T) {
		p := NewPool(model.NewTestLogger(), DefaultPoolSize)
		expected := errors.New("mocked error")
		task, err := p.Submit("t", func(ctx context.Context) error {
			return expected
		})
		if err != nil {
			t.Fatal(err)
		}
		if !errors.Is(task.Err(), expected) {
			t.Errorf("expected %v, got %v", expected, task.Err())
		}
		if task.Name() != "t" {
			t.Errorf("unexpected name %s", task.Name())
		}
	})

	t.Run("a panicking task is converted into an error", func(t *testing.T) {
		p := NewPool(model.NewTestLogger(), DefaultPoolSize)
		task, err := p.Submit("boom", func(ctx context.Context) error {
			panic("boom")
		})
		if err != nil {
			t.Fatal(err)
		}
		if !errors.Is(task.Err(), ErrTaskPanic) {
			t.Errorf("expected ErrTaskPanic, got %v", task.Err())
		}
	})

	t.Run("no more than size tasks run concurrently", func(t *testing.T) {
		p := NewPool(model.NewTestLogger(), 2)
		var running, peak atomic.Int32
		release := make(chan any)
		for i := 0; i < 4; i++ {
			_, err := p.Submit("t", func(ctx context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				<-release
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
		}
		time.Sleep(50 * time.Millisecond)
		close(release)
		if err := p.Drain(context.Background(), time.Second, time.Second); err != nil {
			t.Fatal(err)
		}
		if peak.Load() != 2 {
			t.Errorf("expected peak concurrency 2, got %d", peak.Load())
		}
	})

	t.Run("submit fails after shutdown", func(t *testing.T) {
		p := NewPool(model.NewTestLogger(), DefaultPoolSize)
		if err := p.Shutdown(context.Background(), time.Millisecond, time.Millisecond); err != nil {
			t.Fatal(err)
		}
		if _, err := p.Submit("late", blockUntilCancelled); !errors.Is(err, ErrShutdown) {
			t.Errorf("expected ErrShutdown, got %v", err)
		}
	})
}

func TestPool_Drain(t *testing.T) {
	t.Run("drain on an idle pool returns immediately", func(t *testing.T) {
		p := NewPool(model.NewTestLogger(), DefaultPoolSize)
		start := time.Now()
		if err := p.Drain(context.Background(), time.Second, time.Second); err != nil {
			t.Fatal(err)
		}
		if time.Since(start) > 100*time.Millisecond {
			t.Error("drain on an idle pool should not block")
		}
	})

	t.Run("drain escalates to cancellation", func(t *testing.T) {
		p := NewPool(model.NewTestLogger(), DefaultPoolSize)
		task, err := p.Submit("engine", blockUntilCancelled)
		if err != nil {
			t.Fatal(err)
		}
		if err := p.Drain(context.Background(), 10*time.Millisecond, time.Second); err != nil {
			t.Fatal(err)
		}
		if !errors.Is(task.Err(), context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", task.Err())
		}
	})

	t.Run("drain reports tasks ignoring cancellation", func(t *testing.T) {
		p := NewPool(model.NewTestLogger(), DefaultPoolSize)
		release := make(chan any)
		defer close(release)
		_, err := p.Submit("stubborn", func(ctx context.Context) error {
			<-release
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		err = p.Drain(context.Background(), 10*time.Millisecond, 10*time.Millisecond)
		if !errors.Is(err, ErrDrainTimeout) {
			t.Errorf("expected ErrDrainTimeout, got %v", err)
		}
	})

	t.Run("a cancelled context forces immediate cancellation", func(t *testing.T) {
		p := NewPool(model.NewTestLogger(), DefaultPoolSize)
		if _, err := p.Submit("engine", blockUntilCancelled); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		if err := p.Drain(ctx, time.Hour, time.Second); err != nil {
			t.Fatal(err)
		}
		if time.Since(start) > 500*time.Millisecond {
			t.Error("expected drain to skip the graceful wait")
		}
	})

	t.Run("the pool is reusable after a drain", func(t *testing.T) {
		p := NewPool(model.NewTestLogger(), DefaultPoolSize)
		for i := 0; i < 3; i++ {
			task, err := p.Submit("engine", blockUntilCancelled)
			if err != nil {
				t.Fatal(err)
			}
			if p.Running() != 1 {
				t.Errorf("expected one running task, got %d", p.Running())
			}
			if err := p.Drain(context.Background(), time.Millisecond, time.Second); err != nil {
				t.Fatal(err)
			}
			<-task.Done()
		}
	})
	t.Run("tasks submitted while draining are left alone", func(t *testing.T) {
		p := NewPool(model.NewTestLogger(), DefaultPoolSize)
		release := make(chan any)
		old, err := p.Submit("old", func(ctx context.Context) error {
			<-release
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		drained := make(chan error, 1)
		go func() {
			drained <- p.Drain(context.Background(), 50*time.Millisecond, time.Second)
		}()
		time.Sleep(10 * time.Millisecond)
		fresh, err := p.Submit("fresh", blockUntilCancelled)
		if err != nil {
			t.Fatal(err)
		}
		time.Sleep(100 * time.Millisecond)
		close(release)
		if err := <-drained; err != nil {
			t.Fatal(err)
		}
		<-old.Done()
		select {
		case <-fresh.Done():
			t.Fatal("the drain cancelled a task submitted after it started")
		default:
		}
		if p.Running() != 1 {
			t.Errorf("expected one running task, got %d", p.Running())
		}
		if err := p.Drain(context.Background(), time.Millisecond, time.Second); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("submit does not block when every slot is busy", func(t *testing.T) {
		p := NewPool(model.NewTestLogger(), 1)
		if _, err := p.Submit("first", blockUntilCancelled); err != nil {
			t.Fatal(err)
		}
		start := time.Now()
		queued, err := p.Submit("second", blockUntilCancelled)
		if err != nil {
			t.Fatal(err)
		}
		if time.Since(start) > 100*time.Millisecond {
			t.Error("submit blocked waiting for a slot")
		}
		if err := p.Drain(context.Background(), time.Millisecond, time.Second); err != nil {
			t.Fatal(err)
		}
		if !errors.Is(queued.Err(), context.Canceled) {
			t.Errorf("expected the queued task to be cancelled, got %v", queued.Err())
		}
	})
}
