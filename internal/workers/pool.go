package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ooni/whisper/internal/model"
)

// DefaultPoolSize is the number of execution slots of a [Pool].
const DefaultPoolSize = 2

var (
	// ErrDrainTimeout indicates that some tasks were still running after
	// the forced cancellation deadline.
	ErrDrainTimeout = errors.New("workers did not terminate in time")

	// ErrTaskPanic indicates that a task panicked.
	ErrTaskPanic = errors.New("task panicked")
)

// TaskFunc is a long-running task. It must return once ctx is done.
type TaskFunc func(ctx context.Context) error

// Task is the handle of a task submitted to a [Pool].
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan any
	err    error
}

// Name returns the name the task was submitted with.
func (t *Task) Name() string {
	return t.name
}

// Done returns a channel closed when the task has returned.
func (t *Task) Done() <-chan any {
	return t.done
}

// Err returns the task result. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

// Pool runs tasks on a fixed number of execution slots. Submit never blocks
// the caller: a task beyond the pool size waits for a free slot on its own
// goroutine, or until it is cancelled. A Pool lives as long
// as the hosting process and is reused across sessions; [Pool.Drain] waits
// for the current tasks without retiring the pool, [Pool.Shutdown] retires
// it. The zero value is invalid; use [NewPool].
type Pool struct {
	logger model.Logger
	slots  *semaphore.Weighted

	// mu protects the fields below.
	mu       sync.Mutex
	inflight map[*Task]struct{}
	shutdown bool
}

// NewPool creates a [Pool] with size execution slots.
func NewPool(logger model.Logger, size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		logger:   logger,
		slots:    semaphore.NewWeighted(int64(size)),
		mu:       sync.Mutex{},
		inflight: make(map[*Task]struct{}),
		shutdown: false,
	}
}

// Submit schedules fx on the pool. It returns [ErrShutdown] once the pool has
// been shut down.
func (p *Pool) Submit(name string, fx TaskFunc) (*Task, error) {
	defer p.mu.Unlock()
	p.mu.Lock()
	if p.shutdown {
		return nil, fmt.Errorf("%w: cannot submit %s", ErrShutdown, name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	task := &Task{
		name:   name,
		cancel: cancel,
		done:   make(chan any),
	}
	p.inflight[task] = struct{}{}
	go p.run(ctx, task, fx)
	return task, nil
}

// run executes a task on one of the slots.
func (p *Pool) run(ctx context.Context, task *Task, fx TaskFunc) {
	defer p.onTaskDone(task)
	if err := p.slots.Acquire(ctx, 1); err != nil {
		task.err = err
		return
	}
	defer p.slots.Release(1)
	p.logger.Debugf("workers: %s: started", task.name)
	task.err = p.safeRun(ctx, task.name, fx)
}

// safeRun runs fx converting a panic into an error.
func (p *Pool) safeRun(ctx context.Context, name string, fx TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrTaskPanic, name, r)
		}
	}()
	return fx(ctx)
}

// onTaskDone retires a task.
func (p *Pool) onTaskDone(task *Task) {
	defer p.mu.Unlock()
	p.mu.Lock()
	task.cancel()
	if task.err != nil {
		p.logger.Warnf("workers: %s: %s", task.name, task.err.Error())
	} else {
		p.logger.Debugf("workers: %s: done", task.name)
	}
	close(task.done)
	delete(p.inflight, task)
}

// Running returns the number of tasks not yet returned.
func (p *Pool) Running() int {
	defer p.mu.Unlock()
	p.mu.Lock()
	return len(p.inflight)
}

// Drain waits up to grace for the tasks in flight when it is called to
// return; then it cancels them and waits up to force more. Tasks submitted
// while draining are neither awaited nor cancelled. If ctx is done during
// the graceful wait the tasks are cancelled immediately. Drain always
// returns within about grace+force; it returns [ErrDrainTimeout] if tasks
// were still running.
func (p *Pool) Drain(ctx context.Context, grace, force time.Duration) error {
	tasks := p.snapshot()
	if len(tasks) == 0 {
		return nil
	}
	done := make(chan any)
	go func() {
		defer close(done)
		for _, task := range tasks {
			<-task.done
		}
	}()

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()
	select {
	case <-done:
		return nil
	case <-graceTimer.C:
		p.logger.Warnf("workers: graceful drain timed out after %s; cancelling", grace)
	case <-ctx.Done():
		p.logger.Warn("workers: drain interrupted; cancelling")
	}

	for _, task := range tasks {
		task.cancel()
	}

	forceTimer := time.NewTimer(force)
	defer forceTimer.Stop()
	select {
	case <-done:
		return nil
	case <-forceTimer.C:
		return fmt.Errorf("%w: %d task(s) still running", ErrDrainTimeout, pending(tasks))
	}
}

// snapshot returns the tasks currently in flight.
func (p *Pool) snapshot() []*Task {
	defer p.mu.Unlock()
	p.mu.Lock()
	tasks := make([]*Task, 0, len(p.inflight))
	for task := range p.inflight {
		tasks = append(tasks, task)
	}
	return tasks
}

// pending counts the tasks that have not returned yet.
func pending(tasks []*Task) (n int) {
	for _, task := range tasks {
		select {
		case <-task.done:
		default:
			n++
		}
	}
	return
}

// Shutdown retires the pool: further submissions fail with [ErrShutdown] and
// the in-flight tasks are drained as in [Pool.Drain]. It is safe to call
// Shutdown more than once.
func (p *Pool) Shutdown(ctx context.Context, grace, force time.Duration) error {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	return p.Drain(ctx, grace, force)
}
