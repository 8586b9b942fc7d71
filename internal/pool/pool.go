// Package pool implements a fixed-size worker pool with a bounded queue and
// per-task timeouts. Federation jobs run here so signature checks and network
// I/O to unknown hosts never block the request-serving path.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshboard/meshboard/internal/metrics"
)

// Scheduling errors surfaced to callers so they can retry, skip, or alert.
var (
	// ErrQueueFull signals that the pending queue is at capacity.
	ErrQueueFull = errors.New("worker pool queue is full")
	// ErrPoolClosed signals that Schedule was called after Shutdown.
	ErrPoolClosed = errors.New("worker pool is shut down")
	// ErrTaskTimeout signals that a job exceeded the pool's task timeout.
	ErrTaskTimeout = errors.New("task exceeded pool task timeout")
	// ErrWaitTimeout signals that Wait gave up before the task finished.
	// The task keeps running; a later Wait may still observe its result.
	ErrWaitTimeout = errors.New("timed out waiting for task")
)

// Job is one schedulable unit of work.
type Job func(ctx context.Context) (any, error)

// Pool runs jobs on a fixed set of persistent workers draining one shared
// bounded queue.
type Pool struct {
	name        string
	taskTimeout time.Duration
	logger      *zap.Logger

	tasks chan *Task
	quit  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New starts size workers draining a queue capped at maxQueue pending tasks.
// taskTimeout bounds each job's execution; zero disables the per-task deadline.
func New(size, maxQueue int, taskTimeout time.Duration, name string, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if maxQueue < 1 {
		maxQueue = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		name:        name,
		taskTimeout: taskTimeout,
		logger:      logger.With(zap.String("pool", name)),
		tasks:       make(chan *Task, maxQueue),
		quit:        make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Schedule enqueues a job. It fails immediately with ErrQueueFull when the
// queue is at capacity and with ErrPoolClosed after Shutdown; it never blocks
// and never drops work silently.
func (p *Pool) Schedule(job Job) (*Task, error) {
	if job == nil {
		return nil, errors.New("nil job")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("schedule on pool %q: %w", p.name, ErrPoolClosed)
	}
	t := newTask(job)
	select {
	case p.tasks <- t:
		p.mu.Unlock()
		metrics.SetPoolQueueDepth(p.name, len(p.tasks))
		return t, nil
	default:
		p.mu.Unlock()
		metrics.ObservePoolTask(p.name, "rejected")
		return nil, fmt.Errorf("schedule on pool %q: %w", p.name, ErrQueueFull)
	}
}

// Shutdown stops accepting work, lets in-flight tasks finish until grace
// elapses, and fails any tasks still queued. Worker goroutines running past
// the grace period are abandoned, not interrupted.
func (p *Pool) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(grace):
		err = fmt.Errorf("pool %q: %d workers still busy after %s", p.name, len(p.tasks), grace)
	}

	// Fail anything that never reached a worker.
	for {
		select {
		case t := <-p.tasks:
			t.finish(StateFailed, nil, ErrPoolClosed)
			metrics.ObservePoolTask(p.name, string(StateFailed))
		default:
			return err
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case <-p.quit:
			return
		case t := <-p.tasks:
			metrics.SetPoolQueueDepth(p.name, len(p.tasks))
			p.run(t)
		}
	}
}

func (p *Pool) run(t *Task) {
	t.setRunning()

	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if p.taskTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
	}
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("task panicked: %v", rec)}
			}
		}()
		res, err := t.job(ctx)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			t.finish(StateFailed, nil, out.err)
			metrics.ObservePoolTask(p.name, string(StateFailed))
			return
		}
		t.finish(StateCompleted, out.result, nil)
		metrics.ObservePoolTask(p.name, string(StateCompleted))
	case <-ctx.Done():
		// The job goroutine is not interrupted; it keeps the worker slot
		// free but any result it eventually produces is discarded.
		t.finish(StateTimedOut, nil, fmt.Errorf("task %s: %w", t.ID(), ErrTaskTimeout))
		metrics.ObservePoolTask(p.name, string(StateTimedOut))
		p.logger.Warn("task timed out", zap.String("task_id", t.ID()), zap.Duration("timeout", p.taskTimeout))
	}
}

// TaskState is the lifecycle state of a scheduled task.
type TaskState string

// Task states; the last three are terminal.
const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateTimedOut  TaskState = "timed_out"
)

// Task is one in-flight unit of work.
type Task struct {
	id   string
	job  Job
	done chan struct{}

	mu     sync.Mutex
	state  TaskState
	result any
	err    error
}

func newTask(job Job) *Task {
	return &Task{
		id:    uuid.NewString(),
		job:   job,
		done:  make(chan struct{}),
		state: StatePending,
	}
}

// ID returns the task's unique identifier.
func (t *Task) ID() string { return t.id }

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Wait blocks until the task reaches a terminal state or timeout elapses.
// It returns the job's result, re-returns the job's own error if it failed,
// and returns ErrTaskTimeout if the job exceeded the pool task timeout. A
// wait that gives up (ErrWaitTimeout) does not cancel the job; a later Wait
// can still observe the eventual outcome.
func (t *Task) Wait(timeout time.Duration) (any, error) {
	select {
	case <-t.done:
	case <-time.After(timeout):
		return nil, ErrWaitTimeout
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	return t.result, nil
}

func (t *Task) setRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StatePending {
		t.state = StateRunning
	}
}

// finish moves the task to a terminal state exactly once; later calls no-op.
func (t *Task) finish(state TaskState, result any, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateCompleted, StateFailed, StateTimedOut:
		return
	default:
	}
	t.state = state
	t.result = result
	t.err = err
	close(t.done)
}
