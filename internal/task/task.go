// Package task runs background work on a bounded pool and exposes each unit
// of work as an awaitable, cancellable Task.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// ErrPanicked wraps a panic raised inside a task function.
var ErrPanicked = errors.New("task: panicked")

// Runner dispatches task functions onto an ants goroutine pool.
type Runner struct {
	pool *ants.Pool
}

// NewRunner builds a runner with at most size concurrent workers.
func NewRunner(size int) (*Runner, error) {
	if size <= 0 {
		return nil, errors.New("pool size must be greater than 0")
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("create task pool: %w", err)
	}
	return &Runner{pool: pool}, nil
}

// Running is the number of busy workers.
func (r *Runner) Running() int {
	return r.pool.Running()
}

// Release stops accepting work; running tasks finish.
func (r *Runner) Release() {
	r.pool.Release()
}

// Task is the eventual result of one background function.
type Task[T any] struct {
	done   chan struct{}
	once   sync.Once
	value  T
	err    error
	cancel context.CancelFunc
}

func newTask[T any](cancel context.CancelFunc) *Task[T] {
	if cancel == nil {
		cancel = func() {}
	}
	return &Task[T]{done: make(chan struct{}), cancel: cancel}
}

func (t *Task[T]) resolve(value T, err error) {
	t.once.Do(func() {
		t.value = value
		t.err = err
		t.cancel()
		close(t.done)
	})
}

// Done is closed once the task has a result.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task completes or ctx ends.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Completed reports whether the task has a result.
func (t *Task[T]) Completed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking. It is the zero value and nil
// while the task is still running.
func (t *Task[T]) Result() (T, error) {
	if !t.Completed() {
		var zero T
		return zero, nil
	}
	return t.value, t.err
}

// Cancel cancels the context handed to the task function.
func (t *Task[T]) Cancel() {
	t.cancel()
}

// Submit runs fn on the runner's pool with a context derived from ctx.
// It never blocks: when every worker is busy the task waits for one in the
// background. Submission failures and panics resolve the task with an error.
func Submit[T any](r *Runner, ctx context.Context, fn func(context.Context) (T, error)) *Task[T] {
	taskCtx, cancel := context.WithCancel(ctx)
	t := newTask[T](cancel)

	job := func() {
		var (
			value T
			err   error
		)
		defer func() {
			if p := recover(); p != nil {
				var zero T
				t.resolve(zero, fmt.Errorf("%w: %v", ErrPanicked, p))
				return
			}
			t.resolve(value, err)
		}()
		if err = taskCtx.Err(); err != nil {
			return
		}
		value, err = fn(taskCtx)
	}

	go func() {
		if err := r.pool.Submit(job); err != nil {
			var zero T
			t.resolve(zero, fmt.Errorf("submit task: %w", err))
		}
	}()
	go func() {
		// a task still queued behind busy workers resolves as soon as it is cancelled
		select {
		case <-taskCtx.Done():
			var zero T
			t.resolve(zero, taskCtx.Err())
		case <-t.done:
		}
	}()
	return t
}

// NewPromise returns a task resolved by calling the returned function. Only
// the first call has an effect.
func NewPromise[T any]() (*Task[T], func(T, error)) {
	t := newTask[T](nil)
	return t, t.resolve
}

// Resolved returns an already completed task.
func Resolved[T any](value T, err error) *Task[T] {
	t := newTask[T](nil)
	t.resolve(value, err)
	return t
}
