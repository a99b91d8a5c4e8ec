package sandbox

import (
	"context"
	"errors"

	"github.com/ppiankov/changegate/internal/model"
)

// ErrPending is returned by Task.Result while the task is still running.
var ErrPending = errors.New("sandbox: task still running")

// Result is what a finished sandbox task produced. Group is set by test runs.
type Result struct {
	Env   model.SandboxEnvironment
	Group *model.TestGroup
}

// Task is a handle on background sandbox work. Its context derives from the
// caller's and is bounded by the manager's task timeout.
type Task struct {
	ID string
	Op string

	cancel context.CancelFunc
	done   chan struct{}
	res    Result
	err    error
}

// Go runs fn in the background as a Task. Cancelling the task cancels the
// context fn receives.
func Go(ctx context.Context, id, op string, fn func(context.Context) (Result, error)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{ID: id, Op: op, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		t.res, t.err = fn(ctx)
	}()
	return t
}

// Done is closed once the task has finished, including any cleanup it ran.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel stops the task. The task still runs its deferred cleanup.
func (t *Task) Cancel() { t.cancel() }

// Result returns the outcome without blocking, or ErrPending.
func (t *Task) Result() (Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	default:
		return Result{}, ErrPending
	}
}
