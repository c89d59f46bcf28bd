// Package task provides the resumable computations driven by file server
// workers.
//
// A computation is a step function. Each call advances it as far as it can
// without blocking and reports one of three outcomes:
//
//   - iox.ErrWouldBlock: still live, resume on the next pass
//   - nil: finished successfully
//   - any other error: finished with that error
//
// Suspension points are exactly the places a step function returns
// iox.ErrWouldBlock; nothing is ever preempted.
package task

import (
	"errors"
	"syscall"

	"code.hybscloud.com/iox"
)

// Step advances a computation by one non-blocking step.
type Step func() error

// Task wraps a step function with its terminal state.
type Task struct {
	step   Step
	done   bool
	err    error
	finish []func(error)
}

// New returns a live task driving step.
func New(step Step) *Task {
	return &Task{step: step}
}

// OnFinish registers fn to run once, on the resuming goroutine, when the task
// reaches its terminal state.
func (t *Task) OnFinish(fn func(error)) *Task {
	t.finish = append(t.finish, fn)
	return t
}

// Resume drives the task forward one step and reports whether it is still
// live. Resuming a finished task is a no-op.
func (t *Task) Resume() bool {
	if t.done {
		return false
	}
	err := t.step()
	if iox.IsWouldBlock(err) {
		return true
	}
	t.done = true
	t.err = err
	t.step = nil
	for _, fn := range t.finish {
		fn(err)
	}
	t.finish = nil
	return false
}

// Live reports whether the task may still make progress.
func (t *Task) Live() bool { return !t.done }

// Err returns the terminal error of a finished task.
func (t *Task) Err() error { return t.err }

// Transient reports whether err is a would-block or interrupted condition
// that must be retried rather than surfaced.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	return iox.IsWouldBlock(err) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINTR)
}
