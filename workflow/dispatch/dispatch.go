// Package dispatch defines the task dispatcher contract through which
// the executor hands steps to an external worker pool, plus an
// in-process pool implementation.
//
// The engine stays oblivious to the transport: a broker-backed fleet,
// an RPC service, or the local goroutine pool all satisfy the same
// interface. Delivery is at-least-once — the executor never assumes a
// task ran exactly once.
package dispatch

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownTask is returned when no worker knows the requested task
// name.
var ErrUnknownTask = errors.New("unknown task")

// ErrAwaitTimeout is returned by Await when the task did not complete
// within the caller's timeout. The task may still be running; callers
// should Revoke it.
var ErrAwaitTimeout = errors.New("await timed out")

// ErrRevoked is returned by Await when the task was revoked before
// completing.
var ErrRevoked = errors.New("task revoked")

// Result is the structured payload a task returns. Reserved keys the
// executor interprets:
//   - "status": "ok" or "error"
//   - "error": failure detail when status is "error"
//   - "output": merged into the instance output_data
//   - "context": merged into the instance context
//   - "branch": branch tag captured by branching steps
type Result map[string]any

// Failed reports whether the result carries a task-level failure.
func (r Result) Failed() bool {
	status, _ := r["status"].(string)
	return status == "error" || status == "failed"
}

// ErrorMessage extracts the failure detail, if any.
func (r Result) ErrorMessage() string {
	if msg, ok := r["error"].(string); ok {
		return msg
	}
	return ""
}

// Handle identifies one in-flight dispatched task.
type Handle interface {
	// ID is the dispatcher-assigned identifier for this dispatch.
	ID() string

	// TaskName is the task this handle tracks.
	TaskName() string
}

// TaskCall names one task with its argument bundle, used for group
// dispatch from parallel steps.
type TaskCall struct {
	Name string
	Args map[string]any
}

// GroupHandle identifies a group of dispatches with a single combined
// completion.
type GroupHandle interface {
	// ID is the dispatcher-assigned group identifier.
	ID() string

	// Size is the number of tasks in the group.
	Size() int
}

// Dispatcher submits named tasks to a worker pool and awaits their
// completion.
//
// Await and AwaitGroup must honor both the passed timeout and ctx
// cancellation; the engine cancels awaits when an instance is
// cancelled. Revoke is best-effort: workers that already finished are
// unaffected.
type Dispatcher interface {
	// Dispatch enqueues one task. timeLimit bounds the task's own
	// execution on the worker (zero means unbounded); queue selects a
	// worker queue (empty means the default).
	Dispatch(ctx context.Context, task string, args map[string]any, queue string, timeLimit time.Duration) (Handle, error)

	// Await blocks until the task completes, the timeout elapses
	// (ErrAwaitTimeout), or ctx is cancelled.
	Await(ctx context.Context, h Handle, timeout time.Duration) (Result, error)

	// Revoke cancels a dispatched task best-effort. terminate asks the
	// worker to kill a running attempt rather than just dequeue it.
	Revoke(h Handle, terminate bool) error

	// DispatchGroup enqueues a set of tasks as one group.
	DispatchGroup(ctx context.Context, calls []TaskCall, queue string, timeLimit time.Duration) (GroupHandle, error)

	// AwaitGroup blocks until every task in the group completes.
	// Results are returned in dispatch order. A task failure is
	// reported in its Result, not as an error; the error return is for
	// timeout, cancellation, and transport problems.
	AwaitGroup(ctx context.Context, g GroupHandle, timeout time.Duration) ([]Result, error)

	// RevokeGroup revokes every task in the group best-effort.
	RevokeGroup(g GroupHandle, terminate bool) error
}
