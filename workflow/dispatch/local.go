package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// defaultMaxWorkers bounds concurrent task execution when the caller
// does not configure a limit.
const defaultMaxWorkers = 16

// TaskFunc is the signature of a locally registered task.
//
// A returned error marks the dispatch failed at the transport level; a
// task-level failure should instead be reported in the Result with
// status "error" so the executor can apply the step's retry policy
// uniformly.
type TaskFunc func(ctx context.Context, args map[string]any) (Result, error)

// LocalDispatcher runs tasks on an in-process goroutine pool.
//
// It is the reference Dispatcher implementation: production
// deployments swap in a broker-backed dispatcher with the same
// contract. Concurrency is bounded by a weighted semaphore shared by
// single and group dispatches.
type LocalDispatcher struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc

	sem *semaphore.Weighted
}

type localHandle struct {
	id   string
	task string

	done   chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	result  Result
	err     error
	revoked bool
}

func (h *localHandle) ID() string       { return h.id }
func (h *localHandle) TaskName() string { return h.task }

type localGroup struct {
	id      string
	handles []*localHandle
}

func (g *localGroup) ID() string { return g.id }
func (g *localGroup) Size() int  { return len(g.handles) }

// NewLocalDispatcher creates a dispatcher executing up to maxWorkers
// tasks concurrently (<= 0 uses the default of 16).
func NewLocalDispatcher(maxWorkers int) *LocalDispatcher {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	return &LocalDispatcher{
		tasks: make(map[string]TaskFunc),
		sem:   semaphore.NewWeighted(int64(maxWorkers)),
	}
}

// Register adds a task implementation under the given name,
// replacing any previous registration.
func (d *LocalDispatcher) Register(name string, fn TaskFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[name] = fn
}

// Dispatch starts the named task on the pool.
//
// The queue parameter is accepted for contract compatibility and
// ignored: a single in-process pool has one queue.
func (d *LocalDispatcher) Dispatch(ctx context.Context, task string, args map[string]any, _ string, timeLimit time.Duration) (Handle, error) {
	d.mu.RLock()
	fn, ok := d.tasks[task]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}

	// The task outlives the dispatch call; detach from the caller's
	// context so cancellation flows through Revoke, not ctx.
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeLimit > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), timeLimit)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	h := &localHandle{
		id:     uuid.NewString(),
		task:   task,
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(h.done)
		defer cancel()

		if err := d.sem.Acquire(runCtx, 1); err != nil {
			h.finish(nil, err)
			return
		}
		defer d.sem.Release(1)

		res, err := fn(runCtx, args)
		h.finish(res, err)
	}()

	return h, nil
}

// Await blocks until the handle completes, the timeout elapses, or ctx
// is cancelled.
func (d *LocalDispatcher) Await(ctx context.Context, h Handle, timeout time.Duration) (Result, error) {
	lh, ok := h.(*localHandle)
	if !ok {
		return nil, fmt.Errorf("foreign handle %T", h)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-lh.done:
		return lh.outcome()
	case <-timer:
		return nil, ErrAwaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Revoke cancels the task's context. For an in-process pool terminate
// and dequeue are the same operation; a task that has already finished
// is unaffected.
func (d *LocalDispatcher) Revoke(h Handle, _ bool) error {
	lh, ok := h.(*localHandle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}

	lh.mu.Lock()
	lh.revoked = true
	lh.mu.Unlock()

	lh.cancel()
	return nil
}

// DispatchGroup starts every call on the pool and returns a combined
// handle. The shared semaphore bounds how many run at once.
func (d *LocalDispatcher) DispatchGroup(ctx context.Context, calls []TaskCall, queue string, timeLimit time.Duration) (GroupHandle, error) {
	handles := make([]*localHandle, 0, len(calls))
	for _, call := range calls {
		h, err := d.Dispatch(ctx, call.Name, call.Args, queue, timeLimit)
		if err != nil {
			// Unwind what was already started.
			for _, started := range handles {
				_ = d.Revoke(started, true)
			}
			return nil, err
		}
		handles = append(handles, h.(*localHandle))
	}

	return &localGroup{id: uuid.NewString(), handles: handles}, nil
}

// AwaitGroup waits for the whole group, returning results in dispatch
// order. The first transport-level failure (timeout, cancellation)
// aborts the wait; task-level failures are carried in the results.
func (d *LocalDispatcher) AwaitGroup(ctx context.Context, g GroupHandle, timeout time.Duration) ([]Result, error) {
	lg, ok := g.(*localGroup)
	if !ok {
		return nil, fmt.Errorf("foreign group handle %T", g)
	}

	results := make([]Result, len(lg.handles))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, h := range lg.handles {
		eg.Go(func() error {
			res, err := d.Await(egCtx, h, timeout)
			if err != nil {
				return fmt.Errorf("task %s: %w", h.TaskName(), err)
			}
			results[i] = res
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RevokeGroup revokes every task in the group.
func (d *LocalDispatcher) RevokeGroup(g GroupHandle, terminate bool) error {
	lg, ok := g.(*localGroup)
	if !ok {
		return fmt.Errorf("foreign group handle %T", g)
	}
	for _, h := range lg.handles {
		_ = d.Revoke(h, terminate)
	}
	return nil
}

// finish records the task outcome exactly once.
func (h *localHandle) finish(res Result, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result = res
	h.err = err
}

// outcome returns the recorded result, mapping revocation and task
// function errors into Results the executor treats as task failures.
func (h *localHandle) outcome() (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.revoked {
		return nil, ErrRevoked
	}
	if h.err != nil {
		// Surface transport/function errors as a failed result so the
		// executor applies the step retry policy.
		return Result{"status": "error", "error": h.err.Error()}, nil
	}
	if h.result == nil {
		return Result{"status": "ok"}, nil
	}
	return h.result, nil
}
