package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/optiflow/optiflow-go/workflow/coord"
	"github.com/optiflow/optiflow-go/workflow/dispatch"
	"github.com/optiflow/optiflow-go/workflow/emit"
)

// defaultMaxParallel bounds parallel sub-task fan-out when neither the
// definition nor the engine configures a limit.
const defaultMaxParallel = 10

// stepLockSlack pads the step lock TTL beyond the interval it must
// cover, absorbing clock skew and the bookkeeping around an attempt.
const stepLockSlack = 5 * time.Second

// Executor runs a single step: acquire the step lock, build the
// argument bundle, dispatch to the task pool, apply the retry policy,
// and record the outcome through the state and coordination stores.
//
// The executor holds no back-pointer to the engine; it reaches shared
// state only through the instance mutator and the coordination store,
// so a second engine process can run the same code against the same
// instance safely.
type Executor struct {
	coord      coord.Coordinator
	dispatcher dispatch.Dispatcher
	mutator    *instanceMutator
	bus        *emit.Bus
	metrics    *Metrics
	opts       Options

	// sleep is injectable so retry-backoff tests don't wait wall-clock
	// seconds.
	sleep func(ctx context.Context, d time.Duration) error
}

// stepExecution is the outcome of Executor.Execute.
type stepExecution struct {
	// Completed means the step succeeded and was appended to
	// completed_steps.
	Completed bool

	// Skipped means another executor holds the step lock; this process
	// did not run the step.
	Skipped bool

	// Halted means the instance left the running/retry states (pause or
	// cancel) before the step finished; nothing terminal was recorded.
	Halted bool

	// FailureMessage carries the final error after retries were
	// exhausted. Empty unless the step failed.
	FailureMessage string
}

// Execute runs one step to a terminal outcome (completed, failed,
// skipped, or halted). The returned error is reserved for engine-fatal
// conditions: state-store failures and context cancellation.
func (x *Executor) Execute(ctx context.Context, def *Definition, step StepSpec, instanceID string) (stepExecution, error) {
	timeout := stepTimeout(def, step, x.opts.DefaultStepTimeout)
	policy := step.Retry.orDefault()

	lockKey := coord.StepLockKey(instanceID, step.ID)
	token := uuid.NewString()

	// TTL covers the step's hard timeout; the lock is refreshed before
	// each attempt and before each backoff sleep so retrying never
	// outlives it.
	acquired, err := x.coord.AcquireLock(ctx, lockKey, token, timeout+stepLockSlack)
	if err != nil {
		return stepExecution{}, fmt.Errorf("step lock: %w", err)
	}
	if !acquired {
		x.metrics.LockContended("step")
		return stepExecution{Skipped: true}, nil
	}
	defer func() {
		_ = x.coord.ReleaseLock(context.WithoutCancel(ctx), lockKey, token)
	}()

	x.emitStep(emit.StepStarted, instanceID, def.ID, step.ID, nil)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return stepExecution{}, err
		}

		in, err := x.mutator.Load(ctx, instanceID)
		if err != nil {
			return stepExecution{}, err
		}
		if in.Status != StatusRunning && in.Status != StatusRetry {
			return stepExecution{Halted: true}, nil
		}

		// Another engine may have finished the step while this one
		// waited on the lock. Never dispatch a terminal step twice.
		if in.StepCompleted(step.ID) {
			return stepExecution{Completed: true}, nil
		}
		if in.StepFailed(step.ID) {
			return stepExecution{FailureMessage: recordedFailure(in, step.ID)}, nil
		}

		if attempt > 1 {
			// Leave the backoff state before dispatching again.
			if _, err := x.mutator.Mutate(ctx, instanceID, func(in *Instance) error {
				if in.Status == StatusRetry {
					in.Status = StatusRunning
				}
				return nil
			}); err != nil {
				return stepExecution{}, err
			}
		}

		x.writeStepState(ctx, instanceID, step.ID, StepState{
			Status:      StepRunning,
			Attempts:    attempt,
			LastAttempt: time.Now(),
		})

		if ok, err := x.holdLock(ctx, lockKey, token, timeout+stepLockSlack); err != nil || !ok {
			// Another executor owns the step now.
			return stepExecution{Skipped: true}, err
		}

		started := time.Now()
		result, attemptErr := x.runAttempt(ctx, def, step, in, timeout)
		elapsed := time.Since(started)

		if attemptErr == nil && !result.Failed() {
			x.metrics.StepAttempt(def.ID, step.Type, "success", elapsed)
			if err := x.recordSuccess(ctx, step, instanceID, map[string]any(result)); err != nil {
				return stepExecution{}, err
			}
			x.emitStep(emit.StepCompleted, instanceID, def.ID, step.ID, map[string]any{
				"attempt":     attempt,
				"duration_ms": elapsed.Milliseconds(),
			})
			return stepExecution{Completed: true}, nil
		}

		x.metrics.StepAttempt(def.ID, step.Type, "error", elapsed)

		msg := failureMessage(result, attemptErr)
		if err := ctx.Err(); err != nil {
			return stepExecution{}, err
		}

		if attempt < policy.MaxAttempts {
			delay := policy.backoffDelay(attempt)

			if _, err := x.mutator.Mutate(ctx, instanceID, func(in *Instance) error {
				if in.Status == StatusRunning {
					in.Status = StatusRetry
				}
				in.RetryCount++
				return nil
			}); err != nil {
				return stepExecution{}, err
			}

			x.writeStepState(ctx, instanceID, step.ID, StepState{
				Status:      StepRetrying,
				Attempts:    attempt,
				LastAttempt: time.Now(),
				Error:       msg,
			})
			x.metrics.StepRetried(def.ID, step.ID)
			x.emitStep(emit.StepRetrying, instanceID, def.ID, step.ID, map[string]any{
				"attempt":       attempt,
				"delay_seconds": delay.Seconds(),
				"error":         msg,
			})

			// The sleep plus the next attempt must fit inside the lock
			// TTL, or the lock expires mid-backoff and the step never
			// reaches a terminal state.
			if ok, err := x.holdLock(ctx, lockKey, token, delay+timeout+stepLockSlack); err != nil || !ok {
				return stepExecution{Skipped: true}, err
			}

			if err := x.sleep(ctx, delay); err != nil {
				return stepExecution{}, err
			}
			continue
		}

		// Retries exhausted.
		if err := x.recordFailure(ctx, step, instanceID, msg); err != nil {
			return stepExecution{}, err
		}
		x.writeStepState(ctx, instanceID, step.ID, StepState{
			Status:      StepFailed,
			Attempts:    attempt,
			LastAttempt: time.Now(),
			Error:       msg,
		})
		x.emitStep(emit.StepFailed, instanceID, def.ID, step.ID, map[string]any{
			"attempt": attempt,
			"error":   msg,
		})
		return stepExecution{FailureMessage: msg}, nil
	}

	// Unreachable: the loop always returns.
	return stepExecution{}, nil
}

// holdLock refreshes the step lock TTL, re-acquiring the key when it
// lapsed while this executor held it between attempts. Returns false
// only when another executor owns the lock now.
func (x *Executor) holdLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := x.coord.ExtendLock(ctx, key, token, ttl)
	if err != nil || ok {
		return ok, err
	}
	return x.coord.AcquireLock(ctx, key, token, ttl)
}

// runAttempt performs one dispatch round for the step type.
func (x *Executor) runAttempt(ctx context.Context, def *Definition, step StepSpec, in *Instance, timeout time.Duration) (dispatch.Result, error) {
	switch step.Type {
	case StepParallel:
		return x.runParallel(ctx, def, step, in, timeout)
	default:
		// Branching is a single dispatch whose branch tag is captured
		// by recordSuccess.
		return x.runSingle(ctx, step, in, timeout)
	}
}

// runSingle dispatches one task and awaits it within the attempt
// timeout. A timed-out dispatch is revoked with terminate before the
// failure enters the retry path.
func (x *Executor) runSingle(ctx context.Context, step StepSpec, in *Instance, timeout time.Duration) (dispatch.Result, error) {
	args := mergeArgs(in, step.ID, step.TaskArgs)

	h, err := x.dispatcher.Dispatch(ctx, step.TaskName, args, x.opts.Queue, timeout)
	if err != nil {
		return nil, &Error{
			Code:    "DISPATCH_FAILED",
			Message: fmt.Sprintf("step %s task %s: %v", step.ID, step.TaskName, err),
			Err:     ErrDispatch,
		}
	}

	result, err := x.dispatcher.Await(ctx, h, timeout)
	if errors.Is(err, dispatch.ErrAwaitTimeout) {
		_ = x.dispatcher.Revoke(h, true)
		return nil, &Error{
			Code:    "STEP_TIMEOUT",
			Message: fmt.Sprintf("step %s exceeded timeout of %v", step.ID, timeout),
			Err:     ErrStepTimeout,
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runParallel fans the step's sub-tasks out in waves bounded by the
// definition's max_parallel_steps and aggregates the results.
//
// Sub-tasks get synthetic step ids "{step}:{i}" in their argument
// bundles so workers can report against a stable identifier.
func (x *Executor) runParallel(ctx context.Context, def *Definition, step StepSpec, in *Instance, timeout time.Duration) (dispatch.Result, error) {
	subTasks, err := parallelTasks(step)
	if err != nil {
		return nil, err
	}

	maxParallel := def.MaxParallelSteps
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}

	results := make([]any, 0, len(subTasks))
	for start := 0; start < len(subTasks); start += maxParallel {
		end := min(start+maxParallel, len(subTasks))

		calls := make([]dispatch.TaskCall, 0, end-start)
		for i := start; i < end; i++ {
			sub := subTasks[i]
			subID := fmt.Sprintf("%s:%d", step.ID, i)
			args := mergeArgs(in, subID, sub.Args)
			calls = append(calls, dispatch.TaskCall{Name: sub.Name, Args: args})
		}

		g, err := x.dispatcher.DispatchGroup(ctx, calls, x.opts.Queue, timeout)
		if err != nil {
			return nil, &Error{
				Code:    "DISPATCH_FAILED",
				Message: fmt.Sprintf("step %s parallel group: %v", step.ID, err),
				Err:     ErrDispatch,
			}
		}

		waveResults, err := x.dispatcher.AwaitGroup(ctx, g, timeout)
		if errors.Is(err, dispatch.ErrAwaitTimeout) {
			_ = x.dispatcher.RevokeGroup(g, true)
			return nil, &Error{
				Code:    "STEP_TIMEOUT",
				Message: fmt.Sprintf("step %s parallel group exceeded timeout of %v", step.ID, timeout),
				Err:     ErrStepTimeout,
			}
		}
		if err != nil {
			return nil, err
		}

		for i, res := range waveResults {
			if res.Failed() {
				return nil, &Error{
					Code:    "SUBTASK_FAILED",
					Message: fmt.Sprintf("sub-task %s:%d (%s): %s", step.ID, start+i, calls[i].Name, res.ErrorMessage()),
					Err:     ErrTask,
				}
			}
			results = append(results, map[string]any(res))
		}
	}

	return dispatch.Result{
		"status":       "completed",
		"results":      results,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// recordSuccess applies a completed step to the instance under the
// instance mutex: ordered completion list, memoized result, and the
// reserved context/output/branch merges.
func (x *Executor) recordSuccess(ctx context.Context, step StepSpec, instanceID string, result map[string]any) error {
	_, err := x.mutator.Mutate(ctx, instanceID, func(in *Instance) error {
		if !in.StepCompleted(step.ID) {
			in.CompletedSteps = append(in.CompletedSteps, step.ID)
		}
		if in.StepResults == nil {
			in.StepResults = map[string]map[string]any{}
		}
		in.StepResults[step.ID] = result

		if extra, ok := result["context"].(map[string]any); ok {
			for k, v := range extra {
				in.Context[k] = v
			}
		}
		if output, ok := result["output"].(map[string]any); ok {
			for k, v := range output {
				in.OutputData[k] = v
			}
			in.Context["output"] = in.OutputData
		}
		if step.Type == StepBranching {
			if branch, ok := result["branch"]; ok {
				in.Context["branch"] = branch
			}
		}

		if in.Status == StatusRetry {
			in.Status = StatusRunning
		}
		return nil
	})
	return err
}

// recordFailure appends the step to failed_steps and memoizes the
// error. Whether the instance fails is the engine's call: it depends
// on allow_failure.
func (x *Executor) recordFailure(ctx context.Context, step StepSpec, instanceID, msg string) error {
	_, err := x.mutator.Mutate(ctx, instanceID, func(in *Instance) error {
		if !in.StepFailed(step.ID) {
			in.FailedSteps = append(in.FailedSteps, step.ID)
		}
		if in.StepResults == nil {
			in.StepResults = map[string]map[string]any{}
		}
		in.StepResults[step.ID] = map[string]any{"status": "error", "error": msg}
		if in.Status == StatusRetry {
			in.Status = StatusRunning
		}
		return nil
	})
	return err
}

// writeStepState caches the per-step execution state. Best-effort: the
// durable record on the instance is authoritative.
func (x *Executor) writeStepState(ctx context.Context, instanceID, stepID string, st StepState) {
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = x.coord.Set(ctx, coord.StepStateKey(instanceID, stepID), data, x.opts.StateTTL)
}

// StepStateFor reads the cached execution state of a step, if present.
func (x *Executor) StepStateFor(ctx context.Context, instanceID, stepID string) (StepState, error) {
	data, err := x.coord.Get(ctx, coord.StepStateKey(instanceID, stepID))
	if err != nil {
		return StepState{}, err
	}
	var st StepState
	if err := json.Unmarshal(data, &st); err != nil {
		return StepState{}, fmt.Errorf("corrupt step state for %s/%s: %w", instanceID, stepID, err)
	}
	return st, nil
}

func (x *Executor) emitStep(kind emit.Type, instanceID, workflowID, stepID string, meta map[string]any) {
	x.bus.Emit(emit.Event{
		Type:       kind,
		InstanceID: instanceID,
		WorkflowID: workflowID,
		StepID:     stepID,
		At:         time.Now(),
		Meta:       meta,
	})
}

// mergeArgs builds the task argument bundle. Merge order is fixed and
// documented: built-in fields first (workflow_instance_id, step_id,
// input_data, context, step_results), then the step's static task_args
// overlaying on conflict. A static arg named like a built-in therefore
// wins, which lets definitions pin values the task expects.
func mergeArgs(in *Instance, stepID string, static map[string]any) map[string]any {
	args := map[string]any{
		"workflow_instance_id": in.ID,
		"step_id":              stepID,
		"input_data":           in.InputData,
		"context":              in.Context,
		"step_results":         in.StepResults,
	}
	for k, v := range static {
		args[k] = v
	}
	return args
}

// parallelTasks decodes the sub-task list from task_args.tasks.
func parallelTasks(step StepSpec) ([]dispatch.TaskCall, error) {
	raw, ok := step.TaskArgs["tasks"]
	if !ok {
		return nil, &Error{
			Code:    "NO_SUBTASKS",
			Message: "parallel step " + step.ID + " has no task_args.tasks",
			Err:     ErrTask,
		}
	}

	list, ok := raw.([]any)
	if !ok {
		return nil, &Error{
			Code:    "BAD_SUBTASKS",
			Message: fmt.Sprintf("parallel step %s: task_args.tasks is %T, want list", step.ID, raw),
			Err:     ErrTask,
		}
	}

	calls := make([]dispatch.TaskCall, 0, len(list))
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, &Error{
				Code:    "BAD_SUBTASKS",
				Message: fmt.Sprintf("parallel step %s: sub-task %d is %T, want object", step.ID, i, item),
				Err:     ErrTask,
			}
		}
		name, _ := entry["name"].(string)
		if name == "" {
			return nil, &Error{
				Code:    "BAD_SUBTASKS",
				Message: fmt.Sprintf("parallel step %s: sub-task %d has no name", step.ID, i),
				Err:     ErrTask,
			}
		}
		args, _ := entry["args"].(map[string]any)
		calls = append(calls, dispatch.TaskCall{Name: name, Args: args})
	}
	return calls, nil
}

// stepTimeout resolves the per-attempt hard timeout: step override,
// then definition default, then the engine default.
func stepTimeout(def *Definition, step StepSpec, engineDefault time.Duration) time.Duration {
	if step.TimeoutSeconds > 0 {
		return time.Duration(step.TimeoutSeconds) * time.Second
	}
	if def.TimeoutSeconds > 0 {
		return time.Duration(def.TimeoutSeconds) * time.Second
	}
	if engineDefault > 0 {
		return engineDefault
	}
	return 5 * time.Minute
}

// recordedFailure extracts the failure message a previous executor
// memoized for the step.
func recordedFailure(in *Instance, stepID string) string {
	if res, ok := in.StepResults[stepID]; ok {
		if msg, ok := res["error"].(string); ok && msg != "" {
			return msg
		}
	}
	return "step failed on another engine"
}

// failureMessage normalizes the error surface of a failed attempt.
func failureMessage(result dispatch.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if msg := result.ErrorMessage(); msg != "" {
		return msg
	}
	return "task reported failure"
}
