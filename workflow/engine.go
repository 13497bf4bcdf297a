package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/optiflow/optiflow-go/workflow/coord"
	"github.com/optiflow/optiflow-go/workflow/dispatch"
	"github.com/optiflow/optiflow-go/workflow/emit"
)

// Engine orchestrates workflow instances end to end.
//
// The Engine is the scheduling core that:
//   - materializes instances from registered definitions
//   - executes steps in a fixed topological order with dependency gating
//   - evaluates step conditions against the instance context
//   - applies per-step retry policies with exponential backoff
//   - exposes pause/resume/cancel lifecycle controls
//   - publishes lifecycle events after each durable state change
//
// Several Engine processes may share one state store and coordination
// store; step locks and the per-instance mutex keep them from stepping
// on each other.
//
// Example:
//
//	reg := workflow.NewRegistry()
//	_ = reg.SeedTemplates()
//
//	bus := emit.NewBus(nil)
//	bus.Attach(emit.NewLogEmitter(os.Stdout, false))
//
//	eng := workflow.NewEngine(reg, store.NewMemStore(),
//	    coord.NewMemCoordinator(), dispatcher, bus, workflow.Options{})
//
//	inst, err := eng.Submit(ctx, "content-audit", input, "api")
type Engine struct {
	registry   *Registry
	store      InstanceStore
	coord      coord.Coordinator
	dispatcher dispatch.Dispatcher
	bus        *emit.Bus
	opts       Options

	mutator  *instanceMutator
	executor *Executor

	mu      sync.Mutex
	running map[string]context.CancelFunc

	wg sync.WaitGroup
}

// Options configures engine behavior. Zero values select the
// documented defaults.
type Options struct {
	// DefaultStepTimeout bounds a step attempt when neither the step
	// nor the definition sets a timeout. Default 5m.
	DefaultStepTimeout time.Duration

	// LockTimeout bounds instance-mutex acquisition. Default 10s.
	LockTimeout time.Duration

	// DependencyPoll is the re-read interval while waiting for step
	// dependencies. Default 1s.
	DependencyPoll time.Duration

	// StateTTL is the coordination-store TTL for cached instance and
	// step state. Default 24h.
	StateTTL time.Duration

	// Queue names the dispatcher queue for all dispatches. Empty means
	// the dispatcher default.
	Queue string

	// Evaluator evaluates step conditions. Nil selects the CEL
	// evaluator.
	Evaluator ConditionEvaluator

	// Metrics receives Prometheus observations. Nil disables metrics.
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.DefaultStepTimeout <= 0 {
		o.DefaultStepTimeout = 5 * time.Minute
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 10 * time.Second
	}
	if o.DependencyPoll <= 0 {
		o.DependencyPoll = time.Second
	}
	if o.StateTTL <= 0 {
		o.StateTTL = 24 * time.Hour
	}
	return o
}

// NewEngine wires an engine from its injected collaborators. Every
// dependency is an interface or concrete type the tests can substitute
// with in-memory fakes.
func NewEngine(reg *Registry, st InstanceStore, c coord.Coordinator, d dispatch.Dispatcher, bus *emit.Bus, opts Options) *Engine {
	opts = opts.withDefaults()
	if opts.Evaluator == nil {
		ev, err := NewCELEvaluator()
		if err != nil {
			// The default environment only declares one variable; a
			// failure here is a programming error.
			panic("workflow: default CEL environment: " + err.Error())
		}
		opts.Evaluator = ev
	}
	if bus == nil {
		bus = emit.NewBus(nil)
	}

	mutator := &instanceMutator{
		coord:       c,
		store:       st,
		lockTimeout: opts.LockTimeout,
		stateTTL:    opts.StateTTL,
	}

	e := &Engine{
		registry:   reg,
		store:      st,
		coord:      c,
		dispatcher: d,
		bus:        bus,
		opts:       opts,
		mutator:    mutator,
		running:    make(map[string]context.CancelFunc),
	}
	e.executor = &Executor{
		coord:      c,
		dispatcher: d,
		mutator:    mutator,
		bus:        bus,
		metrics:    opts.Metrics,
		opts:       opts,
		sleep:      sleepCtx,
	}
	return e
}

// Submit resolves a definition by id or name and starts a new instance.
//
// Inactive or unknown definitions fail with ErrDefinitionNotFound; an
// input bundle that cannot be serialized fails with ErrInvalidInput.
// The returned instance is the initial pending record; execution
// proceeds asynchronously.
func (e *Engine) Submit(ctx context.Context, nameOrID string, input map[string]any, triggeredBy string) (*Instance, error) {
	def := e.registry.GetByID(nameOrID)
	if def == nil {
		def = e.registry.Get(nameOrID)
	}
	if def == nil {
		return nil, &Error{
			Code:    "DEFINITION_NOT_FOUND",
			Message: "no active definition matches " + nameOrID,
			Err:     ErrDefinitionNotFound,
		}
	}
	if !def.IsActive {
		return nil, &Error{
			Code:    "DEFINITION_INACTIVE",
			Message: "definition " + def.Name + " is deactivated",
			Err:     ErrDefinitionNotFound,
		}
	}

	return e.StartWorkflow(ctx, def, input, triggeredBy, "")
}

// StartWorkflow materializes and launches an instance for an explicit
// definition. Most callers use Submit; StartWorkflow exists for
// sub-workflow triggers that carry a parent instance id.
func (e *Engine) StartWorkflow(ctx context.Context, def *Definition, input map[string]any, triggeredBy, parentID string) (*Instance, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if _, err := json.Marshal(input); err != nil {
		return nil, &Error{
			Code:    "UNSERIALIZABLE_INPUT",
			Message: err.Error(),
			Err:     ErrInvalidInput,
		}
	}

	in := NewInstance(uuid.NewString(), def, input, triggeredBy, parentID)
	if err := e.store.Save(ctx, in); err != nil {
		return nil, err
	}
	e.mutator.refreshCache(ctx, in)

	e.launch(def, in.ID)
	return in, nil
}

// Status returns the externally visible snapshot of an instance,
// always reflecting the latest durable state.
func (e *Engine) Status(ctx context.Context, instanceID string) (StatusReport, error) {
	in, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return StatusReport{}, err
	}

	// The step count captured at submission is authoritative; the
	// registry and terminal lists are fallbacks for records predating it.
	total := in.TotalSteps
	if total == 0 {
		if def := e.registry.GetByID(in.WorkflowID); def != nil {
			total = len(def.Steps)
		} else {
			total = len(in.CompletedSteps) + len(in.FailedSteps)
		}
	}

	return StatusReport{
		InstanceID:     in.ID,
		WorkflowID:     in.WorkflowID,
		Status:         in.Status,
		CurrentStep:    in.CurrentStepID,
		Progress:       in.Progress(total),
		CompletedSteps: in.CompletedSteps,
		FailedSteps:    in.FailedSteps,
		StartedAt:      in.StartedAt,
		CompletedAt:    in.CompletedAt,
		Error:          in.ErrorMessage,
	}, nil
}

// Pause transitions running → paused. The scheduling loop observes the
// change before dispatching the next step and exits; Resume launches a
// fresh loop.
func (e *Engine) Pause(ctx context.Context, instanceID string) (bool, error) {
	in, err := e.mutator.Mutate(ctx, instanceID, func(in *Instance) error {
		if in.Status != StatusRunning && in.Status != StatusRetry {
			return &Error{
				Code:    "NOT_RUNNING",
				Message: fmt.Sprintf("cannot pause instance in status %s", in.Status),
				Err:     ErrIllegalTransition,
			}
		}
		now := time.Now()
		in.Status = StatusPaused
		in.PausedAt = &now
		return nil
	})
	if err != nil {
		return false, err
	}

	e.emitWorkflow(emit.WorkflowPaused, in, nil)
	return true, nil
}

// Resume transitions paused → running and launches a fresh scheduling
// loop that continues from the earliest non-terminal step.
func (e *Engine) Resume(ctx context.Context, instanceID string) (bool, error) {
	in, err := e.mutator.Mutate(ctx, instanceID, func(in *Instance) error {
		if in.Status != StatusPaused {
			return &Error{
				Code:    "NOT_PAUSED",
				Message: fmt.Sprintf("cannot resume instance in status %s", in.Status),
				Err:     ErrIllegalTransition,
			}
		}
		in.Status = StatusRunning
		in.PausedAt = nil
		return nil
	})
	if err != nil {
		return false, err
	}

	def := e.registry.GetByID(in.WorkflowID)
	if def == nil {
		return false, &Error{
			Code:    "DEFINITION_NOT_FOUND",
			Message: "definition " + in.WorkflowID + " is no longer registered",
			Err:     ErrDefinitionNotFound,
		}
	}

	e.emitWorkflow(emit.WorkflowResumed, in, nil)
	e.launch(def, in.ID)
	return true, nil
}

// Cancel transitions any non-terminal status to cancelled, revokes any
// in-flight dispatch through context cancellation, and emits
// workflow.cancelled. Cancelling an already-terminal instance is a
// no-op returning false.
func (e *Engine) Cancel(ctx context.Context, instanceID string) (bool, error) {
	var already bool
	in, err := e.mutator.Mutate(ctx, instanceID, func(in *Instance) error {
		if in.Status.Terminal() {
			already = true
			return nil
		}
		now := time.Now()
		in.Status = StatusCancelled
		in.CompletedAt = &now
		in.CurrentStepID = ""
		return nil
	})
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}

	// Interrupt the scheduling loop and any awaited dispatch.
	e.mu.Lock()
	if cancel, ok := e.running[instanceID]; ok {
		cancel()
	}
	e.mu.Unlock()

	e.opts.Metrics.InstanceTerminal(in.WorkflowID, StatusCancelled)
	e.emitWorkflow(emit.WorkflowCancelled, in, nil)
	return true, nil
}

// RecoverRunning relaunches the scheduling loop for every instance the
// store reports as running or retrying. Called once at process start,
// it resumes work orphaned by a crashed engine; step locks and the
// durable completed_steps list make the handoff safe.
func (e *Engine) RecoverRunning(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []Status{StatusRunning, StatusRetry} {
		instances, err := e.store.List(ctx, Filter{Status: status})
		if err != nil {
			return recovered, err
		}
		for _, in := range instances {
			def := e.registry.GetByID(in.WorkflowID)
			if def == nil {
				continue
			}
			e.launch(def, in.ID)
			recovered++
		}
	}
	return recovered, nil
}

// RegisterDefinition validates and stores a definition in the registry.
func (e *Engine) RegisterDefinition(def *Definition, overwrite bool) error {
	return e.registry.Register(def, overwrite)
}

// GetDefinition returns the latest active version of a named
// definition, or nil.
func (e *Engine) GetDefinition(name string) *Definition {
	return e.registry.Get(name)
}

// Subscribe registers an event handler and returns its subscription id.
func (e *Engine) Subscribe(kind emit.Type, handler emit.Handler) string {
	return e.bus.Subscribe(kind, handler)
}

// Wait blocks until every scheduling loop launched by this engine has
// returned. Intended for tests and graceful shutdown.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// launch starts the scheduling loop for an instance on its own
// goroutine with a cancel hook registered for Cancel.
func (e *Engine) launch(def *Definition, instanceID string) {
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.running[instanceID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.running, instanceID)
			e.mu.Unlock()
		}()

		e.runInstance(ctx, def, instanceID)
	}()
}

// runInstance is the per-instance scheduling loop: fixed topological
// order, dependency gating, condition evaluation, and terminal
// transition.
func (e *Engine) runInstance(ctx context.Context, def *Definition, instanceID string) {
	e.opts.Metrics.InstanceStarted()
	defer e.opts.Metrics.InstanceStopped()

	order, err := topoOrder(def.Steps)
	if err != nil {
		e.failInstance(ctx, def, instanceID, err)
		return
	}

	// pending → running. A resumed instance is already running; a
	// cancelled one must not be revived.
	started := false
	in, err := e.mutator.Mutate(ctx, instanceID, func(in *Instance) error {
		switch in.Status {
		case StatusPending:
			in.Status = StatusRunning
			in.StartedAt = time.Now()
			started = true
		case StatusRunning, StatusRetry:
			// Resumed or recovered; keep going.
		default:
			return &Error{
				Code:    "NOT_RUNNABLE",
				Message: fmt.Sprintf("instance is %s", in.Status),
				Err:     ErrIllegalTransition,
			}
		}
		return nil
	})
	if err != nil {
		return
	}
	if started {
		e.emitWorkflow(emit.WorkflowStarted, in, nil)
	}

	// Steps this loop passed over without running: condition false, or a
	// required dependency failed. They never reach a durable terminal
	// state, so dependency gating must count them as settled here.
	skipped := make(map[string]bool)

	for _, stepID := range order {
		in, err := e.mutator.Load(ctx, instanceID)
		if err != nil {
			e.failInstance(ctx, def, instanceID, err)
			return
		}
		if in.Status != StatusRunning && in.Status != StatusRetry {
			// Paused or cancelled; the transition already emitted its
			// event. Resume launches a fresh loop.
			return
		}
		if in.StepDone(stepID) {
			continue
		}

		step, ok := def.Step(stepID)
		if !ok {
			e.failInstance(ctx, def, instanceID, &Error{
				Code:    "UNKNOWN_STEP",
				Message: "topological order references unknown step " + stepID,
				Err:     ErrState,
			})
			return
		}

		requiredFailed, err := e.waitForDependencies(ctx, def, step, instanceID, skipped)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			e.failInstance(ctx, def, instanceID, err)
			return
		}
		if requiredFailed {
			// A required dependency exhausted its retries: skip this
			// step as a non-fatal no-op.
			skipped[stepID] = true
			continue
		}

		runnable, err := e.evaluateCondition(step, instanceID)
		if err != nil {
			// A broken condition skips its step, never fails the run.
			runnable = false
		}
		if !runnable {
			skipped[stepID] = true
			continue
		}

		if _, err := e.mutator.Mutate(ctx, instanceID, func(in *Instance) error {
			in.CurrentStepID = stepID
			return nil
		}); err != nil {
			return
		}

		exec, err := e.executor.Execute(ctx, def, step, instanceID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			e.failInstance(ctx, def, instanceID, err)
			return
		}

		// Another engine owns the step: wait for its terminal outcome.
		// If the owner dies its lock self-expires without one, and this
		// engine re-contends instead of waiting forever.
		for exec.Skipped {
			settled, err := e.waitForStep(ctx, stepID, instanceID)
			if err != nil {
				return
			}
			if settled {
				break
			}

			exec, err = e.executor.Execute(ctx, def, step, instanceID)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				e.failInstance(ctx, def, instanceID, err)
				return
			}
		}

		switch {
		case exec.Halted:
			return
		case exec.Skipped:
			// Terminal outcome recorded by the other engine.
		case !exec.Completed && !step.AllowFailure:
			e.failInstance(ctx, def, instanceID, &Error{
				Code:    "STEP_FAILED",
				Message: fmt.Sprintf("step %s failed: %s", stepID, exec.FailureMessage),
				Err:     ErrTask,
			})
			return
		}
	}

	e.completeInstance(ctx, def, instanceID)
}

// completeInstance finalizes a run whose loop finished with the
// instance still runnable.
func (e *Engine) completeInstance(ctx context.Context, def *Definition, instanceID string) {
	finished := false
	in, err := e.mutator.Mutate(ctx, instanceID, func(in *Instance) error {
		if in.Status != StatusRunning && in.Status != StatusRetry {
			return nil
		}
		now := time.Now()
		in.Status = StatusCompleted
		in.CompletedAt = &now
		in.CurrentStepID = ""
		finished = true
		return nil
	})
	if err != nil || !finished {
		return
	}

	e.opts.Metrics.InstanceTerminal(def.ID, StatusCompleted)
	e.emitWorkflow(emit.WorkflowCompleted, in, nil)
}

// failInstance records a fatal error and emits workflow.failed. The
// durable write always precedes the event.
func (e *Engine) failInstance(ctx context.Context, def *Definition, instanceID string, cause error) {
	failed := false
	in, err := e.mutator.Mutate(context.WithoutCancel(ctx), instanceID, func(in *Instance) error {
		if in.Status.Terminal() {
			return nil
		}
		now := time.Now()
		in.Status = StatusFailed
		in.CompletedAt = &now
		in.CurrentStepID = ""
		in.ErrorMessage = cause.Error()
		failed = true
		return nil
	})
	if err != nil || !failed {
		return
	}

	e.opts.Metrics.InstanceTerminal(def.ID, StatusFailed)
	e.emitWorkflow(emit.WorkflowFailed, in, map[string]any{"error": cause.Error()})
}

// waitForDependencies blocks until every dependency of step is
// settled: durably terminal, or passed over by this loop. State is
// re-read at the configured poll interval.
//
// Returns requiredFailed=true when a dependency that does not allow
// failure is in failed_steps; the caller then skips the step.
func (e *Engine) waitForDependencies(ctx context.Context, def *Definition, step StepSpec, instanceID string, skipped map[string]bool) (bool, error) {
	if len(step.DependsOn) == 0 {
		return false, nil
	}

	for {
		in, err := e.mutator.Load(ctx, instanceID)
		if err != nil {
			return false, err
		}
		if in.Status != StatusRunning && in.Status != StatusRetry {
			return false, context.Canceled
		}

		allDone := true
		requiredFailed := false
		for _, dep := range step.DependsOn {
			if skipped[dep] {
				continue
			}
			if !in.StepDone(dep) {
				allDone = false
				break
			}
			if in.StepFailed(dep) {
				if depSpec, ok := def.Step(dep); ok && !depSpec.AllowFailure {
					requiredFailed = true
				}
			}
		}
		if allDone {
			return requiredFailed, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(e.opts.DependencyPoll):
		}
	}
}

// waitForStep blocks while another engine holds the step lock. Returns
// settled=true once the step is terminal on the durable record, and
// settled=false when the lock disappeared without an outcome, which
// means the owner died and the caller should re-contend for the step.
func (e *Engine) waitForStep(ctx context.Context, stepID, instanceID string) (bool, error) {
	lockKey := coord.StepLockKey(instanceID, stepID)

	for {
		in, err := e.mutator.Load(ctx, instanceID)
		if err != nil {
			return false, err
		}
		if in.Status != StatusRunning && in.Status != StatusRetry {
			return false, context.Canceled
		}
		if in.StepDone(stepID) {
			return true, nil
		}

		// The owner records the terminal outcome before releasing, so a
		// free lock with no outcome means the owner is gone.
		if _, err := e.coord.Get(ctx, lockKey); errors.Is(err, coord.ErrNotFound) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(e.opts.DependencyPoll):
		}
	}
}

// evaluateCondition runs the step's condition against the freshest
// instance context.
func (e *Engine) evaluateCondition(step StepSpec, instanceID string) (bool, error) {
	if step.Condition == "" {
		return true, nil
	}

	in, err := e.mutator.Load(context.Background(), instanceID)
	if err != nil {
		return false, err
	}
	return e.opts.Evaluator.Evaluate(step.Condition, in.Context)
}

func (e *Engine) emitWorkflow(kind emit.Type, in *Instance, meta map[string]any) {
	e.bus.Emit(emit.Event{
		Type:       kind,
		InstanceID: in.ID,
		WorkflowID: in.WorkflowID,
		At:         time.Now(),
		Meta:       meta,
	})
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
