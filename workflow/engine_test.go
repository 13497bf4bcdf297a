package workflow_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/optiflow/optiflow-go/workflow"
	"github.com/optiflow/optiflow-go/workflow/coord"
	"github.com/optiflow/optiflow-go/workflow/dispatch"
	"github.com/optiflow/optiflow-go/workflow/emit"
	"github.com/optiflow/optiflow-go/workflow/store"
)

// recorder collects bus events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []emit.Event
}

func (r *recorder) handle(e emit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []emit.Type {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]emit.Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) ofType(kind emit.Type) []emit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]emit.Event, 0)
	for _, e := range r.events {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

// testHarness wires a full engine over in-memory backends with fast
// polling and an instant backoff sleep.
type testHarness struct {
	engine     *workflow.Engine
	registry   *workflow.Registry
	store      *store.MemStore
	coord      *coord.MemCoordinator
	dispatcher *dispatch.LocalDispatcher
	recorder   *recorder

	mu     sync.Mutex
	delays []time.Duration
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{
		registry:   workflow.NewRegistry(),
		store:      store.NewMemStore(),
		coord:      coord.NewMemCoordinator(),
		dispatcher: dispatch.NewLocalDispatcher(8),
		recorder:   &recorder{},
	}

	bus := emit.NewBus(nil)
	bus.SubscribeAll(h.recorder.handle)

	h.engine = workflow.NewEngine(h.registry, h.store, h.coord, h.dispatcher, bus, workflow.Options{
		DefaultStepTimeout: 5 * time.Second,
		LockTimeout:        2 * time.Second,
		DependencyPoll:     10 * time.Millisecond,
	})
	h.engine.SetBackoffSleep(func(_ context.Context, d time.Duration) error {
		h.mu.Lock()
		h.delays = append(h.delays, d)
		h.mu.Unlock()
		return nil
	})
	return h
}

func (h *testHarness) backoffDelays() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.delays...)
}

func (h *testHarness) register(t *testing.T, def *workflow.Definition) {
	t.Helper()
	if err := h.registry.Register(def, true); err != nil {
		t.Fatalf("Register(%s) error: %v", def.Name, err)
	}
}

// run submits the workflow and waits for every scheduling loop to
// return.
func (h *testHarness) run(t *testing.T, name string, input map[string]any) *workflow.Instance {
	t.Helper()

	in, err := h.engine.Submit(context.Background(), name, input, "test")
	if err != nil {
		t.Fatalf("Submit(%s) error: %v", name, err)
	}
	h.engine.Wait()
	return h.reload(t, in.ID)
}

func (h *testHarness) reload(t *testing.T, id string) *workflow.Instance {
	t.Helper()
	in, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("store.Get(%s) error: %v", id, err)
	}
	return in
}

func okTask(result dispatch.Result) dispatch.TaskFunc {
	return func(context.Context, map[string]any) (dispatch.Result, error) {
		return result, nil
	}
}

func TestEngineLinearSuccess(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "linear:1", Name: "linear", Version: 1,
		Steps: []workflow.StepSpec{
			{ID: "extract", Type: workflow.StepAnalysis, TaskName: "extract"},
			{ID: "transform", Type: workflow.StepTransformation, TaskName: "transform", DependsOn: []string{"extract"}},
			{ID: "load", Type: workflow.StepCustom, TaskName: "load", DependsOn: []string{"transform"}},
		},
	})
	for _, name := range []string{"extract", "transform", "load"} {
		h.dispatcher.Register(name, okTask(dispatch.Result{"status": "ok"}))
	}

	in := h.run(t, "linear", map[string]any{"url": "https://example.com"})

	if in.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed (error=%q)", in.Status, in.ErrorMessage)
	}
	if in.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal instance")
	}
	if in.CurrentStepID != "" {
		t.Errorf("CurrentStepID = %q on terminal instance", in.CurrentStepID)
	}

	wantSteps := []string{"extract", "transform", "load"}
	for i, id := range wantSteps {
		if in.CompletedSteps[i] != id {
			t.Fatalf("CompletedSteps = %v, want %v", in.CompletedSteps, wantSteps)
		}
	}

	want := []emit.Type{
		emit.WorkflowStarted,
		emit.StepStarted, emit.StepCompleted,
		emit.StepStarted, emit.StepCompleted,
		emit.StepStarted, emit.StepCompleted,
		emit.WorkflowCompleted,
	}
	got := h.recorder.types()
	if len(got) != len(want) {
		t.Fatalf("event stream = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (stream %v)", i, got[i], want[i], got)
		}
	}

	// Step events carry ids in execution order.
	started := h.recorder.ofType(emit.StepStarted)
	for i, id := range wantSteps {
		if started[i].StepID != id {
			t.Errorf("step.started %d = %s, want %s", i, started[i].StepID, id)
		}
	}
}

func TestEngineRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "flaky:1", Name: "flaky", Version: 1,
		Steps: []workflow.StepSpec{{
			ID: "fetch", TaskName: "fetch",
			Retry: workflow.RetryPolicy{MaxAttempts: 3, DelaySeconds: 1, BackoffMultiplier: 2.0, MaxDelaySeconds: 60},
		}},
	})

	calls := 0
	h.dispatcher.Register("fetch", func(context.Context, map[string]any) (dispatch.Result, error) {
		calls++
		if calls < 3 {
			return dispatch.Result{"status": "error", "error": "upstream 503"}, nil
		}
		return dispatch.Result{"status": "ok"}, nil
	})

	in := h.run(t, "flaky", nil)

	if in.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed", in.Status)
	}
	if calls != 3 {
		t.Errorf("task ran %d times, want 3", calls)
	}
	if in.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", in.RetryCount)
	}

	retrying := h.recorder.ofType(emit.StepRetrying)
	if len(retrying) != 2 {
		t.Fatalf("got %d step.retrying events, want 2", len(retrying))
	}
	if retrying[0].Meta["attempt"] != 1 || retrying[1].Meta["attempt"] != 2 {
		t.Errorf("retry attempts = %v, %v", retrying[0].Meta["attempt"], retrying[1].Meta["attempt"])
	}
	if retrying[0].Meta["delay_seconds"] != 1.0 || retrying[1].Meta["delay_seconds"] != 2.0 {
		t.Errorf("retry delays = %v, %v, want 1 and 2",
			retrying[0].Meta["delay_seconds"], retrying[1].Meta["delay_seconds"])
	}
	if retrying[0].Meta["error"] != "upstream 503" {
		t.Errorf("retry error = %v", retrying[0].Meta["error"])
	}

	// The policy-computed delays reached the backoff sleep.
	delays := h.backoffDelays()
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Errorf("backoff delays = %v, want [1s 2s]", delays)
	}

	if len(h.recorder.ofType(emit.StepFailed)) != 0 {
		t.Error("step.failed emitted for a step that eventually succeeded")
	}
}

func TestEngineRetryExhaustion(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "doomed:1", Name: "doomed", Version: 1,
		Steps: []workflow.StepSpec{
			{
				ID: "broken", TaskName: "broken",
				Retry: workflow.RetryPolicy{MaxAttempts: 2, DelaySeconds: 1, BackoffMultiplier: 1.0, MaxDelaySeconds: 1},
			},
			{ID: "never", TaskName: "never", DependsOn: []string{"broken"}},
		},
	})

	h.dispatcher.Register("broken", okTask(dispatch.Result{"status": "error", "error": "schema drift"}))
	neverRan := false
	h.dispatcher.Register("never", func(context.Context, map[string]any) (dispatch.Result, error) {
		neverRan = true
		return dispatch.Result{"status": "ok"}, nil
	})

	in := h.run(t, "doomed", nil)

	if in.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want failed", in.Status)
	}
	if len(in.FailedSteps) != 1 || in.FailedSteps[0] != "broken" {
		t.Errorf("FailedSteps = %v", in.FailedSteps)
	}
	if !strings.Contains(in.ErrorMessage, "broken") || !strings.Contains(in.ErrorMessage, "schema drift") {
		t.Errorf("ErrorMessage = %q", in.ErrorMessage)
	}
	if in.CompletedAt == nil {
		t.Error("CompletedAt not set on failed instance")
	}
	if neverRan {
		t.Error("downstream step ran after a fatal failure")
	}

	failed := h.recorder.ofType(emit.StepFailed)
	if len(failed) != 1 || failed[0].StepID != "broken" {
		t.Fatalf("step.failed events = %v", failed)
	}
	if failed[0].Meta["attempt"] != 2 {
		t.Errorf("final attempt = %v, want 2", failed[0].Meta["attempt"])
	}
	if len(h.recorder.ofType(emit.WorkflowFailed)) != 1 {
		t.Error("workflow.failed not emitted exactly once")
	}
	if len(h.recorder.ofType(emit.WorkflowCompleted)) != 0 {
		t.Error("workflow.completed emitted for a failed instance")
	}
}

func TestEngineAllowFailureContinues(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "tolerant:1", Name: "tolerant", Version: 1,
		Steps: []workflow.StepSpec{
			{
				ID: "optional", TaskName: "optional", AllowFailure: true,
				Retry: workflow.RetryPolicy{MaxAttempts: 1, DelaySeconds: 1, BackoffMultiplier: 1.0, MaxDelaySeconds: 1},
			},
			{ID: "main", TaskName: "main", DependsOn: []string{"optional"}},
		},
	})

	h.dispatcher.Register("optional", okTask(dispatch.Result{"status": "error", "error": "best effort"}))
	h.dispatcher.Register("main", okTask(dispatch.Result{"status": "ok"}))

	in := h.run(t, "tolerant", nil)

	if in.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed (error=%q)", in.Status, in.ErrorMessage)
	}
	if len(in.FailedSteps) != 1 || in.FailedSteps[0] != "optional" {
		t.Errorf("FailedSteps = %v", in.FailedSteps)
	}
	if len(in.CompletedSteps) != 1 || in.CompletedSteps[0] != "main" {
		t.Errorf("CompletedSteps = %v", in.CompletedSteps)
	}
	if got := in.StepResults["optional"]["error"]; got != "best effort" {
		t.Errorf("memoized failure = %v", got)
	}
}

func TestEngineStepTimeout(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "stuck:1", Name: "stuck", Version: 1,
		Steps: []workflow.StepSpec{{
			ID: "hang", TaskName: "hang", TimeoutSeconds: 1,
			Retry: workflow.RetryPolicy{MaxAttempts: 1, DelaySeconds: 1, BackoffMultiplier: 1.0, MaxDelaySeconds: 1},
		}},
	})

	// Ignores its context entirely; only the await timeout can stop it.
	h.dispatcher.Register("hang", func(context.Context, map[string]any) (dispatch.Result, error) {
		time.Sleep(3 * time.Second)
		return dispatch.Result{"status": "ok"}, nil
	})

	in := h.run(t, "stuck", nil)

	if in.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want failed", in.Status)
	}
	if !strings.Contains(in.ErrorMessage, "timeout") {
		t.Errorf("ErrorMessage = %q, want a timeout mention", in.ErrorMessage)
	}
}

func TestEngineBranchingAndConditions(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "seo:1", Name: "seo", Version: 1,
		Steps: []workflow.StepSpec{
			{ID: "classify", Type: workflow.StepBranching, TaskName: "classify"},
			{
				ID: "optimize", TaskName: "optimize", DependsOn: []string{"classify"},
				Condition: `ctx.branch == "needs_work"`,
			},
			{
				ID: "celebrate", TaskName: "celebrate", DependsOn: []string{"classify"},
				Condition: `ctx.branch == "ok"`,
			},
		},
	})

	h.dispatcher.Register("classify", okTask(dispatch.Result{"status": "ok", "branch": "needs_work"}))
	h.dispatcher.Register("optimize", okTask(dispatch.Result{
		"status":  "ok",
		"output":  map[string]any{"rewritten": true},
		"context": map[string]any{"score": 0.9},
	}))
	celebrated := false
	h.dispatcher.Register("celebrate", func(context.Context, map[string]any) (dispatch.Result, error) {
		celebrated = true
		return dispatch.Result{"status": "ok"}, nil
	})

	in := h.run(t, "seo", nil)

	if in.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed (error=%q)", in.Status, in.ErrorMessage)
	}
	if celebrated {
		t.Error("false-condition step ran")
	}
	if in.StepDone("celebrate") {
		t.Error("skipped step recorded as terminal")
	}

	// Branch tag, output, and context merges landed on the instance.
	if got := in.Context["branch"]; got != "needs_work" {
		t.Errorf("Context[branch] = %v", got)
	}
	if got := in.OutputData["rewritten"]; got != true {
		t.Errorf("OutputData = %v", in.OutputData)
	}
	if got := in.Context["score"]; got != 0.9 {
		t.Errorf("Context[score] = %v", got)
	}
}

func TestEngineConditionErrorSkipsStep(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "guarded:1", Name: "guarded", Version: 1,
		Steps: []workflow.StepSpec{
			{ID: "first", TaskName: "first"},
			{
				ID: "guarded", TaskName: "guarded", DependsOn: []string{"first"},
				// Runtime error: key absent and no has() guard.
				Condition: `ctx.never_set == "x"`,
			},
		},
	})

	h.dispatcher.Register("first", okTask(dispatch.Result{"status": "ok"}))
	ran := false
	h.dispatcher.Register("guarded", func(context.Context, map[string]any) (dispatch.Result, error) {
		ran = true
		return dispatch.Result{"status": "ok"}, nil
	})

	in := h.run(t, "guarded", nil)

	if in.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed", in.Status)
	}
	if ran {
		t.Error("step with erroring condition ran")
	}
}

func TestEngineParallelStep(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "fanout:1", Name: "fanout", Version: 1,
		MaxParallelSteps: 2,
		Steps: []workflow.StepSpec{{
			ID: "shards", Type: workflow.StepParallel,
			TaskArgs: map[string]any{
				"tasks": []any{
					map[string]any{"name": "shard", "args": map[string]any{"shard": "alpha"}},
					map[string]any{"name": "shard", "args": map[string]any{"shard": "beta"}},
					map[string]any{"name": "shard", "args": map[string]any{"shard": "gamma"}},
				},
			},
		}},
	})

	var mu sync.Mutex
	seen := make(map[string]string) // shard -> synthetic step id
	h.dispatcher.Register("shard", func(_ context.Context, args map[string]any) (dispatch.Result, error) {
		mu.Lock()
		seen[args["shard"].(string)] = args["step_id"].(string)
		mu.Unlock()
		return dispatch.Result{"status": "ok", "shard": args["shard"]}, nil
	})

	in := h.run(t, "fanout", nil)

	if in.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed (error=%q)", in.Status, in.ErrorMessage)
	}
	if len(seen) != 3 {
		t.Fatalf("ran %d sub-tasks, want 3", len(seen))
	}
	if seen["alpha"] != "shards:0" || seen["beta"] != "shards:1" || seen["gamma"] != "shards:2" {
		t.Errorf("synthetic step ids = %v", seen)
	}

	agg := in.StepResults["shards"]
	if agg["status"] != "completed" {
		t.Errorf("aggregate status = %v", agg["status"])
	}
	results, ok := agg["results"].([]any)
	if !ok || len(results) != 3 {
		t.Fatalf("aggregate results = %v", agg["results"])
	}
	if _, ok := agg["completed_at"].(string); !ok {
		t.Errorf("completed_at = %v", agg["completed_at"])
	}

	// One step on the DAG, three dispatches underneath.
	if len(h.recorder.ofType(emit.StepStarted)) != 1 {
		t.Error("parallel step emitted more than one step.started")
	}
}

func TestEngineParallelSubtaskFailure(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "fragile-fanout:1", Name: "fragile-fanout", Version: 1,
		Steps: []workflow.StepSpec{{
			ID: "shards", Type: workflow.StepParallel,
			Retry: workflow.RetryPolicy{MaxAttempts: 1, DelaySeconds: 1, BackoffMultiplier: 1.0, MaxDelaySeconds: 1},
			TaskArgs: map[string]any{
				"tasks": []any{
					map[string]any{"name": "shard", "args": map[string]any{"shard": "good"}},
					map[string]any{"name": "shard", "args": map[string]any{"shard": "bad"}},
				},
			},
		}},
	})

	h.dispatcher.Register("shard", func(_ context.Context, args map[string]any) (dispatch.Result, error) {
		if args["shard"] == "bad" {
			return dispatch.Result{"status": "error", "error": "shard corrupt"}, nil
		}
		return dispatch.Result{"status": "ok"}, nil
	})

	in := h.run(t, "fragile-fanout", nil)

	if in.Status != workflow.StatusFailed {
		t.Fatalf("status = %s, want failed", in.Status)
	}
	if !strings.Contains(in.ErrorMessage, "shard corrupt") {
		t.Errorf("ErrorMessage = %q", in.ErrorMessage)
	}
}

func TestEngineTaskArguments(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "args:1", Name: "args", Version: 1,
		Steps: []workflow.StepSpec{{
			ID: "probe", TaskName: "probe",
			TaskArgs: map[string]any{"mode": "fast", "step_id": "pinned"},
		}},
	})

	var got map[string]any
	h.dispatcher.Register("probe", func(_ context.Context, args map[string]any) (dispatch.Result, error) {
		got = args
		return dispatch.Result{"status": "ok"}, nil
	})

	in := h.run(t, "args", map[string]any{"url": "https://example.com"})
	if in.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s", in.Status)
	}

	if got["workflow_instance_id"] != in.ID {
		t.Errorf("workflow_instance_id = %v", got["workflow_instance_id"])
	}
	input, ok := got["input_data"].(map[string]any)
	if !ok || input["url"] != "https://example.com" {
		t.Errorf("input_data = %v", got["input_data"])
	}
	if _, ok := got["context"].(map[string]any); !ok {
		t.Errorf("context = %v", got["context"])
	}
	if _, ok := got["step_results"]; !ok {
		t.Error("step_results missing from args")
	}
	if got["mode"] != "fast" {
		t.Errorf("static arg mode = %v", got["mode"])
	}
	// Static args overlay the built-ins on conflict.
	if got["step_id"] != "pinned" {
		t.Errorf("step_id = %v, want the static overlay", got["step_id"])
	}
}

func TestEnginePauseResume(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "pausable:1", Name: "pausable", Version: 1,
		Steps: []workflow.StepSpec{
			{ID: "one", TaskName: "one"},
			{ID: "two", TaskName: "two", DependsOn: []string{"one"}},
			{ID: "three", TaskName: "three", DependsOn: []string{"two"}},
		},
	})

	h.dispatcher.Register("one", okTask(dispatch.Result{"status": "ok"}))

	started := make(chan struct{})
	release := make(chan struct{})
	h.dispatcher.Register("two", func(context.Context, map[string]any) (dispatch.Result, error) {
		close(started)
		<-release
		return dispatch.Result{"status": "ok"}, nil
	})
	threeRuns := 0
	h.dispatcher.Register("three", func(context.Context, map[string]any) (dispatch.Result, error) {
		threeRuns++
		return dispatch.Result{"status": "ok"}, nil
	})

	ctx := context.Background()
	in, err := h.engine.Submit(ctx, "pausable", nil, "test")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	<-started
	if ok, err := h.engine.Pause(ctx, in.ID); err != nil || !ok {
		t.Fatalf("Pause() = %v, %v", ok, err)
	}
	close(release)
	h.engine.Wait()

	paused := h.reload(t, in.ID)
	if paused.Status != workflow.StatusPaused {
		t.Fatalf("status after pause = %s", paused.Status)
	}
	if paused.PausedAt == nil {
		t.Error("PausedAt not set")
	}
	// The in-flight step finished; the loop stopped before the next one.
	if !paused.StepCompleted("two") {
		t.Error("in-flight step not recorded before pausing")
	}
	if threeRuns != 0 {
		t.Error("step three ran while paused")
	}

	t.Run("pause of paused instance is illegal", func(t *testing.T) {
		_, err := h.engine.Pause(ctx, in.ID)
		if !errors.Is(err, workflow.ErrIllegalTransition) {
			t.Errorf("Pause() = %v, want ErrIllegalTransition", err)
		}
	})

	if ok, err := h.engine.Resume(ctx, in.ID); err != nil || !ok {
		t.Fatalf("Resume() = %v, %v", ok, err)
	}
	h.engine.Wait()

	final := h.reload(t, in.ID)
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("status after resume = %s (error=%q)", final.Status, final.ErrorMessage)
	}
	if final.PausedAt != nil {
		t.Error("PausedAt still set after resume")
	}
	if threeRuns != 1 {
		t.Errorf("step three ran %d times, want 1", threeRuns)
	}

	// Completed steps never rerun after resume.
	if len(h.recorder.ofType(emit.WorkflowStarted)) != 1 {
		t.Error("workflow.started emitted more than once")
	}
	if len(h.recorder.ofType(emit.WorkflowPaused)) != 1 || len(h.recorder.ofType(emit.WorkflowResumed)) != 1 {
		t.Error("pause/resume events missing")
	}

	t.Run("resume of completed instance is illegal", func(t *testing.T) {
		_, err := h.engine.Resume(ctx, in.ID)
		if !errors.Is(err, workflow.ErrIllegalTransition) {
			t.Errorf("Resume() = %v, want ErrIllegalTransition", err)
		}
	})
}

func TestEngineCancel(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "cancellable:1", Name: "cancellable", Version: 1,
		Steps: []workflow.StepSpec{
			{ID: "slow", TaskName: "slow"},
			{ID: "after", TaskName: "after", DependsOn: []string{"slow"}},
		},
	})

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.dispatcher.Register("slow", func(context.Context, map[string]any) (dispatch.Result, error) {
		close(started)
		<-release
		return dispatch.Result{"status": "ok"}, nil
	})
	afterRan := false
	h.dispatcher.Register("after", func(context.Context, map[string]any) (dispatch.Result, error) {
		afterRan = true
		return dispatch.Result{"status": "ok"}, nil
	})

	ctx := context.Background()
	in, err := h.engine.Submit(ctx, "cancellable", nil, "test")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	<-started
	ok, err := h.engine.Cancel(ctx, in.ID)
	if err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v", ok, err)
	}
	h.engine.Wait()

	final := h.reload(t, in.ID)
	if final.Status != workflow.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", final.Status)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt not set on cancelled instance")
	}
	if afterRan {
		t.Error("downstream step ran after cancellation")
	}
	if len(h.recorder.ofType(emit.WorkflowCancelled)) != 1 {
		t.Error("workflow.cancelled not emitted exactly once")
	}

	t.Run("second cancel is a no-op", func(t *testing.T) {
		ok, err := h.engine.Cancel(ctx, in.ID)
		if err != nil {
			t.Fatalf("Cancel() error: %v", err)
		}
		if ok {
			t.Error("cancel of terminal instance reported true")
		}
	})
}

func TestEngineSubmitErrors(t *testing.T) {
	h := newHarness(t)

	t.Run("unknown definition", func(t *testing.T) {
		_, err := h.engine.Submit(context.Background(), "ghost", nil, "test")
		if !errors.Is(err, workflow.ErrDefinitionNotFound) {
			t.Errorf("Submit(ghost) = %v, want ErrDefinitionNotFound", err)
		}
	})

	t.Run("deactivated definition", func(t *testing.T) {
		h.register(t, &workflow.Definition{
			ID: "retired:1", Name: "retired", Version: 1,
			Steps: []workflow.StepSpec{{ID: "a", TaskName: "a"}},
		})
		if err := h.registry.Deactivate("retired"); err != nil {
			t.Fatal(err)
		}

		_, err := h.engine.Submit(context.Background(), "retired", nil, "test")
		if !errors.Is(err, workflow.ErrDefinitionNotFound) {
			t.Errorf("Submit(retired) = %v, want ErrDefinitionNotFound", err)
		}
	})

	t.Run("unserializable input", func(t *testing.T) {
		h.register(t, &workflow.Definition{
			ID: "strict:1", Name: "strict", Version: 1,
			Steps: []workflow.StepSpec{{ID: "a", TaskName: "a"}},
		})

		_, err := h.engine.Submit(context.Background(), "strict",
			map[string]any{"bad": make(chan int)}, "test")
		if !errors.Is(err, workflow.ErrInvalidInput) {
			t.Errorf("Submit(chan input) = %v, want ErrInvalidInput", err)
		}
	})
}

func TestEngineStatus(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "status:1", Name: "status", Version: 1,
		Steps: []workflow.StepSpec{
			{ID: "a", TaskName: "a"},
			{ID: "b", TaskName: "b", DependsOn: []string{"a"}},
		},
	})
	h.dispatcher.Register("a", okTask(dispatch.Result{"status": "ok"}))
	h.dispatcher.Register("b", okTask(dispatch.Result{"status": "ok"}))

	in := h.run(t, "status", nil)

	report, err := h.engine.Status(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if report.Status != workflow.StatusCompleted {
		t.Errorf("report status = %s", report.Status)
	}
	if report.Progress != 100 {
		t.Errorf("progress = %v, want 100", report.Progress)
	}
	if len(report.CompletedSteps) != 2 {
		t.Errorf("completed steps = %v", report.CompletedSteps)
	}
	if report.WorkflowID != "status:1" {
		t.Errorf("workflow id = %s", report.WorkflowID)
	}

	t.Run("unknown instance", func(t *testing.T) {
		_, err := h.engine.Status(context.Background(), "ghost")
		if !errors.Is(err, workflow.ErrInstanceNotFound) {
			t.Errorf("Status(ghost) = %v, want ErrInstanceNotFound", err)
		}
	})

	t.Run("progress survives registry loss", func(t *testing.T) {
		// The definition was never registered here; progress must come
		// from the step count captured at submission.
		gone := &workflow.Definition{
			ID: "gone:1", Name: "gone", Version: 1,
			Steps: []workflow.StepSpec{
				{ID: "a", TaskName: "a"},
				{ID: "b", TaskName: "b", DependsOn: []string{"a"}},
				{ID: "c", TaskName: "c", DependsOn: []string{"b"}},
				{ID: "d", TaskName: "d", DependsOn: []string{"c"}},
			},
		}
		in := workflow.NewInstance("lost-def-1", gone, nil, "test", "")
		in.Status = workflow.StatusRunning
		in.StartedAt = time.Now()
		in.CompletedSteps = []string{"a", "b"}
		if err := h.store.Save(context.Background(), in); err != nil {
			t.Fatal(err)
		}

		report, err := h.engine.Status(context.Background(), "lost-def-1")
		if err != nil {
			t.Fatalf("Status() error: %v", err)
		}
		if report.Progress != 50 {
			t.Errorf("progress = %v, want 50", report.Progress)
		}
	})
}

func TestEngineRecoverRunning(t *testing.T) {
	h := newHarness(t)

	def := &workflow.Definition{
		ID: "recover:1", Name: "recover", Version: 1,
		Steps: []workflow.StepSpec{
			{ID: "s1", TaskName: "s1"},
			{ID: "s2", TaskName: "s2", DependsOn: []string{"s1"}},
		},
	}
	h.register(t, def)

	s1Runs, s2Runs := 0, 0
	h.dispatcher.Register("s1", func(context.Context, map[string]any) (dispatch.Result, error) {
		s1Runs++
		return dispatch.Result{"status": "ok"}, nil
	})
	h.dispatcher.Register("s2", func(context.Context, map[string]any) (dispatch.Result, error) {
		s2Runs++
		return dispatch.Result{"status": "ok"}, nil
	})

	// A crashed engine left this instance mid-flight: step one durable,
	// step two never started.
	ctx := context.Background()
	orphan := workflow.NewInstance("orphan-1", def, nil, "test", "")
	orphan.Status = workflow.StatusRunning
	orphan.StartedAt = time.Now()
	orphan.CompletedSteps = []string{"s1"}
	if err := h.store.Save(ctx, orphan); err != nil {
		t.Fatal(err)
	}

	n, err := h.engine.RecoverRunning(ctx)
	if err != nil {
		t.Fatalf("RecoverRunning() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d instances, want 1", n)
	}
	h.engine.Wait()

	final := h.reload(t, "orphan-1")
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed (error=%q)", final.Status, final.ErrorMessage)
	}
	if s1Runs != 0 {
		t.Errorf("durably completed step reran %d times", s1Runs)
	}
	if s2Runs != 1 {
		t.Errorf("pending step ran %d times, want 1", s2Runs)
	}
}

// TestEngineStepLockRace runs two engines over a shared state and
// coordination store. Exactly one may execute the step; the other must
// observe the winner's result instead of dispatching again.
func TestEngineStepLockRace(t *testing.T) {
	reg := workflow.NewRegistry()
	st := store.NewMemStore()
	co := coord.NewMemCoordinator()

	def := &workflow.Definition{
		ID: "contended:1", Name: "contended", Version: 1,
		Steps: []workflow.StepSpec{{ID: "work", TaskName: "work"}},
	}
	if err := reg.Register(def, false); err != nil {
		t.Fatal(err)
	}

	opts := workflow.Options{
		DefaultStepTimeout: 5 * time.Second,
		LockTimeout:        2 * time.Second,
		DependencyPoll:     10 * time.Millisecond,
	}

	recA, recB := &recorder{}, &recorder{}
	busA, busB := emit.NewBus(nil), emit.NewBus(nil)
	busA.SubscribeAll(recA.handle)
	busB.SubscribeAll(recB.handle)

	started := make(chan struct{})
	release := make(chan struct{})

	dispA := dispatch.NewLocalDispatcher(4)
	dispA.Register("work", func(context.Context, map[string]any) (dispatch.Result, error) {
		close(started)
		<-release
		return dispatch.Result{"status": "ok", "by": "A"}, nil
	})

	callsB := 0
	dispB := dispatch.NewLocalDispatcher(4)
	dispB.Register("work", func(context.Context, map[string]any) (dispatch.Result, error) {
		callsB++
		return dispatch.Result{"status": "ok", "by": "B"}, nil
	})

	engineA := workflow.NewEngine(reg, st, co, dispA, busA, opts)
	engineB := workflow.NewEngine(reg, st, co, dispB, busB, opts)

	ctx := context.Background()
	in, err := engineA.Submit(ctx, "contended", nil, "test")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	// Engine A holds the step lock while its task is in flight. Engine B
	// picks the same instance up, loses the lock, and waits.
	<-started
	n, err := engineB.RecoverRunning(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverRunning() = %d, %v", n, err)
	}
	time.Sleep(50 * time.Millisecond)

	close(release)
	engineA.Wait()
	engineB.Wait()

	final, err := st.Get(ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s (error=%q)", final.Status, final.ErrorMessage)
	}
	if callsB != 0 {
		t.Errorf("losing engine dispatched the step %d times", callsB)
	}
	if got := final.StepResults["work"]["by"]; got != "A" {
		t.Errorf("step result recorded by %v, want A", got)
	}

	completed := len(recA.ofType(emit.WorkflowCompleted)) + len(recB.ofType(emit.WorkflowCompleted))
	if completed != 1 {
		t.Errorf("workflow.completed emitted %d times across engines, want 1", completed)
	}
}

// TestEngineRetrySurvivesLockExpiry forces the step lock to lapse
// during a retry backoff. The executor must re-acquire its own lock in
// place and finish the retry loop, rather than yielding the step and
// leaving the instance without a terminal outcome.
func TestEngineRetrySurvivesLockExpiry(t *testing.T) {
	h := newHarness(t)
	h.register(t, &workflow.Definition{
		ID: "flap:1", Name: "flap", Version: 1,
		Steps: []workflow.StepSpec{{
			ID: "flap", TaskName: "flap",
			Retry: workflow.RetryPolicy{MaxAttempts: 2, DelaySeconds: 1, BackoffMultiplier: 1.0, MaxDelaySeconds: 1},
		}},
	})

	calls := 0
	h.dispatcher.Register("flap", func(context.Context, map[string]any) (dispatch.Result, error) {
		calls++
		if calls == 1 {
			return dispatch.Result{"status": "error", "error": "first attempt"}, nil
		}
		return dispatch.Result{"status": "ok"}, nil
	})

	backoffEntered := make(chan struct{})
	releaseBackoff := make(chan struct{})
	h.engine.SetBackoffSleep(func(context.Context, time.Duration) error {
		close(backoffEntered)
		<-releaseBackoff
		return nil
	})

	ctx := context.Background()
	in, err := h.engine.Submit(ctx, "flap", nil, "test")
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	// The lock TTL lapses while the executor sleeps out the backoff.
	<-backoffEntered
	if err := h.coord.Delete(ctx, coord.StepLockKey(in.ID, "flap")); err != nil {
		t.Fatal(err)
	}
	close(releaseBackoff)

	done := make(chan struct{})
	go func() { h.engine.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("instance never reached a terminal state after the lock lapsed")
	}

	final := h.reload(t, in.ID)
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed (error=%q)", final.Status, final.ErrorMessage)
	}
	if calls != 2 {
		t.Errorf("task ran %d times, want 2", calls)
	}
	// The same executor kept the step: one step.started, no handoff.
	if got := len(h.recorder.ofType(emit.StepStarted)); got != 1 {
		t.Errorf("step.started emitted %d times, want 1", got)
	}
}

// TestEngineReclaimsStepFromDeadOwner simulates an engine that crashed
// holding a step lock: the lock self-expires with no terminal outcome
// recorded. A waiting engine must re-contend for the step instead of
// polling forever.
func TestEngineReclaimsStepFromDeadOwner(t *testing.T) {
	h := newHarness(t)

	def := &workflow.Definition{
		ID: "orphaned:1", Name: "orphaned", Version: 1,
		Steps: []workflow.StepSpec{{ID: "work", TaskName: "work"}},
	}
	h.register(t, def)

	calls := 0
	h.dispatcher.Register("work", func(context.Context, map[string]any) (dispatch.Result, error) {
		calls++
		return dispatch.Result{"status": "ok"}, nil
	})

	// The dead engine left a running instance and a step lock it will
	// never resolve: foreign token, short TTL, no recorded outcome.
	ctx := context.Background()
	orphan := workflow.NewInstance("dead-owner-1", def, nil, "test", "")
	orphan.Status = workflow.StatusRunning
	orphan.StartedAt = time.Now()
	if err := h.store.Save(ctx, orphan); err != nil {
		t.Fatal(err)
	}
	ok, err := h.coord.AcquireLock(ctx, coord.StepLockKey("dead-owner-1", "work"), "dead-engine", 200*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("pre-acquire = %v, %v", ok, err)
	}

	n, err := h.engine.RecoverRunning(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverRunning() = %d, %v", n, err)
	}

	done := make(chan struct{})
	go func() { h.engine.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("engine never reclaimed the step from the dead owner")
	}

	final := h.reload(t, "dead-owner-1")
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, want completed (error=%q)", final.Status, final.ErrorMessage)
	}
	if calls != 1 {
		t.Errorf("task ran %d times, want 1", calls)
	}
}

func TestEngineSeededTemplatesRun(t *testing.T) {
	h := newHarness(t)
	if err := h.registry.SeedTemplates(); err != nil {
		t.Fatalf("SeedTemplates() error: %v", err)
	}

	// Every template's tasks resolve to a generic worker; the point is
	// that the shipped definitions execute end to end.
	for _, def := range h.registry.List("") {
		for _, step := range def.Steps {
			if step.TaskName != "" {
				h.dispatcher.Register(step.TaskName, okTask(dispatch.Result{"status": "ok"}))
			}
			if step.Type == workflow.StepParallel {
				if tasks, ok := step.TaskArgs["tasks"].([]any); ok {
					for _, raw := range tasks {
						if entry, ok := raw.(map[string]any); ok {
							if name, ok := entry["name"].(string); ok {
								h.dispatcher.Register(name, okTask(dispatch.Result{"status": "ok"}))
							}
						}
					}
				}
			}
		}
	}

	for _, def := range h.registry.List("") {
		in := h.run(t, def.Name, map[string]any{"content_id": "c-1"})
		if in.Status != workflow.StatusCompleted {
			t.Errorf("template %s finished %s (error=%q)", def.Name, in.Status, in.ErrorMessage)
		}
	}
}
