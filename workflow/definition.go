package workflow

import (
	"encoding/json"
	"fmt"
)

// StepType classifies a step within a workflow definition.
//
// Most types are advisory metadata for the task pool; the engine only
// changes behavior for StepParallel (structured fan-out) and
// StepBranching (predicate task whose branch tag feeds conditions).
type StepType string

// Step types understood by the engine.
const (
	StepAnalysis       StepType = "analysis"
	StepTransformation StepType = "transformation"
	StepOptimization   StepType = "optimization"
	StepValidation     StepType = "validation"
	StepApproval       StepType = "approval"
	StepNotification   StepType = "notification"
	StepBranching      StepType = "branching"
	StepParallel       StepType = "parallel"
	StepCustom         StepType = "custom"
)

// StepSpec describes a single unit of work in a workflow definition.
//
// A step addresses an external task by TaskName. The engine never
// interprets task semantics; it only sequences, retries, and records.
// StepSpec values are immutable once the definition is registered.
type StepSpec struct {
	// ID uniquely identifies the step within the definition.
	ID string `json:"id"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// Type classifies the step. Defaults to StepCustom when empty.
	Type StepType `json:"type"`

	// TaskName addresses the external task to run for this step.
	// Parallel steps ignore TaskName and use TaskArgs["tasks"] instead.
	TaskName string `json:"task_name"`

	// TaskArgs is the static argument bundle merged over the built-in
	// fields at dispatch time. For parallel steps, TaskArgs["tasks"]
	// enumerates sub-tasks as []map with "name" and "args" keys.
	TaskArgs map[string]any `json:"task_args,omitempty"`

	// TimeoutSeconds bounds each execution attempt. Zero falls back to
	// the definition timeout, then the engine default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// DependsOn lists step ids that must reach a terminal state before
	// this step may start.
	DependsOn []string `json:"depends_on,omitempty"`

	// Condition is an optional boolean expression evaluated against the
	// instance context. Empty means always run. Evaluation errors are
	// logged and treated as false.
	Condition string `json:"condition,omitempty"`

	// Retry configures attempts and backoff for this step.
	Retry RetryPolicy `json:"retry_policy"`

	// AllowFailure lets the instance continue when this step exhausts
	// its retries.
	AllowFailure bool `json:"allow_failure,omitempty"`
}

// Definition is a declarative DAG of steps plus metadata. Definitions
// are immutable once registered; a change produces a new version.
type Definition struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Version  int      `json:"version"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	// Steps is the ordered step list. Declaration order breaks ties in
	// the topological ordering.
	Steps []StepSpec `json:"steps"`

	// EntryPoint is the first step id. Defaults to Steps[0].ID.
	EntryPoint string `json:"entry_point,omitempty"`

	// TimeoutSeconds is the per-step timeout fallback for steps that do
	// not set their own.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// MaxParallelSteps bounds simultaneous sub-task dispatches inside a
	// parallel step. Zero means the engine default.
	MaxParallelSteps int `json:"max_parallel_steps,omitempty"`

	// IsActive gates new submissions. Running instances are unaffected
	// by deactivation.
	IsActive bool `json:"is_active"`
}

// Validate checks the structural invariants of a definition:
//   - Steps is non-empty and step ids are unique
//   - every DependsOn entry references an existing step
//   - EntryPoint references an existing step (or is empty)
//   - the dependency graph is acyclic
//
// Returns an error wrapping ErrInvalidDefinition on any violation.
func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return &Error{Code: "EMPTY_DEFINITION", Message: "definition has no steps", Err: ErrInvalidDefinition}
	}

	ids := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return &Error{Code: "EMPTY_STEP_ID", Message: "step id cannot be empty", Err: ErrInvalidDefinition}
		}
		if ids[s.ID] {
			return &Error{Code: "DUPLICATE_STEP", Message: "duplicate step id: " + s.ID, Err: ErrInvalidDefinition}
		}
		ids[s.ID] = true
	}

	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return &Error{
					Code:    "UNKNOWN_DEPENDENCY",
					Message: fmt.Sprintf("step %s depends on unknown step %s", s.ID, dep),
					Err:     ErrInvalidDefinition,
				}
			}
		}
		if err := s.Retry.Validate(); err != nil {
			return &Error{
				Code:    "INVALID_RETRY_POLICY",
				Message: fmt.Sprintf("step %s: %v", s.ID, err),
				Err:     ErrInvalidDefinition,
			}
		}
	}

	if d.EntryPoint != "" && !ids[d.EntryPoint] {
		return &Error{
			Code:    "UNKNOWN_ENTRY_POINT",
			Message: "entry point references unknown step: " + d.EntryPoint,
			Err:     ErrInvalidDefinition,
		}
	}

	// Cycle detection falls out of the topological ordering.
	if _, err := topoOrder(d.Steps); err != nil {
		return err
	}

	return nil
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (StepSpec, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepSpec{}, false
}

// Entry returns the effective entry point id, defaulting to the first
// declared step.
func (d *Definition) Entry() string {
	if d.EntryPoint != "" {
		return d.EntryPoint
	}
	return d.Steps[0].ID
}

// Clone creates a deep copy of the definition using a JSON round-trip.
//
// Templates are cloned at submission time so that registry mutations
// never reach running instances. The JSON approach copies every
// serializable field, which is all a definition contains.
func (d *Definition) Clone() (*Definition, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition: %w", err)
	}

	var copied Definition
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}

	return &copied, nil
}
