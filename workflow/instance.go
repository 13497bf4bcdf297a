package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a workflow instance.
type Status string

// Instance statuses. Completed, failed and cancelled are terminal.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRetry     Status = "retry"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the execution state of a single step, held in the
// coordination store alongside the cached instance state.
type StepStatus string

// Step statuses.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepRetrying  StepStatus = "retrying"
)

// StepState tracks the hot-path execution state of one step. It is
// derived from the instance and cached in the coordination store; the
// durable step history lives on the instance record.
type StepState struct {
	Status      StepStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt,omitzero"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Instance is a single execution of a workflow definition. It is the
// durable system of record: on engine restart another process resumes
// from the persisted completed/failed step lists.
//
// Invariants maintained by the engine:
//   - a step id appears in at most one of CompletedSteps and FailedSteps
//   - CurrentStepID is set only while status is running or retry
//   - CompletedAt is set iff the status is terminal
//   - OutputData is the union of step outputs published under the
//     reserved "output" result key
type Instance struct {
	// ID is an opaque string assigned at submission (a UUID) and
	// preserved verbatim by every store.
	ID string `json:"id"`

	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion int    `json:"workflow_version"`

	// TotalSteps is the definition's step count, captured at submission
	// so progress survives the definition leaving the registry.
	TotalSteps int `json:"total_steps"`

	Status        Status `json:"status"`
	CurrentStepID string `json:"current_step_id,omitempty"`

	// CompletedSteps is ordered: insertion order equals completion order.
	CompletedSteps []string `json:"completed_steps"`

	// FailedSteps lists steps whose retries were exhausted.
	FailedSteps []string `json:"failed_steps"`

	// Context accumulates key/value state: seeded with workflow metadata
	// at submission, extended by step results that publish a "context"
	// key.
	Context map[string]any `json:"context"`

	InputData  map[string]any `json:"input_data"`
	OutputData map[string]any `json:"output_data"`

	// StepResults maps step id to the structured result the task
	// returned (or the aggregate for parallel steps).
	StepResults map[string]map[string]any `json:"step_results"`

	StartedAt   time.Time  `json:"started_at,omitzero"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`

	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorDetails map[string]any `json:"error_details,omitempty"`
	RetryCount   int            `json:"retry_count"`

	TriggeredBy      string `json:"triggered_by,omitempty"`
	ParentInstanceID string `json:"parent_instance_id,omitempty"`
}

// NewInstance materializes a pending instance for the given definition.
// The context is seeded with workflow metadata so conditions can refer
// to it from the first step.
func NewInstance(id string, def *Definition, input map[string]any, triggeredBy, parentID string) *Instance {
	if input == nil {
		input = map[string]any{}
	}

	return &Instance{
		ID:              id,
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		TotalSteps:      len(def.Steps),
		Status:          StatusPending,
		CompletedSteps:  []string{},
		FailedSteps:     []string{},
		Context: map[string]any{
			"workflow_id":      def.ID,
			"workflow_name":    def.Name,
			"workflow_version": def.Version,
			"triggered_by":     triggeredBy,
		},
		InputData:        input,
		OutputData:       map[string]any{},
		StepResults:      map[string]map[string]any{},
		TriggeredBy:      triggeredBy,
		ParentInstanceID: parentID,
	}
}

// StepDone reports whether the step has reached a terminal state on
// this instance record.
func (in *Instance) StepDone(stepID string) bool {
	return in.StepCompleted(stepID) || in.StepFailed(stepID)
}

// StepCompleted reports whether the step completed successfully.
func (in *Instance) StepCompleted(stepID string) bool {
	for _, id := range in.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// StepFailed reports whether the step exhausted its retries.
func (in *Instance) StepFailed(stepID string) bool {
	for _, id := range in.FailedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// Progress returns completion percentage over the definition's step
// count: 100 * len(CompletedSteps) / totalSteps.
func (in *Instance) Progress(totalSteps int) float64 {
	if totalSteps <= 0 {
		return 100
	}
	return 100 * float64(len(in.CompletedSteps)) / float64(totalSteps)
}

// Clone creates a deep copy of the instance via a JSON round-trip.
//
// Stores hand out clones so callers can never mutate the record behind
// the engine's back. Everything on an instance is JSON-serializable by
// construction (inputs are checked at submission).
func (in *Instance) Clone() (*Instance, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal instance: %w", err)
	}

	var copied Instance
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}

	return &copied, nil
}

// StatusReport is the snapshot returned by Engine.Status.
type StatusReport struct {
	InstanceID     string     `json:"instance_id"`
	WorkflowID     string     `json:"workflow_id"`
	Status         Status     `json:"status"`
	CurrentStep    string     `json:"current_step,omitempty"`
	Progress       float64    `json:"progress"`
	CompletedSteps []string   `json:"completed_steps"`
	FailedSteps    []string   `json:"failed_steps"`
	StartedAt      time.Time  `json:"started_at,omitzero"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}
