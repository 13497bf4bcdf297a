// Package emit provides the lifecycle event vocabulary, the synchronous
// in-process event bus, and pluggable emitters for OptiFlow-Go.
package emit

import "time"

// Type identifies a lifecycle event.
type Type string

// The fixed event vocabulary. Within one instance, workflow.started
// precedes every step event, step.started precedes step.completed or
// step.failed for the same step, and exactly one of
// workflow.completed|failed|cancelled closes the stream.
const (
	WorkflowStarted   Type = "workflow.started"
	WorkflowCompleted Type = "workflow.completed"
	WorkflowFailed    Type = "workflow.failed"
	WorkflowCancelled Type = "workflow.cancelled"
	WorkflowPaused    Type = "workflow.paused"
	WorkflowResumed   Type = "workflow.resumed"

	StepStarted   Type = "step.started"
	StepCompleted Type = "step.completed"
	StepFailed    Type = "step.failed"
	StepRetrying  Type = "step.retrying"
)

// Event is a lifecycle notification published after the corresponding
// durable state change.
type Event struct {
	// Type is the event kind from the fixed vocabulary.
	Type Type `json:"type"`

	// InstanceID identifies the workflow instance.
	InstanceID string `json:"instance_id"`

	// WorkflowID identifies the definition the instance was created from.
	WorkflowID string `json:"workflow_id,omitempty"`

	// StepID is set on step.* events.
	StepID string `json:"step_id,omitempty"`

	// At is the emission timestamp.
	At time.Time `json:"at,omitzero"`

	// Meta carries event-specific structured data. Common keys:
	//   - "attempt": attempt number on step.retrying / step.failed
	//   - "delay_seconds": backoff delay on step.retrying
	//   - "error": failure detail on step.failed / workflow.failed
	//   - "duration_ms": execution duration on step.completed
	Meta map[string]any `json:"meta,omitempty"`
}
