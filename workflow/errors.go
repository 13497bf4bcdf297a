// Package workflow provides the core orchestration engine for OptiFlow-Go.
package workflow

import "errors"

// ErrDefinitionNotFound indicates that no workflow definition matches the
// requested name or id, or that the definition exists but is inactive and
// therefore rejects new submissions.
var ErrDefinitionNotFound = errors.New("workflow definition not found")

// ErrInvalidDefinition indicates that a definition failed validation:
// empty step list, dangling depends_on reference, unresolvable entry
// point, or a cycle in the dependency graph.
var ErrInvalidDefinition = errors.New("invalid workflow definition")

// ErrInvalidInput indicates that the submitted input mapping could not be
// accepted (for example, values that cannot be serialized for persistence).
var ErrInvalidInput = errors.New("invalid workflow input")

// ErrInstanceNotFound indicates that no instance with the given id exists
// in the state store.
var ErrInstanceNotFound = errors.New("workflow instance not found")

// ErrIllegalTransition indicates a lifecycle operation that is not valid
// for the instance's current status, such as pausing a completed instance.
var ErrIllegalTransition = errors.New("illegal state transition")

// ErrLockTimeout indicates that a coordination store lock could not be
// acquired within the configured timeout.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// ErrDispatch indicates that the dispatcher rejected a task or the
// worker pool was unreachable.
var ErrDispatch = errors.New("task dispatch failed")

// ErrStepTimeout indicates that a single step attempt exceeded its hard
// timeout. The attempt is revoked and the failure enters the retry path.
var ErrStepTimeout = errors.New("step execution timed out")

// ErrTask indicates that the dispatched task reported a failure.
var ErrTask = errors.New("task reported failure")

// ErrCondition indicates that a step condition expression could not be
// compiled or evaluated. Per the engine contract the condition is then
// treated as false and the step is skipped.
var ErrCondition = errors.New("condition evaluation failed")

// ErrState indicates a lost update or other state-store inconsistency.
// State errors are fatal for the instance.
var ErrState = errors.New("state store inconsistency")

// Error represents a coded engine error.
//
// Code is a stable machine-readable identifier; Message is human-readable
// detail. Err, when set, carries the underlying sentinel so callers can
// use errors.Is against the taxonomy above.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap exposes the underlying sentinel for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}
