package workflow

import (
	"context"
	"time"
)

// InstanceStore provides durable persistence for workflow instances.
//
// The engine treats the instance store as the source of truth on
// restart: every terminal transition is written here before the
// corresponding event is published.
//
// Implementations live in the store subpackage:
//   - in-memory (testing, development)
//   - SQLite (single-process deployments)
//   - MySQL (shared deployments)
//
// All implementations must hand out deep copies so callers cannot
// mutate persisted records in place.
type InstanceStore interface {
	// Save inserts a new instance. Fails if the id already exists.
	Save(ctx context.Context, in *Instance) error

	// Update replaces the mutable fields of an existing instance
	// atomically. Fails with ErrInstanceNotFound (wrapped) if absent.
	Update(ctx context.Context, in *Instance) error

	// Get reads an instance by id.
	Get(ctx context.Context, id string) (*Instance, error)

	// List returns instances matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*Instance, error)

	// Delete removes an instance record.
	Delete(ctx context.Context, id string) error
}

// Filter selects instances for InstanceStore.List. Zero fields are
// ignored; set fields are combined with AND.
type Filter struct {
	// Status selects instances in the given lifecycle state.
	Status Status

	// TriggeredBy selects instances submitted by the given principal.
	TriggeredBy string

	// StartedAfter / StartedBefore bound the start timestamp.
	StartedAfter  time.Time
	StartedBefore time.Time

	// Limit caps the number of returned instances. Zero means no cap.
	Limit int
}
