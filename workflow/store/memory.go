// Package store provides durable persistence backends for workflow
// instances: in-memory for tests and development, SQLite for
// single-process deployments, MySQL for shared deployments.
//
// Every backend implements workflow.InstanceStore and hands out deep
// copies, so callers can never mutate a persisted record in place.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/optiflow/optiflow-go/workflow"
)

// MemStore is an in-memory workflow.InstanceStore.
//
// Designed for testing and single-process development. Data is lost
// when the process exits; production deployments use the SQLite or
// MySQL backend.
type MemStore struct {
	mu        sync.RWMutex
	instances map[string]*workflow.Instance
}

// NewMemStore creates an empty in-memory instance store.
func NewMemStore() *MemStore {
	return &MemStore{instances: make(map[string]*workflow.Instance)}
}

// Save inserts a new instance. Duplicate ids are a state error: ids
// are UUIDs assigned once at submission.
func (m *MemStore) Save(_ context.Context, in *workflow.Instance) error {
	copied, err := in.Clone()
	if err != nil {
		return fmt.Errorf("failed to copy instance: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[in.ID]; exists {
		return fmt.Errorf("instance %s already exists: %w", in.ID, workflow.ErrState)
	}
	m.instances[in.ID] = copied
	return nil
}

// Update atomically replaces an existing instance record.
func (m *MemStore) Update(_ context.Context, in *workflow.Instance) error {
	copied, err := in.Clone()
	if err != nil {
		return fmt.Errorf("failed to copy instance: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[in.ID]; !exists {
		return fmt.Errorf("instance %s: %w", in.ID, workflow.ErrInstanceNotFound)
	}
	m.instances[in.ID] = copied
	return nil
}

// Get reads an instance by id.
func (m *MemStore) Get(_ context.Context, id string) (*workflow.Instance, error) {
	m.mu.RLock()
	in, exists := m.instances[id]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("instance %s: %w", id, workflow.ErrInstanceNotFound)
	}
	return in.Clone()
}

// List returns matching instances, newest start first.
func (m *MemStore) List(_ context.Context, f workflow.Filter) ([]*workflow.Instance, error) {
	m.mu.RLock()
	matched := make([]*workflow.Instance, 0)
	for _, in := range m.instances {
		if !matches(in, f) {
			continue
		}
		matched = append(matched, in)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]*workflow.Instance, 0, len(matched))
	for _, in := range matched {
		copied, err := in.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to copy instance: %w", err)
		}
		out = append(out, copied)
	}
	return out, nil
}

// Delete removes an instance record. Deleting an absent id is not an
// error.
func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.instances, id)
	return nil
}

// matches applies the filter's set fields with AND semantics.
func matches(in *workflow.Instance, f workflow.Filter) bool {
	if f.Status != "" && in.Status != f.Status {
		return false
	}
	if f.TriggeredBy != "" && in.TriggeredBy != f.TriggeredBy {
		return false
	}
	if !f.StartedAfter.IsZero() && !in.StartedAt.After(f.StartedAfter) {
		return false
	}
	if !f.StartedBefore.IsZero() && !in.StartedAt.Before(f.StartedBefore) {
		return false
	}
	return true
}
