package coord

import (
	"context"
	"sync"
	"time"
)

// MemCoordinator is an in-memory Coordinator.
//
// Designed for tests and single-process deployments. Entries expire
// lazily: an expired key is treated as absent on the next access and
// removed then. A multi-engine deployment needs RedisCoordinator.
type MemCoordinator struct {
	mu      sync.Mutex
	entries map[string]memEntry

	// now is injectable for TTL tests.
	now func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemCoordinator creates an empty in-memory coordinator.
func NewMemCoordinator() *MemCoordinator {
	return &MemCoordinator{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// AcquireLock implements set-if-absent with TTL.
func (m *MemCoordinator) AcquireLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.liveLocked(key); ok {
		return false, nil
	}

	m.entries[key] = memEntry{value: []byte(token), expiresAt: m.expiry(ttl)}
	return true, nil
}

// ReleaseLock deletes the key iff it still holds the caller's token.
func (m *MemCoordinator) ReleaseLock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.liveLocked(key); ok && string(e.value) == token {
		delete(m.entries, key)
	}
	return nil
}

// ExtendLock refreshes the TTL iff the key still holds the token.
func (m *MemCoordinator) ExtendLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.liveLocked(key)
	if !ok || string(e.value) != token {
		return false, nil
	}

	e.expiresAt = m.expiry(ttl)
	m.entries[key] = e
	return true, nil
}

// Set writes a value with TTL.
func (m *MemCoordinator) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy so callers cannot mutate stored bytes.
	stored := make([]byte, len(value))
	copy(stored, value)

	m.entries[key] = memEntry{value: stored, expiresAt: m.expiry(ttl)}
	return nil
}

// Get reads a live value.
func (m *MemCoordinator) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.liveLocked(key)
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Delete removes a key.
func (m *MemCoordinator) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// liveLocked returns the entry if present and unexpired, reaping it
// otherwise. Caller must hold m.mu.
func (m *MemCoordinator) liveLocked(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemCoordinator) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}
