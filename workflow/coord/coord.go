// Package coord provides the fast shared coordination store used for
// step locks, the per-instance mutex, and hot-path state caching.
//
// The store is a key/value service with TTL and the two atomic
// primitives the engine needs: set-if-absent (lock acquisition) and
// compare-and-delete on a caller-supplied token (safe release).
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has
// expired.
var ErrNotFound = errors.New("coordination key not found")

// Coordinator is the shared coordination store contract.
//
// Lock semantics:
//   - AcquireLock uses set-if-absent with TTL; it returns false without
//     error when another owner holds the key.
//   - ReleaseLock and ExtendLock compare the stored value against the
//     caller's token, so an executor whose lock expired and was taken
//     over cannot release or extend the new owner's lock.
//
// Implementations: MemCoordinator (single process, tests) and
// RedisCoordinator (multi-engine deployments).
type Coordinator interface {
	// AcquireLock atomically creates key=token with the given TTL.
	// Returns true on acquisition, false if the key already exists.
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes the key iff its value equals token.
	ReleaseLock(ctx context.Context, key, token string) error

	// ExtendLock refreshes the TTL iff the key's value equals token.
	// Returns false when the lock is no longer held by token.
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Set writes a value with TTL (zero TTL means no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get reads a value. Returns ErrNotFound for absent or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Key layout shared across engines. Keeping the format in one place
// means two engine processes always contend on the same keys.

// StateKey is the cached instance state blob.
func StateKey(instanceID string) string {
	return "workflow:state:" + instanceID
}

// StepStateKey is the cached per-step execution state.
func StepStateKey(instanceID, stepID string) string {
	return "workflow:state:step:" + instanceID + ":" + stepID
}

// StepLockKey is the distributed step execution lock.
func StepLockKey(instanceID, stepID string) string {
	return "workflow:lock:step:" + instanceID + ":" + stepID
}

// InstanceLockKey is the short-held mutex serializing state
// transitions for one instance.
func InstanceLockKey(instanceID string) string {
	return "workflow:lock:" + instanceID
}
