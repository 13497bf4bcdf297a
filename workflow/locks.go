package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/optiflow/optiflow-go/workflow/coord"
)

// instanceMutexTTL bounds how long a crashed process can hold the
// per-instance state mutex before it self-expires.
const instanceMutexTTL = 30 * time.Second

// instanceMutexPoll is the busy-wait interval for mutex acquisition.
const instanceMutexPoll = 100 * time.Millisecond

// instanceMutator serializes read-modify-write cycles on instance
// records across every engine process sharing the coordination store.
//
// Every state change goes through Mutate: acquire the instance mutex,
// re-read the durable record, apply the change, write it back, refresh
// the coordination-store cache, release. This is what prevents lost
// updates when an executor and a pause/cancel call race.
type instanceMutator struct {
	coord coord.Coordinator
	store InstanceStore

	lockTimeout time.Duration
	stateTTL    time.Duration
}

// Mutate applies fn to the instance under the instance mutex and
// persists the result. fn sees the freshest durable record; returning
// an error abandons the write.
//
// Acquisition busy-waits at 100 ms and fails with ErrLockTimeout after
// the configured timeout.
func (im *instanceMutator) Mutate(ctx context.Context, id string, fn func(*Instance) error) (*Instance, error) {
	token := uuid.NewString()
	key := coord.InstanceLockKey(id)

	if err := im.acquire(ctx, key, token); err != nil {
		return nil, err
	}
	defer func() {
		_ = im.coord.ReleaseLock(context.WithoutCancel(ctx), key, token)
	}()

	in, err := im.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := fn(in); err != nil {
		return nil, err
	}

	if err := im.store.Update(ctx, in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrState, err)
	}

	im.refreshCache(ctx, in)
	return in, nil
}

// Load reads the instance through the cache, falling back to (and
// repopulating from) the durable store on a miss.
func (im *instanceMutator) Load(ctx context.Context, id string) (*Instance, error) {
	if data, err := im.coord.Get(ctx, coord.StateKey(id)); err == nil {
		var in Instance
		if err := json.Unmarshal(data, &in); err == nil {
			return &in, nil
		}
		// Corrupt cache entry: fall through to the source of truth.
	}

	in, err := im.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	im.refreshCache(ctx, in)
	return in, nil
}

// refreshCache writes the instance blob to the coordination store.
// Cache failures are ignored: the durable store remains authoritative
// and the next miss rebuilds the entry.
func (im *instanceMutator) refreshCache(ctx context.Context, in *Instance) {
	data, err := json.Marshal(in)
	if err != nil {
		return
	}
	_ = im.coord.Set(ctx, coord.StateKey(in.ID), data, im.stateTTL)
}

// acquire busy-waits for the instance mutex.
func (im *instanceMutator) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(im.lockTimeout)

	for {
		ok, err := im.coord.AcquireLock(ctx, key, token, instanceMutexTTL)
		if err != nil {
			return fmt.Errorf("instance mutex: %w", err)
		}
		if ok {
			return nil
		}

		if time.Now().After(deadline) {
			return &Error{
				Code:    "INSTANCE_MUTEX_TIMEOUT",
				Message: "could not acquire instance mutex for " + key,
				Err:     ErrLockTimeout,
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(instanceMutexPoll):
		}
	}
}
