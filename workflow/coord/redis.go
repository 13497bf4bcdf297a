package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts for token-checked lock operations. Redis runs scripts
// atomically, which gives us compare-and-delete / compare-and-expire
// without WATCH transactions.
var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisCoordinator is a Redis-backed Coordinator for multi-engine
// deployments.
//
// Locks use SET NX PX; release and extend go through Lua scripts that
// verify the stored token first, so a lock that expired and was
// re-acquired by another engine is never clobbered by the old owner.
type RedisCoordinator struct {
	client redis.UniversalClient
}

// NewRedisCoordinator wraps an existing client. The caller owns the
// client's lifecycle.
func NewRedisCoordinator(client redis.UniversalClient) *RedisCoordinator {
	return &RedisCoordinator{client: client}
}

// DialRedis connects to a single Redis node and returns a coordinator
// over it, verifying connectivity with a ping.
func DialRedis(ctx context.Context, addr string) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisCoordinator{client: client}, nil
}

// AcquireLock implements set-if-absent with TTL via SET NX PX.
func (r *RedisCoordinator) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLock deletes the key iff it still holds the caller's token.
func (r *RedisCoordinator) ReleaseLock(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

// ExtendLock refreshes the TTL iff the key still holds the token.
func (r *RedisCoordinator) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis extend %s: %w", key, err)
	}
	return res == 1, nil
}

// Set writes a value with TTL (zero TTL persists indefinitely).
func (r *RedisCoordinator) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get reads a value, mapping redis.Nil to ErrNotFound.
func (r *RedisCoordinator) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Delete removes a key.
func (r *RedisCoordinator) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisCoordinator) Close() error {
	return r.client.Close()
}
