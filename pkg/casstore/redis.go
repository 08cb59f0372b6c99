package casstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores records as Redis string values namespaced by instance.
// Compare-and-set uses optimistic locking (WATCH/MULTI/EXEC), so concurrent
// writers from any number of processes are linearizable per key.
type RedisBackend struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisBackend creates a backend for the specified namespace.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - namespace: Instance identifier used to prefix every key (must not be empty)
//
// Returns an error if namespace is empty.
func NewRedisBackend(redisOpts *redis.Options, namespace string) (*RedisBackend, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &RedisBackend{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Load reads the record for key.
func (r *RedisBackend) Load(ctx context.Context, key string) (*Record, error) {
	data, err := r.rdb.Get(ctx, RedisKey(r.namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s from Redis: %w", ErrIO, key, err)
	}

	content, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrIO, key, err)
	}

	return &Record{Key: key, Content: content, Version: versionOf(data)}, nil
}

// Swap writes content if the stored version equals expectedVersion.
// A concurrent modification between WATCH and EXEC is reported as a conflict.
func (r *RedisBackend) Swap(ctx context.Context, key, expectedVersion string, content []Item) (*Record, error) {
	data, err := Encode(content)
	if err != nil {
		return nil, err
	}

	redisKey := RedisKey(r.namespace, key)

	txf := func(tx *redis.Tx) error {
		current := ""
		existing, err := tx.Get(ctx, redisKey).Bytes()
		switch {
		case err == nil:
			current = versionOf(existing)
		case !errors.Is(err, redis.Nil):
			return fmt.Errorf("%w: failed to read %s from Redis: %w", ErrIO, key, err)
		}

		if current != expectedVersion {
			return &ConflictError{Key: key, Expected: expectedVersion, Current: current}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, data, 0)
			return nil
		})
		return err
	}

	err = r.rdb.Watch(ctx, txf, redisKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, &ConflictError{Key: key, Expected: expectedVersion, Current: r.currentVersion(ctx, redisKey)}
	}
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) || errors.Is(err, ErrIO) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to write %s to Redis: %w", ErrIO, key, err)
	}

	stored := make([]Item, len(content))
	copy(stored, content)
	return &Record{Key: key, Content: stored, Version: versionOf(data)}, nil
}

// Keys lists logical keys under the namespace matching the logical pattern
// (for example "room:*").
func (r *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix := RedisKey(r.namespace, "")

	var keys []string
	iter := r.rdb.Scan(ctx, 0, prefix+pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to scan keys: %w", ErrIO, err)
	}
	return keys, nil
}

// currentVersion is best-effort context for conflict errors.
func (r *RedisBackend) currentVersion(ctx context.Context, redisKey string) string {
	data, err := r.rdb.Get(ctx, redisKey).Bytes()
	if err != nil {
		return ""
	}
	return versionOf(data)
}
