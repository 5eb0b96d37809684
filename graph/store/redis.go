package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyStore is a Redis-backed IdempotencyStore. Entries are
// stored as JSON under a key prefix; TTL is enforced server-side via key
// expiry.
//
// Hit/miss/eviction counters are process-local: Redis evictions performed by
// the server are not observable and show up only as misses.
type RedisIdempotencyStore[M any] struct {
	client redis.UniversalClient
	prefix string

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisIdempotencyStore creates a store over an existing Redis client.
// keyPrefix namespaces the keys; empty means "agentgraph:idem:".
func NewRedisIdempotencyStore[M any](client redis.UniversalClient, keyPrefix string) *RedisIdempotencyStore[M] {
	if keyPrefix == "" {
		keyPrefix = "agentgraph:idem:"
	}
	return &RedisIdempotencyStore[M]{client: client, prefix: keyPrefix}
}

func (s *RedisIdempotencyStore[M]) key(k string) string { return s.prefix + k }

// Get implements IdempotencyStore.
func (s *RedisIdempotencyStore[M]) Get(ctx context.Context, key string) (M, bool, error) {
	var zero M
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.misses.Add(1)
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get: %w", err)
	}
	var msg M
	if err := json.Unmarshal(b, &msg); err != nil {
		return zero, false, fmt.Errorf("decode cached message: %w", err)
	}
	s.hits.Add(1)
	return msg, true, nil
}

// Save implements IdempotencyStore.
func (s *RedisIdempotencyStore[M]) Save(ctx context.Context, key string, msg M, ttl time.Duration) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements IdempotencyStore.
func (s *RedisIdempotencyStore[M]) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Exists implements IdempotencyStore.
func (s *RedisIdempotencyStore[M]) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Clear implements IdempotencyStore. Keys under the prefix are removed with
// an incremental SCAN so large caches do not block the server.
func (s *RedisIdempotencyStore[M]) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del during clear: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

// GetStats implements IdempotencyStore. Entry count is computed by scanning
// the prefix; byte size is not tracked for the Redis backend.
func (s *RedisIdempotencyStore[M]) GetStats(ctx context.Context) (Stats, error) {
	var entries int64
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		entries++
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("redis scan: %w", err)
	}
	return Stats{
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Entries: entries,
	}, nil
}

// RedisVectorCache is a Redis-backed VectorCache storing entries as JSON.
type RedisVectorCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisVectorCache creates a vector cache over an existing Redis client.
func NewRedisVectorCache(client redis.UniversalClient, keyPrefix string) *RedisVectorCache {
	if keyPrefix == "" {
		keyPrefix = "agentgraph:vec:"
	}
	return &RedisVectorCache{client: client, prefix: keyPrefix}
}

// Put implements VectorCache.
func (c *RedisVectorCache) Put(ctx context.Context, key string, vector []float64, metadata map[string]string, ttl time.Duration) error {
	e := VectorEntry{Key: key, Vector: vector, Metadata: metadata}
	if ttl > 0 {
		e.ExpiresAt = time.Now().Add(ttl)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode vector entry: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, b, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get implements VectorCache.
func (c *RedisVectorCache) Get(ctx context.Context, key string) (VectorEntry, bool, error) {
	b, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return VectorEntry{}, false, nil
	}
	if err != nil {
		return VectorEntry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var e VectorEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return VectorEntry{}, false, fmt.Errorf("decode vector entry: %w", err)
	}
	return e, true, nil
}

// Delete implements VectorCache.
func (c *RedisVectorCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
