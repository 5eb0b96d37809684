package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemIdempotencyStore is a bounded in-memory IdempotencyStore.
//
// Policy:
//   - per-entry TTL with lazy expiry on access
//   - LRU-by-expiry eviction when the capacity bound is exceeded
//   - activity counters updated under the store mutex
//
// Designed for tests, development and single-process deployments. For shared
// deployments use RedisIdempotencyStore.
type MemIdempotencyStore[M any] struct {
	mu       sync.Mutex
	entries  map[string]memEntry[M]
	capacity int
	stats    Stats
	now      func() time.Time
}

type memEntry[M any] struct {
	msg       M
	expiresAt time.Time // zero means no expiry
	size      int64
}

// DefaultIdempotencyCapacity bounds the in-memory store when no explicit
// capacity is configured.
const DefaultIdempotencyCapacity = 10000

// NewMemIdempotencyStore creates an in-memory store bounded to capacity
// entries. A non-positive capacity falls back to the default bound.
func NewMemIdempotencyStore[M any](capacity int) *MemIdempotencyStore[M] {
	if capacity <= 0 {
		capacity = DefaultIdempotencyCapacity
	}
	return &MemIdempotencyStore[M]{
		entries:  make(map[string]memEntry[M]),
		capacity: capacity,
		now:      time.Now,
	}
}

func (s *MemIdempotencyStore[M]) expired(e memEntry[M]) bool {
	return !e.expiresAt.IsZero() && s.now().After(e.expiresAt)
}

// Get implements IdempotencyStore.
func (s *MemIdempotencyStore[M]) Get(_ context.Context, key string) (M, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero M
	e, ok := s.entries[key]
	if !ok {
		s.stats.Misses++
		return zero, false, nil
	}
	if s.expired(e) {
		delete(s.entries, key)
		s.stats.Evictions++
		s.stats.Entries = int64(len(s.entries))
		s.stats.Bytes -= e.size
		s.stats.Misses++
		return zero, false, nil
	}
	s.stats.Hits++
	return e.msg, true, nil
}

// Save implements IdempotencyStore. When the store is at capacity the entry
// closest to expiry is evicted first.
func (s *MemIdempotencyStore[M]) Save(_ context.Context, key string, msg M, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	size := approxSize(msg)

	if old, ok := s.entries[key]; ok {
		s.stats.Bytes -= old.size
	} else if len(s.entries) >= s.capacity {
		s.evictOldestLocked()
	}

	s.entries[key] = memEntry[M]{msg: msg, expiresAt: expiresAt, size: size}
	s.stats.Entries = int64(len(s.entries))
	s.stats.Bytes += size
	return nil
}

// evictOldestLocked removes the entry with the earliest expiry; entries
// without expiry are considered newest.
func (s *MemIdempotencyStore[M]) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for k, e := range s.entries {
		if e.expiresAt.IsZero() {
			continue
		}
		if !found || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.expiresAt, true
		}
	}
	if !found {
		// All entries are unexpiring; drop an arbitrary one.
		for k := range s.entries {
			oldestKey, found = k, true
			break
		}
	}
	if found {
		s.stats.Bytes -= s.entries[oldestKey].size
		delete(s.entries, oldestKey)
		s.stats.Evictions++
	}
}

// Delete implements IdempotencyStore.
func (s *MemIdempotencyStore[M]) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.stats.Bytes -= e.size
		delete(s.entries, key)
		s.stats.Entries = int64(len(s.entries))
	}
	return nil
}

// Exists implements IdempotencyStore.
func (s *MemIdempotencyStore[M]) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if s.expired(e) {
		s.stats.Bytes -= e.size
		delete(s.entries, key)
		s.stats.Evictions++
		s.stats.Entries = int64(len(s.entries))
		return false, nil
	}
	return true, nil
}

// Clear implements IdempotencyStore.
func (s *MemIdempotencyStore[M]) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]memEntry[M])
	s.stats.Entries = 0
	s.stats.Bytes = 0
	return nil
}

// GetStats implements IdempotencyStore.
func (s *MemIdempotencyStore[M]) GetStats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, nil
}

// setClock overrides the time source for tests.
func (s *MemIdempotencyStore[M]) setClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func approxSize(v any) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

// MemVectorCache is an in-memory VectorCache with lazy TTL expiry.
type MemVectorCache struct {
	mu      sync.Mutex
	entries map[string]VectorEntry
	now     func() time.Time
}

// NewMemVectorCache creates an empty in-memory vector cache.
func NewMemVectorCache() *MemVectorCache {
	return &MemVectorCache{entries: make(map[string]VectorEntry), now: time.Now}
}

// Put implements VectorCache.
func (c *MemVectorCache) Put(_ context.Context, key string, vector []float64, metadata map[string]string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := VectorEntry{Key: key, Vector: append([]float64(nil), vector...)}
	if metadata != nil {
		e.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			e.Metadata[k] = v
		}
	}
	if ttl > 0 {
		e.ExpiresAt = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

// Get implements VectorCache.
func (c *MemVectorCache) Get(_ context.Context, key string) (VectorEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return VectorEntry{}, false, nil
	}
	if !e.ExpiresAt.IsZero() && c.now().After(e.ExpiresAt) {
		delete(c.entries, key)
		return VectorEntry{}, false, nil
	}
	return e, true, nil
}

// Delete implements VectorCache.
func (c *MemVectorCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// MemCheckpointStore is an in-memory CheckpointStore.
type MemCheckpointStore[M any] struct {
	mu    sync.RWMutex
	byRun map[string][]Checkpoint[M]
}

// NewMemCheckpointStore creates an empty in-memory checkpoint store.
func NewMemCheckpointStore[M any]() *MemCheckpointStore[M] {
	return &MemCheckpointStore[M]{byRun: make(map[string][]Checkpoint[M])}
}

// Save implements CheckpointStore.
func (s *MemCheckpointStore[M]) Save(_ context.Context, cp Checkpoint[M]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRun[cp.RunID] = append(s.byRun[cp.RunID], cp)
	return nil
}

// LoadLatest implements CheckpointStore. The snapshot with the highest step
// wins, which handles out-of-order saves.
func (s *MemCheckpointStore[M]) LoadLatest(_ context.Context, runID string) (Checkpoint[M], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps, ok := s.byRun[runID]
	if !ok || len(cps) == 0 {
		var zero Checkpoint[M]
		return zero, ErrNotFound
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if cp.Step > latest.Step {
			latest = cp
		}
	}
	return latest, nil
}

// Delete implements CheckpointStore.
func (s *MemCheckpointStore[M]) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRun, runID)
	return nil
}
