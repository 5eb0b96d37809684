// Package store provides the persistence contracts consumed by the graph
// runner — idempotency caching, intent-vector caching and run checkpoints —
// together with in-memory, Redis and SQL backends.
//
// The stores are generic over the persisted message type so this package
// stays independent of the graph package. Implementations must be safe for
// concurrent use; in-memory backends guard mutable state with a mutex.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested key, run or checkpoint does not
// exist.
var ErrNotFound = errors.New("not found")

// Stats summarizes idempotency store activity.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int64 `json:"entries"`
	Bytes     int64 `json:"bytes"`
}

// IdempotencyStore is a keyed message cache with per-entry TTL, used by the
// runner to deduplicate repeated node executions.
//
// The store is best-effort by contract: the runner never fails a run on a
// store error.
//
// Type parameter M is the persisted message type.
type IdempotencyStore[M any] interface {
	// Get returns the cached message for key. A miss is reported via the
	// bool, not an error.
	Get(ctx context.Context, key string) (M, bool, error)

	// Save stores msg under key for the given TTL. A zero TTL means the
	// entry does not expire.
	Save(ctx context.Context, key string, msg M, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// GetStats returns a snapshot of cache activity counters.
	GetStats(ctx context.Context) (Stats, error)
}

// VectorEntry is one record in the intent-vector side cache.
type VectorEntry struct {
	Key       string            `json:"key"`
	Vector    []float64         `json:"vector"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt,omitempty"`
}

// VectorCache is the optional, non-authoritative side store for intent
// vectors. Failures to record never affect a run.
type VectorCache interface {
	// Put stores a vector under key with the given TTL.
	Put(ctx context.Context, key string, vector []float64, metadata map[string]string, ttl time.Duration) error

	// Get returns the entry for key; a miss is reported via the bool.
	Get(ctx context.Context, key string) (VectorEntry, bool, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error
}

// Checkpoint is one durable snapshot of a run, written by the runner's
// checkpointing option and consumed by resume-after-restart.
type Checkpoint[M any] struct {
	RunID     string    `json:"runId"`
	GraphID   string    `json:"graphId"`
	NodeID    string    `json:"nodeId"`
	Step      int       `json:"step"`
	Message   M         `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// CheckpointStore persists run snapshots. Steps are monotonically increasing
// within a run; LoadLatest returns the snapshot with the highest step.
type CheckpointStore[M any] interface {
	// Save persists a snapshot.
	Save(ctx context.Context, cp Checkpoint[M]) error

	// LoadLatest returns the most recent snapshot for runID, or ErrNotFound.
	LoadLatest(ctx context.Context, runID string) (Checkpoint[M], error)

	// Delete removes every snapshot for runID.
	Delete(ctx context.Context, runID string) error
}
