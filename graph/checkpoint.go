package graph

import (
	"context"
	"errors"
	"time"

	"github.com/tessellate-ai/agentgraph-go/graph/store"
)

// CheckpointConfig controls durable run snapshots. Snapshots are written to
// the graph's checkpoint store; a graph without one ignores checkpointing
// entirely.
type CheckpointConfig struct {
	// EveryNodes snapshots after every n successful node steps. Zero
	// disables step-based snapshots.
	EveryNodes int

	// Interval snapshots when at least this much time passed since the
	// previous snapshot. Zero disables time-based snapshots.
	Interval time.Duration

	// OnError snapshots the last good message when a run fails, so the
	// run can be replayed from just before the failure.
	OnError bool
}

// enabled reports whether any snapshot trigger is configured.
func (c CheckpointConfig) enabled() bool {
	return c.EveryNodes > 0 || c.Interval > 0 || c.OnError
}

// WithCheckpointing enables durable run snapshots on the runner.
func WithCheckpointing(cfg CheckpointConfig) RunnerOption {
	return func(r *Runner) { r.checkpoint = cfg }
}

// maybeCheckpoint writes a snapshot when a trigger fires. Best-effort: a
// failed save never affects the run.
func (r *Runner) maybeCheckpoint(ctx context.Context, g *Graph, msg Message, step int, last *time.Time) {
	if g.checkpoints == nil || !r.checkpoint.enabled() {
		return
	}
	due := false
	if r.checkpoint.EveryNodes > 0 && step%r.checkpoint.EveryNodes == 0 {
		due = true
	}
	if r.checkpoint.Interval > 0 && time.Since(*last) >= r.checkpoint.Interval {
		due = true
	}
	if !due {
		return
	}
	*last = time.Now()
	_ = g.checkpoints.Save(ctx, store.Checkpoint[Message]{
		RunID:     msg.RunID,
		GraphID:   g.id,
		NodeID:    msg.NodeID,
		Step:      step,
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	})
}

// checkpointOnError snapshots the last good message before a run fails.
func (r *Runner) checkpointOnError(ctx context.Context, g *Graph, msg Message, step int) {
	if g.checkpoints == nil || !r.checkpoint.OnError {
		return
	}
	_ = g.checkpoints.Save(ctx, store.Checkpoint[Message]{
		RunID:     msg.RunID,
		GraphID:   g.id,
		NodeID:    msg.NodeID,
		Step:      step,
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	})
}

// ResumeFromCheckpoint reloads the latest snapshot of runID and continues
// the run after the snapshotted node. WAITING snapshots still need their
// external input and are returned as-is for the caller to Resume.
func (r *Runner) ResumeFromCheckpoint(ctx context.Context, g *Graph, runID string) (Message, error) {
	if g == nil {
		return Message{}, NewValidationError("MISSING_GRAPH", "resume requires a graph")
	}
	if g.checkpoints == nil {
		return Message{}, NewValidationError("NO_CHECKPOINT_STORE", "graph has no checkpoint store")
	}
	cp, err := g.checkpoints.LoadLatest(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Message{}, NewLookupError("CHECKPOINT_NOT_FOUND", "no checkpoint for run").
				WithContext("runId", runID)
		}
		return Message{}, NewExecutionError("CHECKPOINT_LOAD", "loading checkpoint failed").WithCause(err)
	}

	msg := cp.Message
	switch msg.State {
	case StateRunning:
		idem := NewIdempotencyManager(g.idempotency, g.cache)
		return r.continueAfter(ctx, g, msg, cp.NodeID, idem)
	case StateWaiting:
		return msg, nil
	default:
		return Message{}, NewValidationError("TERMINAL_MESSAGE", "checkpointed run already ended").
			WithContext("state", string(msg.State))
	}
}
