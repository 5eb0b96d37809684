package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCheckpointStore is a SQLite-backed CheckpointStore.
//
// Designed for:
//   - development and testing with zero setup
//   - single-process deployments that need restart survival
//   - prototyping before migrating to MySQL or Redis
//
// The store uses WAL mode so readers are not blocked by the single writer,
// and creates its schema on first use.
type SQLiteCheckpointStore[M any] struct {
	db *sql.DB
}

// NewSQLiteCheckpointStore opens (or creates) the database at path and
// prepares the schema. Use ":memory:" for an in-memory database in tests.
func NewSQLiteCheckpointStore[M any](path string) (*SQLiteCheckpointStore[M], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteCheckpointStore[M]{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteCheckpointStore[M]) createTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS run_checkpoints (
			run_id     TEXT    NOT NULL,
			step       INTEGER NOT NULL,
			graph_id   TEXT    NOT NULL,
			node_id    TEXT    NOT NULL,
			message    TEXT    NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, step)
		)`)
	return err
}

// Save implements CheckpointStore. Saving the same (runID, step) twice
// replaces the previous snapshot.
func (s *SQLiteCheckpointStore[M]) Save(ctx context.Context, cp Checkpoint[M]) error {
	payload, err := json.Marshal(cp.Message)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_checkpoints (run_id, step, graph_id, node_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.Step, cp.GraphID, cp.NodeID, string(payload), cp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadLatest implements CheckpointStore.
func (s *SQLiteCheckpointStore[M]) LoadLatest(ctx context.Context, runID string) (Checkpoint[M], error) {
	var (
		cp        Checkpoint[M]
		payload   string
		createdAt time.Time
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step, graph_id, node_id, message, created_at
		FROM run_checkpoints
		WHERE run_id = ?
		ORDER BY step DESC
		LIMIT 1`, runID)
	err := row.Scan(&cp.RunID, &cp.Step, &cp.GraphID, &cp.NodeID, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &cp.Message); err != nil {
		return cp, fmt.Errorf("failed to unmarshal checkpoint message: %w", err)
	}
	cp.CreatedAt = createdAt
	return cp, nil
}

// Delete implements CheckpointStore.
func (s *SQLiteCheckpointStore[M]) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteCheckpointStore[M]) Close() error {
	return s.db.Close()
}
