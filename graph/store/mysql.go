package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLCheckpointStore is a MySQL-backed CheckpointStore for deployments
// where runs must survive process restarts across a fleet.
//
// The DSN must enable parseTime, e.g.:
//
//	user:pass@tcp(localhost:3306)/agentgraph?parseTime=true
type MySQLCheckpointStore[M any] struct {
	db *sql.DB
}

// NewMySQLCheckpointStore opens a connection pool against dsn and prepares
// the schema.
func NewMySQLCheckpointStore[M any](dsn string) (*MySQLCheckpointStore[M], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &MySQLCheckpointStore[M]{db: db}
	if err := s.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// NewMySQLCheckpointStoreFromDB wraps an existing connection pool. The
// caller keeps ownership of the pool.
func NewMySQLCheckpointStoreFromDB[M any](db *sql.DB) (*MySQLCheckpointStore[M], error) {
	s := &MySQLCheckpointStore[M]{db: db}
	if err := s.createTables(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLCheckpointStore[M]) createTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS run_checkpoints (
			run_id     VARCHAR(64)  NOT NULL,
			step       INT          NOT NULL,
			graph_id   VARCHAR(255) NOT NULL,
			node_id    VARCHAR(255) NOT NULL,
			message    JSON         NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (run_id, step)
		)`)
	return err
}

// Save implements CheckpointStore.
func (s *MySQLCheckpointStore[M]) Save(ctx context.Context, cp Checkpoint[M]) error {
	payload, err := json.Marshal(cp.Message)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint message: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_checkpoints (run_id, step, graph_id, node_id, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE graph_id = VALUES(graph_id), node_id = VALUES(node_id),
			message = VALUES(message), created_at = VALUES(created_at)`,
		cp.RunID, cp.Step, cp.GraphID, cp.NodeID, string(payload), cp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadLatest implements CheckpointStore.
func (s *MySQLCheckpointStore[M]) LoadLatest(ctx context.Context, runID string) (Checkpoint[M], error) {
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
func (s *MySQLCheckpointStore[M]) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *MySQLCheckpointStore[M]) Close() error {
	return s.db.Close()
}
