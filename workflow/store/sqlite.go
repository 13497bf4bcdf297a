package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/optiflow/optiflow-go/workflow"
)

// SQLiteStore is a SQLite-backed workflow.InstanceStore.
//
// The full instance record is stored as a JSON blob; the columns the
// engine filters on (status, triggered_by, started_at) are mirrored
// into indexed columns and kept in sync on every write.
//
// WAL mode is enabled so status queries don't block the engine's
// writes. SQLite allows one writer, which the connection pool settings
// reflect.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path and
// runs the schema migration. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
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

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_instances (
		id           TEXT PRIMARY KEY,
		workflow_id  TEXT NOT NULL,
		status       TEXT NOT NULL,
		triggered_by TEXT NOT NULL DEFAULT '',
		started_at   INTEGER,
		record       TEXT NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_instances_status ON workflow_instances(status);
	CREATE INDEX IF NOT EXISTS idx_instances_triggered_by ON workflow_instances(triggered_by);
	CREATE INDEX IF NOT EXISTS idx_instances_started_at ON workflow_instances(started_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Save inserts a new instance.
func (s *SQLiteStore) Save(ctx context.Context, in *workflow.Instance) error {
	record, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (id, workflow_id, status, triggered_by, started_at, record, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.WorkflowID, string(in.Status), in.TriggeredBy,
		startedAtUnix(in), string(record), time.Now().Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("instance %s already exists: %w", in.ID, workflow.ErrState)
		}
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

// Update replaces an existing record atomically (single UPDATE).
func (s *SQLiteStore) Update(ctx context.Context, in *workflow.Instance) error {
	record, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_instances
		SET workflow_id = ?, status = ?, triggered_by = ?, started_at = ?, record = ?, updated_at = ?
		WHERE id = ?`,
		in.WorkflowID, string(in.Status), in.TriggeredBy,
		startedAtUnix(in), string(record), time.Now().Unix(), in.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("instance %s: %w", in.ID, workflow.ErrInstanceNotFound)
	}
	return nil
}

// Get reads an instance by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*workflow.Instance, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM workflow_instances WHERE id = ?`, id,
	).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instance %s: %w", id, workflow.ErrInstanceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read instance: %w", err)
	}

	return decodeInstance(record)
}

// List returns matching instances, newest start first.
func (s *SQLiteStore) List(ctx context.Context, f workflow.Filter) ([]*workflow.Instance, error) {
	query := `SELECT record FROM workflow_instances WHERE 1=1`
	args := make([]any, 0, 4)

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.TriggeredBy != "" {
		query += ` AND triggered_by = ?`
		args = append(args, f.TriggeredBy)
	}
	if !f.StartedAfter.IsZero() {
		query += ` AND started_at > ?`
		args = append(args, f.StartedAfter.Unix())
	}
	if !f.StartedBefore.IsZero() {
		query += ` AND started_at < ?`
		args = append(args, f.StartedBefore.Unix())
	}
	query += ` ORDER BY started_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	out := make([]*workflow.Instance, 0)
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan instance row: %w", err)
		}
		in, err := decodeInstance(record)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Delete removes an instance record.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_instances WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

func decodeInstance(record string) (*workflow.Instance, error) {
	var in workflow.Instance
	if err := json.Unmarshal([]byte(record), &in); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	return &in, nil
}

func startedAtUnix(in *workflow.Instance) any {
	if in.StartedAt.IsZero() {
		return nil
	}
	return in.StartedAt.Unix()
}
