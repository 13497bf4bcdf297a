package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/optiflow/optiflow-go/workflow"
)

// mysqlDuplicateEntry is the MySQL error number for a unique-key
// violation.
const mysqlDuplicateEntry = 1062

// MySQLStore is a MySQL-backed workflow.InstanceStore for shared
// deployments where several engine processes persist to one database.
//
// Layout mirrors SQLiteStore: the record is a JSON blob with the
// filterable columns (status, triggered_by, started_at) mirrored and
// indexed.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects using a go-sql-driver DSN, for example
// "user:pass@tcp(localhost:3306)/optiflow?parseTime=true", verifies
// connectivity, and runs the schema migration.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_instances (
		id           VARCHAR(64) PRIMARY KEY,
		workflow_id  VARCHAR(255) NOT NULL,
		status       VARCHAR(32) NOT NULL,
		triggered_by VARCHAR(255) NOT NULL DEFAULT '',
		started_at   BIGINT NULL,
		record       JSON NOT NULL,
		updated_at   BIGINT NOT NULL,
		INDEX idx_instances_status (status),
		INDEX idx_instances_triggered_by (triggered_by),
		INDEX idx_instances_started_at (started_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Save inserts a new instance.
func (s *MySQLStore) Save(ctx context.Context, in *workflow.Instance) error {
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
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return fmt.Errorf("instance %s already exists: %w", in.ID, workflow.ErrState)
		}
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

// Update replaces an existing record atomically.
func (s *MySQLStore) Update(ctx context.Context, in *workflow.Instance) error {
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
func (s *MySQLStore) Get(ctx context.Context, id string) (*workflow.Instance, error) {
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
func (s *MySQLStore) List(ctx context.Context, f workflow.Filter) ([]*workflow.Instance, error) {
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
func (s *MySQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_instances WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return nil
}

// Close closes the database connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
