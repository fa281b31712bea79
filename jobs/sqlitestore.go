package jobs

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite job store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string
}

// SQLiteStore persists job records to a SQLite database so job status
// survives process restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite job store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobstore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobstore: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, job Job) error {
	stepsJSON, err := json.Marshal(job.Steps)
	if err != nil {
		return fmt.Errorf("jobstore: marshal steps: %w", err)
	}
	resultJSON := ""
	if job.Result != nil {
		data, err := json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("jobstore: marshal result: %w", err)
		}
		resultJSON = string(data)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, topic, steps, current_step, status, result, error, idempotency_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   current_step = excluded.current_step,
		   status       = excluded.status,
		   result       = excluded.result,
		   error        = excluded.error,
		   updated_at   = excluded.updated_at`,
		job.ID,
		job.Topic,
		string(stepsJSON),
		job.CurrentStep,
		string(job.Status),
		resultJSON,
		job.Error,
		job.IdempotencyKey,
		job.CreatedAt.Format(time.RFC3339Nano),
		job.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("jobstore: put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Job, bool, error) {
	return s.getWhere(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetByIdempotencyKey(ctx context.Context, key string) (Job, bool, error) {
	return s.getWhere(ctx, "idempotency_key = ?", key)
}

func (s *SQLiteStore) getWhere(ctx context.Context, where string, arg any) (Job, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, topic, steps, current_step, status, result, error, idempotency_key, created_at, updated_at
		 FROM jobs WHERE `+where, arg)

	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (s *SQLiteStore) List(ctx context.Context, topic string) ([]Job, error) {
	query := `SELECT id, topic, steps, current_step, status, result, error, idempotency_key, created_at, updated_at
	           FROM jobs`
	var args []any
	if topic != "" {
		query += " WHERE topic = ?"
		args = append(args, topic)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(scan func(...any) error) (Job, error) {
	var (
		job        Job
		status     string
		stepsJSON  string
		resultJSON string
		createdStr string
		updatedStr string
	)
	err := scan(
		&job.ID,
		&job.Topic,
		&stepsJSON,
		&job.CurrentStep,
		&status,
		&resultJSON,
		&job.Error,
		&job.IdempotencyKey,
		&createdStr,
		&updatedStr,
	)
	if err != nil {
		return Job{}, err
	}

	job.Status = Status(status)

	if err := json.Unmarshal([]byte(stepsJSON), &job.Steps); err != nil {
		return Job{}, fmt.Errorf("jobstore: unmarshal steps: %w", err)
	}
	if resultJSON != "" {
		if err := json.Unmarshal([]byte(resultJSON), &job.Result); err != nil {
			return Job{}, fmt.Errorf("jobstore: unmarshal result: %w", err)
		}
	}

	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
		return Job{}, fmt.Errorf("jobstore: parse created_at %q: %w", createdStr, err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedStr); err != nil {
		return Job{}, fmt.Errorf("jobstore: parse updated_at %q: %w", updatedStr, err)
	}
	return job, nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
