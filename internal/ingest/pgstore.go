package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/notewise/notewise/internal/faults"
)

// PGStore is the durable JobStore. Per-notebook exclusivity is enforced by a
// partial unique index on notebook_id over pending and running rows, so the
// claim is atomic even across processes.
type PGStore struct {
	DB *sql.DB
}

func NewPGStore(dsn string) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGStore{DB: db}, nil
}

func (s *PGStore) Create(ctx context.Context, job *Job) error {
	summary, err := json.Marshal(job.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO ingestion_jobs (id, notebook_id, status, progress, message, summary, error, created_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.NotebookID, string(job.Status), job.Progress, job.Message, summary, job.Error, job.CreatedAt, job.StartedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return faults.ErrJobConflict
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PGStore) Update(ctx context.Context, job *Job) error {
	summary, err := json.Marshal(job.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET status = $2, progress = $3, message = $4, summary = $5, error = $6, started_at = $7, finished_at = $8
		WHERE id = $1`,
		job.ID, string(job.Status), job.Progress, job.Message, summary, job.Error, job.StartedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return faults.ErrNotFound
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, notebook_id, status, progress, message, summary, error, created_at, started_at, finished_at
		FROM ingestion_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	return job, err
}

func (s *PGStore) List(ctx context.Context, notebookID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, notebook_id, status, progress, message, summary, error, created_at, started_at, finished_at
		FROM ingestion_jobs`
	args := []any{}
	if notebookID != "" {
		query += ` WHERE notebook_id = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, notebookID, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job     Job
		status  string
		summary []byte
		started sql.NullTime
		done    sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.NotebookID, &status, &job.Progress, &job.Message,
		&summary, &job.Error, &job.CreatedAt, &started, &done); err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &job.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	if started.Valid {
		job.StartedAt = &started.Time
	}
	if done.Valid {
		job.FinishedAt = &done.Time
	}
	return &job, nil
}
