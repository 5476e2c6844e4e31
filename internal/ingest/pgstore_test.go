package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/notewise/notewise/internal/faults"
)

func TestPGStoreCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := &PGStore{DB: db}

	job := newJob("j1", "nb-1", time.Now())
	mock.ExpectExec(`INSERT INTO ingestion_jobs`).
		WithArgs("j1", "nb-1", "pending", 0, "", sqlmock.AnyArg(), "", job.CreatedAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Create(context.Background(), job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreCreateConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := &PGStore{DB: db}

	mock.ExpectExec(`INSERT INTO ingestion_jobs`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "ingestion_jobs_active_notebook"})

	err = s.Create(context.Background(), newJob("j1", "nb-1", time.Now()))
	if !errors.Is(err, faults.ErrJobConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGStoreGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := &PGStore{DB: db}

	mock.ExpectQuery(`SELECT id, notebook_id, status, progress, message, summary, error, created_at, started_at, finished_at`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "notebook_id", "status", "progress", "message", "summary", "error", "created_at", "started_at", "finished_at"}))

	_, err = s.Get(context.Background(), "missing")
	if !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPGStoreGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := &PGStore{DB: db}

	created := time.Now().UTC()
	started := created.Add(time.Second)
	mock.ExpectQuery(`SELECT id, notebook_id, status, progress, message, summary, error, created_at, started_at, finished_at`).
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "notebook_id", "status", "progress", "message", "summary", "error", "created_at", "started_at", "finished_at"}).
			AddRow("j1", "nb-1", "running", 40, "section 1: page 2 of 5",
				[]byte(`{"pages_processed":3,"chunks_created":12,"duration_seconds":0}`),
				"", created, started, nil))

	job, err := s.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusRunning || job.Summary.PagesProcessed != 3 || job.Summary.ChunksCreated != 12 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Progress != 40 || job.Message == "" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.StartedAt == nil || job.FinishedAt != nil {
		t.Fatalf("timestamps wrong: %+v", job)
	}
}

func TestPGStoreUpdateNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := &PGStore{DB: db}

	mock.ExpectExec(`UPDATE ingestion_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.Update(context.Background(), newJob("ghost", "nb-1", time.Now()))
	if !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPGStoreList(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	s := &PGStore{DB: db}

	now := time.Now().UTC()
	mock.ExpectQuery(`SELECT id, notebook_id, status, progress, message, summary, error, created_at, started_at, finished_at`).
		WithArgs("nb-1", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "notebook_id", "status", "progress", "message", "summary", "error", "created_at", "started_at", "finished_at"}).
			AddRow("j2", "nb-1", "completed", 100, "", []byte(`{}`), "", now, nil, nil).
			AddRow("j1", "nb-1", "failed", 30, "", []byte(`{}`), "boom", now.Add(-time.Hour), nil, nil))

	jobs, err := s.List(context.Background(), "nb-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "j2" || jobs[1].Error != "boom" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}
