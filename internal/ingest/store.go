package ingest

import (
	"context"
	"sort"
	"sync"

	"github.com/notewise/notewise/internal/faults"
)

// JobStore persists ingestion jobs. Create must atomically enforce that at
// most one pending or running job exists per notebook.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	List(ctx context.Context, notebookID string, limit int) ([]*Job, error)
}

// MemoryStore keeps jobs in process memory. It is the default store when no
// database is configured; job history does not survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	active map[string]string // notebook id -> active job id
	order  []string          // job ids in creation order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[string]*Job),
		active: make(map[string]string),
	}
}

// Create claims the notebook and stores the job in one critical section, so
// concurrent submissions for the same notebook see exactly one winner.
func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[job.NotebookID]; busy {
		return faults.ErrJobConflict
	}
	cp := *job
	s.jobs[job.ID] = &cp
	s.active[job.NotebookID] = job.ID
	s.order = append(s.order, job.ID)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return faults.ErrNotFound
	}
	cp := *job
	s.jobs[job.ID] = &cp
	if !job.Status.active() && s.active[job.NotebookID] == job.ID {
		delete(s.active, job.NotebookID)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, faults.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// List returns jobs newest first, optionally filtered by notebook.
func (s *MemoryStore) List(_ context.Context, notebookID string, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		job := s.jobs[id]
		if notebookID != "" && job.NotebookID != notebookID {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
