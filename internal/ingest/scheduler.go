package ingest

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/notewise/notewise/config"
	"github.com/notewise/notewise/internal/faults"
)

// Scheduler re-ingests registered notebooks on their cron schedules. A redis
// SetNX lock keeps multiple replicas from submitting duplicate jobs; without
// redis the job store's per-notebook exclusivity still guarantees a single
// winner per process group.
type Scheduler struct {
	Manager *Manager
	Store   JobStore
	Rdb     *redis.Client
	Cfg     config.SchedulerConfig
	Stop    chan struct{}

	logger *log.Logger
}

func NewScheduler(manager *Manager, store JobStore, rdb *redis.Client, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		Manager: manager,
		Store:   store,
		Rdb:     rdb,
		Cfg:     cfg,
		Stop:    make(chan struct{}),
		logger:  log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
}

func (s *Scheduler) Start() {
	if !s.Cfg.Enabled || len(s.Cfg.Notebooks) == 0 {
		return
	}
	interval := s.Cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	for notebookID, spec := range s.Cfg.Notebooks {
		last, err := s.lastRunTime(ctx, notebookID)
		if err != nil {
			continue
		}
		if !isDue(spec, last) {
			continue
		}

		// distributed lock to avoid duplicate submissions across replicas
		if s.Rdb != nil {
			lockKey := "sched:lock:" + notebookID
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
		}

		job, err := s.Manager.Submit(ctx, notebookID)
		if err != nil {
			if !errors.Is(err, faults.ErrJobConflict) {
				s.logger.Printf("scheduled ingestion for %s: %v", notebookID, err)
			}
			continue
		}
		s.logger.Printf("scheduled ingestion for %s: job %s", notebookID, job.ID)
	}
}

func (s *Scheduler) lastRunTime(ctx context.Context, notebookID string) (*time.Time, error) {
	jobs, err := s.Store.List(ctx, notebookID, 1)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0].CreatedAt, nil
}

// isDue determines if a notebook with cronSpec should run now based on its
// last job time. Supports "@daily", "@hourly", and standard cron expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// Fallback: treat as @daily if invalid
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
