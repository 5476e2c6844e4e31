package ingest

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobEvent is the payload published on every job state transition. Consumers
// that want push semantics read the stream; polling GetStatus stays the
// contract of record.
type JobEvent struct {
	JobID      string `json:"job_id"`
	NotebookID string `json:"notebook_id"`
	Status     string `json:"status"`
	At         string `json:"at"`
}

// Events publishes job transitions to a redis stream. A nil *Events is valid
// and publishes nothing, so redis stays optional.
type Events struct {
	rdb    *redis.Client
	stream string
	logger *log.Logger
}

func NewEvents(rdb *redis.Client, stream string) *Events {
	if rdb == nil || stream == "" {
		return nil
	}
	return &Events{
		rdb:    rdb,
		stream: stream,
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Publish is best effort; a failed publish never fails the job transition.
func (e *Events) Publish(ctx context.Context, job *Job) {
	if e == nil {
		return
	}
	err := e.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: e.stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"job_id":      job.ID,
			"notebook_id": job.NotebookID,
			"status":      string(job.Status),
			"progress":    job.Progress,
			"at":          time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		e.logger.Printf("publish job event %s/%s: %v", job.ID, job.Status, err)
	}
}
