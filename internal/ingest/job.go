package ingest

import "time"

// Status is the lifecycle state of an ingestion job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// active reports whether a job in this status still holds its notebook's
// exclusivity claim.
func (s Status) active() bool {
	return s == StatusPending || s == StatusRunning
}

// ItemError records one item that failed during a job. The job continues
// past item failures; these are reported in the summary.
type ItemError struct {
	ItemID string `json:"item_id"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

// Summary is the progress and outcome report of a job. It is populated on
// every terminal state, including failure.
type Summary struct {
	PagesProcessed       int         `json:"pages_processed"`
	AttachmentsProcessed int         `json:"attachments_processed"`
	ChunksCreated        int         `json:"chunks_created"`
	Errors               []ItemError `json:"errors,omitempty"`
	Duration             float64     `json:"duration_seconds"`
}

// Job is one ingestion run over a single notebook. Progress moves from 0 to
// 100 and never decreases while the job runs; Message is a human-readable
// state line for the poll surface.
type Job struct {
	ID         string     `json:"job_id"`
	NotebookID string     `json:"notebook_id"`
	Status     Status     `json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message,omitempty"`
	Summary    Summary    `json:"summary"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
