package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/notewise/notewise/config"
	"github.com/notewise/notewise/internal/chunker"
	"github.com/notewise/notewise/internal/extract"
	"github.com/notewise/notewise/internal/faults"
	"github.com/notewise/notewise/internal/searchindex"
	"github.com/notewise/notewise/models"
)

var (
	jobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notewise_ingestion_jobs_started_total",
		Help: "Number of ingestion jobs started.",
	})
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notewise_ingestion_jobs_finished_total",
		Help: "Number of ingestion jobs finished, by terminal status.",
	}, []string{"status"})
	chunksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notewise_ingestion_chunks_indexed_total",
		Help: "Number of chunks written to the search index.",
	})
)

// Source is the slice of the content API the manager needs.
type Source interface {
	ListSections(ctx context.Context, notebookID string) ([]models.Section, error)
	ListPages(ctx context.Context, sectionID string) ([]models.Page, error)
	GetPageText(ctx context.Context, pageID string) (string, error)
	ListPageAttachments(ctx context.Context, pageID string) ([]models.Attachment, error)
	DownloadAttachment(ctx context.Context, attachmentID string) ([]byte, error)
}

// Embedder turns a batch of texts into vectors. The error slice is indexed
// like texts: a non-nil entry marks that text as failed while the rest of
// the batch still carries vectors. The final error is reserved for failures
// of the whole call, such as cancellation.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, []error, error)
}

// Extractor pulls text out of binary attachments.
type Extractor interface {
	Analyze(ctx context.Context, data []byte, filename, contentType string) (extract.Extraction, error)
}

// IndexWriter is the slice of the search index the manager needs.
type IndexWriter interface {
	Upsert(ctx context.Context, docs []searchindex.Document) ([]searchindex.UpsertItem, error)
	DeleteByNotebook(ctx context.Context, notebookID string) (int, error)
	CountByNotebook(ctx context.Context, notebookID string) (int64, error)
}

// Manager owns the ingestion job lifecycle: one active job per notebook,
// asynchronous execution, per-item error tolerance, and a summary on every
// terminal state.
type Manager struct {
	store     JobStore
	source    Source
	embedder  Embedder
	extractor Extractor
	index     IndexWriter
	events    *Events
	chunks    *chunker.Chunker
	scope     searchindex.Scope
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(store JobStore, source Source, embedder Embedder, extractor Extractor,
	index IndexWriter, events *Events, cfg config.IngestionConfig, scope searchindex.Scope) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     store,
		source:    source,
		embedder:  embedder,
		extractor: extractor,
		index:     index,
		events:    events,
		chunks:    chunker.New(cfg.ChunkSize, cfg.ChunkOverlap),
		scope:     scope,
		logger:    log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close stops accepting work and waits for running jobs to finish.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Submit creates a pending job for the notebook and starts it in the
// background. Returns faults.ErrJobConflict when the notebook already has a
// pending or running job.
func (m *Manager) Submit(ctx context.Context, notebookID string) (*Job, error) {
	return m.submit(ctx, notebookID, false)
}

// Reindex deletes the notebook's indexed content and then re-ingests it
// under a single job, so the delete and the rebuild share one exclusivity
// claim. Searches during the window see partial results.
func (m *Manager) Reindex(ctx context.Context, notebookID string) (*Job, error) {
	return m.submit(ctx, notebookID, true)
}

func (m *Manager) submit(ctx context.Context, notebookID string, purgeFirst bool) (*Job, error) {
	if notebookID == "" {
		return nil, faults.Validation{Field: "notebook_id", Reason: "must not be empty"}
	}
	job := &Job{
		ID:         uuid.NewString(),
		NotebookID: notebookID,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.Create(ctx, job); err != nil {
		return nil, err
	}
	jobsStarted.Inc()
	m.events.Publish(ctx, job)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(job, purgeFirst)
	}()
	cp := *job
	return &cp, nil
}

// Status returns the job by id.
func (m *Manager) Status(ctx context.Context, jobID string) (*Job, error) {
	return m.store.Get(ctx, jobID)
}

// List returns recent jobs, optionally filtered by notebook.
func (m *Manager) List(ctx context.Context, notebookID string, limit int) ([]*Job, error) {
	return m.store.List(ctx, notebookID, limit)
}

// Delete removes all indexed content for a notebook and returns how many
// documents were deleted. The delete claims the notebook through the job
// store like submit and reindex do, so it returns faults.ErrJobConflict
// while an ingestion job for the notebook is pending or running and no
// in-flight writer can race the purge.
func (m *Manager) Delete(ctx context.Context, notebookID string) (int, error) {
	if notebookID == "" {
		return 0, faults.Validation{Field: "notebook_id", Reason: "must not be empty"}
	}
	now := time.Now().UTC()
	job := &Job{
		ID:         uuid.NewString(),
		NotebookID: notebookID,
		Status:     StatusRunning,
		Message:    "deleting indexed content",
		CreatedAt:  now,
		StartedAt:  &now,
	}
	if err := m.store.Create(ctx, job); err != nil {
		return 0, err
	}
	deleted, err := m.index.DeleteByNotebook(ctx, notebookID)
	done := time.Now().UTC()
	job.FinishedAt = &done
	job.Summary.Duration = done.Sub(now).Seconds()
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		m.persist(ctx, job)
		return deleted, err
	}
	job.Status = StatusCompleted
	job.Progress = 100
	job.Message = fmt.Sprintf("deleted %d indexed documents", deleted)
	m.persist(ctx, job)
	return deleted, nil
}

// Stats reports the indexed document count and the most recent job for a
// notebook.
type Stats struct {
	NotebookID    string `json:"notebook_id"`
	IndexedChunks int64  `json:"indexed_chunks"`
	LastJob       *Job   `json:"last_job,omitempty"`
}

func (m *Manager) NotebookStats(ctx context.Context, notebookID string) (*Stats, error) {
	if notebookID == "" {
		return nil, faults.Validation{Field: "notebook_id", Reason: "must not be empty"}
	}
	count, err := m.index.CountByNotebook(ctx, notebookID)
	if err != nil {
		return nil, err
	}
	stats := &Stats{NotebookID: notebookID, IndexedChunks: count}
	jobs, err := m.store.List(ctx, notebookID, 1)
	if err != nil {
		return nil, err
	}
	if len(jobs) > 0 {
		stats.LastJob = jobs[0]
	}
	return stats, nil
}

// AggregateStats sums job summaries across notebooks, over the most
// recent jobs the store returns.
type AggregateStats struct {
	Jobs                 int `json:"jobs"`
	ActiveJobs           int `json:"active_jobs"`
	FailedJobs           int `json:"failed_jobs"`
	PagesProcessed       int `json:"pages_processed"`
	AttachmentsProcessed int `json:"attachments_processed"`
	ChunksCreated        int `json:"chunks_created"`
	ItemErrors           int `json:"item_errors"`
}

func (m *Manager) Stats(ctx context.Context) (*AggregateStats, error) {
	jobs, err := m.store.List(ctx, "", 1000)
	if err != nil {
		return nil, err
	}
	stats := &AggregateStats{Jobs: len(jobs)}
	for _, job := range jobs {
		if job.Status.active() {
			stats.ActiveJobs++
		}
		if job.Status == StatusFailed {
			stats.FailedJobs++
		}
		stats.PagesProcessed += job.Summary.PagesProcessed
		stats.AttachmentsProcessed += job.Summary.AttachmentsProcessed
		stats.ChunksCreated += job.Summary.ChunksCreated
		stats.ItemErrors += len(job.Summary.Errors)
	}
	return stats, nil
}

// run executes one job to a terminal state. Item failures are recorded and
// skipped; only failures that make the whole run meaningless (listing the
// notebook, purging before a reindex) fail the job.
func (m *Manager) run(job *Job, purgeFirst bool) {
	ctx := m.ctx
	start := time.Now()

	now := start.UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	job.Message = "listing notebook content"
	m.persist(ctx, job)

	if purgeFirst {
		deleted, err := m.index.DeleteByNotebook(ctx, job.NotebookID)
		if err != nil {
			m.finish(ctx, job, start, fmt.Errorf("purge notebook index: %w", err))
			return
		}
		m.logger.Printf("job %s: purged %d documents from notebook %s", job.ID, deleted, job.NotebookID)
	}

	sections, err := m.source.ListSections(ctx, job.NotebookID)
	if err != nil {
		m.finish(ctx, job, start, fmt.Errorf("list sections: %w", err))
		return
	}

	// Enumerate pages up front so progress can be reported against a known
	// total. Progress counts handled pages, errored or not, so it never
	// moves backwards.
	type pageRef struct {
		section models.Section
		page    models.Page
	}
	var refs []pageRef
	for _, section := range sections {
		pages, err := m.source.ListPages(ctx, section.ID)
		if err != nil {
			job.Summary.Errors = append(job.Summary.Errors, ItemError{
				ItemID: section.ID, Stage: "list_pages", Error: err.Error(),
			})
			continue
		}
		for _, page := range pages {
			refs = append(refs, pageRef{section: section, page: page})
		}
	}

	for i, ref := range refs {
		if ctx.Err() != nil {
			m.finish(ctx, job, start, fmt.Errorf("job interrupted: %w", ctx.Err()))
			return
		}
		job.Message = fmt.Sprintf("processing page %d of %d", i+1, len(refs))
		m.processPage(ctx, job, ref.section, ref.page)
		job.Progress = (i + 1) * 100 / len(refs)
		m.persist(ctx, job)
	}

	m.finish(ctx, job, start, nil)
}

func (m *Manager) processPage(ctx context.Context, job *Job, section models.Section, page models.Page) {
	attachments, err := m.source.ListPageAttachments(ctx, page.ID)
	if err != nil {
		job.Summary.Errors = append(job.Summary.Errors, ItemError{
			ItemID: page.ID, Stage: "list_attachments", Error: err.Error(),
		})
		attachments = nil
	}

	base := models.Chunk{
		SourceType:   models.SourcePageText,
		NotebookID:   job.NotebookID,
		SectionID:    section.ID,
		PageID:       page.ID,
		PageTitle:    page.Title,
		ModifiedTime: page.ModifiedTime,
	}

	text, err := m.source.GetPageText(ctx, page.ID)
	if err != nil {
		job.Summary.Errors = append(job.Summary.Errors, ItemError{
			ItemID: page.ID, Stage: "fetch_page", Error: err.Error(),
		})
	} else if text != "" {
		n, err := m.indexText(ctx, job, page.ID, text, base, page.ContentURL, len(attachments) > 0)
		if err != nil {
			job.Summary.Errors = append(job.Summary.Errors, ItemError{
				ItemID: page.ID, Stage: "index_page", Error: err.Error(),
			})
		} else {
			job.Summary.PagesProcessed++
			job.Summary.ChunksCreated += n
		}
	} else {
		job.Summary.PagesProcessed++
	}

	for _, att := range attachments {
		n, err := m.processAttachment(ctx, job, base, page, att)
		if err != nil {
			job.Summary.Errors = append(job.Summary.Errors, ItemError{
				ItemID: att.ID, Stage: "attachment", Error: err.Error(),
			})
			continue
		}
		job.Summary.AttachmentsProcessed++
		job.Summary.ChunksCreated += n
	}
}

func (m *Manager) processAttachment(ctx context.Context, job *Job, base models.Chunk,
	page models.Page, att models.Attachment) (int, error) {
	data, err := m.source.DownloadAttachment(ctx, att.ID)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	extraction, err := m.extractor.Analyze(ctx, data, att.Name, att.ContentType)
	if err != nil {
		return 0, err
	}
	text := extraction.Combined()
	if text == "" {
		return 0, nil
	}
	attBase := base
	attBase.SourceType = models.SourceAttachment
	attBase.AttachmentName = att.Name
	return m.indexText(ctx, job, att.ID, text, attBase, page.ContentURL, true)
}

// indexText chunks, embeds, and upserts one text. Chunks whose embedding
// failed after retries are recorded as item errors on the job and skipped;
// the surviving chunks are still indexed. Returns the number of chunks
// accepted by the index.
func (m *Manager) indexText(ctx context.Context, job *Job, sourceID, text string, base models.Chunk,
	pageURL string, hasAttachments bool) (int, error) {
	chunks := m.chunks.Chunks(sourceID, text, base)
	if len(chunks) == 0 {
		return 0, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, vecErrs, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed: %w", err)
	}
	docs := make([]searchindex.Document, 0, len(chunks))
	for i := range chunks {
		if len(vecErrs) > i && vecErrs[i] != nil {
			job.Summary.Errors = append(job.Summary.Errors, ItemError{
				ItemID: chunks[i].ID, Stage: "embed", Error: vecErrs[i].Error(),
			})
			continue
		}
		chunks[i].Vector = vectors[i]
		docs = append(docs, searchindex.FromChunk(chunks[i], m.scope, pageURL, hasAttachments))
	}
	if len(docs) == 0 {
		return 0, nil
	}
	items, err := m.index.Upsert(ctx, docs)
	if err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}
	accepted := 0
	for _, it := range items {
		if it.Succeeded {
			accepted++
		} else {
			m.logger.Printf("upsert rejected chunk %s: %s", it.Key, it.Message)
		}
	}
	chunksIndexed.Add(float64(accepted))
	if accepted < len(docs) {
		return accepted, fmt.Errorf("index accepted %d of %d chunks", accepted, len(docs))
	}
	return accepted, nil
}

// finish moves the job to its terminal state. The summary is populated on
// both success and failure.
func (m *Manager) finish(ctx context.Context, job *Job, start time.Time, fatal error) {
	now := time.Now().UTC()
	job.FinishedAt = &now
	job.Summary.Duration = time.Since(start).Seconds()
	if fatal != nil {
		job.Status = StatusFailed
		job.Error = fatal.Error()
		job.Message = fatal.Error()
		m.logger.Printf("job %s failed: %v", job.ID, fatal)
	} else {
		job.Status = StatusCompleted
		job.Progress = 100
		job.Message = fmt.Sprintf("indexed %d chunks across %d pages",
			job.Summary.ChunksCreated, job.Summary.PagesProcessed)
		m.logger.Printf("job %s completed: %d pages, %d attachments, %d chunks, %d item errors in %.1fs",
			job.ID, job.Summary.PagesProcessed, job.Summary.AttachmentsProcessed,
			job.Summary.ChunksCreated, len(job.Summary.Errors), job.Summary.Duration)
	}
	jobsFinished.WithLabelValues(string(job.Status)).Inc()
	m.persist(ctx, job)
}

func (m *Manager) persist(ctx context.Context, job *Job) {
	// Terminal states must land even when the run context was cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := m.store.Update(ctx, job); err != nil {
		m.logger.Printf("persist job %s: %v", job.ID, err)
		return
	}
	m.events.Publish(ctx, job)
}
