package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/notewise/notewise/config"
	"github.com/notewise/notewise/internal/extract"
	"github.com/notewise/notewise/internal/ingest"
	"github.com/notewise/notewise/internal/searchindex"
	"github.com/notewise/notewise/models"
)

type stubSource struct{ block chan struct{} }

func (s *stubSource) ListSections(ctx context.Context, notebookID string) ([]models.Section, error) {
	if s.block != nil {
		<-s.block
	}
	return []models.Section{{ID: "sec-1", NotebookID: notebookID}}, nil
}

func (s *stubSource) ListPages(ctx context.Context, sectionID string) ([]models.Page, error) {
	return []models.Page{{ID: "page-1", Title: "Notes", SectionID: sectionID}}, nil
}

func (s *stubSource) GetPageText(ctx context.Context, pageID string) (string, error) {
	return "Some page text worth indexing.", nil
}

func (s *stubSource) ListPageAttachments(ctx context.Context, pageID string) ([]models.Attachment, error) {
	return nil, nil
}

func (s *stubSource) DownloadAttachment(ctx context.Context, attachmentID string) ([]byte, error) {
	return nil, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, []error, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, make([]error, len(texts)), nil
}

type stubExtractor struct{}

func (stubExtractor) Analyze(ctx context.Context, data []byte, filename, contentType string) (extract.Extraction, error) {
	return extract.Extraction{Text: "extracted"}, nil
}

type stubIndex struct {
	mu   sync.Mutex
	docs map[string]searchindex.Document
}

func (s *stubIndex) Upsert(ctx context.Context, docs []searchindex.Document) ([]searchindex.UpsertItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs == nil {
		s.docs = map[string]searchindex.Document{}
	}
	items := make([]searchindex.UpsertItem, len(docs))
	for i, d := range docs {
		s.docs[d.ID] = d
		items[i] = searchindex.UpsertItem{Key: d.ID, Succeeded: true}
	}
	return items, nil
}

func (s *stubIndex) DeleteByNotebook(ctx context.Context, notebookID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, d := range s.docs {
		if d.NotebookID == notebookID {
			delete(s.docs, id)
			n++
		}
	}
	return n, nil
}

func (s *stubIndex) CountByNotebook(ctx context.Context, notebookID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.docs {
		if d.NotebookID == notebookID {
			n++
		}
	}
	return n, nil
}

func testManager(t *testing.T, source ingest.Source) (*ingest.Manager, ingest.JobStore) {
	t.Helper()
	store := ingest.NewMemoryStore()
	m := ingest.NewManager(store, source, stubEmbedder{}, stubExtractor{}, &stubIndex{}, nil,
		config.IngestionConfig{
			ChunkSize:            500,
			ChunkOverlap:         50,
			EmbeddingBatchSize:   8,
			EmbeddingConcurrency: 2,
			MaxRetries:           1,
			RetryBackoff:         time.Millisecond,
		}, searchindex.Scope{})
	t.Cleanup(m.Close)
	return m, store
}

func TestSubmitIngestionAccepted(t *testing.T) {
	e := echo.New()
	m, _ := testManager(t, &stubSource{})
	h := &IngestionHandler{Manager: m}

	req := httptest.NewRequest(http.MethodPost, "/api/ingestion", strings.NewReader(`{"notebook_id":"nb-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := h.submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var job ingest.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID == "" || job.NotebookID != "nb-1" || job.Status != ingest.StatusPending {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestSubmitIngestionValidation(t *testing.T) {
	e := echo.New()
	m, _ := testManager(t, &stubSource{})
	h := &IngestionHandler{Manager: m}

	req := httptest.NewRequest(http.MethodPost, "/api/ingestion", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	err := h.submit(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %#v", err)
	}
}

func TestSubmitIngestionConflictMapsTo409(t *testing.T) {
	e := echo.New()
	source := &stubSource{block: make(chan struct{})}
	defer close(source.block)
	m, _ := testManager(t, source)
	h := &IngestionHandler{Manager: m}

	first := httptest.NewRequest(http.MethodPost, "/api/ingestion", strings.NewReader(`{"notebook_id":"nb-1"}`))
	first.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if err := h.submit(e.NewContext(first, httptest.NewRecorder())); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	second := httptest.NewRequest(http.MethodPost, "/api/ingestion", strings.NewReader(`{"notebook_id":"nb-1"}`))
	second.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	err := h.submit(e.NewContext(second, httptest.NewRecorder()))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %#v", err)
	}
}

func TestJobStatusNotFound(t *testing.T) {
	e := echo.New()
	m, _ := testManager(t, &stubSource{})
	h := &IngestionHandler{Manager: m}

	req := httptest.NewRequest(http.MethodGet, "/api/ingestion/jobs/ghost", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("job_id")
	ctx.SetParamValues("ghost")

	err := h.status(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %#v", err)
	}
}

func TestJobStatusPollingReachesCompletion(t *testing.T) {
	e := echo.New()
	m, _ := testManager(t, &stubSource{})
	h := &IngestionHandler{Manager: m}

	req := httptest.NewRequest(http.MethodPost, "/api/ingestion", strings.NewReader(`{"notebook_id":"nb-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.submit(e.NewContext(req, rec)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var submitted ingest.Job
	_ = json.Unmarshal(rec.Body.Bytes(), &submitted)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("job never completed")
		}
		sreq := httptest.NewRequest(http.MethodGet, "/api/ingestion/jobs/"+submitted.ID, nil)
		srec := httptest.NewRecorder()
		sctx := e.NewContext(sreq, srec)
		sctx.SetParamNames("job_id")
		sctx.SetParamValues(submitted.ID)
		if err := h.status(sctx); err != nil {
			t.Fatalf("status: %v", err)
		}
		var job ingest.Job
		_ = json.Unmarshal(srec.Body.Bytes(), &job)
		if job.Status == ingest.StatusCompleted {
			if job.Summary.PagesProcessed != 1 {
				t.Fatalf("unexpected summary: %+v", job.Summary)
			}
			return
		}
		if job.Status == ingest.StatusFailed {
			t.Fatalf("job failed: %s", job.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeleteNotebook(t *testing.T) {
	e := echo.New()
	m, _ := testManager(t, &stubSource{})
	h := &IngestionHandler{Manager: m}

	req := httptest.NewRequest(http.MethodDelete, "/api/ingestion/nb-1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("notebook_id")
	ctx.SetParamValues("nb-1")

	if err := h.delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]int
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if _, ok := resp["documents_deleted"]; !ok {
		t.Fatalf("deleted count missing: %s", rec.Body.String())
	}
}

func TestDeleteNotebookConflict(t *testing.T) {
	e := echo.New()
	source := &stubSource{block: make(chan struct{})}
	defer close(source.block)
	m, _ := testManager(t, source)
	h := &IngestionHandler{Manager: m}

	sreq := httptest.NewRequest(http.MethodPost, "/api/ingestion", strings.NewReader(`{"notebook_id":"nb-1"}`))
	sreq.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if err := h.submit(e.NewContext(sreq, httptest.NewRecorder())); err != nil {
		t.Fatalf("submit: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/ingestion/nb-1", nil)
	ctx := e.NewContext(req, httptest.NewRecorder())
	ctx.SetParamNames("notebook_id")
	ctx.SetParamValues("nb-1")

	err := h.delete(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a job is active, got %#v", err)
	}
}

func TestListJobs(t *testing.T) {
	e := echo.New()
	m, _ := testManager(t, &stubSource{})
	h := &IngestionHandler{Manager: m}

	req := httptest.NewRequest(http.MethodPost, "/api/ingestion", strings.NewReader(`{"notebook_id":"nb-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if err := h.submit(e.NewContext(req, httptest.NewRecorder())); err != nil {
		t.Fatalf("submit: %v", err)
	}

	lreq := httptest.NewRequest(http.MethodGet, "/api/ingestion/jobs?notebook_id=nb-1", nil)
	lrec := httptest.NewRecorder()
	if err := h.list(e.NewContext(lreq, lrec)); err != nil {
		t.Fatalf("list: %v", err)
	}
	var resp struct {
		Jobs []ingest.Job `json:"jobs"`
	}
	if err := json.Unmarshal(lrec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].NotebookID != "nb-1" {
		t.Fatalf("unexpected jobs: %+v", resp.Jobs)
	}
}

func waitTerminal(t *testing.T, store ingest.JobStore, jobID string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == ingest.StatusCompleted || job.Status == ingest.StatusFailed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
}

func TestAggregateStats(t *testing.T) {
	e := echo.New()
	m, store := testManager(t, &stubSource{})
	h := &IngestionHandler{Manager: m}

	job, err := m.Submit(context.Background(), "nb-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitTerminal(t, store, job.ID)

	req := httptest.NewRequest(http.MethodGet, "/api/ingestion/stats", nil)
	rec := httptest.NewRecorder()
	if err := h.aggregate(e.NewContext(req, rec)); err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats ingest.AggregateStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Jobs != 1 || stats.PagesProcessed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
