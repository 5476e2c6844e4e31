package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/notewise/notewise/config"
	"github.com/notewise/notewise/internal/faults"
)

// Mode selects how a query is executed against the index.
type Mode string

const (
	ModeHybrid   Mode = "hybrid"
	ModeSemantic Mode = "semantic"
	ModeSimple   Mode = "simple"
	ModeFull     Mode = "full"
)

// Query is one search request. Vector is required for semantic and hybrid
// modes, Text for simple, hybrid and full.
type Query struct {
	Text    string
	Vector  []float32
	Mode    Mode
	Filters Filters
	Top     int
}

// Result is one scored hit.
type Result struct {
	Document      Document
	Score         float64
	RerankerScore float64
}

// UpsertItem reports the outcome for one document in an index batch.
type UpsertItem struct {
	Key        string
	Succeeded  bool
	StatusCode int
	Message    string
}

// Client talks to the external search service over its REST API.
type Client struct {
	endpoint   string
	index      string
	apiKey     string
	apiVersion string
	semantic   string
	rerank     bool
	vectorDims int
	httpClient *http.Client
}

func NewClient(cfg config.SearchConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		index:      cfg.Index,
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		semantic:   cfg.SemanticConfig,
		rerank:     cfg.EnableReranking,
		vectorDims: cfg.VectorDimensions,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	Search                string        `json:"search,omitempty"`
	VectorQueries         []vectorQuery `json:"vectorQueries,omitempty"`
	Filter                string        `json:"filter,omitempty"`
	Top                   int           `json:"top"`
	QueryType             string        `json:"queryType,omitempty"`
	SemanticConfiguration string        `json:"semanticConfiguration,omitempty"`
	Select                string        `json:"select,omitempty"`
	Facets                []string      `json:"facets,omitempty"`
	Count                 bool          `json:"count"`
}

type vectorQuery struct {
	Kind   string    `json:"kind"`
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
	Fields string    `json:"fields"`
}

type searchHit struct {
	Document
	Score         float64  `json:"@search.score"`
	RerankerScore *float64 `json:"@search.rerankerScore"`
}

type searchResponse struct {
	Count  int64                    `json:"@odata.count"`
	Facets map[string][]FacetBucket `json:"@search.facets"`
	Value  []searchHit              `json:"value"`
}

// FacetBucket is one value of a faceted field with its document count.
type FacetBucket struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Search executes one query and returns the hits in service order. The
// caller owns final ordering and truncation.
func (c *Client) Search(ctx context.Context, q Query) ([]Result, error) {
	req, err := c.buildSearchRequest(q)
	if err != nil {
		return nil, err
	}
	var resp searchResponse
	if err := c.post(ctx, fmt.Sprintf("/indexes/%s/docs/search", c.index), req, &resp); err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(resp.Value))
	for _, hit := range resp.Value {
		r := Result{Document: hit.Document, Score: hit.Score}
		if hit.RerankerScore != nil {
			r.RerankerScore = *hit.RerankerScore
		}
		results = append(results, r)
	}
	return results, nil
}

func (c *Client) buildSearchRequest(q Query) (*searchRequest, error) {
	if q.Top <= 0 {
		return nil, faults.Validation{Field: "top", Reason: "must be positive"}
	}
	req := &searchRequest{Filter: q.Filters.Expression(), Top: q.Top}
	vq := func() vectorQuery {
		return vectorQuery{Kind: "vector", Vector: q.Vector, K: q.Top, Fields: "content_vector"}
	}
	switch q.Mode {
	case ModeSemantic:
		if len(q.Vector) == 0 {
			return nil, faults.Validation{Field: "vector", Reason: "required for semantic mode"}
		}
		req.VectorQueries = []vectorQuery{vq()}
	case ModeSimple:
		if q.Text == "" {
			return nil, faults.Validation{Field: "query", Reason: "required for simple mode"}
		}
		req.Search = q.Text
		req.QueryType = "simple"
	case ModeFull:
		if q.Text == "" {
			return nil, faults.Validation{Field: "query", Reason: "required for full mode"}
		}
		req.Search = q.Text
		req.QueryType = "full"
	case ModeHybrid, "":
		if q.Text == "" || len(q.Vector) == 0 {
			return nil, faults.Validation{Field: "query", Reason: "hybrid mode needs both text and vector"}
		}
		req.Search = q.Text
		req.VectorQueries = []vectorQuery{vq()}
		if c.rerank && c.semantic != "" {
			req.QueryType = "semantic"
			req.SemanticConfiguration = c.semantic
		}
	default:
		return nil, faults.Validation{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", q.Mode)}
	}
	return req, nil
}

type indexAction struct {
	Action string `json:"@search.action"`
	Document
}

type deleteAction struct {
	Action string `json:"@search.action"`
	ID     string `json:"id"`
}

type indexBatchResponse struct {
	Value []struct {
		Key        string `json:"key"`
		Status     bool   `json:"status"`
		StatusCode int    `json:"statusCode"`
		Message    string `json:"errorMessage"`
	} `json:"value"`
}

// Upsert merges or uploads a batch of documents. Per item outcomes are
// returned; a partially failed batch is not an error.
func (c *Client) Upsert(ctx context.Context, docs []Document) ([]UpsertItem, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	actions := make([]indexAction, len(docs))
	for i, d := range docs {
		actions[i] = indexAction{Action: "mergeOrUpload", Document: d}
	}
	return c.submitBatch(ctx, map[string]any{"value": actions})
}

func (c *Client) submitBatch(ctx context.Context, body any) ([]UpsertItem, error) {
	var resp indexBatchResponse
	if err := c.post(ctx, fmt.Sprintf("/indexes/%s/docs/index", c.index), body, &resp); err != nil {
		return nil, err
	}
	items := make([]UpsertItem, 0, len(resp.Value))
	for _, v := range resp.Value {
		items = append(items, UpsertItem{Key: v.Key, Succeeded: v.Status, StatusCode: v.StatusCode, Message: v.Message})
	}
	return items, nil
}

// Query pages the engine can return are capped at 1000 ids, so a notebook
// larger than that takes several rounds. The cap bounds the rounds even if
// the engine keeps serving a stale view.
const maxDeleteRounds = 100

// DeleteByNotebook removes every document belonging to one notebook and
// returns the number of documents deleted. The index is briefly inconsistent
// while the delete batches land; readers see fewer results, never stale
// duplicates. Deletes are not read-your-writes: a query issued right after a
// batch may still return ids the batch already removed, so each id is
// counted once no matter how often the engine re-serves it.
func (c *Client) DeleteByNotebook(ctx context.Context, notebookID string) (int, error) {
	deleted := 0
	seen := make(map[string]bool)
	for round := 0; round < maxDeleteRounds; round++ {
		ids, err := c.idsForNotebook(ctx, notebookID)
		if err != nil {
			return deleted, err
		}
		fresh := ids[:0]
		for _, id := range ids {
			if !seen[id] {
				fresh = append(fresh, id)
			}
		}
		if len(fresh) == 0 {
			return deleted, nil
		}
		actions := make([]deleteAction, len(fresh))
		for i, id := range fresh {
			actions[i] = deleteAction{Action: "delete", ID: id}
		}
		items, err := c.submitBatch(ctx, map[string]any{"value": actions})
		if err != nil {
			return deleted, err
		}
		progressed := 0
		for _, it := range items {
			if it.Succeeded {
				seen[it.Key] = true
				progressed++
			}
		}
		if progressed == 0 {
			return deleted, fmt.Errorf("delete batch for notebook %s made no progress", notebookID)
		}
		deleted += progressed
	}
	return deleted, fmt.Errorf("delete for notebook %s did not converge", notebookID)
}

func (c *Client) idsForNotebook(ctx context.Context, notebookID string) ([]string, error) {
	req := &searchRequest{
		Filter: Filters{NotebookIDs: []string{notebookID}}.Expression(),
		Top:    1000,
		Select: "id",
	}
	var resp searchResponse
	if err := c.post(ctx, fmt.Sprintf("/indexes/%s/docs/search", c.index), req, &resp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Value))
	for _, hit := range resp.Value {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Facets returns the distinct values and counts of the given fields across
// the (optionally filtered) index.
func (c *Client) Facets(ctx context.Context, fields []string, filters Filters) (map[string][]FacetBucket, error) {
	facets := make([]string, len(fields))
	for i, f := range fields {
		facets[i] = f + ",count:50"
	}
	req := &searchRequest{
		Search: "*",
		Filter: filters.Expression(),
		Top:    1,
		Select: "id",
		Facets: facets,
	}
	var resp searchResponse
	if err := c.post(ctx, fmt.Sprintf("/indexes/%s/docs/search", c.index), req, &resp); err != nil {
		return nil, err
	}
	return resp.Facets, nil
}

// CountByNotebook returns how many documents a notebook currently has in the
// index.
func (c *Client) CountByNotebook(ctx context.Context, notebookID string) (int64, error) {
	req := &searchRequest{
		Filter: Filters{NotebookIDs: []string{notebookID}}.Expression(),
		Top:    1,
		Select: "id",
		Count:  true,
	}
	var resp searchResponse
	if err := c.post(ctx, fmt.Sprintf("/indexes/%s/docs/search", c.index), req, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode search request: %w", err)
	}
	u, err := url.Parse(c.endpoint + path)
	if err != nil {
		return fmt.Errorf("search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("api-version", c.apiVersion)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return faults.Unavailable{Service: "search", Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return faults.Throttled{Service: "search", RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return faults.Unavailable{Service: "search", Cause: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusMultiStatus:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("search request failed: status %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode search response: %w", err)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
