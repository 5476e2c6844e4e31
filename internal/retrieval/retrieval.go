package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/notewise/notewise/config"
	"github.com/notewise/notewise/internal/faults"
	"github.com/notewise/notewise/internal/searchindex"
	"github.com/notewise/notewise/models"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeHybrid   Mode = "hybrid"
	ModeSemantic Mode = "semantic"
	ModeSimple   Mode = "simple"
	ModeFull     Mode = "full"
	ModeLive     Mode = "live"
)

// Request is one retrieval call. Top of zero means the configured default.
type Request struct {
	Query   string
	Mode    Mode
	Top     int
	Filters searchindex.Filters
}

// Hit is one retrieved chunk with its scores.
type Hit struct {
	Chunk         models.Chunk
	Score         float64
	RerankerScore float64
}

// Response is the ordered result set for a request.
type Response struct {
	Hits          []Hit
	Total         int
	Mode          Mode
	FilterApplied bool
}

// Searcher is the slice of the search index retrieval needs.
type Searcher interface {
	Search(ctx context.Context, q searchindex.Query) ([]searchindex.Result, error)
}

// QueryEmbedder embeds a single query string.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// LiveSource is the slice of the content API live mode needs. Live mode
// bypasses the index entirely and scans fresh page text.
type LiveSource interface {
	ListSections(ctx context.Context, notebookID string) ([]models.Section, error)
	ListPages(ctx context.Context, sectionID string) ([]models.Page, error)
	GetPageText(ctx context.Context, pageID string) (string, error)
}

// Orchestrator dispatches a request to the right retrieval strategy and
// normalizes the result ordering.
type Orchestrator struct {
	search   Searcher
	embedder QueryEmbedder
	live     LiveSource
	cfg      config.RetrievalConfig
}

func NewOrchestrator(search Searcher, embedder QueryEmbedder, live LiveSource, cfg config.RetrievalConfig) *Orchestrator {
	return &Orchestrator{search: search, embedder: embedder, live: live, cfg: cfg}
}

// Retrieve validates the request, runs the selected mode, and returns hits
// ordered by score descending with chunk id as a stable tiebreak.
func (o *Orchestrator) Retrieve(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, faults.Validation{Field: "query", Reason: "must not be empty"}
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	top := req.Top
	switch {
	case top < 0:
		return nil, faults.Validation{Field: "top", Reason: "must not be negative"}
	case top == 0:
		top = o.cfg.DefaultTop
	case top > o.cfg.MaxTop:
		top = o.cfg.MaxTop
	}

	var (
		hits []Hit
		err  error
	)
	switch mode {
	case ModeLive:
		hits, err = o.liveSearch(ctx, req.Query, req.Filters, top)
	case ModeHybrid, ModeSemantic, ModeSimple, ModeFull:
		hits, err = o.indexSearch(ctx, req.Query, mode, req.Filters, top)
	default:
		return nil, faults.Validation{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
	if err != nil {
		return nil, err
	}

	sortHits(hits)
	total := len(hits)
	if len(hits) > top {
		hits = hits[:top]
	}
	return &Response{
		Hits:          hits,
		Total:         total,
		Mode:          mode,
		FilterApplied: !req.Filters.Empty(),
	}, nil
}

func (o *Orchestrator) indexSearch(ctx context.Context, query string, mode Mode,
	filters searchindex.Filters, top int) ([]Hit, error) {
	q := searchindex.Query{Text: query, Filters: filters, Top: top}
	switch mode {
	case ModeSemantic:
		q.Mode = searchindex.ModeSemantic
		q.Text = ""
	case ModeSimple:
		q.Mode = searchindex.ModeSimple
	case ModeFull:
		q.Mode = searchindex.ModeFull
	default:
		q.Mode = searchindex.ModeHybrid
	}
	if mode == ModeSemantic || mode == ModeHybrid {
		vec, err := o.embedder.EmbedQuery(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		q.Vector = vec
	}
	results, err := o.search.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			Chunk:         r.Document.ToChunk(),
			Score:         r.Score,
			RerankerScore: r.RerankerScore,
		})
	}
	return hits, nil
}

// liveSearch fetches fresh page text straight from the content source and
// scores it by keyword overlap. No index is consulted, so results reflect
// content newer than the last ingestion.
func (o *Orchestrator) liveSearch(ctx context.Context, query string,
	filters searchindex.Filters, top int) ([]Hit, error) {
	if len(filters.NotebookIDs) == 0 {
		return nil, faults.Validation{Field: "notebook_ids", Reason: "live mode requires a notebook filter"}
	}
	terms := strings.Fields(strings.ToLower(query))
	var hits []Hit
	for _, notebookID := range filters.NotebookIDs {
		sections, err := o.live.ListSections(ctx, notebookID)
		if err != nil {
			return nil, fmt.Errorf("live list sections: %w", err)
		}
		for _, section := range sections {
			if len(filters.SectionIDs) > 0 && !contains(filters.SectionIDs, section.ID) {
				continue
			}
			pages, err := o.live.ListPages(ctx, section.ID)
			if err != nil {
				return nil, fmt.Errorf("live list pages: %w", err)
			}
			for _, page := range pages {
				if len(filters.PageIDs) > 0 && !contains(filters.PageIDs, page.ID) {
					continue
				}
				text, err := o.live.GetPageText(ctx, page.ID)
				if err != nil || text == "" {
					continue
				}
				score := keywordScore(text, page.Title, terms)
				if score <= 0 {
					continue
				}
				hits = append(hits, Hit{
					Chunk: models.Chunk{
						ID:           "live-" + page.ID,
						Content:      excerpt(text, terms, 1200),
						SourceType:   models.SourcePageText,
						NotebookID:   notebookID,
						SectionID:    section.ID,
						PageID:       page.ID,
						PageTitle:    page.Title,
						ModifiedTime: page.ModifiedTime,
					},
					Score: score,
				})
			}
		}
	}
	return hits, nil
}

// keywordScore counts term occurrences, weighting title matches higher.
func keywordScore(text, title string, terms []string) float64 {
	lowerText := strings.ToLower(text)
	lowerTitle := strings.ToLower(title)
	var score float64
	for _, t := range terms {
		score += float64(strings.Count(lowerText, t))
		score += 3 * float64(strings.Count(lowerTitle, t))
	}
	return score
}

// excerpt returns a window of text around the first term match.
func excerpt(text string, terms []string, size int) string {
	if len(text) <= size {
		return text
	}
	lower := strings.ToLower(text)
	first := -1
	for _, t := range terms {
		if i := strings.Index(lower, t); i >= 0 && (first < 0 || i < first) {
			first = i
		}
	}
	start := 0
	if first > size/2 {
		start = first - size/2
	}
	end := start + size
	if end > len(text) {
		end = len(text)
		start = end - size
	}
	return text[start:end]
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// sortHits orders by reranker score when present, then score, then chunk id
// so equal scores have a deterministic order.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := effectiveScore(hits[i]), effectiveScore(hits[j])
		if a != b {
			return a > b
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
}

func effectiveScore(h Hit) float64 {
	if h.RerankerScore > 0 {
		return h.RerankerScore
	}
	return h.Score
}
