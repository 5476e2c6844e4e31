package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/notewise/notewise/internal/answer"
	"github.com/notewise/notewise/internal/retrieval"
	"github.com/notewise/notewise/internal/searchindex"
	"github.com/notewise/notewise/models"
)

// Faceter is the slice of the search index the facets endpoint needs.
type Faceter interface {
	Facets(ctx context.Context, fields []string, filters searchindex.Filters) (map[string][]searchindex.FacetBucket, error)
}

// SearchHandler exposes retrieval and answer composition.
type SearchHandler struct {
	Orchestrator *retrieval.Orchestrator
	Composer     *answer.Composer
	Index        Faceter
}

func (h *SearchHandler) Register(api *echo.Group) {
	api.POST("/search", h.search)
	api.POST("/chat", h.chat)
	api.GET("/search/facets", h.facets)
}

type filterPayload struct {
	NotebookIDs     []string `json:"notebook_ids"`
	SectionIDs      []string `json:"section_ids"`
	PageIDs         []string `json:"page_ids"`
	SourceTypes     []string `json:"source_types"`
	AttachmentTypes []string `json:"attachment_types"`
	HasAttachments  *bool    `json:"has_attachments"`
	ModifiedAfter   string   `json:"modified_after"`
	ModifiedBefore  string   `json:"modified_before"`
}

func (f filterPayload) toFilters() (searchindex.Filters, error) {
	out := searchindex.Filters{
		NotebookIDs:     f.NotebookIDs,
		SectionIDs:      f.SectionIDs,
		PageIDs:         f.PageIDs,
		SourceTypes:     f.SourceTypes,
		AttachmentTypes: f.AttachmentTypes,
		HasAttachments:  f.HasAttachments,
	}
	if f.ModifiedAfter != "" {
		t, err := time.Parse(time.RFC3339, f.ModifiedAfter)
		if err != nil {
			return out, echo.NewHTTPError(http.StatusBadRequest, "modified_after must be RFC3339")
		}
		out.ModifiedAfter = t
	}
	if f.ModifiedBefore != "" {
		t, err := time.Parse(time.RFC3339, f.ModifiedBefore)
		if err != nil {
			return out, echo.NewHTTPError(http.StatusBadRequest, "modified_before must be RFC3339")
		}
		out.ModifiedBefore = t
	}
	return out, nil
}

type searchRequest struct {
	Query   string        `json:"query"`
	Mode    string        `json:"mode"`
	Top     int           `json:"top"`
	Filters filterPayload `json:"filters"`
}

type searchHit struct {
	Chunk         models.Chunk `json:"chunk"`
	Score         float64      `json:"score"`
	RerankerScore float64      `json:"reranker_score,omitempty"`
}

func (h *SearchHandler) retrieve(c echo.Context, req searchRequest) (*retrieval.Response, error) {
	filters, err := req.Filters.toFilters()
	if err != nil {
		return nil, err
	}
	res, err := h.Orchestrator.Retrieve(c.Request().Context(), retrieval.Request{
		Query:   req.Query,
		Mode:    retrieval.Mode(req.Mode),
		Top:     req.Top,
		Filters: filters,
	})
	if err != nil {
		return nil, httpError(err)
	}
	return res, nil
}

func (h *SearchHandler) search(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.retrieve(c, req)
	if err != nil {
		return err
	}
	hits := make([]searchHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		hits = append(hits, searchHit{Chunk: hit.Chunk, Score: hit.Score, RerankerScore: hit.RerankerScore})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"hits":           hits,
		"total":          res.Total,
		"mode":           string(res.Mode),
		"filter_applied": res.FilterApplied,
	})
}

type chatRequest struct {
	Message    string        `json:"message"`
	SearchMode string        `json:"search_mode"`
	Top        int           `json:"top"`
	Filters    filterPayload `json:"filters"`
}

func (h *SearchHandler) chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.retrieve(c, searchRequest{
		Query:   req.Message,
		Mode:    req.SearchMode,
		Top:     req.Top,
		Filters: req.Filters,
	})
	if err != nil {
		return err
	}
	ans, err := h.Composer.Compose(c.Request().Context(), req.Message, res)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ans)
}

func (h *SearchHandler) facets(c echo.Context) error {
	filters := searchindex.Filters{}
	if nb := c.QueryParam("notebook_id"); nb != "" {
		filters.NotebookIDs = []string{nb}
	}
	facets, err := h.Index.Facets(c.Request().Context(),
		[]string{"notebook_id", "section_id", "source_type", "attachment_type"}, filters)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"facets": facets})
}
