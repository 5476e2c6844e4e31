package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/notewise/notewise/internal/ingest"
)

// IngestionHandler exposes the ingestion job lifecycle over HTTP.
type IngestionHandler struct {
	Manager *ingest.Manager
}

func (h *IngestionHandler) Register(g *echo.Group) {
	g.POST("", h.submit)
	g.GET("/jobs", h.list)
	g.GET("/jobs/:job_id", h.status)
	g.GET("/stats", h.aggregate)
	g.POST("/:notebook_id/reindex", h.reindex)
	g.DELETE("/:notebook_id", h.delete)
	g.GET("/:notebook_id/stats", h.stats)
}

func (h *IngestionHandler) submit(c echo.Context) error {
	var req struct {
		NotebookID string `json:"notebook_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job, err := h.Manager.Submit(c.Request().Context(), req.NotebookID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (h *IngestionHandler) status(c echo.Context) error {
	job, err := h.Manager.Status(c.Request().Context(), c.Param("job_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *IngestionHandler) list(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	jobs, err := h.Manager.List(c.Request().Context(), c.QueryParam("notebook_id"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (h *IngestionHandler) reindex(c echo.Context) error {
	job, err := h.Manager.Reindex(c.Request().Context(), c.Param("notebook_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

func (h *IngestionHandler) delete(c echo.Context) error {
	deleted, err := h.Manager.Delete(c.Request().Context(), c.Param("notebook_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"documents_deleted": deleted})
}

func (h *IngestionHandler) aggregate(c echo.Context) error {
	stats, err := h.Manager.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *IngestionHandler) stats(c echo.Context) error {
	stats, err := h.Manager.NotebookStats(c.Request().Context(), c.Param("notebook_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}
