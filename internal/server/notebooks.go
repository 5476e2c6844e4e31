package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/notewise/notewise/internal/content"
)

// NotebooksHandler passes notebook hierarchy browsing straight through to
// the content source, so clients can pick ingestion and filter targets.
type NotebooksHandler struct {
	Source content.Source
}

func (h *NotebooksHandler) Register(api *echo.Group) {
	api.GET("/notebooks", h.listNotebooks)
	api.GET("/notebooks/:notebook_id/sections", h.listSections)
	api.GET("/sections/:section_id/pages", h.listPages)
	api.GET("/pages/:page_id/content", h.pageContent)
	api.GET("/pages/:page_id/attachments", h.listAttachments)
}

func (h *NotebooksHandler) listNotebooks(c echo.Context) error {
	notebooks, err := h.Source.ListNotebooks(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"notebooks": notebooks})
}

func (h *NotebooksHandler) listSections(c echo.Context) error {
	sections, err := h.Source.ListSections(c.Request().Context(), c.Param("notebook_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sections": sections})
}

func (h *NotebooksHandler) listPages(c echo.Context) error {
	pages, err := h.Source.ListPages(c.Request().Context(), c.Param("section_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"pages": pages})
}

func (h *NotebooksHandler) pageContent(c echo.Context) error {
	text, err := h.Source.GetPageText(c.Request().Context(), c.Param("page_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"content": text})
}

func (h *NotebooksHandler) listAttachments(c echo.Context) error {
	attachments, err := h.Source.ListPageAttachments(c.Request().Context(), c.Param("page_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"attachments": attachments})
}
