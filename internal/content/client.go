// Package content implements the content source collaborator: it lists the
// notebook/section/page hierarchy, fetches page bodies and attachment
// binaries, and normalizes page HTML into plain text for chunking.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/time/rate"

	"github.com/notewise/notewise/config"
	"github.com/notewise/notewise/internal/faults"
	"github.com/notewise/notewise/models"
)

// Source is the narrow view of the content source consumed by ingestion and
// live-mode retrieval.
type Source interface {
	ListNotebooks(ctx context.Context) ([]models.Notebook, error)
	ListSections(ctx context.Context, notebookID string) ([]models.Section, error)
	ListPages(ctx context.Context, sectionID string) ([]models.Page, error)
	GetPageText(ctx context.Context, pageID string) (string, error)
	ListPageAttachments(ctx context.Context, pageID string) ([]models.Attachment, error)
	DownloadAttachment(ctx context.Context, attachmentID string) ([]byte, error)
}

// Client talks to the notebook content API. All listing endpoints are
// paginated via nextLink continuation; requests are rate limited proactively
// and honor Retry-After hints on throttling responses.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	pageSize   int
}

var _ Source = (*Client)(nil)

// NewClient builds a content client from configuration.
func NewClient(cfg config.ContentSourceConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 4
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		pageSize:   pageSize,
	}
}

type notebookItem struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	LastModified time.Time `json:"lastModifiedDateTime"`
}

type sectionItem struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	NotebookID   string    `json:"notebookId"`
	LastModified time.Time `json:"lastModifiedDateTime"`
}

type pageItem struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	SectionID    string    `json:"sectionId"`
	ContentURL   string    `json:"contentUrl"`
	LastModified time.Time `json:"lastModifiedDateTime"`
}

type attachmentItem struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// ListNotebooks returns every notebook visible to the scoped caller.
func (c *Client) ListNotebooks(ctx context.Context) ([]models.Notebook, error) {
	var items []notebookItem
	if err := c.listAll(ctx, c.baseURL+"/notebooks", &items); err != nil {
		return nil, err
	}
	out := make([]models.Notebook, 0, len(items))
	for _, it := range items {
		out = append(out, models.Notebook{ID: it.ID, DisplayName: it.DisplayName, ModifiedTime: it.LastModified})
	}
	return out, nil
}

// ListSections returns the sections of a notebook.
func (c *Client) ListSections(ctx context.Context, notebookID string) ([]models.Section, error) {
	if notebookID == "" {
		return nil, faults.Validation{Field: "notebook_id", Reason: "required"}
	}
	var items []sectionItem
	err := c.listAll(ctx, fmt.Sprintf("%s/notebooks/%s/sections", c.baseURL, url.PathEscape(notebookID)), &items)
	if err != nil {
		return nil, err
	}
	out := make([]models.Section, 0, len(items))
	for _, it := range items {
		nb := it.NotebookID
		if nb == "" {
			nb = notebookID
		}
		out = append(out, models.Section{ID: it.ID, DisplayName: it.DisplayName, NotebookID: nb, ModifiedTime: it.LastModified})
	}
	return out, nil
}

// ListPages returns the pages of a section.
func (c *Client) ListPages(ctx context.Context, sectionID string) ([]models.Page, error) {
	if sectionID == "" {
		return nil, faults.Validation{Field: "section_id", Reason: "required"}
	}
	var items []pageItem
	err := c.listAll(ctx, fmt.Sprintf("%s/sections/%s/pages", c.baseURL, url.PathEscape(sectionID)), &items)
	if err != nil {
		return nil, err
	}
	out := make([]models.Page, 0, len(items))
	for _, it := range items {
		sec := it.SectionID
		if sec == "" {
			sec = sectionID
		}
		out = append(out, models.Page{ID: it.ID, Title: it.Title, SectionID: sec, ContentURL: it.ContentURL, ModifiedTime: it.LastModified})
	}
	return out, nil
}

// GetPageText fetches a page body and normalizes the HTML to plain text.
func (c *Client) GetPageText(ctx context.Context, pageID string) (string, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/pages/%s/content", c.baseURL, url.PathEscape(pageID)))
	if err != nil {
		return "", err
	}
	return normalizeHTML(string(body)), nil
}

// ListPageAttachments returns the binary resources referenced by a page,
// filtered to processable content types.
func (c *Client) ListPageAttachments(ctx context.Context, pageID string) ([]models.Attachment, error) {
	var items []attachmentItem
	err := c.listAll(ctx, fmt.Sprintf("%s/pages/%s/attachments", c.baseURL, url.PathEscape(pageID)), &items)
	if err != nil {
		return nil, err
	}
	out := make([]models.Attachment, 0, len(items))
	for _, it := range items {
		ct := it.ContentType
		if ct == "" || ct == "application/octet-stream" {
			ct = inferContentType(it.Name, ct)
		}
		if !processableType(ct) {
			continue
		}
		out = append(out, models.Attachment{ID: it.ID, Name: it.Name, ContentType: ct, Size: it.Size, PageID: pageID})
	}
	return out, nil
}

// DownloadAttachment fetches the raw bytes of an attachment.
func (c *Client) DownloadAttachment(ctx context.Context, attachmentID string) ([]byte, error) {
	return c.get(ctx, fmt.Sprintf("%s/attachments/%s/content", c.baseURL, url.PathEscape(attachmentID)))
}

type listEnvelope struct {
	Value    json.RawMessage `json:"value"`
	NextLink string          `json:"nextLink"`
}

// listAll follows nextLink continuation until the collection is exhausted.
func (c *Client) listAll(ctx context.Context, first string, out interface{}) error {
	sep := "?"
	if strings.Contains(first, "?") {
		sep = "&"
	}
	next := fmt.Sprintf("%s%stop=%d", first, sep, c.pageSize)
	var raw []json.RawMessage
	for next != "" {
		body, err := c.get(ctx, next)
		if err != nil {
			return err
		}
		var env listEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("decode listing: %w", err)
		}
		var page []json.RawMessage
		if len(env.Value) > 0 {
			if err := json.Unmarshal(env.Value, &page); err != nil {
				return fmt.Errorf("decode listing items: %w", err)
			}
		}
		raw = append(raw, page...)
		next = env.NextLink
	}
	joined, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(joined, out)
}

// get performs a rate-limited GET, honoring Retry-After once before
// surfacing the throttle to the caller's retry policy.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.Unavailable{Service: "content source", Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.Throttled{Service: "content source", RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", rawURL, faults.ErrNotFound)
	case resp.StatusCode >= 500:
		return nil, faults.Unavailable{Service: "content source", Cause: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("content source status %d: %s", resp.StatusCode, string(b))
	}
	return io.ReadAll(resp.Body)
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// normalizeHTML extracts readable text from a page body. Readability handles
// full documents; anything it rejects falls back to a crude tag strip so a
// page is never silently dropped.
func normalizeHTML(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	u, _ := url.Parse("https://content.local/page")
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return strings.TrimSpace(stripTags(html))
}

func stripTags(html string) string {
	var b strings.Builder
	depth := 0
	for _, r := range html {
		switch {
		case r == '<':
			depth++
		case r == '>':
			if depth > 0 {
				depth--
				b.WriteByte(' ')
			}
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.FieldsFunc(b.String(), func(r rune) bool { return r == ' ' || r == '\t' }), " ")
}

var processableTypes = []string{
	"application/pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"text/plain",
	"image/jpeg",
	"image/png",
}

func processableType(contentType string) bool {
	for _, t := range processableTypes {
		if strings.HasPrefix(contentType, t) {
			return true
		}
	}
	return false
}

var extensionTypes = map[string]string{
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"txt":  "text/plain",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
}

// inferContentType guesses a MIME type from the filename extension when the
// source reports a generic one.
func inferContentType(name, fallback string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		if t, ok := extensionTypes[strings.ToLower(name[i+1:])]; ok {
			return t
		}
	}
	if fallback == "" {
		return "application/octet-stream"
	}
	return fallback
}
