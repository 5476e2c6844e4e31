// Package extract adapts the external document-understanding service:
// given an attachment binary and its declared type, it returns normalized
// text plus any recognized tables rendered as markdown. Failures are scoped
// to the single attachment, never to the whole ingestion run.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/notewise/notewise/config"
	"github.com/notewise/notewise/internal/faults"
)

// Extraction is the normalized output for one attachment.
type Extraction struct {
	Text       string
	Tables     []string // markdown renderings, appended to the indexed text
	PageCount  int
	Confidence float64
}

// Combined returns the extraction text with table markdown appended, which
// is what gets chunked and indexed.
func (e Extraction) Combined() string {
	if len(e.Tables) == 0 {
		return e.Text
	}
	parts := make([]string, 0, len(e.Tables)+1)
	if strings.TrimSpace(e.Text) != "" {
		parts = append(parts, e.Text)
	}
	parts = append(parts, e.Tables...)
	return strings.Join(parts, "\n\n")
}

// Extractor analyzes attachment binaries.
type Extractor interface {
	Analyze(ctx context.Context, data []byte, filename, contentType string) (Extraction, error)
}

// Client calls the document-understanding HTTP API. A nil-configured client
// (no endpoint) degrades to a metadata-only placeholder so notebooks with
// attachments still ingest when the service is absent.
type Client struct {
	endpoint   string
	apiKey     string
	apiVersion string
	supported  map[string]bool
	maxSize    int64
	httpClient *http.Client
}

var _ Extractor = (*Client)(nil)

// NewClient builds an extractor from configuration.
func NewClient(cfg config.DocumentIntelConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	supported := make(map[string]bool, len(cfg.SupportedTypes))
	for _, t := range cfg.SupportedTypes {
		supported[strings.ToLower(strings.TrimSpace(t))] = true
	}
	maxSize := int64(cfg.MaxSizeMB)
	if maxSize <= 0 {
		maxSize = 30
	}
	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		supported:  supported,
		maxSize:    maxSize * 1024 * 1024,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type analyzeResponse struct {
	Content    string  `json:"content"`
	PageCount  int     `json:"pageCount"`
	Confidence float64 `json:"confidence"`
	Tables     []struct {
		RowCount    int `json:"rowCount"`
		ColumnCount int `json:"columnCount"`
		Cells       []struct {
			RowIndex    int    `json:"rowIndex"`
			ColumnIndex int    `json:"columnIndex"`
			Content     string `json:"content"`
		} `json:"cells"`
	} `json:"tables"`
}

// Analyze runs layout extraction for one attachment.
func (c *Client) Analyze(ctx context.Context, data []byte, filename, contentType string) (Extraction, error) {
	ext := fileExtension(filename)
	if len(c.supported) > 0 && !c.supported[ext] {
		return Extraction{}, faults.PartialExtraction{
			ItemID: filename,
			Stage:  "extract",
			Cause:  fmt.Errorf("unsupported file type %q", ext),
		}
	}
	if int64(len(data)) > c.maxSize {
		return Extraction{}, faults.PartialExtraction{
			ItemID: filename,
			Stage:  "extract",
			Cause:  fmt.Errorf("attachment exceeds %d byte limit", c.maxSize),
		}
	}
	if c.endpoint == "" {
		// Service not configured: index the attachment by name only.
		return Extraction{Text: fmt.Sprintf("[Attachment: %s]", filename)}, nil
	}

	url := fmt.Sprintf("%s/analyze?api-version=%s&model=prebuilt-layout", c.endpoint, c.apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return Extraction{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Extraction{}, faults.Unavailable{Service: "document understanding", Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Extraction{}, faults.Throttled{Service: "document understanding", RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return Extraction{}, faults.Unavailable{Service: "document understanding", Cause: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Extraction{}, faults.PartialExtraction{
			ItemID: filename,
			Stage:  "extract",
			Cause:  fmt.Errorf("analyze status %d: %s", resp.StatusCode, string(b)),
		}
	}

	var ar analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return Extraction{}, faults.PartialExtraction{ItemID: filename, Stage: "extract", Cause: err}
	}

	out := Extraction{Text: strings.TrimSpace(ar.Content), PageCount: ar.PageCount, Confidence: ar.Confidence}
	for _, t := range ar.Tables {
		if md := tableMarkdown(t.RowCount, t.ColumnCount, t.Cells); md != "" {
			out.Tables = append(out.Tables, md)
		}
	}
	return out, nil
}

// tableMarkdown renders a cell grid as a markdown table; the first row is
// treated as the header.
func tableMarkdown(rows, cols int, cells []struct {
	RowIndex    int    `json:"rowIndex"`
	ColumnIndex int    `json:"columnIndex"`
	Content     string `json:"content"`
}) string {
	if rows <= 0 || cols <= 0 {
		return ""
	}
	grid := make([][]string, rows)
	for i := range grid {
		grid[i] = make([]string, cols)
	}
	for _, cell := range cells {
		if cell.RowIndex >= 0 && cell.RowIndex < rows && cell.ColumnIndex >= 0 && cell.ColumnIndex < cols {
			grid[cell.RowIndex][cell.ColumnIndex] = strings.ReplaceAll(cell.Content, "|", "\\|")
		}
	}

	var b strings.Builder
	for i, row := range grid {
		b.WriteString("| ")
		b.WriteString(strings.Join(row, " | "))
		b.WriteString(" |\n")
		if i == 0 {
			b.WriteString("|")
			b.WriteString(strings.Repeat(" --- |", cols))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func fileExtension(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i >= 0 {
		return strings.ToLower(filename[i+1:])
	}
	return ""
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
