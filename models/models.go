package models

import "time"

// Notebook is a top-level container in the content source hierarchy.
type Notebook struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	ModifiedTime time.Time `json:"modified_time"`
}

// Section groups pages inside a notebook.
type Section struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	NotebookID   string    `json:"notebook_id"`
	ModifiedTime time.Time `json:"modified_time"`
}

// Page is a leaf content item; its body is fetched separately.
type Page struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	SectionID    string    `json:"section_id"`
	ContentURL   string    `json:"content_url,omitempty"`
	ModifiedTime time.Time `json:"modified_time"`
}

// Attachment is a binary resource referenced by a page.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	PageID      string `json:"page_id"`
}

// SourceType distinguishes where a chunk's text came from.
type SourceType string

const (
	SourcePageText   SourceType = "page"
	SourceAttachment SourceType = "attachment"
)

// Chunk is the unit of indexing and retrieval. ID is deterministic from the
// source id and offset so re-ingestion of unchanged content upserts rather
// than duplicates.
type Chunk struct {
	ID             string     `json:"chunk_id"`
	Content        string     `json:"content"`
	Vector         []float32  `json:"content_vector,omitempty"`
	SourceType     SourceType `json:"source_type"`
	NotebookID     string     `json:"notebook_id"`
	SectionID      string     `json:"section_id"`
	PageID         string     `json:"page_id"`
	PageTitle      string     `json:"page_title,omitempty"`
	AttachmentName string     `json:"attachment_name,omitempty"`
	Offset         int        `json:"chunk_offset"`
	ModifiedTime   time.Time  `json:"modified_time"`
}

// Citation is result metadata surfaced to the caller alongside an answer.
type Citation struct {
	ChunkID        string  `json:"chunk_id"`
	PageID         string  `json:"page_id"`
	PageTitle      string  `json:"page_title,omitempty"`
	SectionID      string  `json:"section_id,omitempty"`
	NotebookID     string  `json:"notebook_id,omitempty"`
	SourceType     string  `json:"source_type,omitempty"`
	AttachmentName string  `json:"attachment_name,omitempty"`
	Score          float64 `json:"score"`
	RerankerScore  float64 `json:"reranker_score,omitempty"`
}

// Answer is the composed response for a question.
type Answer struct {
	Text          string     `json:"answer"`
	Citations     []Citation `json:"citations"`
	TotalResults  int        `json:"total_results"`
	FilterApplied bool       `json:"filter_applied"`
	Mode          string     `json:"mode"`
}
