package searchindex

import (
	"strings"
	"time"

	"github.com/notewise/notewise/models"
)

// Document is the wire schema of one indexed chunk in the external search
// engine. Field names match the index definition.
type Document struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	ContentVector  []float32 `json:"content_vector,omitempty"`
	NotebookID     string    `json:"notebook_id"`
	SectionID      string    `json:"section_id"`
	PageID         string    `json:"page_id"`
	PageTitle      string    `json:"page_title,omitempty"`
	PageURL        string    `json:"page_url,omitempty"`
	SourceType     string    `json:"source_type"`
	AttachmentName string    `json:"attachment_name,omitempty"`
	AttachmentType string    `json:"attachment_type,omitempty"`
	HasAttachments bool      `json:"has_attachments"`
	ModifiedTime   time.Time `json:"modified_time"`
	TenantID       string    `json:"tenant_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	ChunkID        string    `json:"chunk_id"`
	ChunkOffset    int       `json:"chunk_offset"`
}

// Scope carries the tenancy fields stamped onto every document. Requests
// arrive already authorized; these only partition the index.
type Scope struct {
	TenantID string
	UserID   string
}

// FromChunk converts a domain chunk into its index document.
func FromChunk(c models.Chunk, scope Scope, pageURL string, hasAttachments bool) Document {
	return Document{
		ID:             c.ID,
		Content:        c.Content,
		ContentVector:  c.Vector,
		NotebookID:     c.NotebookID,
		SectionID:      c.SectionID,
		PageID:         c.PageID,
		PageTitle:      c.PageTitle,
		PageURL:        pageURL,
		SourceType:     string(c.SourceType),
		AttachmentName: c.AttachmentName,
		AttachmentType: fileExtension(c.AttachmentName),
		HasAttachments: hasAttachments,
		ModifiedTime:   c.ModifiedTime,
		TenantID:       scope.TenantID,
		UserID:         scope.UserID,
		ChunkID:        c.ID,
		ChunkOffset:    c.Offset,
	}
}

// ToChunk converts a retrieved document back to the domain representation.
func (d Document) ToChunk() models.Chunk {
	return models.Chunk{
		ID:             d.ID,
		Content:        d.Content,
		SourceType:     models.SourceType(d.SourceType),
		NotebookID:     d.NotebookID,
		SectionID:      d.SectionID,
		PageID:         d.PageID,
		PageTitle:      d.PageTitle,
		AttachmentName: d.AttachmentName,
		Offset:         d.ChunkOffset,
		ModifiedTime:   d.ModifiedTime,
	}
}

func fileExtension(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return strings.ToLower(name[i+1:])
	}
	return ""
}
