package searchindex

import (
	"fmt"
	"strings"
	"time"
)

// Filters narrow a query to a slice of the index. All populated fields are
// combined conjunctively.
type Filters struct {
	NotebookIDs     []string
	SectionIDs      []string
	PageIDs         []string
	SourceTypes     []string
	AttachmentTypes []string
	HasAttachments  *bool
	ModifiedAfter   time.Time
	ModifiedBefore  time.Time
	TenantID        string
	UserID          string
}

// Empty reports whether no filter field is set.
func (f Filters) Empty() bool {
	return len(f.NotebookIDs) == 0 && len(f.SectionIDs) == 0 && len(f.PageIDs) == 0 &&
		len(f.SourceTypes) == 0 && len(f.AttachmentTypes) == 0 && f.HasAttachments == nil &&
		f.ModifiedAfter.IsZero() && f.ModifiedBefore.IsZero() &&
		f.TenantID == "" && f.UserID == ""
}

// Expression renders the filter as an OData boolean expression understood by
// the search service. Returns "" when no filter is set.
func (f Filters) Expression() string {
	var parts []string
	if p := inClause("notebook_id", f.NotebookIDs); p != "" {
		parts = append(parts, p)
	}
	if p := inClause("section_id", f.SectionIDs); p != "" {
		parts = append(parts, p)
	}
	if p := inClause("page_id", f.PageIDs); p != "" {
		parts = append(parts, p)
	}
	if p := inClause("source_type", f.SourceTypes); p != "" {
		parts = append(parts, p)
	}
	if p := inClause("attachment_type", f.AttachmentTypes); p != "" {
		parts = append(parts, p)
	}
	if f.HasAttachments != nil {
		parts = append(parts, fmt.Sprintf("has_attachments eq %t", *f.HasAttachments))
	}
	if !f.ModifiedAfter.IsZero() {
		parts = append(parts, fmt.Sprintf("modified_time ge %s", f.ModifiedAfter.UTC().Format(time.RFC3339)))
	}
	if !f.ModifiedBefore.IsZero() {
		parts = append(parts, fmt.Sprintf("modified_time le %s", f.ModifiedBefore.UTC().Format(time.RFC3339)))
	}
	if f.TenantID != "" {
		parts = append(parts, fmt.Sprintf("tenant_id eq '%s'", escapeODataString(f.TenantID)))
	}
	if f.UserID != "" {
		parts = append(parts, fmt.Sprintf("user_id eq '%s'", escapeODataString(f.UserID)))
	}
	return strings.Join(parts, " and ")
}

// inClause builds a membership test for one field. A single value uses plain
// equality, multiple values use search.in with a separator that cannot appear
// in identifiers.
func inClause(field string, values []string) string {
	switch len(values) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s eq '%s'", field, escapeODataString(values[0]))
	default:
		escaped := make([]string, len(values))
		for i, v := range values {
			escaped[i] = escapeODataString(v)
		}
		return fmt.Sprintf("search.in(%s, '%s', '|')", field, strings.Join(escaped, "|"))
	}
}

// escapeODataString doubles single quotes per the OData string literal rules.
func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
