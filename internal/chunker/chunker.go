// Package chunker splits normalized page or attachment text into
// position-tracked segments. Splitting prefers paragraph boundaries, falls
// back to sentence boundaries for oversized paragraphs, and is fully
// deterministic: identical input reproduces identical offsets and chunk ids.
package chunker

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/notewise/notewise/models"
)

// Segment is one bounded piece of source text. Offset is the byte start of
// Content within the source, used both for display and for id derivation.
type Segment struct {
	Content string
	Offset  int
}

// Chunker splits text into bounded segments with paragraph-level overlap.
type Chunker struct {
	size    int
	overlap int
}

// New creates a chunker with the given segment size and overlap (in bytes).
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{size: size, overlap: overlap}
}

// ChunkID derives the deterministic chunk id from a source id and a segment
// offset. Source ids from the content source may contain characters that are
// not key-safe for the search engine, so the id embeds a hash of the source
// id rather than the id itself.
func ChunkID(sourceID string, offset int) string {
	sum := sha256.Sum256([]byte(sourceID))
	return fmt.Sprintf("%x-%d", sum[:12], offset)
}

type paragraph struct {
	start int
	end   int
}

// Split breaks text into segments of at most the configured size.
func (c *Chunker) Split(text string) []Segment {
	paras := paragraphs(text)
	if len(paras) == 0 {
		return nil
	}

	var segs []Segment
	lastOffset := -1

	flush := func(start, end int) {
		content := strings.TrimRight(text[start:end], "\n \t")
		if strings.TrimSpace(content) == "" {
			return
		}
		if start <= lastOffset {
			return
		}
		segs = append(segs, Segment{Content: content, Offset: start})
		lastOffset = start
	}

	i := 0
	for i < len(paras) {
		p := paras[i]
		if p.end-p.start > c.size {
			for _, s := range c.splitOversized(text, p) {
				if s.Offset > lastOffset {
					segs = append(segs, s)
					lastOffset = s.Offset
				}
			}
			i++
			continue
		}

		// Greedily take paragraphs until the next one would overflow.
		start := p.start
		end := p.end
		j := i + 1
		for j < len(paras) && paras[j].end-start <= c.size {
			end = paras[j].end
			j++
		}
		flush(start, end)

		if j >= len(paras) {
			break
		}
		// Re-include trailing paragraphs within the overlap window so the
		// next segment carries context across the boundary.
		next := j
		for k := j - 1; k > i; k-- {
			if end-paras[k].start > c.overlap {
				break
			}
			next = k
		}
		if next == i {
			next = i + 1
		}
		i = next
	}
	return segs
}

// Chunks runs Split and lifts the segments into indexable chunk documents.
func (c *Chunker) Chunks(sourceID, text string, base models.Chunk) []models.Chunk {
	segs := c.Split(text)
	out := make([]models.Chunk, 0, len(segs))
	for _, s := range segs {
		ch := base
		ch.ID = ChunkID(sourceID, s.Offset)
		ch.Content = s.Content
		ch.Offset = s.Offset
		out = append(out, ch)
	}
	return out
}

// splitOversized cuts a single paragraph that exceeds the segment size,
// preferring sentence boundaries and never cutting mid-word when avoidable.
func (c *Chunker) splitOversized(text string, p paragraph) []Segment {
	var segs []Segment
	start := p.start
	for start < p.end {
		end := start + c.size
		if end >= p.end {
			end = p.end
		} else {
			if cut := lastSentenceEnd(text[start:end]); cut > 0 {
				end = start + cut
			} else if cut := strings.LastIndexAny(text[start:end], " \t\n"); cut > 0 {
				end = start + cut
			}
		}
		content := strings.TrimSpace(text[start:end])
		if content != "" {
			// Offset points at the first non-space byte of the piece.
			off := start + strings.Index(text[start:end], content[:1])
			segs = append(segs, Segment{Content: content, Offset: off})
		}
		if end >= p.end {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = end
		} else if cut := strings.IndexAny(text[next:end], " \t\n"); cut >= 0 {
			next += cut + 1
		}
		start = next
	}
	return segs
}

// lastSentenceEnd returns the index just past the last sentence terminator
// in s, or 0 when none is found.
func lastSentenceEnd(s string) int {
	best := 0
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			if s[i+1] == ' ' || s[i+1] == '\n' || s[i+1] == '\t' {
				best = i + 1
			}
		case '\n':
			best = i + 1
		}
	}
	return best
}

// paragraphs returns the non-empty paragraph ranges of text, split on blank
// lines. Ranges index into the original string.
func paragraphs(text string) []paragraph {
	var out []paragraph
	offset := 0
	for _, block := range strings.Split(text, "\n\n") {
		trimmed := strings.TrimSpace(block)
		if trimmed != "" {
			start := offset + strings.Index(block, trimmed[:1])
			out = append(out, paragraph{start: start, end: start + len(trimmed)})
		}
		offset += len(block) + 2
	}
	return out
}
