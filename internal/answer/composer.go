package answer

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/notewise/notewise/config"
	"github.com/notewise/notewise/internal/retrieval"
	"github.com/notewise/notewise/models"
)

const systemPrompt = `You are a knowledge assistant answering questions from a user's personal notebooks.
Answer using ONLY the numbered context passages below. Cite every claim with the
passage number in square brackets, like [1] or [2]. If the context does not
contain the answer, say so plainly. Do not invent sources.`

// Generator produces a completion for a system and user prompt pair.
type Generator interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Composer turns retrieval hits into a grounded answer with citations.
type Composer struct {
	generator Generator
	budget    int
	logger    *log.Logger
}

func NewComposer(generator Generator, cfg config.RetrievalConfig) *Composer {
	budget := cfg.ContextBudget
	if budget <= 0 {
		budget = 12000
	}
	return &Composer{
		generator: generator,
		budget:    budget,
		logger:    log.New(log.Writer(), "[ANSWER] ", log.LstdFlags),
	}
}

// Compose builds the context window greedily in hit order until the budget
// is exhausted, then asks the generator. Citations map one to one onto the
// passages actually included. Zero hits short-circuits without a generator
// call; a generator failure is an error, not an empty answer.
func (c *Composer) Compose(ctx context.Context, query string, res *retrieval.Response) (*models.Answer, error) {
	if len(res.Hits) == 0 {
		return &models.Answer{
			Text:          "I could not find anything relevant in the indexed notebooks for that question.",
			Citations:     []models.Citation{},
			TotalResults:  0,
			FilterApplied: res.FilterApplied,
			Mode:          string(res.Mode),
		}, nil
	}

	var (
		sb        strings.Builder
		citations []models.Citation
		used      int
	)
	for _, hit := range res.Hits {
		passage := fmt.Sprintf("[%d] %s\n%s\n\n", len(citations)+1, passageHeader(hit.Chunk), hit.Chunk.Content)
		// The top passage is always admitted, even over budget: an empty
		// context would force the model to answer from nothing.
		if used+len(passage) > c.budget && len(citations) > 0 {
			break
		}
		sb.WriteString(passage)
		used += len(passage)
		citations = append(citations, models.Citation{
			ChunkID:        hit.Chunk.ID,
			PageID:         hit.Chunk.PageID,
			PageTitle:      hit.Chunk.PageTitle,
			SectionID:      hit.Chunk.SectionID,
			NotebookID:     hit.Chunk.NotebookID,
			SourceType:     string(hit.Chunk.SourceType),
			AttachmentName: hit.Chunk.AttachmentName,
			Score:          hit.Score,
			RerankerScore:  hit.RerankerScore,
		})
	}

	user := fmt.Sprintf("Context passages:\n\n%sQuestion: %s", sb.String(), query)
	text, err := c.generator.Complete(ctx, systemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	c.logger.Printf("composed answer from %d of %d hits (%d context bytes)",
		len(citations), len(res.Hits), used)
	return &models.Answer{
		Text:          text,
		Citations:     citations,
		TotalResults:  res.Total,
		FilterApplied: res.FilterApplied,
		Mode:          string(res.Mode),
	}, nil
}

func passageHeader(c models.Chunk) string {
	if c.SourceType == models.SourceAttachment && c.AttachmentName != "" {
		return fmt.Sprintf("%s (attachment %s)", c.PageTitle, c.AttachmentName)
	}
	return c.PageTitle
}
