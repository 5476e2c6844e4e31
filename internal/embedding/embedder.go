package embedding

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/notewise/notewise/config"
	"github.com/notewise/notewise/internal/faults"
	"github.com/notewise/notewise/provider"
)

var (
	embedBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notewise_embedding_batches_total",
		Help: "Number of embedding batches sent to the provider.",
	})
	embedRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notewise_embedding_retries_total",
		Help: "Number of embedding batch retries after a retryable failure.",
	})
	embedCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notewise_embedding_cache_hits_total",
		Help: "Number of vectors served from the embedding cache.",
	})
)

// Embedder turns texts into vectors through the configured provider. It
// batches inputs, runs a bounded number of batches concurrently, and retries
// throttled or unavailable batches with exponential backoff before giving up.
type Embedder struct {
	provider    provider.Provider
	cache       *Cache
	batchSize   int
	concurrency int
	maxRetries  int
	backoff     time.Duration
	logger      *log.Logger
}

func New(p provider.Provider, cfg config.IngestionConfig, cache *Cache) *Embedder {
	return &Embedder{
		provider:    p,
		cache:       cache,
		batchSize:   cfg.EmbeddingBatchSize,
		concurrency: cfg.EmbeddingConcurrency,
		maxRetries:  cfg.MaxRetries,
		backoff:     cfg.RetryBackoff,
		logger:      log.New(log.Writer(), "[EMBED] ", log.LstdFlags),
	}
}

// Embed returns one vector per input text, in input order. A batch that
// exhausts its retries fails only the texts it carried: the matching entries
// in the error slice are set and the rest of the call keeps its vectors. The
// final error is non-nil only when the whole call is unusable, such as on
// context cancellation.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, []error, error) {
	if len(texts) == 0 {
		return nil, nil, nil
	}
	vectors := make([][]float32, len(texts))
	failures := make([]error, len(texts))

	// Serve what we can from the cache and collect the rest.
	var missIdx []int
	for i, t := range texts {
		if vec, ok := e.cache.Get(ctx, t); ok {
			vectors[i] = vec
			embedCacheHits.Inc()
			continue
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return vectors, failures, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for start := 0; start < len(missIdx); start += e.batchSize {
		end := min(start+e.batchSize, len(missIdx))
		batch := missIdx[start:end]
		g.Go(func() error {
			inputs := make([]string, len(batch))
			for j, idx := range batch {
				inputs[j] = texts[idx]
			}
			vecs, err := e.embedBatch(ctx, inputs)
			if err != nil {
				e.logger.Printf("embedding batch of %d failed: %v", len(batch), err)
				mu.Lock()
				for _, idx := range batch {
					failures[idx] = err
				}
				mu.Unlock()
				return nil
			}
			mu.Lock()
			for j, idx := range batch {
				vectors[idx] = vecs[j]
			}
			mu.Unlock()
			for j, idx := range batch {
				e.cache.Put(ctx, texts[idx], vecs[j])
			}
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return vectors, failures, nil
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, errs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if errs[0] != nil {
		return nil, errs[0]
	}
	return vecs[0], nil
}

func (e *Embedder) embedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			wait := e.retryDelay(lastErr, attempt)
			e.logger.Printf("retrying embedding batch (attempt %d/%d) after %s: %v",
				attempt, e.maxRetries, wait, lastErr)
			embedRetries.Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		embedBatches.Inc()
		vecs, err := e.provider.CreateEmbedding(ctx, inputs)
		if err == nil {
			return vecs, nil
		}
		if !faults.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("embedding batch failed after %d retries: %w", e.maxRetries, lastErr)
}

// retryDelay honors an explicit Retry-After hint when the provider sent one,
// otherwise backs off exponentially with jitter.
func (e *Embedder) retryDelay(err error, attempt int) time.Duration {
	if hint := faults.RetryAfterHint(err); hint > 0 {
		return hint
	}
	backoff := e.backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	base := backoff * time.Duration(1<<(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(backoff)))
	return base + jitter
}
