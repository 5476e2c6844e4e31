package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/notewise/notewise/config"
	"github.com/notewise/notewise/internal/faults"
)

// scriptProvider returns queued errors before succeeding, to exercise the
// retry path.
type scriptProvider struct {
	mu       sync.Mutex
	failures []error
	calls    int
}

func (p *scriptProvider) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func (p *scriptProvider) Complete(ctx context.Context, system, user string) (string, error) {
	return "", nil
}

func testEmbedConfig() config.IngestionConfig {
	return config.IngestionConfig{
		ChunkSize:            1000,
		ChunkOverlap:         100,
		EmbeddingBatchSize:   2,
		EmbeddingConcurrency: 2,
		MaxRetries:           2,
		RetryBackoff:         time.Millisecond,
	}
}

func TestEmbedPreservesOrder(t *testing.T) {
	p := &scriptProvider{}
	e := New(p, testEmbedConfig(), nil)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, errs, err := e.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	for i, ferr := range errs {
		if ferr != nil {
			t.Fatalf("text %d unexpectedly failed: %v", i, ferr)
		}
	}
	if len(vecs) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 1 || v[0] != float32(len(texts[i])) {
			t.Fatalf("vector %d out of order: %v for %q", i, v, texts[i])
		}
	}
	// 5 inputs with batch size 2 means 3 batches.
	if p.calls != 3 {
		t.Fatalf("expected 3 batches, got %d", p.calls)
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	e := New(&scriptProvider{}, testEmbedConfig(), nil)
	vecs, errs, err := e.Embed(context.Background(), nil)
	if err != nil || vecs != nil || errs != nil {
		t.Fatalf("empty input: %v %v %v", vecs, errs, err)
	}
}

func TestEmbedRetriesThrottled(t *testing.T) {
	p := &scriptProvider{failures: []error{
		faults.Throttled{Service: "openai", RetryAfter: time.Millisecond},
	}}
	cfg := testEmbedConfig()
	cfg.EmbeddingBatchSize = 10
	cfg.EmbeddingConcurrency = 1
	e := New(p, cfg, nil)

	vecs, errs, err := e.Embed(context.Background(), []string{"x", "y"})
	if err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("no text should have failed: %v", errs)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	if p.calls != 2 {
		t.Fatalf("expected a retry, got %d calls", p.calls)
	}
}

func TestEmbedDoesNotRetryNonRetryable(t *testing.T) {
	p := &scriptProvider{failures: []error{errors.New("invalid request")}}
	cfg := testEmbedConfig()
	cfg.EmbeddingBatchSize = 10
	e := New(p, cfg, nil)

	_, errs, err := e.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("call must not fail outright: %v", err)
	}
	if errs[0] == nil {
		t.Fatal("expected the text to be marked failed")
	}
	if p.calls != 1 {
		t.Fatalf("non-retryable error must not be retried, got %d calls", p.calls)
	}
}

func TestEmbedExhaustsRetries(t *testing.T) {
	throttle := faults.Throttled{Service: "openai", RetryAfter: time.Millisecond}
	p := &scriptProvider{failures: []error{throttle, throttle, throttle, throttle}}
	cfg := testEmbedConfig()
	cfg.EmbeddingBatchSize = 10
	cfg.MaxRetries = 2
	e := New(p, cfg, nil)

	_, errs, err := e.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("call must not fail outright: %v", err)
	}
	if errs[0] == nil {
		t.Fatal("expected exhaustion to mark the text failed")
	}
	if !errors.Is(errs[0], faults.ErrThrottled) {
		t.Fatalf("exhaustion must wrap the last failure: %v", errs[0])
	}
	// Initial attempt plus MaxRetries.
	if p.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", p.calls)
	}
}

func TestEmbedQuery(t *testing.T) {
	e := New(&scriptProvider{}, testEmbedConfig(), nil)
	vec, err := e.EmbedQuery(context.Background(), "hello")
	if err != nil {
		t.Fatalf("embed query: %v", err)
	}
	if len(vec) != 1 || vec[0] != 5 {
		t.Fatalf("unexpected vector: %v", vec)
	}
}

func TestEmbedManyBatchesConcurrently(t *testing.T) {
	p := &scriptProvider{}
	cfg := testEmbedConfig()
	cfg.EmbeddingBatchSize = 3
	cfg.EmbeddingConcurrency = 4
	e := New(p, cfg, nil)

	var texts []string
	for i := 0; i < 20; i++ {
		texts = append(texts, fmt.Sprintf("text-%02d", i))
	}
	vecs, _, err := e.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	for i, v := range vecs {
		if v == nil {
			t.Fatalf("vector %d missing", i)
		}
	}
}

// selectiveProvider fails any batch carrying a poisoned input and embeds the
// rest normally.
type selectiveProvider struct {
	mu     sync.Mutex
	failOn string
	err    error
	calls  int
}

func (p *selectiveProvider) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	for _, t := range texts {
		if t == p.failOn {
			return nil, p.err
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	return out, nil
}

func (p *selectiveProvider) Complete(ctx context.Context, system, user string) (string, error) {
	return "", nil
}

func TestEmbedFailedBatchKeepsSiblings(t *testing.T) {
	p := &selectiveProvider{
		failOn: "poisoned",
		err:    faults.Throttled{Service: "openai", RetryAfter: time.Millisecond},
	}
	cfg := testEmbedConfig()
	cfg.EmbeddingBatchSize = 1
	cfg.EmbeddingConcurrency = 2
	cfg.MaxRetries = 0
	e := New(p, cfg, nil)

	vecs, errs, err := e.Embed(context.Background(), []string{"aa", "poisoned", "cccc"})
	if err != nil {
		t.Fatalf("call must not fail outright: %v", err)
	}
	if errs[0] != nil || errs[2] != nil {
		t.Fatalf("sibling batches must survive: %v", errs)
	}
	if errs[1] == nil || !errors.Is(errs[1], faults.ErrThrottled) {
		t.Fatalf("poisoned text must carry its failure: %v", errs[1])
	}
	if vecs[0] == nil || vecs[2] == nil {
		t.Fatalf("sibling vectors missing: %v", vecs)
	}
	if vecs[0][0] != 2 || vecs[2][0] != 4 {
		t.Fatalf("sibling vectors out of order: %v", vecs)
	}
}
