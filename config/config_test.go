package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"search":{"endpoint":"https://search.local","index":"notes","api_key":"k"}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := LoadConfig(path)

	if cfg.Server.Listen != ":8080" {
		t.Errorf("server.listen default: %q", cfg.Server.Listen)
	}
	if cfg.Ingestion.ChunkSize != 1000 || cfg.Ingestion.ChunkOverlap != 200 {
		t.Errorf("chunk defaults: size %d overlap %d", cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap)
	}
	if cfg.Ingestion.EmbeddingBatchSize != 16 || cfg.Ingestion.EmbeddingConcurrency != 4 {
		t.Errorf("embedding defaults: batch %d conc %d", cfg.Ingestion.EmbeddingBatchSize, cfg.Ingestion.EmbeddingConcurrency)
	}
	if cfg.Retrieval.DefaultTop != 8 || cfg.Retrieval.MaxTop != 50 || cfg.Retrieval.ContextBudget != 12000 {
		t.Errorf("retrieval defaults: %+v", cfg.Retrieval)
	}
	if cfg.Search.SemanticConfig != "default" || !cfg.Search.EnableReranking {
		t.Errorf("search defaults: %+v", cfg.Search)
	}
	if len(cfg.DocumentIntel.SupportedTypes) == 0 || cfg.DocumentIntel.MaxSizeMB != 30 {
		t.Errorf("document intelligence defaults: %+v", cfg.DocumentIntel)
	}
	if cfg.Scheduler.Enabled {
		t.Error("scheduler should default to disabled")
	}

	if err := cfg.Search.Validate(); err != nil {
		t.Errorf("search config should validate: %v", err)
	}
	if err := cfg.Ingestion.Validate(); err != nil {
		t.Errorf("ingestion config should validate: %v", err)
	}
}

func TestIngestionValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  IngestionConfig
		ok   bool
	}{
		{"valid", IngestionConfig{ChunkSize: 100, ChunkOverlap: 10, EmbeddingBatchSize: 4, EmbeddingConcurrency: 2}, true},
		{"zero chunk size", IngestionConfig{ChunkOverlap: 10, EmbeddingBatchSize: 4, EmbeddingConcurrency: 2}, false},
		{"overlap >= size", IngestionConfig{ChunkSize: 100, ChunkOverlap: 100, EmbeddingBatchSize: 4, EmbeddingConcurrency: 2}, false},
		{"zero batch", IngestionConfig{ChunkSize: 100, ChunkOverlap: 10, EmbeddingConcurrency: 2}, false},
		{"zero concurrency", IngestionConfig{ChunkSize: 100, ChunkOverlap: 10, EmbeddingBatchSize: 4}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
