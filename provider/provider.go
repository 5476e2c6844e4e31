package provider

import (
	"context"
	"errors"

	"github.com/notewise/notewise/config"
	openai_provider "github.com/notewise/notewise/provider/openai"
)

// Client represents different embedding/generation providers
type Client string

const (
	OpenAI Client = "openai"
)

// Provider is the interface that embedding/generation implementations must
// satisfy. Both operations are subject to throttling; implementations report
// 429-style responses as faults.Throttled so callers can apply backoff.
type Provider interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	Complete(ctx context.Context, system, user string) (string, error)
}

// NewProvider creates a provider client based on the supplied configuration
func NewProvider(client Client, cfg config.OpenAIConfig) (Provider, error) {
	switch client {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("openai api key not configured")
		}
		return openai_provider.NewClient(cfg), nil
	default:
		return nil, errors.New("unsupported provider")
	}
}
