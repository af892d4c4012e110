// Package openai provides an embedding provider using OpenAI-compatible embedding APIs.
package openai

import (
	"context"
	"fmt"

	"github.com/haasonsaas/toolgate/internal/embeddings"
	"github.com/sashabaranov/go-openai"
)

// maxBatchSize is the OpenAI limit on inputs per request.
const maxBatchSize = 2048

// Provider implements embeddings.Provider using OpenAI.
type Provider struct {
	client    *openai.Client
	model     string
	dimension int
}

var _ embeddings.Provider = (*Provider)(nil)

// Config contains configuration for the OpenAI provider.
type Config struct {
	APIKey  string
	BaseURL string // Optional custom base URL
	Model   string // text-embedding-3-small or text-embedding-3-large
	// Dimension shortens text-embedding-3 vectors when non-zero.
	Dimension int
}

// New creates a new OpenAI embedding provider.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &Provider{
		client:    openai.NewClientWithConfig(config),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "openai"
}

// Dimension returns the embedding dimension for the configured model.
func (p *Provider) Dimension() int {
	if p.dimension > 0 {
		return p.dimension
	}
	switch p.model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

// Embed generates embeddings. The task is ignored; OpenAI models are symmetric.
func (p *Provider) Embed(ctx context.Context, texts []string, _ embeddings.Task) ([][]float32, error) {
	return embeddings.InBatches(ctx, texts, maxBatchSize, func(ctx context.Context, batch []string) ([][]float32, error) {
		resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      batch,
			Model:      openai.EmbeddingModel(p.model),
			Dimensions: p.dimension,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embeddings: %w", err)
		}

		results := make([][]float32, len(batch))
		for _, data := range resp.Data {
			if data.Index < 0 || data.Index >= len(results) {
				return nil, fmt.Errorf("embedding index %d out of range", data.Index)
			}
			results[data.Index] = data.Embedding
		}
		for i, vec := range results {
			if vec == nil {
				return nil, fmt.Errorf("no embedding returned for input %d", i)
			}
		}
		return results, nil
	})
}
