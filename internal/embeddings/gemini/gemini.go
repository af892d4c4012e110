// Package gemini provides an embedding provider using the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/toolgate/internal/embeddings"
	"google.golang.org/genai"
)

// maxBatchSize is the Gemini API limit on contents per embed request.
const maxBatchSize = 100

// Provider implements embeddings.Provider using genai.
type Provider struct {
	models    *genai.Models
	model     string
	dimension int
}

var _ embeddings.Provider = (*Provider)(nil)

// Config contains configuration for the Gemini provider.
type Config struct {
	APIKey  string
	BaseURL string // Optional API endpoint override
	Model   string // gemini-embedding-001
	// Dimension truncates output vectors when non-zero.
	Dimension int
}

// New creates a new Gemini embedding provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-embedding-001"
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &Provider{
		models:    client.Models,
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "gemini"
}

// Dimension returns the configured output dimension, or the model default.
func (p *Provider) Dimension() int {
	if p.dimension > 0 {
		return p.dimension
	}
	switch p.model {
	case "gemini-embedding-001":
		return 3072
	case "text-embedding-004":
		return 768
	default:
		return 0
	}
}

// Embed generates embeddings in batches of at most 100 texts.
func (p *Provider) Embed(ctx context.Context, texts []string, task embeddings.Task) ([][]float32, error) {
	cfg := p.embedConfig(task)
	return embeddings.InBatches(ctx, texts, maxBatchSize, func(ctx context.Context, batch []string) ([][]float32, error) {
		contents := make([]*genai.Content, len(batch))
		for i, text := range batch {
			contents[i] = genai.NewContentFromText(text, genai.RoleUser)
		}

		resp, err := p.models.EmbedContent(ctx, p.model, contents, cfg)
		if err != nil {
			return nil, fmt.Errorf("gemini: embed content: %w", err)
		}

		out := make([][]float32, 0, len(resp.Embeddings))
		for _, emb := range resp.Embeddings {
			if emb == nil {
				return nil, errors.New("gemini: empty embedding in response")
			}
			out = append(out, emb.Values)
		}
		return out, nil
	})
}

func (p *Provider) embedConfig(task embeddings.Task) *genai.EmbedContentConfig {
	cfg := &genai.EmbedContentConfig{TaskType: taskType(task)}
	if p.dimension > 0 {
		dim := int32(p.dimension)
		cfg.OutputDimensionality = &dim
	}
	return cfg
}

func taskType(task embeddings.Task) string {
	if task == embeddings.TaskQuery {
		return "RETRIEVAL_QUERY"
	}
	return "RETRIEVAL_DOCUMENT"
}
