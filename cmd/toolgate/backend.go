package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/embeddings"
	"github.com/haasonsaas/toolgate/internal/embeddings/gemini"
	"github.com/haasonsaas/toolgate/internal/embeddings/ollama"
	embopenai "github.com/haasonsaas/toolgate/internal/embeddings/openai"
	"github.com/haasonsaas/toolgate/internal/mcp"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/providers"
	"github.com/haasonsaas/toolgate/internal/toolcache"
	"github.com/haasonsaas/toolgate/internal/vectorindex"
	"github.com/haasonsaas/toolgate/internal/vectorindex/postgres"
	"github.com/haasonsaas/toolgate/internal/vectorindex/sqlite"
)

const defaultConfigName = "toolgate.yaml"

// defaultConfigPath honours TOOLGATE_CONFIG before the working directory default.
func defaultConfigPath() string {
	if path := strings.TrimSpace(os.Getenv("TOOLGATE_CONFIG")); path != "" {
		return path
	}
	return defaultConfigName
}

// loadConfig reads path, or returns the defaults when the default file is absent.
func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath()
	}
	if path == defaultConfigName {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := config.Default()
			return cfg, cfg.Validate()
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
}

// backend holds the collaborators shared by serve and the inspection commands.
type backend struct {
	config    *config.Config
	logger    *slog.Logger
	index     vectorindex.Index
	embedder  embeddings.Provider
	inventory *mcp.Manager
}

// openBackend opens the index, the embedder and the MCP connections.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	index, err := openIndex(cfg.Vector)
	if err != nil {
		return nil, err
	}
	embedder, err := newEmbedder(ctx, cfg.Embeddings)
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	manager := mcp.NewManager(cfg.MCP.Servers, logger)
	if err := manager.Start(ctx); err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("start mcp: %w", err)
	}

	return &backend{
		config:    cfg,
		logger:    logger,
		index:     index,
		embedder:  embedder,
		inventory: manager,
	}, nil
}

// Close disconnects MCP servers and closes the index.
func (b *backend) Close() {
	if err := b.inventory.Stop(); err != nil {
		b.logger.Warn("failed to stop MCP manager", "error", err)
	}
	if err := b.index.Close(); err != nil {
		b.logger.Warn("failed to close vector index", "error", err)
	}
}

// scratchCache returns a cache whose session collection is owned by one
// CLI process or the warmer.
func (b *backend) scratchCache(owner string, metrics *observability.Metrics, tracer *observability.Tracer) (*toolcache.Cache, error) {
	return toolcache.New(toolcache.Config{
		Index:             b.index,
		Embedder:          b.embedder,
		DurableCollection: b.config.Vector.DurableCollection,
		Session:           toolcache.SessionName(b.config.Vector.SessionPrefix, owner),
		Logger:            b.logger,
		Metrics:           metrics,
		Tracer:            tracer,
	})
}

func openIndex(cfg config.VectorConfig) (vectorindex.Index, error) {
	metric, err := vectorindex.ParseMetric(cfg.Metric)
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case "postgres":
		idx, err := postgres.New(postgres.Config{
			DSN:           cfg.DSN,
			Metric:        metric,
			BatchSize:     cfg.BatchSize,
			RunMigrations: true,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres index: %w", err)
		}
		return idx, nil
	case "sqlite", "":
		idx, err := sqlite.New(sqlite.Config{
			Path:      cfg.Path,
			Metric:    metric,
			BatchSize: cfg.BatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite index: %w", err)
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
}

func newEmbedder(ctx context.Context, cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return embopenai.New(embopenai.Config{
			APIKey:    firstNonEmpty(cfg.APIKey, os.Getenv("OPENAI_API_KEY")),
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
	case "ollama":
		return ollama.New(ollama.Config{
			BaseURL: firstNonEmpty(cfg.OllamaURL, cfg.BaseURL),
			Model:   cfg.Model,
		})
	case "gemini", "":
		return gemini.New(ctx, gemini.Config{
			APIKey:    firstNonEmpty(cfg.APIKey, os.Getenv("GEMINI_API_KEY")),
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}
}

func newProvider(cfg config.LLMConfig) (providers.Provider, error) {
	switch cfg.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  firstNonEmpty(cfg.APIKey, os.Getenv("ANTHROPIC_API_KEY")),
			BaseURL: cfg.BaseURL,
			// Generation retries are driven by llm.retry.
			MaxRetries: 0,
		})
	case "openai", "":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  firstNonEmpty(cfg.APIKey, os.Getenv("GEMINI_API_KEY"), os.Getenv("OPENAI_API_KEY")),
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
