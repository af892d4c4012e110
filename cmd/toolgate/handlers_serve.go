package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/toolgate/internal/gateway"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/prompt"
	"github.com/haasonsaas/toolgate/internal/toolcache"
)

const shutdownTimeout = 30 * time.Second

// runServe starts the gateway and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, debug)
	slog.SetDefault(logger)

	logger.Info("starting toolgate",
		"version", version,
		"commit", commit,
		"llm_provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"vector_backend", cfg.Vector.Backend,
		"mcp_servers", len(cfg.MCP.Servers),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "toolgate",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	provider, err := newProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	prompts, err := prompt.NewLoader(cfg.Agent.SystemPrompt, cfg.Agent.SystemPromptFile, logger)
	if err != nil {
		return fmt.Errorf("system prompt: %w", err)
	}
	if err := prompts.Watch(ctx); err != nil {
		logger.Warn("system prompt hot reload disabled", "error", err)
	}
	defer prompts.Close()

	if cfg.Cache.WarmSchedule != "" {
		warmer, err := startWarmer(ctx, b, metrics, tracer)
		if err != nil {
			return err
		}
		defer warmer.Stop()
	}

	server, err := gateway.NewServer(gateway.Options{
		Config:       cfg,
		Provider:     provider,
		Inventory:    b.inventory,
		Index:        b.index,
		Embedder:     b.embedder,
		SystemPrompt: prompts.Prompt,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     registry,
		Tracer:       tracer,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
		return err
	}
	logger.Info("toolgate stopped gracefully")
	return nil
}

// startWarmer warms the durable collection once and then on schedule.
func startWarmer(ctx context.Context, b *backend, metrics *observability.Metrics, tracer *observability.Tracer) (*toolcache.Warmer, error) {
	cache, err := b.scratchCache("warmer", metrics, tracer)
	if err != nil {
		return nil, err
	}
	warmer, err := toolcache.NewWarmer(cache, b.inventory.ListTools, b.config.Cache.WarmSchedule, b.logger)
	if err != nil {
		return nil, err
	}
	if _, _, err := warmer.Run(ctx); err != nil {
		b.logger.Warn("initial cache warmup failed", "error", err)
	}
	warmer.Start(ctx)
	return warmer, nil
}
