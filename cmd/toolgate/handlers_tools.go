package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/toolgate/internal/config"
	"github.com/haasonsaas/toolgate/internal/toolcache"
	"github.com/haasonsaas/toolgate/internal/tools"
	"github.com/haasonsaas/toolgate/internal/toolselect"
)

const scratchCleanupTimeout = 5 * time.Second

// runToolsList prints the MCP inventory followed by the built-in tools.
func runToolsList(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	b, err := openBackend(ctx, cfg, newLogger(cfg, false))
	if err != nil {
		return err
	}
	defer b.Close()

	inventory, err := b.inventory.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	builtins, err := tools.Builtins()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tDESCRIPTION")
	for _, t := range inventory {
		fmt.Fprintf(w, "%s\tmcp\t%s\n", t.Name, firstLine(t.Description))
	}
	for _, t := range builtins.Descriptors() {
		fmt.Fprintf(w, "%s\tbuiltin\t%s\n", t.Name, firstLine(t.Description))
	}
	return w.Flush()
}

// runToolsSelect mirrors one turn's selection for query against a scratch
// session collection.
func runToolsSelect(cmd *cobra.Command, configPath, query string, threshold float64, fallbackK int) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, false)
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	if threshold <= 0 {
		threshold = cfg.Selection.ChatThreshold
	}
	if fallbackK < 0 {
		fallbackK = cfg.Selection.FallbackK
	}

	inventory, err := b.inventory.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	cache, err := b.scratchCache("cli_"+strings.ReplaceAll(uuid.NewString(), "-", ""), nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scratchCleanupTimeout)
		defer cancel()
		if err := cache.Close(cleanupCtx); err != nil {
			logger.Warn("failed to delete scratch collection", "error", err)
		}
	}()
	if res := cache.Refresh(ctx, inventory); res.Err != nil {
		return fmt.Errorf("refresh tool cache: %w", res.Err)
	}

	selector, err := toolselect.New(toolselect.Config{
		Index:      b.index,
		Embedder:   b.embedder,
		Collection: cache.Session(),
		Candidates: cfg.Selection.Candidates,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	sel := selector.Select(ctx, query, threshold, fallbackK)
	if sel.Err != nil {
		return fmt.Errorf("select tools: %w", sel.Err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "status: %s (threshold %.3f, fallback %d)\n", sel.Status, threshold, fallbackK)
	if len(sel.Candidates) == 0 {
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tDISTANCE")
	for _, c := range sel.Candidates {
		fmt.Fprintf(w, "%s\t%.4f\n", c.Name, c.Distance)
	}
	return w.Flush()
}

// runCacheWarm embeds the current inventory into the durable collection.
func runCacheWarm(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	b, err := openBackend(ctx, cfg, newLogger(cfg, false))
	if err != nil {
		return err
	}
	defer b.Close()

	cache, err := b.scratchCache("warmer", nil, nil)
	if err != nil {
		return err
	}
	inventory, err := b.inventory.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	embedded, reused, err := cache.Warm(ctx, inventory)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Warmed %s: %d tools, %d embedded, %d reused\n",
		cache.Durable(), len(inventory), embedded, reused)
	return nil
}

// runCacheStats prints the record count of every collection in the index.
func runCacheStats(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	index, err := openIndex(cfg.Vector)
	if err != nil {
		return err
	}
	defer index.Close()

	names, err := index.Collections(ctx)
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, "No collections.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COLLECTION\tRECORDS\tKIND")
	for _, name := range names {
		coll, err := index.Collection(ctx, name)
		if err != nil {
			return err
		}
		count, err := coll.Count(ctx)
		if err != nil {
			return fmt.Errorf("count %s: %w", name, err)
		}
		kind := "session"
		if name == cfg.Vector.DurableCollection {
			kind = "durable"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", name, count, kind)
	}
	return w.Flush()
}

// runConfigSchema prints the configuration JSON Schema.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

// runConfigValidate loads a configuration file and reports the effective backends.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Cache.WarmSchedule != "" {
		if err := toolcache.ValidateSchedule(cfg.Cache.WarmSchedule); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Config OK: llm=%s/%s embeddings=%s vector=%s (%s) mcp_servers=%d\n",
		cfg.LLM.Provider, cfg.LLM.Model, cfg.Embeddings.Provider, cfg.Vector.Backend, cfg.Vector.Metric, len(cfg.MCP.Servers))
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
