// Package toolcache keeps embeddings of tool descriptors in a durable
// collection keyed by content hash and mirrors the current inventory into a
// per-connection session collection that selection queries run against.
package toolcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/toolgate/internal/embeddings"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/vectorindex"
)

const (
	// DefaultDurableCollection holds every descriptor ever embedded.
	DefaultDurableCollection = "cached_tools"
	// DefaultSessionPrefix prefixes per-connection session collections.
	DefaultSessionPrefix = "session"

	metadataToolName = "tool_name"
)

// Status is the outcome of a refresh.
type Status int

const (
	Refreshed Status = iota
	Degraded
)

func (s Status) String() string {
	switch s {
	case Refreshed:
		return "refreshed"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// RefreshResult reports what a refresh did. Err is set only when Status is Degraded.
type RefreshResult struct {
	Status   Status
	Tools    int
	Embedded int
	Reused   int
	Err      error
}

// Config configures a Cache.
type Config struct {
	Index    vectorindex.Index
	Embedder embeddings.Provider

	// DurableCollection defaults to "cached_tools".
	DurableCollection string
	// Session is the session collection name, usually from SessionName.
	Session string

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Cache embeds tool descriptors once and serves them per session.
type Cache struct {
	index    vectorindex.Index
	embedder embeddings.Provider
	durable  string
	session  string
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// SessionName returns the session collection name for a connection.
func SessionName(prefix, connID string) string {
	if prefix == "" {
		prefix = DefaultSessionPrefix
	}
	return prefix + "_" + connID
}

// New creates a cache bound to one session collection.
func New(cfg Config) (*Cache, error) {
	if cfg.Index == nil {
		return nil, errors.New("toolcache: index is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("toolcache: embedder is required")
	}
	if cfg.DurableCollection == "" {
		cfg.DurableCollection = DefaultDurableCollection
	}
	if cfg.Session == cfg.DurableCollection {
		return nil, fmt.Errorf("toolcache: session collection %q collides with durable collection", cfg.Session)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		index:    cfg.Index,
		embedder: cfg.Embedder,
		durable:  cfg.DurableCollection,
		session:  cfg.Session,
		logger:   logger.With("component", "toolcache", "session", cfg.Session),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}, nil
}

// Session returns the session collection name.
func (c *Cache) Session() string {
	return c.session
}

// Durable returns the durable collection name.
func (c *Cache) Durable() string {
	return c.durable
}

// Refresh makes the session collection mirror descriptors exactly, embedding
// only descriptors the durable collection has not seen. Failures are
// reported as Degraded; the previous session contents are left in place.
func (c *Cache) Refresh(ctx context.Context, descriptors []Descriptor) RefreshResult {
	ctx, span := c.tracer.TraceCacheRefresh(ctx, c.session, len(descriptors))
	defer span.End()

	result := c.refresh(ctx, descriptors)
	if result.Err != nil {
		c.tracer.RecordError(span, result.Err)
		c.logger.Warn("tool cache refresh degraded", "error", result.Err, "tools", result.Tools)
	} else {
		c.logger.Debug("tool cache refreshed",
			"tools", result.Tools,
			"embedded", result.Embedded,
			"reused", result.Reused)
	}
	c.tracer.SetAttributes(span, "toolcache.embedded", result.Embedded, "toolcache.reused", result.Reused)
	c.metrics.RecordRefresh(result.Status.String(), result.Embedded, result.Reused)
	return result
}

func (c *Cache) refresh(ctx context.Context, descriptors []Descriptor) RefreshResult {
	entries := Entries(descriptors)
	result := RefreshResult{Status: Refreshed, Tools: len(entries)}

	records, embedded, reused, err := c.ensureDurable(ctx, entries)
	result.Embedded = embedded
	result.Reused = reused
	if err != nil {
		result.Status = Degraded
		result.Err = err
		return result
	}

	if err := c.replaceSession(ctx, records); err != nil {
		result.Status = Degraded
		result.Err = fmt.Errorf("replace session collection: %w", err)
	}
	return result
}

// Warm embeds descriptors into the durable collection without touching any session.
func (c *Cache) Warm(ctx context.Context, descriptors []Descriptor) (embedded, reused int, err error) {
	_, embedded, reused, err = c.ensureDurable(ctx, Entries(descriptors))
	c.metrics.RecordRefresh(statusOf(err).String(), embedded, reused)
	return embedded, reused, err
}

// ensureDurable returns a record for every entry, in entry order, embedding
// and storing the ones missing from the durable collection.
func (c *Cache) ensureDurable(ctx context.Context, entries []Entry) ([]vectorindex.Record, int, int, error) {
	if len(entries) == 0 {
		return nil, 0, 0, nil
	}

	durable, err := c.index.Collection(ctx, c.durable)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open durable collection: %w", err)
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Hash
	}
	hits, err := durable.Get(ctx, ids)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("lookup cached tools: %w", err)
	}
	byID := make(map[string]vectorindex.Record, len(entries))
	for _, rec := range hits {
		byID[rec.ID] = rec
	}

	var missing []Entry
	for _, e := range entries {
		if _, ok := byID[e.Hash]; !ok {
			missing = append(missing, e)
		}
	}

	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for i, e := range missing {
			texts[i] = e.Text
		}
		vectors, err := c.embedder.Embed(ctx, texts, embeddings.TaskDocument)
		if err != nil {
			return nil, 0, len(hits), fmt.Errorf("embed %d tools: %w", len(missing), err)
		}
		if len(vectors) != len(missing) {
			return nil, 0, len(hits), fmt.Errorf("embedder returned %d vectors for %d tools", len(vectors), len(missing))
		}

		fresh := make([]vectorindex.Record, len(missing))
		for i, e := range missing {
			fresh[i] = vectorindex.Record{
				ID:        e.Hash,
				Document:  e.Text,
				Metadata:  map[string]string{metadataToolName: e.ToolName},
				Embedding: vectors[i],
			}
			byID[e.Hash] = fresh[i]
		}
		if err := durable.Upsert(ctx, fresh); err != nil {
			return nil, 0, len(hits), fmt.Errorf("store embedded tools: %w", err)
		}
		c.logger.Info("embedded new tools", "count", len(fresh), "provider", c.embedder.Name())
	}

	records := make([]vectorindex.Record, len(entries))
	for i, e := range entries {
		records[i] = byID[e.Hash]
	}
	return records, len(missing), len(hits), nil
}

func (c *Cache) replaceSession(ctx context.Context, records []vectorindex.Record) error {
	if r, ok := c.index.(vectorindex.Replacer); ok {
		return r.ReplaceCollection(ctx, c.session, records)
	}
	if err := c.index.DeleteCollection(ctx, c.session); err != nil {
		return err
	}
	session, err := c.index.Collection(ctx, c.session)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	return session.Upsert(ctx, records)
}

// Close deletes the session collection. The durable collection is kept.
func (c *Cache) Close(ctx context.Context) error {
	if err := c.index.DeleteCollection(ctx, c.session); err != nil {
		return fmt.Errorf("delete session collection %s: %w", c.session, err)
	}
	return nil
}

// ToolName extracts the tool name stored with a record.
func ToolName(rec vectorindex.Record) string {
	return rec.Metadata[metadataToolName]
}

func statusOf(err error) Status {
	if err != nil {
		return Degraded
	}
	return Refreshed
}
