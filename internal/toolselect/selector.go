// Package toolselect picks the tools relevant to a query by embedding it and
// searching a session collection of tool embeddings.
package toolselect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/toolgate/internal/embeddings"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/toolcache"
	"github.com/haasonsaas/toolgate/internal/vectorindex"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// DefaultCandidates is how many nearest tools are considered per query.
const DefaultCandidates = 100

// Status describes how a selection was produced.
type Status int

const (
	// Found means at least one tool was under the threshold.
	Found Status = iota
	// Fallback means nothing passed the threshold and the nearest tools were used instead.
	Fallback
	// NotFound means no tool qualified.
	NotFound
	// Degraded means embedding or the index failed.
	Degraded
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Fallback:
		return "fallback"
	case NotFound:
		return "not_found"
	case Degraded:
		return "degraded"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Candidate is a tool with its distance to the query.
type Candidate struct {
	Name     string
	Distance float64
}

// Selection is the outcome of Select. Names and Candidates share an order:
// ascending distance.
type Selection struct {
	Status     Status
	Names      []string
	Candidates []Candidate
	Err        error
}

// Config configures a Selector.
type Config struct {
	Index      vectorindex.Index
	Embedder   embeddings.Provider
	Collection string
	// Candidates bounds the nearest-neighbour query. Defaults to 100.
	Candidates int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Selector runs threshold selection against one collection.
type Selector struct {
	index      vectorindex.Index
	embedder   embeddings.Provider
	collection string
	candidates int
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
}

// New creates a selector.
func New(cfg Config) (*Selector, error) {
	if cfg.Index == nil || cfg.Embedder == nil {
		return nil, errors.New("toolselect: index and embedder are required")
	}
	if err := vectorindex.ValidateName(cfg.Collection); err != nil {
		return nil, err
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = DefaultCandidates
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		index:      cfg.Index,
		embedder:   cfg.Embedder,
		collection: cfg.Collection,
		candidates: cfg.Candidates,
		logger:     logger.With("component", "toolselect", "collection", cfg.Collection),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}, nil
}

// Select returns the tools whose distance to query is below threshold. When
// none qualify and fallbackK is positive, the fallbackK nearest are returned.
func (s *Selector) Select(ctx context.Context, query string, threshold float64, fallbackK int) Selection {
	ctx, span := s.tracer.TraceSelect(ctx, threshold, fallbackK)
	defer span.End()

	sel := s.selectTools(ctx, query, threshold, fallbackK)
	if sel.Err != nil {
		s.tracer.RecordError(span, sel.Err)
		s.logger.Warn("tool selection degraded", "error", sel.Err)
	}
	s.tracer.SetAttributes(span, "toolselect.status", sel.Status.String(), "toolselect.selected", len(sel.Names))
	s.metrics.RecordSelection(sel.Status.String())
	return sel
}

func (s *Selector) selectTools(ctx context.Context, query string, threshold float64, fallbackK int) Selection {
	if strings.TrimSpace(query) == "" {
		return Selection{Status: NotFound}
	}

	vectors, err := s.embedder.Embed(ctx, []string{query}, embeddings.TaskQuery)
	if err != nil {
		return Selection{Status: Degraded, Err: fmt.Errorf("embed query: %w", err)}
	}
	if len(vectors) != 1 {
		return Selection{Status: Degraded, Err: fmt.Errorf("embedder returned %d vectors for one query", len(vectors))}
	}

	col, err := s.index.Collection(ctx, s.collection)
	if err != nil {
		return Selection{Status: Degraded, Err: fmt.Errorf("open collection: %w", err)}
	}
	matches, err := col.Query(ctx, vectors[0], s.candidates)
	if err != nil {
		return Selection{Status: Degraded, Err: fmt.Errorf("query collection: %w", err)}
	}

	ranked := dedupe(matches)
	return Threshold(ranked, threshold, fallbackK, s.logger)
}

// Threshold applies the selection rule to candidates already in ascending
// distance order.
func Threshold(ranked []Candidate, threshold float64, fallbackK int, logger *slog.Logger) Selection {
	var kept []Candidate
	for _, c := range ranked {
		if c.Distance < threshold {
			kept = append(kept, c)
			if logger != nil {
				logger.Debug("tool accepted", "tool", c.Name, "distance", c.Distance, "threshold", threshold)
			}
		} else if logger != nil {
			logger.Debug("tool rejected", "tool", c.Name, "distance", c.Distance, "threshold", threshold)
		}
	}
	if len(kept) > 0 {
		return newSelection(Found, kept)
	}
	if fallbackK > 0 && len(ranked) > 0 {
		fallback := ranked[:min(fallbackK, len(ranked))]
		if logger != nil {
			logger.Debug("no tools under threshold, using nearest", "count", len(fallback))
		}
		return newSelection(Fallback, fallback)
	}
	return Selection{Status: NotFound}
}

func newSelection(status Status, candidates []Candidate) Selection {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	return Selection{Status: status, Names: names, Candidates: candidates}
}

func dedupe(matches []vectorindex.Match) []Candidate {
	out := make([]Candidate, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		name := toolcache.ToolName(m.Record)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, Candidate{Name: name, Distance: m.Distance})
	}
	return out
}

// DefaultHistoryWindow is how many trailing messages form the contextual query.
const DefaultHistoryWindow = 5

// ContextualQuery renders the last window messages as "role: content" lines.
func ContextualQuery(history []models.Message, window int) string {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, m.Summary())
	}
	return strings.Join(lines, "\n")
}
