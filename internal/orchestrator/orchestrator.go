// Package orchestrator runs chat turns: it refreshes the tool cache, selects
// the relevant tools, streams the model's answer and executes the tools it
// calls until the model answers without calling any.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/prompt"
	"github.com/haasonsaas/toolgate/internal/providers"
	"github.com/haasonsaas/toolgate/internal/retry"
	"github.com/haasonsaas/toolgate/internal/stream"
	"github.com/haasonsaas/toolgate/internal/toolcache"
	"github.com/haasonsaas/toolgate/internal/tools"
	"github.com/haasonsaas/toolgate/internal/toolselect"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// Defaults for selection and the round bound.
const (
	DefaultChatThreshold     = 0.754
	DefaultFallbackK         = 3
	DefaultRetrieveThreshold = 0.80
	DefaultMaxRounds         = 10
)

// Inventory is the source of MCP tools.
type Inventory interface {
	ListTools(ctx context.Context) ([]models.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// ToolCache mirrors the inventory into the session collection.
type ToolCache interface {
	Refresh(ctx context.Context, descriptors []toolcache.Descriptor) toolcache.RefreshResult
}

// ToolSelector picks the tools relevant to a query.
type ToolSelector interface {
	Select(ctx context.Context, query string, threshold float64, fallbackK int) toolselect.Selection
}

// State is a step of the turn state machine.
type State string

const (
	StateAwaitingTools State = "awaiting_tools"
	StateGenerating    State = "generating"
	StateToolExecution State = "tool_execution"
	StateComplete      State = "complete"
)

// Turn is one user query.
type Turn struct {
	ChatID string
	Query  string
}

// Config configures an Orchestrator. Provider, Inventory, Cache, Selector
// and Emitter are required.
type Config struct {
	Provider  providers.Provider
	Inventory Inventory
	Cache     ToolCache
	Selector  ToolSelector
	Emitter   stream.Emitter
	// Builtins defaults to tools.Builtins().
	Builtins *tools.Registry
	// SystemPrompt returns the system instruction for each generation.
	SystemPrompt func() string

	Model          string
	Temperature    float64
	MaxTokens      int
	ThinkingBudget int

	// RetryAttempts and RetryDelay bound retries of failed generation starts.
	RetryAttempts int
	RetryDelay    time.Duration

	ChatThreshold     float64
	FallbackK         int
	RetrieveThreshold float64
	HistoryWindow     int
	MaxRounds         int

	// VerboseLogs streams progress log events to the peer.
	VerboseLogs bool

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Orchestrator runs the turns of one connection sequentially.
type Orchestrator struct {
	cfg          Config
	builtins     *tools.Registry
	conversation *Conversation
	retry        retry.Config
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
}

// New creates an orchestrator with an empty conversation.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Provider == nil || cfg.Inventory == nil || cfg.Cache == nil || cfg.Selector == nil || cfg.Emitter == nil {
		return nil, errors.New("orchestrator: provider, inventory, cache, selector and emitter are required")
	}
	if cfg.Builtins == nil {
		builtins, err := tools.Builtins()
		if err != nil {
			return nil, err
		}
		cfg.Builtins = builtins
	}
	if cfg.SystemPrompt == nil {
		cfg.SystemPrompt = func() string { return prompt.DefaultSystemPrompt }
	}
	if cfg.ChatThreshold <= 0 {
		cfg.ChatThreshold = DefaultChatThreshold
	}
	if cfg.FallbackK < 0 {
		cfg.FallbackK = 0
	}
	if cfg.RetrieveThreshold <= 0 {
		cfg.RetrieveThreshold = DefaultRetrieveThreshold
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = toolselect.DefaultHistoryWindow
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}

	policy := retry.Fixed(cfg.RetryAttempts, cfg.RetryDelay)
	policy.Retryable = providers.IsRetryable

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:          cfg,
		builtins:     cfg.Builtins,
		conversation: NewConversation(),
		retry:        policy,
		logger:       logger.With("component", "orchestrator"),
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
	}, nil
}

// Conversation returns the connection's conversation.
func (o *Orchestrator) Conversation() *Conversation {
	return o.conversation
}

// RunTurn answers one query. Every turn ends with an end event: complete on
// success, error otherwise. The returned error is the reason the turn failed.
func (o *Orchestrator) RunTurn(ctx context.Context, turn Turn) error {
	start := time.Now()
	ctx, span := o.tracer.TraceTurn(ctx, turn.ChatID)
	defer span.End()

	mux := stream.New(o.cfg.Emitter, turn.ChatID, stream.WithMetrics(o.metrics))
	ctx = context.WithValue(ctx, observability.ChatIDKey, turn.ChatID)
	ctx = context.WithValue(ctx, observability.MessageIDKey, mux.MessageID())
	logger := observability.WithContext(ctx, o.logger)

	o.conversation.Append(models.Message{Role: models.RoleUser, Content: turn.Query})
	err := o.runTurn(ctx, mux, logger, span)

	status := stream.StatusComplete
	if err != nil {
		status = stream.StatusError
		o.tracer.RecordError(span, err)
		var modelErr *ModelCallError
		if errors.As(err, &modelErr) {
			if logErr := mux.Log(ctx, stream.StatusError, "LLM error: "+modelErr.Err.Error()); logErr != nil {
				logger.Debug("failed to emit error log", "error", logErr)
			}
		}
		logger.Error("turn failed", "error", err)
	}
	if endErr := mux.End(ctx, status); endErr != nil && err == nil {
		err = fmt.Errorf("end turn: %w", endErr)
		status = stream.StatusError
	}

	if ctx.Err() != nil && err != nil {
		status = "cancelled"
	}
	o.metrics.RecordTurn(status, time.Since(start))
	o.tracer.SetAttributes(span, "turn.status", status)
	return err
}

func (o *Orchestrator) runTurn(ctx context.Context, mux *stream.Multiplexer, logger *slog.Logger, span trace.Span) error {
	o.enter(span, logger, StateAwaitingTools)

	inventory, err := o.cfg.Inventory.ListTools(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("failed to list MCP tools; continuing with built-ins only", "error", err)
		inventory = nil
	}
	inventory = o.withoutShadowed(inventory, logger)

	refresh := o.cfg.Cache.Refresh(ctx, inventory)
	logger.Debug("tool cache refreshed",
		"status", refresh.Status.String(), "embedded", refresh.Embedded, "reused", refresh.Reused)

	query := toolselect.ContextualQuery(o.conversation.History(), o.cfg.HistoryWindow)
	sel := o.cfg.Selector.Select(ctx, query, o.cfg.ChatThreshold, o.cfg.FallbackK)
	logger.Info("relevant tools selected", "status", sel.Status.String(), "tools", sel.Names)
	active := o.activeTools(inventory, sel.Names)

	for round := 1; ; round++ {
		if round > o.cfg.MaxRounds {
			return fmt.Errorf("%w (%d)", ErrMaxRounds, o.cfg.MaxRounds)
		}
		o.enter(span, logger, StateGenerating)
		o.verbose(ctx, mux, logger, fmt.Sprintf("%d tool are passed!", len(active)))

		result, err := o.generate(ctx, mux, active, round)
		if err != nil {
			return err
		}
		if len(result.ToolCalls) == 0 {
			o.conversation.Append(models.Message{Role: models.RoleAssistant, Content: result.Text})
			o.enter(span, logger, StateComplete)
			return nil
		}

		o.enter(span, logger, StateToolExecution)
		next, restart, err := o.executeTools(ctx, mux, logger, result, inventory)
		if err != nil {
			return err
		}
		if restart {
			active = next
		}
	}
}

func (o *Orchestrator) enter(span trace.Span, logger *slog.Logger, state State) {
	span.AddEvent(string(state))
	logger.Debug("turn state", "state", string(state))
}

func (o *Orchestrator) verbose(ctx context.Context, mux *stream.Multiplexer, logger *slog.Logger, text string) {
	logger.Info(text)
	if !o.cfg.VerboseLogs {
		return
	}
	if err := mux.Log(ctx, stream.StatusInfo, text); err != nil {
		logger.Debug("failed to emit log event", "error", err)
	}
}

// withoutShadowed drops MCP tools whose names collide with built-ins.
func (o *Orchestrator) withoutShadowed(inventory []models.ToolDescriptor, logger *slog.Logger) []models.ToolDescriptor {
	out := inventory[:0:0]
	for _, d := range inventory {
		if o.builtins.Has(d.Name) {
			logger.Warn("MCP tool shadowed by built-in", "tool", d.Name)
			continue
		}
		out = append(out, d)
	}
	return out
}

// activeTools is the selected MCP tools followed by every built-in.
func (o *Orchestrator) activeTools(inventory []models.ToolDescriptor, names []string) []models.ToolDescriptor {
	active := models.FilterTools(inventory, names)
	return append(active, o.builtins.Descriptors()...)
}

// generate runs one generation round through mux. Failures to start are
// retried; failures mid-stream are not.
func (o *Orchestrator) generate(ctx context.Context, mux *stream.Multiplexer, active []models.ToolDescriptor, round int) (stream.Result, error) {
	providerName := o.cfg.Provider.Name()
	ctx, span := o.tracer.TraceGeneration(ctx, providerName, o.cfg.Model, round, len(active))
	defer span.End()

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := &providers.Request{
		System:         o.cfg.SystemPrompt(),
		Messages:       o.conversation.History(),
		Tools:          active,
		Model:          o.cfg.Model,
		Temperature:    o.cfg.Temperature,
		MaxTokens:      o.cfg.MaxTokens,
		ThinkingBudget: o.cfg.ThinkingBudget,
	}
	deltas, res := retry.DoWithValue(genCtx, o.retry, func() (<-chan *providers.Delta, error) {
		deltas, err := o.cfg.Provider.Generate(genCtx, req)
		if err != nil {
			o.logger.Warn("generation failed to start", "provider", providerName, "error", err)
		}
		return deltas, err
	})
	if res.Err != nil {
		o.tracer.RecordError(span, res.Err)
		return stream.Result{}, &ModelCallError{
			Provider: providerName, Model: o.cfg.Model, Attempts: res.Attempts, Err: res.Err,
		}
	}

	var streamErr error
	for d := range deltas {
		if d == nil {
			continue
		}
		if d.Kind == providers.DeltaError {
			streamErr = d.Err
			continue
		}
		if err := mux.Feed(ctx, d); err != nil {
			cancel()
			for range deltas {
			}
			return stream.Result{}, fmt.Errorf("stream delta: %w", err)
		}
	}

	result, err := mux.Finish(ctx)
	if err != nil {
		return stream.Result{}, fmt.Errorf("finish round: %w", err)
	}
	if streamErr == nil && ctx.Err() != nil {
		streamErr = ctx.Err()
	}
	if streamErr != nil {
		o.tracer.RecordError(span, streamErr)
		return stream.Result{}, &ModelCallError{
			Provider: providerName, Model: o.cfg.Model, Attempts: res.Attempts, Streaming: true, Err: streamErr,
		}
	}
	o.tracer.SetAttributes(span, "llm.tool_calls", len(result.ToolCalls), "llm.text_length", len(result.Text))
	return result, nil
}
