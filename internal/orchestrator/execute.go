package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/toolgate/internal/stream"
	"github.com/haasonsaas/toolgate/internal/tools"
	"github.com/haasonsaas/toolgate/internal/toolselect"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// ToolNotFound is the result of a retrieve_tools call that matched nothing.
const ToolNotFound = "Tool Not Found!"

const (
	kindBuiltin = "builtin"
	kindMCP     = "mcp"
)

// executeTools runs the round's tool calls in order. When retrieve_tools
// finds tools, it returns the new active set with restart true and nothing
// from the round is recorded in the conversation.
func (o *Orchestrator) executeTools(ctx context.Context, mux *stream.Multiplexer, logger *slog.Logger, round stream.Result, inventory []models.ToolDescriptor) ([]models.ToolDescriptor, bool, error) {
	calls := make([]models.ToolCall, 0, len(round.ToolCalls))
	results := make([]models.ToolResult, 0, len(round.ToolCalls))

	for _, call := range round.ToolCalls {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		o.verbose(ctx, mux, logger, fmt.Sprintf("Calling tool %s with %s args", call.Name, string(call.Arguments)))

		var (
			output string
			err    error
		)
		if call.Name == tools.RetrieveToolsName {
			var names []string
			names, err = o.retrieveTools(ctx, call)
			if err == nil && len(names) > 0 {
				out := "Retrieved tools: " + strings.Join(names, ", ")
				if emitErr := mux.ToolResult(ctx, call.ID, out); emitErr != nil {
					return nil, false, emitErr
				}
				logger.Info("retrieve_tools found tools; restarting generation", "tools", names)
				return o.activeTools(inventory, names), true, nil
			}
			if err == nil {
				output = ToolNotFound
			}
		} else {
			output, err = o.callTool(ctx, call)
		}

		result := models.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: output}
		if err != nil {
			logger.Warn("tool call failed", "tool", call.Name, "error", err)
			result.Content = "error: " + err.Error()
			result.IsError = true
		}
		if emitErr := mux.ToolResult(ctx, call.ID, result.Content); emitErr != nil {
			return nil, false, emitErr
		}
		calls = append(calls, models.ToolCall{ID: call.ID, Name: call.Name, Input: call.Arguments})
		results = append(results, result)
	}

	msgs := make([]models.Message, 0, len(results)+1)
	msgs = append(msgs, models.Message{
		Role: models.RoleAssistant, Content: round.Text, ToolCalls: calls, Reasoning: round.Reasoning,
	})
	for _, r := range results {
		msgs = append(msgs, models.Message{Role: models.RoleTool, ToolResults: []models.ToolResult{r}})
	}
	o.conversation.Append(msgs...)
	return nil, false, nil
}

// retrieveTools searches the session collection with the model's keywords
// plus the recent conversation.
func (o *Orchestrator) retrieveTools(ctx context.Context, call stream.ToolCall) ([]string, error) {
	start := time.Now()
	ctx, span := o.tracer.TraceToolCall(ctx, call.Name, kindBuiltin)
	defer span.End()

	names, err := o.searchTools(ctx, call.Arguments)
	if err != nil {
		o.tracer.RecordError(span, err)
	}
	o.metrics.RecordToolCall(call.Name, kindBuiltin, err != nil, time.Since(start))
	return names, err
}

func (o *Orchestrator) searchTools(ctx context.Context, raw json.RawMessage) ([]string, error) {
	args, err := o.builtins.Validate(tools.RetrieveToolsName, raw)
	if err != nil {
		return nil, err
	}
	var parsed tools.RetrieveToolsArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return nil, &tools.ArgumentError{Tool: tools.RetrieveToolsName, Err: err}
	}

	query := strings.TrimSpace(parsed.Keywords + "\n" +
		toolselect.ContextualQuery(o.conversation.History(), o.cfg.HistoryWindow))
	sel := o.cfg.Selector.Select(ctx, query, o.cfg.RetrieveThreshold, 0)
	if sel.Status == toolselect.Degraded {
		return nil, fmt.Errorf("tool search: %w", sel.Err)
	}
	return sel.Names, nil
}

// callTool dispatches a call to a built-in or to MCP.
func (o *Orchestrator) callTool(ctx context.Context, call stream.ToolCall) (string, error) {
	kind := kindMCP
	if o.builtins.Has(call.Name) {
		kind = kindBuiltin
	}

	start := time.Now()
	ctx, span := o.tracer.TraceToolCall(ctx, call.Name, kind)
	defer span.End()

	var (
		out string
		err error
	)
	if kind == kindBuiltin {
		out, err = o.builtins.Call(ctx, call.Name, call.Arguments)
	} else {
		out, err = o.cfg.Inventory.CallTool(ctx, call.Name, call.Arguments)
	}
	if err != nil {
		o.tracer.RecordError(span, err)
	}
	o.metrics.RecordToolCall(call.Name, kind, err != nil, time.Since(start))
	return out, err
}
