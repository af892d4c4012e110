// Package providers streams model generations as a flat sequence of deltas.
//
// Every backend normalizes its wire events into the same vocabulary: text and
// reasoning fragments, tool call argument fragments keyed by call id, an
// explicit ToolCallDone once a call's arguments are complete, and a single
// terminal Finish or Error delta.
package providers

import (
	"context"
	"fmt"

	"github.com/haasonsaas/toolgate/pkg/models"
)

// DeltaKind identifies what a Delta carries.
type DeltaKind int

const (
	// DeltaText is a fragment of assistant text.
	DeltaText DeltaKind = iota
	// DeltaReasoning is a fragment of model reasoning.
	DeltaReasoning
	// DeltaToolCall is a fragment of a tool call. The first fragment for an
	// id carries the tool name.
	DeltaToolCall
	// DeltaToolCallDone marks a tool call's arguments as complete.
	DeltaToolCallDone
	// DeltaFinish ends a successful generation.
	DeltaFinish
	// DeltaError ends a generation that failed mid-stream.
	DeltaError
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaText:
		return "text"
	case DeltaReasoning:
		return "reasoning"
	case DeltaToolCall:
		return "tool_call"
	case DeltaToolCallDone:
		return "tool_call_done"
	case DeltaFinish:
		return "finish"
	case DeltaError:
		return "error"
	default:
		return fmt.Sprintf("DeltaKind(%d)", int(k))
	}
}

// ToolCallDelta is one fragment of a streamed tool call.
type ToolCallDelta struct {
	ID        string
	Name      string
	ArgsDelta string
}

// Delta is one streamed unit of a generation.
type Delta struct {
	Kind DeltaKind
	Text string
	// Signature and Redacted are set on reasoning deltas that carry a block
	// signature or an opaque redacted block instead of text.
	Signature    string
	Redacted     string
	ToolCall     ToolCallDelta
	FinishReason string
	Err          error
}

// Request is a single generation request.
type Request struct {
	System      string
	Messages    []models.Message
	Tools       []models.ToolDescriptor
	Model       string
	Temperature float64
	MaxTokens   int
	// ThinkingBudget enables extended reasoning where supported. Zero disables it.
	ThinkingBudget int
}

// Provider is a streaming model backend.
type Provider interface {
	// Generate starts a generation. Errors that happen before the first
	// delta is produced are returned directly so callers can retry them; later
	// failures arrive as a DeltaError. The channel is closed after the
	// terminal delta or when ctx ends.
	Generate(ctx context.Context, req *Request) (<-chan *Delta, error)

	// Name returns the provider identifier used for logs and spans.
	Name() string
}

// emit sends d unless ctx ends first.
func emit(ctx context.Context, out chan<- *Delta, d *Delta) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
