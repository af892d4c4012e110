package stream

import "context"

// Event types written to the client.
const (
	EventStart     = "start"
	EventPartStart = "content_part_start"
	EventChunk     = "text_chunk"
	EventLog       = "log"
	EventEnd       = "end"
)

// ToolState is the lifecycle state of a tool call part.
type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
)

// End and log statuses.
const (
	StatusComplete = "complete"
	StatusError    = "error"
	StatusInfo     = "info"
)

// statusGenerating marks reasoning and tool input chunks.
const statusGenerating = "Generating response ..."

// Event is one streamed message. Unused fields are omitted on the wire.
type Event struct {
	Type       string     `json:"type"`
	MessageID  string     `json:"messageId"`
	ChatID     string     `json:"chatId"`
	PartIndex  *int       `json:"partIndex,omitempty"`
	Part       *PartStart `json:"part,omitempty"`
	Text       string     `json:"text,omitempty"`
	InputDelta string     `json:"inputDelta,omitempty"`
	Status     string     `json:"status,omitempty"`
	Output     *string    `json:"output,omitempty"`
	ToolState  ToolState  `json:"toolState,omitempty"`
}

// PartStart is the initial content of a part. Exactly one field is set.
type PartStart struct {
	Text      *struct{}      `json:"text,omitempty"`
	Reasoning *ReasoningPart `json:"reasoning,omitempty"`
	Tool      *ToolPart      `json:"tool,omitempty"`
}

type ReasoningPart struct {
	Content string `json:"content"`
}

type ToolPart struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Input  string    `json:"input"`
	Output string    `json:"output"`
	State  ToolState `json:"state"`
}

// Emitter delivers events to the client in order.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
