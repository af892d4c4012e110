// Package stream turns provider deltas into the client's part-based event
// protocol. A Multiplexer lives for exactly one turn; part indices keep
// increasing across the turn's generation rounds and are never reused.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/providers"
	"github.com/haasonsaas/toolgate/pkg/models"
)

var (
	// ErrOutputBeforeInput is returned when a tool output is set before the
	// call's arguments are complete.
	ErrOutputBeforeInput = errors.New("stream: tool output before input is available")

	// ErrUnknownToolCall is returned for a tool call id the turn never opened.
	ErrUnknownToolCall = errors.New("stream: unknown tool call")

	// ErrEnded is returned when feeding a turn that already ended.
	ErrEnded = errors.New("stream: turn already ended")
)

// PartKind is the content kind of a part.
type PartKind int

const (
	PartText PartKind = iota
	PartReasoning
	PartTool
)

func (k PartKind) String() string {
	switch k {
	case PartText:
		return "text"
	case PartReasoning:
		return "reasoning"
	case PartTool:
		return "tool"
	default:
		return fmt.Sprintf("PartKind(%d)", int(k))
	}
}

// ToolCall is the state of one tool call part.
type ToolCall struct {
	ID        string
	Name      string
	PartIndex int
	// RawArguments is the concatenated argument text as streamed.
	RawArguments string
	// Arguments is RawArguments parsed on close; invalid JSON becomes {}.
	Arguments json.RawMessage
	State     ToolState
	Output    string
}

// Part is a snapshot of one closed part.
type Part struct {
	Index   int
	Kind    PartKind
	Content string
	Tool    *ToolCall
}

// Result is what one generation round produced, in part order.
type Result struct {
	Parts     []Part
	Text      string
	ToolCalls []ToolCall
	// Reasoning is the round's reasoning blocks with their signatures.
	Reasoning []models.ReasoningBlock
}

type part struct {
	index   int
	kind    PartKind
	content strings.Builder
	tool    *ToolCall
	closed  bool
}

// Multiplexer tracks the parts of one turn and emits their events. It is not
// safe for concurrent use; the turn runner owns it.
type Multiplexer struct {
	emitter   Emitter
	chatID    string
	messageID string
	metrics   *observability.Metrics

	started bool
	ended   bool
	next    int

	open      *part
	tools     map[string]*part
	round     []*part
	reasoning []models.ReasoningBlock
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithMetrics counts emitted events by type.
func WithMetrics(m *observability.Metrics) Option {
	return func(x *Multiplexer) { x.metrics = m }
}

// WithMessageID overrides the generated message id.
func WithMessageID(id string) Option {
	return func(x *Multiplexer) { x.messageID = id }
}

// New creates the multiplexer for one turn of chatID.
func New(emitter Emitter, chatID string, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		emitter:   emitter,
		chatID:    chatID,
		messageID: uuid.NewString(),
		tools:     make(map[string]*part),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MessageID returns the assistant message id shared by all events.
func (m *Multiplexer) MessageID() string {
	return m.messageID
}

// Ended reports whether End has been called.
func (m *Multiplexer) Ended() bool {
	return m.ended
}

// Feed applies one provider delta. Error deltas are left to the caller.
func (m *Multiplexer) Feed(ctx context.Context, d *providers.Delta) error {
	if m.ended {
		return ErrEnded
	}
	if d == nil {
		return nil
	}

	switch d.Kind {
	case providers.DeltaText:
		return m.appendContent(ctx, PartText, d.Text)
	case providers.DeltaReasoning:
		return m.appendReasoning(ctx, d)
	case providers.DeltaToolCall:
		return m.appendTool(ctx, d.ToolCall)
	case providers.DeltaToolCallDone:
		if p, ok := m.tools[d.ToolCall.ID]; ok && !p.closed {
			return m.closeTool(ctx, p)
		}
		return nil
	case providers.DeltaFinish:
		return m.closeAll(ctx)
	default:
		return nil
	}
}

func (m *Multiplexer) appendContent(ctx context.Context, kind PartKind, text string) error {
	if text == "" {
		return nil
	}
	if m.open == nil || m.open.kind != kind {
		m.closeContent()
		if err := m.closeTools(ctx); err != nil {
			return err
		}
		p, err := m.openPart(ctx, kind, nil)
		if err != nil {
			return err
		}
		m.open = p
	}

	m.open.content.WriteString(text)
	ev := m.partEvent(EventChunk, m.open.index)
	ev.Text = text
	if kind == PartReasoning {
		ev.Status = statusGenerating
	}
	return m.emit(ctx, ev)
}

// appendReasoning streams reasoning text and keeps the round's reasoning
// blocks. Signatures and redacted blocks are recorded but never emitted.
func (m *Multiplexer) appendReasoning(ctx context.Context, d *providers.Delta) error {
	switch {
	case d.Redacted != "":
		m.closeContent()
		m.reasoning = append(m.reasoning, models.ReasoningBlock{Redacted: d.Redacted})
		return nil
	case d.Signature != "":
		if n := len(m.reasoning); n > 0 && m.reasoning[n-1].Redacted == "" && m.reasoning[n-1].Signature == "" {
			m.reasoning[n-1].Signature = d.Signature
		} else {
			m.reasoning = append(m.reasoning, models.ReasoningBlock{Signature: d.Signature})
		}
		return nil
	case d.Text == "":
		return nil
	}

	opening := m.open == nil || m.open.kind != PartReasoning
	if err := m.appendContent(ctx, PartReasoning, d.Text); err != nil {
		return err
	}
	if opening {
		m.reasoning = append(m.reasoning, models.ReasoningBlock{})
	}
	m.reasoning[len(m.reasoning)-1].Text += d.Text
	return nil
}

func (m *Multiplexer) appendTool(ctx context.Context, delta providers.ToolCallDelta) error {
	if delta.ID == "" {
		return errors.New("stream: tool call delta without id")
	}
	m.closeContent()

	p, ok := m.tools[delta.ID]
	if ok && p.closed {
		// A closed call's arguments are final.
		return nil
	}
	if !ok {
		call := &ToolCall{ID: delta.ID, Name: delta.Name, State: ToolInputStreaming}
		var err error
		if p, err = m.openPart(ctx, PartTool, call); err != nil {
			return err
		}
		call.PartIndex = p.index
		m.tools[delta.ID] = p
	}

	if delta.ArgsDelta == "" {
		return nil
	}
	p.content.WriteString(delta.ArgsDelta)
	ev := m.partEvent(EventChunk, p.index)
	ev.InputDelta = delta.ArgsDelta
	ev.Status = statusGenerating
	return m.emit(ctx, ev)
}

func (m *Multiplexer) openPart(ctx context.Context, kind PartKind, call *ToolCall) (*part, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	p := &part{index: m.next, kind: kind, tool: call}
	m.next++
	m.round = append(m.round, p)

	start := &PartStart{}
	switch kind {
	case PartText:
		start.Text = &struct{}{}
	case PartReasoning:
		start.Reasoning = &ReasoningPart{}
	case PartTool:
		start.Tool = &ToolPart{ID: call.ID, Name: call.Name, State: ToolInputStreaming}
	}
	ev := m.partEvent(EventPartStart, p.index)
	ev.Part = start
	return p, m.emit(ctx, ev)
}

// closeContent closes the open text or reasoning part. Closing emits nothing.
func (m *Multiplexer) closeContent() {
	if m.open != nil {
		m.open.closed = true
		m.open = nil
	}
}

func (m *Multiplexer) closeTool(ctx context.Context, p *part) error {
	p.closed = true
	raw := p.content.String()
	p.tool.RawArguments = raw
	p.tool.Arguments = parseArguments(raw)
	p.tool.State = ToolInputAvailable

	ev := m.partEvent(EventChunk, p.index)
	ev.ToolState = ToolInputAvailable
	return m.emit(ctx, ev)
}

func (m *Multiplexer) closeAll(ctx context.Context) error {
	m.closeContent()
	return m.closeTools(ctx)
}

// closeTools closes the round's open tool parts in index order.
func (m *Multiplexer) closeTools(ctx context.Context) error {
	var firstErr error
	for _, p := range m.round {
		if p.kind == PartTool && !p.closed {
			if err := m.closeTool(ctx, p); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func parseArguments(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

// Finish closes every open part and returns what the current round
// produced. The next round starts with an empty result.
func (m *Multiplexer) Finish(ctx context.Context) (Result, error) {
	err := m.closeAll(ctx)

	var res Result
	var text strings.Builder
	for _, p := range m.round {
		snap := Part{Index: p.index, Kind: p.kind, Content: p.content.String()}
		switch p.kind {
		case PartText:
			text.WriteString(snap.Content)
		case PartTool:
			call := *p.tool
			snap.Tool = &call
			res.ToolCalls = append(res.ToolCalls, call)
		}
		res.Parts = append(res.Parts, snap)
	}
	res.Text = text.String()
	res.Reasoning = m.reasoning
	m.round = nil
	m.reasoning = nil
	return res, err
}

// ToolResult records a tool's output and emits output-available.
func (m *Multiplexer) ToolResult(ctx context.Context, id, output string) error {
	p, ok := m.tools[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToolCall, id)
	}
	if p.tool.State != ToolInputAvailable {
		return fmt.Errorf("%w: %s is %s", ErrOutputBeforeInput, id, p.tool.State)
	}
	p.tool.Output = output
	p.tool.State = ToolOutputAvailable

	ev := m.partEvent(EventChunk, p.index)
	ev.Output = &output
	ev.ToolState = ToolOutputAvailable
	return m.emit(ctx, ev)
}

// Log emits a log event outside any part. A turn's first log follows start.
func (m *Multiplexer) Log(ctx context.Context, status, text string) error {
	if m.ended {
		return ErrEnded
	}
	if err := m.ensureStarted(ctx); err != nil {
		return err
	}
	return m.emit(ctx, Event{Type: EventLog, MessageID: m.messageID, ChatID: m.chatID, Status: status, Text: text})
}

// End closes any open part and emits the end event. Only the first call
// emits; later calls return nil. A turn that never opened a part still
// emits start first.
func (m *Multiplexer) End(ctx context.Context, status string) error {
	if m.ended {
		return nil
	}
	closeErr := m.closeAll(ctx)
	m.ended = true
	if err := m.ensureStarted(ctx); err != nil {
		return err
	}
	if err := m.emit(ctx, Event{Type: EventEnd, MessageID: m.messageID, ChatID: m.chatID, Status: status}); err != nil {
		return err
	}
	return closeErr
}

func (m *Multiplexer) ensureStarted(ctx context.Context) error {
	if m.started {
		return nil
	}
	m.started = true
	return m.emit(ctx, Event{Type: EventStart, MessageID: m.messageID, ChatID: m.chatID})
}

func (m *Multiplexer) partEvent(typ string, index int) Event {
	return Event{Type: typ, MessageID: m.messageID, ChatID: m.chatID, PartIndex: &index}
}

func (m *Multiplexer) emit(ctx context.Context, ev Event) error {
	m.metrics.RecordStreamEvent(ev.Type)
	return m.emitter.Emit(ctx, ev)
}
