package channel

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Outbound is a correlated request written to the peer.
type Outbound struct {
	RequestID string `json:"request_id"`
	Event     string `json:"event"`
	Payload   any    `json:"payload"`
}

// Inbound is any message read from the peer. A RequestID matching a pending
// request resolves it; otherwise a ChatID marks a pushed chat message.
type Inbound struct {
	RequestID string          `json:"request_id,omitempty"`
	ChatID    string          `json:"chatId,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MessagePayload is the payload shape of chat messages and prompt replies.
type MessagePayload struct {
	Message string `json:"message"`
}

// Message extracts payload.message, returning "" when absent.
func (in Inbound) Message() string {
	var p MessagePayload
	if len(in.Payload) == 0 {
		return ""
	}
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return ""
	}
	return p.Message
}

// ProtocolError reports an inbound frame that could not be decoded or failed validation.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation: %s: %v", e.Reason, e.Err)
	}
	return "protocol violation: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

const inboundSchema = `{
  "type": "object",
  "properties": {
    "request_id": {"type": "string", "minLength": 1},
    "chatId": {"type": "string"},
    "event": {"type": "string"},
    "payload": {}
  }
}`

var envelopeSchema struct {
	once     sync.Once
	compiled *jsonschema.Schema
	initErr  error
}

func compiledInboundSchema() (*jsonschema.Schema, error) {
	envelopeSchema.once.Do(func() {
		envelopeSchema.compiled, envelopeSchema.initErr = jsonschema.CompileString("inbound_envelope.json", inboundSchema)
	})
	return envelopeSchema.compiled, envelopeSchema.initErr
}

// DecodeInbound validates and decodes one inbound frame.
func DecodeInbound(raw []byte) (Inbound, error) {
	schema, err := compiledInboundSchema()
	if err != nil {
		return Inbound{}, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Inbound{}, &ProtocolError{Reason: "invalid json", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return Inbound{}, &ProtocolError{Reason: "invalid envelope", Err: err}
	}

	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Inbound{}, &ProtocolError{Reason: "invalid envelope", Err: err}
	}
	return in, nil
}
