package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	// Reasoning holds the provider's reasoning blocks for an assistant
	// message, in the order they were produced.
	Reasoning []ReasoningBlock `json:"reasoning,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ReasoningBlock is one block of provider reasoning. Providers that sign
// their reasoning require it replayed unchanged alongside the tool calls it
// preceded.
type ReasoningBlock struct {
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`
	// Redacted is opaque provider data; it is mutually exclusive with Text.
	Redacted string `json:"redacted,omitempty"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Summary renders the message as a single "role: content" line. Tool calls
// and results are rendered by name so they still carry signal for retrieval.
func (m Message) Summary() string {
	var b strings.Builder
	b.WriteString(string(m.Role))
	b.WriteString(": ")
	b.WriteString(m.Content)
	for _, tc := range m.ToolCalls {
		if b.Len() > len(m.Role)+2 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "[call %s %s]", tc.Name, string(tc.Input))
	}
	for _, tr := range m.ToolResults {
		if b.Len() > len(m.Role)+2 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "[result %s %s]", tr.Name, tr.Content)
	}
	return b.String()
}
