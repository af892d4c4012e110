package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/haasonsaas/toolgate/pkg/models"
)

func newTestAnthropic(t *testing.T, baseURL string) *AnthropicProvider {
	t.Helper()
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}
	return p
}

func TestAnthropicStreamingText(t *testing.T) {
	srv, body := sseServer(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_123","type":"message","role":"assistant","content":[],"model":"claude-test","usage":{"input_tokens":3,"output_tokens":0}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	})
	p := newTestAnthropic(t, srv.URL)

	ch, err := p.Generate(context.Background(), &Request{
		System:      "be brief",
		Messages:    []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Model:       "claude-test",
		Temperature: 0.5,
		MaxTokens:   850,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	assertDeltas(t, collect(t, ch), []string{"text:Hello", "text: world", "finish:end_turn"})

	var sent map[string]any
	if err := json.Unmarshal([]byte(body()), &sent); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if sent["model"] != "claude-test" || sent["max_tokens"] != float64(850) || sent["stream"] != true {
		t.Errorf("request = %v", sent)
	}
	if _, ok := sent["tools"]; ok {
		t.Errorf("request without tools should omit them: %v", sent["tools"])
	}
}

func TestAnthropicStreamingToolUse(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_123","type":"message","role":"assistant","content":[],"model":"claude-test"}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"need weather"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig-1"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":0}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tool_123","name":"get_weather","input":{}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"London\"}"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":1}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	})
	p := newTestAnthropic(t, srv.URL)

	ch, err := p.Generate(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "weather in London"}},
		Tools: []models.ToolDescriptor{{
			Name:       "get_weather",
			Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
		}},
		Model:          "claude-test",
		ThinkingBudget: 2048,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	assertDeltas(t, collect(t, ch), []string{
		"reasoning:need weather",
		"signature:sig-1",
		"tool_call:tool_123:get_weather:",
		`tool_call:tool_123::{"city":`,
		`tool_call:tool_123::"London"}`,
		"tool_call_done:tool_123",
		"finish:tool_use",
	})
}

func TestAnthropicUnstoppedToolsCloseInIndexOrder(t *testing.T) {
	srv, _ := sseServer(t, []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-test"}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"redacted_thinking","data":"opaque"}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"a","input":{}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"t2","name":"b","input":{}}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":3,"content_block":{"type":"tool_use","id":"t3","name":"c","input":{}}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	})
	p := newTestAnthropic(t, srv.URL)

	ch, err := p.Generate(context.Background(), &Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "go"}},
		Model:    "claude-test",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	assertDeltas(t, collect(t, ch), []string{
		"redacted:opaque",
		"tool_call:t1:a:",
		"tool_call:t2:b:",
		"tool_call:t3:c:",
		"tool_call_done:t1",
		"tool_call_done:t2",
		"tool_call_done:t3",
		"finish:",
	})
}

func TestAnthropicHTTPError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		response  string
		wantRetry bool
		wantCode  string
	}{
		{
			name:      "rate limit error",
			status:    http.StatusTooManyRequests,
			response:  `{"type":"error","error":{"type":"rate_limit_error","message":"Rate limit exceeded"}}`,
			wantRetry: true,
			wantCode:  "rate_limit_error",
		},
		{
			name:      "server error",
			status:    http.StatusInternalServerError,
			response:  `{"type":"error","error":{"type":"api_error","message":"Internal server error"}}`,
			wantRetry: true,
			wantCode:  "api_error",
		},
		{
			name:      "authentication error",
			status:    http.StatusUnauthorized,
			response:  `{"type":"error","error":{"type":"authentication_error","message":"Invalid API key"}}`,
			wantRetry: false,
			wantCode:  "authentication_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := errorServer(t, tt.status, tt.response)
			p := newTestAnthropic(t, srv.URL)

			_, err := p.Generate(context.Background(), &Request{
				Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
				Model:    "claude-test",
			})
			if err == nil {
				t.Fatal("expected error")
			}
			var providerErr *ProviderError
			if !errors.As(err, &providerErr) {
				t.Fatalf("error type = %T, want *ProviderError", err)
			}
			if providerErr.Status != tt.status || providerErr.Code != tt.wantCode {
				t.Errorf("error = %+v", providerErr)
			}
			if IsRetryable(err) != tt.wantRetry {
				t.Errorf("IsRetryable() = %v, want %v", IsRetryable(err), tt.wantRetry)
			}
		})
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleSystem, Content: "ignored"},
		{Role: models.RoleUser, Content: "weather?"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "a", Name: "get_weather", Input: json.RawMessage(`{"city":"Paris"}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "a", Content: "sunny"}}},
		{Role: models.RoleAssistant},
	}
	got, err := convertAnthropicMessages(history)
	if err != nil {
		t.Fatalf("convertAnthropicMessages() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Role != "user" || got[1].Role != "assistant" || got[2].Role != "user" {
		t.Errorf("roles = %s %s %s", got[0].Role, got[1].Role, got[2].Role)
	}

	_, err = convertAnthropicMessages([]models.Message{{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "x", Name: "bad", Input: json.RawMessage(`{`)}},
	}})
	if err == nil {
		t.Error("expected error for invalid tool input")
	}
}

func TestConvertAnthropicMessagesReplaysReasoning(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleUser, Content: "weather?"},
		{
			Role:    models.RoleAssistant,
			Content: "checking",
			Reasoning: []models.ReasoningBlock{
				{Text: "need weather", Signature: "sig-1"},
				{Redacted: "opaque"},
				{Text: "unsigned"},
			},
			ToolCalls: []models.ToolCall{{ID: "a", Name: "get_weather", Input: json.RawMessage(`{"city":"Paris"}`)}},
		},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{{ToolCallID: "a", Content: "sunny"}}},
	}
	got, err := convertAnthropicMessages(history)
	if err != nil {
		t.Fatalf("convertAnthropicMessages() error = %v", err)
	}

	data, err := json.Marshal(got[1])
	if err != nil {
		t.Fatal(err)
	}
	var assistant struct {
		Content []struct {
			Type      string `json:"type"`
			Thinking  string `json:"thinking"`
			Signature string `json:"signature"`
			Data      string `json:"data"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &assistant); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}

	var types []string
	for _, block := range assistant.Content {
		types = append(types, block.Type)
	}
	if strings.Join(types, ",") != "thinking,redacted_thinking,text,tool_use" {
		t.Fatalf("content types = %v", types)
	}
	if first := assistant.Content[0]; first.Thinking != "need weather" || first.Signature != "sig-1" {
		t.Errorf("thinking block = %+v", first)
	}
	if assistant.Content[1].Data != "opaque" {
		t.Errorf("redacted block = %+v", assistant.Content[1])
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	got := convertAnthropicTools([]models.ToolDescriptor{
		{Name: "search", Description: "Search the web", Parameters: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
		{Name: "broken", Parameters: json.RawMessage(`nope`)},
	})
	if len(got) != 2 || got[0].OfTool == nil || got[0].OfTool.Name != "search" {
		t.Fatalf("tools = %+v", got)
	}
	if convertAnthropicTools(nil) != nil {
		t.Error("no tools should convert to nil")
	}
}
