package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/toolgate/pkg/models"
)

const (
	anthropicDefaultMaxTokens = 1024
	anthropicMinThinking      = 1024
)

// AnthropicConfig configures the Anthropic Messages backend.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	// MaxRetries overrides the SDK's own retry count when non-negative.
	// Generation retries are normally handled by the caller.
	MaxRetries int
}

// AnthropicProvider streams Claude messages. Thinking blocks surface as
// reasoning deltas and tool_use blocks as tool call deltas.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a provider. The API key is required.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Generate opens a streaming Messages request. The first event is read
// before returning so HTTP failures are reported as a plain error.
func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (<-chan *Delta, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			err = errors.New("anthropic: empty stream")
		}
		return nil, p.wrapError(err, req.Model)
	}

	out := make(chan *Delta)
	go p.processStream(ctx, stream, out, req.Model)
	return out, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
		Tools:     convertAnthropicTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	if req.ThinkingBudget > 0 {
		budget := int64(max(req.ThinkingBudget, anthropicMinThinking))
		// The budget counts against max_tokens, which must stay larger.
		params.MaxTokens = budget + maxTokens
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	} else if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params, nil
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- *Delta, model string) {
	defer close(out)
	defer stream.Close()

	// Open tool_use blocks by content block index.
	tools := make(map[int64]string)
	stopReason := ""

	closeTools := func() bool {
		indices := make([]int64, 0, len(tools))
		for index := range tools {
			indices = append(indices, index)
		}
		sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
		for _, index := range indices {
			id := tools[index]
			delete(tools, index)
			if !emit(ctx, out, &Delta{Kind: DeltaToolCallDone, ToolCall: ToolCallDelta{ID: id}}) {
				return false
			}
		}
		return true
	}

	// The first event was consumed by Generate.
	for ok := true; ok; ok = stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "content_block_start":
			start := event.AsContentBlockStart()
			switch start.ContentBlock.Type {
			case "tool_use":
				toolUse := start.ContentBlock.AsToolUse()
				tools[start.Index] = toolUse.ID
				if !emit(ctx, out, &Delta{Kind: DeltaToolCall, ToolCall: ToolCallDelta{ID: toolUse.ID, Name: toolUse.Name}}) {
					return
				}
			case "redacted_thinking":
				if data := start.ContentBlock.Data; data != "" {
					if !emit(ctx, out, &Delta{Kind: DeltaReasoning, Redacted: data}) {
						return
					}
				}
			}

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			delta := blockDelta.Delta
			var d *Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					d = &Delta{Kind: DeltaText, Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					d = &Delta{Kind: DeltaReasoning, Text: delta.Thinking}
				}
			case "signature_delta":
				if delta.Signature != "" {
					d = &Delta{Kind: DeltaReasoning, Signature: delta.Signature}
				}
			case "input_json_delta":
				if id, open := tools[blockDelta.Index]; open && delta.PartialJSON != "" {
					d = &Delta{Kind: DeltaToolCall, ToolCall: ToolCallDelta{ID: id, ArgsDelta: delta.PartialJSON}}
				}
			}
			if d != nil && !emit(ctx, out, d) {
				return
			}

		case "content_block_stop":
			index := event.AsContentBlockStop().Index
			if id, open := tools[index]; open {
				delete(tools, index)
				if !emit(ctx, out, &Delta{Kind: DeltaToolCallDone, ToolCall: ToolCallDelta{ID: id}}) {
					return
				}
			}

		case "message_delta":
			if reason := event.AsMessageDelta().Delta.StopReason; reason != "" {
				stopReason = string(reason)
			}

		case "message_stop":
			if closeTools() {
				emit(ctx, out, &Delta{Kind: DeltaFinish, FinishReason: stopReason})
			}
			return

		case "error":
			emit(ctx, out, &Delta{Kind: DeltaError, Err: p.wrapError(errors.New("anthropic stream error"), model)})
			return
		}
	}

	if err := stream.Err(); err != nil {
		emit(ctx, out, &Delta{Kind: DeltaError, Err: p.wrapError(err, model)})
		return
	}
	if closeTools() {
		emit(ctx, out, &Delta{Kind: DeltaFinish, FinishReason: stopReason})
	}
}

func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == models.RoleAssistant {
			// Signed reasoning must precede the tool_use blocks it produced.
			for _, block := range msg.Reasoning {
				switch {
				case block.Redacted != "":
					content = append(content, anthropic.NewRedactedThinkingBlock(block.Redacted))
				case block.Signature != "":
					content = append(content, anthropic.NewThinkingBlock(block.Signature, block.Text))
				}
			}
		}
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			input := map[string]any{}
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []models.ToolDescriptor) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Parameters) == 0 || json.Unmarshal(tool.Parameters, &schema) != nil {
			schema = anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil && tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return err
	}

	e := NewProviderError("anthropic", model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		e = e.WithStatus(apiErr.StatusCode)
		var payload anthropicErrorPayload
		if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				e.Message = payload.Error.Message
			}
			e.Code = payload.Error.Type
		}
	}
	return e
}
