package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/toolgate/pkg/models"
)

// OpenAIConfig configures an OpenAI-compatible chat completions backend.
type OpenAIConfig struct {
	APIKey string
	// BaseURL points at any OpenAI-compatible endpoint, including Gemini's
	// /v1beta/openai/ surface.
	BaseURL string
}

// OpenAIProvider streams chat completions through go-openai.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a provider. The API key is required.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(clientCfg)}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Generate opens a streaming chat completion.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (<-chan *Delta, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertToOpenAIMessages(req.Messages, req.System),
		Stream:      true,
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err, req.Model)
	}

	out := make(chan *Delta)
	go p.processStream(ctx, stream, out, req.Model)
	return out, nil
}

// openAIToolCall tracks one streamed call. Chunks address calls by index and
// only the first chunk of a call carries its id.
type openAIToolCall struct {
	id   string
	done bool
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- *Delta, model string) {
	defer close(out)
	defer stream.Close()

	calls := make(map[int]*openAIToolCall)

	closeCalls := func() bool {
		indices := make([]int, 0, len(calls))
		for index, call := range calls {
			if !call.done {
				indices = append(indices, index)
			}
		}
		sort.Ints(indices)
		for _, index := range indices {
			calls[index].done = true
			if !emit(ctx, out, &Delta{Kind: DeltaToolCallDone, ToolCall: ToolCallDelta{ID: calls[index].id}}) {
				return false
			}
		}
		return true
	}

	finishReason := ""
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			emit(ctx, out, &Delta{Kind: DeltaError, Err: wrapOpenAIError(err, model)})
			return
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		delta := choice.Delta

		if delta.ReasoningContent != "" {
			if !emit(ctx, out, &Delta{Kind: DeltaReasoning, Text: delta.ReasoningContent}) {
				return
			}
		}
		if delta.Content != "" {
			if !emit(ctx, out, &Delta{Kind: DeltaText, Text: delta.Content}) {
				return
			}
		}

		for i, tc := range delta.ToolCalls {
			index := i
			if tc.Index != nil {
				index = *tc.Index
			}
			call := calls[index]
			// Some compatible servers reuse index 0 for every call and send
			// each one whole; a new id at a known index starts a new call.
			if call != nil && tc.ID != "" && tc.ID != call.id {
				if !call.done {
					call.done = true
					if !emit(ctx, out, &Delta{Kind: DeltaToolCallDone, ToolCall: ToolCallDelta{ID: call.id}}) {
						return
					}
				}
				call = nil
			}
			if call == nil {
				id := tc.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				call = &openAIToolCall{id: id}
				calls[index] = call
			}
			if !emit(ctx, out, &Delta{Kind: DeltaToolCall, ToolCall: ToolCallDelta{
				ID:        call.id,
				Name:      tc.Function.Name,
				ArgsDelta: tc.Function.Arguments,
			}}) {
				return
			}
		}

		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}

	if !closeCalls() {
		return
	}
	emit(ctx, out, &Delta{Kind: DeltaFinish, FinishReason: finishReason})
}

func convertToOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args := string(tc.Input)
				if args == "" {
					args = "{}"
				}
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			result = append(result, oaiMsg)
		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertToOpenAITools(tools []models.ToolDescriptor) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaObject(tool.Parameters),
			},
		}
	}
	return result
}

// schemaObject decodes a parameter schema, substituting an empty object
// schema for missing or invalid input.
func schemaObject(raw json.RawMessage) map[string]any {
	var schema map[string]any
	if len(raw) > 0 && json.Unmarshal(raw, &schema) == nil && schema != nil {
		if _, ok := schema["type"]; !ok {
			schema["type"] = "object"
		}
		return schema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func wrapOpenAIError(err error, model string) error {
	if err == nil {
		return nil
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return err
	}

	e := NewProviderError("openai", model, err)
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		e = e.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			e.Message = apiErr.Message
		}
		if apiErr.Code != nil {
			e.Code = fmt.Sprint(apiErr.Code)
		}
	case errors.As(err, &reqErr):
		e = e.WithStatus(reqErr.HTTPStatusCode)
	}
	return e
}
