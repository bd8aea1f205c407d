package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"boliganalyse/internal/domain"
)

// OpenAIClient calls the OpenAI Chat Completions API with function tools.
type OpenAIClient struct {
	apiKey      string
	model       string
	client      *http.Client
	baseURL     string
	marshalFunc func(v interface{}) ([]byte, error) // for testing
}

// NewOpenAIClient returns an OpenAI-backed ReasoningClient.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		apiKey:      apiKey,
		model:       model,
		client:      &http.Client{},
		baseURL:     "https://api.openai.com/v1/chat/completions",
		marshalFunc: json.Marshal,
	}
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
}

// Complete implements domain.ReasoningClient.
func (p *OpenAIClient) Complete(ctx context.Context, in domain.ReasoningRequest) (*domain.ModelOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body := openAIRequest{
		Model:     p.model,
		Messages:  toOpenAIMessages(in.System, in.Turns),
		MaxTokens: in.MaxTokens,
	}
	if in.Temperature > 0 {
		t := in.Temperature
		body.Temperature = &t
	}
	for _, td := range in.Tools {
		var tool openAITool
		tool.Type = "function"
		tool.Function.Name = td.Name
		tool.Function.Description = td.Description
		tool.Function.Parameters = td.InputSchema
		body.Tools = append(body.Tools, tool)
	}

	raw, err := p.marshalFunc(body)
	if err != nil {
		return nil, fmt.Errorf("openai marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError("openai", resp)
	}
	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices")
	}
	choice := out.Choices[0]
	result := &domain.ModelOutput{StopReason: choice.FinishReason}
	if choice.Message.Content != nil {
		result.Text = *choice.Message.Content
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, domain.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return result, nil
}

// toOpenAIMessages flattens turns: tool results become one "tool" message each.
func toOpenAIMessages(system string, turns []domain.Turn) []openAIMessage {
	var msgs []openAIMessage
	if system != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: &system})
	}
	for _, t := range turns {
		switch t.Role {
		case domain.RoleAssistant:
			m := openAIMessage{Role: "assistant"}
			if text := t.Text(); text != "" {
				m.Content = &text
			}
			for _, b := range t.Blocks {
				if tu, ok := b.(domain.ToolUseBlock); ok {
					var call openAIToolCall
					call.ID = tu.ToolUseID
					call.Type = "function"
					call.Function.Name = tu.Name
					call.Function.Arguments = string(tu.Input)
					m.ToolCalls = append(m.ToolCalls, call)
				}
			}
			msgs = append(msgs, m)
		default:
			if text := t.Text(); text != "" {
				msgs = append(msgs, openAIMessage{Role: "user", Content: &text})
			}
			for _, b := range t.Blocks {
				if tr, ok := b.(domain.ToolResultBlock); ok {
					content := tr.Content
					msgs = append(msgs, openAIMessage{Role: "tool", Content: &content, ToolCallID: tr.ToolUseID})
				}
			}
		}
	}
	return msgs
}

var _ domain.ReasoningClient = (*OpenAIClient)(nil)
