package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"boliganalyse/internal/domain"
)

const anthropicAPIBase = "https://api.anthropic.com/v1/messages"

// AnthropicClient calls the Anthropic Messages API with tool use.
type AnthropicClient struct {
	apiKey      string
	model       string
	client      *http.Client
	version     string
	baseURL     string
	marshalFunc func(v interface{}) ([]byte, error) // for testing
}

// NewAnthropicClient returns an Anthropic-backed ReasoningClient.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		apiKey:      apiKey,
		model:       model,
		client:      &http.Client{},
		version:     "2023-06-01",
		baseURL:     anthropicAPIBase,
		marshalFunc: json.Marshal,
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

// anthropicContentBlock covers the text, tool_use and tool_result block shapes.
type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
}

// Complete implements domain.ReasoningClient.
func (p *AnthropicClient) Complete(ctx context.Context, in domain.ReasoningRequest) (*domain.ModelOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body := anthropicRequest{
		Model:     p.model,
		MaxTokens: in.MaxTokens,
		System:    in.System,
		Messages:  toAnthropicMessages(in.Turns),
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}
	if in.Temperature > 0 {
		t := in.Temperature
		body.Temperature = &t
	}
	for _, td := range in.Tools {
		body.Tools = append(body.Tools, anthropicTool{Name: td.Name, Description: td.Description, InputSchema: td.InputSchema})
	}

	raw, err := p.marshalFunc(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.version)
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError("anthropic", resp)
	}
	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("anthropic decode: %w", err)
	}

	result := &domain.ModelOutput{StopReason: out.StopReason}
	for _, c := range out.Content {
		switch c.Type {
		case "text":
			result.Text += c.Text
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, domain.ToolCallRequest{ID: c.ID, Name: c.Name, Arguments: c.Input})
		}
	}
	return result, nil
}

func toAnthropicMessages(turns []domain.Turn) []anthropicMessage {
	msgs := make([]anthropicMessage, 0, len(turns))
	for _, t := range turns {
		m := anthropicMessage{Role: string(t.Role)}
		for _, b := range t.Blocks {
			switch blk := b.(type) {
			case domain.TextBlock:
				if blk.Text != "" {
					m.Content = append(m.Content, anthropicContentBlock{Type: "text", Text: blk.Text})
				}
			case domain.ToolUseBlock:
				input := blk.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				m.Content = append(m.Content, anthropicContentBlock{Type: "tool_use", ID: blk.ToolUseID, Name: blk.Name, Input: input})
			case domain.ToolResultBlock:
				m.Content = append(m.Content, anthropicContentBlock{
					Type: "tool_result", ToolUseID: blk.ToolUseID, Content: blk.Content, IsError: blk.IsError,
				})
			}
		}
		msgs = append(msgs, m)
	}
	return msgs
}

var _ domain.ReasoningClient = (*AnthropicClient)(nil)
