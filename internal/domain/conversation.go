package domain

import "encoding/json"

// =============================================================================
// Conversation turns
// =============================================================================

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

type ContentBlock interface {
	Type() BlockType
}

type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) Type() BlockType { return BlockText }

type ToolUseBlock struct {
	ToolUseID string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

func (ToolUseBlock) Type() BlockType { return BlockToolUse }

type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

func (ToolResultBlock) Type() BlockType { return BlockToolResult }

// Turn is one entry of an analysis conversation. Assistant turns carry text and
// tool-use blocks; user turns carry the prompt or tool results.
type Turn struct {
	Role   Role
	Blocks []ContentBlock
}

// Text concatenates the text blocks of the turn.
func (t Turn) Text() string {
	var s string
	for _, b := range t.Blocks {
		if tb, ok := b.(TextBlock); ok {
			s += tb.Text
		}
	}
	return s
}

// ReasoningRequest is everything a reasoning client needs for one model turn.
type ReasoningRequest struct {
	System      string
	Turns       []Turn
	Tools       []ToolDescriptor
	MaxTokens   int
	Temperature float64
}

// ModelOutput is the parsed response of one model turn.
type ModelOutput struct {
	Text       string
	ToolCalls  []ToolCallRequest
	StopReason string
}

// AssistantTurn converts the output back into a conversation turn.
func (o *ModelOutput) AssistantTurn() Turn {
	t := Turn{Role: RoleAssistant}
	if o.Text != "" {
		t.Blocks = append(t.Blocks, TextBlock{Text: o.Text})
	}
	for _, c := range o.ToolCalls {
		t.Blocks = append(t.Blocks, ToolUseBlock{ToolUseID: c.ID, Name: c.Name, Input: c.Arguments})
	}
	return t
}

// =============================================================================
// Tools
// =============================================================================

// ToolDescriptor is the model-facing description of a tool.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ToolFailureKind string

const (
	ToolInvalidArguments ToolFailureKind = "invalid_arguments"
	ToolExecutionFailed  ToolFailureKind = "tool_execution_failed"
	ToolUnknown          ToolFailureKind = "unknown_tool"
)

// ToolFailure is a typed failure that is fed back to the model.
type ToolFailure struct {
	Kind       ToolFailureKind `json:"error"`
	Message    string          `json:"message"`
	StatusCode int             `json:"status_code,omitempty"`
	Details    string          `json:"details,omitempty"`
	Retryable  bool            `json:"retryable"`
}

// ToolCallResult is either a payload or a failure, never both.
type ToolCallResult struct {
	CallID  string
	Name    string
	Payload json.RawMessage
	Failure *ToolFailure
}

// OK reports whether the call produced a payload.
func (r ToolCallResult) OK() bool { return r.Failure == nil }

// Block renders the result as a tool_result content block.
func (r ToolCallResult) Block() ToolResultBlock {
	if r.Failure != nil {
		b, _ := json.Marshal(r.Failure)
		return ToolResultBlock{ToolUseID: r.CallID, Content: string(b), IsError: true}
	}
	return ToolResultBlock{ToolUseID: r.CallID, Content: string(r.Payload)}
}
