package tooling

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is a model-callable function whose input is described by a JSON Schema
// generated from a Go struct. The registry validates arguments against
// Definition() before Call runs.
type Tool interface {
	// Name is the unique function-calling name (e.g. "get_table_info").
	Name() string
	// Description is shown to the model.
	Description() string
	// Definition returns the JSON Schema of the tool's input.
	Definition() string
	// Call executes the tool and returns a JSON payload.
	Call(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// ExecutionError is returned by tools whose upstream call failed. The registry
// copies its fields into the tool_execution_failed result seen by the model.
type ExecutionError struct {
	Message    string
	StatusCode int
	Details    string
	Retryable  bool
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Err }
