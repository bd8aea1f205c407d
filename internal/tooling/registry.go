package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"boliganalyse/internal/domain"
)

const maxFailureDetails = 500

var (
	ErrNilTool       = errors.New("tooling: tool must not be nil")
	ErrDuplicateTool = errors.New("tooling: tool already registered")
)

type registeredTool struct {
	tool       Tool
	schema     *jsonschema.Schema
	descriptor domain.ToolDescriptor
}

// Registry holds tools keyed by name. The engine uses it to enumerate tool
// descriptors for the model and to dispatch calls. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]registeredTool
	logger *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry returns an empty, ready-to-use registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{tools: make(map[string]registeredTool)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

// Register adds a tool after compiling its input schema.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return ErrNilTool
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tooling: tool name must not be empty")
	}
	def := tool.Definition()
	schema, err := CompileSchema(def)
	if err != nil {
		return fmt.Errorf("tooling: register %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, name)
	}
	r.tools[name] = registeredTool{
		tool:   tool,
		schema: schema,
		descriptor: domain.ToolDescriptor{
			Name:        name,
			Description: tool.Description(),
			InputSchema: json.RawMessage(def),
		},
	}
	return nil
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	return rt.tool, ok
}

// List returns the descriptors of all registered tools sorted by name.
func (r *Registry) List() []domain.ToolDescriptor {
	r.mu.RLock()
	out := make([]domain.ToolDescriptor, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.descriptor)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates and executes one tool call. It never returns a Go error:
// every failure becomes a typed ToolFailure the model can react to.
func (r *Registry) Invoke(ctx context.Context, req domain.ToolCallRequest) domain.ToolCallResult {
	result := domain.ToolCallResult{CallID: req.ID, Name: req.Name}

	r.mu.RLock()
	rt, ok := r.tools[req.Name]
	r.mu.RUnlock()
	if !ok {
		result.Failure = &domain.ToolFailure{
			Kind:    domain.ToolUnknown,
			Message: fmt.Sprintf("unknown tool %q", req.Name),
		}
		return result
	}

	args := req.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	if err := validate(rt.schema, args); err != nil {
		result.Failure = &domain.ToolFailure{
			Kind:    domain.ToolInvalidArguments,
			Message: bound(err.Error()),
		}
		return result
	}

	start := time.Now()
	payload, err := r.call(ctx, rt.tool, args)
	if err != nil {
		r.log().Warn("tool call failed", "tool", req.Name, "call_id", req.ID, "elapsed", time.Since(start), "error", err)
		result.Failure = executionFailure(err)
		return result
	}
	if !json.Valid(payload) {
		result.Failure = &domain.ToolFailure{
			Kind:    domain.ToolExecutionFailed,
			Message: "tool returned a non-JSON payload",
		}
		return result
	}
	r.log().Debug("tool call", "tool", req.Name, "call_id", req.ID, "bytes", len(payload), "elapsed", time.Since(start))
	result.Payload = payload
	return result
}

// call runs the tool, converting a panic into an error.
func (r *Registry) call(ctx context.Context, tool Tool, args json.RawMessage) (payload json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log().Error("tool panicked", "tool", tool.Name(), "panic", rec)
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return tool.Call(ctx, args)
}

func executionFailure(err error) *domain.ToolFailure {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return &domain.ToolFailure{
			Kind:       domain.ToolExecutionFailed,
			Message:    execErr.Message,
			StatusCode: execErr.StatusCode,
			Details:    bound(execErr.Details),
			Retryable:  execErr.Retryable,
		}
	}
	return &domain.ToolFailure{
		Kind:    domain.ToolExecutionFailed,
		Message: bound(err.Error()),
	}
}

func bound(s string) string {
	if len(s) <= maxFailureDetails {
		return s
	}
	return s[:maxFailureDetails] + "…"
}
