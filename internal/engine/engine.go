// Package engine runs the bounded tool-calling conversation that turns listing
// text into a structured analysis.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"boliganalyse/internal/domain"
)

const (
	DefaultMaxTurns    = 10
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.5
	DefaultParallelism = 2
)

// Dispatcher enumerates and invokes tools. tooling.Registry implements it.
type Dispatcher interface {
	List() []domain.ToolDescriptor
	Invoke(ctx context.Context, req domain.ToolCallRequest) domain.ToolCallResult
}

// state is a position in the conversation loop.
type state int

const (
	stateAwaitingModel state = iota
	stateDispatchingTools
	stateDone
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateAwaitingModel:
		return "awaiting_model"
	case stateDispatchingTools:
		return "dispatching_tools"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMaxTurns bounds the number of model requests per analysis. Values below
// 1 are ignored.
func WithMaxTurns(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTurns = n
		}
	}
}

// WithSystemPrompt replaces DefaultSystemPrompt. An empty prompt is ignored.
func WithSystemPrompt(p string) Option {
	return func(e *Engine) {
		if p != "" {
			e.system = p
		}
	}
}

// WithSampling sets max output tokens and temperature for every request.
// Non-positive maxTokens and negative temperature keep the defaults.
func WithSampling(maxTokens int, temperature float64) Option {
	return func(e *Engine) {
		if maxTokens > 0 {
			e.maxTokens = maxTokens
		}
		if temperature >= 0 {
			e.temperature = temperature
		}
	}
}

// WithParallelism bounds concurrent runs in AnalyzeMultipleTexts.
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// Engine drives the conversation between a reasoning client and the tools.
// It holds no per-run state and is safe for concurrent use.
type Engine struct {
	client      domain.ReasoningClient
	tools       Dispatcher
	system      string
	maxTurns    int
	maxTokens   int
	temperature float64
	parallelism int
	logger      *slog.Logger
}

// New returns an Engine. client and tools must not be nil.
func New(client domain.ReasoningClient, tools Dispatcher, opts ...Option) *Engine {
	if client == nil {
		panic("engine: reasoning client must not be nil")
	}
	if tools == nil {
		panic("engine: tool dispatcher must not be nil")
	}
	e := &Engine{
		client:      client,
		tools:       tools,
		system:      DefaultSystemPrompt,
		maxTurns:    DefaultMaxTurns,
		maxTokens:   DefaultMaxTokens,
		temperature: DefaultTemperature,
		parallelism: DefaultParallelism,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.Default()
}

// MaxTurns returns the configured turn bound.
func (e *Engine) MaxTurns() int { return e.maxTurns }

// run is the mutable state of one analysis.
type run struct {
	state   state
	turn    int
	turns   []domain.Turn
	pending []domain.ToolCallRequest
	final   string
	err     *Error
}

func (r *run) fail(err *Error) {
	r.state = stateFailed
	r.err = err
}

// Analyze runs the conversation for one listing text and decodes the final
// answer.
func (e *Engine) Analyze(ctx context.Context, text string) (*domain.AnalysisResult, error) {
	raw, err := e.AnalyzeRaw(ctx, text)
	if err != nil {
		return nil, err
	}
	var res domain.AnalysisResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &Error{Kind: KindMalformedOutput, Err: fmt.Errorf("decode analysis: %w", err)}
	}
	return &res, nil
}

// AnalyzeRaw runs the conversation and returns the JSON object embedded in the
// final answer, byte for byte.
func (e *Engine) AnalyzeRaw(ctx context.Context, text string) (json.RawMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	tools := e.tools.List()
	r := &run{
		state: stateAwaitingModel,
		turns: []domain.Turn{{
			Role:   domain.RoleUser,
			Blocks: []domain.ContentBlock{domain.TextBlock{Text: listingPrompt(text)}},
		}},
	}

	for {
		switch r.state {
		case stateAwaitingModel:
			e.awaitModel(ctx, r, tools)
		case stateDispatchingTools:
			e.dispatchTools(ctx, r)
		case stateDone:
			payload, err := ExtractPayload(r.final)
			if err != nil {
				e.log().Warn("final answer rejected", "turns", r.turn, "error", err)
				return nil, err
			}
			e.log().Info("analysis finished", "turns", r.turn, "payload_bytes", len(payload))
			return payload, nil
		case stateFailed:
			e.log().Warn("analysis failed", "turns", r.turn, "kind", r.err.Kind, "error", r.err.Err)
			return nil, r.err
		}
	}
}

// awaitModel sends the conversation and moves to dispatching_tools, done or
// failed.
func (e *Engine) awaitModel(ctx context.Context, r *run, tools []domain.ToolDescriptor) {
	if r.turn >= e.maxTurns {
		r.fail(&Error{Kind: KindToolLoopExhausted, Err: fmt.Errorf("model still requested tools after %d turns", r.turn)})
		return
	}
	if ctx.Err() != nil {
		r.fail(&Error{Kind: contextKind(ctx), Err: ctx.Err()})
		return
	}
	r.turn++
	out, err := e.client.Complete(ctx, domain.ReasoningRequest{
		System:      e.system,
		Turns:       r.turns,
		Tools:       tools,
		MaxTokens:   e.maxTokens,
		Temperature: e.temperature,
	})
	if err != nil {
		r.fail(upstreamError(ctx, err))
		return
	}
	r.turns = append(r.turns, out.AssistantTurn())
	e.log().Debug("model turn", "turn", r.turn, "tool_calls", len(out.ToolCalls), "stop_reason", out.StopReason)

	if len(out.ToolCalls) == 0 {
		r.final = out.Text
		r.state = stateDone
		return
	}
	r.pending = out.ToolCalls
	r.state = stateDispatchingTools
}

// dispatchTools invokes every pending call and appends one tool-result turn.
// Tool failures are fed back, never raised.
func (e *Engine) dispatchTools(ctx context.Context, r *run) {
	blocks := make([]domain.ContentBlock, 0, len(r.pending))
	for _, call := range r.pending {
		if ctx.Err() != nil {
			r.fail(&Error{Kind: contextKind(ctx), Err: ctx.Err()})
			return
		}
		res := e.tools.Invoke(ctx, call)
		if !res.OK() {
			e.log().Info("tool call failed, feeding back", "tool", call.Name, "kind", res.Failure.Kind)
		}
		blocks = append(blocks, res.Block())
	}
	r.pending = nil
	r.turns = append(r.turns, domain.Turn{Role: domain.RoleUser, Blocks: blocks})
	r.state = stateAwaitingModel
}

// AnalyzeMultipleTexts analyzes each non-empty text separately and merges the
// results in input order: the first non-empty field wins. Any failed run
// fails the call.
//
// The listing pipeline combines its texts before a single Analyze call; this
// is the entry point for library callers that want one conversation per text.
func (e *Engine) AnalyzeMultipleTexts(ctx context.Context, texts []string) (*domain.AnalysisResult, error) {
	var inputs []string
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			inputs = append(inputs, t)
		}
	}
	if len(inputs) == 0 {
		return nil, ErrEmptyInput
	}

	results := make([]*domain.AnalysisResult, len(inputs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, text := range inputs {
		g.Go(func() error {
			res, err := e.Analyze(gCtx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i+1, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return domain.MergeResults(results...), nil
}
