package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"boliganalyse/internal/domain"
	"boliganalyse/internal/llm"
	"boliganalyse/internal/retry"
	"boliganalyse/internal/tooling"
)

const finalAnswer = `Her er min analyse:
{"summary": "Solid villa", "property": {"address": "Solsikkevej 12", "price": 3495000}, "risks": [{"category": "Tilstand", "title": "Gammelt tag", "details": "Taget er fra 1978."}], "highlights": [{"icon": "home", "title": "Stor have", "details": "900 m² grund."}]}
Held og lykke med købet.`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Fakes
// =============================================================================

// scriptedClient returns outputs (or errors) in order and records every request.
type scriptedClient struct {
	mu       sync.Mutex
	steps    []step
	requests []domain.ReasoningRequest
}

type step struct {
	out *domain.ModelOutput
	err error
}

func (c *scriptedClient) Complete(ctx context.Context, req domain.ReasoningRequest) (*domain.ModelOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req.Turns = append([]domain.Turn(nil), req.Turns...)
	c.requests = append(c.requests, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	s := c.steps[0]
	c.steps = c.steps[1:]
	return s.out, s.err
}

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func toolCall(id, name, args string) *domain.ModelOutput {
	return &domain.ModelOutput{
		ToolCalls:  []domain.ToolCallRequest{{ID: id, Name: name, Arguments: json.RawMessage(args)}},
		StopReason: "tool_use",
	}
}

func answer(text string) *domain.ModelOutput {
	return &domain.ModelOutput{Text: text, StopReason: "end_turn"}
}

// tableTool rejects every table except BOL101, the way the statistics API does.
type tableTool struct {
	mu    sync.Mutex
	calls int
}

type tableInput struct {
	TableID string `json:"tableId" jsonschema:"minLength=1"`
}

func (t *tableTool) Name() string        { return "get_table_data" }
func (t *tableTool) Description() string { return "Fetch table data" }
func (t *tableTool) Definition() string  { return tooling.GenerateSchema(tableInput{}) }

func (t *tableTool) Call(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	var in tableInput
	_ = json.Unmarshal(args, &in)
	if in.TableID != "BOL101" {
		return nil, &tooling.ExecutionError{Message: "statbank data request rejected", StatusCode: 400, Details: "Table not found"}
	}
	return json.RawMessage(`{"value":[42]}`), nil
}

func newRegistry(t *testing.T) (*tooling.Registry, *tableTool) {
	t.Helper()
	reg := tooling.NewRegistry(tooling.WithLogger(discardLogger()))
	tool := &tableTool{}
	if err := reg.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg, tool
}

func newEngine(t *testing.T, client domain.ReasoningClient, opts ...Option) (*Engine, *tableTool) {
	t.Helper()
	reg, tool := newRegistry(t)
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	return New(client, reg, opts...), tool
}

// =============================================================================
// New
// =============================================================================

func TestNew_WhenCollaboratorNil_ShouldPanic(t *testing.T) {
	reg, _ := newRegistry(t)
	for name, fn := range map[string]func(){
		"client": func() { New(nil, reg) },
		"tools":  func() { New(&scriptedClient{}, nil) },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			fn()
		})
	}
}

func TestNew_ShouldApplyDefaultsAndIgnoreInvalidOptions(t *testing.T) {
	e, _ := newEngine(t, &scriptedClient{}, WithMaxTurns(0), WithSystemPrompt(""), WithSampling(0, -1))
	if e.MaxTurns() != DefaultMaxTurns || e.system != DefaultSystemPrompt {
		t.Errorf("expected defaults, got turns=%d", e.MaxTurns())
	}
	if e.maxTokens != DefaultMaxTokens || e.temperature != DefaultTemperature {
		t.Errorf("expected default sampling, got %d/%v", e.maxTokens, e.temperature)
	}
}

// =============================================================================
// Analyze
// =============================================================================

func TestAnalyze_WhenModelAnswersDirectly_ShouldDecodeResult(t *testing.T) {
	client := &scriptedClient{steps: []step{{out: answer(finalAnswer)}}}
	e, _ := newEngine(t, client)

	res, err := e.Analyze(context.Background(), "Villa på Solsikkevej 12")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Summary != "Solid villa" || res.Property.Price != "3495000" {
		t.Errorf("unexpected result: %+v / %+v", res, res.Property)
	}
	if len(res.Risks) != 1 || len(res.Highlights) != 1 {
		t.Errorf("expected 1 risk and 1 highlight, got %d/%d", len(res.Risks), len(res.Highlights))
	}

	req := client.requests[0]
	if req.System != DefaultSystemPrompt || req.MaxTokens != 4096 || req.Temperature != 0.5 {
		t.Errorf("unexpected request settings: %d/%v", req.MaxTokens, req.Temperature)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "get_table_data" {
		t.Errorf("expected tool catalog in request, got %+v", req.Tools)
	}
	if !strings.Contains(req.Turns[0].Text(), "Solsikkevej 12") {
		t.Error("expected listing text in the first user turn")
	}
}

func TestAnalyze_WhenEmptyText_ShouldNotCallModel(t *testing.T) {
	client := &scriptedClient{}
	e, _ := newEngine(t, client)
	if _, err := e.Analyze(context.Background(), "  \n"); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
	if client.calls() != 0 {
		t.Error("model must not be called")
	}
}

func TestAnalyze_WhenToolRequested_ShouldFeedResultBack(t *testing.T) {
	client := &scriptedClient{steps: []step{
		{out: toolCall("call_1", "get_table_data", `{"tableId":"BOL101"}`)},
		{out: answer(finalAnswer)},
	}}
	e, tool := newEngine(t, client)

	if _, err := e.Analyze(context.Background(), "tekst"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if tool.calls != 1 {
		t.Errorf("expected 1 tool call, got %d", tool.calls)
	}
	second := client.requests[1].Turns
	if len(second) != 3 {
		t.Fatalf("expected prompt, assistant and tool-result turns, got %d", len(second))
	}
	if second[1].Role != domain.RoleAssistant {
		t.Errorf("expected assistant turn, got %s", second[1].Role)
	}
	result, ok := second[2].Blocks[0].(domain.ToolResultBlock)
	if !ok || result.ToolUseID != "call_1" || result.IsError || result.Content != `{"value":[42]}` {
		t.Errorf("unexpected tool result block: %+v", second[2].Blocks[0])
	}
}

func TestAnalyze_WhenToolRejectsTable_ShouldContinueConversation(t *testing.T) {
	client := &scriptedClient{steps: []step{
		{out: toolCall("call_1", "get_table_data", `{"tableId":"NOPE"}`)},
		{out: toolCall("call_2", "get_table_data", `{"tableId":"BOL101"}`)},
		{out: answer(finalAnswer)},
	}}
	e, _ := newEngine(t, client)

	if _, err := e.Analyze(context.Background(), "tekst"); err != nil {
		t.Fatalf("a failed tool call must not abort the analysis: %v", err)
	}
	block := client.requests[1].Turns[2].Blocks[0].(domain.ToolResultBlock)
	if !block.IsError {
		t.Fatal("expected the rejected call to be marked as an error")
	}
	var failure domain.ToolFailure
	if err := json.Unmarshal([]byte(block.Content), &failure); err != nil {
		t.Fatalf("failure content: %v", err)
	}
	if failure.Kind != domain.ToolExecutionFailed || failure.StatusCode != 400 || failure.Retryable {
		t.Errorf("unexpected failure fed back: %+v", failure)
	}
}

func TestAnalyze_WhenSeveralToolCalls_ShouldAnswerAllInOneTurn(t *testing.T) {
	out := &domain.ModelOutput{ToolCalls: []domain.ToolCallRequest{
		{ID: "a", Name: "get_table_data", Arguments: json.RawMessage(`{"tableId":"BOL101"}`)},
		{ID: "b", Name: "no_such_tool", Arguments: json.RawMessage(`{}`)},
		{ID: "c", Name: "get_table_data", Arguments: json.RawMessage(`{"tableId":""}`)},
	}}
	client := &scriptedClient{steps: []step{{out: out}, {out: answer(finalAnswer)}}}
	e, _ := newEngine(t, client)

	if _, err := e.Analyze(context.Background(), "tekst"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	blocks := client.requests[1].Turns[2].Blocks
	if len(blocks) != 3 {
		t.Fatalf("expected 3 results in one turn, got %d", len(blocks))
	}
	wantKinds := []string{"", string(domain.ToolUnknown), string(domain.ToolInvalidArguments)}
	for i, b := range blocks {
		rb := b.(domain.ToolResultBlock)
		if wantKinds[i] == "" {
			if rb.IsError {
				t.Errorf("block %d: unexpected error %s", i, rb.Content)
			}
			continue
		}
		if !rb.IsError || !strings.Contains(rb.Content, wantKinds[i]) {
			t.Errorf("block %d: expected %s, got %s", i, wantKinds[i], rb.Content)
		}
	}
}

func TestAnalyze_WhenModelNeverStops_ShouldNotExceedMaxTurns(t *testing.T) {
	for _, maxTurns := range []int{1, 3, 5} {
		steps := make([]step, 10)
		for i := range steps {
			steps[i] = step{out: toolCall("c", "get_table_data", `{"tableId":"BOL101"}`)}
		}
		client := &scriptedClient{steps: steps}
		e, _ := newEngine(t, client, WithMaxTurns(maxTurns))

		_, err := e.Analyze(context.Background(), "tekst")
		if KindOf(err) != KindToolLoopExhausted {
			t.Errorf("maxTurns=%d: expected tool_loop_exhausted, got %v", maxTurns, err)
		}
		if client.calls() != maxTurns {
			t.Errorf("maxTurns=%d: expected exactly %d model requests, got %d", maxTurns, maxTurns, client.calls())
		}
	}
}

func TestAnalyze_WhenFinalAnswerHasNoJSON_ShouldReturnMalformed(t *testing.T) {
	client := &scriptedClient{steps: []step{{out: answer("Jeg kan desværre ikke analysere denne bolig.")}}}
	e, _ := newEngine(t, client)
	if _, err := e.Analyze(context.Background(), "tekst"); KindOf(err) != KindMalformedOutput {
		t.Errorf("expected malformed_analysis_output, got %v", err)
	}
}

func TestAnalyze_WhenPayloadHasWrongShape_ShouldReturnMalformed(t *testing.T) {
	client := &scriptedClient{steps: []step{{out: answer(`{"risks": "mange"}`)}}}
	e, _ := newEngine(t, client)
	if _, err := e.Analyze(context.Background(), "tekst"); KindOf(err) != KindMalformedOutput {
		t.Errorf("expected malformed_analysis_output, got %v", err)
	}
}

func TestAnalyzeRaw_ShouldReturnEmbeddedPayloadByteForByte(t *testing.T) {
	payload := `{ "summary" : "Pæn {lejlighed}",  "property": {"price": "2.195.000 kr."} }`
	client := &scriptedClient{steps: []step{{out: answer("```json\n" + payload + "\n```")}}}
	e, _ := newEngine(t, client)

	raw, err := e.AnalyzeRaw(context.Background(), "tekst")
	if err != nil {
		t.Fatalf("AnalyzeRaw: %v", err)
	}
	if string(raw) != payload {
		t.Errorf("payload changed:\n got %s\nwant %s", raw, payload)
	}
}

// =============================================================================
// Upstream failures
// =============================================================================

func rateLimited() error {
	return &llm.APIError{Provider: "anthropic", StatusCode: 429, Message: "rate limited"}
}

func retryingClient(inner domain.ReasoningClient, maxRetries int) domain.ReasoningClient {
	return retry.NewClient(inner, retry.Config{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	})
}

func TestAnalyze_WhenRateLimitedThreeTimes_ShouldDependOnRetryCap(t *testing.T) {
	script := func() *scriptedClient {
		return &scriptedClient{steps: []step{
			{err: rateLimited()}, {err: rateLimited()}, {err: rateLimited()},
			{out: answer(finalAnswer)},
		}}
	}

	t.Run("four attempts succeed", func(t *testing.T) {
		inner := script()
		e, _ := newEngine(t, retryingClient(inner, 3))
		if _, err := e.Analyze(context.Background(), "tekst"); err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if inner.calls() != 4 {
			t.Errorf("expected 4 attempts, got %d", inner.calls())
		}
	})

	t.Run("two attempts exhaust", func(t *testing.T) {
		inner := script()
		e, _ := newEngine(t, retryingClient(inner, 1))
		_, err := e.Analyze(context.Background(), "tekst")
		if KindOf(err) != KindUpstream {
			t.Fatalf("expected upstream_unavailable, got %v", err)
		}
		if !errors.Is(err, retry.ErrRetriesExhausted) {
			t.Errorf("expected wrapped ErrRetriesExhausted, got %v", err)
		}
		if inner.calls() != 2 {
			t.Errorf("expected 2 attempts, got %d", inner.calls())
		}
	})
}

func TestAnalyze_WhenAuthFails_ShouldNotRetry(t *testing.T) {
	inner := &scriptedClient{steps: []step{{err: &llm.APIError{Provider: "anthropic", StatusCode: 401}}}}
	e, _ := newEngine(t, retryingClient(inner, 3))
	if _, err := e.Analyze(context.Background(), "tekst"); KindOf(err) != KindUpstream {
		t.Errorf("expected upstream_unavailable, got %v", err)
	}
	if inner.calls() != 1 {
		t.Errorf("expected a single attempt, got %d", inner.calls())
	}
}

func TestAnalyze_WhenContextCancelled_ShouldReturnCancelled(t *testing.T) {
	client := &scriptedClient{steps: []step{{out: answer(finalAnswer)}}}
	e, _ := newEngine(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Analyze(ctx, "tekst"); KindOf(err) != KindCancelled {
		t.Errorf("expected cancelled, got %v", err)
	}
	if client.calls() != 0 {
		t.Error("model must not be called after cancellation")
	}
}

func TestAnalyze_WhenDeadlinePassesDuringModelCall_ShouldReturnTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	slow := clientFunc(func(ctx context.Context, _ domain.ReasoningRequest) (*domain.ModelOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e, _ := newEngine(t, slow)
	if _, err := e.Analyze(ctx, "tekst"); KindOf(err) != KindTimeout {
		t.Errorf("expected timeout, got %v", err)
	}
}

type clientFunc func(ctx context.Context, req domain.ReasoningRequest) (*domain.ModelOutput, error)

func (f clientFunc) Complete(ctx context.Context, req domain.ReasoningRequest) (*domain.ModelOutput, error) {
	return f(ctx, req)
}

// =============================================================================
// AnalyzeMultipleTexts
// =============================================================================

// textClient answers based on which listing text it was given.
func textClient(answers map[string]string) clientFunc {
	return func(_ context.Context, req domain.ReasoningRequest) (*domain.ModelOutput, error) {
		prompt := req.Turns[0].Text()
		for key, a := range answers {
			if strings.Contains(prompt, key) {
				return answer(a), nil
			}
		}
		return nil, &llm.APIError{Provider: "test", StatusCode: 400}
	}
}

func TestAnalyzeMultipleTexts_ShouldMergeInInputOrder(t *testing.T) {
	client := textClient(map[string]string{
		"første": `{"summary": "Fra første", "property": {"address": "Vej 1"}}`,
		"anden":  `{"summary": "Fra anden", "property": {"address": "Vej 2", "price": "1 kr."}, "risks": [{"title": "Radon"}]}`,
	})
	e, _ := newEngine(t, client, WithParallelism(2))

	res, err := e.AnalyzeMultipleTexts(context.Background(), []string{"første tekst", "", "anden tekst"})
	if err != nil {
		t.Fatalf("AnalyzeMultipleTexts: %v", err)
	}
	if res.Summary != "Fra første" || res.Property.Address != "Vej 1" {
		t.Errorf("expected first text to win, got %+v", res)
	}
	if res.Property.Price != "1 kr." || len(res.Risks) != 1 {
		t.Errorf("expected later text to fill gaps, got %+v", res)
	}
}

func TestAnalyzeMultipleTexts_WhenOneFails_ShouldFail(t *testing.T) {
	client := textClient(map[string]string{"god": finalAnswer})
	e, _ := newEngine(t, client)
	_, err := e.AnalyzeMultipleTexts(context.Background(), []string{"god tekst", "ukendt tekst"})
	if KindOf(err) != KindUpstream {
		t.Errorf("expected upstream_unavailable, got %v", err)
	}
}

func TestAnalyzeMultipleTexts_WhenAllEmpty_ShouldReturnErrEmptyInput(t *testing.T) {
	e, _ := newEngine(t, &scriptedClient{})
	if _, err := e.AnalyzeMultipleTexts(context.Background(), []string{"", " "}); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
}

// =============================================================================
// State names
// =============================================================================

func TestState_String(t *testing.T) {
	want := map[state]string{
		stateAwaitingModel:    "awaiting_model",
		stateDispatchingTools: "dispatching_tools",
		stateDone:             "done",
		stateFailed:           "failed",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("%d: got %s, want %s", s, s.String(), name)
		}
	}
}
