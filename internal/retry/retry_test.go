package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"boliganalyse/internal/domain"
)

// =============================================================================
// Helpers
// =============================================================================

type statusErr struct {
	code int
}

func (e *statusErr) Error() string   { return fmt.Sprintf("upstream status %d", e.code) }
func (e *statusErr) Transient() bool { return e.code == 429 || e.code >= 500 }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

// recordSleeps replaces sleepFunc for the duration of the test.
func recordSleeps(t *testing.T) *[]time.Duration {
	t.Helper()
	var slept []time.Duration
	orig := sleepFunc
	sleepFunc = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	t.Cleanup(func() { sleepFunc = orig })
	return &slept
}

// scriptedClient fails with errs in order, then succeeds.
type scriptedClient struct {
	errs  []error
	calls int
}

func (c *scriptedClient) Complete(ctx context.Context, req domain.ReasoningRequest) (*domain.ModelOutput, error) {
	c.calls++
	if c.calls <= len(c.errs) {
		return nil, c.errs[c.calls-1]
	}
	return &domain.ModelOutput{Text: "ok"}, nil
}

func fastConfig(maxRetries int) Config {
	return Config{MaxRetries: maxRetries, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, Multiplier: 2}
}

// =============================================================================
// Config
// =============================================================================

func TestDefaultConfig_ShouldHaveReasonableDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxRetries != 3 || cfg.InitialBackoff != 500*time.Millisecond ||
		cfg.MaxBackoff != 30*time.Second || cfg.Multiplier != 2.0 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestConfig_Validate_WhenFieldsOutOfRange_ShouldReturnError(t *testing.T) {
	mutations := map[string]func(*Config){
		"negative retries": func(c *Config) { c.MaxRetries = -1 },
		"zero initial":     func(c *Config) { c.InitialBackoff = 0 },
		"zero max":         func(c *Config) { c.MaxBackoff = 0 },
		"low multiplier":   func(c *Config) { c.Multiplier = 0.5 },
	}
	for name, mutate := range mutations {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestFromDomain_ShouldKeepDefaultsForZeroFields(t *testing.T) {
	cfg := FromDomain(domain.RetryConfig{MaxRetries: 5, MaxBackoff: time.Second})
	if cfg.MaxRetries != 5 || cfg.MaxBackoff != time.Second {
		t.Errorf("explicit fields lost: %+v", cfg)
	}
	if cfg.InitialBackoff != 500*time.Millisecond || cfg.Multiplier != 2.0 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestConfig_Backoff_ShouldGrowAndCap(t *testing.T) {
	cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 500 * time.Millisecond, Multiplier: 2}
	want := []time.Duration{100, 200, 400, 500, 500}
	for i, w := range want {
		if got := cfg.Backoff(i); got != w*time.Millisecond {
			t.Errorf("Backoff(%d) = %v, want %v", i, got, w*time.Millisecond)
		}
	}
}

// =============================================================================
// IsRetryable
// =============================================================================

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("wrap: %w", context.DeadlineExceeded), false},
		{"rate limited", &statusErr{429}, true},
		{"server error", fmt.Errorf("call: %w", &statusErr{503}), true},
		{"bad request", &statusErr{400}, false},
		{"unauthorized", &statusErr{401}, false},
		{"net timeout", timeoutErr{}, true},
		{"refused", syscall.ECONNREFUSED, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"plain", errors.New("boom"), false},
	}
	for _, c := range cases {
		if got := IsRetryable(c.err); got != c.want {
			t.Errorf("%s: IsRetryable = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestAnyError_ShouldRetryAllButContextErrors(t *testing.T) {
	if !AnyError(errors.New("disk full")) {
		t.Error("expected plain error to be retried")
	}
	if AnyError(context.Canceled) || AnyError(nil) {
		t.Error("context errors and nil must not be retried")
	}
}

// =============================================================================
// Do
// =============================================================================

func TestDo_WhenTransientThenSuccess_ShouldReturnNil(t *testing.T) {
	slept := recordSleeps(t)
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &statusErr{502}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 || len(*slept) != 2 {
		t.Errorf("calls=%d sleeps=%d, want 3 and 2", calls, len(*slept))
	}
}

func TestDo_WhenNonRetryable_ShouldReturnImmediately(t *testing.T) {
	recordSleeps(t)
	calls := 0
	want := &statusErr{401}
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) || calls != 1 {
		t.Errorf("err=%v calls=%d, want the auth error after one call", err, calls)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Error("non-retryable error must not be reported as exhaustion")
	}
}

func TestDo_WhenAlwaysTransient_ShouldReturnErrRetriesExhausted(t *testing.T) {
	slept := recordSleeps(t)
	calls := 0
	err := Do(context.Background(), fastConfig(2), func(ctx context.Context) error {
		calls++
		return &statusErr{500}
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	var se *statusErr
	if !errors.As(err, &se) {
		t.Error("last error should remain reachable")
	}
	if calls != 3 || len(*slept) != 2 {
		t.Errorf("calls=%d sleeps=%d, want 3 and 2", calls, len(*slept))
	}
}

func TestDo_WhenContextCancelledDuringBackoff_ShouldReturnContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	orig := sleepFunc
	sleepFunc = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	t.Cleanup(func() { sleepFunc = orig })

	err := Do(ctx, fastConfig(5), func(ctx context.Context) error { return &statusErr{503} })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDoIf_WithAnyError_ShouldRetryPlainErrors(t *testing.T) {
	recordSleeps(t)
	calls := 0
	err := DoIf(context.Background(), fastConfig(1), AnyError, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("err=%v calls=%d, want success on second call", err, calls)
	}
}

// =============================================================================
// Client
// =============================================================================

func TestClient_WhenThreeRateLimitsThenSuccess_WithFourRetries_ShouldSucceed(t *testing.T) {
	recordSleeps(t)
	inner := &scriptedClient{errs: []error{&statusErr{429}, &statusErr{429}, &statusErr{429}}}
	c := NewClient(inner, fastConfig(4))
	out, err := c.Complete(context.Background(), domain.ReasoningRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "ok" || inner.calls != 4 {
		t.Errorf("out=%+v calls=%d", out, inner.calls)
	}
}

func TestClient_WhenThreeRateLimits_WithTwoRetries_ShouldExhaust(t *testing.T) {
	recordSleeps(t)
	inner := &scriptedClient{errs: []error{&statusErr{429}, &statusErr{429}, &statusErr{429}}}
	c := NewClient(inner, fastConfig(2))
	_, err := c.Complete(context.Background(), domain.ReasoningRequest{})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 calls, got %d", inner.calls)
	}
}

func TestNewClient_WhenInnerNil_ShouldPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewClient(nil, DefaultConfig())
}
