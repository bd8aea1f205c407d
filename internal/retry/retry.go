package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"boliganalyse/internal/domain"
)

// ErrRetriesExhausted wraps the last error once every attempt has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// =============================================================================
// RetryConfig
// =============================================================================

// Config controls retry behaviour for external API calls.
type Config struct {
	MaxRetries     int           // Retries after the first attempt (0 = no retries)
	InitialBackoff time.Duration // Delay before first retry
	MaxBackoff     time.Duration // Upper bound on backoff duration
	Multiplier     float64       // Backoff multiplier (e.g. 2.0 for exponential)
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// FromDomain converts the file configuration, keeping defaults for zero fields.
func FromDomain(rc domain.RetryConfig) Config {
	c := DefaultConfig()
	c.MaxRetries = rc.MaxRetries
	if rc.InitialBackoff > 0 {
		c.InitialBackoff = rc.InitialBackoff
	}
	if rc.MaxBackoff > 0 {
		c.MaxBackoff = rc.MaxBackoff
	}
	if rc.Multiplier > 0 {
		c.Multiplier = rc.Multiplier
	}
	return c
}

// Validate checks that all Config fields are within acceptable ranges.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("retry: MaxRetries must be >= 0")
	}
	if c.InitialBackoff <= 0 {
		return errors.New("retry: InitialBackoff must be > 0")
	}
	if c.MaxBackoff <= 0 {
		return errors.New("retry: MaxBackoff must be > 0")
	}
	if c.Multiplier < 1.0 {
		return errors.New("retry: Multiplier must be >= 1.0")
	}
	return nil
}

// Backoff returns the delay before retry number n (0-based), capped at MaxBackoff.
func (c Config) Backoff(n int) time.Duration {
	d := c.InitialBackoff
	for i := 0; i < n; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// =============================================================================
// Error Classification
// =============================================================================

// transient is implemented by upstream errors that know whether a retry can help.
type transient interface {
	Transient() bool
}

// IsRetryable returns true when err represents a transient failure that may
// succeed on retry. Errors implementing Transient() decide for themselves;
// otherwise network timeouts, refused or reset connections and unexpected EOF
// count as transient. Context errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var t transient
	if errors.As(err, &t) {
		return t.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}

// AnyError retries every error except context cancellation.
func AnyError(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// =============================================================================
// Do
// =============================================================================

// sleepFunc waits for d or until ctx is done. Tests replace it.
var sleepFunc = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or MaxRetries
// retries have failed. Retryability is decided by IsRetryable.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	return DoIf(ctx, cfg, IsRetryable, fn)
}

// DoIf is Do with a caller-supplied classifier.
func DoIf(ctx context.Context, cfg Config, retryable func(error) bool, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if err := sleepFunc(ctx, cfg.Backoff(attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, cfg.MaxRetries+1, lastErr)
}

// =============================================================================
// Client (Decorator)
// =============================================================================

// Client wraps a ReasoningClient with retry-on-transient-error logic.
type Client struct {
	inner  domain.ReasoningClient
	config Config
}

// NewClient returns a decorator that retries Complete calls on transient errors.
// inner must not be nil.
func NewClient(inner domain.ReasoningClient, cfg Config) *Client {
	if inner == nil {
		panic("retry: inner client must not be nil")
	}
	return &Client{inner: inner, config: cfg}
}

// Complete calls the inner client and retries transient failures with capped
// exponential backoff. Non-transient failures are returned immediately.
func (c *Client) Complete(ctx context.Context, req domain.ReasoningRequest) (*domain.ModelOutput, error) {
	var out *domain.ModelOutput
	err := Do(ctx, c.config, func(ctx context.Context) error {
		var err error
		out, err = c.inner.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ domain.ReasoningClient = (*Client)(nil)
