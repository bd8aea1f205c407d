package engine

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies why an analysis stopped without a result.
type Kind string

const (
	KindToolLoopExhausted Kind = "tool_loop_exhausted"
	KindMalformedOutput   Kind = "malformed_analysis_output"
	KindUpstream          Kind = "upstream_unavailable"
	KindCancelled         Kind = "cancelled"
	KindTimeout           Kind = "timeout"
)

// ErrEmptyInput is returned when there is no listing text to analyze.
var ErrEmptyInput = errors.New("engine: no text to analyze")

// Error is the failure of one analysis run.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the engine failure kind of err, or "" when err did not come
// from the engine.
func KindOf(err error) Kind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}

// contextKind maps a finished context to cancelled or timeout.
func contextKind(ctx context.Context) Kind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindCancelled
}

// upstreamError classifies a reasoning client failure. Context errors win over
// whatever the transport reported.
func upstreamError(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return &Error{Kind: contextKind(ctx), Err: err}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Err: err}
	}
	return &Error{Kind: KindUpstream, Err: err}
}
