package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"boliganalyse/internal/domain"
	"boliganalyse/internal/engine"
	"boliganalyse/internal/queue"
)

// Failure is why a pipeline run stopped. Message is safe to show to users;
// Err carries the underlying cause for logs only.
type Failure struct {
	Kind    domain.FailureKind
	Status  domain.AnalysisStatus
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Display()
	}
	return fmt.Sprintf("%s: %v", f.Display(), f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Display is the message persisted on the record.
func (f *Failure) Display() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func fail(kind domain.FailureKind, message string, err error) *Failure {
	status := domain.StatusError
	switch kind {
	case domain.FailureInvalidInput:
		status = domain.StatusInvalidURL
	case domain.FailureTimeout:
		status = domain.StatusTimeout
	case domain.FailureCancelled:
		status = domain.StatusCancelled
	}
	return &Failure{Kind: kind, Status: status, Message: message, Err: err}
}

// Messages for failures whose cause is not safe to display.
const (
	msgFetch       = "listing page could not be fetched"
	msgParse       = "listing content could not be read"
	msgPrepare     = "listing text could not be prepared"
	msgPersistence = "progress could not be saved"
	msgTimeout     = "analysis did not finish in time"
	msgCancelled   = "analysis was cancelled"
)

// classify turns whatever stopped a run into a Failure. A finished context
// wins: its deadline means timeout and anything else means cancelled.
func classify(ctx context.Context, err error) *Failure {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fail(domain.FailureTimeout, msgTimeout, err)
		}
		return fail(domain.FailureCancelled, msgCancelled, context.Cause(ctx))
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if kind := engine.KindOf(err); kind != "" {
		switch kind {
		case engine.KindTimeout:
			return fail(domain.FailureTimeout, msgTimeout, err)
		case engine.KindCancelled:
			return fail(domain.FailureCancelled, msgCancelled, err)
		}
		return fail(domain.FailureEngine, string(kind), err)
	}
	if errors.Is(err, queue.ErrCancelled) {
		return fail(domain.FailureCancelled, msgCancelled, err)
	}
	return fail(domain.FailureEngine, "unexpected failure", err)
}
