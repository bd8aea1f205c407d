// Package orchestrator carries a listing from submission to a terminal status.
// Every stage writes its status before doing its work, so a stored record
// always shows where a run is or where it stopped.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"boliganalyse/internal/domain"
	"boliganalyse/internal/provider"
	"boliganalyse/internal/queue"
	"boliganalyse/internal/retry"
	"boliganalyse/internal/urlnorm"
)

var (
	// ErrInvalidInput is returned by StartAnalysis for URLs that cannot be
	// normalized. No record is created for them.
	ErrInvalidInput = errors.New("orchestrator: invalid listing URL")
	// ErrNotRunnable is returned when a record is not pending or already has
	// a run.
	ErrNotRunnable = errors.New("orchestrator: listing is not pending")
	// ErrNotCancellable is returned by Cancel for records that already
	// finished.
	ErrNotCancellable = errors.New("orchestrator: listing already finished")
)

// DefaultBudget is the wall-clock limit for one pipeline run.
const DefaultBudget = 5 * time.Minute

// Analyzer produces a structured analysis from listing text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (*domain.AnalysisResult, error)
}

// Providers selects a content provider by URL host.
type Providers interface {
	Select(rawURL string) (provider.Provider, error)
	Fallback() provider.Provider
	Supports(host string) bool
}

// TextExtractor turns fetched HTML into analysis text and an image URL.
type TextExtractor interface {
	Text(rawHTML []byte, pageURL string) (string, error)
	ImageURL(rawHTML []byte, pageURL string) string
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBudget sets the wall-clock limit per run. Non-positive values are ignored.
func WithBudget(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.budget = d
		}
	}
}

// WithTokenizer truncates the combined text to maxTokens before analysis.
func WithTokenizer(t domain.Tokenizer, maxTokens int) Option {
	return func(o *Orchestrator) {
		if t != nil && maxTokens > 0 {
			o.tokenizer = t
			o.maxInputTokens = maxTokens
		}
	}
}

// WithRunner sets the job runner. If r is nil it is ignored.
func WithRunner(r *queue.Runner) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.runner = r
		}
	}
}

// WithErrorRetry sets how writing an error status is retried. At least one
// retry is always made.
func WithErrorRetry(cfg retry.Config) Option {
	return func(o *Orchestrator) {
		if cfg.MaxRetries < 1 {
			cfg.MaxRetries = 1
		}
		o.errorRetry = cfg
	}
}

// Orchestrator runs analysis pipelines. It keeps no per-record state of its
// own; the repository is the source of truth.
type Orchestrator struct {
	repo      domain.ListingRepository
	providers Providers
	extractor TextExtractor
	analyzer  Analyzer

	runner         *queue.Runner
	tokenizer      domain.Tokenizer
	maxInputTokens int
	budget         time.Duration
	errorRetry     retry.Config
	logger         *slog.Logger
}

// New returns an Orchestrator. All collaborators must be non-nil.
func New(repo domain.ListingRepository, providers Providers, extractor TextExtractor, analyzer Analyzer, opts ...Option) *Orchestrator {
	switch {
	case repo == nil:
		panic("orchestrator: repository must not be nil")
	case providers == nil:
		panic("orchestrator: providers must not be nil")
	case extractor == nil:
		panic("orchestrator: extractor must not be nil")
	case analyzer == nil:
		panic("orchestrator: analyzer must not be nil")
	}
	o := &Orchestrator{
		repo:      repo,
		providers: providers,
		extractor: extractor,
		analyzer:  analyzer,
		budget:    DefaultBudget,
		errorRetry: retry.Config{
			MaxRetries:     2,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.runner == nil {
		o.runner = queue.NewRunner(queue.DefaultWorkers, queue.WithLogger(o.logger))
	}
	return o
}

func (o *Orchestrator) log() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return slog.Default()
}

// =============================================================================
// Submission
// =============================================================================

// StartAnalysis returns the record for rawURL, creating it when the normalized
// URL is new. A URL that normalizes but is not an analyzable listing gets a
// record in invalid_url.
func (o *Orchestrator) StartAnalysis(ctx context.Context, rawURL string) (*domain.ListingRecord, error) {
	u, err := urlnorm.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	normalized, err := urlnorm.Normalize(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	existing, err := o.repo.FindByNormalizedURL(ctx, normalized)
	switch {
	case err == nil:
		o.log().Info("listing already submitted", "listing_id", existing.ID, "status", existing.Status)
		return existing, nil
	case !errors.Is(err, domain.ErrListingNotFound):
		return nil, fmt.Errorf("orchestrator: look up listing: %w", err)
	}

	rec, err := o.repo.CreateListing(ctx, strings.TrimSpace(rawURL), normalized)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create listing: %w", err)
	}
	if rec.Status != domain.StatusPending {
		return rec, nil
	}
	o.log().Info("listing created", "listing_id", rec.ID, "normalized_url", normalized)

	var ve *urlnorm.ValidationError
	if err := urlnorm.ValidateListing(u, o.providers.Supports); errors.As(err, &ve) {
		o.writeFailure(ctx, rec.ID, fail(domain.FailureInvalidInput, ve.Message, err))
		return o.repo.FindByID(ctx, rec.ID)
	}
	return rec, nil
}

// Enqueue runs the pipeline for id in the background.
func (o *Orchestrator) Enqueue(id string) error {
	err := o.runner.Submit(id, func(ctx context.Context) error {
		return o.runPipeline(ctx, id)
	})
	if errors.Is(err, queue.ErrLaneBusy) {
		return ErrNotRunnable
	}
	return err
}

// RunPipeline advances the record through every remaining stage and returns
// when it reaches a terminal status. It returns ErrNotRunnable when the record
// is not pending.
func (o *Orchestrator) RunPipeline(ctx context.Context, id string) error {
	err := o.runner.Do(ctx, id, func(ctx context.Context) error {
		return o.runPipeline(ctx, id)
	})
	if errors.Is(err, queue.ErrLaneBusy) {
		return ErrNotRunnable
	}
	return err
}

// =============================================================================
// Status and cancellation
// =============================================================================

// StatusView is what pollers see of a record.
type StatusView struct {
	ListingID string                `json:"listing_id"`
	Status    domain.AnalysisStatus `json:"status"`
	Result    json.RawMessage       `json:"result"`
	Error     *string               `json:"error"`
	URL       string                `json:"url"`
	Realtor   string                `json:"realtor,omitempty"`
	ImageURL  string                `json:"image_url,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// GetStatus returns the current view of a record.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	rec, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return ViewOf(rec), nil
}

// ViewOf builds the view of rec. The result is only shown once completed and
// the error only for error-class statuses.
func ViewOf(rec *domain.ListingRecord) *StatusView {
	v := &StatusView{
		ListingID: rec.ID,
		Status:    rec.Status,
		URL:       rec.URL,
		Realtor:   rec.Realtor,
		ImageURL:  rec.ImageURL,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Status == domain.StatusCompleted {
		v.Result = rec.AnalysisResult
	}
	if rec.Status.IsErrorClass() {
		v.Error = rec.ErrorMessage
	}
	return v
}

// Cancel stops the analysis of id. A run owned by this process is signalled
// and records its own cancellation once it has claimed the record; a job still
// waiting for a worker never claims it, so a pending record is moved to
// cancelled here. Any other unfinished record is moved to cancelled directly.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	rec, err := o.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return ErrNotCancellable
	}
	msg := fail(domain.FailureCancelled, msgCancelled, nil).Display()
	if o.runner.Cancel(id) {
		o.log().Info("cancellation requested", "listing_id", id, "status", rec.Status)
		err := o.repo.FailPending(ctx, id, domain.StatusCancelled, msg)
		if err == nil || errors.Is(err, domain.ErrStatusConflict) {
			return nil
		}
		return err
	}
	err = o.repo.SetErrorStatus(ctx, id, domain.StatusCancelled, msg)
	if errors.Is(err, domain.ErrStatusConflict) {
		return ErrNotCancellable
	}
	return err
}

// writeFailure persists f on the record. The write outlives ctx and is
// retried; a record that is already terminal is left alone.
func (o *Orchestrator) writeFailure(ctx context.Context, id string, f *Failure) {
	wctx := context.WithoutCancel(ctx)
	err := retry.DoIf(wctx, o.errorRetry, retryableWrite, func(ctx context.Context) error {
		return o.repo.SetErrorStatus(ctx, id, f.Status, f.Display())
	})
	switch {
	case err == nil:
		o.log().Info("listing failed", "listing_id", id, "status", f.Status, "kind", f.Kind, "cause", f.Err)
	case errors.Is(err, domain.ErrStatusConflict):
		o.log().Info("listing already terminal, failure not recorded", "listing_id", id, "kind", f.Kind)
	default:
		o.log().Error("could not record listing failure", "listing_id", id, "status", f.Status, "error", err, "alert", true)
	}
}

func retryableWrite(err error) bool {
	if errors.Is(err, domain.ErrStatusConflict) || errors.Is(err, domain.ErrListingNotFound) {
		return false
	}
	return retry.AnyError(err)
}
