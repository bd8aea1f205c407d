package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ListingRepository is the only persistence boundary for listing records.
// Status writes are conditional so that concurrent writers can never move a
// record backwards or out of a terminal status.
type ListingRepository interface {
	FindByID(ctx context.Context, id string) (*ListingRecord, error)
	FindByNormalizedURL(ctx context.Context, normalizedURL string) (*ListingRecord, error)

	// CreateListing inserts a pending record, or returns the existing record when
	// the normalized URL is already known.
	CreateListing(ctx context.Context, url, normalizedURL string) (*ListingRecord, error)

	// ClaimForRun moves a pending record to queued. It returns ErrStatusConflict
	// when the record is not pending.
	ClaimForRun(ctx context.Context, id string) (*ListingRecord, error)

	// UpdateStatus moves a record from one status to the next. It returns
	// ErrStatusConflict when the stored status is not from.
	UpdateStatus(ctx context.Context, id string, from, to AnalysisStatus) error

	// SetErrorStatus writes an error-class status and message unless the record is
	// already terminal, in which case ErrStatusConflict is returned.
	SetErrorStatus(ctx context.Context, id string, status AnalysisStatus, message string) error

	// FailPending writes an error-class status and message only while the record
	// is still pending. It returns ErrStatusConflict otherwise.
	FailPending(ctx context.Context, id string, status AnalysisStatus, message string) error

	SaveFetchedContent(ctx context.Context, id string, content FetchedContent) error
	SaveExtractedText(ctx context.Context, id string, text string) error
	SaveAnalysisResult(ctx context.Context, id string, result json.RawMessage) error
	UpdateListingMetadata(ctx context.Context, id string, meta ListingMetadata) error

	// ListStale returns records in one of statuses last updated before cutoff.
	ListStale(ctx context.Context, statuses []AnalysisStatus, cutoff time.Time) ([]ListingRecord, error)
}

// ReasoningClient runs one conversation turn against a hosted model. Errors
// that implement interface{ Transient() bool } are classified by it.
type ReasoningClient interface {
	Complete(ctx context.Context, req ReasoningRequest) (*ModelOutput, error)
}

// Tokenizer counts and trims text in model tokens.
type Tokenizer interface {
	CountTokens(text string) (int, error)
	Truncate(text string, maxTokens int) (string, error)
}
