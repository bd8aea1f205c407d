package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// ListingRecord is one submitted listing URL and everything derived from it.
type ListingRecord struct {
	ID             string          `json:"id"`
	URL            string          `json:"url"`
	NormalizedURL  string          `json:"normalized_url"`
	RedirectURL    string          `json:"redirect_url,omitempty"`
	HTMLPrimary    string          `json:"-"`
	HTMLRedirect   string          `json:"-"`
	ExtractedText  string          `json:"-"`
	Status         AnalysisStatus  `json:"status"`
	AnalysisResult json.RawMessage `json:"analysis_result,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	Realtor        string          `json:"realtor,omitempty"`
	ImageURL       string          `json:"image_url,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// FetchResult is what a content provider returns for one URL.
type FetchResult struct {
	Content     string
	RedirectURL string
}

// FetchedContent is the raw content persisted after the fetch stage.
type FetchedContent struct {
	Primary     string
	RedirectURL string
	Redirect    string
}

// ListingMetadata carries derived attributes written next to the analysis result.
type ListingMetadata struct {
	Realtor  string
	ImageURL string
}

var (
	ErrListingNotFound = errors.New("domain: listing not found")
	ErrStatusConflict  = errors.New("domain: listing status changed concurrently")
)

// FailureKind classifies why a pipeline run stopped.
type FailureKind string

const (
	FailureInvalidInput FailureKind = "invalid_input"
	FailureFetch        FailureKind = "fetch_failure"
	FailureParse        FailureKind = "parse_failure"
	FailureEngine       FailureKind = "engine_error"
	FailureTimeout      FailureKind = "timeout"
	FailureCancelled    FailureKind = "cancelled"
	FailurePersistence  FailureKind = "persistence_failure"
)
