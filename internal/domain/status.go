package domain

import (
	"errors"
	"fmt"
)

// AnalysisStatus is the persisted pipeline stage of a listing.
type AnalysisStatus string

const (
	StatusPending            AnalysisStatus = "pending"
	StatusQueued             AnalysisStatus = "queued"
	StatusFetchingHTML       AnalysisStatus = "fetching_html"
	StatusParsingData        AnalysisStatus = "parsing_data"
	StatusPreparingAnalysis  AnalysisStatus = "preparing_analysis"
	StatusGeneratingInsights AnalysisStatus = "generating_insights"
	StatusFinalizing         AnalysisStatus = "finalizing"
	StatusCompleted          AnalysisStatus = "completed"

	StatusError      AnalysisStatus = "error"
	StatusInvalidURL AnalysisStatus = "invalid_url"
	StatusTimeout    AnalysisStatus = "timeout"
	StatusCancelled  AnalysisStatus = "cancelled"
)

// stageOrder ranks the forward stages. Error-class statuses are not ranked.
var stageOrder = map[AnalysisStatus]int{
	StatusPending:            0,
	StatusQueued:             1,
	StatusFetchingHTML:       2,
	StatusParsingData:        3,
	StatusPreparingAnalysis:  4,
	StatusGeneratingInsights: 5,
	StatusFinalizing:         6,
	StatusCompleted:          7,
}

// InProgressStatuses lists the statuses a record holds while a run owns it.
var InProgressStatuses = []AnalysisStatus{
	StatusQueued,
	StatusFetchingHTML,
	StatusParsingData,
	StatusPreparingAnalysis,
	StatusGeneratingInsights,
	StatusFinalizing,
}

// TerminalStatuses lists every status after which no transition is applied.
var TerminalStatuses = []AnalysisStatus{
	StatusCompleted,
	StatusError,
	StatusInvalidURL,
	StatusTimeout,
	StatusCancelled,
}

var (
	ErrTerminalStatus   = errors.New("domain: record is in a terminal status")
	ErrStatusRegression = errors.New("domain: status transition does not move forward")
	ErrUnknownStatus    = errors.New("domain: unknown status")
	ErrNotErrorClass    = errors.New("domain: status is not an error-class status")
)

// Valid reports whether s is one of the enumerated statuses.
func (s AnalysisStatus) Valid() bool {
	_, ranked := stageOrder[s]
	return ranked || s.IsErrorClass()
}

// IsErrorClass reports whether s is one of the side error states.
func (s AnalysisStatus) IsErrorClass() bool {
	switch s {
	case StatusError, StatusInvalidURL, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is completed or error-class.
func (s AnalysisStatus) IsTerminal() bool {
	return s == StatusCompleted || s.IsErrorClass()
}

// IsInProgress reports whether a pipeline run currently owns a record in status s.
func (s AnalysisStatus) IsInProgress() bool {
	rank, ok := stageOrder[s]
	return ok && rank > stageOrder[StatusPending] && rank < stageOrder[StatusCompleted]
}

// Advance is the pure transition function for a record. It returns a copy of rec
// moved to next, or an error when the move would leave a terminal state, regress,
// or skip backwards. Stages may be skipped forwards. Error-class targets are
// reachable from every non-terminal status.
func Advance(rec ListingRecord, next AnalysisStatus) (ListingRecord, error) {
	if !next.Valid() {
		return rec, fmt.Errorf("%w: %q", ErrUnknownStatus, next)
	}
	if rec.Status.IsTerminal() {
		return rec, fmt.Errorf("%w: %s", ErrTerminalStatus, rec.Status)
	}
	if !next.IsErrorClass() && stageOrder[next] <= stageOrder[rec.Status] {
		return rec, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, rec.Status, next)
	}
	out := rec
	out.Status = next
	if !next.IsErrorClass() {
		out.ErrorMessage = nil
	}
	return out, nil
}

// Fail is Advance into an error-class status with a displayable message.
func Fail(rec ListingRecord, status AnalysisStatus, message string) (ListingRecord, error) {
	if !status.IsErrorClass() {
		return rec, fmt.Errorf("%w: %s", ErrNotErrorClass, status)
	}
	out, err := Advance(rec, status)
	if err != nil {
		return rec, err
	}
	out.ErrorMessage = &message
	return out, nil
}
