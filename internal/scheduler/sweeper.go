package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"boliganalyse/internal/domain"
)

const (
	// SweepJobID identifies the stale-run sweep in a Scheduler.
	SweepJobID = "stale-listing-sweep"
	// DefaultSweepSchedule runs the sweep once a minute.
	DefaultSweepSchedule = "@every 1m"

	staleMessage = "timeout: analysis did not finish in time"
)

// Sweeper moves records that have sat in an in-progress status for longer
// than a run may take to timeout. It covers runs whose process died and runs
// whose failure could not be written.
type Sweeper struct {
	repo    domain.ListingRepository
	maxAge  time.Duration
	nowFunc func() time.Time
	logger  *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets a structured logger. If l is nil it is ignored.
func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSweeper returns a Sweeper for records untouched for budget+grace.
func NewSweeper(repo domain.ListingRepository, budget, grace time.Duration, opts ...SweeperOption) *Sweeper {
	if repo == nil {
		panic("scheduler: repository must not be nil")
	}
	s := &Sweeper{repo: repo, maxAge: budget + grace, nowFunc: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sweeper) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Sweep marks every stale in-progress record as timed out and returns how
// many it moved. Records that finished in the meantime are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.nowFunc().Add(-s.maxAge)
	stale, err := s.repo.ListStale(ctx, domain.InProgressStatuses, cutoff)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list stale listings: %w", err)
	}

	moved := 0
	var errs []error
	for _, rec := range stale {
		err := s.repo.SetErrorStatus(ctx, rec.ID, domain.StatusTimeout, staleMessage)
		switch {
		case err == nil:
			moved++
			s.log().Warn("stale listing timed out", "listing_id", rec.ID, "status", rec.Status, "updated_at", rec.UpdatedAt)
		case errors.Is(err, domain.ErrStatusConflict), errors.Is(err, domain.ErrListingNotFound):
		default:
			errs = append(errs, fmt.Errorf("listing %s: %w", rec.ID, err))
		}
	}
	return moved, errors.Join(errs...)
}

// Job wraps the sweep for a Scheduler. An empty spec uses
// DefaultSweepSchedule.
func (s *Sweeper) Job(spec string) Job {
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	return Job{
		ID:       SweepJobID,
		Name:     "stale listing sweep",
		CronExpr: spec,
		Run: func(ctx context.Context) error {
			_, err := s.Sweep(ctx)
			return err
		},
	}
}
