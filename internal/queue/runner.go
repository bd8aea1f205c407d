// Package queue runs pipeline jobs with one lane per listing record. Different
// records run concurrently up to a worker bound; a record never has two jobs.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrEmptyLaneID is returned when a job is submitted without a record ID.
	ErrEmptyLaneID = errors.New("queue: lane ID must not be empty")
	// ErrLaneBusy is returned when the record already has a job.
	ErrLaneBusy = errors.New("queue: a job is already running for this record")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: runner is closed")
	// ErrCancelled is the cancellation cause set by Cancel.
	ErrCancelled = errors.New("queue: job cancelled")
)

// Job is one unit of work for a record. ctx is cancelled with ErrCancelled
// when Cancel is called for the record, and with ErrClosed on shutdown.
type Job func(ctx context.Context) error

// DefaultWorkers bounds concurrent jobs when NewRunner is given a non-positive
// worker count.
const DefaultWorkers = 4

// lane is the active job of one record.
type lane struct {
	cancel context.CancelCauseFunc
}

// Runner serializes work per record and bounds parallelism across records.
type Runner struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool

	slots  chan struct{}
	wg     sync.WaitGroup
	base   context.Context
	stop   context.CancelCauseFunc
	logger *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a runner that executes at most workers jobs at a time.
func NewRunner(workers int, opts ...Option) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	base, stop := context.WithCancelCause(context.Background())
	r := &Runner{
		lanes: make(map[string]*lane),
		slots: make(chan struct{}, workers),
		base:  base,
		stop:  stop,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

// Submit starts job for laneID in the background. The job's context is
// detached from any caller and lives until the job returns, Cancel is called,
// or the runner closes.
func (r *Runner) Submit(laneID string, job Job) error {
	ctx, err := r.open(r.base, laneID)
	if err != nil {
		return err
	}
	go func() {
		defer r.wg.Done()
		if err := r.exec(ctx, laneID, job); err != nil {
			r.log().Warn("job finished with error", "lane", laneID, "error", err)
		}
	}()
	return nil
}

// Do runs job for laneID and blocks until it returns. ctx bounds the job in
// addition to Cancel and Close.
func (r *Runner) Do(ctx context.Context, laneID string, job Job) error {
	jobCtx, err := r.open(ctx, laneID)
	if err != nil {
		return err
	}
	defer r.wg.Done()

	stopAfter := context.AfterFunc(r.base, func() {
		r.cancelLane(laneID, ErrClosed)
	})
	defer stopAfter()
	return r.exec(jobCtx, laneID, job)
}

// open registers a lane for laneID and returns its cancellable context. The
// caller owns one wg count on success.
func (r *Runner) open(parent context.Context, laneID string) (context.Context, error) {
	if laneID == "" {
		return nil, ErrEmptyLaneID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, busy := r.lanes[laneID]; busy {
		return nil, ErrLaneBusy
	}
	ctx, cancel := context.WithCancelCause(parent)
	r.lanes[laneID] = &lane{cancel: cancel}
	r.wg.Add(1)
	return ctx, nil
}

// exec waits for a worker slot, runs the job and releases the lane.
func (r *Runner) exec(ctx context.Context, laneID string, job Job) error {
	defer r.release(laneID)

	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	defer func() { <-r.slots }()

	return safeExec(ctx, job)
}

func (r *Runner) release(laneID string) {
	r.mu.Lock()
	l, ok := r.lanes[laneID]
	delete(r.lanes, laneID)
	r.mu.Unlock()
	if ok {
		l.cancel(nil)
	}
}

// safeExec runs job and recovers from panics, converting them to errors.
func safeExec(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("queue: panic: %v", rec)
		}
	}()
	return job(ctx)
}

// Cancel signals the job running for laneID. It reports whether a job was
// found.
func (r *Runner) Cancel(laneID string) bool {
	return r.cancelLane(laneID, ErrCancelled)
}

func (r *Runner) cancelLane(laneID string, cause error) bool {
	r.mu.Lock()
	l, ok := r.lanes[laneID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	l.cancel(cause)
	return true
}

// Running reports whether laneID currently has a job.
func (r *Runner) Running(laneID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.lanes[laneID]
	return ok
}

// LaneCount returns the number of active lanes.
func (r *Runner) LaneCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lanes)
}

// Close rejects new jobs, cancels running ones and waits for them to return
// or for ctx to end.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop(ErrClosed)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
