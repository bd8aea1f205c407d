// Package scheduler runs periodic maintenance jobs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// JobFunc is the work of a scheduled job.
type JobFunc func(ctx context.Context) error

// Job is a named unit of periodic work.
type Job struct {
	ID       string
	Name     string
	CronExpr string // e.g. "*/5 * * * *" or "@every 1m"
	Run      JobFunc
}

// CronEngine abstracts the cron scheduler for testability.
// The real implementation wraps robfig/cron/v3.
type CronEngine interface {
	AddFunc(spec string, cmd func()) (int, error)
	Remove(id int)
	Start()
	Stop()
}

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a structured logger for the Scheduler. If l is nil it is
// ignored and the default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

var (
	ErrEmptyJobID   = errors.New("scheduler: job ID must not be empty")
	ErrEmptyCron    = errors.New("scheduler: cron expression must not be empty")
	ErrNilJobFunc   = errors.New("scheduler: job function must not be nil")
	ErrDuplicateJob = errors.New("scheduler: job with this ID already exists")
)

type jobEntry struct {
	job     Job
	entryID int
}

// Scheduler owns a set of cron jobs. Every run gets a context that is
// cancelled when the scheduler stops.
type Scheduler struct {
	engine CronEngine
	logger *slog.Logger

	mu   sync.RWMutex
	jobs map[string]jobEntry

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a Scheduler. engine must not be nil.
func NewScheduler(engine CronEngine, opts ...Option) *Scheduler {
	if engine == nil {
		panic("scheduler: engine must not be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		engine: engine,
		jobs:   make(map[string]jobEntry),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// AddJob registers a job. It fails on invalid input, a duplicate ID or a cron
// expression the engine rejects.
func (s *Scheduler) AddJob(job Job) error {
	switch {
	case job.ID == "":
		return ErrEmptyJobID
	case job.CronExpr == "":
		return ErrEmptyCron
	case job.Run == nil:
		return ErrNilJobFunc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	entryID, err := s.engine.AddFunc(job.CronExpr, func() { s.fire(job) })
	if err != nil {
		return fmt.Errorf("scheduler: failed to register cron job %q: %w", job.ID, err)
	}
	s.jobs[job.ID] = jobEntry{job: job, entryID: entryID}
	s.log().Info("job registered", "job_id", job.ID, "job_name", job.Name, "cron_expr", job.CronExpr)
	return nil
}

func (s *Scheduler) fire(job Job) {
	if s.ctx.Err() != nil {
		return
	}
	s.log().Debug("job fired", "job_id", job.ID)
	if err := job.Run(s.ctx); err != nil {
		s.log().Warn("job failed", "job_id", job.ID, "error", err)
	}
}

// RemoveJob unregisters a job by ID.
func (s *Scheduler) RemoveJob(id string) error {
	if id == "" {
		return ErrEmptyJobID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("scheduler: job %q not found", id)
	}
	s.engine.Remove(entry.entryID)
	delete(s.jobs, id)
	s.log().Info("job removed", "job_id", id)
	return nil
}

// ListJobs returns the registered jobs sorted by ID.
func (s *Scheduler) ListJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, entry := range s.jobs {
		jobs = append(jobs, entry.job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// Start begins the cron scheduler.
func (s *Scheduler) Start() {
	s.engine.Start()
}

// Stop cancels running jobs and halts the cron scheduler.
func (s *Scheduler) Stop() {
	s.cancel()
	s.engine.Stop()
}
