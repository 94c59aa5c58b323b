// Package scheduler implements the bounded-concurrency retrying job
// scheduler that executes audit runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitevitals/siteaudit/internal/audit"
)

// Handler executes one job body. A returned error counts as a failed
// attempt; wrapping audit.ErrValidation makes the failure permanent.
type Handler func(ctx context.Context, job audit.Job) error

// EventKind labels scheduler lifecycle events.
type EventKind string

// Lifecycle events emitted for observers.
const (
	EventActive    EventKind = "active"
	EventCompleted EventKind = "completed"
	EventRetry     EventKind = "retry"
	EventFailed    EventKind = "failed"
)

// Event describes one job lifecycle transition.
type Event struct {
	Kind    EventKind
	JobID   string
	JobKind audit.JobKind
	Attempt int
	Err     string
	At      time.Time
}

// Config controls Scheduler behavior.
type Config struct {
	// ConcurrencyLimit bounds simultaneously active jobs (default 3).
	ConcurrencyLimit int
	// HousekeepThreshold is the job-table size beyond which old terminal
	// jobs are purged (default 200).
	HousekeepThreshold int
	// RetainTerminal is how long terminal jobs survive housekeeping
	// (default 24h).
	RetainTerminal time.Duration
	// EventBuffer sizes each observer channel (default 64).
	EventBuffer int
}

// Options tunes a single submission.
type Options struct {
	// MaxAttempts caps job-body executions (default 1).
	MaxAttempts int
}

const (
	defaultConcurrency = 3
	minConcurrency     = 1
	maxConcurrency     = 10
	defaultHousekeep   = 200
	defaultRetention   = 24 * time.Hour
	defaultEventBuffer = 64
)

// Scheduler maintains a FIFO queue of waiting jobs and a bounded set of
// active jobs. A scheduling pass runs after every submission and after
// every completion, so throughput is limited only by the concurrency cap.
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	jobs     map[string]*audit.Job
	waiting  []string
	active   map[string]struct{}
	limit    int
	paused   bool
	handlers map[audit.JobKind]Handler

	observers []chan Event

	idGen   audit.IDGenerator
	clock   audit.Clock
	logger  *zap.Logger
	baseCtx context.Context
	wg      sync.WaitGroup
}

// New constructs a Scheduler. Jobs execute against baseCtx; canceling it
// fails in-flight bodies at their next suspension point.
func New(
	baseCtx context.Context,
	cfg Config,
	handlers map[audit.JobKind]Handler,
	idGen audit.IDGenerator,
	clock audit.Clock,
	logger *zap.Logger,
) *Scheduler {
	if cfg.ConcurrencyLimit < minConcurrency || cfg.ConcurrencyLimit > maxConcurrency {
		cfg.ConcurrencyLimit = defaultConcurrency
	}
	if cfg.HousekeepThreshold <= 0 {
		cfg.HousekeepThreshold = defaultHousekeep
	}
	if cfg.RetainTerminal <= 0 {
		cfg.RetainTerminal = defaultRetention
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := make(map[audit.JobKind]Handler, len(handlers))
	for kind, h := range handlers {
		reg[kind] = h
	}
	return &Scheduler{
		cfg:      cfg,
		jobs:     make(map[string]*audit.Job),
		active:   make(map[string]struct{}),
		limit:    cfg.ConcurrencyLimit,
		handlers: reg,
		idGen:    idGen,
		clock:    clock,
		logger:   logger,
		baseCtx:  baseCtx,
	}
}

// Submit enqueues a new job in waiting status and triggers a scheduling
// pass. The payload is opaque to the scheduler.
func (s *Scheduler) Submit(kind audit.JobKind, payload any, opts Options) (string, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	now := s.clock.Now()
	job := &audit.Job{
		ID:          id,
		Kind:        kind,
		Payload:     payload,
		Status:      audit.JobStatusWaiting,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	s.jobs[id] = job
	s.waiting = append(s.waiting, id)
	s.housekeepLocked(now)
	s.dispatchLocked()
	s.mu.Unlock()

	s.logger.Debug("job submitted",
		zap.String("job_id", id),
		zap.String("kind", string(kind)),
		zap.Int("max_attempts", maxAttempts),
	)
	return id, nil
}

// Get returns a copy of the job, if present.
func (s *Scheduler) Get(jobID string) (audit.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return audit.Job{}, false
	}
	return *job, true
}

// Pause stops dispatching; active jobs run to completion.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-enables dispatching and triggers a scheduling pass.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.dispatchLocked()
	s.mu.Unlock()
}

// SetConcurrencyLimit adjusts the active-set bound. Values outside 1..10
// are ignored.
func (s *Scheduler) SetConcurrencyLimit(n int) {
	if n < minConcurrency || n > maxConcurrency {
		return
	}
	s.mu.Lock()
	s.limit = n
	s.dispatchLocked()
	s.mu.Unlock()
}

// ActiveCount reports how many jobs are executing right now.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Subscribe registers an observer for lifecycle events. Delivery is
// non-blocking; slow observers miss events rather than stalling jobs.
func (s *Scheduler) Subscribe() <-chan Event {
	ch := make(chan Event, s.cfg.EventBuffer)
	s.mu.Lock()
	s.observers = append(s.observers, ch)
	s.mu.Unlock()
	return ch
}

// Wait blocks until all in-flight job bodies return or ctx expires.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler drain wait: %w", ctx.Err())
	}
}

// dispatchLocked moves waiting jobs into the active set while capacity
// remains. Callers must hold s.mu.
func (s *Scheduler) dispatchLocked() {
	for len(s.waiting) > 0 && len(s.active) < s.limit && !s.paused {
		id := s.waiting[0]
		s.waiting = s.waiting[1:]
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		job.Status = audit.JobStatusActive
		job.UpdatedAt = s.clock.Now()
		s.active[id] = struct{}{}
		s.emitLocked(Event{
			Kind:    EventActive,
			JobID:   id,
			JobKind: job.Kind,
			Attempt: job.Attempts + 1,
			At:      job.UpdatedAt,
		})
		s.wg.Add(1)
		go s.execute(*job)
	}
}

func (s *Scheduler) execute(job audit.Job) {
	defer s.wg.Done()
	handler, ok := s.handlers[job.Kind]
	var err error
	if !ok {
		err = fmt.Errorf("%w: %q", audit.ErrUnknownJobKind, job.Kind)
	} else {
		err = s.runBody(handler, job)
	}
	s.complete(job.ID, err)
}

func (s *Scheduler) runBody(handler Handler, job audit.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: job body panic: %v", audit.ErrExecution, rec)
		}
	}()
	return handler(s.baseCtx, job)
}

// complete removes the job from the active set, applies the retry policy,
// and immediately re-triggers a scheduling pass.
func (s *Scheduler) complete(jobID string, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, jobID)
	defer s.dispatchLocked()

	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	now := s.clock.Now()
	job.UpdatedAt = now

	if runErr == nil {
		job.Status = audit.JobStatusCompleted
		job.LastError = ""
		s.emitLocked(Event{Kind: EventCompleted, JobID: jobID, JobKind: job.Kind, Attempt: job.Attempts + 1, At: now})
		return
	}

	job.Attempts++
	job.LastError = runErr.Error()
	permanent := errors.Is(runErr, audit.ErrValidation)
	if !permanent && job.Attempts < job.MaxAttempts {
		job.Status = audit.JobStatusWaiting
		s.waiting = append(s.waiting, jobID)
		s.emitLocked(Event{Kind: EventRetry, JobID: jobID, JobKind: job.Kind, Attempt: job.Attempts, Err: job.LastError, At: now})
		s.logger.Warn("job attempt failed, re-enqueued",
			zap.String("job_id", jobID),
			zap.Int("attempt", job.Attempts),
			zap.Error(runErr),
		)
		return
	}

	job.Status = audit.JobStatusFailed
	s.emitLocked(Event{Kind: EventFailed, JobID: jobID, JobKind: job.Kind, Attempt: job.Attempts, Err: job.LastError, At: now})
	s.logger.Error("job failed",
		zap.String("job_id", jobID),
		zap.Int("attempts", job.Attempts),
		zap.Error(runErr),
	)
}

// housekeepLocked purges old terminal jobs once the table grows past the
// configured threshold. Callers must hold s.mu.
func (s *Scheduler) housekeepLocked(now time.Time) {
	if len(s.jobs) <= s.cfg.HousekeepThreshold {
		return
	}
	cutoff := now.Add(-s.cfg.RetainTerminal)
	for id, job := range s.jobs {
		if job.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}

func (s *Scheduler) emitLocked(evt Event) {
	for _, ch := range s.observers {
		select {
		case ch <- evt:
		default:
		}
	}
}
