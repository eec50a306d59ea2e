// Package scheduler owns the set of active scheduled jobs, arms one timer
// per job and dispatches due jobs to the executor. A job never has more
// than one execution in flight; a firing that finds the previous execution
// still running is skipped and recorded as a failure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/staffd/internal/errtrack"
	"github.com/kalambet/staffd/internal/executor"
	"github.com/kalambet/staffd/internal/metrics"
	"github.com/kalambet/staffd/internal/storage"
	"github.com/kalambet/staffd/internal/timeouts"
)

// ReasonOverlap is recorded as the failure of a skipped firing.
const ReasonOverlap = "overlap skipped"

var (
	ErrJobRunning     = errors.New("job is already running")
	ErrJobInactive    = errors.New("job is inactive")
	ErrGraceExceeded  = errors.New("shutdown grace period exceeded; in-flight executions abandoned")
	ErrNotStarted     = errors.New("scheduler not started")
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Store is the persistence the scheduler needs.
type Store interface {
	GetScheduledJob(id string) (storage.ScheduledJob, error)
	ListScheduledJobs(activeOnly bool) ([]storage.ScheduledJob, error)
	SetNextRun(id string, next time.Time) error
	RecordRunFailure(id string, at time.Time, errMsg string) error
}

// JobRunner executes one job.
type JobRunner interface {
	Run(ctx context.Context, job storage.ScheduledJob) executor.RunResult
}

// Entry is a snapshot of one registered job.
type Entry struct {
	JobID    string           `json:"job_id"`
	AgentID  string           `json:"agent_id"`
	Schedule storage.Schedule `json:"schedule"`
	NextRun  time.Time        `json:"next_run"`
	Running  bool             `json:"running"`
}

type entry struct {
	job     storage.ScheduledJob
	next    time.Time
	timer   Timer
	gen     uint64 // bumped on every re-arm; stale timer callbacks compare it
	running bool
}

// Options configures a Scheduler.
type Options struct {
	MaxConcurrent int64
	Clock         Clock
	Budgets       *timeouts.Registry
	Errors        *errtrack.Tracker
	Metrics       *metrics.Metrics
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	store   Store
	exec    JobRunner
	clock   Clock
	sem     *semaphore.Weighted
	budgets *timeouts.Registry
	errors  *errtrack.Tracker
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	stopped bool
	runCtx  context.Context

	inflight sync.WaitGroup
}

// New creates a Scheduler. Zero Options fields get defaults.
func New(store Store, exec JobRunner, opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Budgets == nil {
		opts.Budgets = timeouts.New()
	}
	return &Scheduler{
		store:   store,
		exec:    exec,
		clock:   opts.Clock,
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		budgets: opts.Budgets,
		errors:  opts.Errors,
		metrics: opts.Metrics,
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
}

// Start loads every active job, persists its next run time and arms its
// timer. Executions run under a context derived from ctx that Stop does
// not cancel.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.runCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	jobs, err := s.store.ListScheduledJobs(true)
	if err != nil {
		return fmt.Errorf("loading active jobs: %w", err)
	}
	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			// A bad schedule must not keep the other jobs from running.
			s.logger.Error("skipping job with invalid schedule", "job_id", job.ID, "error", err)
			if s.errors != nil {
				s.errors.RecordError(err, map[string]string{"job_id": job.ID})
			}
		}
	}
	s.logger.Info("scheduler started", "jobs", s.armedCount())
	return nil
}

// Register adds or replaces a job. Active jobs get their next run time
// recomputed and persisted immediately; inactive jobs are removed.
func (s *Scheduler) Register(job storage.ScheduledJob) error {
	if !job.IsActive {
		s.Unregister(job.ID)
		return nil
	}
	now := s.clock.Now()
	next, err := Next(job.Schedule, now)
	if err != nil {
		return err
	}
	if err := s.store.SetNextRun(job.ID, next); err != nil {
		return fmt.Errorf("persisting next run: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[job.ID]
	if !ok {
		e = &entry{}
		s.entries[job.ID] = e
	}
	e.job = job
	e.next = next
	s.armLocked(job.ID, e)
	return nil
}

// Unregister removes a job and cancels its timer. An execution already in
// flight finishes normally.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		e.gen++
		delete(s.entries, id)
	}
	s.updateGaugeLocked()
}

// armLocked (re)arms e's timer for e.next. Manual jobs and a scheduler
// that is not running get no timer.
func (s *Scheduler) armLocked(id string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	if !s.started || s.stopped || e.next.IsZero() {
		s.updateGaugeLocked()
		return
	}
	gen := e.gen
	d := e.next.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	e.timer = s.clock.AfterFunc(d, func() { s.fire(id, gen) })
	s.updateGaugeLocked()
}

// fire handles one timer expiry.
func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	s.mu.Unlock()

	job, err := s.store.GetScheduledJob(id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !job.IsActive) {
		s.logger.Info("job no longer active, unscheduling", "job_id", id)
		s.Unregister(id)
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	e, ok = s.entries[id]
	if !ok || e.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	if err != nil {
		// Keep the last known definition and try again next cycle.
		s.logger.Error("reloading job before firing", "job_id", id, "error", err)
		job = e.job
	}
	next, nerr := Next(job.Schedule, now)
	if nerr != nil {
		s.mu.Unlock()
		s.logger.Error("job schedule became invalid, unscheduling", "job_id", id, "error", nerr)
		s.Unregister(id)
		return
	}
	overlap := e.running
	e.job = job
	e.next = next
	if !overlap {
		e.running = true
	}
	s.armLocked(id, e)
	if !overlap {
		s.inflight.Add(1)
	}
	s.mu.Unlock()

	if err := s.store.SetNextRun(id, next); err != nil {
		s.logger.Error("persisting next run", "job_id", id, "error", err)
	}

	if overlap {
		s.skip(job, now)
		return
	}
	go s.dispatch(job)
}

func (s *Scheduler) skip(job storage.ScheduledJob, at time.Time) {
	s.logger.Warn("previous run still executing, firing skipped", "job_id", job.ID, "agent_id", job.AgentID)
	if err := s.store.RecordRunFailure(job.ID, at, ReasonOverlap); err != nil {
		s.logger.Error("recording skipped firing", "job_id", job.ID, "error", err)
	}
	if s.errors != nil {
		s.errors.Record("overlap", ReasonOverlap, map[string]string{"job_id": job.ID, "agent_id": job.AgentID})
	}
	s.metrics.RecordOverlap()
}

// dispatch runs job within the concurrency bound and clears its in-flight
// flag afterwards.
func (s *Scheduler) dispatch(job storage.ScheduledJob) {
	defer s.inflight.Done()
	defer s.finish(job.ID)

	ctx := s.runCtx
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.logger.Error("acquiring execution slot", "job_id", job.ID, "error", err)
		return
	}
	defer s.sem.Release(1)

	res := s.exec.Run(ctx, job)
	s.logger.Debug("job dispatched run completed", "job_id", job.ID, "status", res.Status, "duration", res.Duration)
}

func (s *Scheduler) finish(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.running = false
	now := s.clock.Now()
	var next time.Time
	if !e.next.IsZero() && !e.next.After(now) && !s.stopped {
		if n, err := Next(e.job.Schedule, now); err == nil {
			e.next = n
			next = n
			s.armLocked(id, e)
		}
	}
	s.mu.Unlock()

	if !next.IsZero() {
		if err := s.store.SetNextRun(id, next); err != nil {
			s.logger.Error("persisting next run", "job_id", id, "error", err)
		}
	}
}

// RunNow executes a job immediately and waits for the result. It shares
// the in-flight flag with timer firings and returns ErrJobRunning when the
// job is already executing.
func (s *Scheduler) RunNow(ctx context.Context, id string) (executor.RunResult, error) {
	job, err := s.store.GetScheduledJob(id)
	if err != nil {
		return executor.RunResult{}, err
	}
	if !job.IsActive {
		return executor.RunResult{}, ErrJobInactive
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return executor.RunResult{}, ErrNotStarted
	}
	e, ok := s.entries[id]
	if !ok {
		e = &entry{job: job}
		s.entries[id] = e
	}
	if e.running {
		s.mu.Unlock()
		return executor.RunResult{}, ErrJobRunning
	}
	e.running = true
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	defer s.finish(id)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return executor.RunResult{}, err
	}
	defer s.sem.Release(1)
	return s.exec.Run(ctx, job), nil
}

// Stop cancels every timer and waits for in-flight executions for up to
// the shutdown grace period. Executions still running afterwards are
// abandoned; their results are still persisted when they finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.gen++
	}
	s.updateGaugeLocked()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.budgets.ShutdownGracePeriod())
	defer grace.Stop()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	s.logger.Warn("scheduler shutdown grace exceeded, abandoning running jobs")
	return ErrGraceExceeded
}

// Entries returns a snapshot of the registered jobs sorted by id.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for id, e := range s.entries {
		out = append(out, Entry{
			JobID:    id,
			AgentID:  e.job.AgentID,
			Schedule: e.job.Schedule,
			NextRun:  e.next,
			Running:  e.running,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func (s *Scheduler) armedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armedLocked()
}

func (s *Scheduler) armedLocked() int {
	n := 0
	for _, e := range s.entries {
		if e.timer != nil {
			n++
		}
	}
	return n
}

func (s *Scheduler) updateGaugeLocked() {
	s.metrics.SetScheduled(s.armedLocked())
}
