// Package scheduler owns the recurring scrape jobs: their configuration,
// their timers and the exclusivity of their runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/klwatch/internal/runner"
	"github.com/kalambet/klwatch/internal/storage"
)

// Store is the job persistence the scheduler needs. *storage.Store satisfies it.
type Store interface {
	CreateJob(ctx context.Context, j *storage.Job) error
	GetJob(ctx context.Context, id int64) (storage.Job, error)
	GetJobByName(ctx context.Context, name string) (storage.Job, error)
	ListJobs(ctx context.Context) ([]storage.Job, error)
	ListActiveJobs(ctx context.Context) ([]storage.Job, error)
	UpdateJob(ctx context.Context, j storage.Job) error
	SetJobActive(ctx context.Context, id int64, active bool, next *time.Time, now time.Time) error
	SetNextRun(ctx context.Context, id int64, next time.Time) error
	RecordRun(ctx context.Context, id int64, r storage.RunRecord) error
	DeleteJob(ctx context.Context, id int64) error
}

// Executor performs one run of a job.
type Executor interface {
	Execute(ctx context.Context, job storage.Job) runner.Outcome
}

// EventPublisher is told about every finished run.
type EventPublisher interface {
	RunFinished(ctx context.Context, job storage.Job, out runner.Outcome)
}

// Publishers fans one finished run out to every non-nil publisher.
func Publishers(ps ...EventPublisher) EventPublisher {
	var out fanout
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

type fanout []EventPublisher

func (f fanout) RunFinished(ctx context.Context, job storage.Job, out runner.Outcome) {
	for _, p := range f {
		p.RunFinished(ctx, job, out)
	}
}

type Options struct {
	// DefaultInterval applies to jobs created without interval_seconds.
	DefaultInterval int
	// SeedJobs is a JSON array of jobs created by Load when their name is free.
	SeedJobs string
}

type Scheduler struct {
	store  Store
	exec   Executor
	events EventPublisher
	opts   Options

	cron *cron.Cron

	// mu guards entries and closed, and is held across the store write and
	// timer change of start, stop and re-arm so the two never disagree.
	mu      sync.Mutex
	entries map[int64]cron.EntryID
	closed  bool

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	now      func() time.Time
	schedule func(first time.Time, every time.Duration) cron.Schedule
	logger   *slog.Logger
}

// New creates a Scheduler. Timers start firing after Load. events may be nil.
func New(store Store, exec Executor, events EventPublisher, opts Options) *Scheduler {
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = defaultInterval
	}
	opts.DefaultInterval = clampInterval(opts.DefaultInterval)
	logger := slog.Default().With("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:   store,
		exec:    exec,
		events:  events,
		opts:    opts,
		cron:    cron.New(cron.WithLogger(cronLogger{logger}), cron.WithChain(cron.Recover(cronLogger{logger}))),
		entries: make(map[int64]cron.EntryID),
		locks:   make(map[int64]*sync.Mutex),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
		schedule: func(first time.Time, every time.Duration) cron.Schedule {
			return newSchedule(first, every)
		},
		logger: logger,
	}
}

func (s *Scheduler) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Create validates and stores a new job, arming it when active.
func (s *Scheduler) Create(ctx context.Context, in JobInput) (storage.Job, error) {
	j, err := jobFromInput(in, s.opts.DefaultInterval)
	if err != nil {
		return storage.Job{}, err
	}
	if _, err := s.store.GetJobByName(ctx, j.Name); err == nil {
		return storage.Job{}, duplicateName(j.Name)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Job{}, fmt.Errorf("checking job name: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.Job{}, ErrClosed
	}

	now := s.clock()
	j.CreatedAt, j.UpdatedAt = now, now
	if j.IsActive {
		next := now.Add(j.Interval())
		j.NextRunAt = &next
	}
	if err := s.store.CreateJob(ctx, &j); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return storage.Job{}, duplicateName(j.Name)
		}
		return storage.Job{}, fmt.Errorf("creating job: %w", err)
	}
	if j.IsActive {
		s.armLocked(j, *j.NextRunAt)
	}
	s.logger.Info("job created", "job", j.Name, "id", j.ID, "active", j.IsActive, "interval", j.IntervalSeconds)
	return j, nil
}

func duplicateName(name string) error {
	return &ValidationError{Field: "name", Message: fmt.Sprintf("a job named %q already exists", name)}
}

// Update applies patch to a job. Run history is kept; an active job is
// re-armed at now+interval when its interval or activation changes.
func (s *Scheduler) Update(ctx context.Context, id int64, patch JobPatch) (storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.Job{}, ErrClosed
	}

	current, err := s.store.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, err
	}
	j, err := applyPatch(current, patch)
	if err != nil {
		return storage.Job{}, err
	}

	now := s.clock()
	j.UpdatedAt = now
	switch {
	case !j.IsActive:
		j.NextRunAt = nil
	case !current.IsActive || current.IntervalSeconds != j.IntervalSeconds || current.NextRunAt == nil:
		next := now.Add(j.Interval())
		j.NextRunAt = &next
	}
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return storage.Job{}, fmt.Errorf("updating job: %w", err)
	}

	if j.IsActive {
		s.armLocked(j, *j.NextRunAt)
	} else {
		s.disarmLocked(id)
	}
	s.logger.Info("job updated", "job", j.Name, "id", id, "active", j.IsActive)
	return j, nil
}

// Delete disarms and removes a job. Its listings stay.
func (s *Scheduler) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.disarmLocked(id)
	s.forgetLock(id)
	s.logger.Info("job deleted", "id", id)
	return nil
}

// Start activates a job and arms it at now+interval.
func (s *Scheduler) Start(ctx context.Context, id int64) (storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.Job{}, ErrClosed
	}

	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, err
	}
	now := s.clock()
	next := now.Add(j.Interval())
	if err := s.store.SetJobActive(ctx, id, true, &next, now); err != nil {
		return storage.Job{}, fmt.Errorf("starting job: %w", err)
	}
	j.IsActive, j.NextRunAt, j.UpdatedAt = true, &next, now
	s.armLocked(j, next)
	s.logger.Info("job started", "job", j.Name, "id", id, "next_run_at", next)
	return j, nil
}

// Stop deactivates a job and cancels its timer. A run in progress finishes.
func (s *Scheduler) Stop(ctx context.Context, id int64) (storage.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, err
	}
	now := s.clock()
	if err := s.store.SetJobActive(ctx, id, false, nil, now); err != nil {
		return storage.Job{}, fmt.Errorf("stopping job: %w", err)
	}
	s.disarmLocked(id)
	j.IsActive, j.NextRunAt, j.UpdatedAt = false, nil, now
	s.logger.Info("job stopped", "job", j.Name, "id", id)
	return j, nil
}

// RunNow executes a job synchronously and returns it with the new run
// recorded. It fails with *AlreadyRunningError while another run is active.
func (s *Scheduler) RunNow(ctx context.Context, id int64) (storage.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return storage.Job{}, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	lock := s.lockFor(id)
	if !lock.TryLock() {
		return storage.Job{}, &AlreadyRunningError{JobID: id, Name: j.Name}
	}
	defer lock.Unlock()

	return s.run(s.ctx, j)
}

// Get returns one job.
func (s *Scheduler) Get(ctx context.Context, id int64) (storage.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns all jobs.
func (s *Scheduler) List(ctx context.Context) ([]storage.Job, error) {
	return s.store.ListJobs(ctx)
}

// Armed returns the number of jobs with a pending timer.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Load seeds configured jobs, arms every active job and starts the timers.
// A stored next_run_at still in the future is kept; otherwise the job is due
// one interval from now.
func (s *Scheduler) Load(ctx context.Context) error {
	seeds, err := parseSeedJobs(s.opts.SeedJobs)
	if err != nil {
		s.logger.Error("ignoring seed jobs", "error", err)
	}
	for _, in := range seeds {
		if _, err := s.store.GetJobByName(ctx, strings.TrimSpace(in.Name)); err == nil {
			s.logger.Debug("seed job already exists", "job", in.Name)
			continue
		}
		if _, err := s.Create(ctx, in); err != nil {
			s.logger.Warn("skipping seed job", "job", in.Name, "error", err)
			continue
		}
		s.logger.Info("seeded job", "job", in.Name)
	}

	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("loading active jobs: %w", err)
	}

	s.mu.Lock()
	now := s.clock()
	for _, j := range jobs {
		next := now.Add(j.Interval())
		if j.NextRunAt != nil && j.NextRunAt.After(now) {
			next = *j.NextRunAt
		} else if err := s.store.SetNextRun(ctx, j.ID, next); err != nil {
			s.logger.Warn("could not persist next run", "job", j.Name, "error", err)
		}
		s.armLocked(j, next)
	}
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler loaded", "armed", len(jobs))
	return nil
}

// Shutdown cancels every timer and waits for in-flight runs. When ctx ends
// first, running jobs are cancelled and ctx's error is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id := range s.entries {
		s.disarmLocked(id)
	}
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timed out, cancelling running jobs")
		return ctx.Err()
	}
}

// fire is the timer callback.
func (s *Scheduler) fire(id int64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	j, err := s.store.GetJob(s.ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.mu.Lock()
			s.disarmLocked(id)
			s.mu.Unlock()
			return
		}
		s.logger.Error("loading job for scheduled run", "id", id, "error", err)
		return
	}
	if !j.IsActive {
		s.mu.Lock()
		s.disarmLocked(id)
		s.mu.Unlock()
		return
	}

	lock := s.lockFor(id)
	if !lock.TryLock() {
		s.logger.Info("skipping scheduled run, job already running", "job", j.Name)
		return
	}
	defer lock.Unlock()

	if _, err := s.run(s.ctx, j); err != nil {
		s.logger.Error("scheduled run bookkeeping failed", "job", j.Name, "error", err)
	}
}

// run executes j, records the outcome and re-arms relative to completion.
// The caller holds the job's run lock.
func (s *Scheduler) run(ctx context.Context, j storage.Job) (storage.Job, error) {
	out := s.exec.Execute(ctx, j)

	finished := out.FinishedAt
	if finished.IsZero() {
		finished = s.clock()
	}
	next := finished.Add(j.Interval())
	rec := storage.RunRecord{
		Status:      out.Status,
		Message:     out.Message,
		FinishedAt:  finished,
		Duration:    out.Duration,
		ResultCount: out.ResultCount,
		NextRunAt:   next,
	}

	bookCtx := context.WithoutCancel(ctx)
	if err := s.store.RecordRun(bookCtx, j.ID, rec); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Job{}, err
		}
		return storage.Job{}, fmt.Errorf("recording run: %w", err)
	}
	if s.events != nil {
		s.events.RunFinished(bookCtx, j, out)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.store.GetJob(bookCtx, j.ID)
	if err != nil {
		return storage.Job{}, err
	}
	if current.IsActive && !s.closed {
		s.armLocked(current, next)
	}
	return current, nil
}

// armLocked (re)places the timer of j to fire first at at and then every
// interval. Callers hold s.mu.
func (s *Scheduler) armLocked(j storage.Job, at time.Time) {
	if s.closed {
		return
	}
	if old, ok := s.entries[j.ID]; ok {
		s.cron.Remove(old)
	}
	id := j.ID
	s.entries[id] = s.cron.Schedule(s.schedule(at, j.Interval()), cron.FuncJob(func() { s.fire(id) }))
}

func (s *Scheduler) disarmLocked(id int64) {
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
}

func (s *Scheduler) lockFor(id int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// forgetLock drops the run lock of a deleted job. A lock held by a run still
// in flight is left for that run.
func (s *Scheduler) forgetLock(id int64) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[id]; ok && l.TryLock() {
		delete(s.locks, id)
		l.Unlock()
	}
}
