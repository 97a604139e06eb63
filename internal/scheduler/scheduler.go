// Package scheduler decides when campaign jobs run and hands them to the dispatch engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foxzi/campaignd/internal/job"
	"github.com/foxzi/campaignd/internal/metrics"
)

// ErrNotCancellable is returned when cancelling a job that already finished
var ErrNotCancellable = errors.New("job cannot be cancelled")

// Runner executes jobs
type Runner interface {
	Run(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
}

// Config contains scheduler configuration
type Config struct {
	SweepInterval     time.Duration
	GraceDelay        time.Duration
	ResumeInterrupted bool
}

// Scheduler activates jobs at their scheduled time. Timers only reduce
// latency; the store's schedule index is swept periodically and is the
// source of truth, so jobs survive restarts.
type Scheduler struct {
	store  job.Store
	runner Runner
	cfg    Config
	logger *slog.Logger
	cron   *cron.Cron
	now    func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
	active  map[string]context.CancelFunc
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New creates a new scheduler
func New(store job.Store, runner Runner, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = time.Second
	}

	return &Scheduler{
		store:  store,
		runner: runner,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		timers: make(map[string]*time.Timer),
		active: make(map[string]context.CancelFunc),
	}
}

// Start resumes interrupted jobs, runs a first sweep and starts the
// periodic sweep
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if s.cfg.ResumeInterrupted {
		if err := s.resumeInterrupted(ctx); err != nil {
			return err
		}
	}

	if err := s.Sweep(ctx); err != nil {
		return err
	}

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.cron.Schedule(cron.Every(s.cfg.SweepInterval), cron.FuncJob(func() {
		if err := s.Sweep(s.baseCtx); err != nil {
			s.logger.Error("schedule sweep failed", "error", err)
		}
	}))
	s.cron.Start()

	s.logger.Info("scheduler started", "sweep_interval", s.cfg.SweepInterval)
	return nil
}

// Stop disarms timers, interrupts running jobs and waits for them
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	cancel := s.cancel
	s.mu.Unlock()

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Submit arranges activation of a newly created job
func (s *Scheduler) Submit(j *job.Job) {
	if j.Status != job.StatusScheduled {
		return
	}

	delay := j.DueAt().Sub(s.now())
	if delay <= 0 {
		delay = s.cfg.GraceDelay
	}

	s.arm(j.ID, delay)
	s.logger.Debug("job submitted", "job_id", j.ID, "delay", delay)
}

// Sweep activates due scheduled jobs and arms timers for the rest
func (s *Scheduler) Sweep(ctx context.Context) error {
	jobs, err := s.store.Scheduled(ctx)
	if err != nil {
		return fmt.Errorf("failed to list scheduled jobs: %w", err)
	}

	now := s.now()
	for _, j := range jobs {
		if j.Due(now) {
			s.disarm(j.ID)
			s.launch(j.ID, false, "sweep")
			continue
		}
		s.arm(j.ID, j.DueAt().Sub(now))
	}

	return nil
}

// Cancel marks a scheduled or running job cancelled and interrupts its waits
func (s *Scheduler) Cancel(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.store.SetStatus(ctx, id, job.StatusCancelled)
	if err != nil {
		if errors.Is(err, job.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %v", ErrNotCancellable, err)
		}
		return nil, err
	}

	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	if cancel, ok := s.active[id]; ok {
		cancel()
	}
	s.mu.Unlock()

	metrics.IncJobsFinished(string(job.StatusCancelled))
	s.logger.Info("job cancelled", "job_id", id)
	return j, nil
}

// Active returns the number of jobs dispatching in this process
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Pending returns the number of armed timers
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// resumeInterrupted restarts jobs a previous process left running
func (s *Scheduler) resumeInterrupted(ctx context.Context) error {
	jobs, err := s.store.List(ctx, job.ListFilter{Status: job.StatusRunning})
	if err != nil {
		return fmt.Errorf("failed to list running jobs: %w", err)
	}

	for _, j := range jobs {
		s.logger.Info("resuming interrupted job", "job_id", j.ID)
		s.launch(j.ID, true, "resume")
	}

	return nil
}

func (s *Scheduler) arm(id string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, ok := s.active[id]; ok {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}

	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		s.launch(id, false, "timer")
	})
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// launch runs the job in its own goroutine unless it is already in flight
func (s *Scheduler) launch(id string, resume bool, trigger string) {
	s.mu.Lock()
	if s.stopped || s.baseCtx == nil {
		s.mu.Unlock()
		return
	}
	if _, ok := s.active[id]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.active[id] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.IncJobsActivated(trigger)

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, id)
			s.mu.Unlock()
			cancel()
		}()

		logger := s.logger.With("job_id", id, "trigger", trigger)
		logger.Debug("job activated")

		var err error
		if resume {
			err = s.runner.Resume(ctx, id)
		} else {
			err = s.runner.Run(ctx, id)
		}
		if err != nil {
			logger.Error("job run failed", "error", err)
		}
	}()
}
