// Package dispatch runs campaign jobs: it checks the gateway, validates
// recipients and sends to each of them in order with retry and backoff.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/campaignd/internal/eventlog"
	"github.com/foxzi/campaignd/internal/gateway"
	"github.com/foxzi/campaignd/internal/job"
	"github.com/foxzi/campaignd/internal/metrics"
	"github.com/foxzi/campaignd/internal/target"
)

// Gateway is the part of the gateway client the engine uses
type Gateway interface {
	CheckConnection(ctx context.Context, cfg gateway.Config) gateway.ConnectionStatus
	Send(ctx context.Context, cfg gateway.Config, t target.Target, j *job.Job) (*gateway.SendResult, error)
}

// Config contains engine configuration
type Config struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	ProgressEvery int
	// SendRate limits sends per second across all jobs, 0 is unlimited
	SendRate  float64
	SendBurst int
}

// Engine executes campaign jobs
type Engine struct {
	store    job.Store
	gw       Gateway
	provider gateway.Provider
	sink     eventlog.Sink
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d job.Delays) time.Duration
	now    func() time.Time
}

// NewEngine creates a new dispatch engine
func NewEngine(store job.Store, gw Gateway, provider gateway.Provider, sink eventlog.Sink, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 10
	}

	e := &Engine{
		store:    store,
		gw:       gw,
		provider: provider,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepContext,
		jitter:   jitter,
		now:      time.Now,
	}

	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}

	return e
}

// run holds the state of one job execution
type run struct {
	job      *job.Job
	cfg      gateway.Config
	targets  []target.Target
	progress job.Progress
	logger   *slog.Logger
}

// Run activates a scheduled job and dispatches it. ctx is the job's wait
// context: it is cancelled when the job is cancelled or the process stops.
// A job that is no longer scheduled is left alone.
func (e *Engine) Run(ctx context.Context, id string) error {
	j, err := e.store.Transition(ctx, id, job.StatusScheduled, job.StatusRunning)
	if err != nil {
		if errors.Is(err, job.ErrStatusConflict) {
			e.logger.Debug("job already activated", "job_id", id)
			return nil
		}
		return fmt.Errorf("failed to activate job %s: %w", id, err)
	}

	return e.dispatch(ctx, j, false)
}

// Resume continues a job left running by a previous process from its
// persisted progress
func (e *Engine) Resume(ctx context.Context, id string) error {
	j, err := e.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if j.Status != job.StatusRunning {
		return nil
	}

	return e.dispatch(ctx, j, true)
}

// dispatch runs the job and force-fails it on unexpected errors
func (e *Engine) dispatch(ctx context.Context, j *job.Job, resume bool) (err error) {
	metrics.IncJobsRunning()
	defer metrics.DecJobsRunning()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = e.abort(ctx, j.ID, err)
		}
	}()

	return e.execute(ctx, j, resume)
}

func (e *Engine) execute(ctx context.Context, j *job.Job, resume bool) error {
	r := &run{
		job:    j,
		cfg:    e.provider.Config(),
		logger: e.logger.With("job_id", j.ID),
	}

	// In-flight calls are never aborted by cancellation
	status := e.gw.CheckConnection(context.WithoutCancel(ctx), r.cfg)
	metrics.IncGatewayChecks(status.Connected)
	if !status.Connected {
		return e.fail(ctx, r, fmt.Errorf("%w: %s", ErrGatewayUnreachable, status.Reason()).Error())
	}

	valid, rejected := target.ValidateAll(j.Targets)
	r.targets = valid

	start := 0
	if resume && j.Progress != nil {
		r.progress = *j.Progress
		start = r.progress.Current
		e.log(ctx, eventlog.TypeInfo, fmt.Sprintf("Resuming campaign %s from recipient %d of %d...", j.ID, start+1, len(valid)))
	} else {
		for _, rej := range rejected {
			r.progress.Invalid++
			metrics.IncInvalidTargets(string(target.TypeNumber))
			e.log(ctx, eventlog.TypeWarning, fmt.Sprintf("Invalid number skipped: %s - %v", rej.Original, rej.Err))
		}
		e.log(ctx, eventlog.TypeInfo, fmt.Sprintf("Instance connected (%s). Starting campaign %s for %d recipients...", status.State, j.ID, len(j.Targets)))
	}
	r.progress.Total = len(valid)

	if len(valid) == 0 {
		return e.fail(ctx, r, "no valid recipients")
	}

	if start > 0 && start >= len(valid) {
		return e.complete(ctx, r)
	}

	for i := start; i < len(valid); i++ {
		stop, err := e.checkStop(ctx, r)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}

		t := valid[i]
		sendErr := e.deliverSafe(ctx, r, t)
		if errors.Is(sendErr, errInterrupted) {
			return e.interrupted(ctx, r)
		}

		r.progress.Current = i + 1
		if sendErr == nil {
			r.progress.Success++
			metrics.IncSends(string(t.Type), "success")
			e.log(ctx, eventlog.TypeSuccess, fmt.Sprintf("Sent to %s (%d/%d)", t.Label(), i+1, len(valid)))
		} else {
			r.progress.Fail++
			metrics.IncSends(string(t.Type), "fail")
			e.log(ctx, eventlog.TypeError, fmt.Sprintf("Failed to send to %s: %s", t.Number, sendMessage(sendErr)))
			r.logger.Warn("send failed", "target", t.Number, "error", sendErr)
		}

		if r.progress.Current%e.cfg.ProgressEvery == 0 || i == len(valid)-1 {
			if err := e.saveProgress(ctx, r, true); err != nil {
				return err
			}
		}

		if i < len(valid)-1 {
			if err := e.sleep(ctx, e.jitter(j.Delays)); err != nil {
				// Cancellation or shutdown, sorted out at the top of the loop
				continue
			}
		}
	}

	return e.complete(ctx, r)
}

// checkStop re-reads the persisted status before each target
func (e *Engine) checkStop(ctx context.Context, r *run) (bool, error) {
	current, err := e.store.Get(ctx, r.job.ID)
	if err != nil {
		return false, fmt.Errorf("failed to reload job: %w", err)
	}

	if current.Status == job.StatusCancelled {
		e.log(ctx, eventlog.TypeWarning, "Campaign cancelled by user.")
		r.logger.Info("campaign cancelled", "current", r.progress.Current, "total", r.progress.Total)
		return true, e.saveProgress(ctx, r, false)
	}

	if current.Status != job.StatusRunning {
		r.logger.Warn("job left running status", "status", current.Status)
		return true, nil
	}

	if ctx.Err() != nil {
		return true, e.interrupted(ctx, r)
	}

	return false, nil
}

// interrupted handles a stopped wait context. The job may have been
// cancelled meanwhile; otherwise the process is shutting down and the job
// stays running to be resumed.
func (e *Engine) interrupted(ctx context.Context, r *run) error {
	current, err := e.store.Get(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("failed to reload job: %w", err)
	}

	if current.Status == job.StatusCancelled {
		e.log(ctx, eventlog.TypeWarning, "Campaign cancelled by user.")
		return e.saveProgress(ctx, r, false)
	}

	r.logger.Info("dispatch interrupted, job will resume on restart", "current", r.progress.Current)
	return e.saveProgress(ctx, r, true)
}

// deliverSafe runs deliver and turns a panic into a failure for this target
func (e *Engine) deliverSafe(ctx context.Context, r *run, t target.Target) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic while sending", "target", t.Number, "panic", rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return e.deliver(ctx, r, t)
}

// deliver sends to one target with up to MaxAttempts attempts
func (e *Engine) deliver(ctx context.Context, r *run, t target.Target) error {
	maxAttempts := e.cfg.MaxAttempts
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return errInterrupted
			}
		}

		started := e.now()
		res, err := e.gw.Send(context.WithoutCancel(ctx), r.cfg, t, r.job)
		metrics.ObserveSendDuration(string(t.Type), time.Since(started).Seconds())

		reason := "status"
		switch {
		case err != nil:
			metrics.IncSendAttempts("transport")
			reason = "transport"
			lastErr = fmt.Errorf("%w: %v", ErrSendTransient, err)
		case res.OK():
			metrics.IncSendAttempts("ok")
			return nil
		case nonRetryable(res.StatusCode):
			metrics.IncSendAttempts("rejected")
			return fmt.Errorf("%w: %s", ErrSendRejected, res.ErrorMessage())
		default:
			metrics.IncSendAttempts("transient")
			lastErr = fmt.Errorf("%w: %s", ErrSendTransient, res.ErrorMessage())
		}

		if attempt < maxAttempts {
			metrics.IncSendRetries(reason)
			e.log(ctx, eventlog.TypeWarning, fmt.Sprintf("Attempt %d/%d failed for %s, retrying...", attempt, maxAttempts, t.Number))

			// The target is retried from its first attempt on resume
			if err := e.sleep(ctx, e.cfg.BackoffBase*time.Duration(attempt)); err != nil {
				return errInterrupted
			}
		}
	}

	return lastErr
}

// saveProgress persists the run progress. With requireRunning the write is
// skipped if the job is no longer running.
func (e *Engine) saveProgress(ctx context.Context, r *run, requireRunning bool) error {
	p := r.progress
	_, err := e.store.Update(ctx, r.job.ID, func(j *job.Job) error {
		if requireRunning && j.Status != job.StatusRunning {
			return errNotRunning
		}
		j.Progress = &p
		return nil
	})
	if err != nil && !errors.Is(err, errNotRunning) {
		return fmt.Errorf("failed to save progress: %w", err)
	}
	return nil
}

// complete marks the job completed if it is still running
func (e *Engine) complete(ctx context.Context, r *run) error {
	p := r.progress
	p.Current = p.Total
	now := e.now()

	_, err := e.store.Update(ctx, r.job.ID, func(j *job.Job) error {
		if j.Status != job.StatusRunning {
			return errNotRunning
		}
		j.Status = job.StatusCompleted
		j.CompletedAt = &now
		j.Progress = &p
		j.Results = &job.Results{
			Success: p.Success,
			Fail:    p.Fail,
			Total:   p.Total,
			Invalid: p.Invalid,
		}
		return nil
	})
	if errors.Is(err, errNotRunning) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	metrics.IncJobsFinished(string(job.StatusCompleted))
	successRate := float64(p.Success) / float64(p.Total) * 100
	e.log(ctx, eventlog.TypeSuccess, fmt.Sprintf("Campaign %s finished! %d successes (%.1f%%), %d failures of %d recipients.",
		r.job.ID, p.Success, successRate, p.Fail, p.Total))
	r.logger.Info("campaign completed", "success", p.Success, "fail", p.Fail, "invalid", p.Invalid, "total", p.Total)

	return nil
}

// fail marks the job failed with reason if it is still running
func (e *Engine) fail(ctx context.Context, r *run, reason string) error {
	p := r.progress
	now := e.now()

	_, err := e.store.Update(ctx, r.job.ID, func(j *job.Job) error {
		if j.Status != job.StatusRunning {
			return errNotRunning
		}
		j.Status = job.StatusFailed
		j.Error = reason
		j.CompletedAt = &now
		j.Progress = &p
		return nil
	})
	if errors.Is(err, errNotRunning) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	metrics.IncJobsFinished(string(job.StatusFailed))
	e.log(ctx, eventlog.TypeError, fmt.Sprintf("Campaign %s failed: %s", r.job.ID, reason))
	r.logger.Warn("campaign failed", "reason", reason)

	return nil
}

// abort force-fails a job after an unexpected error and returns the cause
func (e *Engine) abort(ctx context.Context, id string, cause error) error {
	e.logger.Error("campaign aborted", "job_id", id, "error", cause)
	e.log(ctx, eventlog.TypeError, fmt.Sprintf("Error processing campaign %s: %v", id, cause))

	now := e.now()
	_, err := e.store.Update(ctx, id, func(j *job.Job) error {
		if j.Status != job.StatusRunning {
			return errNotRunning
		}
		j.Status = job.StatusFailed
		j.Error = cause.Error()
		j.CompletedAt = &now
		return nil
	})
	if err == nil {
		metrics.IncJobsFinished(string(job.StatusFailed))
	} else if !errors.Is(err, errNotRunning) {
		e.logger.Error("failed to mark job failed", "job_id", id, "error", err)
	}

	return cause
}

// log appends to the event log; a failing sink never stops a campaign
func (e *Engine) log(ctx context.Context, typ eventlog.Type, text string) {
	if err := e.sink.Append(context.WithoutCancel(ctx), typ, text); err != nil {
		e.logger.Error("failed to append event log", "error", err)
	}
}

// sendMessage strips the taxonomy prefix for operator-facing entries
func sendMessage(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{ErrSendRejected, ErrSendTransient} {
		if errors.Is(err, sentinel) {
			return strings.TrimPrefix(msg, sentinel.Error()+": ")
		}
	}
	return msg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// jitter returns a uniform whole number of seconds in [Min, Max]
func jitter(d job.Delays) time.Duration {
	lo, hi := d.Min, d.Max
	if hi < lo {
		lo, hi = hi, lo
	}
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	return time.Duration(rand.IntN(hi-lo+1)+lo) * time.Second
}
