package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler executes dispatch jobs. Exhausted is called once when a job has
// no retries left (or failed permanently); that is where campaign-level
// failure semantics live.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
	Exhausted(ctx context.Context, job *Job, err error)
}

// ErrorChecker reports whether an error is temporary and worth retrying.
type ErrorChecker func(err error) bool

// RunnerConfig contains runner configuration.
type RunnerConfig struct {
	Workers      int
	PollInterval time.Duration
	RetryBase    time.Duration
}

// Runner pulls jobs from storage with a small worker pool and drives the
// retry/backoff cycle.
type Runner struct {
	storage     *BoltStorage
	handler     Handler
	workers     int
	pollEvery   time.Duration
	retryBase   time.Duration
	isTemporary ErrorChecker
	logger      *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRunner creates a job runner.
func NewRunner(storage *BoltStorage, handler Handler, cfg RunnerConfig, isTemp ErrorChecker, logger *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if isTemp == nil {
		isTemp = func(err error) bool { return true }
	}

	return &Runner{
		storage:     storage,
		handler:     handler,
		workers:     cfg.Workers,
		pollEvery:   cfg.PollInterval,
		retryBase:   cfg.RetryBase,
		isTemporary: isTemp,
		logger:      logger.With("component", "runner"),
		stopCh:      make(chan struct{}),
	}
}

// Start starts the worker pool.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("starting job runner", "workers", r.workers)

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}
}

// Stop stops the runner gracefully. In-flight jobs finish; jobs cannot be
// interrupted mid-dispatch.
func (r *Runner) Stop() {
	r.logger.Info("stopping job runner")
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("job runner stopped")
}

func (r *Runner) worker(ctx context.Context, id int) {
	defer r.wg.Done()

	logger := r.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-r.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			r.processOne(ctx, logger)
		}
	}
}

// processOne dequeues and executes a single job.
func (r *Runner) processOne(ctx context.Context, logger *slog.Logger) {
	job, err := r.storage.Dequeue(ctx)
	if err != nil {
		logger.Error("failed to dequeue job", "error", err)
		return
	}
	if job == nil {
		return // queue is empty
	}

	logger = logger.With("job_id", job.ID, "campaign_id", job.CampaignID)
	logger.Debug("processing job", "attempt", job.Attempts+1, "max_attempts", job.MaxAttempts)

	err = r.handler.Handle(ctx, job)
	if err == nil {
		job.Status = StatusCompleted
		job.UpdatedAt = time.Now()
		if err := r.storage.Update(ctx, job); err != nil {
			logger.Error("failed to update job status", "error", err)
		}
		logger.Info("job completed")
		return
	}

	job.Attempts++
	job.LastError = err.Error()
	job.UpdatedAt = time.Now()

	if r.isTemporary(err) && job.Attempts < job.MaxAttempts {
		backoff := r.calculateBackoff(job.Attempts)
		job.RunAt = time.Now().Add(backoff)

		logger.Warn("job deferred",
			"error", err,
			"attempt", job.Attempts,
			"next_run_at", job.RunAt,
			"backoff", backoff,
		)

		if err := r.storage.Defer(ctx, job); err != nil {
			logger.Error("failed to defer job", "error", err)
		}
		return
	}

	job.Status = StatusFailed
	logger.Error("job failed permanently", "error", err, "attempts", job.Attempts)

	if err := r.storage.Update(ctx, job); err != nil {
		logger.Error("failed to update job status", "error", err)
	}
	r.handler.Exhausted(ctx, job, err)
}

// calculateBackoff returns retry_base * 2^(attempt-1), capped.
func (r *Runner) calculateBackoff(attempt int) time.Duration {
	multiplier := 1 << (attempt - 1)
	if multiplier > 32 {
		multiplier = 32
	}

	backoff := time.Duration(multiplier) * r.retryBase

	maxBackoff := time.Hour
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}
