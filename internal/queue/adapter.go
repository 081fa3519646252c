package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrPastSchedule is returned when a schedule time is not in the future.
var ErrPastSchedule = errors.New("scheduled time must be in the future")

// AdapterConfig contains job defaults.
type AdapterConfig struct {
	MaxAttempts int
}

// Adapter is the campaign-facing surface of the job broker. It knows
// nothing about campaign semantics beyond the IDs it carries; marking a
// campaign failed on exhaustion is the handler's job.
type Adapter struct {
	storage *BoltStorage
	cfg     AdapterConfig
	logger  *slog.Logger
}

// NewAdapter creates a queue adapter.
func NewAdapter(storage *BoltStorage, cfg AdapterConfig, logger *slog.Logger) *Adapter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Adapter{
		storage: storage,
		cfg:     cfg,
		logger:  logger.With("component", "queue"),
	}
}

// Enqueue adds a dispatch job, waiting immediately or delayed by the
// given duration. Duplicate enqueues for the same campaign are not
// detected here.
func (a *Adapter) Enqueue(ctx context.Context, campaignID, ownerID string, delay time.Duration, priority int) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:          uuid.New().String(),
		CampaignID:  campaignID,
		OwnerID:     ownerID,
		Priority:    priority,
		Status:      StatusWaiting,
		RunAt:       now,
		MaxAttempts: a.cfg.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if delay > 0 {
		job.Status = StatusDelayed
		job.RunAt = now.Add(delay)
	}

	if err := a.storage.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	a.logger.Info("job enqueued",
		"job_id", job.ID,
		"campaign_id", campaignID,
		"status", job.Status,
		"run_at", job.RunAt,
		"priority", priority,
	)
	return job, nil
}

// Schedule enqueues a job to run at an absolute time. The time must be in
// the future.
func (a *Adapter) Schedule(ctx context.Context, campaignID, ownerID string, at time.Time, priority int) (*Job, error) {
	delay := time.Until(at)
	if delay <= 0 {
		return nil, ErrPastSchedule
	}
	return a.Enqueue(ctx, campaignID, ownerID, delay, priority)
}

// Cancel removes still-queued jobs for a campaign. Returns false when no
// waiting or delayed job exists (already running or terminal).
func (a *Adapter) Cancel(ctx context.Context, campaignID string) (bool, error) {
	removed, err := a.storage.CancelByCampaign(ctx, campaignID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel jobs: %w", err)
	}
	if removed {
		a.logger.Info("job cancelled", "campaign_id", campaignID)
	}
	return removed, nil
}

// Stats reports per-status job counts.
func (a *Adapter) Stats(ctx context.Context) (*Stats, error) {
	return a.storage.Stats(ctx)
}

// Sweep removes old terminal jobs.
func (a *Adapter) Sweep(ctx context.Context, maxAgeCompleted, maxAgeFailed time.Duration) (int, error) {
	n, err := a.storage.Sweep(ctx, maxAgeCompleted, maxAgeFailed)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.logger.Info("queue swept", "deleted", n)
	}
	return n, nil
}
