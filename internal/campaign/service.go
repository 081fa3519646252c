package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkrv/dispatchly/internal/dispatch"
	"github.com/mkrv/dispatchly/internal/models"
	"github.com/mkrv/dispatchly/internal/queue"
	"github.com/mkrv/dispatchly/internal/sender"
	"github.com/mkrv/dispatchly/internal/store"
)

var (
	// ErrCampaignNotFound is permanent: retrying a job for a campaign that
	// does not exist cannot succeed.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrNoRecipients is permanent: a campaign with no targets has nothing
	// to dispatch.
	ErrNoRecipients = errors.New("campaign has no recipients")

	// ErrInvalidState is returned when an operation does not apply to the
	// campaign's current status.
	ErrInvalidState = errors.New("operation not valid for campaign status")

	// ErrNotCancelable is returned when no waiting or delayed job exists
	// for the campaign.
	ErrNotCancelable = errors.New("campaign has no cancelable job")
)

// Service owns campaign lifecycle transitions. It is also the queue
// handler: dispatch jobs land in Handle, and Exhausted applies the
// terminal status when retries run out.
type Service struct {
	campaigns  *store.CampaignRepository
	recipients *store.RecipientRepository
	broker     *queue.Adapter
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewService creates a campaign service.
func NewService(
	campaigns *store.CampaignRepository,
	recipients *store.RecipientRepository,
	broker *queue.Adapter,
	dispatcher *dispatch.Dispatcher,
	logger *slog.Logger,
) *Service {
	return &Service{
		campaigns:  campaigns,
		recipients: recipients,
		broker:     broker,
		dispatcher: dispatcher,
		logger:     logger.With("component", "campaign"),
	}
}

// Queue enqueues an immediate dispatch job for a draft campaign.
func (s *Service) Queue(ctx context.Context, campaignID string, priority int) (*queue.Job, error) {
	c, err := s.validateDispatchable(campaignID)
	if err != nil {
		return nil, err
	}
	return s.broker.Enqueue(ctx, c.ID, c.OwnerID, 0, priority)
}

// Schedule enqueues a dispatch job for a future time and moves the
// campaign to scheduled.
func (s *Service) Schedule(ctx context.Context, campaignID string, at time.Time, priority int) (*queue.Job, error) {
	c, err := s.validateDispatchable(campaignID)
	if err != nil {
		return nil, err
	}

	job, err := s.broker.Schedule(ctx, c.ID, c.OwnerID, at, priority)
	if err != nil {
		return nil, err
	}

	if err := s.campaigns.MarkScheduled(c.ID, at); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel removes the campaign's queued job and reverts it to draft. Only
// jobs that have not started can be cancelled; an active dispatch runs to
// completion.
func (s *Service) Cancel(ctx context.Context, campaignID string) error {
	c, err := s.campaigns.GetByID(campaignID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrCampaignNotFound
	}

	removed, err := s.broker.Cancel(ctx, campaignID)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotCancelable
	}
	return s.campaigns.RevertToDraft(campaignID)
}

// Status returns a campaign with its per-recipient breakdown.
func (s *Service) Status(ctx context.Context, campaignID string) (*models.Campaign, models.RecipientCounts, error) {
	c, err := s.campaigns.GetByID(campaignID)
	if err != nil {
		return nil, models.RecipientCounts{}, err
	}
	if c == nil {
		return nil, models.RecipientCounts{}, ErrCampaignNotFound
	}
	counts, err := s.recipients.Counts(campaignID)
	if err != nil {
		return nil, models.RecipientCounts{}, err
	}
	return c, counts, nil
}

// Handle implements queue.Handler.
func (s *Service) Handle(ctx context.Context, job *queue.Job) error {
	return s.Send(ctx, job.CampaignID)
}

// Exhausted implements queue.Handler: the job is out of retries, so the
// campaign gets its terminal status from whatever the attempts achieved.
func (s *Service) Exhausted(ctx context.Context, job *queue.Job, err error) {
	s.logger.Error("dispatch job exhausted", "campaign_id", job.CampaignID, "error", err)
	if ferr := s.finalize(job.CampaignID); ferr != nil {
		s.logger.Error("failed to finalize campaign", "campaign_id", job.CampaignID, "error", ferr)
	}
}

// Send runs one dispatch attempt for a campaign. It is safe to call again
// after a partial failure: recipients resolved by earlier attempts are
// skipped. A non-nil return means some recipients remain pending and the
// attempt should be retried.
func (s *Service) Send(ctx context.Context, campaignID string) error {
	c, err := s.campaigns.GetByID(campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if c == nil {
		return ErrCampaignNotFound
	}
	if c.Status == models.CampaignSent || c.Status == models.CampaignFailed {
		s.logger.Info("campaign already finished, skipping", "campaign_id", campaignID, "status", c.Status)
		return nil
	}

	total, err := s.recipients.CountByCampaign(campaignID)
	if err != nil {
		return fmt.Errorf("failed to count recipients: %w", err)
	}
	if total == 0 {
		return ErrNoRecipients
	}

	if c.Status != models.CampaignSending {
		if err := s.campaigns.MarkSending(campaignID); err != nil {
			return err
		}
	}

	outcome, err := s.dispatcher.Dispatch(ctx, c)
	s.logger.Info("dispatch attempt finished",
		"campaign_id", campaignID,
		"sent", outcome.Sent,
		"failed", outcome.Failed,
		"retryable", outcome.Retryable,
	)
	if err != nil {
		return err
	}
	return s.finalize(campaignID)
}

// validateDispatchable checks that a campaign exists, is in draft, and
// targets at least one contact.
func (s *Service) validateDispatchable(campaignID string) (*models.Campaign, error) {
	c, err := s.campaigns.GetByID(campaignID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCampaignNotFound
	}
	if c.Status != models.CampaignDraft {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, c.Status)
	}

	total, err := s.recipients.CountByCampaign(campaignID)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, ErrNoRecipients
	}
	return c, nil
}

// finalize applies the aggregate terminal status: failed only when not a
// single recipient was reached, sent otherwise.
func (s *Service) finalize(campaignID string) error {
	counts, err := s.recipients.Counts(campaignID)
	if err != nil {
		return fmt.Errorf("failed to count recipients: %w", err)
	}

	status := models.CampaignSent
	if counts.Succeeded() == 0 {
		status = models.CampaignFailed
	}

	if err := s.campaigns.MarkCompleted(campaignID, status); err != nil {
		return err
	}
	s.logger.Info("campaign completed",
		"campaign_id", campaignID,
		"status", status,
		"succeeded", counts.Succeeded(),
		"failed", counts.Failed,
	)
	return nil
}

// IsTemporary is the queue's error checker: campaign-level sentinels are
// permanent, provider errors defer to the sender classification.
func IsTemporary(err error) bool {
	if errors.Is(err, ErrCampaignNotFound) || errors.Is(err, ErrNoRecipients) || errors.Is(err, ErrInvalidState) {
		return false
	}
	return sender.IsTemporary(err)
}
