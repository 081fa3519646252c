package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mkrv/dispatchly/internal/models"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create creates a new campaign in draft status.
func (r *CampaignRepository) Create(c *models.Campaign) error {
	c.ID = uuid.New().String()
	c.Status = models.CampaignDraft
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO campaigns (id, owner_id, name, channel, subject, content, status, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Name, c.Channel, c.Subject, c.Content, c.Status, c.ScheduledAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// GetByID returns a campaign by ID, or nil if it does not exist.
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	c := &models.Campaign{}
	var scheduledAt, sentAt, completedAt sql.NullTime

	err := r.db.QueryRow(`
		SELECT id, owner_id, name, channel, subject, content, status, scheduled_at, sent_at, completed_at, created_at, updated_at
		FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.OwnerID, &c.Name, &c.Channel, &c.Subject, &c.Content, &c.Status,
		&scheduledAt, &sentAt, &completedAt, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if scheduledAt.Valid {
		c.ScheduledAt = &scheduledAt.Time
	}
	if sentAt.Valid {
		c.SentAt = &sentAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

// MarkSending transitions the campaign to sending and stamps sent_at. This
// happens before the first provider call, so a crash mid-dispatch leaves
// the campaign visibly stuck in sending until a retry finishes the job.
func (r *CampaignRepository) MarkSending(id string) error {
	now := time.Now().UTC()
	_, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, sent_at = ?, updated_at = ? WHERE id = ?`,
		models.CampaignSending, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark campaign sending: %w", err)
	}
	return nil
}

// MarkScheduled stamps the scheduled time and moves the campaign to
// scheduled.
func (r *CampaignRepository) MarkScheduled(id string, at time.Time) error {
	now := time.Now().UTC()
	_, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, scheduled_at = ?, updated_at = ? WHERE id = ?`,
		models.CampaignScheduled, at.UTC(), now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark campaign scheduled: %w", err)
	}
	return nil
}

// MarkCompleted records the terminal status (sent or failed) and stamps
// completed_at.
func (r *CampaignRepository) MarkCompleted(id, status string) error {
	now := time.Now().UTC()
	_, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		status, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete campaign: %w", err)
	}
	return nil
}

// RevertToDraft clears scheduling state after a cancel.
func (r *CampaignRepository) RevertToDraft(id string) error {
	_, err := r.db.Exec(`
		UPDATE campaigns SET status = ?, scheduled_at = NULL, updated_at = ? WHERE id = ?`,
		models.CampaignDraft, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to revert campaign: %w", err)
	}
	return nil
}
