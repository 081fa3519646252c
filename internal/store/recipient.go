package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mkrv/dispatchly/internal/models"
)

type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// Add targets a contact with a campaign.
func (r *RecipientRepository) Add(campaignID, contactID string) (*models.CampaignRecipient, error) {
	rec := &models.CampaignRecipient{
		ID:         uuid.New().String(),
		CampaignID: campaignID,
		ContactID:  contactID,
		Status:     models.RecipientPending,
		CreatedAt:  time.Now().UTC(),
	}

	_, err := r.db.Exec(`
		INSERT INTO campaign_recipients (id, campaign_id, contact_id, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.CampaignID, rec.ContactID, rec.Status, rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add recipient: %w", err)
	}
	return rec, nil
}

// CountByCampaign returns the total number of recipients targeted by a
// campaign, regardless of status.
func (r *RecipientRepository) CountByCampaign(campaignID string) (int, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id = ?", campaignID,
	).Scan(&n)
	return n, err
}

// ListPending returns the pending recipients of a campaign joined with
// their contacts, in stable creation order. Rows already resolved by a
// previous attempt are excluded, which is what makes whole-job retries
// skip contacts that were already sent.
func (r *RecipientRepository) ListPending(campaignID string) ([]models.RecipientContact, error) {
	rows, err := r.db.Query(`
		SELECT cr.id, cr.campaign_id, cr.contact_id, cr.status, cr.created_at,
			ct.id, ct.owner_id, ct.email, ct.phone, ct.first_name, ct.last_name, ct.company,
			ct.email_opted_out, ct.sms_opted_out, ct.created_at
		FROM campaign_recipients cr
		JOIN contacts ct ON cr.contact_id = ct.id
		WHERE cr.campaign_id = ? AND cr.status = ?
		ORDER BY cr.created_at, cr.id`,
		campaignID, models.RecipientPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.RecipientContact{}
	for rows.Next() {
		var rc models.RecipientContact
		var email, phone, firstName, lastName, company sql.NullString
		err := rows.Scan(
			&rc.Recipient.ID, &rc.Recipient.CampaignID, &rc.Recipient.ContactID,
			&rc.Recipient.Status, &rc.Recipient.CreatedAt,
			&rc.Contact.ID, &rc.Contact.OwnerID, &email, &phone, &firstName, &lastName, &company,
			&rc.Contact.EmailOptedOut, &rc.Contact.SMSOptedOut, &rc.Contact.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		rc.Contact.Email = email.String
		rc.Contact.Phone = phone.String
		rc.Contact.FirstName = firstName.String
		rc.Contact.LastName = lastName.String
		rc.Contact.Company = company.String
		out = append(out, rc)
	}
	return out, rows.Err()
}

// MarkSent resolves a pending recipient as sent. The conditional update is
// the idempotency boundary: a retried job racing an earlier attempt can
// resolve each recipient at most once.
func (r *RecipientRepository) MarkSent(id string) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE campaign_recipients SET status = ?, sent_at = ?
		WHERE id = ? AND status = ?`,
		models.RecipientSent, time.Now().UTC(), id, models.RecipientPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark recipient sent: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkFailed resolves a pending recipient as failed with an error message.
func (r *RecipientRepository) MarkFailed(id, errMsg string) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE campaign_recipients SET status = ?, failed_at = ?, error = ?
		WHERE id = ? AND status = ?`,
		models.RecipientFailed, time.Now().UTC(), errMsg, id, models.RecipientPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark recipient failed: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateDeliveryStatus applies a provider delivery receipt (delivered,
// bounced, opened, clicked) to a recipient that already left pending.
func (r *RecipientRepository) UpdateDeliveryStatus(id, status string) error {
	_, err := r.db.Exec(`
		UPDATE campaign_recipients SET status = ? WHERE id = ? AND status != ?`,
		status, id, models.RecipientPending,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery status: %w", err)
	}
	return nil
}

// Counts returns the per-status breakdown for a campaign.
func (r *RecipientRepository) Counts(campaignID string) (models.RecipientCounts, error) {
	rows, err := r.db.Query(`
		SELECT status, COUNT(*) FROM campaign_recipients WHERE campaign_id = ? GROUP BY status`,
		campaignID,
	)
	if err != nil {
		return models.RecipientCounts{}, err
	}
	defer rows.Close()

	var c models.RecipientCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return models.RecipientCounts{}, err
		}
		switch status {
		case models.RecipientPending:
			c.Pending = n
		case models.RecipientSent:
			c.Sent = n
		case models.RecipientDelivered:
			c.Delivered = n
		case models.RecipientOpened:
			c.Opened = n
		case models.RecipientClicked:
			c.Clicked = n
		case models.RecipientBounced:
			c.Bounced = n
		case models.RecipientFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// GetByID returns one recipient row, or nil.
func (r *RecipientRepository) GetByID(id string) (*models.CampaignRecipient, error) {
	rec := &models.CampaignRecipient{}
	var sentAt, failedAt sql.NullTime
	var errMsg sql.NullString

	err := r.db.QueryRow(`
		SELECT id, campaign_id, contact_id, status, sent_at, failed_at, error, created_at
		FROM campaign_recipients WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.CampaignID, &rec.ContactID, &rec.Status, &sentAt, &failedAt, &errMsg, &rec.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if sentAt.Valid {
		rec.SentAt = &sentAt.Time
	}
	if failedAt.Valid {
		rec.FailedAt = &failedAt.Time
	}
	rec.Error = errMsg.String
	return rec, nil
}
