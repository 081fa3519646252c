package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mkrv/dispatchly/internal/models"
)

type MessageRepository struct {
	db *sql.DB
}

func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts an outbound message row. The caller assigns the ID up
// front because link tokens minted during content rewriting reference it
// before the row exists.
func (r *MessageRepository) Create(m *models.OutboundMessage) error {
	m.Status = models.MessagePending
	m.CreatedAt = time.Now().UTC()
	m.UpdatedAt = m.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO outbound_messages (id, campaign_id, recipient_id, contact_id, channel, sender, subject, content, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CampaignID, m.RecipientID, m.ContactID, m.Channel, m.Sender, m.Subject, m.Content,
		m.Status, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbound message: %w", err)
	}
	return nil
}

// GetByID returns a message by ID, or nil.
func (r *MessageRepository) GetByID(id string) (*models.OutboundMessage, error) {
	m := &models.OutboundMessage{}
	var sender, subject, providerCode, providerMessage sql.NullString

	err := r.db.QueryRow(`
		SELECT id, campaign_id, recipient_id, contact_id, channel, sender, subject, content, status, provider_code, provider_message, created_at, updated_at
		FROM outbound_messages WHERE id = ?`, id,
	).Scan(&m.ID, &m.CampaignID, &m.RecipientID, &m.ContactID, &m.Channel, &sender, &subject,
		&m.Content, &m.Status, &providerCode, &providerMessage, &m.CreatedAt, &m.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.Sender = sender.String
	m.Subject = subject.String
	m.ProviderCode = providerCode.String
	m.ProviderMessage = providerMessage.String
	return m, nil
}

// UpdateResult records the provider response after a send attempt.
func (r *MessageRepository) UpdateResult(id, status, providerCode, providerMessage string) error {
	_, err := r.db.Exec(`
		UPDATE outbound_messages SET status = ?, provider_code = ?, provider_message = ?, updated_at = ?
		WHERE id = ?`,
		status, providerCode, providerMessage, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update message result: %w", err)
	}
	return nil
}

// UpdateDeliveryStatus applies a delivery receipt pushed by a provider
// webhook to a message in a terminal status.
func (r *MessageRepository) UpdateDeliveryStatus(id, status string) error {
	_, err := r.db.Exec(`
		UPDATE outbound_messages SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
		status, time.Now().UTC(), id, models.MessagePending,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery status: %w", err)
	}
	return nil
}

// CountByContactChannel counts messages ever created for a contact on a
// channel. Used by tests to assert the consent invariant.
func (r *MessageRepository) CountByContactChannel(contactID string, channel models.Channel) (int, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM outbound_messages WHERE contact_id = ? AND channel = ?",
		contactID, channel,
	).Scan(&n)
	return n, err
}

// CountByCampaign counts messages created for a campaign.
func (r *MessageRepository) CountByCampaign(campaignID string) (int, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM outbound_messages WHERE campaign_id = ?", campaignID,
	).Scan(&n)
	return n, err
}
