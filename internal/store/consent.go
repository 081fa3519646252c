package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mkrv/dispatchly/internal/models"
)

type ConsentRepository struct {
	db *sql.DB
}

func NewConsentRepository(db *sql.DB) *ConsentRepository {
	return &ConsentRepository{db: db}
}

// FindActiveToken returns the active unsubscribe token for
// (contact, owner, scope), or nil.
func (r *ConsentRepository) FindActiveToken(ownerID, contactID string, scope models.Scope) (*models.UnsubscribeToken, error) {
	t := &models.UnsubscribeToken{}
	var usedAt sql.NullTime

	err := r.db.QueryRow(`
		SELECT id, token, owner_id, contact_id, scope, active, created_at, used_at
		FROM unsubscribe_tokens
		WHERE owner_id = ? AND contact_id = ? AND scope = ? AND active = 1
		ORDER BY created_at DESC LIMIT 1`,
		ownerID, contactID, scope,
	).Scan(&t.ID, &t.Token, &t.OwnerID, &t.ContactID, &t.Scope, &t.Active, &t.CreatedAt, &usedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if usedAt.Valid {
		t.UsedAt = &usedAt.Time
	}
	return t, nil
}

// CreateToken inserts a new active unsubscribe token.
func (r *ConsentRepository) CreateToken(t *models.UnsubscribeToken) error {
	t.ID = uuid.New().String()
	t.Active = true
	t.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO unsubscribe_tokens (id, token, owner_id, contact_id, scope, active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		t.ID, t.Token, t.OwnerID, t.ContactID, t.Scope, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create unsubscribe token: %w", err)
	}
	return nil
}

// GetToken resolves a token value, or nil when unknown.
func (r *ConsentRepository) GetToken(token string) (*models.UnsubscribeToken, error) {
	t := &models.UnsubscribeToken{}
	var usedAt sql.NullTime

	err := r.db.QueryRow(`
		SELECT id, token, owner_id, contact_id, scope, active, created_at, used_at
		FROM unsubscribe_tokens WHERE token = ?`, token,
	).Scan(&t.ID, &t.Token, &t.OwnerID, &t.ContactID, &t.Scope, &t.Active, &t.CreatedAt, &usedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if usedAt.Valid {
		t.UsedAt = &usedAt.Time
	}
	return t, nil
}

// DeactivateToken consumes a single-use token.
func (r *ConsentRepository) DeactivateToken(id string) error {
	_, err := r.db.Exec(
		"UPDATE unsubscribe_tokens SET active = 0, used_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate token: %w", err)
	}
	return nil
}

// CreateAudit appends a consent audit row.
func (r *ConsentRepository) CreateAudit(a *models.ConsentAudit) error {
	a.CreatedAt = time.Now().UTC()

	res, err := r.db.Exec(`
		INSERT INTO consent_audit (contact_id, owner_id, action, scope, ip, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ContactID, a.OwnerID, a.Action, a.Scope, a.IP, a.UserAgent, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit row: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// ListAudit returns audit rows for a contact, newest first.
func (r *ConsentRepository) ListAudit(contactID string) ([]models.ConsentAudit, error) {
	rows, err := r.db.Query(`
		SELECT id, contact_id, owner_id, action, scope, ip, user_agent, created_at
		FROM consent_audit WHERE contact_id = ? ORDER BY id DESC`, contactID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	audits := []models.ConsentAudit{}
	for rows.Next() {
		var a models.ConsentAudit
		var ip, ua sql.NullString
		if err := rows.Scan(&a.ID, &a.ContactID, &a.OwnerID, &a.Action, &a.Scope, &ip, &ua, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.IP = ip.String
		a.UserAgent = ua.String
		audits = append(audits, a)
	}
	return audits, rows.Err()
}
