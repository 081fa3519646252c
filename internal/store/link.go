package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mkrv/dispatchly/internal/models"
)

type LinkRepository struct {
	db *sql.DB
}

func NewLinkRepository(db *sql.DB) *LinkRepository {
	return &LinkRepository{db: db}
}

// FindActiveShortLink returns the newest unexpired short link for
// (owner, canonical URL), or nil.
func (r *LinkRepository) FindActiveShortLink(ownerID, originalURL string) (*models.ShortLink, error) {
	sl := &models.ShortLink{}
	var expiresAt sql.NullTime

	err := r.db.QueryRow(`
		SELECT id, owner_id, original_url, code, expires_at, created_at
		FROM short_links
		WHERE owner_id = ? AND original_url = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC LIMIT 1`,
		ownerID, originalURL, time.Now().UTC(),
	).Scan(&sl.ID, &sl.OwnerID, &sl.OriginalURL, &sl.Code, &expiresAt, &sl.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		sl.ExpiresAt = &expiresAt.Time
	}
	return sl, nil
}

// CreateShortLink inserts a new short link row.
func (r *LinkRepository) CreateShortLink(sl *models.ShortLink) error {
	sl.ID = uuid.New().String()
	sl.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO short_links (id, owner_id, original_url, code, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sl.ID, sl.OwnerID, sl.OriginalURL, sl.Code, sl.ExpiresAt, sl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create short link: %w", err)
	}
	return nil
}

// DeleteExpiredShortLinks removes short links whose expiry has passed.
// Tokens cascade with the link.
func (r *LinkRepository) DeleteExpiredShortLinks() (int, error) {
	res, err := r.db.Exec(
		"DELETE FROM short_links WHERE expires_at IS NOT NULL AND expires_at <= ?",
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired short links: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CreateToken inserts a recipient link token.
func (r *LinkRepository) CreateToken(t *models.LinkToken) error {
	t.ID = uuid.New().String()
	t.CreatedAt = time.Now().UTC()

	var messageID any
	if t.MessageID != "" {
		messageID = t.MessageID
	}

	_, err := r.db.Exec(`
		INSERT INTO link_tokens (id, token, short_link_id, message_id, contact_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Token, t.ShortLinkID, messageID, t.ContactID, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create link token: %w", err)
	}
	return nil
}

// GetTokenWithLink resolves a token value to the token row and its parent
// short link. Returns nils when the token is unknown.
func (r *LinkRepository) GetTokenWithLink(token string) (*models.LinkToken, *models.ShortLink, error) {
	t := &models.LinkToken{}
	sl := &models.ShortLink{}
	var messageID sql.NullString
	var expiresAt sql.NullTime

	err := r.db.QueryRow(`
		SELECT t.id, t.token, t.short_link_id, t.message_id, t.contact_id, t.created_at,
			l.id, l.owner_id, l.original_url, l.code, l.expires_at, l.created_at
		FROM link_tokens t
		JOIN short_links l ON t.short_link_id = l.id
		WHERE t.token = ?`, token,
	).Scan(&t.ID, &t.Token, &t.ShortLinkID, &messageID, &t.ContactID, &t.CreatedAt,
		&sl.ID, &sl.OwnerID, &sl.OriginalURL, &sl.Code, &expiresAt, &sl.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	t.MessageID = messageID.String
	if expiresAt.Valid {
		sl.ExpiresAt = &expiresAt.Time
	}
	return t, sl, nil
}

// CountTokensByMessage counts tokens minted for one outbound message.
func (r *LinkRepository) CountTokensByMessage(messageID string) (int, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM link_tokens WHERE message_id = ?", messageID,
	).Scan(&n)
	return n, err
}

// CreateClick appends a click event.
func (r *LinkRepository) CreateClick(c *models.LinkClick) error {
	c.ID = uuid.New().String()
	c.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO link_clicks (id, token_id, contact_id, session_id, ip, user_agent, referer, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TokenID, c.ContactID, c.SessionID, c.IP, c.UserAgent, c.Referer, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create click: %w", err)
	}
	return nil
}

// LatestSession returns the most recent session for a contact, or nil.
func (r *LinkRepository) LatestSession(contactID string) (*models.ContactSession, error) {
	s := &models.ContactSession{}
	err := r.db.QueryRow(`
		SELECT id, contact_id, last_seen_at, created_at
		FROM contact_sessions WHERE contact_id = ?
		ORDER BY last_seen_at DESC LIMIT 1`, contactID,
	).Scan(&s.ID, &s.ContactID, &s.LastSeenAt, &s.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession returns a session by ID, or nil.
func (r *LinkRepository) GetSession(id string) (*models.ContactSession, error) {
	s := &models.ContactSession{}
	err := r.db.QueryRow(`
		SELECT id, contact_id, last_seen_at, created_at
		FROM contact_sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.ContactID, &s.LastSeenAt, &s.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CreateSession mints a new session with last-seen now.
func (r *LinkRepository) CreateSession(contactID string) (*models.ContactSession, error) {
	now := time.Now().UTC()
	s := &models.ContactSession{
		ID:         uuid.New().String(),
		ContactID:  contactID,
		LastSeenAt: now,
		CreatedAt:  now,
	}

	_, err := r.db.Exec(`
		INSERT INTO contact_sessions (id, contact_id, last_seen_at, created_at)
		VALUES (?, ?, ?, ?)`,
		s.ID, s.ContactID, s.LastSeenAt, s.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// TouchSession bumps a session's last-seen timestamp.
func (r *LinkRepository) TouchSession(id string) error {
	_, err := r.db.Exec(
		"UPDATE contact_sessions SET last_seen_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// CreateSessionEvent appends an on-site activity row.
func (r *LinkRepository) CreateSessionEvent(e *models.SessionEvent) error {
	e.ID = uuid.New().String()
	e.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO session_events (id, session_id, contact_id, event_type, data, page_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.ContactID, e.EventType, e.Data, e.PageURL, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session event: %w", err)
	}
	return nil
}

// LinkStats aggregates total and unique-by-contact clicks for a short
// link. Pure read, no side effects.
func (r *LinkRepository) LinkStats(shortLinkID string) (*models.LinkStats, error) {
	st := &models.LinkStats{ShortLinkID: shortLinkID}

	err := r.db.QueryRow(`
		SELECT l.original_url,
			COALESCE((SELECT COUNT(*) FROM link_clicks c JOIN link_tokens t ON c.token_id = t.id WHERE t.short_link_id = l.id), 0),
			COALESCE((SELECT COUNT(DISTINCT c.contact_id) FROM link_clicks c JOIN link_tokens t ON c.token_id = t.id WHERE t.short_link_id = l.id), 0)
		FROM short_links l WHERE l.id = ?`, shortLinkID,
	).Scan(&st.OriginalURL, &st.TotalClicks, &st.UniqueContacts)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ContactClicksByLink returns per-contact click counts and first/last
// click times for a short link.
func (r *LinkRepository) ContactClicksByLink(shortLinkID string) ([]models.ContactClickStats, error) {
	rows, err := r.db.Query(`
		SELECT c.contact_id, COUNT(*), MIN(c.created_at), MAX(c.created_at)
		FROM link_clicks c
		JOIN link_tokens t ON c.token_id = t.id
		WHERE t.short_link_id = ?
		GROUP BY c.contact_id
		ORDER BY c.contact_id`, shortLinkID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContactClickStats(rows)
}

// CampaignLinkStats aggregates clicks across all links of a campaign's
// messages.
func (r *LinkRepository) CampaignLinkStats(campaignID string) ([]models.LinkStats, error) {
	rows, err := r.db.Query(`
		SELECT l.id, l.original_url, COUNT(c.id), COUNT(DISTINCT c.contact_id)
		FROM short_links l
		JOIN link_tokens t ON t.short_link_id = l.id
		JOIN outbound_messages m ON t.message_id = m.id
		LEFT JOIN link_clicks c ON c.token_id = t.id
		WHERE m.campaign_id = ?
		GROUP BY l.id, l.original_url
		ORDER BY l.original_url`, campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []models.LinkStats{}
	for rows.Next() {
		var st models.LinkStats
		if err := rows.Scan(&st.ShortLinkID, &st.OriginalURL, &st.TotalClicks, &st.UniqueContacts); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// ContactClicksByCampaign returns per-contact first/last click times
// across a campaign.
func (r *LinkRepository) ContactClicksByCampaign(campaignID string) ([]models.ContactClickStats, error) {
	rows, err := r.db.Query(`
		SELECT c.contact_id, COUNT(*), MIN(c.created_at), MAX(c.created_at)
		FROM link_clicks c
		JOIN link_tokens t ON c.token_id = t.id
		JOIN outbound_messages m ON t.message_id = m.id
		WHERE m.campaign_id = ?
		GROUP BY c.contact_id
		ORDER BY c.contact_id`, campaignID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContactClickStats(rows)
}

// CountClicksByToken counts clicks recorded against one token row.
func (r *LinkRepository) CountClicksByToken(tokenID string) (int, error) {
	var n int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM link_clicks WHERE token_id = ?", tokenID,
	).Scan(&n)
	return n, err
}

func scanContactClickStats(rows *sql.Rows) ([]models.ContactClickStats, error) {
	stats := []models.ContactClickStats{}
	for rows.Next() {
		var st models.ContactClickStats
		if err := rows.Scan(&st.ContactID, &st.Clicks, &st.FirstClick, &st.LastClick); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
