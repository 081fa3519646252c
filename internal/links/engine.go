package links

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/mkrv/dispatchly/internal/events"
	"github.com/mkrv/dispatchly/internal/models"
	"github.com/mkrv/dispatchly/internal/store"
)

var (
	// ErrLinkExpired is surfaced to the redirect caller; no click is
	// recorded for an expired link.
	ErrLinkExpired = errors.New("link has expired")

	ErrUnknownToken   = errors.New("unknown link token")
	ErrUnknownSession = errors.New("unknown session")
)

// urlPattern matches absolute URLs embedded in message content.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

const tokenLength = 10

// Config contains attribution settings.
type Config struct {
	// BaseURL is the public origin short URLs are built on.
	BaseURL string `yaml:"base_url"`
	// LinkExpiry is the default short link lifetime.
	LinkExpiry time.Duration `yaml:"link_expiry"`
	// SessionWindow is the rolling identity-correlation window.
	SessionWindow time.Duration `yaml:"session_window"`
}

// Engine rewrites outbound content with per-recipient tracking tokens and
// records clicks and post-click site activity.
type Engine struct {
	links         *store.LinkRepository
	publisher     *events.Publisher
	baseURL       string
	linkExpiry    time.Duration
	sessionWindow time.Duration
	logger        *slog.Logger
}

// NewEngine creates a link attribution engine.
func NewEngine(links *store.LinkRepository, publisher *events.Publisher, cfg Config, logger *slog.Logger) *Engine {
	if cfg.LinkExpiry <= 0 {
		cfg.LinkExpiry = 90 * 24 * time.Hour
	}
	if cfg.SessionWindow <= 0 {
		cfg.SessionWindow = 30 * 24 * time.Hour
	}
	return &Engine{
		links:         links,
		publisher:     publisher,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		linkExpiry:    cfg.LinkExpiry,
		sessionWindow: cfg.SessionWindow,
		logger:        logger.With("component", "links"),
	}
}

// Mapping records one original → short substitution.
type Mapping struct {
	OriginalURL string `json:"original_url"`
	ShortURL    string `json:"short_url"`
}

// Rewrite replaces every absolute URL occurrence in content with a
// per-recipient short URL. Occurrences of the same URL share one short
// link but each gets its own token, so two occurrences in one message
// yield two distinct short URLs. Substitution is positional, which keeps
// duplicates from being double-replaced.
func (e *Engine) Rewrite(ctx context.Context, ownerID, content, messageID, contactID string) (string, []Mapping, error) {
	matches := urlPattern.FindAllStringIndex(content, -1)
	if len(matches) == 0 {
		return content, nil, nil
	}

	var b strings.Builder
	mappings := make([]Mapping, 0, len(matches))
	cursor := 0

	for _, m := range matches {
		original := content[m[0]:m[1]]

		sl, err := e.getOrCreateShortLink(ownerID, original, e.linkExpiry)
		if err != nil {
			return "", nil, err
		}

		token, err := e.mintToken(sl.ID, messageID, contactID)
		if err != nil {
			return "", nil, err
		}

		shortURL := e.shortURL(token.Token)
		b.WriteString(content[cursor:m[0]])
		b.WriteString(shortURL)
		cursor = m[1]

		mappings = append(mappings, Mapping{OriginalURL: original, ShortURL: shortURL})
	}
	b.WriteString(content[cursor:])

	return b.String(), mappings, nil
}

// Shorten tracks a single URL outside a campaign message body. Used for
// unsubscribe footers, which carry a long fixed expiry.
func (e *Engine) Shorten(ctx context.Context, ownerID, contactID, rawURL string, expiry time.Duration) (string, error) {
	sl, err := e.getOrCreateShortLink(ownerID, rawURL, expiry)
	if err != nil {
		return "", err
	}
	token, err := e.mintToken(sl.ID, "", contactID)
	if err != nil {
		return "", err
	}
	return e.shortURL(token.Token), nil
}

// Resolution is the outcome of a click.
type Resolution struct {
	URL       string `json:"url"`
	ContactID string `json:"contact_id"`
	SessionID string `json:"session_id"`
}

// ResolveClick resolves a token to its canonical URL for redirect,
// correlating the click to a contact session and recording it. Expired
// links produce ErrLinkExpired and no click row.
func (e *Engine) ResolveClick(ctx context.Context, token, ip, userAgent, referer string) (*Resolution, error) {
	t, sl, err := e.links.GetTokenWithLink(token)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}
	if t == nil {
		return nil, ErrUnknownToken
	}
	if sl.ExpiresAt != nil && sl.ExpiresAt.Before(time.Now().UTC()) {
		return nil, ErrLinkExpired
	}

	session, err := e.getOrCreateSession(t.ContactID)
	if err != nil {
		return nil, err
	}

	click := &models.LinkClick{
		TokenID:   t.ID,
		ContactID: t.ContactID,
		SessionID: session.ID,
		IP:        ip,
		UserAgent: userAgent,
		Referer:   referer,
	}
	if err := e.links.CreateClick(click); err != nil {
		return nil, err
	}

	e.publisher.Publish(events.Event{
		ContactID: t.ContactID,
		EventType: "link_click",
		Data: map[string]any{
			"url":        sl.OriginalURL,
			"session_id": session.ID,
		},
	})

	e.logger.Debug("click recorded", "token", token, "contact_id", t.ContactID, "session_id", session.ID)

	return &Resolution{
		URL:       sl.OriginalURL,
		ContactID: t.ContactID,
		SessionID: session.ID,
	}, nil
}

// RecordSessionEvent stitches post-click site activity to the contact the
// session belongs to: bumps last-seen, appends the event row, and emits
// the same kind of behavioral event a click does.
func (e *Engine) RecordSessionEvent(ctx context.Context, sessionID, eventType string, data map[string]any, pageURL string) error {
	session, err := e.links.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return ErrUnknownSession
	}

	if err := e.links.TouchSession(session.ID); err != nil {
		return err
	}

	var dataJSON string
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		dataJSON = string(raw)
	}

	event := &models.SessionEvent{
		SessionID: session.ID,
		ContactID: session.ContactID,
		EventType: eventType,
		Data:      dataJSON,
		PageURL:   pageURL,
	}
	if err := e.links.CreateSessionEvent(event); err != nil {
		return err
	}

	e.publisher.Publish(events.Event{
		ContactID: session.ContactID,
		EventType: eventType,
		Data: map[string]any{
			"session_id": session.ID,
			"page_url":   pageURL,
		},
	})
	return nil
}

// LinkStats returns aggregate click counts for one short link.
func (e *Engine) LinkStats(ctx context.Context, shortLinkID string) (*models.LinkStats, error) {
	return e.links.LinkStats(shortLinkID)
}

// ContactClicks returns per-contact first/last click times for a link.
func (e *Engine) ContactClicks(ctx context.Context, shortLinkID string) ([]models.ContactClickStats, error) {
	return e.links.ContactClicksByLink(shortLinkID)
}

// CampaignLinkStats returns aggregate click counts for every link of a
// campaign.
func (e *Engine) CampaignLinkStats(ctx context.Context, campaignID string) ([]models.LinkStats, error) {
	return e.links.CampaignLinkStats(campaignID)
}

// SweepExpired deletes short links past their expiry.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	n, err := e.links.DeleteExpiredShortLinks()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("expired short links removed", "count", n)
	}
	return n, nil
}

func (e *Engine) getOrCreateShortLink(ownerID, rawURL string, expiry time.Duration) (*models.ShortLink, error) {
	sl, err := e.links.FindActiveShortLink(ownerID, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to look up short link: %w", err)
	}
	if sl != nil {
		return sl, nil
	}

	code, err := randomToken(tokenLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate short code: %w", err)
	}

	sl = &models.ShortLink{
		OwnerID:     ownerID,
		OriginalURL: rawURL,
		Code:        code,
	}
	if expiry > 0 {
		expires := time.Now().UTC().Add(expiry)
		sl.ExpiresAt = &expires
	}
	if err := e.links.CreateShortLink(sl); err != nil {
		return nil, err
	}
	return sl, nil
}

func (e *Engine) mintToken(shortLinkID, messageID, contactID string) (*models.LinkToken, error) {
	value, err := randomToken(tokenLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	token := &models.LinkToken{
		Token:       value,
		ShortLinkID: shortLinkID,
		MessageID:   messageID,
		ContactID:   contactID,
	}
	if err := e.links.CreateToken(token); err != nil {
		return nil, err
	}
	return token, nil
}

func (e *Engine) shortURL(token string) string {
	return e.baseURL + "/l/" + token
}

// getOrCreateSession reuses the contact's latest session while its
// last-seen is inside the correlation window, otherwise mints a new one.
func (e *Engine) getOrCreateSession(contactID string) (*models.ContactSession, error) {
	session, err := e.links.LatestSession(contactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if session != nil && time.Since(session.LastSeenAt) <= e.sessionWindow {
		if err := e.links.TouchSession(session.ID); err != nil {
			return nil, err
		}
		session.LastSeenAt = time.Now().UTC()
		return session, nil
	}

	return e.links.CreateSession(contactID)
}
