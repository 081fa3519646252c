package consent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkrv/dispatchly/internal/links"
	"github.com/mkrv/dispatchly/internal/models"
	"github.com/mkrv/dispatchly/internal/store"
)

var (
	// ErrOptedOut is the gating error recorded on a recipient row when a
	// send is blocked. It never reaches a provider and is never retried.
	ErrOptedOut = errors.New("contact has opted out")

	ErrUnknownToken = errors.New("unknown unsubscribe token")
	ErrTokenUsed    = errors.New("unsubscribe token already used")
)

// Config contains consent gate settings.
type Config struct {
	// BaseURL is the public origin unsubscribe URLs are built on.
	BaseURL string `yaml:"base_url"`
	// UnsubscribeLinkExpiry is the (long, fixed) lifetime of short links
	// wrapping unsubscribe URLs.
	UnsubscribeLinkExpiry time.Duration `yaml:"unsubscribe_link_expiry"`
	// ResubscribeRequiresActiveToken controls whether resubscribe checks
	// the token's active flag. The historical behavior does not check it:
	// a consumed unsubscribe token can still resubscribe. Kept behind a
	// flag pending a product decision.
	ResubscribeRequiresActiveToken bool `yaml:"resubscribe_requires_active_token"`
}

// Gate owns the per-contact, per-channel opt-out state and the
// self-service unsubscribe flow. Campaign dispatch consults it before
// every send; nothing else mutates the consent flags.
type Gate struct {
	contacts *store.ContactRepository
	consent  *store.ConsentRepository
	links    *links.Engine
	cfg      Config
	logger   *slog.Logger
}

// NewGate creates a consent gate.
func NewGate(contacts *store.ContactRepository, consent *store.ConsentRepository, linkEngine *links.Engine, cfg Config, logger *slog.Logger) *Gate {
	if cfg.UnsubscribeLinkExpiry <= 0 {
		cfg.UnsubscribeLinkExpiry = 365 * 24 * time.Hour
	}
	return &Gate{
		contacts: contacts,
		consent:  consent,
		links:    linkEngine,
		cfg:      cfg,
		logger:   logger.With("component", "consent"),
	}
}

// ScopeForChannel maps a campaign channel to its consent scope. Channels
// without a consent flag (push) return an empty scope, which CanSend
// always allows.
func ScopeForChannel(channel models.Channel) models.Scope {
	switch channel {
	case models.ChannelEmail:
		return models.ScopeEmail
	case models.ChannelSMS:
		return models.ScopeSMS
	default:
		return ""
	}
}

// CanSend reports whether the contact may be messaged under the given
// scope. The check is synchronous and local; no provider is involved.
func (g *Gate) CanSend(ctx context.Context, contactID string, scope models.Scope) (bool, error) {
	if scope == "" {
		return true, nil
	}

	contact, err := g.contacts.GetByID(contactID)
	if err != nil {
		return false, fmt.Errorf("failed to load contact: %w", err)
	}
	if contact == nil {
		return false, fmt.Errorf("contact %s not found", contactID)
	}
	return Allowed(contact, scope), nil
}

// Allowed checks the consent flags of an already-loaded contact.
func Allowed(contact *models.Contact, scope models.Scope) bool {
	switch scope {
	case models.ScopeEmail:
		return !contact.EmailOptedOut
	case models.ScopeSMS:
		return !contact.SMSOptedOut
	case models.ScopeBoth:
		return !contact.EmailOptedOut && !contact.SMSOptedOut
	default:
		return true
	}
}

// CreateOrReuseToken lazily mints an unsubscribe token, reusing any
// active token for the same (contact, owner, scope).
func (g *Gate) CreateOrReuseToken(ctx context.Context, ownerID, contactID string, scope models.Scope) (*models.UnsubscribeToken, error) {
	existing, err := g.consent.FindActiveToken(ownerID, contactID, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	token := &models.UnsubscribeToken{
		Token:     hex.EncodeToString(raw),
		OwnerID:   ownerID,
		ContactID: contactID,
		Scope:     scope,
	}
	if err := g.consent.CreateToken(token); err != nil {
		return nil, err
	}
	return token, nil
}

// AppendSelfServiceLink appends a channel-appropriate unsubscribe footer
// to outbound content. The unsubscribe URL is short-linked with a long
// fixed expiry so it keeps working well after the campaign's own links
// have lapsed.
func (g *Gate) AppendSelfServiceLink(ctx context.Context, ownerID, contactID, content string, channel models.Channel) (string, error) {
	scope := ScopeForChannel(channel)
	if scope == "" {
		return content, nil
	}

	token, err := g.CreateOrReuseToken(ctx, ownerID, contactID, scope)
	if err != nil {
		return "", err
	}

	unsubURL := g.cfg.BaseURL + "/u/" + token.Token
	shortURL, err := g.links.Shorten(ctx, ownerID, contactID, unsubURL, g.cfg.UnsubscribeLinkExpiry)
	if err != nil {
		return "", err
	}

	switch channel {
	case models.ChannelSMS:
		return content + "\nOpt out: " + shortURL, nil
	default:
		return content + "\n\n--\nTo stop receiving these messages: " + shortURL, nil
	}
}

// TokenDetails resolves a token for the self-service page, including the
// contact's current flags.
func (g *Gate) TokenDetails(ctx context.Context, tokenValue string) (*models.UnsubscribeToken, *models.Contact, error) {
	token, err := g.consent.GetToken(tokenValue)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load token: %w", err)
	}
	if token == nil {
		return nil, nil, ErrUnknownToken
	}

	contact, err := g.contacts.GetByID(token.ContactID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load contact: %w", err)
	}
	return token, contact, nil
}

// Unsubscribe sets the consent flag(s) covered by the token's scope,
// writes an audit row, and consumes the token. Tokens are single-use.
func (g *Gate) Unsubscribe(ctx context.Context, tokenValue, ip, userAgent string) error {
	token, err := g.consent.GetToken(tokenValue)
	if err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}
	if token == nil {
		return ErrUnknownToken
	}
	if !token.Active {
		return ErrTokenUsed
	}

	if err := g.setFlags(token, true); err != nil {
		return err
	}

	if err := g.consent.CreateAudit(&models.ConsentAudit{
		ContactID: token.ContactID,
		OwnerID:   token.OwnerID,
		Action:    "unsubscribe",
		Scope:     token.Scope,
		IP:        ip,
		UserAgent: userAgent,
	}); err != nil {
		return err
	}

	if err := g.consent.DeactivateToken(token.ID); err != nil {
		return err
	}

	g.logger.Info("contact unsubscribed", "contact_id", token.ContactID, "scope", token.Scope)
	return nil
}

// Resubscribe clears the consent flag(s) covered by the token's scope and
// writes an audit row. Unless configured otherwise it accepts tokens that
// were already consumed by an unsubscribe.
func (g *Gate) Resubscribe(ctx context.Context, tokenValue, ip, userAgent string) error {
	token, err := g.consent.GetToken(tokenValue)
	if err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}
	if token == nil {
		return ErrUnknownToken
	}
	if g.cfg.ResubscribeRequiresActiveToken && !token.Active {
		return ErrTokenUsed
	}

	if err := g.setFlags(token, false); err != nil {
		return err
	}

	if err := g.consent.CreateAudit(&models.ConsentAudit{
		ContactID: token.ContactID,
		OwnerID:   token.OwnerID,
		Action:    "resubscribe",
		Scope:     token.Scope,
		IP:        ip,
		UserAgent: userAgent,
	}); err != nil {
		return err
	}

	g.logger.Info("contact resubscribed", "contact_id", token.ContactID, "scope", token.Scope)
	return nil
}

func (g *Gate) setFlags(token *models.UnsubscribeToken, optedOut bool) error {
	switch token.Scope {
	case models.ScopeEmail:
		return g.contacts.SetOptOut(token.ContactID, models.ChannelEmail, optedOut)
	case models.ScopeSMS:
		return g.contacts.SetOptOut(token.ContactID, models.ChannelSMS, optedOut)
	case models.ScopeBoth:
		if err := g.contacts.SetOptOut(token.ContactID, models.ChannelEmail, optedOut); err != nil {
			return err
		}
		return g.contacts.SetOptOut(token.ContactID, models.ChannelSMS, optedOut)
	default:
		return fmt.Errorf("unknown token scope %q", token.Scope)
	}
}
