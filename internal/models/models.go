package models

import "time"

// Channel is a delivery medium for campaign messages.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Scope is the channel coverage of an unsubscribe token.
type Scope string

const (
	ScopeEmail Scope = "email"
	ScopeSMS   Scope = "sms"
	ScopeBoth  Scope = "both"
)

// Campaign statuses. sent and failed are terminal.
const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignSent      = "sent"
	CampaignFailed    = "failed"
)

// Recipient statuses. Everything except pending and failed counts as a
// successful send when the campaign outcome is aggregated.
const (
	RecipientPending   = "pending"
	RecipientSent      = "sent"
	RecipientDelivered = "delivered"
	RecipientOpened    = "opened"
	RecipientClicked   = "clicked"
	RecipientBounced   = "bounced"
	RecipientFailed    = "failed"
)

// Outbound message statuses.
const (
	MessagePending   = "pending"
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageBounced   = "bounced"
	MessageFailed    = "failed"
)

// Campaign is an owner-scoped bulk send. Status is mutated only by the
// campaign service.
type Campaign struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Name        string     `json:"name"`
	Channel     Channel    `json:"channel"`
	Subject     string     `json:"subject"`
	Content     string     `json:"content"`
	Status      string     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Contact holds recipient identity plus the per-channel consent flags
// consulted before every send. The flags are only mutated by the consent
// gate, never by campaign dispatch.
type Contact struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	Company       string    `json:"company"`
	EmailOptedOut bool      `json:"email_opted_out"`
	SMSOptedOut   bool      `json:"sms_opted_out"`
	CreatedAt     time.Time `json:"created_at"`
}

// CampaignRecipient is one (campaign, contact) pair. Its status moves off
// pending exactly once per dispatch attempt; job-level retries skip rows
// that are no longer pending.
type CampaignRecipient struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	ContactID  string     `json:"contact_id"`
	Status     string     `json:"status"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	FailedAt   *time.Time `json:"failed_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RecipientContact joins a campaign recipient row with its contact for
// dispatch.
type RecipientContact struct {
	Recipient CampaignRecipient
	Contact   Contact
}

// OutboundMessage is one record per (recipient, attempt): the rendered
// content that actually went to the provider plus the provider response.
// Immutable after a terminal status except for delivery-receipt updates.
type OutboundMessage struct {
	ID              string    `json:"id"`
	CampaignID      string    `json:"campaign_id"`
	RecipientID     string    `json:"recipient_id"`
	ContactID       string    `json:"contact_id"`
	Channel         Channel   `json:"channel"`
	Sender          string    `json:"sender"`
	Subject         string    `json:"subject"`
	Content         string    `json:"content"`
	Status          string    `json:"status"`
	ProviderCode    string    `json:"provider_code,omitempty"`
	ProviderMessage string    `json:"provider_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ShortLink is the owner-scoped canonical rewritten-URL record. The
// original URL never changes for the lifetime of the row; per-recipient
// identity lives in LinkToken.
type ShortLink struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	OriginalURL string     `json:"original_url"`
	Code        string     `json:"code"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// LinkToken is the per-recipient, per-occurrence tracking unit embedded in
// content. Many tokens can reference the same short link. MessageID is
// empty for tokens minted outside a campaign message (unsubscribe footers).
type LinkToken struct {
	ID          string    `json:"id"`
	Token       string    `json:"token"`
	ShortLinkID string    `json:"short_link_id"`
	MessageID   string    `json:"message_id,omitempty"`
	ContactID   string    `json:"contact_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// LinkClick is an append-only click event.
type LinkClick struct {
	ID        string    `json:"id"`
	TokenID   string    `json:"token_id"`
	ContactID string    `json:"contact_id"`
	SessionID string    `json:"session_id"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Referer   string    `json:"referer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ContactSession is a rolling identity-correlation key. A session is
// reused while its last-seen timestamp is inside the correlation window,
// otherwise a new one is minted.
type ContactSession struct {
	ID         string    `json:"id"`
	ContactID  string    `json:"contact_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionEvent is on-site activity stitched to a contact session after a
// click.
type SessionEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ContactID string    `json:"contact_id"`
	EventType string    `json:"event_type"`
	Data      string    `json:"data,omitempty"` // JSON
	PageURL   string    `json:"page_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UnsubscribeToken is a per (contact, owner, scope) self-service token.
// Single-use: consumed by an unsubscribe action.
type UnsubscribeToken struct {
	ID        string     `json:"id"`
	Token     string     `json:"token"`
	OwnerID   string     `json:"owner_id"`
	ContactID string     `json:"contact_id"`
	Scope     Scope      `json:"scope"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// ConsentAudit is one row per unsubscribe/resubscribe action.
type ConsentAudit struct {
	ID        int64     `json:"id"`
	ContactID string    `json:"contact_id"`
	OwnerID   string    `json:"owner_id"`
	Action    string    `json:"action"` // unsubscribe, resubscribe
	Scope     Scope     `json:"scope"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LinkStats aggregates clicks for one short link.
type LinkStats struct {
	ShortLinkID    string `json:"short_link_id"`
	OriginalURL    string `json:"original_url"`
	TotalClicks    int    `json:"total_clicks"`
	UniqueContacts int    `json:"unique_contacts"`
}

// ContactClickStats holds per-contact first/last click times for a link or
// a campaign.
type ContactClickStats struct {
	ContactID  string    `json:"contact_id"`
	Clicks     int       `json:"clicks"`
	FirstClick time.Time `json:"first_click"`
	LastClick  time.Time `json:"last_click"`
}

// RecipientCounts is the per-status breakdown used to derive the terminal
// campaign status.
type RecipientCounts struct {
	Pending   int
	Sent      int
	Delivered int
	Opened    int
	Clicked   int
	Bounced   int
	Failed    int
}

// Succeeded returns the number of recipients that reached sent or better.
func (c RecipientCounts) Succeeded() int {
	return c.Sent + c.Delivered + c.Opened + c.Clicked + c.Bounced
}

// Total returns the full recipient count.
func (c RecipientCounts) Total() int {
	return c.Pending + c.Succeeded() + c.Failed
}
