package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// _foreign_keys is a DSN option so every pooled connection enforces it.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	for _, m := range Migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Migrations holds the schema DDL. Exported so test helpers can apply the
// same schema to in-memory databases.
var Migrations = []string{
	migrationContacts,
	migrationCampaigns,
	migrationCampaignRecipients,
	migrationOutboundMessages,
	migrationShortLinks,
	migrationLinkTokens,
	migrationLinkClicks,
	migrationContactSessions,
	migrationSessionEvents,
	migrationUnsubscribeTokens,
	migrationConsentAudit,
	migrationCreditBalances,
}

const migrationContacts = `
CREATE TABLE IF NOT EXISTS contacts (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    email TEXT,
    phone TEXT,
    first_name TEXT,
    last_name TEXT,
    company TEXT,
    email_opted_out INTEGER NOT NULL DEFAULT 0,
    sms_opted_out INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner_id);
`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    channel TEXT NOT NULL,
    subject TEXT,
    content TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    scheduled_at TIMESTAMP,
    sent_at TIMESTAMP,
    completed_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_campaigns_owner ON campaigns(owner_id);
CREATE INDEX IF NOT EXISTS idx_campaigns_status ON campaigns(status);
`

const migrationCampaignRecipients = `
CREATE TABLE IF NOT EXISTS campaign_recipients (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    status TEXT NOT NULL DEFAULT 'pending',
    sent_at TIMESTAMP,
    failed_at TIMESTAMP,
    error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(campaign_id, contact_id)
);
CREATE INDEX IF NOT EXISTS idx_campaign_recipients_campaign ON campaign_recipients(campaign_id);
CREATE INDEX IF NOT EXISTS idx_campaign_recipients_status ON campaign_recipients(status);
`

const migrationOutboundMessages = `
CREATE TABLE IF NOT EXISTS outbound_messages (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id),
    recipient_id TEXT NOT NULL REFERENCES campaign_recipients(id),
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    channel TEXT NOT NULL,
    sender TEXT,
    subject TEXT,
    content TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    provider_code TEXT,
    provider_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbound_messages_campaign ON outbound_messages(campaign_id);
CREATE INDEX IF NOT EXISTS idx_outbound_messages_contact ON outbound_messages(contact_id);
`

const migrationShortLinks = `
CREATE TABLE IF NOT EXISTS short_links (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    original_url TEXT NOT NULL,
    code TEXT UNIQUE NOT NULL,
    expires_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_short_links_owner_url ON short_links(owner_id, original_url);
`

const migrationLinkTokens = `
CREATE TABLE IF NOT EXISTS link_tokens (
    id TEXT PRIMARY KEY,
    token TEXT UNIQUE NOT NULL,
    short_link_id TEXT NOT NULL REFERENCES short_links(id) ON DELETE CASCADE,
    message_id TEXT,
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_link_tokens_short_link ON link_tokens(short_link_id);
CREATE INDEX IF NOT EXISTS idx_link_tokens_message ON link_tokens(message_id);
`

const migrationLinkClicks = `
CREATE TABLE IF NOT EXISTS link_clicks (
    id TEXT PRIMARY KEY,
    token_id TEXT NOT NULL REFERENCES link_tokens(id),
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    session_id TEXT NOT NULL,
    ip TEXT,
    user_agent TEXT,
    referer TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_link_clicks_token ON link_clicks(token_id);
CREATE INDEX IF NOT EXISTS idx_link_clicks_contact ON link_clicks(contact_id);
`

const migrationContactSessions = `
CREATE TABLE IF NOT EXISTS contact_sessions (
    id TEXT PRIMARY KEY,
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    last_seen_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_contact_sessions_contact ON contact_sessions(contact_id, last_seen_at);
`

const migrationSessionEvents = `
CREATE TABLE IF NOT EXISTS session_events (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES contact_sessions(id),
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    event_type TEXT NOT NULL,
    data TEXT,
    page_url TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);
`

const migrationUnsubscribeTokens = `
CREATE TABLE IF NOT EXISTS unsubscribe_tokens (
    id TEXT PRIMARY KEY,
    token TEXT UNIQUE NOT NULL,
    owner_id TEXT NOT NULL,
    contact_id TEXT NOT NULL REFERENCES contacts(id),
    scope TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    used_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_unsubscribe_tokens_contact ON unsubscribe_tokens(contact_id, owner_id, scope);
`

const migrationConsentAudit = `
CREATE TABLE IF NOT EXISTS consent_audit (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    contact_id TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    action TEXT NOT NULL,
    scope TEXT NOT NULL,
    ip TEXT,
    user_agent TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_consent_audit_contact ON consent_audit(contact_id);
`

const migrationCreditBalances = `
CREATE TABLE IF NOT EXISTS credit_balances (
    owner_id TEXT PRIMARY KEY,
    balance INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
