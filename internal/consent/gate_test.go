package consent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mkrv/dispatchly/internal/events"
	"github.com/mkrv/dispatchly/internal/links"
	"github.com/mkrv/dispatchly/internal/models"
	"github.com/mkrv/dispatchly/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupGate(t *testing.T, cfg Config) (*Gate, *store.DB) {
	t.Helper()

	db, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://trk.example.com"
	}

	linkEngine := links.NewEngine(
		store.NewLinkRepository(db.DB),
		events.NewPublisher(16, testLogger()),
		links.Config{BaseURL: cfg.BaseURL},
		testLogger(),
	)
	gate := NewGate(
		store.NewContactRepository(db.DB),
		store.NewConsentRepository(db.DB),
		linkEngine,
		cfg,
		testLogger(),
	)
	return gate, db
}

func createContact(t *testing.T, db *store.DB, email string) *models.Contact {
	t.Helper()

	c := &models.Contact{OwnerID: "owner-1", Email: email, Phone: "+15550100"}
	if err := store.NewContactRepository(db.DB).Create(c); err != nil {
		t.Fatalf("failed to create contact: %v", err)
	}
	return c
}

func TestCanSendHonorsOptOut(t *testing.T) {
	gate, db := setupGate(t, Config{})
	ctx := context.Background()
	contact := createContact(t, db, "a@example.com")

	ok, err := gate.CanSend(ctx, contact.ID, models.ScopeEmail)
	if err != nil {
		t.Fatalf("failed to check: %v", err)
	}
	if !ok {
		t.Fatal("fresh contact must be sendable")
	}

	if err := store.NewContactRepository(db.DB).SetOptOut(contact.ID, models.ChannelEmail, true); err != nil {
		t.Fatalf("failed to opt out: %v", err)
	}

	ok, _ = gate.CanSend(ctx, contact.ID, models.ScopeEmail)
	if ok {
		t.Error("opted-out contact must be blocked")
	}

	// The sms flag is independent.
	ok, _ = gate.CanSend(ctx, contact.ID, models.ScopeSMS)
	if !ok {
		t.Error("sms must remain sendable")
	}

	// Push has no consent flag.
	ok, _ = gate.CanSend(ctx, contact.ID, "")
	if !ok {
		t.Error("empty scope must always be allowed")
	}
}

func TestAllowedBothScope(t *testing.T) {
	c := &models.Contact{EmailOptedOut: false, SMSOptedOut: true}
	if Allowed(c, models.ScopeBoth) {
		t.Error("both-scope requires both flags clear")
	}
	c.SMSOptedOut = false
	if !Allowed(c, models.ScopeBoth) {
		t.Error("expected allowed with both flags clear")
	}
}

func TestCreateOrReuseToken(t *testing.T) {
	gate, db := setupGate(t, Config{})
	ctx := context.Background()
	contact := createContact(t, db, "a@example.com")

	first, err := gate.CreateOrReuseToken(ctx, "owner-1", contact.ID, models.ScopeEmail)
	if err != nil {
		t.Fatalf("failed to create token: %v", err)
	}
	second, err := gate.CreateOrReuseToken(ctx, "owner-1", contact.ID, models.ScopeEmail)
	if err != nil {
		t.Fatalf("failed to reuse token: %v", err)
	}
	if first.ID != second.ID {
		t.Error("expected active token to be reused")
	}

	// A different scope gets its own token.
	other, err := gate.CreateOrReuseToken(ctx, "owner-1", contact.ID, models.ScopeSMS)
	if err != nil {
		t.Fatalf("failed to create token: %v", err)
	}
	if other.ID == first.ID {
		t.Error("scopes must not share tokens")
	}
}

func TestAppendSelfServiceLink(t *testing.T) {
	gate, db := setupGate(t, Config{})
	ctx := context.Background()
	contact := createContact(t, db, "a@example.com")

	email, err := gate.AppendSelfServiceLink(ctx, "owner-1", contact.ID, "Hello", models.ChannelEmail)
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if !strings.Contains(email, "To stop receiving these messages: https://trk.example.com/l/") {
		t.Errorf("unexpected email footer: %q", email)
	}

	sms, err := gate.AppendSelfServiceLink(ctx, "owner-1", contact.ID, "Hello", models.ChannelSMS)
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if !strings.Contains(sms, "\nOpt out: https://trk.example.com/l/") {
		t.Errorf("unexpected sms footer: %q", sms)
	}

	// Push content carries no footer.
	push, err := gate.AppendSelfServiceLink(ctx, "owner-1", contact.ID, "Hello", models.ChannelPush)
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if push != "Hello" {
		t.Errorf("expected push content untouched, got %q", push)
	}
}

func TestUnsubscribeIsSingleUse(t *testing.T) {
	gate, db := setupGate(t, Config{})
	ctx := context.Background()
	contact := createContact(t, db, "a@example.com")

	token, err := gate.CreateOrReuseToken(ctx, "owner-1", contact.ID, models.ScopeEmail)
	if err != nil {
		t.Fatalf("failed to create token: %v", err)
	}

	if err := gate.Unsubscribe(ctx, token.Token, "10.0.0.1", "curl"); err != nil {
		t.Fatalf("failed to unsubscribe: %v", err)
	}

	got, _ := store.NewContactRepository(db.DB).GetByID(contact.ID)
	if !got.EmailOptedOut {
		t.Error("expected email opt-out set")
	}

	err = gate.Unsubscribe(ctx, token.Token, "10.0.0.1", "curl")
	if !errors.Is(err, ErrTokenUsed) {
		t.Errorf("expected ErrTokenUsed on second use, got %v", err)
	}

	audits, _ := store.NewConsentRepository(db.DB).ListAudit(contact.ID)
	if len(audits) != 1 {
		t.Errorf("expected 1 audit row, got %d", len(audits))
	}
}

func TestUnsubscribeBothScope(t *testing.T) {
	gate, db := setupGate(t, Config{})
	ctx := context.Background()
	contact := createContact(t, db, "a@example.com")

	token, _ := gate.CreateOrReuseToken(ctx, "owner-1", contact.ID, models.ScopeBoth)
	if err := gate.Unsubscribe(ctx, token.Token, "", ""); err != nil {
		t.Fatalf("failed to unsubscribe: %v", err)
	}

	got, _ := store.NewContactRepository(db.DB).GetByID(contact.ID)
	if !got.EmailOptedOut || !got.SMSOptedOut {
		t.Errorf("expected both flags set, got email=%v sms=%v", got.EmailOptedOut, got.SMSOptedOut)
	}
}

func TestUnsubscribeUnknownToken(t *testing.T) {
	gate, _ := setupGate(t, Config{})

	err := gate.Unsubscribe(context.Background(), "missing", "", "")
	if !errors.Is(err, ErrUnknownToken) {
		t.Errorf("expected ErrUnknownToken, got %v", err)
	}
}

func TestResubscribeAcceptsConsumedToken(t *testing.T) {
	gate, db := setupGate(t, Config{})
	ctx := context.Background()
	contact := createContact(t, db, "a@example.com")

	token, _ := gate.CreateOrReuseToken(ctx, "owner-1", contact.ID, models.ScopeEmail)
	if err := gate.Unsubscribe(ctx, token.Token, "", ""); err != nil {
		t.Fatalf("failed to unsubscribe: %v", err)
	}

	// The consumed token still resubscribes under default config.
	if err := gate.Resubscribe(ctx, token.Token, "", ""); err != nil {
		t.Fatalf("failed to resubscribe: %v", err)
	}

	got, _ := store.NewContactRepository(db.DB).GetByID(contact.ID)
	if got.EmailOptedOut {
		t.Error("expected email opt-out cleared")
	}

	audits, _ := store.NewConsentRepository(db.DB).ListAudit(contact.ID)
	if len(audits) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(audits))
	}
	if audits[0].Action != "resubscribe" {
		t.Errorf("expected resubscribe newest, got %s", audits[0].Action)
	}
}

func TestResubscribeStrictMode(t *testing.T) {
	gate, db := setupGate(t, Config{ResubscribeRequiresActiveToken: true})
	ctx := context.Background()
	contact := createContact(t, db, "a@example.com")

	token, _ := gate.CreateOrReuseToken(ctx, "owner-1", contact.ID, models.ScopeEmail)
	if err := gate.Unsubscribe(ctx, token.Token, "", ""); err != nil {
		t.Fatalf("failed to unsubscribe: %v", err)
	}

	err := gate.Resubscribe(ctx, token.Token, "", "")
	if !errors.Is(err, ErrTokenUsed) {
		t.Errorf("expected ErrTokenUsed in strict mode, got %v", err)
	}
}

func TestScopeForChannel(t *testing.T) {
	if got := ScopeForChannel(models.ChannelEmail); got != models.ScopeEmail {
		t.Errorf("email: got %q", got)
	}
	if got := ScopeForChannel(models.ChannelSMS); got != models.ScopeSMS {
		t.Errorf("sms: got %q", got)
	}
	if got := ScopeForChannel(models.ChannelPush); got != "" {
		t.Errorf("push: got %q", got)
	}
}
