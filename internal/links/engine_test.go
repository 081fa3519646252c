package links

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mkrv/dispatchly/internal/events"
	"github.com/mkrv/dispatchly/internal/models"
	"github.com/mkrv/dispatchly/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupEngine(t *testing.T) (*Engine, *store.DB) {
	t.Helper()

	db, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	engine := NewEngine(
		store.NewLinkRepository(db.DB),
		events.NewPublisher(16, testLogger()),
		Config{BaseURL: "https://trk.example.com"},
		testLogger(),
	)
	return engine, db
}

func createContact(t *testing.T, db *store.DB, email string) *models.Contact {
	t.Helper()

	c := &models.Contact{OwnerID: "owner-1", Email: email}
	if err := store.NewContactRepository(db.DB).Create(c); err != nil {
		t.Fatalf("failed to create contact: %v", err)
	}
	return c
}

func TestRewriteDuplicateURLSharesLinkNotToken(t *testing.T) {
	engine, db := setupEngine(t)
	contact := createContact(t, db, "a@example.com")

	content := "Shop https://example.com/sale now. Again: https://example.com/sale"
	rewritten, mappings, err := engine.Rewrite(context.Background(), "owner-1", content, "msg-1", contact.ID)
	if err != nil {
		t.Fatalf("failed to rewrite: %v", err)
	}

	if len(mappings) != 2 {
		t.Fatalf("expected 2 mappings, got %d", len(mappings))
	}
	if mappings[0].ShortURL == mappings[1].ShortURL {
		t.Error("each occurrence must get its own token")
	}
	if strings.Contains(rewritten, "https://example.com/sale") {
		t.Error("original url must not survive the rewrite")
	}
	for _, m := range mappings {
		if !strings.Contains(rewritten, m.ShortURL) {
			t.Errorf("rewritten content missing %s", m.ShortURL)
		}
		if !strings.HasPrefix(m.ShortURL, "https://trk.example.com/l/") {
			t.Errorf("unexpected short url %s", m.ShortURL)
		}
	}

	// Both tokens point at one canonical short link.
	repo := store.NewLinkRepository(db.DB)
	tokA := strings.TrimPrefix(mappings[0].ShortURL, "https://trk.example.com/l/")
	tokB := strings.TrimPrefix(mappings[1].ShortURL, "https://trk.example.com/l/")
	_, linkA, _ := repo.GetTokenWithLink(tokA)
	_, linkB, _ := repo.GetTokenWithLink(tokB)
	if linkA == nil || linkB == nil {
		t.Fatal("expected both tokens to resolve")
	}
	if linkA.ID != linkB.ID {
		t.Error("duplicate url occurrences must share one short link")
	}
}

func TestRewriteNoURLsIsPassthrough(t *testing.T) {
	engine, db := setupEngine(t)
	contact := createContact(t, db, "a@example.com")

	content := "Plain text, nothing to track."
	rewritten, mappings, err := engine.Rewrite(context.Background(), "owner-1", content, "msg-1", contact.ID)
	if err != nil {
		t.Fatalf("failed to rewrite: %v", err)
	}
	if rewritten != content {
		t.Errorf("expected content untouched, got %q", rewritten)
	}
	if len(mappings) != 0 {
		t.Errorf("expected no mappings, got %d", len(mappings))
	}
}

func TestResolveClickRecordsAndRedirects(t *testing.T) {
	engine, db := setupEngine(t)
	contact := createContact(t, db, "a@example.com")

	_, mappings, err := engine.Rewrite(context.Background(), "owner-1", "Go https://example.com/x", "msg-1", contact.ID)
	if err != nil {
		t.Fatalf("failed to rewrite: %v", err)
	}
	token := strings.TrimPrefix(mappings[0].ShortURL, "https://trk.example.com/l/")

	res, err := engine.ResolveClick(context.Background(), token, "10.0.0.1", "curl", "")
	if err != nil {
		t.Fatalf("failed to resolve click: %v", err)
	}
	if res.URL != "https://example.com/x" {
		t.Errorf("expected canonical url, got %s", res.URL)
	}
	if res.ContactID != contact.ID {
		t.Errorf("expected contact %s, got %s", contact.ID, res.ContactID)
	}
	if res.SessionID == "" {
		t.Error("expected a session")
	}
}

func TestResolveClickReusesSessionWithinWindow(t *testing.T) {
	engine, db := setupEngine(t)
	contact := createContact(t, db, "a@example.com")

	_, mappings, _ := engine.Rewrite(context.Background(), "owner-1", "https://example.com/x https://example.com/y", "msg-1", contact.ID)

	tokens := make([]string, len(mappings))
	for i, m := range mappings {
		tokens[i] = strings.TrimPrefix(m.ShortURL, "https://trk.example.com/l/")
	}

	first, err := engine.ResolveClick(context.Background(), tokens[0], "", "", "")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	second, err := engine.ResolveClick(context.Background(), tokens[1], "", "", "")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if first.SessionID != second.SessionID {
		t.Error("clicks inside the window must share a session")
	}

	// Push the session outside the 30-day window and click again.
	old := time.Now().UTC().Add(-31 * 24 * time.Hour)
	if _, err := db.Exec("UPDATE contact_sessions SET last_seen_at = ?", old); err != nil {
		t.Fatalf("failed to age session: %v", err)
	}

	third, err := engine.ResolveClick(context.Background(), tokens[0], "", "", "")
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if third.SessionID == first.SessionID {
		t.Error("a click after the window must start a new session")
	}
}

func TestResolveClickUnknownToken(t *testing.T) {
	engine, _ := setupEngine(t)

	_, err := engine.ResolveClick(context.Background(), "missing", "", "", "")
	if !errors.Is(err, ErrUnknownToken) {
		t.Errorf("expected ErrUnknownToken, got %v", err)
	}
}

func TestResolveClickExpiredLink(t *testing.T) {
	engine, db := setupEngine(t)
	contact := createContact(t, db, "a@example.com")
	repo := store.NewLinkRepository(db.DB)

	past := time.Now().UTC().Add(-time.Hour)
	sl := &models.ShortLink{OwnerID: "owner-1", OriginalURL: "https://example.com", Code: "dead", ExpiresAt: &past}
	if err := repo.CreateShortLink(sl); err != nil {
		t.Fatalf("failed to create short link: %v", err)
	}
	tok := &models.LinkToken{Token: "deadtok", ShortLinkID: sl.ID, ContactID: contact.ID}
	if err := repo.CreateToken(tok); err != nil {
		t.Fatalf("failed to create token: %v", err)
	}

	_, err := engine.ResolveClick(context.Background(), "deadtok", "", "", "")
	if !errors.Is(err, ErrLinkExpired) {
		t.Fatalf("expected ErrLinkExpired, got %v", err)
	}

	// No click may be recorded for an expired link.
	n, err := repo.CountClicksByToken(tok.ID)
	if err != nil {
		t.Fatalf("failed to count clicks: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 clicks, got %d", n)
	}
}

func TestShortenMintsMessagelessToken(t *testing.T) {
	engine, db := setupEngine(t)
	contact := createContact(t, db, "a@example.com")

	shortURL, err := engine.Shorten(context.Background(), "owner-1", contact.ID, "https://trk.example.com/u/abc", 365*24*time.Hour)
	if err != nil {
		t.Fatalf("failed to shorten: %v", err)
	}

	token := strings.TrimPrefix(shortURL, "https://trk.example.com/l/")
	tok, sl, err := store.NewLinkRepository(db.DB).GetTokenWithLink(token)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if tok == nil || sl == nil {
		t.Fatal("expected token and link")
	}
	if tok.MessageID != "" {
		t.Errorf("footer token must not reference a message, got %q", tok.MessageID)
	}
}

func TestRecordSessionEvent(t *testing.T) {
	engine, db := setupEngine(t)
	contact := createContact(t, db, "a@example.com")
	repo := store.NewLinkRepository(db.DB)

	session, err := repo.CreateSession(contact.ID)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	err = engine.RecordSessionEvent(context.Background(), session.ID, "page_view", map[string]any{"path": "/pricing"}, "https://example.com/pricing")
	if err != nil {
		t.Fatalf("failed to record event: %v", err)
	}

	err = engine.RecordSessionEvent(context.Background(), "missing", "page_view", nil, "")
	if !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	engine, db := setupEngine(t)
	repo := store.NewLinkRepository(db.DB)

	past := time.Now().UTC().Add(-time.Hour)
	sl := &models.ShortLink{OwnerID: "owner-1", OriginalURL: "https://example.com", Code: "old", ExpiresAt: &past}
	if err := repo.CreateShortLink(sl); err != nil {
		t.Fatalf("failed to create short link: %v", err)
	}

	n, err := engine.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("failed to sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 removed, got %d", n)
	}
}
