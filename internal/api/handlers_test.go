package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/mkrv/dispatchly/internal/campaign"
	"github.com/mkrv/dispatchly/internal/config"
	"github.com/mkrv/dispatchly/internal/consent"
	"github.com/mkrv/dispatchly/internal/dispatch"
	"github.com/mkrv/dispatchly/internal/events"
	"github.com/mkrv/dispatchly/internal/links"
	"github.com/mkrv/dispatchly/internal/models"
	"github.com/mkrv/dispatchly/internal/queue"
	"github.com/mkrv/dispatchly/internal/sender"
	"github.com/mkrv/dispatchly/internal/store"
)

type fixture struct {
	server *Server
	db     *store.DB
	mock   *sender.Mock
	gate   *consent.Gate
	engine *links.Engine
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	db, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage, err := queue.NewBoltStorage(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("failed to open queue storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	logger := testLogger()
	recipients := store.NewRecipientRepository(db.DB)
	messages := store.NewMessageRepository(db.DB)
	credits := store.NewCreditRepository(db.DB)
	contacts := store.NewContactRepository(db.DB)
	campaigns := store.NewCampaignRepository(db.DB)

	engine := links.NewEngine(
		store.NewLinkRepository(db.DB),
		events.NewPublisher(64, logger),
		links.Config{BaseURL: "https://trk.example.com"},
		logger,
	)
	gate := consent.NewGate(
		contacts,
		store.NewConsentRepository(db.DB),
		engine,
		consent.Config{BaseURL: "https://trk.example.com"},
		logger,
	)

	mock := sender.NewMock()
	dispatcher := dispatch.New(recipients, messages, credits, gate, engine,
		map[models.Channel]sender.Sender{
			models.ChannelEmail: mock,
			models.ChannelSMS:   mock,
		},
		dispatch.Config{EmailFrom: "news@example.com"},
		logger,
	)
	broker := queue.NewAdapter(storage, queue.AdapterConfig{}, logger)
	svc := campaign.NewService(campaigns, recipients, broker, dispatcher, logger)

	server := NewServer(Deps{
		Campaigns:  svc,
		Links:      engine,
		Consent:    gate,
		Broker:     broker,
		Contacts:   contacts,
		CampaignDB: campaigns,
		Recipients: recipients,
		Messages:   messages,
		Credits:    credits,
	}, &config.ServerConfig{ListenAddr: ":0"}, nil, logger)

	return &fixture{server: server, db: db, mock: mock, gate: gate, engine: engine}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func (f *fixture) createContact(t *testing.T, email string) models.Contact {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/api/v1/contacts", CreateContactRequest{
		OwnerID: "owner-1", Email: email, FirstName: "Ada",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decode[models.Contact](t, rec)
}

func (f *fixture) createCampaign(t *testing.T, content string) models.Campaign {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns", CreateCampaignRequest{
		OwnerID: "owner-1", Name: "launch", Channel: "email", Subject: "Hello", Content: content,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decode[models.Campaign](t, rec)
}

func TestHealth(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[HealthResponse](t, rec)
	if resp.Status != "ok" {
		t.Errorf("expected ok, got %s", resp.Status)
	}
}

func TestContactCRUD(t *testing.T) {
	f := setup(t)

	contact := f.createContact(t, "a@example.com")
	if contact.ID == "" {
		t.Fatal("expected contact id")
	}

	rec := f.do(t, http.MethodGet, "/api/v1/contacts/"+contact.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/contacts/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/contacts", CreateContactRequest{OwnerID: "owner-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without email or phone, got %d", rec.Code)
	}
}

func TestCampaignValidation(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns", CreateCampaignRequest{
		OwnerID: "owner-1", Name: "x", Channel: "fax", Content: "hi",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad channel, got %d", rec.Code)
	}
}

func TestCampaignSendFlow(t *testing.T) {
	f := setup(t)

	c := f.createCampaign(t, "Big news")
	contact := f.createContact(t, "a@example.com")

	// No recipients yet.
	rec := f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/send", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without recipients, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/recipients", AddRecipientsRequest{
		ContactIDs: []string{contact.ID, contact.ID, "missing"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	added := decode[map[string]int](t, rec)
	if added["added"] != 1 {
		t.Errorf("duplicates and unknown contacts must be skipped, added=%d", added["added"])
	}

	rec = f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/send", SendCampaignRequest{Priority: 5})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	job := decode[JobResponse](t, rec)
	if job.CampaignID != c.ID {
		t.Errorf("expected job for %s, got %s", c.ID, job.CampaignID)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[CampaignResponse](t, rec)
	if resp.Counts.Pending != 1 {
		t.Errorf("expected 1 pending recipient, got %+v", resp.Counts)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/queue/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	stats := decode[queue.Stats](t, rec)
	if stats.Waiting == 0 {
		t.Errorf("expected waiting jobs, got %+v", stats)
	}
}

func TestCampaignScheduleAndCancel(t *testing.T) {
	f := setup(t)

	c := f.createCampaign(t, "Big news")
	contact := f.createContact(t, "a@example.com")
	f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/recipients", AddRecipientsRequest{ContactIDs: []string{contact.ID}})

	rec := f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/schedule", ScheduleCampaignRequest{
		At: time.Now().Add(-time.Hour),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for past time, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/schedule", ScheduleCampaignRequest{
		At: time.Now().Add(time.Hour),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Nothing left to cancel.
	rec = f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestClickRedirect(t *testing.T) {
	f := setup(t)
	contact := f.createContact(t, "a@example.com")

	_, mappings, err := f.engine.Rewrite(context.Background(), "owner-1", "Go https://example.com/sale", "msg-1", contact.ID)
	if err != nil {
		t.Fatalf("failed to rewrite: %v", err)
	}
	token := mappings[0].ShortURL[len("https://trk.example.com/l/"):]

	rec := f.do(t, http.MethodGet, "/l/"+token, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.com/sale" {
		t.Errorf("expected redirect to canonical url, got %s", loc)
	}

	rec = f.do(t, http.MethodGet, "/l/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestClickExpiredLink(t *testing.T) {
	f := setup(t)
	contact := f.createContact(t, "a@example.com")
	repo := store.NewLinkRepository(f.db.DB)

	past := time.Now().UTC().Add(-time.Hour)
	sl := &models.ShortLink{OwnerID: "owner-1", OriginalURL: "https://example.com", Code: "dead", ExpiresAt: &past}
	if err := repo.CreateShortLink(sl); err != nil {
		t.Fatalf("failed to create short link: %v", err)
	}
	if err := repo.CreateToken(&models.LinkToken{Token: "deadtok", ShortLinkID: sl.ID, ContactID: contact.ID}); err != nil {
		t.Fatalf("failed to create token: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/l/deadtok", nil)
	if rec.Code != http.StatusGone {
		t.Errorf("expected 410, got %d", rec.Code)
	}
}

func TestUnsubscribeFlow(t *testing.T) {
	f := setup(t)
	contact := f.createContact(t, "a@example.com")

	token, err := f.gate.CreateOrReuseToken(context.Background(), "owner-1", contact.ID, models.ScopeEmail)
	if err != nil {
		t.Fatalf("failed to create token: %v", err)
	}

	rec := f.do(t, http.MethodGet, "/u/"+token.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	page := decode[UnsubscribePageResponse](t, rec)
	if page.Scope != "email" || !page.Active {
		t.Errorf("unexpected page %+v", page)
	}

	rec = f.do(t, http.MethodPost, "/u/"+token.Token+"/unsubscribe", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	got, _ := store.NewContactRepository(f.db.DB).GetByID(contact.ID)
	if !got.EmailOptedOut {
		t.Error("expected opt-out flag set")
	}

	// Second use of the token.
	rec = f.do(t, http.MethodPost, "/u/"+token.Token+"/unsubscribe", nil)
	if rec.Code != http.StatusGone {
		t.Errorf("expected 410, got %d", rec.Code)
	}

	// Consumed tokens still resubscribe under default config.
	rec = f.do(t, http.MethodPost, "/u/"+token.Token+"/resubscribe", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got, _ = store.NewContactRepository(f.db.DB).GetByID(contact.ID)
	if got.EmailOptedOut {
		t.Error("expected opt-out flag cleared")
	}

	rec = f.do(t, http.MethodGet, "/u/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCreditsEndpoints(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/v1/credits", CreditsRequest{OwnerID: "owner-1", Amount: 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/credits/owner-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[map[string]any](t, rec)
	if resp["balance"].(float64) != 10 {
		t.Errorf("expected balance 10, got %v", resp["balance"])
	}

	rec = f.do(t, http.MethodPost, "/api/v1/credits", CreditsRequest{OwnerID: "owner-1", Amount: -1})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative amount, got %d", rec.Code)
	}
}

func TestSessionEventEndpoint(t *testing.T) {
	f := setup(t)
	contact := f.createContact(t, "a@example.com")

	session, err := store.NewLinkRepository(f.db.DB).CreateSession(contact.ID)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/events", SessionEventRequest{
		EventType: "page_view", PageURL: "https://example.com/pricing",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/missing/events", SessionEventRequest{EventType: "page_view"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestDeliveryWebhook(t *testing.T) {
	f := setup(t)
	contact := f.createContact(t, "a@example.com")
	c := f.createCampaign(t, "Big news")

	recipients := store.NewRecipientRepository(f.db.DB)
	recRow, err := recipients.Add(c.ID, contact.ID)
	if err != nil {
		t.Fatalf("failed to add recipient: %v", err)
	}
	if _, err := recipients.MarkSent(recRow.ID); err != nil {
		t.Fatalf("failed to mark sent: %v", err)
	}

	messages := store.NewMessageRepository(f.db.DB)
	msg := &models.OutboundMessage{
		ID:          "msg-1",
		CampaignID:  c.ID,
		RecipientID: recRow.ID,
		ContactID:   contact.ID,
		Channel:     models.ChannelEmail,
		Sender:      "news@example.com",
		Content:     "hi",
	}
	if err := messages.Create(msg); err != nil {
		t.Fatalf("failed to create message: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/webhooks/delivery", DeliveryWebhookRequest{
		MessageID: "msg-1", Status: "delivered",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	gotRec, _ := recipients.GetByID(recRow.ID)
	if gotRec.Status != models.RecipientDelivered {
		t.Errorf("expected delivered recipient, got %s", gotRec.Status)
	}
	gotMsg, _ := messages.GetByID("msg-1")
	if gotMsg.Status != models.MessageDelivered {
		t.Errorf("expected delivered message, got %s", gotMsg.Status)
	}

	// Opens only move the recipient.
	rec = f.do(t, http.MethodPost, "/api/v1/webhooks/delivery", DeliveryWebhookRequest{
		MessageID: "msg-1", Status: "opened",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	gotRec, _ = recipients.GetByID(recRow.ID)
	if gotRec.Status != models.RecipientOpened {
		t.Errorf("expected opened recipient, got %s", gotRec.Status)
	}
	gotMsg, _ = messages.GetByID("msg-1")
	if gotMsg.Status != models.MessageDelivered {
		t.Errorf("opens must not move the message, got %s", gotMsg.Status)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/webhooks/delivery", DeliveryWebhookRequest{
		MessageID: "missing", Status: "delivered",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/webhooks/delivery", DeliveryWebhookRequest{
		MessageID: "msg-1", Status: "vanished",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", rec.Code)
	}
}
