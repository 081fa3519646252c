package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkrv/dispatchly/internal/campaign"
	"github.com/mkrv/dispatchly/internal/consent"
	"github.com/mkrv/dispatchly/internal/links"
	"github.com/mkrv/dispatchly/internal/models"
	"github.com/mkrv/dispatchly/internal/queue"
)

// CreateContactRequest is the request body for POST /contacts
type CreateContactRequest struct {
	OwnerID   string `json:"owner_id"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Company   string `json:"company,omitempty"`
}

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
	Channel string `json:"channel"`
	Subject string `json:"subject,omitempty"`
	Content string `json:"content"`
}

// AddRecipientsRequest is the request body for POST /campaigns/{id}/recipients
type AddRecipientsRequest struct {
	ContactIDs []string `json:"contact_ids"`
}

// SendCampaignRequest is the request body for POST /campaigns/{id}/send
type SendCampaignRequest struct {
	Priority int `json:"priority,omitempty"`
}

// ScheduleCampaignRequest is the request body for POST /campaigns/{id}/schedule
type ScheduleCampaignRequest struct {
	At       time.Time `json:"at"`
	Priority int       `json:"priority,omitempty"`
}

// JobResponse is returned when a dispatch job is enqueued
type JobResponse struct {
	JobID      string    `json:"job_id"`
	CampaignID string    `json:"campaign_id"`
	Status     string    `json:"status"`
	RunAt      time.Time `json:"run_at"`
}

// CampaignResponse is the response for GET /campaigns/{id}
type CampaignResponse struct {
	Campaign *models.Campaign `json:"campaign"`
	Counts   RecipientCounts  `json:"recipients"`
}

// RecipientCounts is the per-status recipient breakdown
type RecipientCounts struct {
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Opened    int `json:"opened"`
	Clicked   int `json:"clicked"`
	Bounced   int `json:"bounced"`
	Failed    int `json:"failed"`
}

// CreditsRequest is the request body for POST /credits
type CreditsRequest struct {
	OwnerID string `json:"owner_id"`
	Amount  int    `json:"amount"`
}

// SessionEventRequest is the request body for POST /sessions/{id}/events
type SessionEventRequest struct {
	EventType string         `json:"event_type"`
	PageURL   string         `json:"page_url,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// DeliveryWebhookRequest is the provider delivery receipt payload
type DeliveryWebhookRequest struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// UnsubscribePageResponse describes a self-service token
type UnsubscribePageResponse struct {
	Scope         string `json:"scope"`
	Active        bool   `json:"active"`
	EmailOptedOut bool   `json:"email_opted_out"`
	SMSOptedOut   bool   `json:"sms_opted_out"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string       `json:"status"`
	Uptime string       `json:"uptime"`
	Queue  *queue.Stats `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.deps.Broker.Stats(r.Context())

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).String(),
		Queue:  stats,
	})
}

// handleClick handles GET /l/{token}: record the click and redirect to the
// canonical URL. Expired links answer 410 and record nothing.
func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	res, err := s.deps.Links.ResolveClick(r.Context(), token, r.RemoteAddr, r.UserAgent(), r.Referer())
	if err != nil {
		switch {
		case errors.Is(err, links.ErrUnknownToken):
			s.sendError(w, http.StatusNotFound, "Unknown link")
		case errors.Is(err, links.ErrLinkExpired):
			s.sendError(w, http.StatusGone, "Link has expired")
		default:
			s.logger.Error("failed to resolve click", "token", token, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to resolve link")
		}
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.LinkClicksTotal.Inc()
	}
	http.Redirect(w, r, res.URL, http.StatusFound)
}

// handleUnsubscribePage handles GET /u/{token}
func (s *Server) handleUnsubscribePage(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	t, contact, err := s.deps.Consent.TokenDetails(r.Context(), token)
	if err != nil {
		if errors.Is(err, consent.ErrUnknownToken) {
			s.sendError(w, http.StatusNotFound, "Unknown token")
			return
		}
		s.logger.Error("failed to load token", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load token")
		return
	}

	resp := UnsubscribePageResponse{
		Scope:  string(t.Scope),
		Active: t.Active,
	}
	if contact != nil {
		resp.EmailOptedOut = contact.EmailOptedOut
		resp.SMSOptedOut = contact.SMSOptedOut
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleUnsubscribe handles POST /u/{token}/unsubscribe
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	err := s.deps.Consent.Unsubscribe(r.Context(), token, r.RemoteAddr, r.UserAgent())
	if err != nil {
		s.sendConsentError(w, err)
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.UnsubscribesTotal.Inc()
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}

// handleResubscribe handles POST /u/{token}/resubscribe
func (s *Server) handleResubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	err := s.deps.Consent.Resubscribe(r.Context(), token, r.RemoteAddr, r.UserAgent())
	if err != nil {
		s.sendConsentError(w, err)
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.ResubscribesTotal.Inc()
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "resubscribed"})
}

func (s *Server) sendConsentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consent.ErrUnknownToken):
		s.sendError(w, http.StatusNotFound, "Unknown token")
	case errors.Is(err, consent.ErrTokenUsed):
		s.sendError(w, http.StatusGone, "Token already used")
	default:
		s.logger.Error("consent operation failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Operation failed")
	}
}

// handleCreateContact handles POST /api/v1/contacts
func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req CreateContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OwnerID == "" {
		s.sendError(w, http.StatusBadRequest, "owner_id is required")
		return
	}
	if req.Email == "" && req.Phone == "" {
		s.sendError(w, http.StatusBadRequest, "email or phone is required")
		return
	}

	contact := &models.Contact{
		OwnerID:   req.OwnerID,
		Email:     req.Email,
		Phone:     req.Phone,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Company:   req.Company,
	}
	if err := s.deps.Contacts.Create(contact); err != nil {
		s.logger.Error("failed to create contact", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create contact")
		return
	}
	s.sendJSON(w, http.StatusCreated, contact)
}

// handleGetContact handles GET /api/v1/contacts/{id}
func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	contact, err := s.deps.Contacts.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("failed to get contact", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get contact")
		return
	}
	if contact == nil {
		s.sendError(w, http.StatusNotFound, "Contact not found")
		return
	}
	s.sendJSON(w, http.StatusOK, contact)
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OwnerID == "" || req.Name == "" || req.Content == "" {
		s.sendError(w, http.StatusBadRequest, "owner_id, name and content are required")
		return
	}

	channel := models.Channel(req.Channel)
	switch channel {
	case models.ChannelEmail, models.ChannelSMS, models.ChannelPush:
	default:
		s.sendError(w, http.StatusBadRequest, "channel must be email, sms or push")
		return
	}

	c := &models.Campaign{
		OwnerID: req.OwnerID,
		Name:    req.Name,
		Channel: channel,
		Subject: req.Subject,
		Content: req.Content,
	}
	if err := s.deps.CampaignDB.Create(c); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}
	s.sendJSON(w, http.StatusCreated, c)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, counts, err := s.deps.Campaigns.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, campaign.ErrCampaignNotFound) {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		s.logger.Error("failed to get campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get campaign")
		return
	}

	s.sendJSON(w, http.StatusOK, CampaignResponse{
		Campaign: c,
		Counts: RecipientCounts{
			Pending:   counts.Pending,
			Sent:      counts.Sent,
			Delivered: counts.Delivered,
			Opened:    counts.Opened,
			Clicked:   counts.Clicked,
			Bounced:   counts.Bounced,
			Failed:    counts.Failed,
		},
	})
}

// handleAddRecipients handles POST /api/v1/campaigns/{id}/recipients
func (s *Server) handleAddRecipients(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	var req AddRecipientsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.ContactIDs) == 0 {
		s.sendError(w, http.StatusBadRequest, "contact_ids is required")
		return
	}

	added := 0
	for _, contactID := range req.ContactIDs {
		if _, err := s.deps.Recipients.Add(campaignID, contactID); err != nil {
			// Duplicate (campaign, contact) pairs are rejected by the store.
			s.logger.Warn("failed to add recipient",
				"campaign_id", campaignID, "contact_id", contactID, "error", err)
			continue
		}
		added++
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"added": added})
}

// handleSendCampaign handles POST /api/v1/campaigns/{id}/send
func (s *Server) handleSendCampaign(w http.ResponseWriter, r *http.Request) {
	var req SendCampaignRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	job, err := s.deps.Campaigns.Queue(r.Context(), chi.URLParam(r, "id"), req.Priority)
	if err != nil {
		s.sendCampaignError(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, jobResponse(job))
}

// handleScheduleCampaign handles POST /api/v1/campaigns/{id}/schedule
func (s *Server) handleScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req ScheduleCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.At.IsZero() {
		s.sendError(w, http.StatusBadRequest, "at is required")
		return
	}

	job, err := s.deps.Campaigns.Schedule(r.Context(), chi.URLParam(r, "id"), req.At, req.Priority)
	if err != nil {
		if errors.Is(err, queue.ErrPastSchedule) {
			s.sendError(w, http.StatusBadRequest, "Scheduled time must be in the future")
			return
		}
		s.sendCampaignError(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, jobResponse(job))
}

// handleCancelCampaign handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Campaigns.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, campaign.ErrNotCancelable) {
			s.sendError(w, http.StatusConflict, "Campaign dispatch already started or finished")
			return
		}
		s.sendCampaignError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleCampaignLinks handles GET /api/v1/campaigns/{id}/links
func (s *Server) handleCampaignLinks(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Links.CampaignLinkStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("failed to get link stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get link stats")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"links": stats})
}

// handleQueueStats handles GET /api/v1/queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Broker.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get queue stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// handleAddCredits handles POST /api/v1/credits
func (s *Server) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	var req CreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OwnerID == "" || req.Amount <= 0 {
		s.sendError(w, http.StatusBadRequest, "owner_id and a positive amount are required")
		return
	}

	if err := s.deps.Credits.Add(req.OwnerID, req.Amount); err != nil {
		s.logger.Error("failed to add credits", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to add credits")
		return
	}

	balance, err := s.deps.Credits.Balance(req.OwnerID)
	if err != nil {
		s.logger.Error("failed to read balance", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read balance")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"owner_id": req.OwnerID, "balance": balance})
}

// handleGetCredits handles GET /api/v1/credits/{owner_id}
func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "owner_id")
	balance, err := s.deps.Credits.Balance(ownerID)
	if err != nil {
		s.logger.Error("failed to read balance", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to read balance")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"owner_id": ownerID, "balance": balance})
}

// handleSessionEvent handles POST /api/v1/sessions/{id}/events
func (s *Server) handleSessionEvent(w http.ResponseWriter, r *http.Request) {
	var req SessionEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.EventType == "" {
		s.sendError(w, http.StatusBadRequest, "event_type is required")
		return
	}

	err := s.deps.Links.RecordSessionEvent(r.Context(), chi.URLParam(r, "id"), req.EventType, req.Data, req.PageURL)
	if err != nil {
		if errors.Is(err, links.ErrUnknownSession) {
			s.sendError(w, http.StatusNotFound, "Unknown session")
			return
		}
		s.logger.Error("failed to record session event", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to record event")
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionEventsTotal.Inc()
	}
	s.sendJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

// handleDeliveryWebhook handles POST /api/v1/webhooks/delivery. Providers
// push delivery receipts here after the fact.
func (s *Server) handleDeliveryWebhook(w http.ResponseWriter, r *http.Request) {
	var req DeliveryWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MessageID == "" {
		s.sendError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	recipientStatus, messageStatus, ok := mapReceiptStatus(req.Status)
	if !ok {
		s.sendError(w, http.StatusBadRequest, "status must be delivered, bounced, opened or clicked")
		return
	}

	msg, err := s.deps.Messages.GetByID(req.MessageID)
	if err != nil {
		s.logger.Error("failed to load message", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to load message")
		return
	}
	if msg == nil {
		s.sendError(w, http.StatusNotFound, "Message not found")
		return
	}

	if messageStatus != "" {
		if err := s.deps.Messages.UpdateDeliveryStatus(msg.ID, messageStatus); err != nil {
			s.logger.Error("failed to update message", "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to apply receipt")
			return
		}
	}
	if err := s.deps.Recipients.UpdateDeliveryStatus(msg.RecipientID, recipientStatus); err != nil {
		s.logger.Error("failed to update recipient", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to apply receipt")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// mapReceiptStatus maps a webhook status onto recipient and message
// statuses. Opens and clicks only move the recipient.
func mapReceiptStatus(status string) (recipient, message string, ok bool) {
	switch status {
	case models.RecipientDelivered:
		return models.RecipientDelivered, models.MessageDelivered, true
	case models.RecipientBounced:
		return models.RecipientBounced, models.MessageBounced, true
	case models.RecipientOpened:
		return models.RecipientOpened, "", true
	case models.RecipientClicked:
		return models.RecipientClicked, "", true
	default:
		return "", "", false
	}
}

func (s *Server) sendCampaignError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrCampaignNotFound):
		s.sendError(w, http.StatusNotFound, "Campaign not found")
	case errors.Is(err, campaign.ErrNoRecipients):
		s.sendError(w, http.StatusBadRequest, "Campaign has no recipients")
	case errors.Is(err, campaign.ErrInvalidState):
		s.sendError(w, http.StatusConflict, "Operation not valid for campaign status")
	default:
		s.logger.Error("campaign operation failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Operation failed")
	}
}

func jobResponse(job *queue.Job) JobResponse {
	return JobResponse{
		JobID:      job.ID,
		CampaignID: job.CampaignID,
		Status:     string(job.Status),
		RunAt:      job.RunAt,
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
