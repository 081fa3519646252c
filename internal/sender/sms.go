package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SMSConfig configures the SMS gateway adapter.
type SMSConfig struct {
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"api_key"`
	SenderID string        `yaml:"sender_id"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SMSSender submits messages to an HTTP SMS gateway.
type SMSSender struct {
	cfg    SMSConfig
	client *http.Client
	logger *slog.Logger
}

// NewSMSSender creates an SMS sender.
func NewSMSSender(cfg SMSConfig, logger *slog.Logger) *SMSSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SMSSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "sms_sender"),
	}
}

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
	Body string `json:"body"`
}

type smsResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Send submits one SMS. Gateway rejections carry the gateway's error code
// mapped to a human-readable reason; HTTP 5xx responses are temporary.
func (s *SMSSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	from := msg.From
	if from == "" {
		from = s.cfg.SenderID
	}

	payload, err := json.Marshal(smsRequest{To: msg.To, From: from, Body: msg.Body})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	var body smsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode sms gateway response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("sms gateway unavailable: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 || body.Status != "ok" {
		return nil, &DeliveryError{
			Code:      body.Code,
			Temporary: false,
			Message:   Reason(body.Code),
		}
	}

	s.logger.Debug("sms submitted", "to", msg.To)
	return &Result{Code: body.Code, Message: body.Message}, nil
}
