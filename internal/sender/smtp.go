package sender

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPConfig configures the email channel adapter.
type SMTPConfig struct {
	Addr     string        `yaml:"addr"` // host:port of the submission relay
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SMTPSender submits email to a relay over SMTP. MX resolution, DKIM and
// final delivery are the relay's problem; this adapter only needs the
// call/response contract.
type SMTPSender struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// NewSMTPSender creates an email sender.
func NewSMTPSender(cfg SMTPConfig, logger *slog.Logger) *SMTPSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPSender{
		cfg:    cfg,
		logger: logger.With("component", "smtp_sender"),
	}
}

// Send submits one message. SMTP reply codes are mapped into
// DeliveryError with 4xx treated as temporary and 5xx as permanent.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	data := buildMessage(msg)

	var auth sasl.Client
	if s.cfg.Username != "" {
		auth = sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	}

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.cfg.Addr, auth, msg.From, []string{msg.To}, strings.NewReader(data))
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, mapSMTPError(err)
		}
	case <-time.After(s.cfg.Timeout):
		return nil, fmt.Errorf("smtp submission timed out after %s", s.cfg.Timeout)
	}

	s.logger.Debug("email submitted", "to", msg.To)
	return &Result{Code: "250", Message: "accepted"}, nil
}

// buildMessage renders a minimal RFC 5322 message.
func buildMessage(msg *Message) string {
	var b strings.Builder
	b.WriteString("From: " + msg.From + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return b.String()
}

// mapSMTPError converts SMTP errors into DeliveryError where a reply code
// is present.
func mapSMTPError(err error) error {
	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		code := fmt.Sprintf("%d", smtpErr.Code)
		return &DeliveryError{
			Code:      code,
			Temporary: smtpErr.Code >= 400 && smtpErr.Code < 500,
			Message:   Reason(code),
		}
	}
	return fmt.Errorf("smtp submission failed: %w", err)
}
