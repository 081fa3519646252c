package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkrv/dispatchly/internal/consent"
	"github.com/mkrv/dispatchly/internal/links"
	"github.com/mkrv/dispatchly/internal/models"
	"github.com/mkrv/dispatchly/internal/sender"
	"github.com/mkrv/dispatchly/internal/store"
)

// BatchConfig is the per-channel throttle: recipients are processed in
// sequential batches of Size, sleeping Delay between batches. Within a
// batch sends run concurrently.
type BatchConfig struct {
	Size  int           `yaml:"size"`
	Delay time.Duration `yaml:"delay"`
}

// Config contains dispatcher settings.
type Config struct {
	Email BatchConfig `yaml:"email"`
	SMS   BatchConfig `yaml:"sms"`
	Push  BatchConfig `yaml:"push"`

	// EmailFrom is the envelope sender for email campaigns.
	EmailFrom string `yaml:"email_from"`
	// SMSSenderID is the originating number or alphanumeric ID for SMS.
	SMSSenderID string `yaml:"sms_sender_id"`
}

func (c *Config) setDefaults() {
	if c.Email.Size <= 0 {
		c.Email.Size = 100
	}
	if c.Email.Delay <= 0 {
		c.Email.Delay = time.Second
	}
	if c.SMS.Size <= 0 {
		c.SMS.Size = 10
	}
	if c.SMS.Delay <= 0 {
		c.SMS.Delay = 2 * time.Second
	}
	if c.Push.Size <= 0 {
		c.Push.Size = 100
	}
	if c.Push.Delay <= 0 {
		c.Push.Delay = time.Second
	}
}

// Recorder receives per-send counters. The metrics package implements it.
type Recorder interface {
	MessageSent(channel string)
	MessageFailed(channel string)
}

type nopRecorder struct{}

func (nopRecorder) MessageSent(string)   {}
func (nopRecorder) MessageFailed(string) {}

// Outcome is the per-run breakdown of a campaign dispatch.
type Outcome struct {
	Sent int
	// Failed counts recipients resolved as failed this run, including
	// consent-blocked ones.
	Failed int
	// Blocked counts the consent-blocked subset of Failed.
	Blocked int
	// Retryable counts recipients left pending because the provider
	// failed with a temporary error. A later job attempt picks them up.
	Retryable int
}

// Dispatcher fans a campaign out to its pending recipients with
// per-channel batch throttling. Safe to run the same campaign more than
// once: the recipient store's conditional updates make each row resolve
// at most once.
type Dispatcher struct {
	recipients *store.RecipientRepository
	messages   *store.MessageRepository
	credits    *store.CreditRepository
	gate       *consent.Gate
	links      *links.Engine
	senders    map[models.Channel]sender.Sender
	cfg        Config
	recorder   Recorder
	logger     *slog.Logger
}

// New creates a dispatcher. senders maps each campaign channel to its
// provider adapter.
func New(
	recipients *store.RecipientRepository,
	messages *store.MessageRepository,
	credits *store.CreditRepository,
	gate *consent.Gate,
	linkEngine *links.Engine,
	senders map[models.Channel]sender.Sender,
	cfg Config,
	logger *slog.Logger,
) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		recipients: recipients,
		messages:   messages,
		credits:    credits,
		gate:       gate,
		links:      linkEngine,
		senders:    senders,
		cfg:        cfg,
		recorder:   nopRecorder{},
		logger:     logger.With("component", "dispatch"),
	}
}

// SetRecorder installs a metrics recorder.
func (d *Dispatcher) SetRecorder(r Recorder) {
	if r != nil {
		d.recorder = r
	}
}

func (d *Dispatcher) batchConfig(channel models.Channel) BatchConfig {
	switch channel {
	case models.ChannelSMS:
		return d.cfg.SMS
	case models.ChannelPush:
		return d.cfg.Push
	default:
		return d.cfg.Email
	}
}

// Dispatch processes every pending recipient of the campaign. It returns
// a non-nil error only when at least one send failed with a temporary
// provider error; those recipients stay pending for the next job attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, campaign *models.Campaign) (Outcome, error) {
	snd, ok := d.senders[campaign.Channel]
	if !ok {
		return Outcome{}, fmt.Errorf("no sender configured for channel %q", campaign.Channel)
	}

	pending, err := d.recipients.ListPending(campaign.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to list pending recipients: %w", err)
	}

	batch := d.batchConfig(campaign.Channel)
	var outcome Outcome
	var mu sync.Mutex

	for start := 0; start < len(pending); start += batch.Size {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		end := start + batch.Size
		if end > len(pending) {
			end = len(pending)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			rc := pending[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := d.sendOne(ctx, snd, campaign, rc)
				mu.Lock()
				switch res {
				case resultSent:
					outcome.Sent++
				case resultFailed:
					outcome.Failed++
				case resultBlocked:
					outcome.Failed++
					outcome.Blocked++
				case resultRetryable:
					outcome.Retryable++
				}
				mu.Unlock()
			}()
		}
		wg.Wait()

		if end < len(pending) {
			select {
			case <-ctx.Done():
				return outcome, ctx.Err()
			case <-time.After(batch.Delay):
			}
		}
	}

	d.logger.Info("campaign dispatched",
		"campaign_id", campaign.ID,
		"sent", outcome.Sent,
		"failed", outcome.Failed,
		"blocked", outcome.Blocked,
		"retryable", outcome.Retryable,
	)

	if outcome.Retryable > 0 {
		return outcome, fmt.Errorf("%d sends hit temporary provider errors", outcome.Retryable)
	}
	return outcome, nil
}

type sendResult int

const (
	resultSent sendResult = iota
	resultFailed
	resultBlocked
	resultRetryable
)

// sendOne runs the full per-recipient pipeline. Consent is re-checked
// against the store here, not against the snapshot loaded at job start,
// so an opt-out landing between batches still blocks the send.
func (d *Dispatcher) sendOne(ctx context.Context, snd sender.Sender, campaign *models.Campaign, rc models.RecipientContact) sendResult {
	scope := consent.ScopeForChannel(campaign.Channel)

	allowed, err := d.gate.CanSend(ctx, rc.Contact.ID, scope)
	if err != nil {
		d.logger.Error("consent check failed", "recipient_id", rc.Recipient.ID, "error", err)
		return resultRetryable
	}
	if !allowed {
		if _, err := d.recipients.MarkFailed(rc.Recipient.ID, consent.ErrOptedOut.Error()); err != nil {
			d.logger.Error("failed to resolve blocked recipient", "recipient_id", rc.Recipient.ID, "error", err)
		}
		d.recorder.MessageFailed(string(campaign.Channel))
		return resultBlocked
	}

	reserved := false
	if campaign.Channel == models.ChannelSMS {
		ok, err := d.credits.Reserve(campaign.OwnerID)
		if err != nil {
			d.logger.Error("credit reservation failed", "owner_id", campaign.OwnerID, "error", err)
			return resultRetryable
		}
		if !ok {
			if _, err := d.recipients.MarkFailed(rc.Recipient.ID, "insufficient sms credits"); err != nil {
				d.logger.Error("failed to resolve recipient", "recipient_id", rc.Recipient.ID, "error", err)
			}
			d.recorder.MessageFailed(string(campaign.Channel))
			return resultFailed
		}
		reserved = true
	}
	refund := func() {
		if reserved {
			if err := d.credits.Refund(campaign.OwnerID); err != nil {
				d.logger.Error("credit refund failed", "owner_id", campaign.OwnerID, "error", err)
			}
		}
	}

	// The message ID is minted before the row exists so link tokens can
	// reference it during content rewriting.
	messageID := uuid.New().String()

	content := renderVars(campaign.Content, &rc.Contact)
	content, _, err = d.links.Rewrite(ctx, campaign.OwnerID, content, messageID, rc.Contact.ID)
	if err != nil {
		d.logger.Error("link rewrite failed", "recipient_id", rc.Recipient.ID, "error", err)
		refund()
		return resultRetryable
	}

	content, err = d.gate.AppendSelfServiceLink(ctx, campaign.OwnerID, rc.Contact.ID, content, campaign.Channel)
	if err != nil {
		d.logger.Error("unsubscribe footer failed", "recipient_id", rc.Recipient.ID, "error", err)
		refund()
		return resultRetryable
	}

	to, from := d.addresses(campaign.Channel, &rc.Contact)
	msg := &models.OutboundMessage{
		ID:          messageID,
		CampaignID:  campaign.ID,
		RecipientID: rc.Recipient.ID,
		ContactID:   rc.Contact.ID,
		Channel:     campaign.Channel,
		Sender:      from,
		Subject:     renderVars(campaign.Subject, &rc.Contact),
		Content:     content,
	}
	if err := d.messages.Create(msg); err != nil {
		d.logger.Error("failed to create message", "recipient_id", rc.Recipient.ID, "error", err)
		refund()
		return resultRetryable
	}

	res, sendErr := snd.Send(ctx, &sender.Message{
		To:      to,
		From:    from,
		Subject: msg.Subject,
		Body:    content,
	})
	if sendErr != nil {
		return d.recordFailure(campaign, rc, msg.ID, sendErr, refund)
	}

	if err := d.messages.UpdateResult(msg.ID, models.MessageSent, res.Code, res.Message); err != nil {
		d.logger.Error("failed to record provider result", "message_id", msg.ID, "error", err)
	}
	if _, err := d.recipients.MarkSent(rc.Recipient.ID); err != nil {
		d.logger.Error("failed to resolve recipient", "recipient_id", rc.Recipient.ID, "error", err)
	}
	d.recorder.MessageSent(string(campaign.Channel))
	return resultSent
}

// recordFailure stamps the provider failure on the message row and, for
// permanent rejections, resolves the recipient. Temporary failures leave
// the recipient pending so a retried job reprocesses it.
func (d *Dispatcher) recordFailure(campaign *models.Campaign, rc models.RecipientContact, messageID string, sendErr error, refund func()) sendResult {
	code := ""
	var de *sender.DeliveryError
	if errors.As(sendErr, &de) {
		code = de.Code
	}
	if err := d.messages.UpdateResult(messageID, models.MessageFailed, code, sendErr.Error()); err != nil {
		d.logger.Error("failed to record provider result", "message_id", messageID, "error", err)
	}
	refund()
	d.recorder.MessageFailed(string(campaign.Channel))

	if sender.IsTemporary(sendErr) {
		d.logger.Warn("send failed, will retry",
			"recipient_id", rc.Recipient.ID, "campaign_id", campaign.ID, "error", sendErr)
		return resultRetryable
	}

	if _, err := d.recipients.MarkFailed(rc.Recipient.ID, sendErr.Error()); err != nil {
		d.logger.Error("failed to resolve recipient", "recipient_id", rc.Recipient.ID, "error", err)
	}
	return resultFailed
}

func (d *Dispatcher) addresses(channel models.Channel, contact *models.Contact) (to, from string) {
	switch channel {
	case models.ChannelSMS:
		return contact.Phone, d.cfg.SMSSenderID
	default:
		return contact.Email, d.cfg.EmailFrom
	}
}

// renderVars substitutes {{placeholder}} occurrences with contact fields.
// Unknown placeholders are left as-is.
func renderVars(content string, contact *models.Contact) string {
	replacer := strings.NewReplacer(
		"{{first_name}}", contact.FirstName,
		"{{last_name}}", contact.LastName,
		"{{email}}", contact.Email,
		"{{phone}}", contact.Phone,
		"{{company}}", contact.Company,
	)
	return replacer.Replace(content)
}
