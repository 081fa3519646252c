package sender

import (
	"context"
	"errors"
)

// Message is the channel-neutral payload handed to a provider adapter.
// To is an email address or phone number depending on the channel.
type Message struct {
	To      string
	From    string
	Subject string
	Body    string
}

// Result carries the provider response for a successful submission.
type Result struct {
	Code    string
	Message string
}

// Sender is the opaque call/response contract with a channel provider.
// Implementations return a DeliveryError for provider rejections so the
// dispatcher can record a mapped, human-readable reason.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// DeliveryError is a provider rejection with type information.
type DeliveryError struct {
	Code      string
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return Reason(e.Code)
}

// providerReasons maps provider status codes to human-readable reasons.
// Unknown codes fall back to a generic message carrying the code.
var providerReasons = map[string]string{
	// SMTP reply codes
	"421": "service unavailable, try again later",
	"450": "mailbox temporarily unavailable",
	"451": "temporary local error",
	"452": "insufficient storage",
	"550": "mailbox unavailable",
	"551": "user not local",
	"552": "mailbox full",
	"553": "invalid mailbox name",
	"554": "message rejected",
	// SMS gateway codes
	"21211": "invalid phone number",
	"21408": "sms not permitted to region",
	"21610": "recipient has blocked the sender",
	"30003": "handset unreachable",
	"30005": "unknown destination handset",
	"30006": "landline or unreachable carrier",
}

// Reason returns the mapped human-readable reason for a provider code.
func Reason(code string) string {
	if r, ok := providerReasons[code]; ok {
		return r
	}
	return "provider error " + code
}

// IsTemporary reports whether an error from a sender is worth retrying at
// the job level. Provider rejections are permanent for the recipient they
// concern; everything else (network, timeouts) is temporary.
func IsTemporary(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}
