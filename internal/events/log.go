package events

import "log/slog"

// LogConsumer writes behavioral events to the log. It stands in for an
// external automation engine in deployments that have none attached.
type LogConsumer struct {
	logger *slog.Logger
}

// NewLogConsumer creates a logging consumer.
func NewLogConsumer(logger *slog.Logger) *LogConsumer {
	return &LogConsumer{logger: logger.With("component", "events")}
}

// Consume implements Consumer.
func (c *LogConsumer) Consume(e Event) {
	c.logger.Info("behavioral event", "contact_id", e.ContactID, "event_type", e.EventType)
}
