package events

import (
	"context"
	"log/slog"
	"sync"
)

// Event is a fire-and-forget behavioral event consumed by the external
// automation engine.
type Event struct {
	ContactID string         `json:"contact_id"`
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data,omitempty"`
}

// Consumer receives behavioral events. Consumer failures never affect the
// publishing side.
type Consumer interface {
	Consume(e Event)
}

// Publisher is a bounded, non-blocking event fan-out. When the buffer is
// full, events are dropped and counted rather than stalling dispatch.
type Publisher struct {
	ch        chan Event
	logger    *slog.Logger
	onDrop    func()
	mu        sync.Mutex
	consumers []Consumer
	closed    bool
	wg        sync.WaitGroup
	dropped   int64
}

// NewPublisher creates a publisher with the given buffer size.
func NewPublisher(buffer int, logger *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		ch:     make(chan Event, buffer),
		logger: logger.With("component", "events"),
	}
}

// Subscribe registers a consumer. Must be called before Start.
func (p *Publisher) Subscribe(c Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers = append(p.consumers, c)
}

// OnDrop registers a hook invoked whenever an event is dropped.
func (p *Publisher) OnDrop(fn func()) {
	p.onDrop = fn
}

// Publish offers an event without blocking. Events published after Stop
// are dropped.
func (p *Publisher) Publish(e Event) {
	p.mu.Lock()
	if p.closed {
		p.dropped++
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	select {
	case p.ch <- e:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		if p.onDrop != nil {
			p.onDrop()
		}
		p.logger.Warn("event dropped, buffer full", "event_type", e.EventType)
	}
}

// Dropped returns the number of events dropped so far.
func (p *Publisher) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Start begins delivering events to consumers.
func (p *Publisher) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-p.ch:
				if !ok {
					return
				}
				p.deliver(e)
			}
		}
	}()
}

// Stop closes the channel and drains remaining events. There is a narrow
// window where a concurrent Publish can race the close; callers stop the
// dispatch pipeline before stopping the publisher.
func (p *Publisher) Stop() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	close(p.ch)
	p.wg.Wait()
}

func (p *Publisher) deliver(e Event) {
	p.mu.Lock()
	consumers := make([]Consumer, len(p.consumers))
	copy(consumers, p.consumers)
	p.mu.Unlock()

	for _, c := range consumers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("event consumer panicked", "panic", r)
				}
			}()
			c.Consume(e)
		}()
	}
}
