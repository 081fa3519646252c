package sender

import (
	"context"
	"sync"
)

// Mock is an in-memory sender for tests and local development. It records
// every message it accepts and can be told to fail specific recipients.
type Mock struct {
	mu       sync.Mutex
	sent     []Message
	failures map[string]error
	err      error
}

// NewMock creates a mock sender.
func NewMock() *Mock {
	return &Mock{failures: make(map[string]error)}
}

// FailRecipient makes sends to the given address fail with err (nil
// clears it).
func (m *Mock) FailRecipient(to string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, to)
		return
	}
	m.failures[to] = err
}

// FailAll makes every send fail with err (nil clears it).
func (m *Mock) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Send records the message unless a failure is configured.
func (m *Mock) Send(ctx context.Context, msg *Message) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	if err, ok := m.failures[msg.To]; ok {
		return nil, err
	}

	m.sent = append(m.sent, *msg)
	return &Result{Code: "200", Message: "accepted"}, nil
}

// Sent returns a copy of the accepted messages.
func (m *Mock) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}
