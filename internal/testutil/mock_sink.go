package testutil

import (
	"context"
	"sync"
)

// SentMessage is one delivery captured by MockSink.
type SentMessage struct {
	UserID  int64 // 0 for admin broadcasts
	ToAdmin bool
	Text    string
}

// MockSink implements notify.Sink, recording every delivery.
type MockSink struct {
	mu        sync.Mutex
	sent      []SentMessage
	available bool
	errors    map[string]error
}

// NewMockSink returns an available MockSink.
func NewMockSink() *MockSink {
	return &MockSink{
		available: true,
		errors:    make(map[string]error),
	}
}

// SetAvailable toggles the sink's availability.
func (m *MockSink) SetAvailable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = v
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockSink) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockSink) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockSink) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *MockSink) SendToUser(ctx context.Context, userID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SendToUser"); err != nil {
		return err
	}
	m.sent = append(m.sent, SentMessage{UserID: userID, Text: text})
	return nil
}

func (m *MockSink) SendToAdmins(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SendToAdmins"); err != nil {
		return err
	}
	m.sent = append(m.sent, SentMessage{ToAdmin: true, Text: text})
	return nil
}

// Sent returns a copy of all captured messages.
func (m *MockSink) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentToUser returns the messages delivered to one user id.
func (m *MockSink) SentToUser(userID int64) []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentMessage
	for _, msg := range m.sent {
		if !msg.ToAdmin && msg.UserID == userID {
			out = append(out, msg)
		}
	}
	return out
}
