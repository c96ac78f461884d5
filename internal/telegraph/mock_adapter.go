package telegraph

import (
	"context"
	"sync"
)

// MockAdapter is an in-memory Adapter for tests. It records every sent
// event and can be told to fail.
type MockAdapter struct {
	mu sync.Mutex

	name       string
	connectErr error
	sendErr    error

	connected bool
	closed    bool
	sent      []Event
}

// NewMockAdapter creates a MockAdapter with the given name.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{name: name}
}

// FailConnect makes Connect return err.
func (m *MockAdapter) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// FailSend makes Send return err.
func (m *MockAdapter) FailSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Name implements Adapter.
func (m *MockAdapter) Name() string { return m.name }

// Connect implements Adapter.
func (m *MockAdapter) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

// Send implements Adapter.
func (m *MockAdapter) Send(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, ev)
	return nil
}

// Close implements Adapter.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Sent returns a copy of all recorded events.
func (m *MockAdapter) Sent() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.sent))
	copy(out, m.sent)
	return out
}

// Closed reports whether Close was called.
func (m *MockAdapter) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
