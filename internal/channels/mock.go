package channels

import (
	"context"
	"fmt"
	"sync"
)

// MockAdapter records messages instead of delivering them. It stands in
// for the real adapter while mock mode is active, and doubles as the
// test adapter.
type MockAdapter struct {
	name string

	mu   sync.Mutex
	sent []Message
}

func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{name: name}
}

func (m *MockAdapter) Name() string { return "mock" }

func (m *MockAdapter) Send(_ context.Context, msg *Message) Result {
	m.mu.Lock()
	m.sent = append(m.sent, *msg)
	n := len(m.sent)
	m.mu.Unlock()

	return Result{
		Success:           true,
		ProviderMessageID: fmt.Sprintf("mock-%s-%d", m.name, n),
		ProviderName:      "mock",
		Response:          "recorded",
	}
}

func (m *MockAdapter) Healthy(context.Context) bool { return true }

// Sent returns a copy of everything recorded so far.
func (m *MockAdapter) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

var _ Adapter = (*MockAdapter)(nil)
