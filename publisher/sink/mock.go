package sink

import (
	"sync"

	"github.com/maxpert/timeranger/publisher"
)

// MockSink records messages in memory, for tests and dry runs
type MockSink struct {
	Messages   []publisher.Message
	PublishErr error
	mu         sync.Mutex
}

// Publish records a message for later inspection
func (m *MockSink) Publish(msg publisher.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Messages = append(m.Messages, msg)
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []publisher.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publisher.Message(nil), m.Messages...)
}

// Close is a no-op
func (m *MockSink) Close() error {
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
