package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// MockService records outbound messages and lets tests inject inbound events.
type MockService struct {
	mu      sync.Mutex
	sent    []models.OutboundMessage
	events  chan models.InboundEvent
	stopped bool

	// SendErr, when set, is returned by every Send.
	SendErr error
}

// NewMockService creates a MockService.
func NewMockService() *MockService {
	return &MockService{events: make(chan models.InboundEvent, DefaultChannelBufferSize)}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhone(recipient)
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.events)
	}
	return nil
}

func (m *MockService) Send(ctx context.Context, msg models.OutboundMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return "", ErrServiceStopped
	}
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.sent = append(m.sent, msg)
	return fmt.Sprintf("mock.%d", len(m.sent)), nil
}

// Events returns the injected inbound events.
func (m *MockService) Events() <-chan models.InboundEvent {
	return m.events
}

// Inject queues an inbound event.
func (m *MockService) Inject(evt models.InboundEvent) {
	m.events <- evt
}

// Sent returns a copy of the messages sent so far.
func (m *MockService) Sent() []models.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
