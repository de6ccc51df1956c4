package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// CloudAPISender is the subset of cloudapi.Client the service needs.
type CloudAPISender interface {
	Send(ctx context.Context, msg models.OutboundMessage) (string, error)
}

// CloudAPIService implements Service over the WhatsApp Business Cloud API, which
// supports interactive buttons and lists natively. Inbound events arrive through the
// HTTP webhook, not through this service.
type CloudAPIService struct {
	client  CloudAPISender
	mu      sync.RWMutex
	stopped bool
}

// NewCloudAPIService wraps client.
func NewCloudAPIService(client CloudAPISender) *CloudAPIService {
	return &CloudAPIService{client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *CloudAPIService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhone(recipient)
}

// Start is a no-op; the Cloud API has no live connection.
func (s *CloudAPIService) Start(ctx context.Context) error {
	return nil
}

// Stop makes subsequent sends fail with ErrServiceStopped.
func (s *CloudAPIService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// Send delivers msg as a text or interactive message.
func (s *CloudAPIService) Send(ctx context.Context, msg models.OutboundMessage) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}

	to, err := s.ValidateAndCanonicalizeRecipient(msg.To)
	if err != nil {
		slog.Error("CloudAPIService.Send: validation error", "error", err, "to", msg.To)
		return "", err
	}
	msg.To = to
	if err := msg.Validate(); err != nil {
		slog.Error("CloudAPIService.Send: invalid message", "error", err, "to", to, "kind", msg.Kind)
		return "", err
	}
	id, err := s.client.Send(ctx, msg)
	if err != nil {
		return "", err
	}
	slog.Debug("CloudAPIService.Send: message sent", "to", to, "kind", msg.Kind, "id", id)
	return id, nil
}
