package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using Twilio API. Twilio's freeform
// WhatsApp messages have no interactive buttons, so options are rendered as a
// numbered list and replies are mapped back through ResolveReply.
type TwilioService struct {
	client  twiliowhatsapp.Sender // Could be real Twilio client or MockClient
	menu    *OptionMenu
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a new TwilioService with the given Twilio client
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{client: client, menu: NewOptionMenu()}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhone(recipient)
}

// Start is a no-op for Twilio (no live client)
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// Send renders msg as text and sends it via Twilio.
func (s *TwilioService) Send(ctx context.Context, msg models.OutboundMessage) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}

	to, err := s.ValidateAndCanonicalizeRecipient(msg.To)
	if err != nil {
		slog.Error("TwilioService.Send: validation error", "error", err, "to", msg.To)
		return "", err
	}
	msg.To = to
	if err := msg.Validate(); err != nil {
		slog.Error("TwilioService.Send: invalid message", "error", err, "to", to, "kind", msg.Kind)
		return "", err
	}

	sid, err := s.client.SendMessage(ctx, to, s.menu.Render(msg))
	if err != nil {
		return "", err
	}
	slog.Debug("TwilioService.Send: message sent", "to", to, "kind", msg.Kind, "sid", sid)
	return sid, nil
}

// ResolveReply maps a numeric or title reply to the option it selects.
func (s *TwilioService) ResolveReply(evt models.InboundEvent) models.InboundEvent {
	if canonical, err := CanonicalPhone(evt.From); err == nil {
		evt.From = canonical
	}
	return s.menu.Resolve(evt)
}
