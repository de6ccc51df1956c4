package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// eventRegistrar is implemented by *whatsapp.Client.
type eventRegistrar interface {
	AddEventHandler(handler func(evt interface{})) uint32
	RemoveEventHandler(id uint32)
}

// WhatsAppService implements Service and EventSource over the whatsmeow linked-device
// client. Options are rendered as numbered text and replies mapped back to them.
type WhatsAppService struct {
	client    whatsapp.Sender
	registrar eventRegistrar // nil for mocks
	menu      *OptionMenu
	events    chan models.InboundEvent

	mu        sync.RWMutex
	stopped   bool
	handlerID uint32
	hasHandle bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		menu:   NewOptionMenu(),
		events: make(chan models.InboundEvent, DefaultChannelBufferSize),
	}

	// If the client can deliver events, remember it for Start
	if r, ok := client.(eventRegistrar); ok {
		service.registrar = r
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with send-only client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.registrar == nil {
		slog.Debug("WhatsAppService no event source available, skipping event handling")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.hasHandle {
		return nil
	}
	s.handlerID = s.registrar.AddEventHandler(s.HandleEvent)
	s.hasHandle = true
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop unregisters the event handler and closes the event channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.hasHandle {
		s.registrar.RemoveEventHandler(s.handlerID)
		s.hasHandle = false
	}
	close(s.events)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// Events returns the channel of inbound events.
func (s *WhatsAppService) Events() <-chan models.InboundEvent {
	return s.events
}

// Send renders msg as text and sends it.
func (s *WhatsAppService) Send(ctx context.Context, msg models.OutboundMessage) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}

	to, err := s.ValidateAndCanonicalizeRecipient(msg.To)
	if err != nil {
		slog.Error("WhatsAppService.Send: validation error", "error", err, "to", msg.To)
		return "", err
	}
	msg.To = to
	if err := msg.Validate(); err != nil {
		slog.Error("WhatsAppService.Send: invalid message", "error", err, "to", to, "kind", msg.Kind)
		return "", err
	}

	id, err := s.client.SendMessage(ctx, to, s.menu.Render(msg))
	if err != nil {
		slog.Error("WhatsAppService.Send: send failed", "error", err, "to", to)
		return "", err
	}
	slog.Debug("WhatsAppService.Send: message sent", "to", to, "kind", msg.Kind, "id", id)
	return id, nil
}

// HandleEvent converts a whatsmeow event and forwards it on the event channel.
func (s *WhatsAppService) HandleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		in, ok := whatsapp.MessageEvent(v)
		if !ok {
			slog.Debug("WhatsAppService ignoring message", "id", v.Info.ID)
			return
		}
		s.emit(s.menu.Resolve(in))
	case *events.Receipt:
		for _, in := range whatsapp.ReceiptEvents(v) {
			s.emit(in)
		}
	case *events.Connected:
		slog.Info("WhatsAppService connected")
	case *events.Disconnected:
		slog.Warn("WhatsAppService disconnected")
	}
}

func (s *WhatsAppService) emit(evt models.InboundEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService dropping inbound event (service stopped)", "from", evt.From, "type", evt.Type)
		return
	}
	select {
	case s.events <- evt:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService events channel blocked, dropping event", "from", evt.From, "type", evt.Type, "timeout", DefaultChannelTimeout)
	}
}
