package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// EventHandler processes one normalized inbound event. flow.Engine.HandleIncomingEvent
// satisfies it.
type EventHandler func(ctx context.Context, evt models.InboundEvent)

// ResponseHandler pumps inbound events from a live transport into the engine.
type ResponseHandler struct {
	source  EventSource
	handler EventHandler
	canon   func(string) (string, error)
}

// NewResponseHandler creates a ResponseHandler reading from source. When svc is not nil
// its recipient rules canonicalize the sender of every event.
func NewResponseHandler(source EventSource, svc Service, handler EventHandler) *ResponseHandler {
	rh := &ResponseHandler{source: source, handler: handler}
	if svc != nil {
		rh.canon = svc.ValidateAndCanonicalizeRecipient
	}
	return rh
}

// ProcessEvent canonicalizes the sender and hands evt to the handler. Events from an
// invalid sender are dropped.
func (rh *ResponseHandler) ProcessEvent(ctx context.Context, evt models.InboundEvent) {
	if rh.canon != nil && evt.From != "" {
		canonical, err := rh.canon(evt.From)
		if err != nil {
			slog.Warn("ResponseHandler.ProcessEvent: invalid sender, dropping", "from", evt.From, "error", err)
			return
		}
		evt.From = canonical
	}
	slog.Debug("ResponseHandler.ProcessEvent", "from", evt.From, "type", evt.Type, "messageID", evt.MessageID)
	rh.handler(ctx, evt)
}

// Run processes events until the source channel closes or ctx is cancelled.
func (rh *ResponseHandler) Run(ctx context.Context) error {
	slog.Info("ResponseHandler starting event processing")
	defer slog.Info("ResponseHandler stopped event processing")

	events := rh.source.Events()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				slog.Debug("ResponseHandler events channel closed")
				return nil
			}
			rh.ProcessEvent(ctx, evt)
		case <-ctx.Done():
			slog.Debug("ResponseHandler stopping due to context cancellation")
			return nil
		}
	}
}
