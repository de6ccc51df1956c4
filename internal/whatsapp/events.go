package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// PhoneFromJID converts a user JID to E.164 form.
func PhoneFromJID(jid types.JID) string {
	if jid.User == "" || strings.HasPrefix(jid.User, "+") {
		return jid.User
	}
	return "+" + jid.User
}

// MessageEvent converts an incoming whatsmeow message into a normalized event. Own
// messages, group messages and non-text content are reported as not convertible.
func MessageEvent(evt *events.Message) (models.InboundEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundEvent{}, false
	}

	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		return models.InboundEvent{}, false
	}

	return models.InboundEvent{
		Type:        models.EventMessage,
		From:        PhoneFromJID(evt.Info.Sender),
		ProfileName: evt.Info.PushName,
		Text:        text,
		MessageID:   string(evt.Info.ID),
		Timestamp:   evt.Info.Timestamp.UTC(),
	}, true
}

// ReceiptEvents converts a delivery or read receipt into one status event per message.
func ReceiptEvents(evt *events.Receipt) []models.InboundEvent {
	if evt == nil {
		return nil
	}
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return nil
	}

	out := make([]models.InboundEvent, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		out = append(out, models.InboundEvent{
			Type:      models.EventStatus,
			From:      PhoneFromJID(evt.MessageSource.Sender),
			MessageID: string(id),
			Status:    status,
			Timestamp: evt.Timestamp.UTC(),
		})
	}
	return out
}
