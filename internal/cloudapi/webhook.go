package cloudapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SignatureHeader carries the HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Hub-Signature-256"

// WebhookPayload is the envelope the Cloud API posts to the webhook.
type WebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value ChangeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ChangeValue is the body of one "messages" change.
type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Contacts         []WebhookContact `json:"contacts"`
	Messages         []WebhookMessage `json:"messages"`
	Statuses         []WebhookStatus  `json:"statuses"`
}

// WebhookContact carries the sender's profile.
type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// WebhookMessage is one inbound message.
type WebhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Interactive *struct {
		Type        string      `json:"type"`
		ButtonReply *replyTitle `json:"button_reply,omitempty"`
		ListReply   *replyTitle `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
	// Button is a quick-reply button on a template message.
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button,omitempty"`
}

type replyTitle struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// WebhookStatus is a delivery status update for an outbound message.
type WebhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// VerifySubscription answers the GET verification handshake. It returns the challenge
// to echo and whether the request is a valid subscription for verifyToken.
func VerifySubscription(mode, token, challenge, verifyToken string) (string, bool) {
	if mode != "subscribe" || verifyToken == "" || token != verifyToken {
		return "", false
	}
	return challenge, true
}

// VerifySignature checks the X-Hub-Signature-256 header against body signed with
// appSecret.
func VerifySignature(body []byte, header, appSecret string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok || sig == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the header value VerifySignature accepts for body.
func Sign(body []byte, appSecret string) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhook decodes a webhook body into normalized events. Message types the engine
// cannot act on (media, reactions, location) are skipped.
func ParseWebhook(body []byte) ([]models.InboundEvent, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	var events []models.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				evt, ok := normalizeMessage(m)
				if !ok {
					slog.Debug("CloudAPI.ParseWebhook: skipping message type", "type", m.Type, "id", m.ID)
					continue
				}
				evt.ProfileName = names[m.From]
				events = append(events, evt)
			}
			for _, s := range change.Value.Statuses {
				status, ok := normalizeStatus(s.Status)
				if !ok {
					continue
				}
				events = append(events, models.InboundEvent{
					Type:      models.EventStatus,
					From:      PhoneFromWaID(s.RecipientID),
					MessageID: s.ID,
					Status:    status,
					Timestamp: parseTimestamp(s.Timestamp),
				})
			}
		}
	}
	return events, nil
}

func normalizeMessage(m WebhookMessage) (models.InboundEvent, bool) {
	evt := models.InboundEvent{
		From:      PhoneFromWaID(m.From),
		MessageID: m.ID,
		Timestamp: parseTimestamp(m.Timestamp),
	}
	switch m.Type {
	case "text":
		if m.Text == nil {
			return evt, false
		}
		evt.Type = models.EventMessage
		evt.Text = m.Text.Body
	case "interactive":
		if m.Interactive == nil {
			return evt, false
		}
		switch {
		case m.Interactive.ButtonReply != nil:
			evt.Type = models.EventButtonReply
			evt.Payload = m.Interactive.ButtonReply.ID
			evt.Text = m.Interactive.ButtonReply.Title
		case m.Interactive.ListReply != nil:
			evt.Type = models.EventListReply
			evt.Payload = m.Interactive.ListReply.ID
			evt.Text = m.Interactive.ListReply.Title
		default:
			return evt, false
		}
	case "button":
		if m.Button == nil {
			return evt, false
		}
		evt.Type = models.EventButtonReply
		evt.Payload = m.Button.Payload
		evt.Text = m.Button.Text
	default:
		return evt, false
	}
	return evt, true
}

func normalizeStatus(s string) (models.MessageStatus, bool) {
	switch s {
	case "sent":
		return models.MessageStatusSent, true
	case "delivered":
		return models.MessageStatusDelivered, true
	case "read":
		return models.MessageStatusRead, true
	case "failed":
		return models.MessageStatusFailed, true
	}
	return "", false
}

// PhoneFromWaID turns a WhatsApp id (digits) into an E.164 phone number.
func PhoneFromWaID(waID string) string {
	if waID == "" || strings.HasPrefix(waID, "+") {
		return waID
	}
	return "+" + waID
}

func parseTimestamp(ts string) time.Time {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
