// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in FlowPipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// Sender sends plain WhatsApp text through Twilio and returns the message SID.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID     string
	AuthToken      string
	FromWhats      string
	StatusCallback string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number in "whatsapp:+1234567890" format.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithStatusCallback asks Twilio to post delivery status updates to url.
func WithStatusCallback(url string) Option {
	return func(o *Opts) { o.StatusCallback = url }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client         *twilio.RestClient
	fromWhats      string
	statusCallback string
}

// NewClient creates a Twilio client. Unset options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "",
		"StatusCallback_set", cfg.StatusCallback != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}
	if !strings.HasPrefix(cfg.FromWhats, "whatsapp:") {
		cfg.FromWhats = "whatsapp:" + cfg.FromWhats
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:         client,
		fromWhats:      cfg.FromWhats,
		statusCallback: cfg.StatusCallback,
	}, nil
}

// SendMessage sends a WhatsApp message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)
	if c.statusCallback != "" {
		params.SetStatusCallback(c.statusCallback)
	}

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return sid, nil
}

// ValidateSignature checks a webhook request signature against the full request url
// and its form parameters.
func ValidateSignature(authToken, requestURL string, form url.Values, signature string) bool {
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	validator := twilioclient.NewRequestValidator(authToken)
	return validator.Validate(requestURL, params, signature)
}

// ParseWebhook converts a form-encoded Twilio webhook into a normalized event. Status
// callbacks become status events; inbound messages become message or button replies.
// It reports false for callbacks that carry nothing the engine acts on.
func ParseWebhook(form url.Values) (models.InboundEvent, bool) {
	from := strings.TrimPrefix(form.Get("From"), "whatsapp:")
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	body := form.Get("Body")
	payload := form.Get("ButtonPayload")

	if status := form.Get("MessageStatus"); status != "" && body == "" && payload == "" {
		mapped, ok := normalizeStatus(status)
		if !ok || sid == "" {
			return models.InboundEvent{}, false
		}
		return models.InboundEvent{
			Type:      models.EventStatus,
			From:      strings.TrimPrefix(form.Get("To"), "whatsapp:"),
			MessageID: sid,
			Status:    mapped,
			Timestamp: time.Now().UTC(),
		}, true
	}

	if from == "" || (body == "" && payload == "") {
		return models.InboundEvent{}, false
	}
	evt := models.InboundEvent{
		Type:        models.EventMessage,
		From:        from,
		ProfileName: form.Get("ProfileName"),
		Text:        body,
		MessageID:   sid,
		Timestamp:   time.Now().UTC(),
	}
	if payload != "" {
		evt.Type = models.EventButtonReply
		evt.Payload = payload
		if text := form.Get("ButtonText"); text != "" {
			evt.Text = text
		}
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
	case "failed", "undelivered":
		return models.MessageStatusFailed, true
	}
	return "", false
}

// MockClient records sent messages instead of calling Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return fmt.Sprintf("SM%032d", len(m.SentMessages)), nil
}

// Sent returns a copy of the captured messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.SentMessages))
	copy(out, m.SentMessages)
	return out
}
