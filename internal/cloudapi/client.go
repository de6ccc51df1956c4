// Package cloudapi talks to the WhatsApp Business Cloud API.
//
// It sends text and interactive messages through the Graph API and normalizes inbound
// webhook payloads into models.InboundEvent values.
package cloudapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

const (
	// DefaultBaseURL is the Graph API host.
	DefaultBaseURL = "https://graph.facebook.com"
	// DefaultAPIVersion is the Graph API version used for message sends.
	DefaultAPIVersion = "v21.0"
	// DefaultTimeout bounds a single send.
	DefaultTimeout = 15 * time.Second
	// DefaultListSectionTitle titles the single section of a list message.
	DefaultListSectionTitle = "Options"
)

var nonDigitRe = regexp.MustCompile(`\D`)

// ErrNoMessageID is returned when the API accepts a send without returning a message id.
var ErrNoMessageID = errors.New("cloud api response contained no message id")

// Opts holds configuration options for the Cloud API client.
type Opts struct {
	AccessToken   string
	PhoneNumberID string
	BaseURL       string
	APIVersion    string
	Timeout       time.Duration
}

// Option defines a configuration option for the Cloud API client.
type Option func(*Opts)

// WithAccessToken sets the bearer token used for sends.
func WithAccessToken(token string) Option {
	return func(o *Opts) { o.AccessToken = token }
}

// WithPhoneNumberID sets the business phone number id messages are sent from.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithBaseURL overrides the Graph API host.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithAPIVersion overrides the Graph API version.
func WithAPIVersion(v string) Option {
	return func(o *Opts) { o.APIVersion = v }
}

// WithTimeout sets the per-send timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client sends messages through the Cloud API.
type Client struct {
	http          *resty.Client
	phoneNumberID string
	apiVersion    string
}

// NewClient creates a Cloud API client. Token and phone number id fall back to
// WHATSAPP_ACCESS_TOKEN and WHATSAPP_PHONE_NUMBER_ID.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL, APIVersion: DefaultAPIVersion, Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = os.Getenv("WHATSAPP_ACCESS_TOKEN")
	}
	if cfg.PhoneNumberID == "" {
		cfg.PhoneNumberID = os.Getenv("WHATSAPP_PHONE_NUMBER_ID")
	}
	slog.Debug("CloudAPI client config loaded",
		"AccessToken_set", cfg.AccessToken != "",
		"PhoneNumberID_set", cfg.PhoneNumberID != "",
		"baseURL", cfg.BaseURL, "apiVersion", cfg.APIVersion)

	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token must be provided")
	}
	if cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("phone number id must be provided")
	}

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.AccessToken).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{http: rc, phoneNumberID: cfg.PhoneNumberID, apiVersion: cfg.APIVersion}, nil
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type apiError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// Send delivers msg and returns the provider message id (wamid).
func (c *Client) Send(ctx context.Context, msg models.OutboundMessage) (string, error) {
	payload, err := BuildPayload(msg)
	if err != nil {
		return "", err
	}

	var ok sendResponse
	var failure apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&ok).
		SetError(&failure).
		Post(fmt.Sprintf("/%s/%s/messages", c.apiVersion, c.phoneNumberID))
	if err != nil {
		slog.Error("CloudAPI.Send: request failed", "to", msg.To, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", msg.To, err)
	}
	if resp.IsError() {
		slog.Error("CloudAPI.Send: api error", "to", msg.To, "status", resp.StatusCode(), "code", failure.Error.Code, "message", failure.Error.Message)
		return "", fmt.Errorf("cloud api returned %d: %s", resp.StatusCode(), failure.Error.Message)
	}
	if len(ok.Messages) == 0 || ok.Messages[0].ID == "" {
		return "", ErrNoMessageID
	}
	slog.Debug("CloudAPI.Send: message sent", "to", msg.To, "kind", msg.Kind, "id", ok.Messages[0].ID)
	return ok.Messages[0].ID, nil
}

// Recipient converts a phone number into the digits-only form the API expects.
func Recipient(phone string) string {
	return nonDigitRe.ReplaceAllString(phone, "")
}

// BuildPayload renders msg into a Cloud API message object. Titles longer than the
// API limits are truncated.
func BuildPayload(msg models.OutboundMessage) (map[string]any, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                Recipient(msg.To),
	}

	switch msg.Kind {
	case models.MessageText:
		payload["type"] = "text"
		payload["text"] = map[string]any{"body": msg.Body, "preview_url": false}
		return payload, nil

	case models.MessageInteractiveButton:
		buttons := make([]map[string]any, 0, len(msg.Options))
		for _, o := range msg.Options {
			buttons = append(buttons, map[string]any{
				"type":  "reply",
				"reply": map[string]any{"id": o.ID, "title": truncate(o.Title, models.MaxButtonTitleLength)},
			})
		}
		payload["type"] = "interactive"
		payload["interactive"] = interactive("button", msg, map[string]any{"buttons": buttons})
		return payload, nil

	case models.MessageInteractiveList:
		rows := make([]map[string]any, 0, len(msg.Options))
		for _, o := range msg.Options {
			row := map[string]any{"id": o.ID, "title": truncate(o.Title, models.MaxListRowTitleLength)}
			if o.Description != "" {
				row["description"] = truncate(o.Description, models.MaxListRowDescriptionLength)
			}
			rows = append(rows, row)
		}
		buttonText := msg.ButtonText
		if buttonText == "" {
			buttonText = DefaultListSectionTitle
		}
		payload["type"] = "interactive"
		payload["interactive"] = interactive("list", msg, map[string]any{
			"button":   truncate(buttonText, models.MaxButtonTitleLength),
			"sections": []map[string]any{{"title": DefaultListSectionTitle, "rows": rows}},
		})
		return payload, nil
	}
	return nil, models.ErrInvalidMessageKind
}

func interactive(kind string, msg models.OutboundMessage, action map[string]any) map[string]any {
	out := map[string]any{
		"type":   kind,
		"body":   map[string]any{"text": msg.Body},
		"action": action,
	}
	if msg.Header != "" {
		out["header"] = map[string]any{"type": "text", "text": msg.Header}
	}
	if msg.Footer != "" {
		out["footer"] = map[string]any{"text": msg.Footer}
	}
	return out
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
