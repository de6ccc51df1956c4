package models

import (
	"time"
)

// Contact is a WhatsApp user known to the bot.
type Contact struct {
	ID                string         `json:"id"`
	PhoneNumber       string         `json:"phone_number"`
	Name              string         `json:"name,omitempty"`
	Attributes        map[string]any `json:"attributes,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	LastInteractionAt *time.Time     `json:"last_interaction_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// HasTag reports whether the contact carries tag.
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// EventType classifies a normalized inbound event.
type EventType string

const (
	EventMessage     EventType = "message"
	EventButtonReply EventType = "button_reply"
	EventListReply   EventType = "list_reply"
	EventStatus      EventType = "status"
)

// InboundEvent is the provider-independent shape of a webhook event.
type InboundEvent struct {
	Type        EventType     `json:"type"`
	From        string        `json:"from"`
	ProfileName string        `json:"profile_name,omitempty"`
	Text        string        `json:"text,omitempty"`
	Payload     string        `json:"payload,omitempty"`
	MessageID   string        `json:"message_id,omitempty"`
	Status      MessageStatus `json:"status,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// IsReply reports whether the event is a button or list selection.
func (e InboundEvent) IsReply() bool {
	return e.Type == EventButtonReply || e.Type == EventListReply
}

// MessageKind is the shape of an outbound message.
type MessageKind string

const (
	MessageText              MessageKind = "text"
	MessageInteractiveButton MessageKind = "interactive-button"
	MessageInteractiveList   MessageKind = "interactive-list"
)

// MessageOption is a button or list row offered to the user.
type MessageOption struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// OutboundMessage is the intent the engine hands to a messaging service.
type OutboundMessage struct {
	To         string          `json:"to"`
	Kind       MessageKind     `json:"kind"`
	Body       string          `json:"body"`
	Header     string          `json:"header,omitempty"`
	Footer     string          `json:"footer,omitempty"`
	ButtonText string          `json:"button_text,omitempty"`
	Options    []MessageOption `json:"options,omitempty"`
}

// Validate performs validation on an OutboundMessage.
func (m *OutboundMessage) Validate() error {
	if m.To == "" {
		return ErrEmptyRecipient
	}
	if m.Body == "" {
		return ErrEmptyBody
	}
	if len(m.Body) > MaxMessageBodyLength {
		return ErrBodyTooLong
	}
	switch m.Kind {
	case MessageText:
		return nil
	case MessageInteractiveButton:
		return validateOptions(m.Options, MaxButtonCount)
	case MessageInteractiveList:
		return validateOptions(m.Options, MaxListRowCount)
	default:
		return ErrInvalidMessageKind
	}
}

func validateOptions(opts []MessageOption, max int) error {
	if len(opts) == 0 {
		return ErrMissingOptions
	}
	if len(opts) > max {
		return ErrTooManyOptions
	}
	for _, o := range opts {
		if o.Title == "" {
			return ErrEmptyOptionTitle
		}
	}
	return nil
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusReceived marks an inbound message.
	MessageStatusReceived MessageStatus = "received"
)

// MessageDirection tells inbound from outbound log entries.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageLog records one message exchanged with a contact.
type MessageLog struct {
	ID                string           `json:"id"`
	SessionID         string           `json:"session_id,omitempty"`
	PhoneNumber       string           `json:"phone_number"`
	NodeID            string           `json:"node_id,omitempty"`
	Direction         MessageDirection `json:"direction"`
	Kind              string           `json:"kind"`
	Body              string           `json:"body"`
	ProviderMessageID string           `json:"provider_message_id,omitempty"`
	Status            MessageStatus    `json:"status"`
	Error             string           `json:"error,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ErrorLog is a captured engine failure keyed by phone number and context label.
type ErrorLog struct {
	PhoneNumber string    `json:"phone_number"`
	Context     string    `json:"context"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}
