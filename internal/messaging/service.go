// Package messaging is the outbound message gateway. Each Service delivers the engine's
// provider-independent message intents over one WhatsApp transport.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound event channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest phone number accepted as a recipient
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned by Send after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a phone number and returns its
	// canonical "+digits" form.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// Send delivers msg and returns the provider message id.
	Send(ctx context.Context, msg models.OutboundMessage) (string, error)

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error
}

// EventSource is implemented by transports that receive inbound events over a live
// connection rather than an HTTP webhook.
type EventSource interface {
	Events() <-chan models.InboundEvent
}

// CanonicalPhone strips every non-digit from recipient and returns it in "+digits" form.
func CanonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", digits, MinPhoneDigits)
	}
	canonical := "+" + digits
	if canonical != recipient {
		slog.Debug("messaging canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}
