// Package models defines the core data structures for FlowPipe.
//
// It includes flow graph definitions, sessions, contacts, normalized inbound events and
// outbound message intents, which are shared across modules.
package models

import (
	"errors"
)

// Validation constants for outbound messages, matching WhatsApp Cloud API limits.
const (
	// MaxMessageBodyLength defines the maximum allowed length for a text body
	MaxMessageBodyLength = 4096
	// MaxButtonCount defines the maximum number of reply buttons on one interactive message
	MaxButtonCount = 3
	// MaxButtonTitleLength defines the maximum length of a reply button title
	MaxButtonTitleLength = 20
	// MaxListRowCount defines the maximum number of rows across all list sections
	MaxListRowCount = 10
	// MaxListRowTitleLength defines the maximum length of a list row title
	MaxListRowTitleLength = 24
	// MaxListRowDescriptionLength defines the maximum length of a list row description
	MaxListRowDescriptionLength = 72
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrEmptyBody          = errors.New("message body cannot be empty")
	ErrBodyTooLong        = errors.New("message body exceeds maximum length")
	ErrInvalidMessageKind = errors.New("invalid message kind")
	ErrMissingOptions     = errors.New("interactive messages require at least one option")
	ErrTooManyOptions     = errors.New("too many options for interactive message")
	ErrEmptyOptionTitle   = errors.New("option title cannot be empty")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an API request was accepted for processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Accepted creates an accepted API response with a message and optional result data.
func Accepted(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusAccepted).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
