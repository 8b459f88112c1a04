package convai

import (
	"errors"
	"fmt"
)

// Sentinel errors for the convai package.
var (
	// ErrMissingAPIKey indicates the API key was not provided.
	ErrMissingAPIKey = errors.New("convai: API key is required")

	// ErrMissingAgentID indicates the agent ID was not provided.
	ErrMissingAgentID = errors.New("convai: agent ID is required")

	// ErrClosed is returned once the connection has been closed, by either side.
	ErrClosed = errors.New("convai: connection closed")

	// ErrNotInitiated is returned when sending before SendInit.
	ErrNotInitiated = errors.New("convai: initiation message not sent")

	// ErrAlreadyInitiated is returned when SendInit is called twice.
	ErrAlreadyInitiated = errors.New("convai: initiation message already sent")

	// ErrMalformedMessage marks an inbound frame that could not be parsed.
	ErrMalformedMessage = errors.New("convai: malformed message")

	// ErrNotFound matches NotFoundError.
	ErrNotFound = errors.New("convai: not found")
)

// AuthError is returned when the platform refuses a signed session.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("convai: signed url: %s", e.Body)
	}
	return fmt.Sprintf("convai: signed url refused (HTTP %d): %s", e.StatusCode, e.Body)
}

// ConnectError is returned when the websocket handshake fails or times out.
type ConnectError struct {
	// StatusCode is the HTTP status of a rejected upgrade, zero otherwise.
	StatusCode int
	Cause      error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("convai: dial failed with status %d: %v", e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("convai: dial failed: %v", e.Cause)
}

func (e *ConnectError) Unwrap() error {
	return e.Cause
}

// TransportError is a mid-session read or write failure.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("convai: %s failed: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NotFoundError means the platform has no usable transcript for a
// conversation, either because the id is unknown or because it is not
// finalized yet.
type NotFoundError struct {
	ConversationID string
	Reason         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("convai: conversation %s: %s", e.ConversationID, e.Reason)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// APIError is any other non-success REST response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("convai: API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsRetryable returns true for 429 and 5xx responses.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
