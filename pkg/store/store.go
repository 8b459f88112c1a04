// Package store persists businesses being called for quotes. A business is
// keyed by its URL and carries the AI conversation id once a call starts,
// which is how transcripts are correlated back to it.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when no record matches a lookup.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidBusiness is returned when a record is missing its URL.
	ErrInvalidBusiness = errors.New("store: business url is required")
)

// Business is the correlating record for one call target.
type Business struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	URL            string    `json:"url"`
	PhoneNumber    string    `json:"phone_number"`
	Notes          *string   `json:"notes"`
	Quote          *float64  `json:"quote"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store defines the record operations used by the call bridge and the
// post-processor.
type Store interface {
	// Upsert inserts or replaces businesses by URL. Existing conversation ids,
	// quotes and notes survive an upsert that does not set them.
	Upsert(ctx context.Context, businesses ...Business) ([]Business, error)

	// GetByURL returns the business with the given URL.
	GetByURL(ctx context.Context, url string) (*Business, error)

	// GetByConversationID returns the business annotated with the given id.
	GetByConversationID(ctx context.Context, conversationID string) (*Business, error)

	// SetConversationID annotates an existing business. It never creates one.
	SetConversationID(ctx context.Context, url, conversationID string) error

	// SetQuote stores the extracted quote and notes for a conversation.
	SetQuote(ctx context.Context, conversationID string, quote *float64, notes *string) (*Business, error)

	// List returns all businesses, most recently updated first.
	List(ctx context.Context) ([]Business, error)

	// Close releases resources.
	Close() error
}

// NotFoundError says what lookup missed. It matches ErrNotFound.
type NotFoundError struct {
	Field string
	Value string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("store: no business with %s %q", e.Field, e.Value)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

func notFound(field, value string) error {
	return &NotFoundError{Field: field, Value: value}
}

// Validate checks the fields required before a business can be stored.
func (b *Business) Validate() error {
	if strings.TrimSpace(b.URL) == "" {
		return ErrInvalidBusiness
	}
	return nil
}

// merge copies values from in over b, keeping b's correlation and result
// fields when in leaves them unset.
func (b *Business) merge(in Business) {
	if in.Name != "" {
		b.Name = in.Name
	}
	if in.PhoneNumber != "" {
		b.PhoneNumber = in.PhoneNumber
	}
	if in.Notes != nil {
		b.Notes = in.Notes
	}
	if in.Quote != nil {
		b.Quote = in.Quote
	}
	if in.ConversationID != "" {
		b.ConversationID = in.ConversationID
	}
}
