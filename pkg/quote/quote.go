// Package quote turns finished call transcripts into price quotes: it
// fetches the transcript, asks a language model for the quoted amount and
// notes, and writes the result back onto the business record.
package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/teslashibe/go-quotecall/pkg/convai"
	"github.com/teslashibe/go-quotecall/pkg/store"
)

// TranscriptFetcher returns the ordered turns of a conversation.
type TranscriptFetcher interface {
	Transcript(ctx context.Context, conversationID string) ([]convai.Turn, error)
}

// Records is the slice of the record store the processor writes to.
type Records interface {
	GetByConversationID(ctx context.Context, conversationID string) (*store.Business, error)
	SetQuote(ctx context.Context, conversationID string, quote *float64, notes *string) (*store.Business, error)
}

// Extractor pulls a quote out of transcript text.
type Extractor interface {
	Extract(ctx context.Context, transcript string) (*Extraction, error)
}

// Publisher receives every processed result. Failures are logged only.
type Publisher interface {
	Publish(ctx context.Context, result *Result) error
}

// Extraction is what the extractor found. Nil fields mean "not found".
type Extraction struct {
	Quote *float64 `json:"quote_amount"`
	Notes *string  `json:"notes"`
}

// Result is the outcome of processing one conversation.
type Result struct {
	ConversationID string
	Business       store.Business
	Turns          []convai.Turn
	Transcript     string
	Quote          *float64
	Notes          *string
}

// ErrExtraction matches ExtractionError.
var ErrExtraction = errors.New("quote: extraction failed")

// ExtractionError means the model produced nothing usable. Callers treat
// it as "no quote", not as a failure.
type ExtractionError struct {
	Reason string
	Cause  error
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("quote: extraction failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("quote: extraction failed: %s", e.Reason)
}

func (e *ExtractionError) Is(target error) bool {
	return target == ErrExtraction
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}

// FormatTranscript renders turns as "role: message" blocks separated by a
// blank line, in order.
func FormatTranscript(turns []convai.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Message)
		b.WriteString("\n\n")
	}
	return b.String()
}
