package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Processor runs transcript post-processing for one conversation at a time.
// It is safe for concurrent use.
type Processor struct {
	transcripts TranscriptFetcher
	records     Records
	extractor   Extractor
	publishers  []Publisher
	logger      *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithPublishers adds result sinks.
func WithPublishers(p ...Publisher) ProcessorOption {
	return func(pr *Processor) { pr.publishers = append(pr.publishers, p...) }
}

// WithProcessorLogger sets the structured logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(pr *Processor) { pr.logger = l }
}

// NewProcessor wires a processor.
func NewProcessor(transcripts TranscriptFetcher, records Records, extractor Extractor, opts ...ProcessorOption) *Processor {
	p := &Processor{
		transcripts: transcripts,
		records:     records,
		extractor:   extractor,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "quote.processor")
	return p
}

// Process fetches the transcript for conversationID, extracts the quote
// and stores it on the matching record. A missing record or transcript is
// returned as an error; a failed extraction stores a nil quote and notes.
func (p *Processor) Process(ctx context.Context, conversationID string) (*Result, error) {
	logger := p.logger.With("conversation_id", conversationID)

	if _, err := p.records.GetByConversationID(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("quote: resolve record: %w", err)
	}

	turns, err := p.transcripts.Transcript(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("quote: fetch transcript: %w", err)
	}
	text := FormatTranscript(turns)

	ext, err := p.extractor.Extract(ctx, text)
	if err != nil {
		// A cancelled or timed-out job says nothing about the call; keep the
		// record as it is.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("quote: extract: %w", err)
		}
		var extErr *ExtractionError
		if !errors.As(err, &extErr) {
			logger.Warn("extractor returned unexpected error", "error", err)
		}
		logger.Info("no quote found", "reason", err)
		ext = &Extraction{}
	}

	updated, err := p.records.SetQuote(ctx, conversationID, ext.Quote, ext.Notes)
	if err != nil {
		return nil, fmt.Errorf("quote: persist: %w", err)
	}

	result := &Result{
		ConversationID: conversationID,
		Business:       *updated,
		Turns:          turns,
		Transcript:     text,
		Quote:          ext.Quote,
		Notes:          ext.Notes,
	}

	if ext.Quote != nil {
		logger.Info("quote stored", "business_url", updated.URL, "quote", *ext.Quote)
	}

	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, result); err != nil {
			logger.Warn("publish failed", "error", err)
		}
	}
	return result, nil
}

// Handle processes a queued job.
func (p *Processor) Handle(ctx context.Context, job Job) error {
	_, err := p.Process(ctx, job.ConversationID)
	return err
}
