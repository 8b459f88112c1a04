// Package report exports extracted quotes to a shared Google Doc.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/docs/v1"
	"google.golang.org/api/option"

	"github.com/teslashibe/go-quotecall/pkg/quote"
)

// ErrMissingDocument is returned when no document id is configured.
var ErrMissingDocument = errors.New("report: document id is required")

// DocsPublisher appends one line per processed call to a Google Doc.
type DocsPublisher struct {
	service *docs.Service
	docID   string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewDocsPublisher authenticates with a service-account key file. The
// document must be shared with the service account.
func NewDocsPublisher(ctx context.Context, credentialsFile, docID string, logger *slog.Logger) (*DocsPublisher, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("report: read credentials: %w", err)
	}
	cfg, err := google.JWTConfigFromJSON(data, docs.DocumentsScope)
	if err != nil {
		return nil, fmt.Errorf("report: parse credentials: %w", err)
	}
	return NewDocsPublisherWithOptions(ctx, docID, logger, option.WithTokenSource(cfg.TokenSource(ctx)))
}

// NewDocsPublisherWithOptions builds a publisher from raw client options.
func NewDocsPublisherWithOptions(ctx context.Context, docID string, logger *slog.Logger, opts ...option.ClientOption) (*DocsPublisher, error) {
	if docID == "" {
		return nil, ErrMissingDocument
	}
	service, err := docs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("report: docs service: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DocsPublisher{
		service: service,
		docID:   docID,
		timeout: 30 * time.Second,
		logger:  logger.With("component", "report.docs"),
		now:     time.Now,
	}, nil
}

// Publish appends the result to the end of the document.
func (p *DocsPublisher) Publish(ctx context.Context, r *quote.Result) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	line := FormatLine(r, p.now())
	req := &docs.BatchUpdateDocumentRequest{
		Requests: []*docs.Request{{
			InsertText: &docs.InsertTextRequest{
				EndOfSegmentLocation: &docs.EndOfSegmentLocation{},
				Text:                 line,
			},
		}},
	}
	if _, err := p.service.Documents.BatchUpdate(p.docID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("report: append to %s: %w", p.docID, err)
	}
	p.logger.Debug("quote appended", "conversation_id", r.ConversationID)
	return nil
}

// FormatLine renders "<time> | <url> | <quote> | <notes>\n".
func FormatLine(r *quote.Result, at time.Time) string {
	amount := "no quote"
	if r.Quote != nil {
		amount = "$" + strconv.FormatFloat(*r.Quote, 'f', 2, 64)
	}
	notes := ""
	if r.Notes != nil {
		notes = strings.ReplaceAll(*r.Notes, "\n", " ")
	}

	name := r.Business.URL
	if r.Business.Name != "" {
		name = r.Business.Name + " (" + r.Business.URL + ")"
	}
	return fmt.Sprintf("%s | %s | %s | %s\n", at.UTC().Format(time.RFC3339), name, amount, notes)
}
