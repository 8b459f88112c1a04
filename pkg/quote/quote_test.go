package quote

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/teslashibe/go-quotecall/internal/log"
	"github.com/teslashibe/go-quotecall/pkg/convai"
	"github.com/teslashibe/go-quotecall/pkg/inference"
	"github.com/teslashibe/go-quotecall/pkg/store"
)

func TestFormatTranscript(t *testing.T) {
	got := FormatTranscript([]convai.Turn{
		{Role: "agent", Message: "Hi"},
		{Role: "user", Message: "Sure, $500"},
	})
	want := "agent: Hi\n\nuser: Sure, $500\n\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if FormatTranscript(nil) != "" {
		t.Error("empty transcript should format to empty string")
	}
}

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantQuote *float64
		wantNotes string
	}{
		{"number", `{"quote_amount": 500, "notes": "standard rate"}`, ptr(500.0), "standard rate"},
		{"string amount", `{"quote_amount": "$1,250.50", "notes": null}`, ptr(1250.5), ""},
		{"null amount", `{"quote_amount": null, "notes": "call back tomorrow"}`, nil, "call back tomorrow"},
		{"missing amount", `{"notes": "  "}`, nil, ""},
		{"fenced", "```json\n{\"quote_amount\": 80}\n```", ptr(80.0), ""},
		{"empty string amount", `{"quote_amount": ""}`, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExtraction(tt.in)
			if err != nil {
				t.Fatalf("ParseExtraction failed: %v", err)
			}
			if (got.Quote == nil) != (tt.wantQuote == nil) || (got.Quote != nil && *got.Quote != *tt.wantQuote) {
				t.Errorf("Quote = %v, want %v", got.Quote, tt.wantQuote)
			}
			gotNotes := ""
			if got.Notes != nil {
				gotNotes = *got.Notes
			}
			if gotNotes != tt.wantNotes {
				t.Errorf("Notes = %q, want %q", gotNotes, tt.wantNotes)
			}
		})
	}

	bad := map[string]string{
		"prose":      "The quote was five hundred dollars.",
		"negative":   `{"quote_amount": -5}`,
		"words":      `{"quote_amount": "five hundred"}`,
		"wrong type": `{"quote_amount": {"value": 5}}`,
	}
	for name, in := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := ParseExtraction(in)
			if !errors.Is(err, ErrExtraction) {
				t.Errorf("expected ErrExtraction, got %v", err)
			}
		})
	}
}

func TestLLMExtractor(t *testing.T) {
	mock := inference.NewMock(`{"quote_amount": 500, "notes": "negotiated standard rate"}`)
	ex := NewLLMExtractor(mock, "gpt-test", log.Discard())

	got, err := ex.Extract(context.Background(), "agent: Hi\n\nuser: Sure, $500\n\n")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if got.Quote == nil || *got.Quote != 500 {
		t.Errorf("Quote = %v", got.Quote)
	}

	req := mock.LastRequest()
	if req.Model != "gpt-test" || req.ResponseFormat != inference.FormatJSON {
		t.Errorf("request = %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[1].Content != "agent: Hi\n\nuser: Sure, $500\n\n" {
		t.Errorf("messages = %+v", req.Messages)
	}

	t.Run("model failure", func(t *testing.T) {
		ex := NewLLMExtractor(inference.WithError(errors.New("503")), "", nil)
		_, err := ex.Extract(context.Background(), "user: hi")
		if !errors.Is(err, ErrExtraction) {
			t.Errorf("expected ErrExtraction, got %v", err)
		}
	})

	t.Run("empty transcript skips the model", func(t *testing.T) {
		m := inference.NewMock("{}")
		_, err := NewLLMExtractor(m, "", nil).Extract(context.Background(), "  ")
		if !errors.Is(err, ErrExtraction) {
			t.Errorf("expected ErrExtraction, got %v", err)
		}
		if m.Calls() != 0 {
			t.Error("model should not be called")
		}
	})
}

// fakeTranscripts serves canned transcripts.
type fakeTranscripts struct {
	mu    sync.Mutex
	turns map[string][]convai.Turn
	calls []string
}

func (f *fakeTranscripts) Transcript(ctx context.Context, id string) ([]convai.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	turns, ok := f.turns[id]
	if !ok {
		return nil, &convai.NotFoundError{ConversationID: id, Reason: "unknown conversation"}
	}
	return turns, nil
}

type extractorFunc func(ctx context.Context, transcript string) (*Extraction, error)

func (f extractorFunc) Extract(ctx context.Context, transcript string) (*Extraction, error) {
	return f(ctx, transcript)
}

type publisherFunc func(ctx context.Context, r *Result) error

func (f publisherFunc) Publish(ctx context.Context, r *Result) error { return f(ctx, r) }

func newRecords(t *testing.T, seed ...store.Business) *store.JSONStore {
	t.Helper()
	s, err := store.NewJSONStore(filepath.Join(t.TempDir(), "b.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(seed) > 0 {
		if _, err := s.Upsert(context.Background(), seed...); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func ptr[T any](v T) *T { return &v }

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	transcripts := &fakeTranscripts{turns: map[string][]convai.Turn{
		"ai-42": {{Role: "agent", Message: "Hi"}, {Role: "user", Message: "Sure, $500"}},
	}}

	t.Run("stores quote and publishes", func(t *testing.T) {
		records := newRecords(t, store.Business{URL: "http://x.test", ConversationID: "ai-42"})
		var seen string
		ex := extractorFunc(func(_ context.Context, text string) (*Extraction, error) {
			seen = text
			return &Extraction{Quote: ptr(500.0), Notes: ptr("negotiated standard rate")}, nil
		})
		var published *Result
		pub := publisherFunc(func(_ context.Context, r *Result) error {
			published = r
			return errors.New("sink down")
		})

		p := NewProcessor(transcripts, records, ex, WithPublishers(pub), WithProcessorLogger(log.Discard()))
		res, err := p.Process(ctx, "ai-42")
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}

		if seen != "agent: Hi\n\nuser: Sure, $500\n\n" {
			t.Errorf("extractor saw %q", seen)
		}
		b, _ := records.GetByURL(ctx, "http://x.test")
		if b.Quote == nil || *b.Quote != 500 || b.Notes == nil || *b.Notes != "negotiated standard rate" {
			t.Errorf("record = %+v", b)
		}
		if published == nil || published.Business.URL != "http://x.test" || res.Quote == nil {
			t.Error("result not published")
		}
	})

	t.Run("extraction failure stores nulls", func(t *testing.T) {
		records := newRecords(t, store.Business{URL: "http://x.test", ConversationID: "ai-42", Quote: ptr(1.0), Notes: ptr("old")})
		ex := extractorFunc(func(context.Context, string) (*Extraction, error) {
			return nil, &ExtractionError{Reason: "garbage"}
		})

		p := NewProcessor(transcripts, records, ex, WithProcessorLogger(log.Discard()))
		if _, err := p.Process(ctx, "ai-42"); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		b, _ := records.GetByURL(ctx, "http://x.test")
		if b.Quote != nil || b.Notes != nil {
			t.Errorf("expected null quote and notes, got %+v", b)
		}
	})

	t.Run("timed out extraction keeps the stored quote", func(t *testing.T) {
		records := newRecords(t, store.Business{URL: "http://x.test", ConversationID: "ai-42", Quote: ptr(1.0), Notes: ptr("old")})
		ex := NewLLMExtractor(inference.WithError(context.DeadlineExceeded), "", log.Discard())

		p := NewProcessor(transcripts, records, ex, WithProcessorLogger(log.Discard()))
		_, err := p.Process(ctx, "ai-42")
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline error, got %v", err)
		}
		b, _ := records.GetByURL(ctx, "http://x.test")
		if b.Quote == nil || *b.Quote != 1 || b.Notes == nil || *b.Notes != "old" {
			t.Errorf("record overwritten: %+v", b)
		}
	})

	t.Run("cancelled job keeps the stored quote", func(t *testing.T) {
		records := newRecords(t, store.Business{URL: "http://x.test", ConversationID: "ai-42", Quote: ptr(1.0)})
		cctx, cancel := context.WithCancel(ctx)
		ex := extractorFunc(func(context.Context, string) (*Extraction, error) {
			cancel()
			return nil, &ExtractionError{Reason: "model call", Cause: errors.New("connection reset")}
		})

		p := NewProcessor(transcripts, records, ex, WithProcessorLogger(log.Discard()))
		if _, err := p.Process(cctx, "ai-42"); err == nil {
			t.Fatal("expected an error for a cancelled job")
		}
		b, _ := records.GetByURL(ctx, "http://x.test")
		if b.Quote == nil || *b.Quote != 1 {
			t.Errorf("record overwritten: %+v", b)
		}
	})

	t.Run("missing record is surfaced", func(t *testing.T) {
		records := newRecords(t, store.Business{URL: "http://x.test"})
		p := NewProcessor(transcripts, records, extractorFunc(nil), WithProcessorLogger(log.Discard()))
		_, err := p.Process(ctx, "ai-42")
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected store.ErrNotFound, got %v", err)
		}
	})

	t.Run("missing transcript is surfaced", func(t *testing.T) {
		records := newRecords(t, store.Business{URL: "http://y.test", ConversationID: "ai-7"})
		p := NewProcessor(transcripts, records, extractorFunc(nil), WithProcessorLogger(log.Discard()))
		_, err := p.Process(ctx, "ai-7")
		if !errors.Is(err, convai.ErrNotFound) {
			t.Errorf("expected convai.ErrNotFound, got %v", err)
		}
	})
}
