package quote

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/teslashibe/go-quotecall/pkg/inference"
)

const extractionPrompt = `You read transcripts of phone calls in which a caller asks a business for a price quote.

Reply with a single JSON object and nothing else:
{"quote_amount": <number or null>, "notes": <string or null>}

- quote_amount is the total price the business quoted, in dollars, as a plain number. If a discount was agreed, use the discounted price. If no price was given, use null.
- notes summarises conditions attached to the quote (what is included, timing, discounts, follow-ups) in one or two sentences. Use null if there is nothing worth noting.`

// LLMExtractor extracts quotes with a chat model in JSON mode.
type LLMExtractor struct {
	provider inference.Provider
	model    string
	logger   *slog.Logger
}

// NewLLMExtractor creates an extractor. An empty model uses the provider
// default.
func NewLLMExtractor(provider inference.Provider, model string, logger *slog.Logger) *LLMExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExtractor{
		provider: provider,
		model:    model,
		logger:   logger.With("component", "quote.extractor"),
	}
}

// Extract asks the model for the quote. Any transport failure or
// unparseable answer is an *ExtractionError.
func (e *LLMExtractor) Extract(ctx context.Context, transcript string) (*Extraction, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, &ExtractionError{Reason: "empty transcript"}
	}

	resp, err := e.provider.Chat(ctx, &inference.ChatRequest{
		Model: e.model,
		Messages: []inference.Message{
			inference.NewSystemMessage(extractionPrompt),
			inference.NewUserMessage(transcript),
		},
		ResponseFormat: inference.FormatJSON,
	})
	if err != nil {
		return nil, &ExtractionError{Reason: "model call", Cause: err}
	}

	ext, err := ParseExtraction(resp.Content)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("extracted quote", "has_quote", ext.Quote != nil, "tokens", resp.Tokens)
	return ext, nil
}

// ParseExtraction decodes a model answer. It tolerates markdown code
// fences and amounts written as strings such as "$1,250.00".
func ParseExtraction(content string) (*Extraction, error) {
	content = stripFences(content)

	var raw struct {
		QuoteAmount json.RawMessage `json:"quote_amount"`
		Notes       *string         `json:"notes"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, &ExtractionError{Reason: "answer is not a JSON object", Cause: err}
	}

	ext := &Extraction{}
	if raw.Notes != nil && strings.TrimSpace(*raw.Notes) != "" {
		notes := strings.TrimSpace(*raw.Notes)
		ext.Notes = &notes
	}

	amount, err := parseAmount(raw.QuoteAmount)
	if err != nil {
		return nil, err
	}
	ext.Quote = amount
	return ext, nil
}

func parseAmount(raw json.RawMessage) (*float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}

	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var str string
		if json.Unmarshal(raw, &str) != nil {
			return nil, &ExtractionError{Reason: "quote_amount is neither number nor string"}
		}
		str = strings.NewReplacer("$", "", ",", "", "USD", "", " ", "").Replace(str)
		if str == "" {
			return nil, nil
		}
		v, err = strconv.ParseFloat(str, 64)
		if err != nil {
			return nil, &ExtractionError{Reason: "quote_amount is not a number", Cause: err}
		}
	}

	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return nil, &ExtractionError{Reason: "quote_amount out of range"}
	}
	return &v, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var _ Extractor = (*LLMExtractor)(nil)
