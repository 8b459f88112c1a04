// Package telephony originates outbound calls through Twilio and renders
// the TwiML that connects an answered call to the media-stream endpoint.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sentinel errors.
var (
	ErrMissingCredentials = errors.New("telephony: account sid and auth token are required")
	ErrMissingFrom        = errors.New("telephony: caller phone number is required")
	ErrMissingTo          = errors.New("telephony: destination number is required")
	ErrMissingURL         = errors.New("telephony: twiml url is required")
)

// CallError wraps a failed call creation.
type CallError struct {
	To    string
	Cause error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("telephony: call to %s failed: %v", e.To, e.Cause)
}

func (e *CallError) Unwrap() error {
	return e.Cause
}

// CallRequest describes one outbound call. TwiMLURL is fetched by the
// carrier with GET once the callee answers.
type CallRequest struct {
	To       string
	TwiMLURL string
}

// Call is the created call resource.
type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status,omitempty"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// callCreator is the slice of the Twilio REST API used here.
type callCreator interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
}

// Config holds Caller settings.
type Config struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
	Logger      *slog.Logger
}

// Option configures a Caller.
type Option func(*Config)

// WithCredentials sets the account sid and auth token.
func WithCredentials(accountSID, authToken string) Option {
	return func(c *Config) {
		c.AccountSID = accountSID
		c.AuthToken = authToken
	}
}

// WithPhoneNumber sets the number calls are placed from.
func WithPhoneNumber(number string) Option {
	return func(c *Config) { c.PhoneNumber = number }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// Caller places outbound calls.
type Caller struct {
	api    callCreator
	from   string
	logger *slog.Logger
}

// NewCaller creates a Caller backed by the Twilio REST API.
func NewCaller(opts ...Option) (*Caller, error) {
	cfg := Config{Logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.PhoneNumber == "" {
		return nil, ErrMissingFrom
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newCaller(client.Api, cfg.PhoneNumber, cfg.Logger), nil
}

func newCaller(api callCreator, from string, logger *slog.Logger) *Caller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Caller{
		api:    api,
		from:   from,
		logger: logger.With("component", "telephony.caller"),
	}
}

// From returns the originating number.
func (c *Caller) From() string {
	return c.from
}

// PlaceCall asks the carrier to dial req.To and fetch req.TwiMLURL on
// answer.
func (c *Caller) PlaceCall(ctx context.Context, req CallRequest) (*Call, error) {
	to := strings.TrimSpace(req.To)
	if to == "" {
		return nil, ErrMissingTo
	}
	if req.TwiMLURL == "" {
		return nil, ErrMissingURL
	}
	if err := ctx.Err(); err != nil {
		return nil, &CallError{To: to, Cause: err}
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetUrl(req.TwiMLURL)
	params.SetMethod("GET")

	resp, err := c.api.CreateCall(params)
	if err != nil {
		c.logger.Error("call creation failed", "to", to, "error", err)
		return nil, &CallError{To: to, Cause: err}
	}

	call := &Call{To: to, From: c.from}
	if resp.Sid != nil {
		call.SID = *resp.Sid
	}
	if resp.Status != nil {
		call.Status = *resp.Status
	}
	c.logger.Info("call placed", "to", to, "call_sid", call.SID, "status", call.Status)
	return call, nil
}
