package convai

import (
	"log/slog"
	"time"
)

// DefaultBaseURL is the public ElevenLabs REST API.
const DefaultBaseURL = "https://api.elevenlabs.io/v1"

// Config holds client configuration.
type Config struct {
	APIKey  string
	AgentID string

	// BaseURL is the REST API root. Overridable for tests and proxies.
	BaseURL string

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration

	// ReadTimeout bounds the wait for the next inbound frame. The platform
	// pings every few seconds, so a silent socket is a dead socket.
	ReadTimeout time.Duration

	// WriteTimeout bounds each outbound frame.
	WriteTimeout time.Duration

	// HTTPTimeout bounds REST calls.
	HTTPTimeout time.Duration

	Logger *slog.Logger
}

// Option configures a Client.
type Option func(*Config)

// WithAPIKey sets the xi-api-key credential.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithAgentID sets the agent to converse with.
func WithAgentID(id string) Option {
	return func(c *Config) { c.AgentID = id }
}

// WithBaseURL sets the REST API root.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithHandshakeTimeout sets the websocket dial timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Config) { c.HandshakeTimeout = d }
}

// WithReadTimeout sets the inbound idle timeout. Zero disables it.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Config) { c.ReadTimeout = d }
}

// WithWriteTimeout sets the per-frame write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) { c.WriteTimeout = d }
}

// WithHTTPTimeout sets the REST request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Config) { c.HTTPTimeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          DefaultBaseURL,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HTTPTimeout:      30 * time.Second,
		Logger:           slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.AgentID == "" {
		return ErrMissingAgentID
	}
	return nil
}
