package inference

import (
	"log/slog"
	"time"
)

// Config holds client settings.
type Config struct {
	BaseURL string
	APIKey  string // optional for local servers
	Model   string

	MaxTokens   int
	Temperature float64
	Timeout     time.Duration

	// MaxRetries bounds retries of 429, 5xx and transport errors. The wait
	// doubles from RetryDelay up to MaxRetryDelay unless the server sends
	// Retry-After.
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	Logger *slog.Logger
}

// Option configures a Client.
type Option func(*Config)

// WithBaseURL sets the API root, e.g. "http://localhost:11434/v1".
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

func WithMaxTokens(n int) Option {
	return func(c *Config) { c.MaxTokens = n }
}

func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = t }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithRetry sets the retry count and the first backoff delay.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig targets OpenAI with a small, deterministic model. Quote
// answers are a few dozen tokens.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:       "https://api.openai.com/v1",
		Model:         "gpt-4o-mini",
		MaxTokens:     256,
		Timeout:       30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    250 * time.Millisecond,
		MaxRetryDelay: 5 * time.Second,
		Logger:        slog.Default(),
	}
}

func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

func (c *Config) Validate() error {
	if c.Model == "" {
		return ErrNoModel
	}
	return nil
}
