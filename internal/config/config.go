// Package config holds process configuration for the quotecall server.
// Flag parsing is done in cmd/quotecall/main.go; this package is data only.
package config

import (
	"os"
	"strconv"
	"time"
)

// Default configuration values.
const (
	DefaultPort               = 8000
	DefaultElevenLabsBaseURL  = "https://api.elevenlabs.io/v1"
	DefaultOpenAIBaseURL      = "https://api.openai.com/v1"
	DefaultExtractionModel    = "gpt-4o-mini"
	DefaultStorePath          = "businesses.json"
	DefaultCallerName         = "Jason"
	DefaultPostProcessGrace   = 5 * time.Second
	DefaultPostProcessTimeout = 2 * time.Minute
	DefaultPostProcessWorkers = 4
)

// Config holds all configuration for the quotecall server.
type Config struct {
	// Port is the HTTP listen port.
	Port int

	// PublicHost overrides the Host header when building callback URLs
	// handed to the telephony carrier (e.g. an ngrok hostname).
	PublicHost string

	// Debug enables request logging and debug level output.
	Debug     bool
	LogLevel  string
	LogFormat string

	// ElevenLabs conversational AI.
	ElevenLabsAPIKey  string
	ElevenLabsAgentID string
	ElevenLabsBaseURL string

	// Twilio.
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	// Quote extraction (OpenAI-compatible endpoint).
	OpenAIKey       string
	OpenAIBaseURL   string
	ExtractionModel string

	// Storage. DatabaseURL wins over StorePath when set.
	DatabaseURL string
	StorePath   string

	// Caller persona rendered into call prompts.
	CallerName        string
	CallerPhoneNumber string
	CallerLocation    string

	// Post-processing.
	PostProcessGrace   time.Duration
	PostProcessTimeout time.Duration
	PostProcessWorkers int

	// Optional quote report export.
	GoogleCredentialsFile string
	QuoteReportDocID      string
}

// DefaultConfig returns defaults for every optional setting.
func DefaultConfig() Config {
	return Config{
		Port:               DefaultPort,
		LogLevel:           "info",
		LogFormat:          "text",
		ElevenLabsBaseURL:  DefaultElevenLabsBaseURL,
		OpenAIBaseURL:      DefaultOpenAIBaseURL,
		ExtractionModel:    DefaultExtractionModel,
		StorePath:          DefaultStorePath,
		CallerName:         DefaultCallerName,
		PostProcessGrace:   DefaultPostProcessGrace,
		PostProcessTimeout: DefaultPostProcessTimeout,
		PostProcessWorkers: DefaultPostProcessWorkers,
	}
}

// LoadEnvConfig loads configuration values from environment variables.
// Call this after flag parsing to apply environment overrides.
func (c *Config) LoadEnvConfig() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	setString(&c.PublicHost, "PUBLIC_HOST")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	setString(&c.ElevenLabsAPIKey, "ELEVENLABS_API_KEY")
	setString(&c.ElevenLabsAgentID, "ELEVENLABS_AGENT_ID")
	setString(&c.ElevenLabsBaseURL, "ELEVENLABS_BASE_URL")

	setString(&c.TwilioAccountSID, "TWILIO_ACCOUNT_SID")
	setString(&c.TwilioAuthToken, "TWILIO_AUTH_TOKEN")
	setString(&c.TwilioPhoneNumber, "TWILIO_PHONE_NUMBER")

	setString(&c.OpenAIKey, "OPENAI_API_KEY")
	setString(&c.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&c.ExtractionModel, "EXTRACTION_MODEL")

	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.StorePath, "STORE_PATH")

	setString(&c.CallerName, "CALLER_NAME")
	setString(&c.CallerPhoneNumber, "CALLER_PHONE_NUMBER")
	setString(&c.CallerLocation, "CALLER_LOCATION")

	setDuration(&c.PostProcessGrace, "POSTPROCESS_GRACE")
	setDuration(&c.PostProcessTimeout, "POSTPROCESS_TIMEOUT")
	if v := os.Getenv("POSTPROCESS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PostProcessWorkers = n
		}
	}

	setString(&c.GoogleCredentialsFile, "GOOGLE_CREDENTIALS_FILE")
	setString(&c.QuoteReportDocID, "QUOTE_REPORT_DOC_ID")
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	required := []struct {
		field, value, env string
	}{
		{"ElevenLabsAPIKey", c.ElevenLabsAPIKey, "ELEVENLABS_API_KEY"},
		{"ElevenLabsAgentID", c.ElevenLabsAgentID, "ELEVENLABS_AGENT_ID"},
		{"TwilioAccountSID", c.TwilioAccountSID, "TWILIO_ACCOUNT_SID"},
		{"TwilioAuthToken", c.TwilioAuthToken, "TWILIO_AUTH_TOKEN"},
		{"TwilioPhoneNumber", c.TwilioPhoneNumber, "TWILIO_PHONE_NUMBER"},
		{"OpenAIKey", c.OpenAIKey, "OPENAI_API_KEY"},
	}
	for _, r := range required {
		if r.value == "" {
			return &ConfigError{Field: r.field, Message: r.env + " environment variable is required"}
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &ConfigError{Field: "Port", Message: "port must be between 1 and 65535"}
	}
	if c.PostProcessWorkers < 1 {
		return &ConfigError{Field: "PostProcessWorkers", Message: "at least one post-processing worker is required"}
	}
	if c.PostProcessGrace < 0 {
		return &ConfigError{Field: "PostProcessGrace", Message: "grace period cannot be negative"}
	}
	if c.PostProcessTimeout <= 0 {
		return &ConfigError{Field: "PostProcessTimeout", Message: "post-processing timeout must be positive"}
	}
	if (c.GoogleCredentialsFile == "") != (c.QuoteReportDocID == "") {
		return &ConfigError{Field: "QuoteReportDocID", Message: "GOOGLE_CREDENTIALS_FILE and QUOTE_REPORT_DOC_ID must be set together"}
	}
	return nil
}

// ReportEnabled reports whether quote export to Google Docs is configured.
func (c *Config) ReportEnabled() bool {
	return c.GoogleCredentialsFile != "" && c.QuoteReportDocID != ""
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
