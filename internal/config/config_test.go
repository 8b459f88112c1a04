package config

import (
	"errors"
	"testing"
	"time"
)

func validConfig() Config {
	c := DefaultConfig()
	c.ElevenLabsAPIKey = "xi"
	c.ElevenLabsAgentID = "agent"
	c.TwilioAccountSID = "AC123"
	c.TwilioAuthToken = "token"
	c.TwilioPhoneNumber = "+15550000000"
	c.OpenAIKey = "sk"
	return c
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.Port != DefaultPort {
		t.Errorf("Port = %d, want %d", c.Port, DefaultPort)
	}
	if c.PostProcessGrace != 5*time.Second {
		t.Errorf("PostProcessGrace = %v, want 5s", c.PostProcessGrace)
	}
	if c.StorePath == "" {
		t.Error("StorePath should have a default")
	}
}

func TestLoadEnvConfig(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ELEVENLABS_AGENT_ID", "agent-1")
	t.Setenv("POSTPROCESS_GRACE", "250ms")
	t.Setenv("POSTPROCESS_WORKERS", "7")
	t.Setenv("CALLER_NAME", "Dana")

	c := DefaultConfig()
	c.LoadEnvConfig()

	if c.Port != 9090 {
		t.Errorf("Port = %d", c.Port)
	}
	if c.ElevenLabsAgentID != "agent-1" {
		t.Errorf("ElevenLabsAgentID = %q", c.ElevenLabsAgentID)
	}
	if c.PostProcessGrace != 250*time.Millisecond {
		t.Errorf("PostProcessGrace = %v", c.PostProcessGrace)
	}
	if c.PostProcessWorkers != 7 {
		t.Errorf("PostProcessWorkers = %d", c.PostProcessWorkers)
	}
	if c.CallerName != "Dana" {
		t.Errorf("CallerName = %q", c.CallerName)
	}
}

func TestLoadEnvConfigIgnoresGarbage(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	t.Setenv("POSTPROCESS_GRACE", "soon")

	c := DefaultConfig()
	c.LoadEnvConfig()

	if c.Port != DefaultPort {
		t.Errorf("Port = %d, want default", c.Port)
	}
	if c.PostProcessGrace != DefaultPostProcessGrace {
		t.Errorf("PostProcessGrace = %v, want default", c.PostProcessGrace)
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		c := validConfig()
		if err := c.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	tests := []struct {
		name  string
		mod   func(*Config)
		field string
	}{
		{"missing elevenlabs key", func(c *Config) { c.ElevenLabsAPIKey = "" }, "ElevenLabsAPIKey"},
		{"missing agent", func(c *Config) { c.ElevenLabsAgentID = "" }, "ElevenLabsAgentID"},
		{"missing twilio number", func(c *Config) { c.TwilioPhoneNumber = "" }, "TwilioPhoneNumber"},
		{"missing openai key", func(c *Config) { c.OpenAIKey = "" }, "OpenAIKey"},
		{"bad port", func(c *Config) { c.Port = 0 }, "Port"},
		{"no workers", func(c *Config) { c.PostProcessWorkers = 0 }, "PostProcessWorkers"},
		{"negative grace", func(c *Config) { c.PostProcessGrace = -time.Second }, "PostProcessGrace"},
		{"half report config", func(c *Config) { c.QuoteReportDocID = "doc" }, "QuoteReportDocID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mod(&c)
			err := c.Validate()
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}

func TestReportEnabled(t *testing.T) {
	c := validConfig()
	if c.ReportEnabled() {
		t.Error("report should be disabled by default")
	}
	c.GoogleCredentialsFile = "creds.json"
	c.QuoteReportDocID = "doc"
	if !c.ReportEnabled() {
		t.Error("report should be enabled")
	}
}
