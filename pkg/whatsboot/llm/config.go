// Package llm is the completion and speech-to-text provider backed by the
// OpenAI API.
package llm

import "time"

// Config holds provider settings.
type Config struct {
	// BaseURL overrides the API endpoint (OpenAI-compatible gateways).
	BaseURL string `yaml:"base_url"`

	// APIKey is the lowest-priority key source; keyring and environment
	// take precedence (see config.ResolveAPIKey).
	APIKey string `yaml:"api_key"`

	// Model is the chat completion model.
	Model string `yaml:"model"`

	// TranscriptionModel is the speech-to-text model.
	TranscriptionModel string `yaml:"transcription_model"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`

	// Timeout bounds a single provider call.
	Timeout time.Duration `yaml:"timeout"`

	// RequestsPerSecond throttles calls across all channels (0 = unlimited).
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultConfig returns the defaults used by the bots.
func DefaultConfig() Config {
	return Config{
		Model:              "gpt-3.5-turbo",
		TranscriptionModel: "whisper-1",
		MaxTokens:          200,
		Temperature:        0.7,
		Timeout:            30 * time.Second,
		RequestsPerSecond:  10,
		Burst:              20,
	}
}

// Effective fills zero values with defaults.
func (c Config) Effective() Config {
	def := DefaultConfig()
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = def.TranscriptionModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.Temperature == 0 {
		c.Temperature = def.Temperature
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	return c
}
