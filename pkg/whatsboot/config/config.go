// Package config assembles the service configuration from a YAML file,
// .env files, the environment and the OS keyring.
package config

import (
	"github.com/jholhewres/whatsboot/pkg/whatsboot/channels/whatsapp"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/database"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/gateway"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/llm"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/media"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/pipeline"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/scheduler"
	"github.com/jholhewres/whatsboot/pkg/whatsboot/session"
)

// Config is the complete service configuration.
type Config struct {
	Gateway  gateway.Config            `yaml:"gateway"`
	Database database.HubConfig        `yaml:"database"`
	Session  session.Config            `yaml:"session"`
	WhatsApp whatsapp.Config           `yaml:"whatsapp"`
	Pipeline pipeline.Config           `yaml:"pipeline"`
	LLM      llm.Config                `yaml:"llm"`
	Media    media.TranscriptionConfig `yaml:"media"`
	Janitor  scheduler.Config          `yaml:"janitor"`
	Logging  LoggingConfig             `yaml:"logging"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error (default: info).
	Level string `yaml:"level"`

	// Format is json or text (default: json).
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with every section at its defaults.
func DefaultConfig() *Config {
	return &Config{
		Gateway:  gateway.DefaultConfig(),
		Database: database.DefaultHubConfig(),
		Session:  session.DefaultConfig(),
		WhatsApp: whatsapp.DefaultConfig(),
		Pipeline: pipeline.DefaultConfig(),
		LLM:      llm.DefaultConfig(),
		Media:    media.DefaultTranscriptionConfig(),
		Janitor:  scheduler.DefaultConfig(),
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

// Effective fills zero values of every section and ties together settings
// that must agree: the WhatsApp auth dir follows the session auth dir and
// the gateway serves the session QR dir.
func (c *Config) Effective() *Config {
	out := *c
	out.Gateway = c.Gateway.Effective()
	out.Database = c.Database.Effective()
	out.Session = c.Session.Effective()
	out.WhatsApp = c.WhatsApp.Effective()
	out.Pipeline = c.Pipeline.Effective()
	out.LLM = c.LLM.Effective()
	out.Media = c.Media.Effective()
	out.Janitor = c.Janitor.Effective()

	out.WhatsApp.AuthDir = out.Session.AuthDir
	out.Gateway.UploadsDir = out.Session.QRDir

	if out.Logging.Level == "" {
		out.Logging.Level = "info"
	}
	if out.Logging.Format == "" {
		out.Logging.Format = "json"
	}
	return &out
}
