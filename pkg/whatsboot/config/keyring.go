package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const keyringService = "whatsboot"

// Keyring entry names.
const (
	KeyOpenAI       = "openai_api_key"
	KeyGatewayToken = "gateway_token"
)

// KeySource records where a secret was found.
type KeySource string

const (
	SourceKeyring KeySource = "keyring"
	SourceEnv     KeySource = "env"
	SourceConfig  KeySource = "config"
	SourceNone    KeySource = ""
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Missing entries and an
// unavailable keyring both return "".
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring. Deleting an absent
// entry is not an error.
func DeleteKeyring(key string) error {
	if err := keyring.Delete(keyringService, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// ResolveAPIKey resolves the completion API key with the priority
// keyring, environment, config file, and writes the winner into cfg.
func ResolveAPIKey(cfg *Config, logger *slog.Logger) KeySource {
	if val := GetKeyring(KeyOpenAI); val != "" {
		cfg.LLM.APIKey = val
		logger.Debug("API key loaded from OS keyring")
		return SourceKeyring
	}
	if val := firstEnv(EnvAPIKey, EnvOpenAIAPIKey); val != "" {
		cfg.LLM.APIKey = val
		logger.Debug("API key loaded from environment")
		return SourceEnv
	}
	if cfg.LLM.APIKey != "" && !IsEnvReference(cfg.LLM.APIKey) {
		logger.Debug("API key loaded from config")
		return SourceConfig
	}
	cfg.LLM.APIKey = ""
	logger.Warn("no API key found, replies will use the fallback message. Set one with: whatsboot keys set openai")
	return SourceNone
}

// ResolveGatewayToken lets a keyring entry override the gateway token.
func ResolveGatewayToken(cfg *Config) {
	if val := GetKeyring(KeyGatewayToken); val != "" {
		cfg.Gateway.AuthToken = val
	}
}

// ReadSecret prompts on stderr and reads a line from the terminal without
// echo. Non-terminal stdin is read as a plain line so secrets can be piped.
func ReadSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}
