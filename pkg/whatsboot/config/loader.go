package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?error} and bare
// $VAR references.
//
// Capture groups:
//   - 1: variable name of the braced form
//   - 2: modifier ("-" default, "?" required)
//   - 3: default value or error message
//   - 4: variable name of the bare form
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Environment variables consulted for secrets left empty in the file.
const (
	EnvAPIKey       = "WHATSBOOT_OPENAI_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvGatewayToken = "WHATSBOOT_GATEWAY_TOKEN"
	EnvDatabasePass = "WHATSBOOT_DB_PASSWORD"
)

// LoadConfigFromFile reads a YAML configuration file. .env files are loaded
// first and environment references in the file are expanded before
// parsing. A ${VAR:?msg} reference whose variable is unset is an error.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig overlays YAML onto DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// Load returns the configuration at path, or, when path is empty, the first
// file FindConfigFile discovers. With no file at all the defaults are
// returned with secrets resolved from the environment.
func Load(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles()
		cfg := DefaultConfig()
		resolveSecrets(cfg)
		return cfg, "", nil
	}
	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"whatsboot.yaml",
		"whatsboot.yml",
		"configs/config.yaml",
		"configs/whatsboot.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files. Existing variables are not overwritten.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references in input. Unset variables
// without a modifier keep their placeholder; an unset ${VAR:?msg} becomes an
// ERROR: marker picked up by expandEnvVarsWithValidation.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if val, ok := os.LookupEnv(bare); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + value
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is expandEnvVars that fails on the first
// unset required variable.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx < 0 {
		return result, nil
	}
	rest := result[idx+len("ERROR:"):]
	name, msg, ok := strings.Cut(rest, ":")
	if !ok {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	if line, _, found := strings.Cut(msg, "\n"); found {
		msg = line
	}
	return "", fmt.Errorf("config error: %s - %s", name, msg)
}

// resolveSecrets fills secrets from the environment when the file leaves
// them empty or unexpanded.
func resolveSecrets(cfg *Config) {
	if cfg.LLM.APIKey == "" || IsEnvReference(cfg.LLM.APIKey) {
		cfg.LLM.APIKey = firstEnv(EnvAPIKey, EnvOpenAIAPIKey)
	}
	if cfg.Gateway.AuthToken == "" || IsEnvReference(cfg.Gateway.AuthToken) {
		cfg.Gateway.AuthToken = os.Getenv(EnvGatewayToken)
	}
	if pass := os.Getenv(EnvDatabasePass); pass != "" {
		if cfg.Database.PostgreSQL.Password == "" {
			cfg.Database.PostgreSQL.Password = pass
		}
		if cfg.Database.MySQL.Password == "" {
			cfg.Database.MySQL.Password = pass
		}
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// resolveRelativePaths makes filesystem paths relative to the config file's
// directory so the service can start from any working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Session.AuthDir = resolvePathFromConfig(cfg.Session.AuthDir, dir)
	cfg.Session.QRDir = resolvePathFromConfig(cfg.Session.QRDir, dir)
	cfg.WhatsApp.AuthDir = resolvePathFromConfig(cfg.WhatsApp.AuthDir, dir)
	cfg.Gateway.UploadsDir = resolvePathFromConfig(cfg.Gateway.UploadsDir, dir)
	cfg.Media.ScratchDir = resolvePathFromConfig(cfg.Media.ScratchDir, dir)
	if cfg.Database.SQLite.Path != ":memory:" {
		cfg.Database.SQLite.Path = resolvePathFromConfig(cfg.Database.SQLite.Path, dir)
	}
}

// resolvePathFromConfig expands ~ and anchors relative paths at configDir.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// IsEnvReference reports whether s is an unexpanded environment reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
		)
	}
}
