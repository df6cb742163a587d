// Package config loads and validates the relay configuration from YAML.
// String values may reference environment variables as ${VAR} or
// ${VAR:-default}, so tokens and keys stay out of the file itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Log      LogConfig           `yaml:"log"`
	Telegram TelegramConfig      `yaml:"telegram"`
	Model    ModelConfig         `yaml:"model"`
	History  HistoryConfig       `yaml:"history"`
	Intents  map[string][]string `yaml:"intents,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	WebhookURL string  `yaml:"webhookUrl"` // public URL registered with the platform
	Secret     string  `yaml:"secret"`     // webhook secret token, empty disables the check
	ListenAddr string  `yaml:"listenAddr"`
	Path       string  `yaml:"path"`
	ParseMode  string  `yaml:"parseMode"`
	AllowUsers []int64 `yaml:"allowUsers,omitempty"` // empty = allow all
	AllowChats []int64 `yaml:"allowChats,omitempty"`
}

type ModelConfig struct {
	Vendor         string `yaml:"vendor"` // openai | cohere | anthropic
	URL            string `yaml:"url"`
	APIKey         string `yaml:"apiKey"`
	Model          string `yaml:"model"`
	Prompt         string `yaml:"prompt"`
	Stream         bool   `yaml:"stream"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
	FlushStart     int    `yaml:"flushStart"`
	FlushGrow      int    `yaml:"flushGrow"`
}

type HistoryConfig struct {
	Backend    string `yaml:"backend"` // memory | badger | sqlite
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"maxEntries"` // 0 = unlimited
	MaxBudget  int    `yaml:"maxBudget"`  // characters, 0 = unlimited
}

// DefaultConfigDir returns the default config directory (~/.chatrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatrelay"
	}
	return filepath.Join(home, ".chatrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads, expands, and validates the config at path, layered over
// Defaults.
func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.History.Path = expandPath(cfg.History.Path)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Save writes the config as YAML, creating the directory when needed.
func Save(path string, cfg *Config) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} falls back to "default" when VAR is unset or empty;
// a plain ${VAR} with no value is left untouched.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if len(groups) >= 3 && groups[2] != "" {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Validate checks the config for values that cannot work at runtime.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not one of text, json", cfg.Log.Format))
	}
	if cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required")
	}
	switch cfg.Model.Vendor {
	case "openai", "cohere", "anthropic":
	default:
		errs = append(errs, fmt.Sprintf("model.vendor %q is not one of openai, cohere, anthropic", cfg.Model.Vendor))
	}
	if cfg.Model.URL == "" {
		errs = append(errs, "model.url is required")
	}
	if cfg.Model.TimeoutSeconds < 0 {
		errs = append(errs, "model.timeoutSeconds must not be negative")
	}
	switch cfg.History.Backend {
	case "memory", "badger", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("history.backend %q is not one of memory, badger, sqlite", cfg.History.Backend))
	}
	if cfg.History.Backend != "memory" && cfg.History.Path == "" {
		errs = append(errs, fmt.Sprintf("history.path is required for the %s backend", cfg.History.Backend))
	}
	if cfg.History.MaxEntries < 0 || cfg.History.MaxBudget < 0 {
		errs = append(errs, "history limits must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
