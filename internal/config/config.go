package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoConfig             = errors.New("config file not found")
	ErrNoAPIKey             = errors.New("api_key not set in config")
	ErrInvalidJSON          = errors.New("invalid config JSON")
	ErrInvalidYAML          = errors.New("invalid config YAML")
	ErrInvalidHistoryWindow = errors.New("history_window must be 20 or 50")
	ErrInvalidCancelPolicy  = errors.New("cancel_policy must be \"discard\" or \"apply\"")
	ErrInvalidThreshold     = errors.New("archive_threshold must be positive")
)

// CancelPolicy decides what happens to a trailing state block when the user
// stops a turn mid-stream.
type CancelPolicy string

const (
	// CancelDiscard drops whatever state block arrived before the stop.
	CancelDiscard CancelPolicy = "discard"
	// CancelApply parses the partial output and applies a complete block if present.
	CancelApply CancelPolicy = "apply"
)

const (
	DefaultModel            = "deepseek-reasoner"
	DefaultChatURL          = "http://localhost:8080/api/chat"
	DefaultSummarizeURL     = "http://localhost:8080/api/ai/summarize"
	DefaultHistoryWindow    = 20
	ExtendedHistoryWindow   = 50
	DefaultArchiveThreshold = 60
)

// Config holds the client configuration. The core only ever reads it.
type Config struct {
	APIKey           string       `json:"api_key" yaml:"api_key" env:"API_KEY"`
	Model            string       `json:"model" yaml:"model" env:"MODEL"`
	ChatURL          string       `json:"chat_url" yaml:"chat_url" env:"CHAT_URL"`
	SummarizeURL     string       `json:"summarize_url" yaml:"summarize_url" env:"SUMMARIZE_URL"`
	HistoryWindow    int          `json:"history_window" yaml:"history_window" env:"HISTORY_WINDOW"`       // Recent log entries sent with each turn
	ArchiveThreshold int          `json:"archive_threshold" yaml:"archive_threshold" env:"ARCHIVE_THRESHOLD"` // Unsummarized entries that trigger auto-archival
	CancelPolicy     CancelPolicy `json:"cancel_policy" yaml:"cancel_policy" env:"CANCEL_POLICY"`
	DBPath           string       `json:"db_path" yaml:"db_path" env:"DB_PATH"`
}

// Default returns a config with every default applied and no credential.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns ~/.config/hogsim/config.json.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "hogsim", "config.json"), nil
}

// Load reads the config from the default path. A missing file is not an
// error: defaults plus HOGSIM_* environment overrides are returned instead.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadFrom(path)
	if errors.Is(err, ErrNoConfig) {
		cfg = Default()
		if err := cfg.applyEnv(); err != nil {
			return nil, err
		}
		return cfg, cfg.validate()
	}
	return cfg, err
}

// LoadFrom reads the config from a specific path (.json, .yaml or .yml).
// Environment variables prefixed with HOGSIM_ override file values.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, err
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, ErrInvalidYAML
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, ErrInvalidJSON
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: "HOGSIM_"}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.ChatURL == "" {
		c.ChatURL = DefaultChatURL
	}
	if c.SummarizeURL == "" {
		c.SummarizeURL = DefaultSummarizeURL
	}
	if c.HistoryWindow == 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.ArchiveThreshold == 0 {
		c.ArchiveThreshold = DefaultArchiveThreshold
	}
	if c.CancelPolicy == "" {
		c.CancelPolicy = CancelDiscard
	}
	if c.DBPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DBPath = filepath.Join(home, ".hogsim", "hogsim.db")
		} else {
			c.DBPath = filepath.Join(os.TempDir(), "hogsim.db")
		}
	}
}

func (c *Config) validate() error {
	switch c.HistoryWindow {
	case DefaultHistoryWindow, ExtendedHistoryWindow:
	default:
		return ErrInvalidHistoryWindow
	}
	switch c.CancelPolicy {
	case CancelDiscard, CancelApply:
	default:
		return ErrInvalidCancelPolicy
	}
	if c.ArchiveThreshold < 0 {
		return ErrInvalidThreshold
	}
	return nil
}

// RequireAPIKey reports ErrNoAPIKey when no credential is configured.
func (c Config) RequireAPIKey() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrNoAPIKey
	}
	return nil
}
