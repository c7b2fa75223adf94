package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFrom(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{
			"api_key": "sk-test-123",
			"model": "gemini-2.5-pro",
			"chat_url": "http://example.com/api/chat",
			"history_window": 50,
			"cancel_policy": "apply"
		}`)

		cfg, err := LoadFrom(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.APIKey != "sk-test-123" {
			t.Errorf("APIKey = %q, want %q", cfg.APIKey, "sk-test-123")
		}
		if cfg.Model != "gemini-2.5-pro" {
			t.Errorf("Model = %q, want %q", cfg.Model, "gemini-2.5-pro")
		}
		if cfg.ChatURL != "http://example.com/api/chat" {
			t.Errorf("ChatURL = %q", cfg.ChatURL)
		}
		if cfg.HistoryWindow != 50 {
			t.Errorf("HistoryWindow = %d, want 50", cfg.HistoryWindow)
		}
		if cfg.CancelPolicy != CancelApply {
			t.Errorf("CancelPolicy = %q, want %q", cfg.CancelPolicy, CancelApply)
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{"api_key": "sk-test-123"}`)

		cfg, err := LoadFrom(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.Model != DefaultModel {
			t.Errorf("Model = %q, want default", cfg.Model)
		}
		if cfg.SummarizeURL != DefaultSummarizeURL {
			t.Errorf("SummarizeURL = %q, want default", cfg.SummarizeURL)
		}
		if cfg.HistoryWindow != DefaultHistoryWindow {
			t.Errorf("HistoryWindow = %d, want %d", cfg.HistoryWindow, DefaultHistoryWindow)
		}
		if cfg.ArchiveThreshold != DefaultArchiveThreshold {
			t.Errorf("ArchiveThreshold = %d, want %d", cfg.ArchiveThreshold, DefaultArchiveThreshold)
		}
		if cfg.CancelPolicy != CancelDiscard {
			t.Errorf("CancelPolicy = %q, want %q", cfg.CancelPolicy, CancelDiscard)
		}
		if cfg.DBPath == "" {
			t.Error("DBPath should have a default")
		}
	})

	t.Run("yaml config", func(t *testing.T) {
		path := writeConfig(t, "config.yaml", "api_key: sk-yaml\nmodel: deepseek-chat\narchive_threshold: 10\n")

		cfg, err := LoadFrom(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.APIKey != "sk-yaml" || cfg.Model != "deepseek-chat" || cfg.ArchiveThreshold != 10 {
			t.Errorf("unexpected yaml config: %+v", cfg)
		}
	})

	t.Run("missing api_key is not a load error", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{"model": "deepseek-chat"}`)

		cfg, err := LoadFrom(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := cfg.RequireAPIKey(); err != ErrNoAPIKey {
			t.Errorf("RequireAPIKey() = %v, want ErrNoAPIKey", err)
		}
	})

	t.Run("history_window invalid", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{"history_window": 33}`)
		if _, err := LoadFrom(path); err != ErrInvalidHistoryWindow {
			t.Errorf("error = %v, want ErrInvalidHistoryWindow", err)
		}
	})

	t.Run("cancel_policy invalid", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{"cancel_policy": "maybe"}`)
		if _, err := LoadFrom(path); err != ErrInvalidCancelPolicy {
			t.Errorf("error = %v, want ErrInvalidCancelPolicy", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFrom("/nonexistent/path/config.json")
		if err != ErrNoConfig {
			t.Errorf("error = %v, want ErrNoConfig", err)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		path := writeConfig(t, "config.json", "not json")
		if _, err := LoadFrom(path); err != ErrInvalidJSON {
			t.Errorf("error = %v, want ErrInvalidJSON", err)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeConfig(t, "config.yml", "api_key: [unterminated")
		if _, err := LoadFrom(path); err != ErrInvalidYAML {
			t.Errorf("error = %v, want ErrInvalidYAML", err)
		}
	})
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("HOGSIM_API_KEY", "sk-env")
	t.Setenv("HOGSIM_HISTORY_WINDOW", "50")
	path := writeConfig(t, "config.json", `{"api_key": "sk-file", "model": "deepseek-chat"}`)

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIKey != "sk-env" {
		t.Errorf("APIKey = %q, want env override", cfg.APIKey)
	}
	if cfg.Model != "deepseek-chat" {
		t.Errorf("Model = %q, file value should survive", cfg.Model)
	}
	if cfg.HistoryWindow != 50 {
		t.Errorf("HistoryWindow = %d, want 50", cfg.HistoryWindow)
	}
}

func TestLoadFromEnvParseError(t *testing.T) {
	t.Setenv("HOGSIM_HISTORY_WINDOW", "lots")
	path := writeConfig(t, "config.json", `{}`)

	_, err := LoadFrom(path)
	if err == nil || errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("expected env parse error, got %v", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.APIKey != "" {
		t.Errorf("default config should carry no credential")
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
