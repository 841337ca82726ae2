package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
model_endpoint: http://models.local/v1
model_name: qwen3:30b
listen_port: 9000
workspace_path: /srv/vigil
context_size: 8192
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.ModelEndpoint != "http://models.local/v1" {
		t.Errorf("ModelEndpoint = %q", cfg.ModelEndpoint)
	}
	if cfg.ModelName != "qwen3:30b" {
		t.Errorf("ModelName = %q", cfg.ModelName)
	}
	if cfg.ListenPort != 9000 {
		t.Errorf("ListenPort = %d", cfg.ListenPort)
	}
	if cfg.ContextSize != 8192 {
		t.Errorf("ContextSize = %d", cfg.ContextSize)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
model_name: custom
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ModelEndpoint == "" || cfg.ListenPort == 0 || cfg.ContextSize == 0 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.ModelName != "custom" {
		t.Errorf("ModelName = %q", cfg.ModelName)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("VIGIL_TEST_KEY", "sk-secret")
	path := writeConfig(t, `
search_api_key: $VIGIL_TEST_KEY
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SearchAPIKey != "sk-secret" {
		t.Errorf("SearchAPIKey = %q", cfg.SearchAPIKey)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []string{
		"model_endpoint: \"\"\nmodel_name: m",
		"listen_port: -1",
		"context_size: 0",
	}
	for _, content := range tests {
		path := writeConfig(t, content)
		if _, err := Load(path); err == nil {
			t.Errorf("Load(%q) succeeded, want validation error", content)
		}
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"trace", LevelTrace, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
