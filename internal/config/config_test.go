package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg := Load()
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != filepath.Join("data", "agentruns.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.DefaultAgent != "demo" || cfg.MaxTurns != 4 {
		t.Fatalf("unexpected agent defaults: %+v", cfg)
	}
	if cfg.Queue != "memory" {
		t.Fatalf("unexpected queue %q", cfg.Queue)
	}
	if len(cfg.WSOrigins) != 0 {
		t.Fatalf("expected no extra websocket origins, got %v", cfg.WSOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AGENTRUNS_WORKERS", "9")
	t.Setenv("AGENTRUNS_QUEUE", "Redis")
	t.Setenv("AGENTRUNS_STALE_RUN_AFTER", "90s")
	t.Setenv("AGENTRUNS_SUBMIT_RATE", "0.5")
	t.Setenv("AGENTRUNS_MAX_TURNS", "not-a-number")
	t.Setenv("AGENTRUNS_WS_ORIGINS", "app.example.com, *.example.dev ,")

	cfg := Load()
	if cfg.Workers != 9 {
		t.Fatalf("expected 9 workers, got %d", cfg.Workers)
	}
	if cfg.Queue != "redis" {
		t.Fatalf("expected redis queue, got %q", cfg.Queue)
	}
	if cfg.StaleRunAfter != 90*time.Second {
		t.Fatalf("unexpected stale duration %s", cfg.StaleRunAfter)
	}
	if cfg.SubmitRate != 0.5 {
		t.Fatalf("unexpected rate %v", cfg.SubmitRate)
	}
	if cfg.MaxTurns != 4 {
		t.Fatalf("invalid int should fall back, got %d", cfg.MaxTurns)
	}
	if len(cfg.WSOrigins) != 2 || cfg.WSOrigins[0] != "app.example.com" || cfg.WSOrigins[1] != "*.example.dev" {
		t.Fatalf("unexpected websocket origins %v", cfg.WSOrigins)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := "# comment\nexport AGENTRUNS_HTTP_ADDR=\":9999\"\nAGENTRUNS_LOG_LEVEL=debug\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("AGENTRUNS_LOG_LEVEL", "error")
	t.Setenv("AGENTRUNS_HTTP_ADDR", "")
	os.Unsetenv("AGENTRUNS_HTTP_ADDR")

	cfg := Load()
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("expected addr from .env, got %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "error" {
		t.Fatalf("env should win over .env, got %q", cfg.LogLevel)
	}
}

func TestValidateRejectsUnknownQueue(t *testing.T) {
	cfg := Config{Queue: "kafka", Workers: 1, MaxTurns: 1, DefaultAgent: "demo"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unknown queue")
	}
}

func TestParseAgents(t *testing.T) {
	data := []byte(`
agents:
  - key: travel
    instructions: Help the user book flights.
    tools: [find_flight, book_flight]
    model: gpt-4o
  - key: " plain "
    name: Plain Agent
`)
	specs, err := ParseAgents(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(specs))
	}
	if specs[0].Name != "travel" || len(specs[0].Tools) != 2 || specs[0].Model != "gpt-4o" {
		t.Fatalf("unexpected first agent %+v", specs[0])
	}
	if specs[1].Key != "plain" || specs[1].Name != "Plain Agent" {
		t.Fatalf("unexpected second agent %+v", specs[1])
	}

	if _, err := ParseAgents([]byte("agents:\n  - key: a\n  - key: a\n")); err == nil {
		t.Fatalf("expected duplicate key error")
	}
	if _, err := ParseAgents([]byte("agents:\n  - name: nokey\n")); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestLoadAgentsEmptyPath(t *testing.T) {
	specs, err := LoadAgents("")
	if err != nil || specs != nil {
		t.Fatalf("expected no specs, got %v %v", specs, err)
	}
}
