package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mapSource is an in-memory config file.
type mapSource map[string]string

func (m mapSource) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m mapSource) Set(key, value string) error {
	m[key] = value
	return nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when the backend is empty.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STAFFD_OPENROUTER_API_KEY", "test-key")

	cfg, err := loadWith(mapSource{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Engine.Backend != BackendOpenRouter {
		t.Errorf("Engine.Backend = %q", cfg.Engine.Backend)
	}
	if cfg.Engine.Model != "anthropic/claude-sonnet-4" {
		t.Errorf("Engine.Model = %q", cfg.Engine.Model)
	}
	if cfg.Scheduler.MaxConcurrent != 4 {
		t.Errorf("Scheduler.MaxConcurrent = %d, want 4", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Briefing.MinImportance != 0.5 || cfg.Briefing.MaxDaily != 5 {
		t.Errorf("Briefing = %+v", cfg.Briefing)
	}
	if cfg.DedupWindow() != 24*time.Hour {
		t.Errorf("DedupWindow = %v", cfg.DedupWindow())
	}
	if cfg.Timeouts.Heartbeat != "15s" || cfg.Timeouts.ShutdownGrace != "30s" {
		t.Errorf("Timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Errors.AlertEvery != 10 || cfg.Errors.History != 20 {
		t.Errorf("Errors = %+v", cfg.Errors)
	}
	if filepath.Base(cfg.Agents.File) != "agents.yaml" {
		t.Errorf("Agents.File = %q", cfg.Agents.File)
	}
}

// TestBackendValues verifies that backend keys are read into the typed config.
func TestBackendValues(t *testing.T) {
	clearEnv(t)
	b := mapSource{
		"server.port":              "5000",
		"engine.backend":           "ollama",
		"engine.ollama_model":      "llama3",
		"briefing.min_importance":  "0.7",
		"briefing.timezone":        "Asia/Shanghai",
		"timeouts.chunk":           "5s",
		"scheduler.max_concurrent": "2",
		"notify.webhook_url":       "http://hooks.local/briefings",
	}

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 || cfg.Engine.Backend != BackendOllama || cfg.Engine.OllamaModel != "llama3" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Briefing.MinImportance != 0.7 {
		t.Errorf("MinImportance = %v", cfg.Briefing.MinImportance)
	}
	if cfg.Timeouts.Chunk != "5s" || cfg.Scheduler.MaxConcurrent != 2 {
		t.Errorf("Timeouts.Chunk = %q, MaxConcurrent = %d", cfg.Timeouts.Chunk, cfg.Scheduler.MaxConcurrent)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Asia/Shanghai" {
		t.Errorf("Location = %v, %v", loc, err)
	}
	if cfg.Notify.WebhookURL != "http://hooks.local/briefings" {
		t.Errorf("WebhookURL = %q", cfg.Notify.WebhookURL)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("STAFFD_OPENROUTER_API_KEY", "env-key")
	t.Setenv("STAFFD_SERVER_PORT", "6000")
	t.Setenv("STAFFD_BRIEFING_MAX_DAILY", "not-a-number")

	cfg, err := loadWith(mapSource{"server.port": "5000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.OpenRouterAPIKey != "env-key" {
		t.Errorf("OpenRouterAPIKey = %q, want %q", cfg.Engine.OpenRouterAPIKey, "env-key")
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Briefing.MaxDaily != 5 {
		t.Errorf("unparseable env should keep default, got %d", cfg.Briefing.MaxDaily)
	}
}

// TestSecretsIgnoredInBackend verifies secrets are only read from the environment.
func TestSecretsIgnoredInBackend(t *testing.T) {
	clearEnv(t)
	_, err := loadWith(mapSource{"engine.openrouter_api_key": "file-key"})
	if err == nil || !strings.Contains(err.Error(), "missing required config") {
		t.Fatalf("error = %v, want missing required config", err)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		kv   mapSource
	}{
		{"unknown backend", mapSource{"engine.backend": "bedrock"}},
		{"bad port", mapSource{"server.port": "70000"}},
		{"non-numeric port", mapSource{"server.port": "many"}},
		{"bad importance", mapSource{"briefing.min_importance": "1.5"}},
		{"bad dedup window", mapSource{"briefing.dedup_window": "a day"}},
		{"bad timezone", mapSource{"briefing.timezone": "Mars/Olympus"}},
		{"bad timeout", mapSource{"timeouts.ping": "soon"}},
		{"zero concurrency", mapSource{"scheduler.max_concurrent": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("STAFFD_OPENROUTER_API_KEY", "k")
			if _, err := loadWith(tt.kv); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSetKey(t *testing.T) {
	b := mapSource{}
	if err := setKey(b, "server.port", " 4200 "); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if b["server.port"] != "4200" {
		t.Errorf("server.port = %q", b["server.port"])
	}
	if err := setKey(b, "briefing.min_importance", "0.8"); err != nil {
		t.Fatalf("setKey float: %v", err)
	}
	if err := setKey(b, "briefing.min_importance", "high"); err == nil {
		t.Error("expected error for non-numeric importance")
	}
	if err := setKey(b, "server.port", "many"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKey(b, "engine.openrouter_api_key", "x"); err == nil {
		t.Error("expected error when setting a secret")
	}
	if err := setKey(b, "nope", "x"); err == nil || !strings.Contains(err.Error(), "server.port") {
		t.Errorf("unknown key error = %v, want it to list valid keys", err)
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Engine.OpenRouterAPIKey = "sk-secret"
	for _, k := range ShowAll(cfg) {
		if strings.Contains(k.Value, "sk-secret") || k.Key == "server.token" {
			t.Errorf("secret exposed: %+v", k)
		}
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "staffd", "config.yaml")
	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile on missing file: %v", err)
	}
	if err := setKey(f, "server.port", "4300"); err != nil {
		t.Fatal(err)
	}
	if err := setKey(f, "log.level", "debug"); err != nil {
		t.Fatal(err)
	}

	again, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if v, ok := again.Lookup("server.port"); !ok || v != "4300" {
		t.Errorf("server.port = %q, %v", v, ok)
	}
	info, err := os.Stat(path)
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, %v", info, err)
	}

	clearEnv(t)
	t.Setenv("STAFFD_OPENROUTER_API_KEY", "k")
	cfg, err := loadWith(again)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4300 || cfg.Log.Level != "debug" {
		t.Errorf("cfg.Server.Port = %d, cfg.Log.Level = %q", cfg.Server.Port, cfg.Log.Level)
	}
}

func TestOpenFileAcceptsTypedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := "server.port: 5100\nbriefing.min_importance: 0.65\nengine.backend: ollama\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	clearEnv(t)
	cfg, err := loadWith(f)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 5100 || cfg.Briefing.MinImportance != 0.65 || cfg.Engine.Backend != BackendOllama {
		t.Errorf("cfg = %+v", cfg)
	}

	if err := os.WriteFile(path, []byte("server.port: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(path); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestAPITokenGeneratedOnce(t *testing.T) {
	cfg := defaults()
	cfg.Storage.DataDir = t.TempDir()

	first, err := APIToken(cfg)
	if err != nil {
		t.Fatalf("APIToken: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d, want 64", len(first))
	}
	second, _ := APIToken(cfg)
	if first != second {
		t.Error("token changed between calls")
	}

	cfg.Server.Token = "from-env"
	if tok, _ := APIToken(cfg); tok != "from-env" {
		t.Errorf("token = %q, want from-env", tok)
	}
}
