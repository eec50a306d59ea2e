// Package config loads staffd's typed configuration from a YAML file with
// STAFFD_* environment overrides.
package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Engine    EngineConfig
	Agents    AgentsConfig
	Scheduler SchedulerConfig
	Briefing  BriefingConfig
	Timeouts  TimeoutsConfig
	Errors    ErrorsConfig
	Notify    NotifyConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// Engine backends.
const (
	BackendOpenRouter = "openrouter"
	BackendOllama     = "ollama"
)

type EngineConfig struct {
	Backend          string
	OpenRouterAPIKey string
	Model            string
	OllamaBaseURL    string
	OllamaModel      string
}

type AgentsConfig struct {
	File string
}

type SchedulerConfig struct {
	MaxConcurrent int
}

type BriefingConfig struct {
	MinImportance float64
	MaxDaily      int
	DedupWindow   string
	Timezone      string
}

// TimeoutsConfig holds duration strings keyed like the timeout registry.
type TimeoutsConfig struct {
	Heartbeat     string
	Ping          string
	Idle          string
	AgentCall     string
	Chunk         string
	Flush         string
	ShutdownGrace string
}

type ErrorsConfig struct {
	AlertEvery int
	History    int
}

type NotifyConfig struct {
	WebhookURL   string
	WebhookToken string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Engine: EngineConfig{
			Backend:       BackendOpenRouter,
			Model:         "anthropic/claude-sonnet-4",
			OllamaBaseURL: "http://localhost:11434",
			OllamaModel:   "qwen2.5",
		},
		Agents: AgentsConfig{
			File: defaultAgentsFile(),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 4,
		},
		Briefing: BriefingConfig{
			MinImportance: 0.5,
			MaxDaily:      5,
			DedupWindow:   "24h",
			Timezone:      "Local",
		},
		Timeouts: TimeoutsConfig{
			Heartbeat:     "15s",
			Ping:          "30s",
			Idle:          "10m",
			AgentCall:     "5m",
			Chunk:         "60s",
			Flush:         "50ms",
			ShutdownGrace: "30s",
		},
		Errors: ErrorsConfig{
			AlertEvery: 10,
			History:    20,
		},
	}
}

// Load reads configuration from FilePath. Environment variables (STAFFD_*)
// override file values; secrets are read from the environment only.
func Load() (Config, error) {
	f, err := OpenFile(FilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(f)
}

func loadWith(src Source) (Config, error) {
	cfg := defaults()

	if err := applySource(&cfg, src); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be fixed by falling back to defaults.
func (c Config) Validate() error {
	switch c.Engine.Backend {
	case BackendOpenRouter:
		if c.Engine.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. " +
				"Set it via environment variable STAFFD_OPENROUTER_API_KEY or use engine.backend=ollama")
		}
	case BackendOllama:
		if c.Engine.OllamaBaseURL == "" {
			return fmt.Errorf("missing required config: engine.ollama_base_url")
		}
	default:
		return fmt.Errorf("engine.backend %q: want %s or %s", c.Engine.Backend, BackendOpenRouter, BackendOllama)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive")
	}
	if c.Briefing.MinImportance < 0 || c.Briefing.MinImportance > 1 {
		return fmt.Errorf("briefing.min_importance %v outside [0,1]", c.Briefing.MinImportance)
	}
	if c.Briefing.MaxDaily < 0 {
		return fmt.Errorf("briefing.max_daily must not be negative")
	}
	if _, err := time.ParseDuration(c.Briefing.DedupWindow); err != nil {
		return fmt.Errorf("briefing.dedup_window: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	for name, v := range c.Timeouts.Map() {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("timeouts.%s: %w", name, err)
		}
	}
	if c.Errors.AlertEvery <= 0 || c.Errors.History <= 0 {
		return fmt.Errorf("errors.alert_every and errors.history must be positive")
	}
	return nil
}

// Location resolves briefing.timezone, the day boundary of briefing quotas.
func (c Config) Location() (*time.Location, error) {
	switch c.Briefing.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Briefing.Timezone)
	if err != nil {
		return nil, fmt.Errorf("briefing.timezone: %w", err)
	}
	return loc, nil
}

// DedupWindow returns the parsed briefing.dedup_window.
func (c Config) DedupWindow() time.Duration {
	d, _ := time.ParseDuration(c.Briefing.DedupWindow)
	return d
}

// Map returns the timeout budgets by registry name.
func (t TimeoutsConfig) Map() map[string]string {
	return map[string]string{
		"heartbeat":      t.Heartbeat,
		"ping":           t.Ping,
		"idle":           t.Idle,
		"agent_call":     t.AgentCall,
		"chunk":          t.Chunk,
		"flush":          t.Flush,
		"shutdown_grace": t.ShutdownGrace,
	}
}
