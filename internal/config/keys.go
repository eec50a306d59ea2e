package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "STAFFD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "STAFFD_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "STAFFD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "STAFFD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "engine.backend", typ: kString, env: "STAFFD_ENGINE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Engine.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Backend },
	},
	{
		key: "engine.openrouter_api_key", typ: kString, env: "STAFFD_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Engine.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OpenRouterAPIKey },
	},
	{
		key: "engine.model", typ: kString, env: "STAFFD_ENGINE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Model },
	},
	{
		key: "engine.ollama_base_url", typ: kString, env: "STAFFD_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Engine.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OllamaBaseURL },
	},
	{
		key: "engine.ollama_model", typ: kString, env: "STAFFD_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.OllamaModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.OllamaModel },
	},
	{
		key: "agents.file", typ: kString, env: "STAFFD_AGENTS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Agents.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Agents.File },
	},
	{
		key: "scheduler.max_concurrent", typ: kInt, env: "STAFFD_SCHEDULER_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.MaxConcurrent },
	},
	{
		key: "briefing.min_importance", typ: kFloat, env: "STAFFD_BRIEFING_MIN_IMPORTANCE",
		apply:   func(cfg *Config, v any) { cfg.Briefing.MinImportance = v.(float64) },
		extract: func(cfg Config) any { return cfg.Briefing.MinImportance },
	},
	{
		key: "briefing.max_daily", typ: kInt, env: "STAFFD_BRIEFING_MAX_DAILY",
		apply:   func(cfg *Config, v any) { cfg.Briefing.MaxDaily = v.(int) },
		extract: func(cfg Config) any { return cfg.Briefing.MaxDaily },
	},
	{
		key: "briefing.dedup_window", typ: kString, env: "STAFFD_BRIEFING_DEDUP_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Briefing.DedupWindow = v.(string) },
		extract: func(cfg Config) any { return cfg.Briefing.DedupWindow },
	},
	{
		key: "briefing.timezone", typ: kString, env: "STAFFD_BRIEFING_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Briefing.Timezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Briefing.Timezone },
	},
	{
		key: "timeouts.heartbeat", typ: kString, env: "STAFFD_TIMEOUTS_HEARTBEAT",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Heartbeat = v.(string) },
		extract: func(cfg Config) any { return cfg.Timeouts.Heartbeat },
	},
	{
		key: "timeouts.ping", typ: kString, env: "STAFFD_TIMEOUTS_PING",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Ping = v.(string) },
		extract: func(cfg Config) any { return cfg.Timeouts.Ping },
	},
	{
		key: "timeouts.idle", typ: kString, env: "STAFFD_TIMEOUTS_IDLE",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Idle = v.(string) },
		extract: func(cfg Config) any { return cfg.Timeouts.Idle },
	},
	{
		key: "timeouts.agent_call", typ: kString, env: "STAFFD_TIMEOUTS_AGENT_CALL",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.AgentCall = v.(string) },
		extract: func(cfg Config) any { return cfg.Timeouts.AgentCall },
	},
	{
		key: "timeouts.chunk", typ: kString, env: "STAFFD_TIMEOUTS_CHUNK",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Chunk = v.(string) },
		extract: func(cfg Config) any { return cfg.Timeouts.Chunk },
	},
	{
		key: "timeouts.flush", typ: kString, env: "STAFFD_TIMEOUTS_FLUSH",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.Flush = v.(string) },
		extract: func(cfg Config) any { return cfg.Timeouts.Flush },
	},
	{
		key: "timeouts.shutdown_grace", typ: kString, env: "STAFFD_TIMEOUTS_SHUTDOWN_GRACE",
		apply:   func(cfg *Config, v any) { cfg.Timeouts.ShutdownGrace = v.(string) },
		extract: func(cfg Config) any { return cfg.Timeouts.ShutdownGrace },
	},
	{
		key: "errors.alert_every", typ: kInt, env: "STAFFD_ERRORS_ALERT_EVERY",
		apply:   func(cfg *Config, v any) { cfg.Errors.AlertEvery = v.(int) },
		extract: func(cfg Config) any { return cfg.Errors.AlertEvery },
	},
	{
		key: "errors.history", typ: kInt, env: "STAFFD_ERRORS_HISTORY",
		apply:   func(cfg *Config, v any) { cfg.Errors.History = v.(int) },
		extract: func(cfg Config) any { return cfg.Errors.History },
	},
	{
		key: "notify.webhook_url", typ: kString, env: "STAFFD_NOTIFY_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.WebhookURL },
	},
	{
		key: "notify.webhook_token", typ: kString, env: "STAFFD_NOTIFY_WEBHOOK_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Notify.WebhookToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.WebhookToken },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts a raw value to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return i, nil
	case kFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number for %s: %w", s.key, err)
		}
		return f, nil
	default:
		return raw, nil
	}
}

// applySource reads every non-secret key from src. A value that does not
// parse is an error.
func applySource(cfg *Config, src Source) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok := src.Lookup(s.key)
		if !ok {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("config file: %w", err)
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides applies STAFFD_* variables. Unparseable values are
// logged and skipped.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			slog.Warn("ignoring environment override", "env", s.env, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
