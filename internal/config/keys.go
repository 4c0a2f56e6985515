package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
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
		key: "server.port", typ: kInt, env: "QUADSEARCH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.cors_origins", typ: kString, env: "QUADSEARCH_SERVER_CORS_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.CORSOrigins = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.CORSOrigins },
	},
	{
		key: "log.level", typ: kString, env: "QUADSEARCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.driver", typ: kString, env: "QUADSEARCH_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "QUADSEARCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_url", typ: kString, env: "QUADSEARCH_STORAGE_POSTGRES_URL",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "QUADSEARCH_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "QUADSEARCH_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.chat_model", typ: kString, env: "QUADSEARCH_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "openai.embed_model", typ: kString, env: "QUADSEARCH_OPENAI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedModel },
	},
	{
		key: "openai.embed_cache_size", typ: kInt, env: "QUADSEARCH_OPENAI_EMBED_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedCacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedCacheSize },
	},
	{
		key: "budget.window", typ: kDuration, env: "QUADSEARCH_BUDGET_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Budget.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Budget.Window },
	},
	{
		key: "budget.anonymous_max_tokens", typ: kInt, env: "QUADSEARCH_BUDGET_ANONYMOUS_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Budget.AnonymousMaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Budget.AnonymousMaxTokens },
	},
	{
		key: "budget.verified_max_tokens", typ: kInt, env: "QUADSEARCH_BUDGET_VERIFIED_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Budget.VerifiedMaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Budget.VerifiedMaxTokens },
	},
	{
		key: "budget.completion_reserve", typ: kInt, env: "QUADSEARCH_BUDGET_COMPLETION_RESERVE",
		apply:   func(cfg *Config, v any) { cfg.Budget.CompletionReserve = v.(int) },
		extract: func(cfg Config) any { return cfg.Budget.CompletionReserve },
	},
	{
		key: "auth.jwt_secret", typ: kString, env: "QUADSEARCH_AUTH_JWT_SECRET",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Auth.JWTSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.JWTSecret },
	},
	{
		key: "auth.admin_token", typ: kString, env: "QUADSEARCH_AUTH_ADMIN_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Auth.AdminToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.AdminToken },
	},
	{
		key: "realtime.redis_addr", typ: kString, env: "QUADSEARCH_REALTIME_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Realtime.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Realtime.RedisAddr },
	},
	{
		key: "realtime.redis_channel", typ: kString, env: "QUADSEARCH_REALTIME_REDIS_CHANNEL",
		apply:   func(cfg *Config, v any) { cfg.Realtime.RedisChannel = v.(string) },
		extract: func(cfg Config) any { return cfg.Realtime.RedisChannel },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "QUADSEARCH_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "QUADSEARCH_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "reaper.enabled", typ: kBool, env: "QUADSEARCH_REAPER_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Reaper.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Reaper.Enabled },
	},
	{
		key: "reaper.schedule", typ: kString, env: "QUADSEARCH_REAPER_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Reaper.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Reaper.Schedule },
	},
	{
		key: "reaper.stale_after", typ: kDuration, env: "QUADSEARCH_REAPER_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Reaper.StaleAfter = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reaper.StaleAfter },
	},
}

// parse converts raw into the key's Go type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			parsed, err := s.parse(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				continue
			}
			s.apply(cfg, parsed)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
