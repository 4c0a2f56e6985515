package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Storage  StorageConfig
	OpenAI   OpenAIConfig
	Budget   BudgetConfig
	Auth     AuthConfig
	Realtime RealtimeConfig
	Worker   WorkerConfig
	Reaper   ReaperConfig
}

type ServerConfig struct {
	Port int
	// CORSOrigins is a comma-separated allow list. Empty disables CORS.
	CORSOrigins string
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	Driver      string
	DataDir     string
	PostgresURL string
}

type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	ChatModel      string
	EmbedModel     string
	EmbedCacheSize int
}

type BudgetConfig struct {
	Window             time.Duration
	AnonymousMaxTokens int
	VerifiedMaxTokens  int
	CompletionReserve  int
}

type AuthConfig struct {
	JWTSecret  string
	AdminToken string
}

type RealtimeConfig struct {
	RedisAddr    string
	RedisChannel string
}

type WorkerConfig struct {
	PollInterval time.Duration
	Concurrency  int
}

type ReaperConfig struct {
	Enabled    bool
	Schedule   string
	StaleAfter time.Duration
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Origins splits CORSOrigins into a list, dropping blanks.
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Driver:  DriverSQLite,
			DataDir: defaultDataDir(),
		},
		OpenAI: OpenAIConfig{
			BaseURL:        "https://api.openai.com/v1",
			ChatModel:      "gpt-4o-mini",
			EmbedModel:     "text-embedding-3-small",
			EmbedCacheSize: 1024,
		},
		Budget: BudgetConfig{
			Window:             24 * time.Hour,
			AnonymousMaxTokens: 20000,
			VerifiedMaxTokens:  200000,
			CompletionReserve:  1024,
		},
		Realtime: RealtimeConfig{
			RedisChannel: "quadsearch:events",
		},
		Worker: WorkerConfig{
			PollInterval: 500 * time.Millisecond,
			Concurrency:  4,
		},
		Reaper: ReaperConfig{
			Enabled:    true,
			Schedule:   "@every 1m",
			StaleAfter: 10 * time.Minute,
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/quadsearch/config.json, a .env file in the working
// directory, environment variables and the secrets file at
// $XDG_DATA_HOME/quadsearch/secrets.json.
//
// Environment variables (QUADSEARCH_*) override file values. Variables from
// .env never override ones already set. Secrets are never read from the
// config file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read .env: %v\n", err)
	}
	return loadWith(newPlatformBackend(), defaultSecretsFile())
}

func loadWith(b ConfigBackend, kc secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecrets fills secrets still empty after env overrides from the
// secret store. The account name is the dotted key.
func applySecrets(cfg *Config, kc secretStore) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := kc.Get("quadsearch", s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func (c Config) validate() error {
	if c.OpenAI.APIKey == "" {
		return errors.New("missing required config: OpenAI API key. " +
			"Set it via environment variable QUADSEARCH_OPENAI_API_KEY or the secrets file (service: quadsearch, account: openai.api_key)")
	}
	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return errors.New("storage.driver is postgres but QUADSEARCH_STORAGE_POSTGRES_URL is not set")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q (want %s or %s)", c.Storage.Driver, DriverSQLite, DriverPostgres)
	}
	if c.Budget.Window <= 0 {
		return fmt.Errorf("budget.window must be positive, got %s", c.Budget.Window)
	}
	if c.Budget.AnonymousMaxTokens < 0 || c.Budget.VerifiedMaxTokens < 0 {
		return errors.New("budget token caps must not be negative")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	return nil
}
