// Package config provides configuration for the agent engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable read by Load.
const EnvPrefix = "CSA"

// Config holds the engine configuration.
type Config struct {
	// Server settings
	HTTPPort        int           `envconfig:"HTTP_PORT" default:"8080"`
	ShutdownTimeout time.Duration `split_words:"true" default:"10s"`

	// Database
	DatabaseURL string `split_words:"true" default:"file:csagent.db?mode=rwc&_txlock=immediate&_busy_timeout=5000"`

	// Catalog of specialists, routing and policy. Empty means the embedded default.
	CatalogPath string `split_words:"true"`

	// Session lifecycle
	SessionCacheTTL      time.Duration `envconfig:"SESSION_CACHE_TTL" default:"30m"`
	SessionIdleTTL       time.Duration `envconfig:"SESSION_IDLE_TTL" default:"24h"`
	SessionSweepInterval time.Duration `split_words:"true" default:"1m"`
	CacheBackend         string        `split_words:"true" default:"memory"`
	RedisURL             string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`

	// LLM backend
	LLMMode    string        `envconfig:"LLM_MODE" default:"openai"`
	LLMBaseURL string        `envconfig:"LLM_BASE_URL" default:"https://api.openai.com/v1"`
	LLMAPIKey  string        `envconfig:"LLM_API_KEY"`
	LLMModel   string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	LLMTimeout time.Duration `envconfig:"LLM_TIMEOUT" default:"30s"`

	// Tool execution
	ToolTimeout        time.Duration `split_words:"true" default:"15s"`
	ToolMaxRetries     int           `split_words:"true" default:"3"`
	ToolBackoffInitial time.Duration `split_words:"true" default:"200ms"`
	ToolBackoffMax     time.Duration `split_words:"true" default:"5s"`

	// Approver authentication. Empty disables JWT checks.
	JWTSecret string `envconfig:"JWT_SECRET"`

	// Logging
	LogLevel  string `split_words:"true" default:"info"`
	LogFormat string `split_words:"true" default:"console"`
}

// Load reads an optional .env file and then the process environment.
// envFile may be empty, in which case ./.env is used when present.
func Load(envFile string) (*Config, error) {
	if strings.TrimSpace(envFile) != "" {
		if err := exportEnvironment(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	} else if err := exportEnvironmentIfExists(".env"); err != nil {
		return nil, fmt.Errorf("failed to load default env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	}
	switch c.CacheBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.CacheBackend)
	}
	switch c.LLMMode {
	case "openai", "mock":
	default:
		return fmt.Errorf("unknown llm mode %q", c.LLMMode)
	}
	if c.SessionCacheTTL <= 0 || c.SessionIdleTTL <= 0 {
		return errors.New("session ttls must be positive")
	}
	if c.ToolMaxRetries < 0 {
		return errors.New("tool max retries must not be negative")
	}
	return nil
}

func exportEnvironmentIfExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}
	return exportEnvironment(path)
}

// exportEnvironment copies every key of a dotenv file into the process environment
// unless the variable is already set.
func exportEnvironment(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	for k, val := range v.AllSettings() {
		key := strings.ToUpper(k)
		if _, ok := os.LookupEnv(key); ok {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(val)); err != nil {
			return err
		}
	}
	return nil
}
