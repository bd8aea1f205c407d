// Package config loads boliganalyse.yaml over built-in defaults and applies
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"boliganalyse/internal/domain"
)

// DefaultPath is the config file used when none is given.
const DefaultPath = "boliganalyse.yaml"

// Environment variables read by ApplyEnv and SecretFromEnv.
const (
	EnvDatabaseURL = "BOLIGANALYSE_DATABASE_URL"
	EnvAddr        = "BOLIGANALYSE_ADDR"
	EnvAuthToken   = "BOLIGANALYSE_AUTH_TOKEN"
	EnvLogLevel    = "BOLIGANALYSE_LOG_LEVEL"
)

// marshalYAML and writeFile are used by WriteDefault; tests may replace to force errors.
var (
	marshalYAML = yaml.Marshal
	writeFile   = os.WriteFile
	lookupEnv   = os.LookupEnv
)

// Default returns the built-in configuration.
func Default() *domain.Config {
	return &domain.Config{
		Server:   domain.ServerConfig{Addr: ":8080"},
		Database: domain.DatabaseConfig{URL: "file:boliganalyse.db"},
		Reasoning: domain.ReasoningConfig{
			Provider:    "anthropic",
			MaxTokens:   4096,
			Temperature: 0.5,
			MaxTurns:    10,
		},
		Retry: domain.RetryConfig{
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
		},
		Pipeline: domain.PipelineConfig{
			Budget:         5 * time.Minute,
			Grace:          time.Minute,
			Workers:        4,
			MaxInputTokens: 60000,
			TokenEncoding:  "cl100k_base",
			SweepSchedule:  "@every 1m",
		},
		Statbank: domain.StatbankConfig{
			BaseURL:           "https://api.statbank.dk/v1",
			Timeout:           30 * time.Second,
			DataTimeout:       60 * time.Second,
			RetryMax:          2,
			RequestsPerSecond: 4,
			DefaultLang:       "en",
		},
		Providers: domain.ProvidersConfig{
			FetchTimeout:  30 * time.Second,
			UserAgent:     "Mozilla/5.0 (compatible; boliganalyse/1.0)",
			RenderedHosts: []string{},
		},
		Log: domain.LogConfig{Level: "info", Format: "text"},
	}
}

// WriteDefault writes the default configuration to path. Parent directories are not created.
func WriteDefault(path string) error {
	data, err := marshalYAML(Default())
	if err != nil {
		return fmt.Errorf("config marshal: %w", err)
	}
	if err := writeFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config write: %w", err)
	}
	return nil
}

// Load reads path and decodes it over Default. Keys missing from the file keep
// their default values.
func Load(path string) (*domain.Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*domain.Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// LoadEnv loads KEY=VALUE pairs from the given .env files (".env" when none
// are named) into the process environment. Missing files are ignored and
// variables already set win.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config env %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with the BOLIGANALYSE_* variables that are set.
func ApplyEnv(cfg *domain.Config) {
	if cfg == nil {
		return
	}
	if v, ok := lookupEnv(EnvDatabaseURL); ok && v != "" {
		cfg.Database.URL = v
	}
	if v, ok := lookupEnv(EnvAddr); ok && v != "" {
		cfg.Server.Addr = v
	}
	if v, ok := lookupEnv(EnvAuthToken); ok {
		cfg.Server.AuthToken = v
	}
	if v, ok := lookupEnv(EnvLogLevel); ok && v != "" {
		cfg.Log.Level = v
	}
}

// SecretFromEnv returns the named secret from the environment.
func SecretFromEnv(name string) (string, error) {
	v, ok := lookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("secret %s is not set (export it or add it to .env)", name)
	}
	return v, nil
}

// Validate reports every invalid field at once.
func Validate(cfg *domain.Config) error {
	if cfg == nil {
		return errors.New("config: nil config")
	}
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("config: "+format, args...))
		}
	}

	check(cfg.Server.Addr != "", "server.addr must not be empty")
	check(cfg.Database.URL != "", "database.url must not be empty")

	switch cfg.Reasoning.Provider {
	case "", "anthropic", "openai":
	default:
		check(false, "reasoning.provider %q is not one of anthropic, openai", cfg.Reasoning.Provider)
	}
	check(cfg.Reasoning.MaxTokens > 0, "reasoning.max_tokens must be > 0")
	check(cfg.Reasoning.Temperature >= 0 && cfg.Reasoning.Temperature <= 2, "reasoning.temperature must be within [0, 2]")
	check(cfg.Reasoning.MaxTurns > 0, "reasoning.max_turns must be > 0")

	check(cfg.Retry.MaxRetries >= 0, "retry.max_retries must be >= 0")
	check(cfg.Retry.Multiplier == 0 || cfg.Retry.Multiplier >= 1, "retry.multiplier must be >= 1")
	check(cfg.Retry.MaxBackoff == 0 || cfg.Retry.MaxBackoff >= cfg.Retry.InitialBackoff,
		"retry.max_backoff must be >= retry.initial_backoff")

	check(cfg.Pipeline.Budget > 0, "pipeline.budget must be > 0")
	check(cfg.Pipeline.Grace >= 0, "pipeline.grace must be >= 0")
	check(cfg.Pipeline.Workers > 0, "pipeline.workers must be > 0")
	check(cfg.Pipeline.MaxInputTokens >= 0, "pipeline.max_input_tokens must be >= 0")

	switch cfg.Statbank.DefaultLang {
	case "", "da", "en":
	default:
		check(false, "statbank.default_lang %q is not one of da, en", cfg.Statbank.DefaultLang)
	}
	check(cfg.Statbank.RequestsPerSecond >= 0, "statbank.requests_per_second must be >= 0")

	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		check(false, "log.format %q is not one of text, json", cfg.Log.Format)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		check(false, "log.level %q is not one of debug, info, warn, error", cfg.Log.Level)
	}
	return errors.Join(errs...)
}
