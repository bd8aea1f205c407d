package domain

import "time"

// Config is the full application configuration (boliganalyse.yaml).
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Retry     RetryConfig     `yaml:"retry"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Statbank  StatbankConfig  `yaml:"statbank"`
	Providers ProvidersConfig `yaml:"providers"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token,omitempty"`
}

type DatabaseConfig struct {
	// URL selects the driver: file:/path or a bare path uses SQLite,
	// libsql:// uses libSQL, postgres:// uses pgx.
	URL string `yaml:"url"`
}

type ReasoningConfig struct {
	Provider    string  `yaml:"provider"` // "anthropic" or "openai"
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	MaxTurns    int     `yaml:"max_turns"`
}

type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

type PipelineConfig struct {
	Budget         time.Duration `yaml:"budget"`
	Grace          time.Duration `yaml:"grace"`
	Workers        int           `yaml:"workers"`
	MaxInputTokens int           `yaml:"max_input_tokens"`
	TokenEncoding  string        `yaml:"token_encoding"`
	SweepSchedule  string        `yaml:"sweep_schedule"`
}

type StatbankConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	DataTimeout       time.Duration `yaml:"data_timeout"`
	RetryMax          int           `yaml:"retry_max"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	DefaultLang       string        `yaml:"default_lang"`
}

type ProvidersConfig struct {
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	UserAgent     string        `yaml:"user_agent"`
	RenderedHosts []string      `yaml:"rendered_hosts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
