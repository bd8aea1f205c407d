package llm

import (
	"fmt"
	"strings"
	"time"

	"boliganalyse/internal/domain"
	"boliganalyse/internal/retry"
)

const (
	// defaultCooldownDuration is the time a rate-limited key stays in cooldown.
	defaultCooldownDuration = 60 * time.Second
	defaultMaxTokens        = 4096
	DefaultAnthropicModel   = "claude-3-5-sonnet-20240620"
	DefaultOpenAIModel      = "gpt-4o"
)

// SecretGetter returns a secret by name (e.g. "ANTHROPIC_API_KEY").
type SecretGetter func(name string) (string, error)

// NewClient returns the ReasoningClient for cfg wrapped with retry on
// transient failures. Provider may be "anthropic" (default) or "openai".
func NewClient(cfg domain.ReasoningConfig, getSecret SecretGetter, retryCfg retry.Config) (domain.ReasoningClient, error) {
	base, err := newBaseClient(cfg, getSecret)
	if err != nil {
		return nil, err
	}
	return retry.NewClient(base, retryCfg), nil
}

func newBaseClient(cfg domain.ReasoningConfig, getSecret SecretGetter) (domain.ReasoningClient, error) {
	switch cfg.Provider {
	case "", "anthropic":
		model := orDefault(cfg.Model, DefaultAnthropicModel)
		return resolveKeyedClient("anthropic", "ANTHROPIC_API_KEY", getSecret, func(key string) domain.ReasoningClient {
			c := NewAnthropicClient(key, model)
			if cfg.BaseURL != "" {
				c.baseURL = cfg.BaseURL
			}
			return c
		})
	case "openai":
		model := orDefault(cfg.Model, DefaultOpenAIModel)
		return resolveKeyedClient("openai", "OPENAI_API_KEY", getSecret, func(key string) domain.ReasoningClient {
			c := NewOpenAIClient(key, model)
			if cfg.BaseURL != "" {
				c.baseURL = cfg.BaseURL
			}
			return c
		})
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q (use: anthropic, openai)", cfg.Provider)
	}
}

// splitKeys splits a raw secret value by commas, trims whitespace, and filters empty entries.
func splitKeys(raw string) []string {
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}

// resolveKeyedClient builds a single client for one key or a KeyPoolClient for several.
func resolveKeyedClient(providerName, secretName string, getSecret SecretGetter, makeClient func(key string) domain.ReasoningClient) (domain.ReasoningClient, error) {
	raw, err := getSecret(secretName)
	if err != nil {
		return nil, err
	}
	keys := splitKeys(raw)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s client: API key not set (export %s or add it to .env)", providerName, secretName)
	}
	if len(keys) == 1 {
		return makeClient(keys[0]), nil
	}
	pool, err := NewKeyPool(keys, defaultCooldownDuration)
	if err != nil {
		return nil, fmt.Errorf("%s key pool: %w", providerName, err)
	}
	clients := make([]domain.ReasoningClient, len(keys))
	for i, k := range keys {
		clients[i] = makeClient(k)
	}
	return NewKeyPoolClient(pool, clients)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
