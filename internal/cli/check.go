// Package cli implements the diagnostics behind "boliganalyse check".
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"boliganalyse/internal/config"
)

// CheckOptions holds options for the check command.
type CheckOptions struct {
	ConfigPath string // defaults to config.DefaultPath
	Fix        bool   // write the default config when missing
	Online     bool   // also reach the statistics API and load the token encoding
}

// CheckResult is the outcome of one diagnostic.
type CheckResult struct {
	Section string
	Status  string // "pass", "warn" or "fail"
	Message string
}

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

// RunCheck runs every diagnostic, prints one line per result and returns the
// exit code: 0 when nothing failed, 1 otherwise.
func RunCheck(ctx context.Context, opts CheckOptions, stdout, stderr io.Writer) int {
	results, err := Check(ctx, opts)
	if err != nil {
		fmt.Fprintf(stderr, "  check: %v\n", err)
		return 1
	}
	failed := false
	for _, r := range results {
		fmt.Fprintf(stdout, "  [%s] %s %s\n", r.Section, r.Status, r.Message)
		failed = failed || r.Status == statusFail
	}
	fmt.Fprintln(stdout, "  Check complete.")
	if failed {
		return 1
	}
	return 0
}

// Check runs the diagnostics. The returned error is reserved for failures of
// the check itself, such as a --fix write that did not succeed.
func Check(ctx context.Context, opts CheckOptions) ([]CheckResult, error) {
	path := opts.ConfigPath
	if path == "" {
		path = config.DefaultPath
	}
	var out []CheckResult
	add := func(section, status, format string, args ...any) {
		out = append(out, CheckResult{Section: section, Status: status, Message: fmt.Sprintf(format, args...)})
	}

	// 1. Config
	cfg, err := configLoad(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && opts.Fix:
		if err := configWriteDefault(path); err != nil {
			return out, fmt.Errorf("write default config: %w", err)
		}
		add("Config", statusPass, "wrote default config to %s", path)
		cfg = config.Default()
	case errors.Is(err, os.ErrNotExist):
		add("Config", statusWarn, "no config at %s, using defaults (run with --fix to create it)", path)
		cfg = config.Default()
	case err != nil:
		add("Config", statusFail, "%v", err)
		return out, nil
	default:
		add("Config", statusPass, "loaded %s", path)
	}
	config.ApplyEnv(cfg)
	if err := config.Validate(cfg); err != nil {
		add("Config", statusFail, "%v", err)
		return out, nil
	}

	// 2. Gateway
	if cfg.Server.AuthToken == "" {
		add("Gateway", statusWarn, "addr=%s without auth token; set server.auth_token or %s", cfg.Server.Addr, config.EnvAuthToken)
	} else {
		add("Gateway", statusPass, "addr=%s with bearer auth", cfg.Server.Addr)
	}

	// 3. Database
	if err := openRepository(ctx, cfg.Database.URL); err != nil {
		add("Database", statusFail, "%v", err)
	} else {
		add("Database", statusPass, "connected and migrated")
	}

	// 4. Reasoning key
	name := secretNameFor(cfg.Reasoning.Provider)
	if _, err := lookupSecret(name); err != nil {
		add("Reasoning", statusFail, "%v", err)
	} else {
		add("Reasoning", statusPass, "%s is set", name)
	}

	if !opts.Online {
		return out, nil
	}

	// 5. Statistics API
	if err := statbankPing(ctx, cfg.Statbank); err != nil {
		add("Statbank", statusFail, "%s: %v", cfg.Statbank.BaseURL, err)
	} else {
		add("Statbank", statusPass, "%s reachable", cfg.Statbank.BaseURL)
	}

	// 6. Tokenizer
	if cfg.Pipeline.MaxInputTokens == 0 {
		add("Tokenizer", statusPass, "input truncation disabled")
	} else if err := loadEncoding(cfg.Pipeline.TokenEncoding); err != nil {
		add("Tokenizer", statusWarn, "encoding %q unavailable, input will not be truncated: %v", cfg.Pipeline.TokenEncoding, err)
	} else {
		add("Tokenizer", statusPass, "encoding %q loaded", cfg.Pipeline.TokenEncoding)
	}
	return out, nil
}

func secretNameFor(provider string) string {
	if provider == "openai" {
		return "OPENAI_API_KEY"
	}
	return "ANTHROPIC_API_KEY"
}
