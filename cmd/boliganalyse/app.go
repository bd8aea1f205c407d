package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"boliganalyse/internal/config"
	"boliganalyse/internal/db"
	"boliganalyse/internal/domain"
	"boliganalyse/internal/engine"
	"boliganalyse/internal/extract"
	"boliganalyse/internal/llm"
	"boliganalyse/internal/orchestrator"
	"boliganalyse/internal/provider"
	"boliganalyse/internal/queue"
	"boliganalyse/internal/repository"
	"boliganalyse/internal/retry"
	"boliganalyse/internal/statbank"
	"boliganalyse/internal/tokenizer"
	"boliganalyse/internal/tooling"
)

// newReasoningClient is replaced in tests so the wiring can be exercised
// without an API key.
var newReasoningClient = func(cfg *domain.Config) (domain.ReasoningClient, error) {
	return llm.NewClient(cfg.Reasoning, config.SecretFromEnv, retry.FromDomain(cfg.Retry))
}

// app holds the wired components of one process.
type app struct {
	cfg    *domain.Config
	logger *slog.Logger
	conn   *sqlx.DB
	store  *repository.Store
	runner *queue.Runner
	orch   *orchestrator.Orchestrator

	closers []func() error
}

// openStore connects to the database and migrates it.
func openStore(ctx context.Context, cfg *domain.Config, logger *slog.Logger) (*sqlx.DB, *repository.Store, error) {
	conn, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	store, err := repository.NewStore(ctx, conn, repository.WithLogger(logger))
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, store, nil
}

// newApp wires the full analysis stack.
func newApp(ctx context.Context, cfg *domain.Config, logger *slog.Logger) (*app, error) {
	conn, store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, conn: conn, store: store}
	a.closers = append(a.closers, conn.Close)

	client, err := newReasoningClient(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("reasoning client: %w", err)
	}

	stats := statbank.New(
		statbank.WithBaseURL(cfg.Statbank.BaseURL),
		statbank.WithLogger(logger),
		statbank.WithRetryMax(cfg.Statbank.RetryMax),
		statbank.WithRateLimit(cfg.Statbank.RequestsPerSecond),
		statbank.WithTimeouts(cfg.Statbank.Timeout, cfg.Statbank.DataTimeout),
	)
	tools := tooling.NewRegistry(tooling.WithLogger(logger))
	if err := tooling.RegisterStatbankTools(tools, stats, cfg.Statbank.DefaultLang); err != nil {
		a.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	eng := engine.New(client, tools,
		engine.WithLogger(logger),
		engine.WithMaxTurns(cfg.Reasoning.MaxTurns),
		engine.WithSampling(cfg.Reasoning.MaxTokens, cfg.Reasoning.Temperature),
	)

	fetcher := provider.NewHTTPFetcher(cfg.Providers.FetchTimeout, cfg.Providers.UserAgent, provider.WithHTTPLogger(logger))
	var rendered provider.Fetcher
	if len(cfg.Providers.RenderedHosts) > 0 {
		rod := provider.NewRodFetcher(logger)
		rendered = rod
		a.closers = append(a.closers, rod.Close)
	}
	providers := provider.NewDefaultRegistry(fetcher, rendered, cfg.Providers.RenderedHosts, provider.WithLogger(logger))
	logger.Debug("providers registered", "hosts", providers.Hosts(), "rendered_hosts", cfg.Providers.RenderedHosts)

	a.runner = queue.NewRunner(cfg.Pipeline.Workers, queue.WithLogger(logger))
	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithBudget(cfg.Pipeline.Budget),
		orchestrator.WithRunner(a.runner),
	}
	if cfg.Pipeline.MaxInputTokens > 0 {
		tk, err := tokenizer.NewTikToken(cfg.Pipeline.TokenEncoding)
		if err != nil {
			logger.Warn("token encoding unavailable, input will not be truncated",
				"encoding", cfg.Pipeline.TokenEncoding, "error", err)
		} else {
			opts = append(opts, orchestrator.WithTokenizer(tk, cfg.Pipeline.MaxInputTokens))
		}
	}
	a.orch = orchestrator.New(store, providers, extract.New(extract.WithLogger(logger)), eng, opts...)
	return a, nil
}

// Shutdown stops running pipelines, waiting at most until ctx is done, and
// then releases every resource.
func (a *app) Shutdown(ctx context.Context) error {
	var errs []error
	if a.runner != nil {
		if err := a.runner.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop runs: %w", err))
		}
	}
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
