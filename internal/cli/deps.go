package cli

import (
	"context"
	"os"

	"boliganalyse/internal/config"
	"boliganalyse/internal/db"
	"boliganalyse/internal/domain"
	"boliganalyse/internal/repository"
	"boliganalyse/internal/statbank"
	"boliganalyse/internal/tokenizer"
)

// Function variables for dependency injection in tests.
// Default values are the real implementations; tests may temporarily swap them.
var (
	osStat             = os.Stat
	configLoad         = config.Load
	configWriteDefault = config.WriteDefault
	lookupSecret       = config.SecretFromEnv
	openRepository     = openAndMigrate
	statbankPing       = pingStatbank
	loadEncoding       = func(name string) error {
		_, err := tokenizer.NewTikToken(name)
		return err
	}
)

func openAndMigrate(ctx context.Context, dbURL string) error {
	conn, err := db.Connect(ctx, dbURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = repository.NewStore(ctx, conn)
	return err
}

func pingStatbank(ctx context.Context, cfg domain.StatbankConfig) error {
	c := statbank.New(
		statbank.WithBaseURL(cfg.BaseURL),
		statbank.WithTimeouts(cfg.Timeout, cfg.DataTimeout),
		statbank.WithRetryMax(0),
	)
	_, err := c.Subjects(ctx, statbank.SubjectsRequest{Lang: cfg.DefaultLang})
	return err
}
