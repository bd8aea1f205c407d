package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"boliganalyse/internal/domain"
	"boliganalyse/internal/orchestrator"
)

// pipeline is what the analyze command drives.
type pipeline interface {
	StartAnalysis(ctx context.Context, rawURL string) (*domain.ListingRecord, error)
	RunPipeline(ctx context.Context, id string) error
	GetStatus(ctx context.Context, id string) (*orchestrator.StatusView, error)
}

func newAnalyzeCommand(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <url>...",
		Short: "Analyze one or more listings and print the results as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
				defer cancel()
				_ = a.Shutdown(ctx)
			}()
			return analyzeAll(cmd.Context(), a.orch, args, cfg.Pipeline.Workers, cmd.OutOrStdout())
		},
	}
}

// analyzeAll runs every URL to a terminal status, at most limit at a time,
// and prints the views in argument order. It returns exitCodeErr(1) when any
// listing did not complete.
func analyzeAll(ctx context.Context, p pipeline, urls []string, limit int, out io.Writer) error {
	views := make([]any, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for i, u := range urls {
		g.Go(func() error {
			v, err := analyzeOne(gctx, p, u)
			if err != nil {
				views[i] = map[string]string{"url": u, "error": err.Error()}
				return nil
			}
			views[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(views); err != nil {
		return err
	}
	for _, v := range views {
		if sv, ok := v.(*orchestrator.StatusView); !ok || sv.Status != domain.StatusCompleted {
			return exitCodeErr(1)
		}
	}
	return nil
}

func analyzeOne(ctx context.Context, p pipeline, rawURL string) (*orchestrator.StatusView, error) {
	rec, err := p.StartAnalysis(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	owned := false
	if rec.Status == domain.StatusPending {
		err := p.RunPipeline(ctx, rec.ID)
		var f *orchestrator.Failure
		switch {
		case err == nil, errors.As(err, &f):
			owned = true
		case !errors.Is(err, orchestrator.ErrNotRunnable):
			return nil, fmt.Errorf("run %s: %w", rec.ID, err)
		}
	}
	// A run owned elsewhere is followed until it finishes.
	for {
		v, err := p.GetStatus(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		if owned || v.Status.IsTerminal() {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, nil
		case <-time.After(time.Second):
		}
	}
}
