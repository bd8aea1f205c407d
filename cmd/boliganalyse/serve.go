package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"boliganalyse/internal/gateway"
	"boliganalyse/internal/scheduler"
)

// shutdownTimeout bounds how long serve waits for running pipelines to stop.
const shutdownTimeout = 15 * time.Second

func newServeCommand(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the pipeline runner and the stale-run sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(gf)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}

			sweeper := scheduler.NewSweeper(a.store, cfg.Pipeline.Budget, cfg.Pipeline.Grace, scheduler.WithSweeperLogger(logger))
			if n, err := sweeper.Sweep(ctx); err != nil {
				logger.Warn("startup sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("startup sweep timed out stale listings", "count", n)
			}
			sched := scheduler.NewScheduler(scheduler.NewRobfigCronEngine(), scheduler.WithLogger(logger))
			if err := sched.AddJob(sweeper.Job(cfg.Pipeline.SweepSchedule)); err != nil {
				a.Close()
				return err
			}
			sched.Start()

			srv := gateway.NewServer(cfg.Server, a.orch, gateway.WithLogger(logger))
			runErr := srv.Run(ctx.Done())

			logger.Info("shutting down")
			sched.Stop()
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := a.Shutdown(stopCtx); err != nil {
				logger.Warn("shutdown incomplete", "error", err)
			}
			return runErr
		},
	}
	cmd.Flags().String("addr", "", "listen address, overriding server.addr")
	return cmd
}
