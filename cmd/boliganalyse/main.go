package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"boliganalyse/internal/cli"
	"boliganalyse/internal/config"
	"boliganalyse/internal/domain"
)

// version is set at build time via ldflags, e.g.:
//
//	go build -ldflags "-X main.version=1.2.0" -o boliganalyse ./cmd/boliganalyse
var version string

// exitFunc is the function used by main to exit; tests can replace it to cover main().
var exitFunc = os.Exit

func main() {
	exitFunc(runApp(os.Args, os.Stdout, os.Stderr))
}

// buildMeta holds version and build metadata.
type buildMeta struct {
	Version string
	GoOS    string
	GoArch  string
}

func newBuildMeta(v string) buildMeta {
	if v == "" {
		v = "dev"
	}
	return buildMeta{Version: v, GoOS: runtime.GOOS, GoArch: runtime.GOARCH}
}

func (m buildMeta) String() string {
	return fmt.Sprintf("boliganalyse %s %s/%s", m.Version, m.GoOS, m.GoArch)
}

// exitCodeErr carries an exit code for the process. When returned from a
// command, runApp exits with that code without printing it.
type exitCodeErr int

func (e exitCodeErr) Error() string { return fmt.Sprintf("exit %d", int(e)) }
func (e exitCodeErr) ExitCode() int { return int(e) }

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
}

func newRootCommand(bm buildMeta) *cobra.Command {
	var gf globalFlags
	root := &cobra.Command{
		Use:           "boliganalyse",
		Short:         "Analyze Danish property listings",
		Long:          "boliganalyse fetches Danish property listings, reads them and produces a buyer-oriented analysis.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), bm.String())
				return nil
			}
			return cmd.Help()
		},
	}
	root.Flags().BoolP("version", "V", false, "print version and build metadata")
	root.PersistentFlags().StringVarP(&gf.configPath, "config", "c", config.DefaultPath, "path to the YAML config file")
	root.PersistentFlags().StringVar(&gf.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check config, database and API keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadEnv(gf.envFile); err != nil {
				return err
			}
			fix, _ := cmd.Flags().GetBool("fix")
			online, _ := cmd.Flags().GetBool("online")
			code := cli.RunCheck(cmd.Context(), cli.CheckOptions{ConfigPath: gf.configPath, Fix: fix, Online: online},
				cmd.OutOrStdout(), cmd.ErrOrStderr())
			if code != 0 {
				return exitCodeErr(code)
			}
			return nil
		},
	}
	checkCmd.Flags().Bool("fix", false, "write the default config if missing")
	checkCmd.Flags().Bool("online", false, "also reach the statistics API and load the token encoding")

	root.AddCommand(checkCmd, newServeCommand(&gf), newAnalyzeCommand(&gf), newStatusCommand(&gf))
	return root
}

// loadConfig reads .env, the config file and the environment overrides, then
// validates the result.
func loadConfig(gf *globalFlags) (*domain.Config, error) {
	if err := config.LoadEnv(gf.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(gf.configPath)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from the log section.
func newLogger(lc domain.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// runApp runs the root command with the given args and returns the exit code.
func runApp(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	root := newRootCommand(newBuildMeta(version))
	root.SetArgs(args[1:])
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		var ec interface{ ExitCode() int }
		if errors.As(err, &ec) {
			return ec.ExitCode()
		}
		fmt.Fprintln(stderr, "Error:", err)
		return 1
	}
	return 0
}
