// Package commands holds the runner CLI. Every subcommand builds its own
// runtime so a cron job can invoke one batch and exit.
package commands

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"leadgen/internal/app"
	"leadgen/internal/config"
	"leadgen/internal/logger"
	"leadgen/internal/telemetry"
)

const (
	flagMemory  = "memory"
	flagEnvFile = "env-file"
	flagMetrics = "metrics"
	flagBatches = "batches"
)

var (
	useMemory    bool
	envFile      string
	serveMetrics bool
	cfg          config.Config

	// newRuntime is swapped in tests.
	newRuntime = func(ctx context.Context, c config.Config, memory bool) (*app.App, error) {
		return app.New(ctx, c, app.Options{Memory: memory})
	}
)

func init() {
	RootCmd.PersistentFlags().BoolVar(&useMemory, flagMemory, false, "Use a fresh in-memory store instead of Postgres; combine with --niche/--city to run a seeded campaign")
	RootCmd.PersistentFlags().StringVar(&envFile, flagEnvFile, ".env", "Dotenv file loaded before reading the environment")
	RootCmd.PersistentFlags().BoolVar(&serveMetrics, flagMetrics, false, "Serve Prometheus metrics on METRICS_ADDR while running")

	RootCmd.AddCommand(getRunCmd())
	RootCmd.AddCommand(getDrainCmd())
	RootCmd.AddCommand(getMigrateCmd())
}

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "leadgen-runner",
	Short: "Run queued discovery and audit jobs",
	Long: `leadgen-runner claims queued jobs, runs them and records the outcome.
Use "run" for a single batch, "drain" to keep going until the queue is empty.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		config.LoadDotEnv(envFile)
		logger.InitializeAndConfigure()
		cfg = config.Load()
		if serveMetrics {
			go func() {
				if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
					logger.Warnf("metrics server stopped: %v", err)
				}
			}()
		}
		return nil
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
