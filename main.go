package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailsync/config"
	"mailsync/internal/bootstrap"
	"mailsync/pkg/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

var (
	configPath string
	logLevel   string
)

func main() {
	// Load .env file if exists (for local development)
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "mailsync",
		Short:         "Gmail mailbox sync worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MAILSYNC_CONFIG"), "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(
		workerCmd(),
		migrateCmd(),
		backfillCmd(),
		syncCmd(),
		linkCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.WithError(err).Fatal("%s failed", commandName(rootCmd))
	}
}

// commandName returns the subcommand path from os.Args, e.g. "backfill start".
func commandName(root *cobra.Command) string {
	cmd, _, err := root.Find(os.Args[1:])
	if err != nil || cmd == root {
		return root.Name()
	}
	return cmd.CommandPath()
}

// loadConfig reads the config and initialises logging to out. Long-running
// commands log to stdout; one-shot CLI commands log to stderr so their JSON
// result stays alone on stdout.
func loadConfig(out io.Writer) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger.Init(logger.Config{
		Level:    logger.ParseLevel(level),
		Output:   out,
		Service:  "mailsync",
		WorkerID: cfg.Worker.ID,
	})
	return cfg, nil
}

// =============================================================================
// worker
// =============================================================================

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the sync queue and run the schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(os.Stdout)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, cleanup, err := bootstrap.NewWorker(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			done := make(chan error, 1)
			go func() { done <- w.Run(ctx) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
			}

			logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)
			select {
			case err := <-done:
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				logger.Info("Worker shut down gracefully")
				return nil
			case <-time.After(shutdownTimeout):
				logger.Warn("Worker shutdown timed out, forcing exit")
				os.Exit(1)
			}
			return nil
		},
	}
}

// =============================================================================
// migrate
// =============================================================================

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(os.Stdout)
			if err != nil {
				return err
			}
			return bootstrap.MigrateOnly(cmd.Context(), cfg)
		},
	}
}
