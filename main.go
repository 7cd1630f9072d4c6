package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"discourse/backend/internal/app"
	"discourse/backend/internal/config"
	"discourse/backend/internal/logger"
	"discourse/backend/internal/worker"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "discourse-jobs",
	Short:         "Background job runner for the forum backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfg != nil {
			return nil
		}
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.SetDefault(logger.New(os.Stderr, c.LogLevel))
		cfg = c
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), cfg, slog.Default())
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run only the worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := workerConfig(cfg)
		if err != nil {
			return err
		}
		return run(cmd.Context(), c, slog.Default())
	},
}

// workerConfig returns a copy of c that runs only the worker pool,
// validated with the pool enabled.
func workerConfig(c *config.Config) (*config.Config, error) {
	wc := *c
	wc.EnableAPI = false
	wc.EnableWorkers = true
	if err := wc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	return &wc, nil
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// run bootstraps dependencies and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.SetDefault(logger)

	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	// A nil *nsq.Producer must not reach the pool as a non-nil interface.
	var pub worker.EventPublisher
	if deps.NSQProducer != nil {
		pub = deps.NSQProducer
	}

	a, err := app.New(cfg, deps.DB, pub, deps.Redis)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// connect bootstraps dependencies for one-shot commands.
func connect(ctx context.Context) (*app.App, func(), error) {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(cfg, deps.DB, nil, deps.Redis)
	if err != nil {
		deps.Close()
		return nil, nil, err
	}
	return a, deps.Close, nil
}
