// Command taskforge boots the Coordinator and every subsystem it owns,
// then blocks until interrupted. It is the ambient process entrypoint
// spec.md's Non-goals explicitly keep out of scope beyond this: no
// HTTP/RPC façade, no REPL, just the daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/taskforge/config"
)

// Build information (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var natsURL string

	rootCmd := &cobra.Command{
		Use:     "taskforge",
		Short:   "Sandboxed task execution engine",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), configPath, natsURL)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (default: embedded)")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func runDaemon(ctx context.Context, configPath, natsURL string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if natsURL != "" {
		cfg.NATS.URL = natsURL
		cfg.NATS.Embedded = false
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	app := NewApp(cfg, logger)
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start taskforge: %w", err)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Executor.WallTimeout+cfg.Queue.DefaultClaimLease)
	defer shutdownCancel()
	app.Shutdown(shutdownCtx)
	return nil
}
