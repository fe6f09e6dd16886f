package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mwhitton/cadence/pkg/cadence/assistant"
)

// newServeCmd creates the `cadence serve` command that runs the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant daemon",
		Long: `Run Cadence as a daemon: connects the enabled channels, starts
the retry worker and the trigger scheduler, and processes inbound
messages until interrupted.

Examples:
  cadence serve
  cadence serve --config ./config.yaml -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cmd, cfg)

	a, err := assistant.New(cfg, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("building assistant: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received, stopping...")
		cancel()
	}()

	return a.Run(ctx)
}
