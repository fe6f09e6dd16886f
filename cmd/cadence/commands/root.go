// Package commands implements the cadence CLI commands using cobra.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mwhitton/cadence/pkg/cadence/config"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cadence",
		Short: "Cadence - personal message delivery assistant",
		Long: `Cadence delivers scheduled messages and runs conversational
check-ins across your channels (Telegram, Discord, email), with retry,
dedup and a persistent conversation flow engine.

Examples:
  cadence serve
  cadence send --user alex --category motivational
  cadence queue list
  cadence status`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newQueueCmd(),
		newSendCmd(),
		newSecretCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig reads the config file named by the --config flag.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	return config.Load(path)
}

// newLogger builds the process logger honoring --verbose and the config
// log level.
func newLogger(cmd *cobra.Command, cfg config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch {
	case verbose, cfg.Logging.Level == "debug":
		level = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		level = slog.LevelWarn
	case cfg.Logging.Level == "error":
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
