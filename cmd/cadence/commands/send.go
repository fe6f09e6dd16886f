package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mwhitton/cadence/pkg/cadence/assistant"
)

// newSendCmd creates the `cadence send` command for one-off deliveries.
func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message and exit",
		Long: `Send a single message to a user. With --body the text is sent
verbatim; without it the content library picks a non-repeating message
from the category.

Examples:
  cadence send --user alex --category motivational
  cadence send --user alex --body "Don't forget the dentist at 3pm"
  cadence send --user alex --body "ping" --channel telegram`,
		RunE: runSend,
	}

	cmd.Flags().String("user", "", "recipient user ID (required)")
	cmd.Flags().String("category", "manual", "content category")
	cmd.Flags().String("body", "", "message text (empty: pick from the category library)")
	cmd.Flags().String("channel", "", "pin delivery to one channel")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runSend(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cmd, cfg)

	user, _ := cmd.Flags().GetString("user")
	category, _ := cmd.Flags().GetString("category")
	body, _ := cmd.Flags().GetString("body")
	channel, _ := cmd.Flags().GetString("channel")

	a, err := assistant.New(cfg, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("building assistant: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	delivered, err := a.SendOnce(ctx, user, category, body, channel)
	if err != nil {
		return err
	}
	if delivered {
		fmt.Println("Delivered.")
	} else {
		fmt.Println("Channel unavailable; message queued for retry.")
	}
	return nil
}
