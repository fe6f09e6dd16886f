package commands

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mwhitton/cadence/pkg/cadence/delivery"
	"github.com/mwhitton/cadence/pkg/cadence/storage"
)

// newStatusCmd creates the `cadence status` command: an offline summary
// of configuration and the durable queues.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and queue summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			fmt.Printf("Assistant: %s\n", cfg.Name)
			fmt.Printf("Data dir:  %s\n", cfg.DataDir)

			var enabled []string
			if cfg.Channels.Telegram.Enabled {
				enabled = append(enabled, "telegram")
			}
			if cfg.Channels.Discord.Enabled {
				enabled = append(enabled, "discord")
			}
			if cfg.Channels.Email.Enabled {
				enabled = append(enabled, "email")
			}
			fmt.Printf("Channels:  %v\n", enabled)

			users := make([]string, 0, len(cfg.Users))
			for id := range cfg.Users {
				users = append(users, id)
			}
			sort.Strings(users)
			fmt.Printf("Users:     %v\n", users)
			fmt.Printf("Flows:     %d configured\n", len(cfg.Flows))
			fmt.Printf("Triggers:  %d configured\n", len(cfg.Triggers))

			db, err := storage.Open(filepath.Join(cfg.DataDir, "cadence.db"))
			if err != nil {
				fmt.Printf("Database:  unavailable (%v)\n", err)
				return nil
			}
			defer db.Close()

			store := delivery.NewSQLiteQueueStore(db)
			queued, err := store.LoadAll()
			if err != nil {
				return err
			}
			dead, err := store.DeadLetters()
			if err != nil {
				return err
			}
			fmt.Printf("Queued:    %d message(s) waiting for retry\n", len(queued))
			fmt.Printf("Dead:      %d dead letter(s)\n", len(dead))
			return nil
		},
	}
}
