package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mwhitton/cadence/pkg/cadence/delivery"
	"github.com/mwhitton/cadence/pkg/cadence/storage"
)

// newQueueCmd creates the `cadence queue` command group for inspecting
// the retry queue and the dead-letter store.
func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the retry queue and dead letters",
	}
	cmd.AddCommand(
		newQueueListCmd(),
		newQueueDeadCmd(),
		newQueueClearCmd(),
	)
	return cmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List messages waiting for retry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(store *delivery.SQLiteQueueStore) error {
				queued, err := store.LoadAll()
				if err != nil {
					return err
				}
				if len(queued) == 0 {
					fmt.Println("Retry queue is empty.")
					return nil
				}
				fmt.Printf("%d message(s) queued:\n", len(queued))
				for _, qm := range queued {
					fmt.Printf("  %s  user=%s channel=%s attempts=%d next=%s\n",
						qm.ID, qm.Msg.UserID, qm.Msg.Channel,
						qm.Attempts, qm.NextRetryAt.Format("2006-01-02 15:04:05"))
					if qm.LastError != "" {
						fmt.Printf("      last error: %s\n", qm.LastError)
					}
				}
				return nil
			})
		},
	}
}

func newQueueDeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(store *delivery.SQLiteQueueStore) error {
				dead, err := store.DeadLetters()
				if err != nil {
					return err
				}
				if len(dead) == 0 {
					fmt.Println("No dead letters.")
					return nil
				}
				fmt.Printf("%d dead letter(s):\n", len(dead))
				for _, dl := range dead {
					fmt.Printf("  %s  user=%s channel=%s attempts=%d at=%s\n",
						dl.ID, dl.UserID, dl.Channel,
						dl.Attempts, dl.FailedAt.Format("2006-01-02 15:04:05"))
					fmt.Printf("      reason: %s\n", dl.Reason)
				}
				return nil
			})
		},
	}
}

func newQueueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop all messages waiting for retry",
		Long: `Drop all messages waiting for retry from the durable queue.

Run this while the daemon is stopped: a running daemon keeps its own
in-memory copy of the queue and may re-persist entries it still holds.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(cmd, func(store *delivery.SQLiteQueueStore) error {
				queued, err := store.LoadAll()
				if err != nil {
					return err
				}
				for _, qm := range queued {
					if err := store.Delete(qm.ID); err != nil {
						return err
					}
				}
				fmt.Printf("Cleared %d message(s).\n", len(queued))
				return nil
			})
		},
	}
}

// withQueue opens the database and hands the queue store to fn.
func withQueue(cmd *cobra.Command, fn func(*delivery.SQLiteQueueStore) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := storage.Open(filepath.Join(cfg.DataDir, "cadence.db"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	return fn(delivery.NewSQLiteQueueStore(db))
}
