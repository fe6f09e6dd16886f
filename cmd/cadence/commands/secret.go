package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mwhitton/cadence/pkg/cadence/config"
)

// newSecretCmd creates the `cadence secret` command for storing channel
// tokens in the OS keyring; config then references them as
// `keyring:<name>`.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the OS keyring",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret (prompts for the value)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			fmt.Printf("Value for %q: ", name)
			raw, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("reading secret: %w", err)
			}
			value := strings.TrimSpace(string(raw))
			if value == "" {
				return fmt.Errorf("empty secret")
			}

			if err := config.StoreSecret(name, value); err != nil {
				return fmt.Errorf("storing secret: %w", err)
			}
			fmt.Printf("Stored. Reference it in config.yaml as keyring:%s\n", name)
			return nil
		},
	})
	return cmd
}
