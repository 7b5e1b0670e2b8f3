package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentward/agentward/internal/adapter/inbound/admin"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate an argon2id hash for an admin API key",
	Long: `Generate an argon2id hash of an admin API key for use in config.

The output is a PHC-format string ($argon2id$...) which goes in the
admin.key_hashes list. The raw key is never stored by the gateway.

Example:
  agentward hash-key "my-admin-key"
  # Output: $argon2id$v=19$m=65536,t=1,p=...

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  agentward hash-key "$MY_ADMIN_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := admin.HashKey(args[0])
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
