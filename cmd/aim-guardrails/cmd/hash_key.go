package cmd

import (
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

// adminKeyParams follows the OWASP minimum for Argon2id.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1.
var adminKeyParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate an argon2id hash for the admin API key",
	Long: `Generate an argon2id hash of an API key for use in config.

The output is a PHC-format string for the auth.admin_key_hash field.

Example:
  aim-guardrails hash-key "my-secret-admin-key"
  # Output: $argon2id$v=19$m=48128,t=1,p=1$...

Security note: the key will appear in shell history. Consider clearing
history after use or passing an environment variable:
  aim-guardrails hash-key "$ADMIN_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := argon2id.CreateHash(args[0], adminKeyParams)
		if err != nil {
			return fmt.Errorf("failed to hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
