package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a trigger config file",
	Long: `Parse a trigger config file and compile every audience predicate.

Examples:
  paygatectl validate paywalls.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, snap, err := loadCore(cmd.Context(), cmd, args[0])
		if err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		defer c.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "ok: %d triggers, %d paywalls, etag %s\n",
			len(snap.Triggers), len(snap.Paywalls), snap.ETag)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
