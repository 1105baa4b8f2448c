// Package commands implements the paygatectl command tree.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rafaeljc/paygate/internal/core"
	"github.com/rafaeljc/paygate/internal/snapshot"
	"github.com/rafaeljc/paygate/internal/store"
)

var (
	// Global flags
	userID  string
	locale  string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "paygatectl",
	Short: "Offline tooling for paywall trigger configs",
	Long: `paygatectl checks and exercises a paywall trigger config file locally,
with in-memory stores and no network access.

Examples:
  paygatectl validate paywalls.yaml
  paygatectl evaluate paywalls.yaml --event campaign_trigger --param source=push
  paygatectl evaluate paywalls.yaml --event campaign_trigger --dry-run`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&userID, "user-id", "anonymous", "User id seeding variant choice")
	rootCmd.PersistentFlags().StringVar(&locale, "locale", "en-US", "Default paywall locale")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log core activity to stderr")
}

// loadCore reads the config at path and applies it to an in-memory core.
func loadCore(ctx context.Context, cmd *cobra.Command, path string) (*core.Core, *snapshot.Snapshot, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	}

	snap, err := snapshot.NewFileSource(logger, path).Fetch(ctx)
	if err != nil {
		return nil, nil, err
	}

	mem := store.NewMemory()
	c, err := core.New(ctx, logger, core.Stores{Occurrences: mem, Assignments: mem}, core.Options{
		UserID:        userID,
		DefaultLocale: locale,
	})
	if err != nil {
		return nil, nil, err
	}
	if _, err := c.Apply(ctx, snap); err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, snap, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
