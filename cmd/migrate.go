package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pageforge/pageforge/db"
	"github.com/pageforge/pageforge/internal/config"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Migrate brings the PostgreSQL schema up to date, including the pages
table and the draft-change notification trigger. Safe to run
repeatedly; already-applied migrations are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := db.Migrate(cfg.PostgresURL()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
