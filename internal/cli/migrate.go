package cli

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"gitea.jw6.us/james/calsched/internal/store"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Apply pending database migrations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.RequireDB(); err != nil {
				return err
			}

			pool, err := pgxpool.New(cmd.Context(), cfg.DB.DSN)
			if err != nil {
				return fmt.Errorf("create db pool: %w", err)
			}
			defer pool.Close()

			applied, err := store.ApplyMigrations(cmd.Context(), pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
				return err
			}
			for _, name := range applied {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
