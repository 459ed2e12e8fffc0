package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/content-pipeline/internal/config"
	"github.com/jonathan/content-pipeline/internal/db"
	"github.com/jonathan/content-pipeline/internal/db/sqlite"
)

func cleanupCmd(c *cli) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete checkpoints older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("days") {
				days = c.cfg.RetentionDays
			}
			ctx := cmd.Context()
			st, err := c.openStores(ctx)
			if err != nil {
				return err
			}
			defer st.close()

			deleted, err := st.checkpoints.Cleanup(ctx, days)
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}
			c.logger.Info("cleanup complete", "retention_days", days, "deleted", deleted)
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d checkpoints older than %d days\n", deleted, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "retention window in days (defaults to retention_days)")
	return cmd
}

func migrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			var (
				applied []int64
				err     error
			)
			switch backend := c.cfg.Backend(); backend {
			case config.StoragePostgres:
				var database *db.DB
				database, err = db.Connect(ctx, c.cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("failed to connect to database: %w", err)
				}
				defer database.Close()
				applied, err = database.Migrate(ctx)
			case config.StorageSQLite:
				// Open migrates as part of connecting.
				var store *sqlite.Store
				store, err = sqlite.Open(ctx, c.cfg.SQLitePath)
				if err != nil {
					return err
				}
				defer store.Close()
				applied = store.Applied()
			default:
				fmt.Fprintf(out, "Storage backend %q has no schema\n", backend)
				return nil
			}
			if err != nil {
				return err
			}

			if len(applied) == 0 {
				fmt.Fprintln(out, "Schema is up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(out, "Applied migration %d\n", v)
			}
			return nil
		},
	}
}
