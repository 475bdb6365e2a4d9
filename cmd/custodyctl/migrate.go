package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"key-custody-service/internal/domain"
	"key-custody-service/internal/infra"
)

// migrateCmd はマイグレーション管理コマンド。
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  "Manage database migrations for the key custody service",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateStatusCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Long:  "Apply all pending migrations to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, tp, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer infra.ShutdownTracer(ctx, tp)
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			source, location, err := migrationSource(cfg)
			if err != nil {
				return err
			}

			appliedCount, err := newMigrationService(db, source).ApplyMigrations(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if output == "json" {
				return writeJSON(out, map[string]interface{}{"applied": appliedCount, "source": location})
			}
			if appliedCount == 0 {
				fmt.Fprintln(out, "No pending migrations.")
			} else {
				fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", appliedCount)
			}
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long:  "Show the status of all migrations (applied/pending)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, tp, err := openDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer infra.ShutdownTracer(ctx, tp)
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}

			source, _, err := migrationSource(cfg)
			if err != nil {
				return err
			}

			migrations, err := newMigrationService(db, source).GetMigrationStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			if output == "json" {
				return writeJSON(out, migrations)
			}

			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			fmt.Fprintln(w, "-------\t----\t------\t----------")
			for _, migration := range migrations {
				appliedAt := "-"
				if migration.AppliedAt != nil {
					appliedAt = migration.AppliedAt.Format("2006-01-02 15:04:05")
				}
				status := "pending"
				if migration.Status == domain.MigrationStatusApplied {
					status = "applied"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", migration.Version, migration.Name, status, appliedAt)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			return nil
		},
	}
}
