package main

import (
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/ruralpay/ledgercore/internal/database"
	"github.com/spf13/cobra"
)

func migrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations(a, migrate.Up)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations(a, migrate.Down)
		},
	})
	return cmd
}

func runMigrations(a *app, direction migrate.MigrationDirection) error {
	log := a.log.WithField("component", "migrate")

	db, err := database.Open(a.cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := database.Migrate(db, direction)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.WithField("count", n).Info("migrations applied")
	return nil
}
