package main

import (
	"github.com/ruralpay/ledgercore/internal/database"
	"github.com/ruralpay/ledgercore/internal/services"
	"github.com/spf13/cobra"
)

// sweepCommand deletes idempotency records older than the retention window.
func sweepCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-idempotency",
		Short: "Delete expired idempotency records",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := a.log.WithField("component", "idempotency-sweep")

			db, err := database.Open(a.cfg.Database, log)
			if err != nil {
				return err
			}
			defer db.Close()

			store := services.NewIdempotencyStore(db, a.cfg.Idempotency.Retention, log)
			n, err := store.DeleteExpired(cmd.Context())
			if err != nil {
				return err
			}

			log.WithField("deleted", n).Info("idempotency sweep finished")
			return nil
		},
	}
}
