package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gardenlens/backend/internal/db"
)

func newMigrateCmd(d *deps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema and queue migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := d.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.pool.Close()
			if err := db.Migrate(cmd.Context(), svc.pool, d.logger); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
