package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSweepCmd(d *deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a supervising sweep once",
	}
	run := func(name string, fn func(cmd *cobra.Command, svc *services) (int64, error)) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: "Run the " + name + " sweep",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				svc, err := d.connect(cmd.Context())
				if err != nil {
					return err
				}
				defer svc.pool.Close()
				n, err := fn(cmd, svc)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d affected\n", name, n)
				return err
			},
		}
	}
	cmd.AddCommand(
		run("timeouts", func(cmd *cobra.Command, svc *services) (int64, error) {
			n, err := svc.generation.SweepTimedOut(cmd.Context())
			return int64(n), err
		}),
		run("refunds", func(cmd *cobra.Command, svc *services) (int64, error) {
			n, err := svc.generation.ReconcileRefunds(cmd.Context())
			return int64(n), err
		}),
		run("ratelimits", func(cmd *cobra.Command, svc *services) (int64, error) {
			return svc.limiter.Sweep(cmd.Context(), time.Now())
		}),
	)
	return cmd
}
