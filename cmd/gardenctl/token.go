package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gardenlens/backend/internal/auth"
)

func newTokenCmd(d *deps) *cobra.Command {
	var (
		account string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for an account (testing and support)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := uuid.Parse(account)
			if err != nil {
				return fmt.Errorf("--account must be a UUID: %w", err)
			}
			cfg, err := d.loadConfig()
			if err != nil {
				return err
			}
			tok, err := auth.NewService(cfg.JWTSecret).IssueToken(id, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account id")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
