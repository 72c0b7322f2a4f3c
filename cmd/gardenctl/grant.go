package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gardenlens/backend/internal/ledger"
	"github.com/gardenlens/backend/internal/models"
)

type grantOptions struct {
	account string
	amount  int
	target  string
	kind    string
	key     string
}

func (o *grantOptions) request() (ledger.GrantRequest, error) {
	id, err := uuid.Parse(o.account)
	if err != nil {
		return ledger.GrantRequest{}, fmt.Errorf("--account must be a UUID: %w", err)
	}
	if o.amount <= 0 {
		return ledger.GrantRequest{}, fmt.Errorf("--amount must be greater than 0")
	}
	var target models.FundingSource
	switch o.target {
	case "token", "":
		target = models.FundingToken
	case "holiday":
		target = models.FundingHoliday
	case "trial":
		target = models.FundingTrial
	default:
		return ledger.GrantRequest{}, fmt.Errorf("--target must be token, holiday or trial")
	}
	kind := models.TransactionKind(o.kind)
	switch kind {
	case models.TransactionGrant, models.TransactionPurchase, models.TransactionAutoReload:
	default:
		return ledger.GrantRequest{}, fmt.Errorf("--kind must be grant, purchase or auto_reload")
	}
	key := o.key
	if key == "" {
		key = "manual:" + uuid.NewString()
	}
	return ledger.GrantRequest{AccountID: id, Amount: o.amount, Kind: kind, Target: target, IdempotencyKey: key}, nil
}

func newGrantCmd(d *deps) *cobra.Command {
	opts := &grantOptions{}
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Credit an account's token, holiday or trial balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := opts.request()
			if err != nil {
				return err
			}
			svc, err := d.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.pool.Close()

			res, err := svc.ledger.Grant(cmd.Context(), req)
			if err != nil {
				return err
			}
			note := ""
			if res.Replayed {
				note = " (already applied, nothing changed)"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s balance for %s is now %d%s\n", req.Target, req.AccountID, res.Balance, note)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.account, "account", "", "account id")
	cmd.Flags().IntVar(&opts.amount, "amount", 0, "units to credit")
	cmd.Flags().StringVar(&opts.target, "target", "token", "balance to credit: token, holiday or trial")
	cmd.Flags().StringVar(&opts.kind, "kind", string(models.TransactionGrant), "ledger entry kind: grant, purchase or auto_reload")
	cmd.Flags().StringVar(&opts.key, "idempotency-key", "", "reuse to make the grant safe to repeat")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}
