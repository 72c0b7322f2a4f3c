package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/models"
)

// EnsureAccount returns the account, creating it with the configured trial
// allowance on first sight. The trial allowance is recorded as a grant.
func (s *Service) EnsureAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	acc, err := s.accounts.GetByID(ctx, id)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	_, err = db.RetryBusy(ctx, s.retry, func() (struct{}, error) {
		return struct{}{}, db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
			created, err := s.accounts.EnsureTx(ctx, tx, id, s.trialCredits)
			if err != nil {
				return fmt.Errorf("create account: %w", err)
			}
			if !created || s.trialCredits <= 0 {
				return nil
			}
			acc, err := s.accounts.GetForUpdateTx(ctx, tx, id)
			if err != nil {
				return err
			}
			return s.credits.CreateTx(ctx, tx, &models.Transaction{
				ID:             uuid.New(),
				AccountID:      id,
				Amount:         s.trialCredits,
				Kind:           models.TransactionGrant,
				FundingSource:  models.FundingTrial,
				BalanceAfter:   acc.TrialRemaining,
				IdempotencyKey: idempotencyKey("trial", id.String()),
			})
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("account created", "account_id", id, "trial_credits", s.trialCredits)
	return s.accounts.GetByID(ctx, id)
}

// Account is a plain read. It never caches; balances are always re-read.
func (s *Service) Account(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return s.accounts.GetByID(ctx, id)
}

// History returns the account's most recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, id uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.credits.ListByAccountID(ctx, id, limit)
}

// SubscriptionChange is a subscription state transition reported by the
// billing processor. The account is identified by AccountID or, failing
// that, by CustomerID.
type SubscriptionChange struct {
	AccountID         uuid.UUID
	CustomerID        string
	Status            models.SubscriptionStatus
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
	// OccurredAt orders changes. Changes older than the last applied one are
	// rejected with ErrStaleEvent.
	OccurredAt time.Time
}

// ApplySubscriptionTx updates subscription state inside the caller's
// transaction. A cancellation flagged for period end keeps the subscription
// active until the current period runs out.
func (s *Service) ApplySubscriptionTx(ctx context.Context, tx pgx.Tx, c SubscriptionChange) (*models.Account, error) {
	id := c.AccountID
	if id == uuid.Nil {
		if c.CustomerID == "" {
			return nil, fmt.Errorf("subscription change without account: %w", db.ErrNotFound)
		}
		acc, err := s.accounts.GetByBillingCustomerTx(ctx, tx, c.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("resolve customer %s: %w", c.CustomerID, err)
		}
		id = acc.ID
	}
	acc, err := s.accounts.GetForUpdateTx(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	if acc.SubscriptionEventAt != nil && !c.OccurredAt.IsZero() && c.OccurredAt.Before(*acc.SubscriptionEventAt) {
		return nil, ErrStaleEvent
	}

	status := c.Status
	if c.PeriodEnd != nil {
		acc.SubscriptionPeriodEnd = c.PeriodEnd
	}
	if status == models.SubscriptionCancelled && c.CancelAtPeriodEnd &&
		acc.SubscriptionPeriodEnd != nil && s.now().Before(*acc.SubscriptionPeriodEnd) &&
		acc.SubscriptionStatus == models.SubscriptionActive {
		status = models.SubscriptionActive
	}
	acc.SubscriptionStatus = status
	acc.CancelAtPeriodEnd = c.CancelAtPeriodEnd
	if c.CustomerID != "" {
		customer := c.CustomerID
		acc.BillingCustomerID = &customer
	}
	if !c.OccurredAt.IsZero() {
		at := c.OccurredAt
		acc.SubscriptionEventAt = &at
	}
	if err := s.accounts.SaveSubscriptionTx(ctx, tx, acc); err != nil {
		return nil, fmt.Errorf("save subscription: %w", err)
	}
	s.log.Info("subscription updated", "account_id", acc.ID, "status", acc.SubscriptionStatus,
		"cancel_at_period_end", acc.CancelAtPeriodEnd)
	return acc, nil
}
