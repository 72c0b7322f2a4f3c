package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/models"
)

const accountColumns = `id, trial_remaining, trial_used, token_balance, holiday_credits,
	subscription_status, subscription_period_end, cancel_at_period_end, subscription_event_at,
	billing_customer_id, created_at, updated_at`

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.TrialRemaining, &a.TrialUsed, &a.TokenBalance, &a.HolidayCredits,
		&a.SubscriptionStatus, &a.SubscriptionPeriodEnd, &a.CancelAtPeriodEnd, &a.SubscriptionEventAt,
		&a.BillingCustomerID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, db.Classify(err)
	}
	return &a, nil
}

// EnsureTx creates the account with the given trial allowance unless it already
// exists. created reports whether this call inserted the row.
func (r *AccountRepo) EnsureTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, trialCredits int) (created bool, err error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO accounts (id, trial_remaining)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, trialCredits)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// GetForUpdateTx locks the account row with NOWAIT. A concurrent holder of the
// lock makes this fail immediately with db.ErrBusy instead of queueing.
func (r *AccountRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE NOWAIT`, id))
}

// LockTx takes the same NOWAIT row lock as GetForUpdateTx without reading the balances.
func (r *AccountRepo) LockTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var got uuid.UUID
	err := tx.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE NOWAIT`, id).Scan(&got)
	return db.Classify(err)
}

func (r *AccountRepo) GetByBillingCustomerTx(ctx context.Context, tx pgx.Tx, customerID string) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE billing_customer_id = $1`, customerID))
}

// SaveBalancesTx writes the metered columns. Call after GetForUpdateTx in the same tx.
func (r *AccountRepo) SaveBalancesTx(ctx context.Context, tx pgx.Tx, a *models.Account) error {
	err := tx.QueryRow(ctx, `
		UPDATE accounts
		SET trial_remaining = $2, trial_used = $3, token_balance = $4, holiday_credits = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, a.ID, a.TrialRemaining, a.TrialUsed, a.TokenBalance, a.HolidayCredits).Scan(&a.UpdatedAt)
	return db.Classify(err)
}

// SaveSubscriptionTx writes the subscription columns. Call after GetForUpdateTx in the same tx.
func (r *AccountRepo) SaveSubscriptionTx(ctx context.Context, tx pgx.Tx, a *models.Account) error {
	err := tx.QueryRow(ctx, `
		UPDATE accounts
		SET subscription_status = $2, subscription_period_end = $3, cancel_at_period_end = $4,
			subscription_event_at = $5, billing_customer_id = COALESCE($6, billing_customer_id), updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, a.ID, a.SubscriptionStatus, a.SubscriptionPeriodEnd, a.CancelAtPeriodEnd, a.SubscriptionEventAt,
		a.BillingCustomerID).Scan(&a.UpdatedAt)
	return db.Classify(err)
}
