package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/models"
)

type AccountStore struct {
	s *Store
}

// Put seeds or replaces an account outside of any transaction.
func (a *AccountStore) Put(acc *models.Account) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	cp := *acc
	if cp.SubscriptionStatus == "" {
		cp.SubscriptionStatus = models.SubscriptionInactive
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	a.s.accounts[cp.ID] = &cp
}

// Get returns a copy of the committed-or-pending row, or nil.
func (a *AccountStore) Get(id uuid.UUID) *models.Account {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	acc, ok := a.s.accounts[id]
	if !ok {
		return nil
	}
	cp := *acc
	return &cp
}

func (a *AccountStore) EnsureTx(_ context.Context, tx pgx.Tx, id uuid.UUID, trialCredits int) (bool, error) {
	t, err := a.s.txOf(tx)
	if err != nil {
		return false, err
	}
	defer a.s.mu.Unlock()
	if _, ok := a.s.accounts[id]; ok {
		return false, nil
	}
	now := time.Now()
	a.s.accounts[id] = &models.Account{
		ID:                 id,
		TrialRemaining:     trialCredits,
		SubscriptionStatus: models.SubscriptionInactive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	t.onRollback(func() { delete(a.s.accounts, id) })
	return true, nil
}

func (a *AccountStore) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	if acc := a.Get(id); acc != nil {
		return acc, nil
	}
	return nil, db.ErrNotFound
}

func (a *AccountStore) GetForUpdateTx(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	t, err := a.s.txOf(tx)
	if err != nil {
		return nil, err
	}
	defer a.s.mu.Unlock()
	acc, ok := a.s.accounts[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if err := t.lockLocked(TableAccounts, id.String()); err != nil {
		return nil, db.Classify(err)
	}
	cp := *acc
	return &cp, nil
}

func (a *AccountStore) LockTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := a.GetForUpdateTx(ctx, tx, id)
	return err
}

func (a *AccountStore) GetByBillingCustomerTx(_ context.Context, tx pgx.Tx, customerID string) (*models.Account, error) {
	if _, err := a.s.txOf(tx); err != nil {
		return nil, err
	}
	defer a.s.mu.Unlock()
	for _, acc := range a.s.accounts {
		if acc.BillingCustomerID != nil && *acc.BillingCustomerID == customerID {
			cp := *acc
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (a *AccountStore) SaveBalancesTx(_ context.Context, tx pgx.Tx, acc *models.Account) error {
	return a.update(tx, acc, func(row *models.Account) {
		row.TrialRemaining = acc.TrialRemaining
		row.TrialUsed = acc.TrialUsed
		row.TokenBalance = acc.TokenBalance
		row.HolidayCredits = acc.HolidayCredits
	})
}

func (a *AccountStore) SaveSubscriptionTx(_ context.Context, tx pgx.Tx, acc *models.Account) error {
	return a.update(tx, acc, func(row *models.Account) {
		row.SubscriptionStatus = acc.SubscriptionStatus
		row.SubscriptionPeriodEnd = acc.SubscriptionPeriodEnd
		row.CancelAtPeriodEnd = acc.CancelAtPeriodEnd
		row.SubscriptionEventAt = acc.SubscriptionEventAt
		if acc.BillingCustomerID != nil {
			row.BillingCustomerID = acc.BillingCustomerID
		}
	})
}

// update enforces the same invariants as the table CHECK constraints and
// requires the caller to hold the row lock.
func (a *AccountStore) update(tx pgx.Tx, acc *models.Account, apply func(row *models.Account)) error {
	t, err := a.s.txOf(tx)
	if err != nil {
		return err
	}
	defer a.s.mu.Unlock()
	row, ok := a.s.accounts[acc.ID]
	if !ok {
		return db.ErrNotFound
	}
	if a.s.locks[TableAccounts+":"+acc.ID.String()] != t {
		return errNotLocked
	}
	prev := *row
	apply(row)
	if row.TrialRemaining < 0 || row.TrialUsed < 0 || row.TokenBalance < 0 || row.HolidayCredits < 0 {
		*row = prev
		return errCheckViolation
	}
	row.UpdatedAt = time.Now()
	acc.UpdatedAt = row.UpdatedAt
	t.onRollback(func() { *row = prev })
	return nil
}
