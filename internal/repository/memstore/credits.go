package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/models"
)

var (
	errCheckViolation = &pgconn.PgError{Code: pgerrcode.CheckViolation, Message: "check constraint violated"}
	errUniqueKey      = &pgconn.PgError{Code: pgerrcode.UniqueViolation, Message: "duplicate idempotency_key"}
	errNotLocked      = &pgconn.PgError{Code: pgerrcode.InvalidTransactionState, Message: "row written without lock"}
)

type CreditStore struct {
	s *Store
}

func (c *CreditStore) CreateTx(_ context.Context, tx pgx.Tx, tr *models.Transaction) error {
	t, err := c.s.txOf(tx)
	if err != nil {
		return err
	}
	defer c.s.mu.Unlock()
	if tr.Amount == 0 || tr.BalanceAfter < 0 {
		return errCheckViolation
	}
	if tr.IdempotencyKey != nil {
		for _, e := range c.s.credits {
			if e.IdempotencyKey != nil && *e.IdempotencyKey == *tr.IdempotencyKey {
				return errUniqueKey
			}
		}
	}
	tr.CreatedAt = time.Now()
	cp := *tr
	row := &cp
	c.s.credits = append(c.s.credits, row)
	t.onRollback(func() {
		for i, e := range c.s.credits {
			if e == row {
				c.s.credits = append(c.s.credits[:i], c.s.credits[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (c *CreditStore) GetByIdempotencyKeyTx(_ context.Context, tx pgx.Tx, key string) (*models.Transaction, error) {
	if _, err := c.s.txOf(tx); err != nil {
		return nil, err
	}
	defer c.s.mu.Unlock()
	for _, e := range c.s.credits {
		if e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			cp := *e
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (c *CreditStore) ListByAccountID(_ context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	list := c.ByAccount(accountID)
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// ByAccount returns the account's entries in insertion order.
func (c *CreditStore) ByAccount(accountID uuid.UUID) []*models.Transaction {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var out []*models.Transaction
	for _, e := range c.s.credits {
		if e.AccountID == accountID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// ByKind returns every entry of the given kind in insertion order.
func (c *CreditStore) ByKind(kind models.TransactionKind) []*models.Transaction {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var out []*models.Transaction
	for _, e := range c.s.credits {
		if e.Kind == kind {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}
