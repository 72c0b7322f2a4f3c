package memstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type attemptRow struct {
	accountID uuid.UUID
	at        time.Time
}

type AttemptStore struct {
	s *Store
}

func (a *AttemptStore) CountSinceTx(_ context.Context, tx pgx.Tx, accountID uuid.UUID, since time.Time) (int, error) {
	if _, err := a.s.txOf(tx); err != nil {
		return 0, err
	}
	defer a.s.mu.Unlock()
	n := 0
	for _, r := range a.s.attempts {
		if r.accountID == accountID && r.at.After(since) {
			n++
		}
	}
	return n, nil
}

func (a *AttemptStore) InsertTx(_ context.Context, tx pgx.Tx, accountID uuid.UUID, at time.Time) error {
	t, err := a.s.txOf(tx)
	if err != nil {
		return err
	}
	defer a.s.mu.Unlock()
	a.s.attempts = append(a.s.attempts, attemptRow{accountID: accountID, at: at})
	t.onRollback(func() {
		for i := len(a.s.attempts) - 1; i >= 0; i-- {
			if r := a.s.attempts[i]; r.accountID == accountID && r.at.Equal(at) {
				a.s.attempts = append(a.s.attempts[:i], a.s.attempts[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (a *AttemptStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	kept := a.s.attempts[:0]
	var n int64
	for _, r := range a.s.attempts {
		if r.at.After(cutoff) {
			kept = append(kept, r)
		} else {
			n++
		}
	}
	a.s.attempts = kept
	return n, nil
}

// Count returns the number of stored markers for the account.
func (a *AttemptStore) Count(accountID uuid.UUID) int {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	n := 0
	for _, r := range a.s.attempts {
		if r.accountID == accountID {
			n++
		}
	}
	return n
}
