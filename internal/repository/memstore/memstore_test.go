package memstore

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/models"
)

func TestRowLockFailsFastForOtherTransactions(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := uuid.New()
	s.Accounts.Put(&models.Account{ID: id, TokenBalance: 5})

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	tx2, err := s.Begin(ctx)
	require.NoError(t, err)

	_, err = s.Accounts.GetForUpdateTx(ctx, tx1, id)
	require.NoError(t, err)
	_, err = s.Accounts.GetForUpdateTx(ctx, tx1, id)
	require.NoError(t, err, "re-locking within the same transaction")

	_, err = s.Accounts.GetForUpdateTx(ctx, tx2, id)
	assert.ErrorIs(t, err, db.ErrBusy)

	require.NoError(t, tx1.Commit(ctx))
	_, err = s.Accounts.GetForUpdateTx(ctx, tx2, id)
	assert.NoError(t, err)
	require.NoError(t, tx2.Rollback(ctx))
}

func TestRollbackUndoesWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := uuid.New()
	s.Accounts.Put(&models.Account{ID: id, TokenBalance: 5})

	err := db.InTx(ctx, s, func(tx pgx.Tx) error {
		acc, err := s.Accounts.GetForUpdateTx(ctx, tx, id)
		require.NoError(t, err)
		acc.TokenBalance = 1
		require.NoError(t, s.Accounts.SaveBalancesTx(ctx, tx, acc))
		require.NoError(t, s.Credits.CreateTx(ctx, tx, &models.Transaction{
			ID: uuid.New(), AccountID: id, Amount: -4, Kind: models.TransactionDeduction,
			FundingSource: models.FundingToken, BalanceAfter: 1,
		}))
		ok, err := s.Events.MarkProcessedTx(ctx, tx, "evt_1", "purchase_completed")
		require.NoError(t, err)
		require.True(t, ok)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	assert.Equal(t, 5, s.Accounts.Get(id).TokenBalance)
	assert.Empty(t, s.Credits.ByAccount(id))
	assert.False(t, s.Events.Processed("evt_1"))
}

func TestWritesRequireLockAndRespectChecks(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := uuid.New()
	s.Accounts.Put(&models.Account{ID: id, TokenBalance: 1})

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	err = s.Accounts.SaveBalancesTx(ctx, tx, &models.Account{ID: id, TokenBalance: 0})
	assert.Error(t, err, "write without holding the row lock")

	acc, err := s.Accounts.GetForUpdateTx(ctx, tx, id)
	require.NoError(t, err)
	acc.TokenBalance = -1
	assert.Error(t, s.Accounts.SaveBalancesTx(ctx, tx, acc))
	assert.Equal(t, 1, s.Accounts.Get(id).TokenBalance)
}

func TestDuplicateEventIsNotRecordedTwice(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i, want := range []bool{true, false} {
		err := db.InTx(ctx, s, func(tx pgx.Tx) error {
			ok, err := s.Events.MarkProcessedTx(ctx, tx, "evt_1", "purchase_completed")
			require.NoError(t, err)
			assert.Equal(t, want, ok, "delivery %d", i)
			return nil
		})
		require.NoError(t, err)
	}
}
