package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/models"
)

const transactionColumns = `id, account_id, job_id, amount, kind, funding_source, balance_after, idempotency_key, created_at`

// CreditRepo stores the append-only credit ledger. There is deliberately no
// update or delete method.
type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var c models.Transaction
	err := row.Scan(&c.ID, &c.AccountID, &c.JobID, &c.Amount, &c.Kind, &c.FundingSource, &c.BalanceAfter,
		&c.IdempotencyKey, &c.CreatedAt)
	if err != nil {
		return nil, db.Classify(err)
	}
	return &c, nil
}

// CreateTx inserts a ledger entry inside the given transaction.
func (r *CreditRepo) CreateTx(ctx context.Context, tx pgx.Tx, c *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, account_id, job_id, amount, kind, funding_source, balance_after, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, c.ID, c.AccountID, c.JobID, c.Amount, c.Kind, c.FundingSource, c.BalanceAfter, c.IdempotencyKey).Scan(&c.CreatedAt)
}

func (r *CreditRepo) GetByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (*models.Transaction, error) {
	return scanTransaction(tx.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM credit_transactions WHERE idempotency_key = $1
	`, key))
}

func (r *CreditRepo) ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM credit_transactions WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		c, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}
