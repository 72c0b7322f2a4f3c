package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AttemptRepo struct {
	pool *pgxpool.Pool
}

func NewAttemptRepo(pool *pgxpool.Pool) *AttemptRepo {
	return &AttemptRepo{pool: pool}
}

func (r *AttemptRepo) CountSinceTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM rate_limit_attempts WHERE account_id = $1 AND attempted_at > $2
	`, accountID, since).Scan(&n)
	return n, err
}

func (r *AttemptRepo) InsertTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, at time.Time) error {
	_, err := tx.Exec(ctx, `INSERT INTO rate_limit_attempts (account_id, attempted_at) VALUES ($1, $2)`, accountID, at)
	return err
}

// DeleteBefore prunes attempt markers older than cutoff and returns how many were removed.
func (r *AttemptRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM rate_limit_attempts WHERE attempted_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
