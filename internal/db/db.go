package db

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrBusy is returned when a row needed by the operation is locked by a
// concurrent transaction and the NOWAIT lock attempt failed.
var ErrBusy = errors.New("resource busy, try again")

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("not found")

// TxBeginner abstracts transaction creation so services and tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Classify maps driver errors onto the package sentinels. Lock contention
// (SQLSTATE 55P03) becomes ErrBusy and pgx.ErrNoRows becomes ErrNotFound.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if IsLockNotAvailable(err) {
		return ErrBusy
	}
	return err
}

// IsLockNotAvailable reports whether err is a FOR UPDATE NOWAIT failure.
func IsLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.LockNotAvailable
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// InTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func InTx(ctx context.Context, b TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RetryPolicy bounds how often a unit of work is retried on ErrBusy.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a service is constructed without one.
var DefaultRetryPolicy = RetryPolicy{
	MaxTries:        5,
	InitialInterval: 20 * time.Millisecond,
	MaxInterval:     250 * time.Millisecond,
}

// RetryBusy runs op until it succeeds, fails with an error other than
// ErrBusy, or the policy's tries are exhausted. In the last case the
// returned error is ErrBusy.
func RetryBusy[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	if p.MaxTries == 0 {
		p = DefaultRetryPolicy
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, ErrBusy) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.MaxTries))
}
