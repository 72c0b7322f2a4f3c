// Package ratelimit bounds how many generation requests an account may start
// within a trailing window. Decisions are serialized per account through the
// account row lock, so the bound holds across server instances.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/metrics"
)

// AccountLocker takes the account row lock inside tx, failing fast with a
// lock-not-available error when another transaction holds it.
type AccountLocker interface {
	LockTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

type AttemptStore interface {
	CountSinceTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, since time.Time) (int, error)
	InsertTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, at time.Time) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Window time.Duration
	Max    int
	Retry  db.RetryPolicy
	Now    func() time.Time
}

type Limiter struct {
	pool     db.TxBeginner
	accounts AccountLocker
	attempts AttemptStore
	cfg      Config
	log      *slog.Logger
}

func NewLimiter(pool db.TxBeginner, accounts AccountLocker, attempts AttemptStore, cfg Config, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.Max <= 0 {
		cfg.Max = 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry = db.DefaultRetryPolicy
	}
	return &Limiter{pool: pool, accounts: accounts, attempts: attempts, cfg: cfg, log: log}
}

// Admit reports whether accountID may start another request now. An admitted
// request is recorded as an attempt marker in the same transaction that
// counted the existing ones.
func (l *Limiter) Admit(ctx context.Context, accountID uuid.UUID) (bool, error) {
	ok, err := db.RetryBusy(ctx, l.cfg.Retry, func() (bool, error) {
		var admitted bool
		err := db.InTx(ctx, l.pool, func(tx pgx.Tx) error {
			if err := l.accounts.LockTx(ctx, tx, accountID); err != nil {
				return db.Classify(err)
			}
			now := l.cfg.Now()
			n, err := l.attempts.CountSinceTx(ctx, tx, accountID, now.Add(-l.cfg.Window))
			if err != nil {
				return fmt.Errorf("count attempts: %w", err)
			}
			if n >= l.cfg.Max {
				return nil
			}
			if err := l.attempts.InsertTx(ctx, tx, accountID, now); err != nil {
				return fmt.Errorf("record attempt: %w", err)
			}
			admitted = true
			return nil
		})
		return admitted, err
	})
	switch {
	case err != nil:
		metrics.RateLimitDecisions.WithLabelValues("error").Inc()
		return false, err
	case ok:
		metrics.RateLimitDecisions.WithLabelValues("admitted").Inc()
	default:
		metrics.RateLimitDecisions.WithLabelValues("refused").Inc()
		l.log.Info("rate limit reached", "account_id", accountID, "max", l.cfg.Max, "window", l.cfg.Window)
	}
	return ok, nil
}

// Sweep deletes attempt markers that fell out of the window as of now.
func (l *Limiter) Sweep(ctx context.Context, now time.Time) (int64, error) {
	n, err := l.attempts.DeleteBefore(ctx, now.Add(-l.cfg.Window))
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	metrics.SweepRemoved.WithLabelValues("rate_limit").Add(float64(n))
	return n, nil
}
