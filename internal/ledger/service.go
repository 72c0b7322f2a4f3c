// Package ledger decides which funding source pays for generation work and
// applies every balance mutation together with its credit_transactions row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/metrics"
	"github.com/gardenlens/backend/internal/models"
)

type AccountStore interface {
	EnsureTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, trialCredits int) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	GetByBillingCustomerTx(ctx context.Context, tx pgx.Tx, customerID string) (*models.Account, error)
	SaveBalancesTx(ctx context.Context, tx pgx.Tx, a *models.Account) error
	SaveSubscriptionTx(ctx context.Context, tx pgx.Tx, a *models.Account) error
}

type TransactionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	GetByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (*models.Transaction, error)
	ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error)
}

// JobStore is the slice of the generation store Refund needs.
type JobStore interface {
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.GenerationJob, error)
	MarkRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

type Config struct {
	// TrialCredits is granted once when an account is first created.
	TrialCredits int
	Retry        db.RetryPolicy
	Now          func() time.Time
}

type Service struct {
	pool         db.TxBeginner
	accounts     AccountStore
	credits      TransactionStore
	jobs         JobStore
	trialCredits int
	retry        db.RetryPolicy
	now          func() time.Time
	log          *slog.Logger
}

func NewService(pool db.TxBeginner, accounts AccountStore, credits TransactionStore, jobs JobStore, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry = db.DefaultRetryPolicy
	}
	return &Service{
		pool:         pool,
		accounts:     accounts,
		credits:      credits,
		jobs:         jobs,
		trialCredits: cfg.TrialCredits,
		retry:        cfg.Retry,
		now:          cfg.Now,
		log:          log,
	}
}

type ChargeRequest struct {
	AccountID uuid.UUID
	Units     int
	Purpose   models.JobKind
	// JobID links the deduction to the job it pays for. Optional.
	JobID *uuid.UUID
}

type ChargeResult struct {
	FundingSource models.FundingSource `json:"funding_source"`
	Balances      models.Balances      `json:"balances"`
	TransactionID uuid.UUID            `json:"transaction_id"`
}

// Charge deducts req.Units from the first funding source able to cover them in
// full. Lock contention is retried under the service's policy before ErrBusy
// is returned.
func (s *Service) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	res, err := db.RetryBusy(ctx, s.retry, func() (*ChargeResult, error) {
		var res *ChargeResult
		err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
			var err error
			res, err = s.ChargeTx(ctx, tx, req)
			return err
		})
		return res, err
	})
	if err != nil {
		s.countCharge(err)
		return nil, err
	}
	metrics.LedgerCharges.WithLabelValues(string(res.FundingSource)).Inc()
	return res, nil
}

// ChargeTx is Charge inside the caller's transaction. It does not retry; a
// held account lock surfaces as ErrBusy and the caller must roll back.
func (s *Service) ChargeTx(ctx context.Context, tx pgx.Tx, req ChargeRequest) (*ChargeResult, error) {
	if req.Units <= 0 {
		return nil, ErrInvalidAmount
	}
	acc, err := s.accounts.GetForUpdateTx(ctx, tx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}

	strategy := selectFunding(fundingOrder(req.Purpose), acc, req.Units, s.now())
	if strategy == nil {
		return nil, ErrInsufficientEntitlement
	}
	src := strategy.Source()
	strategy.Apply(acc, req.Units)
	if src != models.FundingSubscription {
		if err := s.accounts.SaveBalancesTx(ctx, tx, acc); err != nil {
			return nil, fmt.Errorf("save balances: %w", err)
		}
	}

	entry := &models.Transaction{
		ID:            uuid.New(),
		AccountID:     acc.ID,
		JobID:         req.JobID,
		Amount:        -req.Units,
		Kind:          models.TransactionDeduction,
		FundingSource: src,
		BalanceAfter:  acc.Balance(src),
	}
	if req.JobID != nil {
		entry.IdempotencyKey = idempotencyKey("charge", req.JobID.String())
	}
	if err := s.credits.CreateTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("append deduction: %w", err)
	}
	return &ChargeResult{FundingSource: src, Balances: acc.Balances(), TransactionID: entry.ID}, nil
}

func (s *Service) countCharge(err error) {
	switch {
	case errors.Is(err, ErrInsufficientEntitlement):
		metrics.LedgerCharges.WithLabelValues("insufficient").Inc()
	case errors.Is(err, ErrBusy):
		metrics.LedgerCharges.WithLabelValues("busy").Inc()
	default:
		metrics.LedgerCharges.WithLabelValues("error").Inc()
	}
}

type RefundResult struct {
	FundingSource models.FundingSource `json:"funding_source"`
	Units         int                  `json:"units"`
	Balances      models.Balances      `json:"balances"`
}

// Refund gives a failed job's charge back to its funding source, once. It
// locks the job row and then the owner's account row.
func (s *Service) Refund(ctx context.Context, jobID uuid.UUID) (*RefundResult, error) {
	res, err := db.RetryBusy(ctx, s.retry, func() (*RefundResult, error) {
		var res *RefundResult
		err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
			job, err := s.jobs.GetForUpdateTx(ctx, tx, jobID)
			if err != nil {
				return fmt.Errorf("lock job: %w", err)
			}
			res, err = s.RefundTx(ctx, tx, job)
			return err
		})
		return res, err
	})
	s.countRefund(err)
	return res, err
}

// RefundTx refunds job inside the caller's transaction. The caller must hold
// the job row lock, normally by having loaded job with GetForUpdateTx.
// On success job.Refunded is set.
func (s *Service) RefundTx(ctx context.Context, tx pgx.Tx, job *models.GenerationJob) (*RefundResult, error) {
	if job.Refunded {
		return nil, ErrAlreadyRefunded
	}
	if !job.FundingSource.Refundable() || !job.HasFailedArea() {
		return nil, ErrNotRefundable
	}
	acc, err := s.accounts.GetForUpdateTx(ctx, tx, job.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	restore(acc, job.FundingSource, job.UnitsCharged)
	if err := s.accounts.SaveBalancesTx(ctx, tx, acc); err != nil {
		return nil, fmt.Errorf("save balances: %w", err)
	}
	jobID := job.ID
	entry := &models.Transaction{
		ID:             uuid.New(),
		AccountID:      acc.ID,
		JobID:          &jobID,
		Amount:         job.UnitsCharged,
		Kind:           models.TransactionRefund,
		FundingSource:  job.FundingSource,
		BalanceAfter:   acc.Balance(job.FundingSource),
		IdempotencyKey: idempotencyKey("refund", job.ID.String()),
	}
	if err := s.credits.CreateTx(ctx, tx, entry); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrAlreadyRefunded
		}
		return nil, fmt.Errorf("append refund: %w", err)
	}
	if err := s.jobs.MarkRefundedTx(ctx, tx, job.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrAlreadyRefunded
		}
		return nil, fmt.Errorf("mark refunded: %w", err)
	}
	job.Refunded = true
	s.log.Info("refund posted", "job_id", job.ID, "account_id", acc.ID,
		"funding_source", job.FundingSource, "units", job.UnitsCharged)
	return &RefundResult{FundingSource: job.FundingSource, Units: job.UnitsCharged, Balances: acc.Balances()}, nil
}

func (s *Service) countRefund(err error) {
	switch {
	case err == nil:
		metrics.LedgerRefunds.WithLabelValues("posted").Inc()
	case errors.Is(err, ErrAlreadyRefunded):
		metrics.LedgerRefunds.WithLabelValues("already_refunded").Inc()
	case errors.Is(err, ErrNotRefundable):
		metrics.LedgerRefunds.WithLabelValues("not_refundable").Inc()
	case errors.Is(err, ErrBusy):
		metrics.LedgerRefunds.WithLabelValues("busy").Inc()
	default:
		metrics.LedgerRefunds.WithLabelValues("error").Inc()
	}
}

type GrantRequest struct {
	AccountID uuid.UUID
	Amount    int
	// Kind is purchase, auto_reload or grant. Defaults to grant.
	Kind models.TransactionKind
	// Target is token, holiday or trial. Defaults to token.
	Target models.FundingSource
	// IdempotencyKey, when set, makes the grant apply at most once.
	IdempotencyKey string
}

type GrantResult struct {
	Balance       int       `json:"balance"`
	TransactionID uuid.UUID `json:"transaction_id"`
	// Replayed is true when IdempotencyKey matched an earlier grant and
	// nothing was changed.
	Replayed bool `json:"replayed"`
}

// Grant credits an account. A repeated IdempotencyKey returns the first
// grant's result.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	res, err := db.RetryBusy(ctx, s.retry, func() (*GrantResult, error) {
		var res *GrantResult
		err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
			var err error
			res, err = s.GrantTx(ctx, tx, req)
			return err
		})
		// A concurrent grant with the same key won the insert; read its result.
		if err != nil && db.IsUniqueViolation(err) && req.IdempotencyKey != "" {
			err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
				var err error
				res, err = s.GrantTx(ctx, tx, req)
				return err
			})
		}
		return res, err
	})
	if err != nil {
		return nil, err
	}
	metrics.LedgerGrants.WithLabelValues(string(normalizeKind(req.Kind)), strconv.FormatBool(res.Replayed)).Inc()
	return res, nil
}

func normalizeKind(k models.TransactionKind) models.TransactionKind {
	if k == "" {
		return models.TransactionGrant
	}
	return k
}

func (s *Service) GrantTx(ctx context.Context, tx pgx.Tx, req GrantRequest) (*GrantResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	kind := normalizeKind(req.Kind)
	switch kind {
	case models.TransactionPurchase, models.TransactionAutoReload, models.TransactionGrant:
	default:
		return nil, ErrInvalidGrant
	}
	target := req.Target
	if target == "" {
		target = models.FundingToken
	}
	if !target.Refundable() {
		return nil, ErrInvalidGrant
	}

	if req.IdempotencyKey != "" {
		prior, err := s.credits.GetByIdempotencyKeyTx(ctx, tx, req.IdempotencyKey)
		switch {
		case err == nil:
			return &GrantResult{Balance: prior.BalanceAfter, TransactionID: prior.ID, Replayed: true}, nil
		case !errors.Is(err, db.ErrNotFound):
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	acc, err := s.accounts.GetForUpdateTx(ctx, tx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	credit(acc, target, req.Amount)
	if err := s.accounts.SaveBalancesTx(ctx, tx, acc); err != nil {
		return nil, fmt.Errorf("save balances: %w", err)
	}
	entry := &models.Transaction{
		ID:            uuid.New(),
		AccountID:     acc.ID,
		Amount:        req.Amount,
		Kind:          kind,
		FundingSource: target,
		BalanceAfter:  acc.Balance(target),
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		entry.IdempotencyKey = &key
	}
	if err := s.credits.CreateTx(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("append grant: %w", err)
	}
	return &GrantResult{Balance: entry.BalanceAfter, TransactionID: entry.ID}, nil
}

func idempotencyKey(prefix, id string) *string {
	k := prefix + ":" + id
	return &k
}
