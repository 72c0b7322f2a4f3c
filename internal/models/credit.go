package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionKind enums, mirrored by the credit_transactions.kind CHECK constraint.
type TransactionKind string

const (
	TransactionPurchase   TransactionKind = "purchase"
	TransactionDeduction  TransactionKind = "deduction"
	TransactionRefund     TransactionKind = "refund"
	TransactionAutoReload TransactionKind = "auto_reload"
	TransactionGrant      TransactionKind = "grant"
)

// FundingSource is the account attribute that pays for a unit of work.
type FundingSource string

const (
	FundingTrial        FundingSource = "trial"
	FundingToken        FundingSource = "token"
	FundingSubscription FundingSource = "subscription"
	FundingHoliday      FundingSource = "holiday"
)

// Refundable reports whether units charged from this source can be restored.
// Subscription work is not metered, so there is nothing to give back.
func (f FundingSource) Refundable() bool {
	return f == FundingTrial || f == FundingToken || f == FundingHoliday
}

// Transaction is one immutable row of the credit ledger. Amount is signed:
// positive credits the account, negative debits it.
type Transaction struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	JobID          *uuid.UUID      `json:"job_id,omitempty"`
	Amount         int             `json:"amount"`
	Kind           TransactionKind `json:"kind"`
	FundingSource  FundingSource   `json:"funding_source"`
	BalanceAfter   int             `json:"balance_after"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
