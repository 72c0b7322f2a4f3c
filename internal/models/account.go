package models

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus enums, mirrored by the accounts.subscription_status CHECK constraint.
type SubscriptionStatus string

const (
	SubscriptionInactive  SubscriptionStatus = "inactive"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

type Account struct {
	ID                    uuid.UUID          `json:"id"`
	TrialRemaining        int                `json:"trial_remaining"`
	TrialUsed             int                `json:"trial_used"`
	TokenBalance          int                `json:"token_balance"`
	HolidayCredits        int                `json:"holiday_credits"`
	SubscriptionStatus    SubscriptionStatus `json:"subscription_status"`
	SubscriptionPeriodEnd *time.Time         `json:"subscription_period_end,omitempty"`
	CancelAtPeriodEnd     bool               `json:"cancel_at_period_end"`
	SubscriptionEventAt   *time.Time         `json:"-"`
	BillingCustomerID     *string            `json:"billing_customer_id,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// SubscriptionActive reports whether the subscription covers work at now.
// A deferred cancellation keeps the status active until the period ends.
func (a *Account) SubscriptionActive(now time.Time) bool {
	if a.SubscriptionStatus != SubscriptionActive {
		return false
	}
	return a.SubscriptionPeriodEnd == nil || now.Before(*a.SubscriptionPeriodEnd)
}

// Balances is the metered part of an account, returned by every ledger mutation.
type Balances struct {
	TrialRemaining int `json:"trial_remaining"`
	TrialUsed      int `json:"trial_used"`
	TokenBalance   int `json:"token_balance"`
	HolidayCredits int `json:"holiday_credits"`
}

func (a *Account) Balances() Balances {
	return Balances{
		TrialRemaining: a.TrialRemaining,
		TrialUsed:      a.TrialUsed,
		TokenBalance:   a.TokenBalance,
		HolidayCredits: a.HolidayCredits,
	}
}

// Balance returns the balance debited or credited for the given source.
// Subscription funding is not metered and always reports 0.
func (a *Account) Balance(src FundingSource) int {
	switch src {
	case FundingTrial:
		return a.TrialRemaining
	case FundingToken:
		return a.TokenBalance
	case FundingHoliday:
		return a.HolidayCredits
	}
	return 0
}
