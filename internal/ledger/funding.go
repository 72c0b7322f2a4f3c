package ledger

import (
	"time"

	"github.com/gardenlens/backend/internal/models"
)

// fundingStrategy is one entry of the funding priority list. CanCover must not
// mutate; Apply is only called after CanCover returned true.
type fundingStrategy interface {
	Source() models.FundingSource
	CanCover(a *models.Account, units int, now time.Time) bool
	Apply(a *models.Account, units int)
}

type subscriptionFunding struct{}

func (subscriptionFunding) Source() models.FundingSource { return models.FundingSubscription }
func (subscriptionFunding) CanCover(a *models.Account, _ int, now time.Time) bool {
	return a.SubscriptionActive(now)
}
func (subscriptionFunding) Apply(*models.Account, int) {}

type holidayFunding struct{}

func (holidayFunding) Source() models.FundingSource { return models.FundingHoliday }
func (holidayFunding) CanCover(a *models.Account, units int, _ time.Time) bool {
	return a.HolidayCredits >= units
}
func (holidayFunding) Apply(a *models.Account, units int) { a.HolidayCredits -= units }

type tokenFunding struct{}

func (tokenFunding) Source() models.FundingSource { return models.FundingToken }
func (tokenFunding) CanCover(a *models.Account, units int, _ time.Time) bool {
	return a.TokenBalance >= units
}
func (tokenFunding) Apply(a *models.Account, units int) { a.TokenBalance -= units }

type trialFunding struct{}

func (trialFunding) Source() models.FundingSource { return models.FundingTrial }
func (trialFunding) CanCover(a *models.Account, units int, _ time.Time) bool {
	return a.TrialRemaining >= units
}
func (trialFunding) Apply(a *models.Account, units int) {
	a.TrialRemaining -= units
	a.TrialUsed += units
}

var (
	landscapeFunding = []fundingStrategy{subscriptionFunding{}, tokenFunding{}, trialFunding{}}
	holidayPurpose   = []fundingStrategy{subscriptionFunding{}, holidayFunding{}, tokenFunding{}, trialFunding{}}
)

// fundingOrder returns the priority list for the kind of work being paid for.
// Holiday credits are promotional and only spendable on holiday imagery.
func fundingOrder(purpose models.JobKind) []fundingStrategy {
	if purpose == models.JobKindHoliday {
		return holidayPurpose
	}
	return landscapeFunding
}

// selectFunding returns the first strategy able to cover units in full, or nil.
// Charges are never split across sources.
func selectFunding(order []fundingStrategy, a *models.Account, units int, now time.Time) fundingStrategy {
	for _, s := range order {
		if s.CanCover(a, units, now) {
			return s
		}
	}
	return nil
}

// credit adds amount to the target balance.
func credit(a *models.Account, target models.FundingSource, amount int) {
	switch target {
	case models.FundingToken:
		a.TokenBalance += amount
	case models.FundingHoliday:
		a.HolidayCredits += amount
	case models.FundingTrial:
		a.TrialRemaining += amount
	}
}

// restore gives charged units back to the source they were taken from. Unlike
// a trial grant, a trial refund also rolls back trial_used.
func restore(a *models.Account, src models.FundingSource, units int) {
	credit(a, src, units)
	if src == models.FundingTrial {
		a.TrialUsed = max(a.TrialUsed-units, 0)
	}
}
