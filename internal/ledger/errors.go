package ledger

import (
	"errors"

	"github.com/gardenlens/backend/internal/db"
)

var (
	// ErrInsufficientEntitlement means no funding source can cover the
	// requested units. Nothing was deducted.
	ErrInsufficientEntitlement = errors.New("insufficient credits")

	// ErrAlreadyRefunded is returned by Refund when the job's refund already
	// posted. Callers treat it as a successful no-op.
	ErrAlreadyRefunded = errors.New("job already refunded")

	// ErrNotRefundable is returned by Refund for subscription-funded jobs and
	// jobs without a failed area.
	ErrNotRefundable = errors.New("job is not refundable")

	// ErrStaleEvent is returned by ApplySubscriptionTx when a newer
	// subscription event has already been applied to the account.
	ErrStaleEvent = errors.New("subscription event older than current state")

	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInvalidGrant  = errors.New("invalid grant kind or target")

	// ErrBusy aliases db.ErrBusy so callers only need this package.
	ErrBusy = db.ErrBusy
)
