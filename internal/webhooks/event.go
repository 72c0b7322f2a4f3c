package webhooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/gardenlens/backend/internal/models"
)

// Canonical event types. Processor-native names are mapped onto these.
const (
	TypePurchaseCompleted     = "purchase_completed"
	TypeSubscriptionRenewed   = "subscription_renewed"
	TypeSubscriptionCancelled = "subscription_cancelled"
	TypeSubscriptionPastDue   = "subscription_past_due"
)

// ErrMalformedEvent means the payload was authentic but could not be decoded
// into the fields its type requires.
var ErrMalformedEvent = errors.New("malformed event")

// Category is what a billing event means for the ledger.
type Category int

const (
	CategoryIgnored Category = iota
	CategoryPurchase
	CategoryRenewal
	CategoryCancellation
	CategoryPastDue
)

// Event is a verified billing event reduced to what the ledger needs.
type Event struct {
	ID         string
	Type       string
	Category   Category
	OccurredAt time.Time

	AccountID  uuid.UUID
	CustomerID string

	// Purchase fields.
	Tokens     int
	Target     models.FundingSource
	AutoReload bool

	// Subscription fields.
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
}

// eventObject is the union of the data.object fields read from checkout
// sessions, subscriptions, invoices and canonical events.
type eventObject struct {
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	AccountID         string            `json:"account_id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	Amount            int               `json:"amount"`
	Tokens            int               `json:"tokens"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	PeriodEnd         int64             `json:"period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// withCanonicalEnvelope fills se from the canonical body
// {"event_id", "event_type", "occurred_at", ...} when the processor envelope
// fields are missing. Event fields may sit under data.object or at the top level.
func withCanonicalEnvelope(payload []byte, se *stripelib.Event) {
	var env struct {
		EventID    string     `json:"event_id"`
		EventType  string     `json:"event_type"`
		OccurredAt *time.Time `json:"occurred_at"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	se.ID = env.EventID
	if se.Type == "" {
		se.Type = stripelib.EventType(env.EventType)
	}
	if se.Created == 0 && env.OccurredAt != nil {
		se.Created = env.OccurredAt.Unix()
	}
	if se.Data == nil || len(se.Data.Raw) == 0 {
		se.Data = &stripelib.EventData{Raw: payload}
	}
}

// fromStripe classifies a verified processor event. Unknown types come back
// as CategoryIgnored with no error.
func fromStripe(se *stripelib.Event) (Event, error) {
	ev := Event{ID: se.ID, Type: string(se.Type)}
	if se.Created > 0 {
		ev.OccurredAt = time.Unix(se.Created, 0).UTC()
	}
	if strings.TrimSpace(ev.ID) == "" {
		return ev, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}

	var obj eventObject
	if se.Data != nil && len(se.Data.Raw) > 0 {
		if err := json.Unmarshal(se.Data.Raw, &obj); err != nil {
			return ev, fmt.Errorf("%w: decode %s: %v", ErrMalformedEvent, ev.Type, err)
		}
	}
	ev.CustomerID = strings.TrimSpace(obj.Customer)
	ev.CancelAtPeriodEnd = obj.CancelAtPeriodEnd
	ev.PeriodEnd = obj.periodEnd()

	switch ev.Type {
	case TypePurchaseCompleted:
		ev.Category = CategoryPurchase
	case "checkout.session.completed":
		ev.Category = CategoryPurchase
		if obj.Mode == "subscription" {
			ev.Category = CategoryRenewal
		}
	case TypeSubscriptionRenewed, "invoice.paid":
		ev.Category = CategoryRenewal
	case "customer.subscription.updated":
		ev.Category = subscriptionCategory(obj.Status)
	case TypeSubscriptionCancelled, "customer.subscription.deleted":
		ev.Category = CategoryCancellation
	case TypeSubscriptionPastDue, "invoice.payment_failed":
		ev.Category = CategoryPastDue
	default:
		return ev, nil
	}

	id, err := obj.accountID()
	if err != nil {
		return ev, err
	}
	ev.AccountID = id

	switch ev.Category {
	case CategoryPurchase:
		return ev, obj.fillPurchase(&ev)
	case CategoryIgnored:
		return ev, nil
	}
	if ev.AccountID == uuid.Nil && ev.CustomerID == "" {
		return ev, fmt.Errorf("%w: %s without account or customer", ErrMalformedEvent, ev.Type)
	}
	return ev, nil
}

func subscriptionCategory(status string) Category {
	switch status {
	case "active", "trialing":
		return CategoryRenewal
	case "past_due", "unpaid":
		return CategoryPastDue
	case "canceled":
		return CategoryCancellation
	default:
		return CategoryIgnored
	}
}

func (o *eventObject) accountID() (uuid.UUID, error) {
	raw := o.ClientReferenceID
	if raw == "" {
		raw = o.AccountID
	}
	if raw == "" {
		raw = o.Metadata["account_id"]
	}
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: account id %q", ErrMalformedEvent, raw)
	}
	return id, nil
}

func (o *eventObject) fillPurchase(ev *Event) error {
	if ev.AccountID == uuid.Nil {
		return fmt.Errorf("%w: purchase without account", ErrMalformedEvent)
	}
	tokens := o.Tokens
	if tokens == 0 {
		tokens = o.Amount
	}
	for _, key := range []string{"tokens", "amount"} {
		if tokens != 0 {
			break
		}
		if v := o.Metadata[key]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: metadata %s=%q", ErrMalformedEvent, key, v)
			}
			tokens = n
		}
	}
	if tokens <= 0 {
		return fmt.Errorf("%w: purchase without a positive token amount", ErrMalformedEvent)
	}
	ev.Tokens = tokens
	ev.AutoReload = o.Metadata["auto_reload"] == "true"
	ev.Target = models.FundingToken
	if o.Metadata["target"] == string(models.FundingHoliday) {
		ev.Target = models.FundingHoliday
	}
	return nil
}

func (o *eventObject) periodEnd() *time.Time {
	end := o.CurrentPeriodEnd
	if end == 0 {
		end = o.PeriodEnd
	}
	for _, it := range o.Items.Data {
		end = max(end, it.CurrentPeriodEnd)
	}
	for _, l := range o.Lines.Data {
		end = max(end, l.Period.End)
	}
	if end == 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}
