package webhooks

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/gardenlens/backend/internal/models"
)

func stripeEvent(t *testing.T, typ string, object map[string]any) *stripelib.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return &stripelib.Event{
		ID:      "evt_test",
		Type:    stripelib.EventType(typ),
		Created: 1_700_000_000,
		Data:    &stripelib.EventData{Raw: raw},
	}
}

func TestFromStripe_Categories(t *testing.T) {
	account := uuid.New()
	tests := []struct {
		typ    string
		object map[string]any
		want   Category
	}{
		{"checkout.session.completed", map[string]any{"client_reference_id": account.String(), "amount": 3}, CategoryPurchase},
		{"checkout.session.completed", map[string]any{"mode": "subscription", "client_reference_id": account.String(), "customer": "cus_1"}, CategoryRenewal},
		{"invoice.paid", map[string]any{"customer": "cus_1"}, CategoryRenewal},
		{"customer.subscription.updated", map[string]any{"customer": "cus_1", "status": "trialing"}, CategoryRenewal},
		{"customer.subscription.updated", map[string]any{"customer": "cus_1", "status": "unpaid"}, CategoryPastDue},
		{"customer.subscription.updated", map[string]any{"customer": "cus_1", "status": "incomplete"}, CategoryIgnored},
		{"customer.subscription.deleted", map[string]any{"customer": "cus_1"}, CategoryCancellation},
		{TypeSubscriptionRenewed, map[string]any{"account_id": account.String()}, CategoryRenewal},
		{"payout.paid", map[string]any{}, CategoryIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			ev, err := fromStripe(stripeEvent(t, tt.typ, tt.object))
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Category)
			assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), ev.OccurredAt)
		})
	}
}

func TestFromStripe_PurchaseFields(t *testing.T) {
	account := uuid.New()
	ev, err := fromStripe(stripeEvent(t, TypePurchaseCompleted, map[string]any{
		"account_id": account.String(),
		"metadata":   map[string]string{"amount": "12", "target": "holiday"},
	}))
	require.NoError(t, err)
	assert.Equal(t, account, ev.AccountID)
	assert.Equal(t, 12, ev.Tokens)
	assert.Equal(t, models.FundingHoliday, ev.Target)
	assert.False(t, ev.AutoReload)
}

func TestFromStripe_PeriodEndFromInvoiceLines(t *testing.T) {
	ev, err := fromStripe(stripeEvent(t, "invoice.paid", map[string]any{
		"customer": "cus_1",
		"lines": map[string]any{"data": []map[string]any{
			{"period": map[string]any{"end": 1_700_100_000}},
			{"period": map[string]any{"end": 1_700_200_000}},
		}},
	}))
	require.NoError(t, err)
	require.NotNil(t, ev.PeriodEnd)
	assert.Equal(t, int64(1_700_200_000), ev.PeriodEnd.Unix())
}

func TestFromStripe_Malformed(t *testing.T) {
	_, err := fromStripe(stripeEvent(t, TypePurchaseCompleted, map[string]any{"account_id": "not-a-uuid", "amount": 1}))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = fromStripe(stripeEvent(t, TypeSubscriptionCancelled, map[string]any{}))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = fromStripe(&stripelib.Event{Type: "invoice.paid"})
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
