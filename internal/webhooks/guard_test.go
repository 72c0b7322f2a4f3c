package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/ledger"
	"github.com/gardenlens/backend/internal/models"
	"github.com/gardenlens/backend/internal/repository/memstore"
)

const testSecret = "whsec_test_secret"

var fastRetry = db.RetryPolicy{MaxTries: 200, InitialInterval: time.Millisecond, MaxInterval: 3 * time.Millisecond}

type fixture struct {
	store   *memstore.Store
	guard   *Guard
	handler *Handler
	account uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	id := uuid.New()
	store.Accounts.Put(&models.Account{ID: id, TokenBalance: 5})
	l := ledger.NewService(store, store.Accounts, store.Credits, store.Jobs, ledger.Config{Retry: fastRetry}, nil)
	guard := NewGuard(store, store.Events, l, testSecret, fastRetry, nil)
	return &fixture{store: store, guard: guard, handler: NewHandler(guard, nil), account: id}
}

func eventJSON(t *testing.T, id, typ string, created time.Time, object map[string]any) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    typ,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return string(b)
}

func sign(secret, payload string) *stripewebhook.SignedPayload {
	return stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
}

func signedRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	signed := sign(secret, payload)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (f *fixture) deliver(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, signedRequest(t, testSecret, payload))
	return rec
}

func TestWebhook_RetryStormGrantsOnce(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON(t, "evt_1", TypePurchaseCompleted, time.Now(), map[string]any{
		"account_id": f.account.String(),
		"amount":     50,
	})

	for i := range 3 {
		rec := f.deliver(t, payload)
		require.Equal(t, http.StatusOK, rec.Code, "delivery %d: %s", i, rec.Body.String())
		assert.JSONEq(t, `{"status":"success"}`, rec.Body.String())
	}

	assert.Equal(t, 55, f.store.Accounts.Get(f.account).TokenBalance)
	assert.Len(t, f.store.Credits.ByKind(models.TransactionPurchase), 1)
	assert.True(t, f.store.Events.Processed("evt_1"))
}

func TestWebhook_ConcurrentDuplicatesGrantOnce(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON(t, "evt_concurrent", "checkout.session.completed", time.Now(), map[string]any{
		"mode":                "payment",
		"client_reference_id": f.account.String(),
		"metadata":            map[string]string{"tokens": "20"},
	})

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := f.deliver(t, payload)
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, f.store.Accounts.Get(f.account).TokenBalance)
	assert.Len(t, f.store.Credits.ByKind(models.TransactionPurchase), 1)
}

func TestWebhook_AutoReloadKind(t *testing.T) {
	f := newFixture(t)
	rec := f.deliver(t, eventJSON(t, "evt_reload", "checkout.session.completed", time.Now(), map[string]any{
		"client_reference_id": f.account.String(),
		"metadata":            map[string]string{"tokens": "10", "auto_reload": "true"},
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.store.Credits.ByKind(models.TransactionAutoReload), 1)
	assert.Equal(t, 15, f.store.Accounts.Get(f.account).TokenBalance)
}

func TestWebhook_InvalidSignatureChangesNothing(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON(t, "evt_forged", TypePurchaseCompleted, time.Now(), map[string]any{
		"account_id": f.account.String(),
		"amount":     1000,
	})

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, signedRequest(t, "whsec_wrong", payload))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid signature"}`, rec.Body.String())

	unsigned := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader([]byte(payload)))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, unsigned)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 5, f.store.Accounts.Get(f.account).TokenBalance)
	assert.False(t, f.store.Events.Processed("evt_forged"))
}

func TestWebhook_MalformedEventIsRecordedAndAcked(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON(t, "evt_bad", TypePurchaseCompleted, time.Now(), map[string]any{
		"account_id": f.account.String(),
	})

	for i := range 3 {
		rec := f.deliver(t, payload)
		require.Equal(t, http.StatusOK, rec.Code, "delivery %d: %s", i, rec.Body.String())
		assert.JSONEq(t, `{"status":"success"}`, rec.Body.String())
	}

	assert.True(t, f.store.Events.Processed("evt_bad"))
	assert.Equal(t, 1, f.store.Events.Count())
	assert.Equal(t, 5, f.store.Accounts.Get(f.account).TokenBalance)
	assert.Empty(t, f.store.Credits.ByKind(models.TransactionPurchase))
}

func TestGuard_MalformedAcks(t *testing.T) {
	f := newFixture(t)
	payload := eventJSON(t, "evt_bad_uuid", TypePurchaseCompleted, time.Now(), map[string]any{
		"account_id": "not-a-uuid",
		"amount":     5,
	})
	signed := sign(testSecret, payload)

	ev, ack, err := f.guard.HandlePayload(context.Background(), signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, AckMalformed, ack)
	assert.Equal(t, "evt_bad_uuid", ev.ID)

	_, ack, err = f.guard.HandlePayload(context.Background(), signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, AckDuplicate, ack)
}

func TestWebhook_CanonicalEnvelope(t *testing.T) {
	f := newFixture(t)
	b, err := json.Marshal(map[string]any{
		"event_id":   "evt_canonical",
		"event_type": TypePurchaseCompleted,
		"account_id": f.account.String(),
		"amount":     50,
	})
	require.NoError(t, err)

	for range 2 {
		rec := f.deliver(t, string(b))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"status":"success"}`, rec.Body.String())
	}

	assert.Equal(t, 55, f.store.Accounts.Get(f.account).TokenBalance)
	assert.True(t, f.store.Events.Processed("evt_canonical"))
	assert.Len(t, f.store.Credits.ByKind(models.TransactionPurchase), 1)
}

func TestGuard_OutOfOrderRenewalIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)
	periodEnd := now.Add(30 * 24 * time.Hour)

	cancel := Event{
		ID:         "evt_cancel",
		Type:       TypeSubscriptionCancelled,
		Category:   CategoryCancellation,
		OccurredAt: now,
		AccountID:  f.account,
	}
	ack, err := f.guard.Handle(ctx, cancel)
	require.NoError(t, err)
	assert.Equal(t, AckProcessed, ack)
	require.Equal(t, models.SubscriptionCancelled, f.store.Accounts.Get(f.account).SubscriptionStatus)

	renewal := Event{
		ID:         "evt_renew_old",
		Type:       TypeSubscriptionRenewed,
		Category:   CategoryRenewal,
		OccurredAt: now.Add(-time.Hour),
		AccountID:  f.account,
		PeriodEnd:  &periodEnd,
	}
	ack, err = f.guard.Handle(ctx, renewal)
	require.NoError(t, err)
	assert.Equal(t, AckStale, ack)
	assert.True(t, f.store.Events.Processed("evt_renew_old"))

	acc := f.store.Accounts.Get(f.account)
	assert.Equal(t, models.SubscriptionCancelled, acc.SubscriptionStatus)
	assert.Nil(t, acc.SubscriptionPeriodEnd)

	// The same ordering over HTTP is acknowledged with 200.
	rec := f.deliver(t, eventJSON(t, "evt_renew_older", TypeSubscriptionRenewed, now.Add(-2*time.Hour), map[string]any{
		"account_id":         f.account.String(),
		"current_period_end": periodEnd.Unix(),
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"success"}`, rec.Body.String())
	assert.True(t, f.store.Events.Processed("evt_renew_older"))
	assert.Equal(t, models.SubscriptionCancelled, f.store.Accounts.Get(f.account).SubscriptionStatus)
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	periodEnd := now.Add(30 * 24 * time.Hour).Truncate(time.Second)

	rec := f.deliver(t, eventJSON(t, "evt_sub_1", "customer.subscription.updated", now, map[string]any{
		"customer":           "cus_42",
		"status":             "active",
		"current_period_end": periodEnd.Unix(),
		"metadata":           map[string]string{"account_id": f.account.String()},
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	acc := f.store.Accounts.Get(f.account)
	assert.Equal(t, models.SubscriptionActive, acc.SubscriptionStatus)
	require.NotNil(t, acc.SubscriptionPeriodEnd)
	assert.True(t, periodEnd.Equal(*acc.SubscriptionPeriodEnd))

	// A payment failure generated before the activation arrives late: acked, not applied.
	rec = f.deliver(t, eventJSON(t, "evt_sub_0", "invoice.payment_failed", now.Add(-time.Hour), map[string]any{
		"customer": "cus_42",
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.SubscriptionActive, f.store.Accounts.Get(f.account).SubscriptionStatus)
	assert.True(t, f.store.Events.Processed("evt_sub_0"))

	rec = f.deliver(t, eventJSON(t, "evt_sub_2", "invoice.payment_failed", now.Add(time.Minute), map[string]any{
		"customer": "cus_42",
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.SubscriptionPastDue, f.store.Accounts.Get(f.account).SubscriptionStatus)

	rec = f.deliver(t, eventJSON(t, "evt_sub_3", TypeSubscriptionCancelled, now.Add(2*time.Minute), map[string]any{
		"customer": "cus_42",
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.SubscriptionCancelled, f.store.Accounts.Get(f.account).SubscriptionStatus)
}

func TestWebhook_IgnoredAndUnmatchedEvents(t *testing.T) {
	f := newFixture(t)

	rec := f.deliver(t, eventJSON(t, "evt_other", "customer.created", time.Now(), map[string]any{"id": "cus_1"}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.store.Events.Processed("evt_other"))

	rec = f.deliver(t, eventJSON(t, "evt_orphan", TypePurchaseCompleted, time.Now(), map[string]any{
		"account_id": uuid.NewString(),
		"amount":     5,
	}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.store.Events.Processed("evt_orphan"))
	assert.Empty(t, f.store.Credits.ByKind(models.TransactionPurchase))
}
