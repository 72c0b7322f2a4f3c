// Package webhooks applies billing processor events to the ledger exactly once.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/ledger"
	"github.com/gardenlens/backend/internal/models"
)

// ErrInvalidSignature means the payload did not authenticate against the
// shared secret. Nothing was recorded.
var ErrInvalidSignature = errors.New("invalid signature")

// Ack is the outcome of a delivery. Every Ack is a success for the sender.
type Ack string

const (
	AckProcessed Ack = "processed"
	AckDuplicate Ack = "duplicate"
	AckIgnored   Ack = "ignored"
	// AckStale means a newer subscription event was already applied.
	AckStale Ack = "stale"
	// AckUnmatched means no account matched the event. It is not recorded so
	// a manual replay can apply it later.
	AckUnmatched Ack = "unmatched"
	// AckMalformed means the event was authentic but undecodable. It is
	// recorded so redeliveries stop.
	AckMalformed Ack = "malformed"
)

type EventStore interface {
	MarkProcessedTx(ctx context.Context, tx pgx.Tx, eventID, eventType string) (bool, error)
}

type Ledger interface {
	GrantTx(ctx context.Context, tx pgx.Tx, req ledger.GrantRequest) (*ledger.GrantResult, error)
	ApplySubscriptionTx(ctx context.Context, tx pgx.Tx, c ledger.SubscriptionChange) (*models.Account, error)
}

type Guard struct {
	pool   db.TxBeginner
	events EventStore
	ledger Ledger
	secret string
	retry  db.RetryPolicy
	log    *slog.Logger
}

func NewGuard(pool db.TxBeginner, events EventStore, l Ledger, secret string, retry db.RetryPolicy, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{pool: pool, events: events, ledger: l, secret: secret, retry: retry, log: log}
}

// Verify authenticates payload against the signature header and classifies it.
func (g *Guard) Verify(payload []byte, sigHeader string) (Event, error) {
	if g.secret == "" || sigHeader == "" {
		return Event{}, ErrInvalidSignature
	}
	se, err := webhook.ConstructEventWithOptions(payload, sigHeader, g.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if se.ID == "" {
		withCanonicalEnvelope(payload, &se)
	}
	return fromStripe(&se)
}

// HandlePayload verifies and then handles a raw delivery. An authentic event
// that cannot be decoded is recorded and acknowledged with AckMalformed.
func (g *Guard) HandlePayload(ctx context.Context, payload []byte, sigHeader string) (Event, Ack, error) {
	ev, err := g.Verify(payload, sigHeader)
	if errors.Is(err, ErrMalformedEvent) {
		ack, recErr := g.recordMalformed(ctx, ev, err)
		return ev, ack, recErr
	}
	if err != nil {
		return ev, "", err
	}
	ack, err := g.Handle(ctx, ev)
	return ev, ack, err
}

func (g *Guard) recordMalformed(ctx context.Context, ev Event, cause error) (Ack, error) {
	g.log.Error("billing event malformed", "event_id", ev.ID, "type", ev.Type, "error", cause)
	if ev.ID == "" {
		return AckMalformed, nil
	}
	return db.RetryBusy(ctx, g.retry, func() (Ack, error) {
		ack := AckMalformed
		err := db.InTx(ctx, g.pool, func(tx pgx.Tx) error {
			fresh, err := g.events.MarkProcessedTx(ctx, tx, ev.ID, ev.Type)
			if err != nil {
				return fmt.Errorf("record event: %w", err)
			}
			if !fresh {
				ack = AckDuplicate
			}
			return nil
		})
		return ack, err
	})
}

// Handle records ev as processed and applies its ledger mutation in the same
// transaction. A second delivery of the same event id is acknowledged without
// side effects.
func (g *Guard) Handle(ctx context.Context, ev Event) (Ack, error) {
	ack, err := db.RetryBusy(ctx, g.retry, func() (Ack, error) {
		var ack Ack
		err := db.InTx(ctx, g.pool, func(tx pgx.Tx) error {
			fresh, err := g.events.MarkProcessedTx(ctx, tx, ev.ID, ev.Type)
			if err != nil {
				return fmt.Errorf("record event: %w", err)
			}
			if !fresh {
				ack = AckDuplicate
				return nil
			}
			ack, err = g.apply(ctx, tx, ev)
			return err
		})
		return ack, err
	})
	if errors.Is(err, db.ErrNotFound) {
		g.log.Error("billing event matched no account", "event_id", ev.ID, "type", ev.Type,
			"account_id", ev.AccountID, "customer_id", ev.CustomerID)
		return AckUnmatched, nil
	}
	if err != nil {
		return "", err
	}
	g.log.Info("billing event handled", "event_id", ev.ID, "type", ev.Type, "ack", ack)
	return ack, nil
}

func (g *Guard) apply(ctx context.Context, tx pgx.Tx, ev Event) (Ack, error) {
	switch ev.Category {
	case CategoryPurchase:
		kind := models.TransactionPurchase
		if ev.AutoReload {
			kind = models.TransactionAutoReload
		}
		_, err := g.ledger.GrantTx(ctx, tx, ledger.GrantRequest{
			AccountID:      ev.AccountID,
			Amount:         ev.Tokens,
			Kind:           kind,
			Target:         ev.Target,
			IdempotencyKey: "webhook:" + ev.ID,
		})
		if err != nil {
			return "", fmt.Errorf("grant: %w", err)
		}
		return AckProcessed, nil

	case CategoryRenewal, CategoryCancellation, CategoryPastDue:
		change := ledger.SubscriptionChange{
			AccountID:         ev.AccountID,
			CustomerID:        ev.CustomerID,
			PeriodEnd:         ev.PeriodEnd,
			CancelAtPeriodEnd: ev.CancelAtPeriodEnd,
			OccurredAt:        ev.OccurredAt,
		}
		switch ev.Category {
		case CategoryRenewal:
			change.Status = models.SubscriptionActive
		case CategoryCancellation:
			change.Status = models.SubscriptionCancelled
		default:
			change.Status = models.SubscriptionPastDue
		}
		_, err := g.ledger.ApplySubscriptionTx(ctx, tx, change)
		if errors.Is(err, ledger.ErrStaleEvent) {
			g.log.Warn("stale subscription event skipped", "event_id", ev.ID, "type", ev.Type)
			return AckStale, nil
		}
		if err != nil {
			return "", fmt.Errorf("apply subscription: %w", err)
		}
		return AckProcessed, nil

	default:
		return AckIgnored, nil
	}
}
