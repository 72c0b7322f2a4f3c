package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gardenlens/backend/internal/middleware"
	"github.com/gardenlens/backend/internal/models"
)

// AccountLedger is the read side of the entitlement ledger.
type AccountLedger interface {
	Account(ctx context.Context, id uuid.UUID) (*models.Account, error)
	History(ctx context.Context, id uuid.UUID, limit int) ([]*models.Transaction, error)
}

// AccountHandler serves /v1/account endpoints.
type AccountHandler struct {
	Ledger AccountLedger
	Now    func() time.Time
	Logger *slog.Logger
}

type accountResponse struct {
	ID                    string                    `json:"id"`
	Balances              models.Balances           `json:"balances"`
	SubscriptionStatus    models.SubscriptionStatus `json:"subscription_status"`
	SubscriptionActive    bool                      `json:"subscription_active"`
	SubscriptionPeriodEnd *time.Time                `json:"subscription_period_end,omitempty"`
	CancelAtPeriodEnd     bool                      `json:"cancel_at_period_end"`
}

// GetAccount handles GET /v1/account. Balances are re-read, never taken from
// the copy loaded during authentication.
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AccountFromCtx(r.Context())
	if caller == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	acc, err := h.Ledger.Account(r.Context(), caller.ID)
	if err != nil {
		h.Logger.Error("get account", "account_id", caller.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	writeJSON(w, http.StatusOK, accountResponse{
		ID:                    acc.ID.String(),
		Balances:              acc.Balances(),
		SubscriptionStatus:    acc.SubscriptionStatus,
		SubscriptionActive:    acc.SubscriptionActive(now()),
		SubscriptionPeriodEnd: acc.SubscriptionPeriodEnd,
		CancelAtPeriodEnd:     acc.CancelAtPeriodEnd,
	})
}

// ListTransactions handles GET /v1/account/transactions.
func (h *AccountHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	caller := middleware.AccountFromCtx(r.Context())
	if caller == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.Ledger.History(r.Context(), caller.ID, queryLimit(r))
	if err != nil {
		h.Logger.Error("list transactions", "account_id", caller.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": list})
}
