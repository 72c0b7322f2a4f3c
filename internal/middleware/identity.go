package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/models"
)

type contextKey string

const ctxAccountKey contextKey = "account"

// TokenValidator resolves a bearer token to the account it was issued for.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

// AccountEnsurer loads the caller's account, creating it with the trial
// allowance on first sight.
type AccountEnsurer interface {
	EnsureAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// Authenticate validates the Bearer session token and puts the caller's
// account into the request context.
func Authenticate(tokens TokenValidator, accounts AccountEnsurer, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			id, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			acc, err := accounts.EnsureAccount(r.Context(), id)
			if err != nil {
				if errors.Is(err, db.ErrBusy) {
					http.Error(w, `{"error":"account busy, try again"}`, http.StatusServiceUnavailable)
					return
				}
				log.Error("ensure account failed", "account_id", id, "error", err)
				http.Error(w, `{"error":"failed to load account"}`, http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acc)))
		})
	}
}

// CallbackToken guards endpoints the generator calls back into. The shared
// token is sent in the X-Callback-Token header or as a Bearer token.
func CallbackToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Callback-Token")
			if got == "" {
				got = extractBearer(r)
			}
			if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				http.Error(w, `{"error":"invalid callback token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AccountFromCtx returns the authenticated account or nil.
func AccountFromCtx(ctx context.Context) *models.Account {
	acc, _ := ctx.Value(ctxAccountKey).(*models.Account)
	return acc
}

// WithAccount returns a context carrying the given account.
func WithAccount(ctx context.Context, acc *models.Account) context.Context {
	return context.WithValue(ctx, ctxAccountKey, acc)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
