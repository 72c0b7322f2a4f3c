package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gardenlens/backend/internal/db"
)

// Admitter decides whether an account may start another request.
type Admitter interface {
	Admit(ctx context.Context, accountID uuid.UUID) (bool, error)
}

// RateLimit refuses requests from accounts over their attempt budget with
// 429. It must run after Authenticate.
func RateLimit(limiter Admitter, retryAfter time.Duration, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acc := AccountFromCtx(r.Context())
			if acc == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ok, err := limiter.Admit(r.Context(), acc.ID)
			if err != nil {
				if errors.Is(err, db.ErrBusy) {
					http.Error(w, `{"error":"account busy, try again"}`, http.StatusServiceUnavailable)
					return
				}
				log.Error("rate limit check failed", "account_id", acc.ID, "error", err)
				http.Error(w, `{"error":"failed to check rate limit"}`, http.StatusInternalServerError)
				return
			}
			if !ok {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
				}
				http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
