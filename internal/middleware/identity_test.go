package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/models"
)

type stubTokens struct {
	id  uuid.UUID
	err error
}

func (s *stubTokens) ValidateToken(_ context.Context, _ string) (uuid.UUID, error) {
	return s.id, s.err
}

type stubAccounts struct {
	err  error
	seen []uuid.UUID
}

func (s *stubAccounts) EnsureAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	s.seen = append(s.seen, id)
	if s.err != nil {
		return nil, s.err
	}
	return &models.Account{ID: id, TrialRemaining: 3}, nil
}

// okHandler writes 200 and the account id (for assertions).
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if acc := AccountFromCtx(r.Context()); acc != nil {
		w.Write([]byte(acc.ID.String()))
	}
})

func TestAuthenticate_ValidToken(t *testing.T) {
	id := uuid.New()
	accounts := &stubAccounts{}
	mw := Authenticate(&stubTokens{id: id}, accounts, nil)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer session-token")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != id.String() {
		t.Errorf("expected account id %q in body, got %q", id, body)
	}
	if len(accounts.seen) != 1 || accounts.seen[0] != id {
		t.Errorf("expected account %s to be ensured, got %v", id, accounts.seen)
	}
}

func TestAuthenticate_MissingHeader(t *testing.T) {
	mw := Authenticate(&stubTokens{id: uuid.New()}, &stubAccounts{}, nil)(okHandler)

	cases := []struct {
		name   string
		header string
	}{
		{"no header at all", ""},
		{"empty bearer", "Bearer "},
		{"wrong scheme", "Basic abc123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rec.Code)
			}
		})
	}
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	accounts := &stubAccounts{}
	mw := Authenticate(&stubTokens{err: errors.New("expired")}, accounts, nil)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer expired-token")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(accounts.seen) != 0 {
		t.Errorf("no account should be created for an invalid token")
	}
}

func TestAuthenticate_AccountErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"busy", db.ErrBusy, http.StatusServiceUnavailable},
		{"store failure", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mw := Authenticate(&stubTokens{id: uuid.New()}, &stubAccounts{err: tc.err}, nil)(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer session-token")
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestCallbackToken(t *testing.T) {
	cases := []struct {
		name       string
		configured string
		header     string
		value      string
		want       int
	}{
		{"header match", "s3cret", "X-Callback-Token", "s3cret", http.StatusOK},
		{"bearer match", "s3cret", "Authorization", "Bearer s3cret", http.StatusOK},
		{"mismatch", "s3cret", "X-Callback-Token", "guess", http.StatusUnauthorized},
		{"missing", "s3cret", "", "", http.StatusUnauthorized},
		{"not configured", "", "X-Callback-Token", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mw := CallbackToken(tc.configured)(okHandler)
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
