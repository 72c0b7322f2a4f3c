package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gardenlens/backend/internal/handlers"
)

// tag marks a request as having passed through a middleware.
func tag(name string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("X-Passed", name)
			if r.Header.Get("X-Block") == name {
				http.Error(w, `{"error":"blocked"}`, http.StatusTeapot)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newTestRouter(ping func(context.Context) error) http.Handler {
	return New(Deps{
		Generations:  &handlers.GenerationHandler{},
		Accounts:     &handlers.AccountHandler{},
		Webhooks:     http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
		Authenticate: tag("auth"),
		RateLimit:    tag("ratelimit"),
		Callback:     tag("callback"),
		Ping:         ping,
		AllowedOrigins: []string{
			"https://gardenlens.app",
		},
	})
}

func TestRoutes_MiddlewareChains(t *testing.T) {
	h := newTestRouter(nil)
	cases := []struct {
		method, path string
		block        string
		want         []string
	}{
		{http.MethodPost, "/v1/generations", "ratelimit", []string{"auth", "ratelimit"}},
		{http.MethodGet, "/v1/generations", "auth", []string{"auth"}},
		{http.MethodGet, "/v1/generations/abc", "auth", []string{"auth"}},
		{http.MethodPost, "/v1/generations/abc/areas/front/result", "callback", []string{"callback"}},
		{http.MethodGet, "/v1/account", "auth", []string{"auth"}},
		{http.MethodGet, "/v1/account/transactions", "auth", []string{"auth"}},
	}
	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			req.Header.Set("X-Block", tc.block)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusTeapot, rec.Code)
			assert.Equal(t, tc.want, rec.Header().Values("X-Passed"))
		})
	}
}

func TestRoutes_WebhookIsUnauthenticated(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/billing", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Values("X-Passed"))
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/account", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(func(context.Context) error { return nil }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	newTestRouter(func(context.Context) error { return errors.New("down") }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/v1/generations", nil)
	req.Header.Set("Origin", "https://gardenlens.app")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rec, req)
	assert.Equal(t, "https://gardenlens.app", rec.Header().Get("Access-Control-Allow-Origin"))
}
