package router

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/gardenlens/backend/internal/handlers"
)

type Middleware func(http.Handler) http.Handler

// Deps are the handlers and middleware the API is assembled from.
type Deps struct {
	Generations *handlers.GenerationHandler
	Accounts    *handlers.AccountHandler
	// Webhooks receives billing processor events.
	Webhooks http.Handler

	Authenticate Middleware
	RateLimit    Middleware
	Callback     Middleware

	// Ping reports whether the database is reachable.
	Ping           func(ctx context.Context) error
	AllowedOrigins []string
}

// New returns the API handler.
// Chains: Authenticate -> RateLimit -> CreateGeneration; Authenticate -> reads;
// Callback -> SubmitAreaResult.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	authed := func(h http.HandlerFunc) http.Handler { return d.Authenticate(h) }

	mux.Handle("POST /v1/generations", d.Authenticate(d.RateLimit(http.HandlerFunc(d.Generations.CreateGeneration))))
	mux.Handle("GET /v1/generations", authed(d.Generations.ListGenerations))
	mux.Handle("GET /v1/generations/{id}", authed(d.Generations.GetGeneration))
	mux.Handle("POST /v1/generations/{id}/areas/{area_id}/result", d.Callback(http.HandlerFunc(d.Generations.SubmitAreaResult)))

	mux.Handle("GET /v1/account", authed(d.Accounts.GetAccount))
	mux.Handle("GET /v1/account/transactions", authed(d.Accounts.ListTransactions))

	mux.Handle("POST /webhooks/billing", d.Webhooks)

	mux.HandleFunc("GET /healthz", health(d.Ping))
	mux.Handle("GET /metrics", promhttp.Handler())

	return cors.New(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)
}

func health(ping func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ok"}`))
	}
}
