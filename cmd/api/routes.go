package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/gardenlens/backend/internal/auth"
	"github.com/gardenlens/backend/internal/config"
	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/execution"
	"github.com/gardenlens/backend/internal/generation"
	"github.com/gardenlens/backend/internal/handlers"
	"github.com/gardenlens/backend/internal/ledger"
	"github.com/gardenlens/backend/internal/middleware"
	"github.com/gardenlens/backend/internal/ratelimit"
	"github.com/gardenlens/backend/internal/repository"
	"github.com/gardenlens/backend/internal/router"
	"github.com/gardenlens/backend/internal/webhooks"
)

type app struct {
	handler http.Handler
	river   *river.Client[pgx.Tx]
}

// buildApp wires repositories, services, the River client and the router.
func buildApp(pool *pgxpool.Pool, cfg *config.Config, logger *slog.Logger) (*app, error) {
	retry := db.DefaultRetryPolicy
	retry.MaxTries = cfg.LedgerLockRetries

	accountRepo := repository.NewAccountRepo(pool)
	creditRepo := repository.NewCreditRepo(pool)
	generationRepo := repository.NewGenerationRepo(pool)
	eventRepo := repository.NewWebhookEventRepo(pool)
	attemptRepo := repository.NewAttemptRepo(pool)

	ledgerSvc := ledger.NewService(pool, accountRepo, creditRepo, generationRepo, ledger.Config{
		TrialCredits: cfg.TrialCredits,
		Retry:        retry,
	}, logger)

	params, err := generation.NewParamsValidator()
	if err != nil {
		return nil, err
	}

	genSvc := generation.NewService(pool, generationRepo, ledgerSvc, params, nil, generation.Config{
		MaxAreas:      cfg.MaxAreas,
		AreaEstimate:  cfg.AreaEstimate,
		Concurrency:   cfg.Concurrency,
		EstimateSlack: cfg.EstimateSlack,
		JobTimeout:    cfg.JobTimeout,
		Retry:         retry,
	}, logger)

	limiter := ratelimit.NewLimiter(pool, accountRepo, attemptRepo, ratelimit.Config{
		Window: cfg.RateLimitWindow,
		Max:    cfg.RateLimitMax,
		Retry:  retry,
	}, logger)

	generator := execution.NewHTTPGenerator(cfg.GeneratorURL, cfg.PublicBaseURL, cfg.GeneratorCallbackToken, cfg.GeneratorTimeout)

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewGenerateAreaWorker(genSvc, generator, cfg.GeneratorTimeout, logger))
	river.AddWorker(workers, execution.NewSweepTimeoutsWorker(genSvc, logger))
	river.AddWorker(workers, execution.NewReconcileRefundsWorker(genSvc, logger))
	river.AddWorker(workers, execution.NewPruneRateLimitWorker(limiter, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Concurrency},
		},
		Workers:      workers,
		PeriodicJobs: execution.PeriodicJobs(cfg.TimeoutSweepEvery, cfg.RefundSweepEvery, cfg.PruneEvery),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}

	// The River client needs the workers, which need genSvc, so enqueue is wired last.
	genSvc.SetEnqueue(func(ctx context.Context, tx pgx.Tx, args execution.GenerateAreaArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, &river.InsertOpts{MaxAttempts: cfg.AreaAttempts})
		return err
	})

	guard := webhooks.NewGuard(pool, eventRepo, ledgerSvc, cfg.BillingWebhookSecret, retry, logger)
	authSvc := auth.NewService(cfg.JWTSecret)

	handler := router.New(router.Deps{
		Generations:    &handlers.GenerationHandler{Generations: genSvc, Logger: logger},
		Accounts:       &handlers.AccountHandler{Ledger: ledgerSvc, Logger: logger},
		Webhooks:       webhooks.NewHandler(guard, logger),
		Authenticate:   middleware.Authenticate(authSvc, ledgerSvc, logger),
		RateLimit:      middleware.RateLimit(limiter, cfg.RateLimitWindow, logger),
		Callback:       middleware.CallbackToken(cfg.GeneratorCallbackToken),
		Ping:           pool.Ping,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	return &app{handler: handler, river: riverClient}, nil
}
