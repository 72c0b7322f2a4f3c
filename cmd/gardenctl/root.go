package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/gardenlens/backend/internal/config"
	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/generation"
	"github.com/gardenlens/backend/internal/ledger"
	"github.com/gardenlens/backend/internal/ratelimit"
	"github.com/gardenlens/backend/internal/repository"
)

// deps lets tests replace configuration loading and database access.
type deps struct {
	loadConfig func() (*config.Config, error)
	openPool   func(ctx context.Context, url string) (*pgxpool.Pool, error)
	logger     *slog.Logger
}

func defaultDeps() *deps {
	return &deps{
		loadConfig: func() (*config.Config, error) { return config.Load(nil) },
		openPool:   pgxpool.New,
		logger:     slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
}

func newRootCmd(d *deps) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gardenctl",
		Short:         "GardenLens operator tool",
		Long:          "gardenctl applies migrations, posts manual credit grants, runs sweeps on demand and inspects generation jobs.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newMigrateCmd(d),
		newGrantCmd(d),
		newSweepCmd(d),
		newTokenCmd(d),
		newStatusCmd(d),
	)
	return rootCmd
}

// services is the subset of the server's wiring the CLI needs.
type services struct {
	pool       *pgxpool.Pool
	cfg        *config.Config
	ledger     *ledger.Service
	generation *generation.Service
	limiter    *ratelimit.Limiter
}

func (d *deps) connect(ctx context.Context) (*services, error) {
	cfg, err := d.loadConfig()
	if err != nil {
		return nil, err
	}
	pool, err := d.openPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	retry := db.DefaultRetryPolicy
	retry.MaxTries = cfg.LedgerLockRetries
	accounts := repository.NewAccountRepo(pool)
	jobs := repository.NewGenerationRepo(pool)
	led := ledger.NewService(pool, accounts, repository.NewCreditRepo(pool), jobs, ledger.Config{
		TrialCredits: cfg.TrialCredits,
		Retry:        retry,
	}, d.logger)
	// Sweeps never create jobs, so nothing is enqueued from the CLI.
	gen := generation.NewService(pool, jobs, led, nil, nil, generation.Config{
		JobTimeout: cfg.JobTimeout,
		Retry:      retry,
	}, d.logger)
	limiter := ratelimit.NewLimiter(pool, accounts, repository.NewAttemptRepo(pool), ratelimit.Config{
		Window: cfg.RateLimitWindow,
		Max:    cfg.RateLimitMax,
		Retry:  retry,
	}, d.logger)
	return &services{pool: pool, cfg: cfg, ledger: led, generation: gen, limiter: limiter}, nil
}
