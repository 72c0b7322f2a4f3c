package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

type SweepTimeoutsArgs struct{}

func (SweepTimeoutsArgs) Kind() string { return "sweep_timeouts" }

type ReconcileRefundsArgs struct{}

func (ReconcileRefundsArgs) Kind() string { return "reconcile_refunds" }

type PruneRateLimitArgs struct{}

func (PruneRateLimitArgs) Kind() string { return "prune_rate_limits" }

// JobSweeper is the orchestrator side of the supervising sweeps.
type JobSweeper interface {
	SweepTimedOut(ctx context.Context) (int, error)
	ReconcileRefunds(ctx context.Context) (int, error)
}

// AttemptPruner deletes expired rate limit markers.
type AttemptPruner interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

type SweepTimeoutsWorker struct {
	river.WorkerDefaults[SweepTimeoutsArgs]
	sweeper JobSweeper
	log     *slog.Logger
}

func NewSweepTimeoutsWorker(s JobSweeper, log *slog.Logger) *SweepTimeoutsWorker {
	return &SweepTimeoutsWorker{sweeper: s, log: orDefault(log)}
}

func (w *SweepTimeoutsWorker) Work(ctx context.Context, _ *river.Job[SweepTimeoutsArgs]) error {
	n, err := w.sweeper.SweepTimedOut(ctx)
	if n > 0 {
		w.log.Info("timed out jobs failed", "count", n)
	}
	return err
}

type ReconcileRefundsWorker struct {
	river.WorkerDefaults[ReconcileRefundsArgs]
	sweeper JobSweeper
	log     *slog.Logger
}

func NewReconcileRefundsWorker(s JobSweeper, log *slog.Logger) *ReconcileRefundsWorker {
	return &ReconcileRefundsWorker{sweeper: s, log: orDefault(log)}
}

func (w *ReconcileRefundsWorker) Work(ctx context.Context, _ *river.Job[ReconcileRefundsArgs]) error {
	n, err := w.sweeper.ReconcileRefunds(ctx)
	if n > 0 {
		w.log.Info("missing refunds posted", "count", n)
	}
	return err
}

type PruneRateLimitWorker struct {
	river.WorkerDefaults[PruneRateLimitArgs]
	pruner AttemptPruner
	log    *slog.Logger
}

func NewPruneRateLimitWorker(p AttemptPruner, log *slog.Logger) *PruneRateLimitWorker {
	return &PruneRateLimitWorker{pruner: p, log: orDefault(log)}
}

func (w *PruneRateLimitWorker) Work(ctx context.Context, _ *river.Job[PruneRateLimitArgs]) error {
	n, err := w.pruner.Sweep(ctx, time.Now())
	if n > 0 {
		w.log.Debug("rate limit markers pruned", "count", n)
	}
	return err
}

// PeriodicJobs schedules the sweeps. Each runs once at startup and then on its interval.
func PeriodicJobs(timeoutEvery, refundEvery, pruneEvery time.Duration) []*river.PeriodicJob {
	periodic := func(every time.Duration, args river.JobArgs) *river.PeriodicJob {
		return river.NewPeriodicJob(
			river.PeriodicInterval(every),
			func() (river.JobArgs, *river.InsertOpts) { return args, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		)
	}
	return []*river.PeriodicJob{
		periodic(timeoutEvery, SweepTimeoutsArgs{}),
		periodic(refundEvery, ReconcileRefundsArgs{}),
		periodic(pruneEvery, PruneRateLimitArgs{}),
	}
}

func orDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}
