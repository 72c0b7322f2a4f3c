package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/gardenlens/backend/internal/models"
)

type GenerateAreaArgs struct {
	JobID   uuid.UUID       `json:"job_id"`
	AreaID  string          `json:"area_id"`
	JobKind models.JobKind  `json:"kind"`
	Params  json.RawMessage `json:"params"`
}

func (GenerateAreaArgs) Kind() string { return "generate_area" }

// AreaReporter defines the contract the worker needs to report area outcomes.
type AreaReporter interface {
	StartArea(ctx context.Context, jobID uuid.UUID, areaID string) (bool, error)
	CompleteArea(ctx context.Context, jobID uuid.UUID, areaID, resultRef string) error
	FailArea(ctx context.Context, jobID uuid.UUID, areaID, reason string) error
	FailJob(ctx context.Context, jobID uuid.UUID, reason string) (bool, error)
}

type GenerateAreaWorker struct {
	river.WorkerDefaults[GenerateAreaArgs]
	reporter  AreaReporter
	generator Generator
	timeout   time.Duration
	log       *slog.Logger
}

func NewGenerateAreaWorker(reporter AreaReporter, generator Generator, timeout time.Duration, log *slog.Logger) *GenerateAreaWorker {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &GenerateAreaWorker{reporter: reporter, generator: generator, timeout: timeout, log: log}
}

func (w *GenerateAreaWorker) Timeout(*river.Job[GenerateAreaArgs]) time.Duration { return w.timeout }

// Work runs one area. Failures the generator attributes to the area are
// recorded on it and job-level failures end the whole job; transport failures are returned so River retries them, and
// the final attempt records the failure instead.
func (w *GenerateAreaWorker) Work(ctx context.Context, job *river.Job[GenerateAreaArgs]) error {
	args := job.Args

	proceed, err := w.reporter.StartArea(ctx, args.JobID, args.AreaID)
	if err != nil {
		return fmt.Errorf("start area: %w", err)
	}
	if !proceed {
		w.log.Info("area work skipped, already finished", "job_id", args.JobID, "area_id", args.AreaID)
		return nil
	}

	ref, err := w.generator.Generate(ctx, AreaRequest{
		JobID:  args.JobID,
		AreaID: args.AreaID,
		Kind:   args.JobKind,
		Params: args.Params,
	})
	switch {
	case err == nil:
		if err := w.reporter.CompleteArea(ctx, args.JobID, args.AreaID, ref); err != nil {
			return fmt.Errorf("failed to record area result: %w", err)
		}
		return nil
	case errors.Is(err, ErrAccepted):
		// The generator reports back through the result callback.
		return nil
	}

	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return w.failJob(ctx, args, jobErr.Reason)
	}
	var areaErr *AreaError
	if errors.As(err, &areaErr) || job.Attempt >= job.MaxAttempts {
		return w.failArea(ctx, args, err.Error())
	}
	return fmt.Errorf("generator call failed: %w", err)
}

func (w *GenerateAreaWorker) failArea(ctx context.Context, args GenerateAreaArgs, reason string) error {
	if err := w.reporter.FailArea(ctx, args.JobID, args.AreaID, reason); err != nil {
		return fmt.Errorf("area failed (%s) AND failed to record it: %w", reason, err)
	}
	w.log.Warn("area failed", "job_id", args.JobID, "area_id", args.AreaID, "reason", reason)
	return nil
}

func (w *GenerateAreaWorker) failJob(ctx context.Context, args GenerateAreaArgs, reason string) error {
	failed, err := w.reporter.FailJob(ctx, args.JobID, reason)
	if err != nil {
		return fmt.Errorf("job failed (%s) AND failed to record it: %w", reason, err)
	}
	if failed {
		w.log.Warn("job failed", "job_id", args.JobID, "area_id", args.AreaID, "reason", reason)
	}
	return nil
}
