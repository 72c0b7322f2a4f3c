// Package generation owns the lifecycle of multi-area generation jobs: charge
// before work, per-area results, aggregate status and refund on failure.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/execution"
	"github.com/gardenlens/backend/internal/ledger"
	"github.com/gardenlens/backend/internal/metrics"
	"github.com/gardenlens/backend/internal/models"
)

var (
	ErrInvalidRequest = errors.New("invalid generation request")
	ErrNotFound       = db.ErrNotFound
	ErrAreaNotFound   = errors.New("area not found")
)

type Ledger interface {
	ChargeTx(ctx context.Context, tx pgx.Tx, req ledger.ChargeRequest) (*ledger.ChargeResult, error)
	RefundTx(ctx context.Context, tx pgx.Tx, job *models.GenerationJob) (*ledger.RefundResult, error)
}

type Store interface {
	CreateTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.GenerationJob, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error
	UpdateAreaTx(ctx context.Context, tx pgx.Tx, a *models.AreaResult) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.GenerationJob, error)
	ListOpenBefore(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	ListUnrefunded(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// EnqueueAreaTxFunc enqueues area work within the given transaction. Provided
// by main using river.Client.InsertTx.
type EnqueueAreaTxFunc func(ctx context.Context, tx pgx.Tx, args execution.GenerateAreaArgs) error

type Config struct {
	MaxAreas int
	// AreaEstimate is the expected duration of one area; Concurrency is how
	// many areas run at once. Together with EstimateSlack they give the
	// completion estimate returned by Create.
	AreaEstimate  time.Duration
	Concurrency   int
	EstimateSlack time.Duration
	JobTimeout    time.Duration
	Retry         db.RetryPolicy
	Now           func() time.Time
}

func (c *Config) setDefaults() {
	if c.MaxAreas <= 0 {
		c.MaxAreas = 8
	}
	if c.AreaEstimate <= 0 {
		c.AreaEstimate = 45 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.EstimateSlack < 0 {
		c.EstimateSlack = 0
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 15 * time.Minute
	}
	if c.Retry.MaxTries == 0 {
		c.Retry = db.DefaultRetryPolicy
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type Service struct {
	pool    db.TxBeginner
	jobs    Store
	ledger  Ledger
	params  *ParamsValidator
	enqueue EnqueueAreaTxFunc
	cfg     Config
	log     *slog.Logger
}

// NewService creates the orchestrator. enqueue is typically a closure over
// river.Client.InsertTx; the returned *Service also satisfies
// execution.AreaReporter for the River worker.
func NewService(pool db.TxBeginner, jobs Store, l Ledger, params *ParamsValidator, enqueue EnqueueAreaTxFunc, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	cfg.setDefaults()
	return &Service{pool: pool, jobs: jobs, ledger: l, params: params, enqueue: enqueue, cfg: cfg, log: log}
}

var _ execution.AreaReporter = (*Service)(nil)

// ErrNoQueue is returned by Create until an enqueue func is wired.
var ErrNoQueue = errors.New("generation queue not configured")

// SetEnqueue wires the enqueue func after construction, for when the queue
// client needs the service's workers first. Call it before serving requests.
func (s *Service) SetEnqueue(fn EnqueueAreaTxFunc) { s.enqueue = fn }

type AreaRequest struct {
	AreaID string
	Params []byte
}

type CreateRequest struct {
	OwnerID uuid.UUID
	Kind    models.JobKind
	Areas   []AreaRequest
	// Units to charge. Zero means one unit per area.
	Units int
}

type Created struct {
	Job              *models.GenerationJob
	EstimatedSeconds int
}

func (s *Service) validate(req *CreateRequest) error {
	if req.Kind == "" {
		req.Kind = models.JobKindLandscape
	}
	if req.Kind != models.JobKindLandscape && req.Kind != models.JobKindHoliday {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	if n := len(req.Areas); n == 0 || n > s.cfg.MaxAreas {
		return fmt.Errorf("%w: between 1 and %d areas required, got %d", ErrInvalidRequest, s.cfg.MaxAreas, n)
	}
	seen := make(map[string]bool, len(req.Areas))
	for _, a := range req.Areas {
		if a.AreaID == "" {
			return fmt.Errorf("%w: area_id is required", ErrInvalidRequest)
		}
		if seen[a.AreaID] {
			return fmt.Errorf("%w: duplicate area_id %q", ErrInvalidRequest, a.AreaID)
		}
		seen[a.AreaID] = true
		if s.params != nil {
			if err := s.params.Validate(req.Kind, a.Params); err != nil {
				return fmt.Errorf("area %q: %w", a.AreaID, err)
			}
		}
	}
	if req.Units == 0 {
		req.Units = len(req.Areas)
	}
	if req.Units < 0 {
		return fmt.Errorf("%w: units must be positive", ErrInvalidRequest)
	}
	return nil
}

// Create charges the owner and, in the same transaction, persists the job with
// all areas pending and enqueues one unit of work per area. If the charge
// fails no job row exists.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if s.enqueue == nil {
		return nil, ErrNoQueue
	}
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	job := &models.GenerationJob{
		ID:           uuid.New(),
		OwnerID:      req.OwnerID,
		Kind:         req.Kind,
		Status:       models.JobPending,
		UnitsCharged: req.Units,
		Areas:        make([]models.AreaResult, len(req.Areas)),
	}
	for i, a := range req.Areas {
		params := a.Params
		if len(params) == 0 {
			params = []byte(`{}`)
		}
		job.Areas[i] = models.AreaResult{AreaID: a.AreaID, Status: models.AreaPending, Params: params}
	}

	_, err := db.RetryBusy(ctx, s.cfg.Retry, func() (struct{}, error) {
		return struct{}{}, db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
			charge, err := s.ledger.ChargeTx(ctx, tx, ledger.ChargeRequest{
				AccountID: req.OwnerID,
				Units:     req.Units,
				Purpose:   req.Kind,
				JobID:     &job.ID,
			})
			if err != nil {
				return err
			}
			job.FundingSource = charge.FundingSource
			if err := s.jobs.CreateTx(ctx, tx, job); err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			for _, a := range job.Areas {
				if err := s.enqueue(ctx, tx, execution.GenerateAreaArgs{
					JobID:   job.ID,
					AreaID:  a.AreaID,
					JobKind: job.Kind,
					Params:  a.Params,
				}); err != nil {
					return fmt.Errorf("enqueue area %q: %w", a.AreaID, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("generation job created", "job_id", job.ID, "account_id", job.OwnerID,
		"areas", len(job.Areas), "funding_source", job.FundingSource)
	return &Created{Job: job, EstimatedSeconds: s.Estimate(len(job.Areas))}, nil
}

// Estimate is a conservative completion time for n areas in seconds.
func (s *Service) Estimate(n int) int {
	batches := (n + s.cfg.Concurrency - 1) / s.cfg.Concurrency
	return int((time.Duration(batches)*s.cfg.AreaEstimate + s.cfg.EstimateSlack).Seconds())
}

// withJob runs fn with the job row locked, retrying on lock contention.
func (s *Service) withJob(ctx context.Context, jobID uuid.UUID, fn func(tx pgx.Tx, job *models.GenerationJob) error) error {
	_, err := db.RetryBusy(ctx, s.cfg.Retry, func() (struct{}, error) {
		return struct{}{}, db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
			job, err := s.jobs.GetForUpdateTx(ctx, tx, jobID)
			if err != nil {
				return err
			}
			return fn(tx, job)
		})
	})
	return err
}

// StartArea marks an area as processing and moves a pending job to
// processing. It reports false when the work should not run: the job is
// already terminal or the area already finished.
func (s *Service) StartArea(ctx context.Context, jobID uuid.UUID, areaID string) (bool, error) {
	proceed := false
	err := s.withJob(ctx, jobID, func(tx pgx.Tx, job *models.GenerationJob) error {
		area := job.Area(areaID)
		if area == nil {
			return ErrAreaNotFound
		}
		if job.Status.Terminal() || area.Status.Terminal() {
			return nil
		}
		proceed = true
		if area.Status == models.AreaProcessing {
			return nil
		}
		area.Status = models.AreaProcessing
		if err := s.jobs.UpdateAreaTx(ctx, tx, area); err != nil {
			return fmt.Errorf("update area: %w", err)
		}
		return s.saveAggregate(ctx, tx, job)
	})
	return proceed, err
}

// CompleteArea implements execution.AreaReporter.
func (s *Service) CompleteArea(ctx context.Context, jobID uuid.UUID, areaID, resultRef string) error {
	_, err := s.ReportAreaResult(ctx, jobID, areaID, AreaOutcome{ResultRef: resultRef})
	return err
}

// FailArea implements execution.AreaReporter.
func (s *Service) FailArea(ctx context.Context, jobID uuid.UUID, areaID, reason string) error {
	if reason == "" {
		reason = "generation failed"
	}
	_, err := s.ReportAreaResult(ctx, jobID, areaID, AreaOutcome{Error: reason})
	return err
}

// ReportProgress records a progress percentage for a running area. Reports for
// finished areas or jobs are ignored, and progress never moves backwards.
func (s *Service) ReportProgress(ctx context.Context, jobID uuid.UUID, areaID string, pct int) error {
	pct = min(max(pct, 0), 99)
	return s.withJob(ctx, jobID, func(tx pgx.Tx, job *models.GenerationJob) error {
		area := job.Area(areaID)
		if area == nil {
			return ErrAreaNotFound
		}
		if job.Status.Terminal() || area.Status.Terminal() || pct <= area.Progress {
			return nil
		}
		area.Progress = pct
		area.Status = models.AreaProcessing
		if err := s.jobs.UpdateAreaTx(ctx, tx, area); err != nil {
			return fmt.Errorf("update area: %w", err)
		}
		return s.saveAggregate(ctx, tx, job)
	})
}

// AreaOutcome is what the generator reported for one area. A non-empty Error
// marks the area failed.
type AreaOutcome struct {
	ResultRef string
	Error     string
}

// ReportOutcome describes what ReportAreaResult did. None of them is an error
// for the reporter.
type ReportOutcome string

const (
	ReportApplied   ReportOutcome = "applied"
	ReportDuplicate ReportOutcome = "duplicate"
	ReportDiscarded ReportOutcome = "discarded"
)

// ReportAreaResult records an area's terminal outcome, recomputes the
// aggregate status and, when the job ends failed or partially failed, refunds
// the charge in the same transaction. Reports for finished areas are no-ops;
// reports for finished jobs are discarded.
func (s *Service) ReportAreaResult(ctx context.Context, jobID uuid.UUID, areaID string, out AreaOutcome) (ReportOutcome, error) {
	var outcome ReportOutcome
	err := s.withJob(ctx, jobID, func(tx pgx.Tx, job *models.GenerationJob) error {
		if job.Status.Terminal() {
			outcome = ReportDiscarded
			return nil
		}
		area := job.Area(areaID)
		if area == nil {
			return ErrAreaNotFound
		}
		if area.Status.Terminal() {
			outcome = ReportDuplicate
			return nil
		}
		if out.Error != "" {
			reason := out.Error
			area.Status = models.AreaFailed
			area.Error = &reason
		} else {
			ref := out.ResultRef
			area.Status = models.AreaCompleted
			area.ResultRef = &ref
			area.Progress = 100
		}
		if err := s.jobs.UpdateAreaTx(ctx, tx, area); err != nil {
			return fmt.Errorf("update area: %w", err)
		}
		outcome = ReportApplied
		if job.StartedAt == nil {
			now := s.cfg.Now()
			job.StartedAt = &now
		}
		return s.saveAggregate(ctx, tx, job)
	})
	if err != nil {
		return "", err
	}
	switch outcome {
	case ReportDuplicate:
		s.log.Warn("duplicate area result ignored", "job_id", jobID, "area_id", areaID)
		metrics.AreaResults.WithLabelValues(string(outcome)).Inc()
	case ReportDiscarded:
		s.log.Warn("area result for closed job discarded", "job_id", jobID, "area_id", areaID)
		metrics.AreaResults.WithLabelValues(string(outcome)).Inc()
	default:
		label := "completed"
		if out.Error != "" {
			label = "failed"
		}
		metrics.AreaResults.WithLabelValues(label).Inc()
	}
	return outcome, nil
}

// FailJob force-fails every unfinished area and the job itself, then refunds.
// It is used for timeouts and failures that happen before or around area
// work. It reports false when the job was already terminal.
func (s *Service) FailJob(ctx context.Context, jobID uuid.UUID, reason string) (bool, error) {
	var failed bool
	err := s.withJob(ctx, jobID, func(tx pgx.Tx, job *models.GenerationJob) error {
		if job.Status.Terminal() {
			return nil
		}
		for i := range job.Areas {
			area := &job.Areas[i]
			if area.Status.Terminal() {
				continue
			}
			msg := reason
			area.Status = models.AreaFailed
			area.Error = &msg
			if err := s.jobs.UpdateAreaTx(ctx, tx, area); err != nil {
				return fmt.Errorf("update area: %w", err)
			}
		}
		msg := reason
		job.FailureReason = &msg
		failed = true
		return s.finish(ctx, tx, job, models.JobFailed)
	})
	return failed, err
}

// saveAggregate recomputes and persists the job status after an area change.
func (s *Service) saveAggregate(ctx context.Context, tx pgx.Tx, job *models.GenerationJob) error {
	next := Aggregate(job.Areas)
	if next.Terminal() {
		return s.finish(ctx, tx, job, next)
	}
	if next == job.Status {
		return nil
	}
	job.Status = next
	if next == models.JobProcessing && job.StartedAt == nil {
		now := s.cfg.Now()
		job.StartedAt = &now
	}
	if err := s.jobs.UpdateTx(ctx, tx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// finish moves the job to a terminal status and refunds it when the status
// calls for it. The refund shares the caller's transaction.
func (s *Service) finish(ctx context.Context, tx pgx.Tx, job *models.GenerationJob, status models.JobStatus) error {
	now := s.cfg.Now()
	job.Status = status
	job.CompletedAt = &now
	if err := s.jobs.UpdateTx(ctx, tx, job); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	metrics.JobsTerminal.WithLabelValues(string(status)).Inc()
	s.log.Info("generation job finished", "job_id", job.ID, "status", status)

	if status != models.JobFailed && status != models.JobPartialFailed {
		return nil
	}
	_, err := s.ledger.RefundTx(ctx, tx, job)
	switch {
	case err == nil, errors.Is(err, ledger.ErrAlreadyRefunded), errors.Is(err, ledger.ErrNotRefundable):
		return nil
	default:
		return fmt.Errorf("refund: %w", err)
	}
}
