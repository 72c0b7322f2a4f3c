package generation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/ledger"
	"github.com/gardenlens/backend/internal/metrics"
	"github.com/gardenlens/backend/internal/models"
)

// AreaStatus is one entry of the polling projection.
type AreaStatus struct {
	AreaID          string            `json:"area_id"`
	Status          models.AreaStatus `json:"status"`
	Progress        int               `json:"progress"`
	ResultReference *string           `json:"result_reference"`
	Error           *string           `json:"error"`
}

// Status is the read-only projection clients poll.
type Status struct {
	JobID         uuid.UUID            `json:"job_id"`
	Kind          models.JobKind       `json:"kind"`
	Status        models.JobStatus     `json:"status"`
	Terminal      bool                 `json:"terminal"`
	FundingSource models.FundingSource `json:"funding_source"`
	UnitsCharged  int                  `json:"units_charged"`
	Refunded      bool                 `json:"refunded"`
	FailureReason *string              `json:"failure_reason,omitempty"`
	Areas         []AreaStatus         `json:"areas"`
	CreatedAt     time.Time            `json:"created_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
}

// Project builds the polling projection of a job.
func Project(j *models.GenerationJob) *Status {
	st := &Status{
		JobID:         j.ID,
		Kind:          j.Kind,
		Status:        j.Status,
		Terminal:      j.Status.Terminal(),
		FundingSource: j.FundingSource,
		UnitsCharged:  j.UnitsCharged,
		Refunded:      j.Refunded,
		FailureReason: j.FailureReason,
		Areas:         make([]AreaStatus, len(j.Areas)),
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
	for i, a := range j.Areas {
		st.Areas[i] = AreaStatus{
			AreaID:          a.AreaID,
			Status:          a.Status,
			Progress:        a.Progress,
			ResultReference: a.ResultRef,
			Error:           a.Error,
		}
	}
	return st
}

// GetStatus is a pure read of persisted state. Jobs owned by someone else are
// reported as not found.
func (s *Service) GetStatus(ctx context.Context, jobID, ownerID uuid.UUID) (*Status, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return Project(job), nil
}

// List returns the owner's most recent jobs, newest first.
func (s *Service) List(ctx context.Context, ownerID uuid.UUID, limit int) ([]*Status, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	jobs, err := s.jobs.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Status, len(jobs))
	for i, j := range jobs {
		out[i] = Project(j)
	}
	return out, nil
}

const sweepBatch = 100

// SweepTimedOut force-fails jobs still unfinished JobTimeout after creation.
func (s *Service) SweepTimedOut(ctx context.Context) (int, error) {
	cutoff := s.cfg.Now().Add(-s.cfg.JobTimeout)
	ids, err := s.jobs.ListOpenBefore(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, id := range ids {
		failed, err := s.FailJob(ctx, id, "timed out")
		if err != nil {
			errs = append(errs, err)
			s.log.Error("timeout sweep failed job", "job_id", id, "error", err)
			continue
		}
		if failed {
			n++
			s.log.Warn("generation job timed out", "job_id", id)
		}
	}
	metrics.SweepRemoved.WithLabelValues("timeout").Add(float64(n))
	return n, errors.Join(errs...)
}

// ReconcileRefunds posts refunds for failed jobs whose refund never committed.
func (s *Service) ReconcileRefunds(ctx context.Context) (int, error) {
	ids, err := s.jobs.ListUnrefunded(ctx, sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, id := range ids {
		posted := false
		err := s.withJob(ctx, id, func(tx pgx.Tx, job *models.GenerationJob) error {
			_, err := s.ledger.RefundTx(ctx, tx, job)
			switch {
			case err == nil:
				posted = true
				return nil
			case errors.Is(err, ledger.ErrAlreadyRefunded), errors.Is(err, ledger.ErrNotRefundable):
				return nil
			default:
				return err
			}
		})
		if err != nil {
			if !errors.Is(err, db.ErrBusy) {
				errs = append(errs, err)
			}
			s.log.Error("refund reconciliation failed", "job_id", id, "error", err)
			continue
		}
		if posted {
			n++
		}
	}
	metrics.SweepRemoved.WithLabelValues("refund").Add(float64(n))
	return n, errors.Join(errs...)
}
