package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/models"
)

type JobStore struct {
	s *Store
}

func copyJob(j *models.GenerationJob) *models.GenerationJob {
	cp := *j
	cp.Areas = append([]models.AreaResult(nil), j.Areas...)
	return &cp
}

// Get returns a copy of the job row, or nil.
func (js *JobStore) Get(id uuid.UUID) *models.GenerationJob {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	j, ok := js.s.jobs[id]
	if !ok {
		return nil
	}
	return copyJob(j)
}

// Put seeds or replaces a job outside of any transaction.
func (js *JobStore) Put(j *models.GenerationJob) {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	cp := copyJob(j)
	for i := range cp.Areas {
		cp.Areas[i].JobID = cp.ID
		cp.Areas[i].Position = i
	}
	js.s.jobs[cp.ID] = cp
}

func (js *JobStore) CreateTx(_ context.Context, tx pgx.Tx, j *models.GenerationJob) error {
	t, err := js.s.txOf(tx)
	if err != nil {
		return err
	}
	defer js.s.mu.Unlock()
	if _, ok := js.s.jobs[j.ID]; ok {
		return errUniqueKey
	}
	now := time.Now()
	j.CreatedAt, j.UpdatedAt = now, now
	for i := range j.Areas {
		j.Areas[i].JobID = j.ID
		j.Areas[i].Position = i
		j.Areas[i].UpdatedAt = now
	}
	js.s.jobs[j.ID] = copyJob(j)
	id := j.ID
	t.onRollback(func() { delete(js.s.jobs, id) })
	return nil
}

func (js *JobStore) GetByID(_ context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	if j := js.Get(id); j != nil {
		return j, nil
	}
	return nil, db.ErrNotFound
}

func (js *JobStore) GetForUpdateTx(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.GenerationJob, error) {
	t, err := js.s.txOf(tx)
	if err != nil {
		return nil, err
	}
	defer js.s.mu.Unlock()
	j, ok := js.s.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	if err := t.lockLocked(TableJobs, id.String()); err != nil {
		return nil, db.Classify(err)
	}
	return copyJob(j), nil
}

// withLockedJob runs fn against the stored row after checking the caller's
// transaction holds the job lock. A snapshot is restored on rollback.
func (js *JobStore) withLockedJob(tx pgx.Tx, id uuid.UUID, fn func(row *models.GenerationJob) error) error {
	t, err := js.s.txOf(tx)
	if err != nil {
		return err
	}
	defer js.s.mu.Unlock()
	row, ok := js.s.jobs[id]
	if !ok {
		return db.ErrNotFound
	}
	if js.s.locks[TableJobs+":"+id.String()] != t {
		return errNotLocked
	}
	prev := copyJob(row)
	if err := fn(row); err != nil {
		return err
	}
	row.UpdatedAt = time.Now()
	t.onRollback(func() { *row = *prev })
	return nil
}

func (js *JobStore) UpdateTx(_ context.Context, tx pgx.Tx, j *models.GenerationJob) error {
	return js.withLockedJob(tx, j.ID, func(row *models.GenerationJob) error {
		row.Status = j.Status
		row.FailureReason = j.FailureReason
		row.StartedAt = j.StartedAt
		row.CompletedAt = j.CompletedAt
		return nil
	})
}

func (js *JobStore) UpdateAreaTx(_ context.Context, tx pgx.Tx, a *models.AreaResult) error {
	return js.withLockedJob(tx, a.JobID, func(row *models.GenerationJob) error {
		if a.Progress < 0 || a.Progress > 100 {
			return errCheckViolation
		}
		stored := row.Area(a.AreaID)
		if stored == nil {
			return db.ErrNotFound
		}
		stored.Status = a.Status
		stored.ResultRef = a.ResultRef
		stored.Error = a.Error
		stored.Progress = a.Progress
		stored.UpdatedAt = time.Now()
		a.UpdatedAt = stored.UpdatedAt
		return nil
	})
}

func (js *JobStore) MarkRefundedTx(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	return js.withLockedJob(tx, id, func(row *models.GenerationJob) error {
		if row.Refunded {
			return db.ErrNotFound
		}
		row.Refunded = true
		return nil
	})
}

func (js *JobStore) ListByOwner(_ context.Context, ownerID uuid.UUID, limit int) ([]*models.GenerationJob, error) {
	list := js.filter(func(j *models.GenerationJob) bool { return j.OwnerID == ownerID })
	sort.SliceStable(list, func(i, k int) bool { return list[i].CreatedAt.After(list[k].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (js *JobStore) ListOpenBefore(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	list := js.filter(func(j *models.GenerationJob) bool {
		return !j.Status.Terminal() && j.CreatedAt.Before(cutoff)
	})
	sort.SliceStable(list, func(i, k int) bool { return list[i].CreatedAt.Before(list[k].CreatedAt) })
	return ids(list, limit), nil
}

func (js *JobStore) ListUnrefunded(_ context.Context, limit int) ([]uuid.UUID, error) {
	list := js.filter(func(j *models.GenerationJob) bool {
		return (j.Status == models.JobFailed || j.Status == models.JobPartialFailed) &&
			!j.Refunded && j.FundingSource != models.FundingSubscription
	})
	return ids(list, limit), nil
}

func (js *JobStore) filter(keep func(j *models.GenerationJob) bool) []*models.GenerationJob {
	js.s.mu.Lock()
	defer js.s.mu.Unlock()
	var out []*models.GenerationJob
	for _, j := range js.s.jobs {
		if keep(j) {
			out = append(out, copyJob(j))
		}
	}
	return out
}

func ids(list []*models.GenerationJob, limit int) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(list))
	for _, j := range list {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, j.ID)
	}
	return out
}
