package repository

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gardenlens/backend/internal/db"
	"github.com/gardenlens/backend/internal/models"
)

const jobColumns = `id, owner_id, kind, status, funding_source, units_charged, refunded, failure_reason,
	created_at, started_at, completed_at, updated_at`

const areaColumns = `job_id, area_id, position, status, params, result_ref, error, progress, updated_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type GenerationRepo struct {
	pool *pgxpool.Pool
}

func NewGenerationRepo(pool *pgxpool.Pool) *GenerationRepo {
	return &GenerationRepo{pool: pool}
}

func scanJob(row pgx.Row) (*models.GenerationJob, error) {
	var j models.GenerationJob
	err := row.Scan(&j.ID, &j.OwnerID, &j.Kind, &j.Status, &j.FundingSource, &j.UnitsCharged, &j.Refunded,
		&j.FailureReason, &j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, db.Classify(err)
	}
	return &j, nil
}

func loadAreas(ctx context.Context, q querier, jobs ...*models.GenerationJob) error {
	if len(jobs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	rows, err := q.Query(ctx, `SELECT `+areaColumns+` FROM generation_areas WHERE job_id = ANY($1) ORDER BY job_id, position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	var areas []models.AreaResult
	for rows.Next() {
		var a models.AreaResult
		if err := rows.Scan(&a.JobID, &a.AreaID, &a.Position, &a.Status, &a.Params, &a.ResultRef, &a.Error,
			&a.Progress, &a.UpdatedAt); err != nil {
			return err
		}
		areas = append(areas, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	attachAreas(jobs, areas)
	return nil
}

// attachAreas hands each job its own areas, keeping their position order.
func attachAreas(jobs []*models.GenerationJob, areas []models.AreaResult) {
	byID := make(map[uuid.UUID]*models.GenerationJob, len(jobs))
	for _, j := range jobs {
		j.Areas = j.Areas[:0]
		byID[j.ID] = j
	}
	for _, a := range areas {
		if j, ok := byID[a.JobID]; ok {
			j.Areas = append(j.Areas, a)
		}
	}
	for _, j := range jobs {
		slices.SortStableFunc(j.Areas, func(x, y models.AreaResult) int { return x.Position - y.Position })
	}
}

// snapshotTx is used for reads that combine a job row with its areas, so the
// aggregate status and the areas come from the same commit.
var snapshotTx = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

func (r *GenerationRepo) inSnapshot(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, snapshotTx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateTx inserts the job and all of its areas inside the caller's transaction.
func (r *GenerationRepo) CreateTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO generation_jobs (id, owner_id, kind, status, funding_source, units_charged)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, j.ID, j.OwnerID, j.Kind, j.Status, j.FundingSource, j.UnitsCharged).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return err
	}
	for i := range j.Areas {
		a := &j.Areas[i]
		a.JobID = j.ID
		a.Position = i
		err := tx.QueryRow(ctx, `
			INSERT INTO generation_areas (job_id, area_id, position, status, params)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING updated_at
		`, a.JobID, a.AreaID, a.Position, a.Status, a.Params).Scan(&a.UpdatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetByID reads the job and its areas from one snapshot.
func (r *GenerationRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error) {
	var j *models.GenerationJob
	err := r.inSnapshot(ctx, func(tx pgx.Tx) error {
		var err error
		j, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id))
		if err != nil {
			return err
		}
		return loadAreas(ctx, tx, j)
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// GetForUpdateTx locks the job row with NOWAIT and loads its areas. Area rows
// are only written while the job lock is held, so they need no lock of their own.
func (r *GenerationRepo) GetForUpdateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.GenerationJob, error) {
	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1 FOR UPDATE NOWAIT`, id))
	if err != nil {
		return nil, err
	}
	if err := loadAreas(ctx, tx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (r *GenerationRepo) UpdateTx(ctx context.Context, tx pgx.Tx, j *models.GenerationJob) error {
	return tx.QueryRow(ctx, `
		UPDATE generation_jobs
		SET status = $2, failure_reason = $3, started_at = $4, completed_at = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, j.ID, j.Status, j.FailureReason, j.StartedAt, j.CompletedAt).Scan(&j.UpdatedAt)
}

func (r *GenerationRepo) UpdateAreaTx(ctx context.Context, tx pgx.Tx, a *models.AreaResult) error {
	return tx.QueryRow(ctx, `
		UPDATE generation_areas
		SET status = $3, result_ref = $4, error = $5, progress = $6, updated_at = now()
		WHERE job_id = $1 AND area_id = $2
		RETURNING updated_at
	`, a.JobID, a.AreaID, a.Status, a.ResultRef, a.Error, a.Progress).Scan(&a.UpdatedAt)
}

func (r *GenerationRepo) MarkRefundedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `UPDATE generation_jobs SET refunded = TRUE, updated_at = now() WHERE id = $1 AND refunded = FALSE`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

// ListByOwner returns the owner's most recent jobs with their areas, read
// from one snapshot.
func (r *GenerationRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.GenerationJob, error) {
	var list []*models.GenerationJob
	err := r.inSnapshot(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+jobColumns+` FROM generation_jobs WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2
		`, ownerID, limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			list = append(list, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		return loadAreas(ctx, tx, list...)
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// ListOpenBefore returns ids of non-terminal jobs created before cutoff.
func (r *GenerationRepo) ListOpenBefore(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT id FROM generation_jobs
		WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at LIMIT $2
	`, cutoff, limit)
}

// ListUnrefunded returns ids of failed or partially failed jobs whose refund has not posted.
func (r *GenerationRepo) ListUnrefunded(ctx context.Context, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT id FROM generation_jobs
		WHERE status IN ('failed', 'partial_failed') AND refunded = FALSE AND funding_source <> 'subscription'
		ORDER BY completed_at LIMIT $1
	`, limit)
}

func (r *GenerationRepo) listIDs(ctx context.Context, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}
