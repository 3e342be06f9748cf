package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"dataviz-pipeline/internal/domain"
	"dataviz-pipeline/internal/domain/model"
	"dataviz-pipeline/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*jobRepo)(nil)

type jobRepo struct {
	pool *pgxpool.Pool
	tm   repository.TransactionManager
}

func NewJobRepo(pool *pgxpool.Pool, tm repository.TransactionManager) *jobRepo {
	return &jobRepo{pool: pool, tm: tm}
}

const jobColumns = `id, project_id, fn, selection, status, attempts, max_attempts, scheduled_at, last_error, created_at, updated_at`

func (r *jobRepo) Save(ctx context.Context, tx repository.Tx, job *model.PipelineJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	job.UpdatedAt = time.Now()

	const q = `
INSERT INTO pipeline_jobs (id, project_id, fn, selection, status, attempts, max_attempts, scheduled_at, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  attempts = EXCLUDED.attempts,
  scheduled_at = EXCLUDED.scheduled_at,
  last_error = EXCLUDED.last_error,
  updated_at = EXCLUDED.updated_at;`

	_, err := execSQL(ctx, r.pool, tx, q,
		job.ID, job.ProjectID, job.Fn, job.Selection, string(job.Status), job.Attempts,
		job.MaxAttempts, job.ScheduledAt, job.LastError, job.CreatedAt, job.UpdatedAt)
	return err
}

func (r *jobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PipelineJob, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = $1;`, id)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *jobRepo) FindActive(ctx context.Context, tx repository.Tx, projectID, fn string) (*model.PipelineJob, error) {
	const q = `
SELECT ` + jobColumns + `
FROM pipeline_jobs
WHERE project_id = $1 AND fn = $2 AND status IN ('pending', 'running')
ORDER BY created_at
LIMIT 1;`

	row, err := pickRow(ctx, r.pool, tx, q, projectID, fn)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

// ClaimNextDue atomically picks the oldest due pending job and marks it
// running inside one transaction. FOR UPDATE SKIP LOCKED makes concurrent
// claimers skip rows another worker holds, so exactly one wins.
func (r *jobRepo) ClaimNextDue(ctx context.Context, now time.Time) (*model.PipelineJob, error) {
	var job *model.PipelineJob

	err := r.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		const fetchQuery = `
SELECT ` + jobColumns + `
FROM pipeline_jobs
WHERE status = 'pending' AND scheduled_at <= $1
ORDER BY scheduled_at, id
LIMIT 1
FOR UPDATE SKIP LOCKED;`

		row, err := pickRow(ctx, r.pool, tx, fetchQuery, now)
		if err != nil {
			return err
		}
		fetched, err := scanJob(row)
		if err != nil {
			return err
		}

		fetched.Status = model.JobStatusRunning
		fetched.UpdatedAt = time.Now()
		if err := r.Save(ctx, tx, fetched); err != nil {
			return err
		}
		job = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateIf persists the job's current fields only if the stored status still
// equals expected: one conditional UPDATE, never read-then-write.
func (r *jobRepo) UpdateIf(ctx context.Context, tx repository.Tx, job *model.PipelineJob, expected model.JobStatus) error {
	job.UpdatedAt = time.Now()

	const q = `
UPDATE pipeline_jobs
SET status = $1, attempts = $2, scheduled_at = $3, last_error = $4, updated_at = $5
WHERE id = $6 AND status = $7;`

	tag, err := execSQL(ctx, r.pool, tx, q,
		string(job.Status), job.Attempts, job.ScheduledAt, job.LastError, job.UpdatedAt,
		job.ID, string(expected))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotClaimable
	}
	return nil
}

// ReleaseStale frees claims abandoned by crashed workers: running jobs not
// touched since cutoff go back to pending for immediate re-claim.
func (r *jobRepo) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `
UPDATE pipeline_jobs
SET status = 'pending', updated_at = now()
WHERE status = 'running' AND updated_at < $1;`

	tag, err := execSQL(ctx, r.pool, nil, q, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*model.PipelineJob, error) {
	var (
		j      model.PipelineJob
		status string
	)
	err := row.Scan(
		&j.ID, &j.ProjectID, &j.Fn, &j.Selection, &status, &j.Attempts,
		&j.MaxAttempts, &j.ScheduledAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	j.Status = model.JobStatus(status)
	return &j, nil
}
