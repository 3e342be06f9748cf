package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"dataviz-pipeline/internal/domain"
	"dataviz-pipeline/internal/domain/model"
	"dataviz-pipeline/internal/domain/ports/repository"
)

var _ repository.ProjectRepository = (*projectRepo)(nil)

type projectRepo struct {
	pool *pgxpool.Pool
}

func NewProjectRepo(pool *pgxpool.Pool) *projectRepo {
	return &projectRepo{pool: pool}
}

func (r *projectRepo) Save(ctx context.Context, tx repository.Tx, p *model.Project) error {
	p.UpdatedAt = time.Now()
	usage, err := json.Marshal(p.Usage)
	if err != nil {
		return err
	}
	errLog, err := json.Marshal(p.ErrorLog)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO projects (id, user_id, row_count, column_count, phase, progress, paused, resume_at,
                      usage, error_log, needs_review, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
  phase = EXCLUDED.phase,
  progress = EXCLUDED.progress,
  paused = EXCLUDED.paused,
  resume_at = EXCLUDED.resume_at,
  usage = EXCLUDED.usage,
  error_log = EXCLUDED.error_log,
  needs_review = EXCLUDED.needs_review,
  updated_at = EXCLUDED.updated_at;`

	_, err = execSQL(ctx, r.pool, tx, q,
		p.ID, p.UserID, p.RowCount, p.ColumnCount, string(p.Phase), p.Progress, p.Paused, nullableTime(p.ResumeAt),
		usage, errLog, p.NeedsReview, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *projectRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Project, error) {
	const q = `
SELECT id, user_id, row_count, column_count, phase, progress, paused, resume_at,
       usage, error_log, needs_review, created_at, updated_at
FROM projects WHERE id = $1;`

	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanProject(row)
}

func scanProject(row pgx.Row) (*model.Project, error) {
	var (
		p        model.Project
		phase    string
		resumeAt *time.Time
		usage    []byte
		errLog   []byte
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.RowCount, &p.ColumnCount, &phase, &p.Progress, &p.Paused, &resumeAt,
		&usage, &errLog, &p.NeedsReview, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	p.Phase = model.ProjectPhase(phase)
	if resumeAt != nil {
		p.ResumeAt = *resumeAt
	}
	if len(usage) > 0 {
		if err := json.Unmarshal(usage, &p.Usage); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
	}
	if len(errLog) > 0 {
		if err := json.Unmarshal(errLog, &p.ErrorLog); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
	}
	return &p, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
