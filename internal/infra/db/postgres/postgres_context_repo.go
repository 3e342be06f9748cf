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

var _ repository.ContextRepository = (*contextRepo)(nil)

type contextRepo struct {
	pool *pgxpool.Pool
}

func NewContextRepo(pool *pgxpool.Pool) *contextRepo {
	return &contextRepo{pool: pool}
}

func (r *contextRepo) Save(ctx context.Context, tx repository.Tx, c *model.GenerationContext) error {
	c.UpdatedAt = time.Now()
	results, err := json.Marshal(c.StepResults)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO generation_contexts (project_id, stats, step_results, compact_summary, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (project_id) DO UPDATE SET
  step_results = EXCLUDED.step_results,
  compact_summary = EXCLUDED.compact_summary,
  updated_at = EXCLUDED.updated_at;`

	_, err = execSQL(ctx, r.pool, tx, q, c.ProjectID, c.Stats, results, c.CompactSummary, c.UpdatedAt)
	return err
}

func (r *contextRepo) FindByProjectID(ctx context.Context, tx repository.Tx, projectID string) (*model.GenerationContext, error) {
	const q = `
SELECT project_id, stats, step_results, compact_summary, updated_at
FROM generation_contexts WHERE project_id = $1;`

	row, err := pickRow(ctx, r.pool, tx, q, projectID)
	if err != nil {
		return nil, err
	}

	var (
		c       model.GenerationContext
		results []byte
	)
	if err := row.Scan(&c.ProjectID, &c.Stats, &results, &c.CompactSummary, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	c.StepResults = make(map[string]json.RawMessage)
	if len(results) > 0 {
		if err := json.Unmarshal(results, &c.StepResults); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
	}
	return &c, nil
}
