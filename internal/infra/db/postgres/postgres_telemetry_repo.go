package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"dataviz-pipeline/internal/domain"
	"dataviz-pipeline/internal/domain/model"
	"dataviz-pipeline/internal/domain/ports/repository"
)

var _ repository.TelemetryRepository = (*telemetryRepo)(nil)

type telemetryRepo struct {
	pool *pgxpool.Pool
}

func NewTelemetryRepo(pool *pgxpool.Pool) *telemetryRepo {
	return &telemetryRepo{pool: pool}
}

func (r *telemetryRepo) SaveSummary(ctx context.Context, tx repository.Tx, s *model.TelemetrySummary) error {
	outcomes, err := json.Marshal(s.StepOutcomes)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO telemetry_summaries (id, project_id, total_duration_ms, total_tokens, steps_ok, steps_failed, error_count, step_outcomes, flushed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`

	_, err = execSQL(ctx, r.pool, tx, q,
		s.ID, s.ProjectID, s.TotalDuration.Milliseconds(), s.TotalTokens,
		s.StepsOK, s.StepsFailed, s.ErrorCount, outcomes, s.FlushedAt)
	return err
}

func (r *telemetryRepo) ListSummaries(ctx context.Context, tx repository.Tx, since, until time.Time) ([]*model.TelemetrySummary, error) {
	const q = `
SELECT id, project_id, total_duration_ms, total_tokens, steps_ok, steps_failed, error_count, step_outcomes, flushed_at
FROM telemetry_summaries
WHERE flushed_at >= $1 AND flushed_at < $2
ORDER BY flushed_at DESC;`

	rows, err := pickRows(ctx, r.pool, tx, q, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.TelemetrySummary
	for rows.Next() {
		var (
			s          model.TelemetrySummary
			durationMs int64
			outcomes   []byte
		)
		err := rows.Scan(&s.ID, &s.ProjectID, &durationMs, &s.TotalTokens,
			&s.StepsOK, &s.StepsFailed, &s.ErrorCount, &outcomes, &s.FlushedAt)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		s.TotalDuration = time.Duration(durationMs) * time.Millisecond
		s.StepOutcomes = make(map[string]bool)
		if len(outcomes) > 0 {
			if err := json.Unmarshal(outcomes, &s.StepOutcomes); err != nil {
				return nil, domain.ErrReadDatabaseRow
			}
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
