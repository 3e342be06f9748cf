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

var _ repository.RateLimitRepository = (*rateLimitRepo)(nil)

type rateLimitRepo struct {
	pool *pgxpool.Pool
}

func NewRateLimitRepo(pool *pgxpool.Pool) *rateLimitRepo {
	return &rateLimitRepo{pool: pool}
}

func (r *rateLimitRepo) Get(ctx context.Context, tx repository.Tx, userID string) (*model.RateLimitRecord, error) {
	const q = `
SELECT user_id, requests_this_minute, minute_window_start, daily_cost_micros, day_window_start, version, updated_at
FROM rate_limits WHERE user_id = $1;`

	row, err := pickRow(ctx, r.pool, tx, q, userID)
	if err != nil {
		return nil, err
	}

	var rec model.RateLimitRecord
	err = row.Scan(&rec.UserID, &rec.RequestsThisMinute, &rec.MinuteWindowStart,
		&rec.DailyCostMicros, &rec.DayWindowStart, &rec.Version, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return &rec, nil
}

func (r *rateLimitRepo) Create(ctx context.Context, tx repository.Tx, rec *model.RateLimitRecord) error {
	rec.Version = 0
	rec.UpdatedAt = time.Now()

	const q = `
INSERT INTO rate_limits (user_id, requests_this_minute, minute_window_start, daily_cost_micros, day_window_start, version, updated_at)
VALUES ($1, $2, $3, $4, $5, 0, $6)
ON CONFLICT (user_id) DO NOTHING;`

	tag, err := execSQL(ctx, r.pool, tx, q,
		rec.UserID, rec.RequestsThisMinute, rec.MinuteWindowStart,
		rec.DailyCostMicros, rec.DayWindowStart, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *rateLimitRepo) UpdateIf(ctx context.Context, tx repository.Tx, rec *model.RateLimitRecord, expected int64) error {
	rec.UpdatedAt = time.Now()

	const q = `
UPDATE rate_limits
SET requests_this_minute = $2, minute_window_start = $3, daily_cost_micros = $4,
    day_window_start = $5, version = $6, updated_at = $7
WHERE user_id = $1 AND version = $8;`

	tag, err := execSQL(ctx, r.pool, tx, q,
		rec.UserID, rec.RequestsThisMinute, rec.MinuteWindowStart,
		rec.DailyCostMicros, rec.DayWindowStart, expected+1, rec.UpdatedAt, expected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleRecord
	}
	rec.Version = expected + 1
	return nil
}
