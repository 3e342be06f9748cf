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

var _ repository.ModelPricingRepository = (*modelPricingRepo)(nil)

type modelPricingRepo struct {
	pool *pgxpool.Pool
}

func NewModelPricingRepo(pool *pgxpool.Pool) *modelPricingRepo {
	return &modelPricingRepo{pool: pool}
}

func (r *modelPricingRepo) Create(ctx context.Context, tx repository.Tx, p *model.ModelPricing) error {
	const q = `
INSERT INTO model_pricing (id, model_name, input_price_micros_per_m, output_price_micros_per_m, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	_, err := execSQL(ctx, r.pool, tx, q,
		p.ID, p.ModelName, p.InputPriceMicrosPerM, p.OutputPriceMicrosPerM, p.Active, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *modelPricingRepo) Update(ctx context.Context, tx repository.Tx, p *model.ModelPricing) error {
	p.UpdatedAt = time.Now()

	const q = `
UPDATE model_pricing
SET input_price_micros_per_m = $1, output_price_micros_per_m = $2, active = $3, updated_at = $4
WHERE model_name = $5;`

	tag, err := execSQL(ctx, r.pool, tx, q,
		p.InputPriceMicrosPerM, p.OutputPriceMicrosPerM, p.Active, p.UpdatedAt, p.ModelName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *modelPricingRepo) GetByModelName(ctx context.Context, tx repository.Tx, modelName string) (*model.ModelPricing, error) {
	const q = `
SELECT id, model_name, input_price_micros_per_m, output_price_micros_per_m, active, created_at, updated_at
FROM model_pricing WHERE model_name = $1 AND active;`

	row, err := pickRow(ctx, r.pool, tx, q, modelName)
	if err != nil {
		return nil, err
	}
	var p model.ModelPricing
	err = row.Scan(&p.ID, &p.ModelName, &p.InputPriceMicrosPerM, &p.OutputPriceMicrosPerM, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return &p, nil
}

func (r *modelPricingRepo) ListActive(ctx context.Context, tx repository.Tx) ([]*model.ModelPricing, error) {
	const q = `
SELECT id, model_name, input_price_micros_per_m, output_price_micros_per_m, active, created_at, updated_at
FROM model_pricing WHERE active ORDER BY model_name;`

	rows, err := pickRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ModelPricing
	for rows.Next() {
		var p model.ModelPricing
		err := rows.Scan(&p.ID, &p.ModelName, &p.InputPriceMicrosPerM, &p.OutputPriceMicrosPerM, &p.Active, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
