package repository

import (
	"context"

	"dataviz-pipeline/internal/domain/model"
)

type ModelPricingRepository interface {
	Create(ctx context.Context, tx Tx, p *model.ModelPricing) error
	Update(ctx context.Context, tx Tx, p *model.ModelPricing) error
	GetByModelName(ctx context.Context, tx Tx, modelName string) (*model.ModelPricing, error)
	ListActive(ctx context.Context, tx Tx) ([]*model.ModelPricing, error)
}
