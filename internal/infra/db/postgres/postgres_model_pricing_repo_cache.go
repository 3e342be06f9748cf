package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dataviz-pipeline/internal/domain/model"
	"dataviz-pipeline/internal/domain/ports/repository"
	"dataviz-pipeline/internal/infra/metrics"
	red "dataviz-pipeline/internal/infra/redis"
)

var _ repository.ModelPricingRepository = (*modelPricingRepoCacheDecorator)(nil)

// modelPricingRepoCacheDecorator is a redis read-through cache over the
// pricing repo. Pricing rows change rarely and are read on every guard call.
type modelPricingRepoCacheDecorator struct {
	inner repository.ModelPricingRepository
	cache red.RedisClient
	ttl   time.Duration
}

func NewModelPricingRepoCacheDecorator(inner repository.ModelPricingRepository, cache red.RedisClient) repository.ModelPricingRepository {
	return &modelPricingRepoCacheDecorator{
		inner: inner,
		cache: cache,
		ttl:   1 * time.Hour,
	}
}

func pricingKey(modelName string) string {
	return fmt.Sprintf("model_pricing:%s", modelName)
}

func (d *modelPricingRepoCacheDecorator) GetByModelName(ctx context.Context, tx repository.Tx, modelName string) (*model.ModelPricing, error) {
	if val, err := d.cache.Get(ctx, pricingKey(modelName)); err == nil {
		var p model.ModelPricing
		if json.Unmarshal([]byte(val), &p) == nil {
			metrics.IncCacheRequest("model_pricing", "hit")
			return &p, nil
		}
	}

	metrics.IncCacheRequest("model_pricing", "miss")
	p, err := d.inner.GetByModelName(ctx, tx, modelName)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(p); err == nil {
		_ = d.cache.Set(ctx, pricingKey(modelName), b, d.ttl)
	}
	return p, nil
}

// Write operations must invalidate the cache.
func (d *modelPricingRepoCacheDecorator) Create(ctx context.Context, tx repository.Tx, p *model.ModelPricing) error {
	_ = d.cache.Del(ctx, pricingKey(p.ModelName))
	return d.inner.Create(ctx, tx, p)
}

func (d *modelPricingRepoCacheDecorator) Update(ctx context.Context, tx repository.Tx, p *model.ModelPricing) error {
	_ = d.cache.Del(ctx, pricingKey(p.ModelName))
	return d.inner.Update(ctx, tx, p)
}

func (d *modelPricingRepoCacheDecorator) ListActive(ctx context.Context, tx repository.Tx) ([]*model.ModelPricing, error) {
	return d.inner.ListActive(ctx, tx)
}
