package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"dataviz-pipeline/internal/domain"
	"dataviz-pipeline/internal/domain/model"
	"dataviz-pipeline/internal/domain/ports/repository"
	"dataviz-pipeline/internal/infra/metrics"
)

// RateBudgetGuard gates every generation call behind per-user RPM and daily
// cost ceilings. Counters live in the durable store, never in-process: the
// guard re-reads the record and re-evaluates window rollover on every call,
// so it behaves correctly from stateless, intermittently-scheduled workers.
type RateBudgetGuard struct {
	rates        repository.RateLimitRepository
	pricing      repository.ModelPricingRepository
	tm           repository.TransactionManager
	rpmCeiling   int
	budgetMicros int64
	now          func() time.Time
	log          *zerolog.Logger
}

func NewRateBudgetGuard(
	rates repository.RateLimitRepository,
	pricing repository.ModelPricingRepository,
	tm repository.TransactionManager,
	rpmCeiling int,
	budgetMicros int64,
	log *zerolog.Logger,
) *RateBudgetGuard {
	if rpmCeiling <= 0 {
		rpmCeiling = model.DefaultRPMCeiling
	}
	if budgetMicros <= 0 {
		budgetMicros = model.DefaultDailyBudgetMicros
	}
	return &RateBudgetGuard{
		rates:        rates,
		pricing:      pricing,
		tm:           tm,
		rpmCeiling:   rpmCeiling,
		budgetMicros: budgetMicros,
		now:          time.Now,
		log:          log,
	}
}

// Admit decides whether one generation call estimated at the given token
// counts may proceed. On admission the minute counter is incremented
// optimistically; actual cost is reconciled later via Record. Denials return
// domain.ErrRateLimitRPM or domain.ErrRateLimitBudget.
//
// Concurrent admits for one user race on the counter record; the write is
// conditional on the version read, and losers re-run against fresh state, so
// admissions never exceed the ceiling.
func (g *RateBudgetGuard) Admit(ctx context.Context, userID, modelName string, estInputTokens, estOutputTokens int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := g.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			rec, fresh, err := g.loadOrCreate(ctx, tx, userID)
			if err != nil {
				return err
			}
			rec.Rollover(g.now())

			if rec.RequestsThisMinute >= g.rpmCeiling {
				metrics.IncGuardDenial(string(model.FailureRateLimitRPM))
				return domain.ErrRateLimitRPM
			}

			pricing, err := g.pricing.GetByModelName(ctx, tx, modelName)
			if err != nil {
				return fmt.Errorf("pricing for %s: %w", modelName, err)
			}
			estCost := pricing.CostMicros(estInputTokens, estOutputTokens)
			if rec.DailyCostMicros+estCost > g.budgetMicros {
				metrics.IncGuardDenial(string(model.FailureRateLimitBudget))
				return domain.ErrRateLimitBudget
			}

			rec.RequestsThisMinute++
			rec.UpdatedAt = g.now()
			return g.write(ctx, tx, rec, fresh)
		})
		if lostWriteRace(err) {
			continue
		}
		return err
	}
}

// Record reconciles the daily cost with the provider-reported token counts
// after a call completes. Returns the charged cost in micro-USD. Lost write
// races are retried so concurrent reconciliations never drop an increment.
func (g *RateBudgetGuard) Record(ctx context.Context, userID, modelName string, inputTokens, outputTokens int) (int64, error) {
	var cost int64
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		err := g.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			rec, fresh, err := g.loadOrCreate(ctx, tx, userID)
			if err != nil {
				return err
			}
			rec.Rollover(g.now())

			pricing, err := g.pricing.GetByModelName(ctx, tx, modelName)
			if err != nil {
				return fmt.Errorf("pricing for %s: %w", modelName, err)
			}
			cost = pricing.CostMicros(inputTokens, outputTokens)
			rec.DailyCostMicros += cost
			rec.UpdatedAt = g.now()
			return g.write(ctx, tx, rec, fresh)
		})
		if lostWriteRace(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return cost, nil
	}
}

func (g *RateBudgetGuard) loadOrCreate(ctx context.Context, tx repository.Tx, userID string) (*model.RateLimitRecord, bool, error) {
	rec, err := g.rates.Get(ctx, tx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return model.NewRateLimitRecord(userID, g.now()), true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

func (g *RateBudgetGuard) write(ctx context.Context, tx repository.Tx, rec *model.RateLimitRecord, fresh bool) error {
	if fresh {
		return g.rates.Create(ctx, tx, rec)
	}
	return g.rates.UpdateIf(ctx, tx, rec, rec.Version)
}

// lostWriteRace reports a conditional write beaten by a concurrent one:
// a stale version, or an insert that collided with another creator.
func lostWriteRace(err error) bool {
	return errors.Is(err, domain.ErrStaleRecord) || errors.Is(err, domain.ErrAlreadyExists)
}
