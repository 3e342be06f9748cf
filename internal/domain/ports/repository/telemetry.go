package repository

import (
	"context"
	"time"

	"dataviz-pipeline/internal/domain/model"
)

type TelemetryRepository interface {
	SaveSummary(ctx context.Context, tx Tx, s *model.TelemetrySummary) error

	// ListSummaries returns flushed summaries in [since, until), newest first.
	ListSummaries(ctx context.Context, tx Tx, since, until time.Time) ([]*model.TelemetrySummary, error)
}
