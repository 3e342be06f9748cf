package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"dataviz-pipeline/internal/domain/ports/repository"
	"dataviz-pipeline/internal/infra/metrics"
)

// ReaperWorker periodically releases jobs whose claim went stale, e.g.
// because a worker died mid-execution. Released jobs go back to pending and
// get picked up by the next scheduler pass.
type ReaperWorker struct {
	interval time.Duration
	claimTTL time.Duration
	jobs     repository.JobRepository
	log      *zerolog.Logger
}

func NewReaperWorker(interval, claimTTL time.Duration, jobs repository.JobRepository, logger *zerolog.Logger) *ReaperWorker {
	reapLog := logger.With().Str("component", "ReaperWorker").Logger()
	return &ReaperWorker{
		interval: interval,
		claimTTL: claimTTL,
		jobs:     jobs,
		log:      &reapLog,
	}
}

func (w *ReaperWorker) Run(ctx context.Context) error {
	w.log.Info().Msg("Starting stale claim reaper")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping stale claim reaper")
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-w.claimTTL)
			n, err := w.jobs.ReleaseStale(ctx, cutoff)
			if err != nil {
				w.log.Error().Err(err).Msg("reaper error")
			}
			if n > 0 {
				metrics.AddStaleJobsReleased(n)
				w.log.Warn().Int("count", n).Msg("stale job claims released")
			}
		}
	}
}
