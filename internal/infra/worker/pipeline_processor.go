package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"dataviz-pipeline/internal/usecase"
)

// PipelineProcessor polls for due pipeline jobs and fans execution out to
// the worker pool. Each tick submits one scheduler pass; the scheduler's
// conditional claim keeps concurrent passes from double-executing a job.
type PipelineProcessor struct {
	sched    *usecase.JobScheduler
	interval time.Duration
	log      *zerolog.Logger
}

func NewPipelineProcessor(sched *usecase.JobScheduler, interval time.Duration, logger *zerolog.Logger) *PipelineProcessor {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	procLog := logger.With().Str("component", "PipelineProcessor").Logger()
	return &PipelineProcessor{sched: sched, interval: interval, log: &procLog}
}

// Start runs the poll loop. This should be run in a goroutine.
func (p *PipelineProcessor) Start(ctx context.Context, pool *Pool) {
	p.log.Info().Msg("pipeline processor started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("pipeline processor stopping")
			return
		case <-ticker.C:
			_ = pool.Submit(func(ctx context.Context) error {
				// Drain the due backlog, one claim per iteration.
				for {
					claimed, err := p.sched.RunOnce(ctx)
					if err != nil {
						p.log.Error().Err(err).Msg("scheduler pass failed")
						return nil
					}
					if !claimed {
						return nil
					}
				}
			})
		}
	}
}
