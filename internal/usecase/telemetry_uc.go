package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dataviz-pipeline/internal/domain/model"
	"dataviz-pipeline/internal/domain/ports/repository"
)

// TelemetryCollector accumulates per-step events for one project run and
// persists an aggregate on Flush. It is an accumulator only: health
// evaluation and alerting belong to the external collaborator reading the
// flushed summaries.
type TelemetryCollector struct {
	projectID string
	repo      repository.TelemetryRepository
	now       func() time.Time
	log       *zerolog.Logger

	mu     sync.Mutex
	events []model.TelemetryEvent
	starts map[string]time.Time
}

func NewTelemetryCollector(projectID string, repo repository.TelemetryRepository, log *zerolog.Logger) *TelemetryCollector {
	return &TelemetryCollector{
		projectID: projectID,
		repo:      repo,
		now:       time.Now,
		starts:    make(map[string]time.Time),
		log:       log,
	}
}

func (c *TelemetryCollector) StartStep(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.starts[name] = now
	c.events = append(c.events, model.TelemetryEvent{
		Kind: model.TelemetryStepStart,
		Step: name,
		At:   now,
	})
}

func (c *TelemetryCollector) EndStep(name string, success bool, tokens, retries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var dur time.Duration
	if start, ok := c.starts[name]; ok {
		dur = now.Sub(start)
		delete(c.starts, name)
	}
	c.events = append(c.events, model.TelemetryEvent{
		Kind:     model.TelemetryStepEnd,
		Step:     name,
		At:       now,
		Duration: dur,
		Tokens:   tokens,
		Retries:  retries,
		Success:  success,
	})
}

func (c *TelemetryCollector) RecordError(name string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, model.TelemetryEvent{
		Kind:  model.TelemetryError,
		Step:  name,
		At:    c.now(),
		Error: err.Error(),
	})
}

// Flush persists the aggregate summary and clears in-memory state. Safe to
// call with no events (no-op).
func (c *TelemetryCollector) Flush(ctx context.Context) error {
	c.mu.Lock()
	events := c.events
	c.events = nil
	c.starts = make(map[string]time.Time)
	c.mu.Unlock()

	if len(events) == 0 {
		return nil
	}

	s := model.NewTelemetrySummary(c.projectID)
	for _, ev := range events {
		switch ev.Kind {
		case model.TelemetryStepEnd:
			s.TotalDuration += ev.Duration
			s.TotalTokens += ev.Tokens
			s.StepOutcomes[ev.Step] = ev.Success
			if ev.Success {
				s.StepsOK++
			} else {
				s.StepsFailed++
			}
		case model.TelemetryError:
			s.ErrorCount++
		}
	}
	s.FlushedAt = c.now()

	if err := c.repo.SaveSummary(ctx, nil, s); err != nil {
		c.log.Error().Err(err).Str("project_id", c.projectID).Msg("telemetry flush failed")
		return err
	}
	return nil
}
