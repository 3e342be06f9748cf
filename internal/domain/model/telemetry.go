package model

import (
	"time"

	"github.com/google/uuid"
)

type TelemetryEventKind string

const (
	TelemetryStepStart TelemetryEventKind = "step_start"
	TelemetryStepEnd   TelemetryEventKind = "step_end"
	TelemetryError     TelemetryEventKind = "error"
)

// TelemetryEvent is one append-only entry in a project run's event list.
// Events are never mutated after the step completes.
type TelemetryEvent struct {
	Kind     TelemetryEventKind
	Step     string
	At       time.Time
	Duration time.Duration
	Tokens   int
	Retries  int
	Success  bool
	Error    string
}

// TelemetrySummary is the persisted aggregate of one flushed run, consumed
// by the external health-check collaborator. The collector never alerts.
type TelemetrySummary struct {
	ID            string
	ProjectID     string
	TotalDuration time.Duration
	TotalTokens   int
	StepsOK       int
	StepsFailed   int
	ErrorCount    int
	StepOutcomes  map[string]bool
	FlushedAt     time.Time
}

func NewTelemetrySummary(projectID string) *TelemetrySummary {
	return &TelemetrySummary{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		StepOutcomes: make(map[string]bool),
		FlushedAt:    time.Now(),
	}
}
