package model

import (
	"time"

	"github.com/google/uuid"

	"dataviz-pipeline/internal/domain"
)

type ProjectPhase string

const (
	PhaseIdle       ProjectPhase = "idle"
	PhaseAnalyzing  ProjectPhase = "analyzing"
	PhaseSelecting  ProjectPhase = "selecting"
	PhaseGenerating ProjectPhase = "generating"
	PhaseExporting  ProjectPhase = "exporting"
	PhaseCompleted  ProjectPhase = "completed"
	PhaseFailed     ProjectPhase = "failed"
)

// phaseOrder gives each non-terminal phase a rank so progress stays monotonic.
var phaseOrder = map[ProjectPhase]int{
	PhaseIdle:       0,
	PhaseAnalyzing:  1,
	PhaseSelecting:  2,
	PhaseGenerating: 3,
	PhaseExporting:  4,
	PhaseCompleted:  5,
}

// allowedTransitions is the phase state machine. "failed" is reachable from
// any non-terminal phase and is handled separately in Transition.
var allowedTransitions = map[ProjectPhase][]ProjectPhase{
	PhaseIdle:       {PhaseAnalyzing},
	PhaseAnalyzing:  {PhaseSelecting},
	PhaseSelecting:  {PhaseGenerating},
	PhaseGenerating: {PhaseExporting},
	PhaseExporting:  {PhaseCompleted},
}

// TokenUsage accumulates provider-reported token counts and their cost
// in micro-USD.
type TokenUsage struct {
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	CostMicros   int64 `json:"cost_micros"`
}

func (u *TokenUsage) Add(in, out int, costMicros int64) {
	u.InputTokens += in
	u.OutputTokens += out
	u.CostMicros += costMicros
}

// ErrorLogEntry is one recorded failure: what broke, where, and what the
// recovery policy did about it. Appended for every failure, recovered or not.
type ErrorLogEntry struct {
	At     time.Time `json:"at"`
	Step   string    `json:"step"`
	Kind   string    `json:"kind"`
	Action string    `json:"action"`
	Detail string    `json:"detail"`
}

// Project is one end-to-end generation run over an uploaded dataset.
type Project struct {
	ID          string
	UserID      string
	RowCount    int
	ColumnCount int
	Phase       ProjectPhase
	Progress    int // 0-100, non-decreasing while not failed
	Paused      bool
	ResumeAt    time.Time // earliest resume when paused
	Usage       TokenUsage
	ErrorLog    []ErrorLogEntry
	NeedsReview bool // set on permanent failure for manual follow-up
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewProject(userID string, rows, cols int) *Project {
	now := time.Now()
	return &Project{
		ID:          uuid.NewString(),
		UserID:      userID,
		RowCount:    rows,
		ColumnCount: cols,
		Phase:       PhaseIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (p *Project) Terminal() bool {
	return p.Phase == PhaseCompleted || p.Phase == PhaseFailed
}

// Transition moves the project to next, enforcing the state machine.
// Progress is derived from the phase rank and never decreases.
func (p *Project) Transition(next ProjectPhase) error {
	if p.Terminal() {
		return domain.ErrProjectTerminal
	}
	if next == PhaseFailed {
		p.Phase = PhaseFailed
		p.UpdatedAt = time.Now()
		return nil
	}
	for _, allowed := range allowedTransitions[p.Phase] {
		if allowed == next {
			p.Phase = next
			if pct := phaseOrder[next] * 100 / phaseOrder[PhaseCompleted]; pct > p.Progress {
				p.Progress = pct
			}
			p.UpdatedAt = time.Now()
			return nil
		}
	}
	return domain.ErrPhaseOrder
}

// AtOrPast reports whether the project has reached the given phase.
// Used to make step triggers idempotent when re-invoked late.
func (p *Project) AtOrPast(phase ProjectPhase) bool {
	if p.Phase == PhaseFailed {
		return false
	}
	return phaseOrder[p.Phase] >= phaseOrder[phase]
}

// Pause parks the project until resumeAt without touching the phase.
func (p *Project) Pause(resumeAt time.Time) {
	p.Paused = true
	p.ResumeAt = resumeAt
	p.UpdatedAt = time.Now()
}

func (p *Project) ResumeIfDue(now time.Time) bool {
	if !p.Paused || now.Before(p.ResumeAt) {
		return false
	}
	p.Paused = false
	p.ResumeAt = time.Time{}
	p.UpdatedAt = now
	return true
}

func (p *Project) AppendError(step, kind, action, detail string) {
	p.ErrorLog = append(p.ErrorLog, ErrorLogEntry{
		At:     time.Now(),
		Step:   step,
		Kind:   kind,
		Action: action,
		Detail: detail,
	})
	p.UpdatedAt = time.Now()
}
