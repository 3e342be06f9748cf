package model

import (
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"

	"dataviz-pipeline/internal/domain"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCompleted JobStatus = "completed"
)

// Job function names dispatched by the worker.
const (
	JobFnAnalysisStep   = "analysis_step"
	JobFnGenerationStep = "generation_step"
)

const DefaultMaxAttempts = 3

// PipelineJob is one schedulable, retryable unit of pipeline work.
// Claiming and completion go through the repository's conditional update;
// two actors never mutate the same job concurrently.
type PipelineJob struct {
	ID          string
	ProjectID   string
	Fn          string
	Selection   string // chart selection, generation step only
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	ScheduledAt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func NewPipelineJob(projectID, fn string, runAt time.Time) *PipelineJob {
	now := time.Now()
	return &PipelineJob{
		ID:          ulid.Make().String(),
		ProjectID:   projectID,
		Fn:          fn,
		Status:      JobStatusPending,
		MaxAttempts: DefaultMaxAttempts,
		ScheduledAt: runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (j *PipelineJob) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

func (j *PipelineJob) Due(now time.Time) bool {
	return j.Status == JobStatusPending && !j.ScheduledAt.After(now)
}

// MarkRetry increments attempts and either reschedules the job or, when the
// attempt budget is exhausted, fails it permanently. Returns true when a
// retry was scheduled.
func (j *PipelineJob) MarkRetry(runAt time.Time, lastErr string) bool {
	j.Attempts++
	j.LastError = lastErr
	j.UpdatedAt = time.Now()
	if j.Attempts >= j.MaxAttempts {
		j.Status = JobStatusFailed
		return false
	}
	j.Status = JobStatusPending
	j.ScheduledAt = runAt
	return true
}

func (j *PipelineJob) MarkCompleted() {
	j.Status = JobStatusCompleted
	j.UpdatedAt = time.Now()
}

// MarkFailed terminates the job regardless of remaining attempts.
// Attempts is pinned to MaxAttempts so the terminal invariant
// (failed => attempts == max_attempts) holds for escalated failures too.
func (j *PipelineJob) MarkFailed(lastErr string) {
	j.Status = JobStatusFailed
	j.Attempts = j.MaxAttempts
	j.LastError = lastErr
	j.UpdatedAt = time.Now()
}

// Validate checks job invariants before persistence.
func (j *PipelineJob) Validate() error {
	if j.ProjectID == "" || j.Fn == "" {
		return domain.ErrInvalidArgument
	}
	if j.MaxAttempts <= 0 || j.Attempts > j.MaxAttempts {
		return domain.ErrInvalidArgument
	}
	return nil
}

// Jitter returns a random delay in [0, max) used when rescheduling after an
// RPM denial, so a burst of paused jobs doesn't thunder back in together.
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
