package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"dataviz-pipeline/internal/domain"
	"dataviz-pipeline/internal/domain/model"
	"dataviz-pipeline/internal/domain/ports/repository"
	"dataviz-pipeline/internal/infra/logging"
	"dataviz-pipeline/internal/infra/metrics"
)

// Locker serializes pipeline execution per project on top of the atomic
// job claim, so analysis and generation of one project never overlap.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

// JobScheduler claims due jobs and applies the recovery policy to their
// outcomes. Claiming is a single conditional state transition in the store,
// so concurrent schedulers never double-execute a job.
type JobScheduler struct {
	jobs     repository.JobRepository
	projects repository.ProjectRepository
	orch     *PipelineOrchestrator
	policy   *RecoveryPolicy
	locks    Locker
	lockTTL  time.Duration
	now      func() time.Time
	log      *zerolog.Logger
}

func NewJobScheduler(
	jobs repository.JobRepository,
	projects repository.ProjectRepository,
	orch *PipelineOrchestrator,
	policy *RecoveryPolicy,
	log *zerolog.Logger,
) *JobScheduler {
	return &JobScheduler{
		jobs:     jobs,
		projects: projects,
		orch:     orch,
		policy:   policy,
		now:      time.Now,
		log:      log,
	}
}

// WithLocker enables the per-project run lock. Optional: without it the
// scheduler relies on the job claim alone.
func (s *JobScheduler) WithLocker(l Locker, ttl time.Duration) *JobScheduler {
	s.locks = l
	s.lockTTL = ttl
	return s
}

func projectLockKey(projectID string) string {
	return "project_run_lock:" + projectID
}

// RunOnce claims at most one due job and drives it to an outcome. Returns
// false when no job was eligible.
func (s *JobScheduler) RunOnce(ctx context.Context) (bool, error) {
	job, err := s.jobs.ClaimNextDue(ctx, s.now())
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// Downstream logs pick the IDs up from the context.
	ctx = logging.WithJobID(logging.WithProjectID(ctx, job.ProjectID), job.ID)
	log := s.log.With().Str("job_id", job.ID).Str("project_id", job.ProjectID).Str("fn", job.Fn).Logger()
	log.Info().Msg("job claimed")

	p, err := s.projects.FindByID(ctx, nil, job.ProjectID)
	if err != nil {
		return true, s.Complete(ctx, job, err)
	}

	// A paused project parks its jobs until the resume boundary.
	if p.Paused {
		if s.now().Before(p.ResumeAt) {
			job.Status = model.JobStatusPending
			job.ScheduledAt = p.ResumeAt
			job.UpdatedAt = s.now()
			return true, s.jobs.UpdateIf(ctx, nil, job, model.JobStatusRunning)
		}
		if p.ResumeIfDue(s.now()) {
			if err := s.projects.Save(ctx, nil, p); err != nil {
				return true, s.Complete(ctx, job, err)
			}
			log.Info().Msg("project resumed after pause")
		}
	}

	if p.Terminal() {
		// Late job against a finished project: nothing left to do.
		if p.Phase == model.PhaseFailed {
			job.MarkFailed("project already failed")
		} else {
			job.MarkCompleted()
		}
		return true, s.jobs.UpdateIf(ctx, nil, job, model.JobStatusRunning)
	}

	if s.locks != nil {
		token, lerr := s.locks.TryLock(ctx, projectLockKey(job.ProjectID), s.lockTTL)
		if lerr != nil {
			if !errors.Is(lerr, domain.ErrJobNotClaimable) {
				log.Error().Err(lerr).Msg("project lock attempt failed")
			}
			// Another run holds the project (or the lock store hiccuped):
			// park the job briefly rather than burning an attempt.
			job.Status = model.JobStatusPending
			job.ScheduledAt = s.now().Add(time.Second)
			job.UpdatedAt = s.now()
			return true, s.jobs.UpdateIf(ctx, nil, job, model.JobStatusRunning)
		}
		defer func() {
			if uerr := s.locks.Unlock(ctx, projectLockKey(job.ProjectID), token); uerr != nil {
				log.Error().Err(uerr).Msg("project lock release failed")
			}
		}()
	}

	return true, s.Complete(ctx, job, s.orch.ExecuteJob(ctx, job))
}

// Complete finishes a claimed job: success completes it; failure is
// classified and the policy action is carried out on both the job and the
// project, with an audit entry appended either way.
func (s *JobScheduler) Complete(ctx context.Context, job *model.PipelineJob, execErr error) error {
	if job.Terminal() {
		return domain.ErrJobTerminal
	}
	if execErr == nil {
		job.MarkCompleted()
		metrics.IncJobProcessed(string(model.JobStatusCompleted))
		return s.jobs.UpdateIf(ctx, nil, job, model.JobStatusRunning)
	}

	kind := Classify(execErr)
	action := s.policy.For(kind, job.Attempts)
	step := stepForFn(job.Fn)
	log := s.log.With().Str("job_id", job.ID).Str("kind", string(kind)).Logger()

	switch action.Type {
	case model.ActionRetry:
		if job.MarkRetry(action.RunAt, execErr.Error()) {
			log.Warn().Time("run_at", action.RunAt).Int("attempts", job.Attempts).Msg("job rescheduled")
			metrics.IncJobRetried(string(kind))
			s.auditProject(ctx, job.ProjectID, step, kind, "retry", execErr)
			return s.jobs.UpdateIf(ctx, nil, job, model.JobStatusRunning)
		}
		// Attempt budget exhausted: escalate to permanent failure.
		return s.escalate(ctx, job, step, model.FailurePermanent, execErr)

	case model.ActionPause:
		if err := s.pauseProject(ctx, job.ProjectID, step, kind, action.RunAt, execErr); err != nil {
			log.Error().Err(err).Msg("pause failed")
		}
		job.Status = model.JobStatusPending
		job.ScheduledAt = action.RunAt
		job.LastError = execErr.Error()
		job.UpdatedAt = s.now()
		log.Warn().Time("resume_at", action.RunAt).Msg("project paused until budget reset")
		return s.jobs.UpdateIf(ctx, nil, job, model.JobStatusRunning)

	case model.ActionFallback:
		if err := s.orch.ApplyFallback(ctx, job); err != nil {
			log.Error().Err(err).Msg("fallback substitution failed")
			return s.escalate(ctx, job, step, model.FailurePermanent, err)
		}
		job.MarkCompleted()
		metrics.IncJobProcessed(string(model.JobStatusCompleted))
		s.auditProject(ctx, job.ProjectID, step, kind, "fallback", execErr)
		log.Warn().Msg("step completed via fallback substitution")
		return s.jobs.UpdateIf(ctx, nil, job, model.JobStatusRunning)

	default:
		return s.escalate(ctx, job, step, kind, execErr)
	}
}

func (s *JobScheduler) escalate(ctx context.Context, job *model.PipelineJob, step string, kind model.FailureKind, execErr error) error {
	job.MarkFailed(execErr.Error())
	metrics.IncJobProcessed(string(model.JobStatusFailed))

	p, err := s.projects.FindByID(ctx, nil, job.ProjectID)
	if err == nil {
		_ = p.Transition(model.PhaseFailed)
		p.NeedsReview = true // admin-notification obligation
		p.AppendError(step, string(kind), string(model.ActionEscalate), execErr.Error())
		if serr := s.projects.Save(ctx, nil, p); serr != nil {
			s.log.Error().Err(serr).Str("project_id", p.ID).Msg("failed to persist project failure")
		}
	}
	s.log.Error().Err(execErr).Str("job_id", job.ID).Str("project_id", job.ProjectID).Msg("job escalated to permanent failure")
	return s.jobs.UpdateIf(ctx, nil, job, model.JobStatusRunning)
}

func (s *JobScheduler) pauseProject(ctx context.Context, projectID, step string, kind model.FailureKind, resumeAt time.Time, execErr error) error {
	p, err := s.projects.FindByID(ctx, nil, projectID)
	if err != nil {
		return err
	}
	p.Pause(resumeAt)
	p.AppendError(step, string(kind), string(model.ActionPause), execErr.Error())
	return s.projects.Save(ctx, nil, p)
}

func (s *JobScheduler) auditProject(ctx context.Context, projectID, step string, kind model.FailureKind, actionTaken string, execErr error) {
	p, err := s.projects.FindByID(ctx, nil, projectID)
	if err != nil {
		s.log.Error().Err(err).Str("project_id", projectID).Msg("audit: project load failed")
		return
	}
	p.AppendError(step, string(kind), actionTaken, execErr.Error())
	if err := s.projects.Save(ctx, nil, p); err != nil {
		s.log.Error().Err(err).Str("project_id", projectID).Msg("audit: project save failed")
	}
}
