package repository

import (
	"context"
	"time"

	"dataviz-pipeline/internal/domain/model"
)

type JobRepository interface {
	Save(ctx context.Context, tx Tx, job *model.PipelineJob) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.PipelineJob, error)

	// FindActive returns a pending or running job for the project and
	// function, or domain.ErrNotFound. Used to keep triggers idempotent.
	FindActive(ctx context.Context, tx Tx, projectID, fn string) (*model.PipelineJob, error)

	// ClaimNextDue atomically fetches the oldest pending job with
	// scheduled_at <= now and marks it running. Exactly one concurrent
	// caller wins a given job; losers get domain.ErrNotFound.
	ClaimNextDue(ctx context.Context, now time.Time) (*model.PipelineJob, error)

	// UpdateIf persists job only if its stored status still equals expected
	// (single conditional update, never read-then-write). Returns
	// domain.ErrJobNotClaimable when the guard fails.
	UpdateIf(ctx context.Context, tx Tx, job *model.PipelineJob, expected model.JobStatus) error

	// ReleaseStale resets jobs stuck in running since before cutoff back to
	// pending (crashed worker recovery). Returns how many were released.
	ReleaseStale(ctx context.Context, cutoff time.Time) (int, error)
}
