package usecase

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dataviz-pipeline/internal/domain"
	"dataviz-pipeline/internal/domain/model"
)

// Action is the recovery policy's decision for one classified failure.
type Action struct {
	Type  model.ActionType
	Kind  model.FailureKind
	RunAt time.Time // retry / resume time, meaningful for retry and pause
}

// Backoff base for GENERATION_TIMEOUT retries: delay = 2^attempts * base.
const backoffBase = 2 * time.Second

// rpmJitterMax spreads rescheduled jobs across the start of the next
// counting window.
const rpmJitterMax = 5 * time.Second

// storageRetryDelay is the fixed delay after a storage timeout; the job
// resumes from the last persisted checkpoint, not from the beginning.
const storageRetryDelay = 5 * time.Second

var httpStatusRe = regexp.MustCompile(`http (\d{3})`)

// Classify maps a raised error to the closed failure taxonomy. Sentinel
// errors win; otherwise HTTP-like status codes and message substrings are
// inspected. Anything unclassified is PERMANENT_FAILURE.
func Classify(err error) model.FailureKind {
	if err == nil {
		return model.FailureUnknown
	}
	switch {
	case errors.Is(err, domain.ErrRateLimitRPM):
		return model.FailureRateLimitRPM
	case errors.Is(err, domain.ErrRateLimitBudget):
		return model.FailureRateLimitBudget
	case errors.Is(err, domain.ErrUnparseableJSON),
		errors.Is(err, domain.ErrSchemaInvalid),
		errors.Is(err, domain.ErrRepairFailed):
		return model.FailureUnparseableJSON
	case errors.Is(err, domain.ErrStorageTimeout):
		return model.FailureStorageTimeout
	case errors.Is(err, domain.ErrGenerationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return model.FailureGenerationTimeout
	case errors.Is(err, domain.ErrPermanentFailure):
		return model.FailurePermanent
	}

	msg := strings.ToLower(err.Error())
	if m := httpStatusRe.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch {
		case code == 429:
			return model.FailureRateLimitRPM
		case code == 408 || code == 504:
			return model.FailureGenerationTimeout
		}
		return model.FailurePermanent
	}
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return model.FailureRateLimitRPM
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return model.FailureGenerationTimeout
	}
	return model.FailurePermanent
}

// BackoffDelay returns the retry delay for a GENERATION_TIMEOUT at the given
// post-increment attempt count: 2^attempts * 2s (4s, 8s, 16s for 1..3).
func BackoffDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	return backoffBase << attempts
}

// RecoveryPolicy maps failure kinds to recovery actions. All backoff math
// lives here so call sites cannot diverge.
type RecoveryPolicy struct {
	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

func NewRecoveryPolicy() *RecoveryPolicy {
	return &RecoveryPolicy{now: time.Now, jitter: model.Jitter}
}

// For decides the action for a classified failure. attempts is the job's
// pre-increment attempt count; the scheduler increments on retry.
func (p *RecoveryPolicy) For(kind model.FailureKind, attempts int) Action {
	now := p.now()
	switch kind {
	case model.FailureRateLimitRPM:
		next := now.Truncate(time.Minute).Add(time.Minute)
		return Action{Type: model.ActionRetry, Kind: kind, RunAt: next.Add(p.jitter(rpmJitterMax))}
	case model.FailureRateLimitBudget:
		return Action{Type: model.ActionPause, Kind: kind, RunAt: model.DayStart(now).Add(24 * time.Hour)}
	case model.FailureUnparseableJSON:
		return Action{Type: model.ActionFallback, Kind: kind}
	case model.FailureGenerationTimeout:
		return Action{Type: model.ActionRetry, Kind: kind, RunAt: now.Add(BackoffDelay(attempts + 1))}
	case model.FailureStorageTimeout:
		return Action{Type: model.ActionRetry, Kind: kind, RunAt: now.Add(storageRetryDelay)}
	default:
		// PERMANENT_FAILURE and UNKNOWN terminate the job and the project.
		return Action{Type: model.ActionEscalate, Kind: model.FailurePermanent}
	}
}
