package model

// FailureKind is the closed taxonomy of classified failures.
type FailureKind string

const (
	FailureRateLimitRPM      FailureKind = "RATE_LIMIT_RPM"
	FailureRateLimitBudget   FailureKind = "RATE_LIMIT_BUDGET"
	FailureUnparseableJSON   FailureKind = "UNPARSEABLE_JSON"
	FailureGenerationTimeout FailureKind = "GENERATION_TIMEOUT"
	FailureStorageTimeout    FailureKind = "STORAGE_TIMEOUT"
	FailurePermanent         FailureKind = "PERMANENT_FAILURE"
	FailureUnknown           FailureKind = "UNKNOWN"
)

// ActionType is what the recovery policy decides to do about a failure.
type ActionType string

const (
	ActionRetry    ActionType = "retry"    // reschedule the job at Action.RunAt
	ActionPause    ActionType = "pause"    // pause project until Action.RunAt, reschedule job
	ActionFallback ActionType = "fallback" // substitute deterministic payload, continue
	ActionEscalate ActionType = "escalate" // terminal: fail job and project
)
