package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid executor context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")

	// Pipeline errors
	ErrProjectPaused   = errors.New("project is paused")
	ErrProjectTerminal = errors.New("project is in a terminal phase")
	ErrPhaseOrder      = errors.New("operation not valid for current phase")
	ErrJobNotClaimable = errors.New("job is not claimable")
	ErrJobTerminal     = errors.New("job is terminal")
	ErrStaleRecord     = errors.New("record was modified concurrently")

	// Failure taxonomy surfaced by guard / validation / providers.
	// Classified by usecase.Classify into a FailureKind.
	ErrRateLimitRPM      = errors.New("per-minute request limit exceeded")
	ErrRateLimitBudget   = errors.New("daily cost budget exceeded")
	ErrUnparseableJSON   = errors.New("response is not parseable JSON")
	ErrSchemaInvalid     = errors.New("response does not conform to schema")
	ErrRepairFailed      = errors.New("repaired response still invalid")
	ErrGenerationTimeout = errors.New("generation call timed out")
	ErrStorageTimeout    = errors.New("storage operation timed out")
	ErrPermanentFailure  = errors.New("permanent failure")
)
