package repository

import (
	"context"

	"dataviz-pipeline/internal/domain/model"
)

// Counter writes carry a version guard: a plain read inside a READ COMMITTED
// transaction does not serialize concurrent increments, so every write is
// conditional on the version the caller read and losers retry on fresh state.
type RateLimitRepository interface {
	// Get returns the user's counter record, or domain.ErrNotFound.
	Get(ctx context.Context, tx Tx, userID string) (*model.RateLimitRecord, error)

	// Create inserts a fresh record at version 0. Returns
	// domain.ErrAlreadyExists when another writer inserted it first.
	Create(ctx context.Context, tx Tx, rec *model.RateLimitRecord) error

	// UpdateIf persists rec only if the stored version still equals expected,
	// bumping the version (single conditional update, never read-then-write).
	// Returns domain.ErrStaleRecord when the guard fails.
	UpdateIf(ctx context.Context, tx Tx, rec *model.RateLimitRecord, expected int64) error
}
