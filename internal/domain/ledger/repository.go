package ledger

import (
	"context"
	"time"

	"costbook/internal/core/id"
)

// MovementRepository defines storage operations over the movement chain.
// All key comparisons use the (effective_time, invoice_id) ordering, never
// insertion order. Lookups that find nothing return (nil, nil); the caller
// decides whether absence is an error.
type MovementRepository interface {
	// Append inserts a new movement.
	Append(ctx context.Context, m *Movement) error

	// GetByInvoiceProduct returns the movement owned by one invoice line,
	// or nil if none exists.
	GetByInvoiceProduct(ctx context.Context, invoiceID, productID id.ID) (*Movement, error)

	// GetPredecessor returns the latest movement ordered strictly before
	// the given key, or nil when the key has no predecessor (the zero
	// state applies).
	GetPredecessor(ctx context.Context, productID id.ID, before Key) (*Movement, error)

	// GetChainFrom returns every movement ordered strictly after the given
	// key, in chain order. A zero key yields the product's full chain.
	GetChainFrom(ctx context.Context, productID id.ID, after Key) ([]Movement, error)

	// Overwrite updates a movement in place (same id), used both when an
	// invoice line is edited and when forward replay corrects a later
	// movement's before/after state.
	Overwrite(ctx context.Context, m *Movement) error

	// Remove deletes a movement by id.
	Remove(ctx context.Context, movementID id.ID) error

	// ListByProduct returns movement history for audit/history views.
	ListByProduct(ctx context.Context, productID id.ID, filter MovementFilter) ([]Movement, error)

	// ListProductIDs returns every product that has at least one movement.
	// Used by the batch repair pass when no product is specified.
	ListProductIDs(ctx context.Context) ([]id.ID, error)
}

// MovementFilter restricts ListByProduct by effective time.
type MovementFilter struct {
	FromDate *time.Time
	ToDate   *time.Time
	Limit    int
	Offset   int
}

// PositionRepository defines storage operations over the snapshot cache.
type PositionRepository interface {
	// Get returns the snapshot for an exact (product, date), or nil.
	Get(ctx context.Context, productID id.ID, date time.Time) (*PositionSnapshot, error)

	// LatestAsOf walks backward to the nearest snapshot with date <= the
	// given date, or nil when the product has no snapshot yet.
	LatestAsOf(ctx context.Context, productID id.ID, date time.Time) (*PositionSnapshot, error)

	// Latest returns the product's newest snapshot regardless of date, or
	// nil. The engine uses it to bound the refresh window so snapshots on
	// post-dated days are overwritten rather than left stale.
	Latest(ctx context.Context, productID id.ID) (*PositionSnapshot, error)

	// ListRange returns snapshots with from <= date <= to, ordered by date.
	ListRange(ctx context.Context, productID id.ID, from, to time.Time) ([]PositionSnapshot, error)

	// UpsertBatch writes snapshots, replacing existing (product, date) rows.
	UpsertBatch(ctx context.Context, snapshots []PositionSnapshot) error
}

// ProductLocker provides per-product mutual exclusion for the duration of
// the enclosing transaction. Two concurrent mutations of the same product
// must not interleave their forward-replay reads and writes; mutations of
// different products may run fully in parallel.
type ProductLocker interface {
	// AcquireProductLock blocks until the product lock is held or a bounded
	// wait elapses, in which case it returns a retryable lock-timeout error.
	AcquireProductLock(ctx context.Context, productID id.ID) error
}

// AuditRecorder records mutation history entries in the same transaction
// as the mutation itself. Optional: a nil recorder disables auditing.
type AuditRecorder interface {
	RecordChange(ctx context.Context, entityType string, entityID id.ID, action string, changes map[string]any) error
}
