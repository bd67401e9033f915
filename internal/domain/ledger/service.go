package ledger

import (
	"context"
	"time"

	"costbook/internal/core/id"

	"github.com/shopspring/decimal"
)

// Service is the ledger's outward face: mutation intake for the invoice
// collaborator, gap-filled position reads and movement history for
// reporting collaborators, and the administrative repair entry point.
//
// Reads never take the per-product lock. Snapshots are updated in the
// same commit as the chain, so readers see either the pre- or the
// post-mutation state, never a partial one.
type Service struct {
	engine    *Engine
	movements MovementRepository
	positions PositionRepository
}

// NewService creates a ledger service over an engine and its stores.
func NewService(engine *Engine, movements MovementRepository, positions PositionRepository) *Service {
	return &Service{
		engine:    engine,
		movements: movements,
		positions: positions,
	}
}

// ApplyMutation executes one invoice-line mutation event atomically and
// returns the affected movement's ID.
func (s *Service) ApplyMutation(ctx context.Context, event MutationEvent) (id.ID, error) {
	return s.engine.Apply(ctx, event)
}

// GetPosition returns the product's available quantity and average cost as
// of the end of the given date. Dates without a snapshot fall back to the
// nearest earlier one; products with no history at all read as zero.
func (s *Service) GetPosition(ctx context.Context, productID id.ID, date time.Time) (PositionSnapshot, error) {
	day := DayStart(date)

	snap, err := s.positions.Get(ctx, productID, day)
	if err != nil {
		return PositionSnapshot{}, err
	}
	if snap == nil {
		snap, err = s.positions.LatestAsOf(ctx, productID, day)
		if err != nil {
			return PositionSnapshot{}, err
		}
	}
	if snap == nil {
		return PositionSnapshot{
			ProductID:    productID,
			Date:         day,
			AvailableQty: 0,
			AvgCost:      decimal.Zero,
		}, nil
	}

	// Report against the requested date even when gap-filled from an
	// earlier snapshot.
	return PositionSnapshot{
		ProductID:    productID,
		Date:         day,
		AvailableQty: snap.AvailableQty,
		AvgCost:      snap.AvgCost,
		UpdatedAt:    snap.UpdatedAt,
	}, nil
}

// GetMovements returns a product's movement history in chain order.
func (s *Service) GetMovements(ctx context.Context, productID id.ID, filter MovementFilter) ([]Movement, error) {
	return s.movements.ListByProduct(ctx, productID, filter)
}

// RecomputePositions runs the batch repair pass for one product, or for
// all products when productID is nil.
func (s *Service) RecomputePositions(ctx context.Context, productID *id.ID) (RepairSummary, error) {
	return s.engine.RecomputePositions(ctx, productID)
}
