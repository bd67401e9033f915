package ledger

import (
	"context"
	"fmt"
	"time"

	"costbook/internal/core/apperror"
	"costbook/internal/core/id"
	"costbook/pkg/logger"
)

// RepairSummary reports what a batch repair pass changed.
type RepairSummary struct {
	Products         int `json:"products"`
	MovementsHealed  int `json:"movementsHealed"`
	SnapshotsWritten int `json:"snapshotsWritten"`
}

// RecomputePositions replays each affected product's full movement chain
// from the zero state and writes back only the movements and snapshots
// whose stored values drifted from the recomputed ones. Running it twice
// in a row therefore produces no writes the second time.
//
// A nil productID repairs every product that has movements. Each product
// is repaired in its own transaction under the product lock, so the pass
// never blocks unrelated products and a failure only rolls back the
// product it happened on.
func (e *Engine) RecomputePositions(ctx context.Context, productID *id.ID) (RepairSummary, error) {
	var summary RepairSummary

	var products []id.ID
	if productID != nil {
		products = []id.ID{*productID}
	} else {
		var err error
		products, err = e.movements.ListProductIDs(ctx)
		if err != nil {
			return summary, fmt.Errorf("list products: %w", err)
		}
	}

	for _, pid := range products {
		err := e.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
			if err := e.locker.AcquireProductLock(ctx, pid); err != nil {
				return err
			}

			healed, written, err := e.repairProduct(ctx, pid)
			if err != nil {
				return err
			}
			summary.MovementsHealed += healed
			summary.SnapshotsWritten += written

			if e.audit != nil && (healed > 0 || written > 0) {
				changes := map[string]any{
					"movements_healed":  healed,
					"snapshots_written": written,
				}
				if err := e.audit.RecordChange(ctx, "product", pid, "repair", changes); err != nil {
					return fmt.Errorf("record audit: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return summary, fmt.Errorf("repair product %s: %w", pid, err)
		}
		summary.Products++
	}

	logger.Info(ctx, "position repair completed",
		"products", summary.Products,
		"movements_healed", summary.MovementsHealed,
		"snapshots_written", summary.SnapshotsWritten,
	)
	return summary, nil
}

// repairProduct recomputes one product's chain and end-of-day states from
// the zero state, healing drifted movement rows and missing or stale
// snapshots. Days without movements carry the previous state forward.
//
// The repair pass records what the chain says happened, so the negative
// stock guard is intentionally not applied here; it gates new mutations,
// not the healing of history.
func (e *Engine) repairProduct(ctx context.Context, productID id.ID) (healed, written int, err error) {
	chain, err := e.movements.GetChainFrom(ctx, productID, Key{})
	if err != nil {
		return 0, 0, fmt.Errorf("get chain: %w", err)
	}

	end := DayStart(e.now())
	if latest, err := e.positions.Latest(ctx, productID); err != nil {
		return 0, 0, fmt.Errorf("get latest snapshot: %w", err)
	} else if latest != nil && latest.Date.After(end) {
		end = latest.Date
	}

	if len(chain) == 0 {
		// No movements left. Any lingering snapshots must carry the zero
		// state to stay reproducible from the (empty) chain.
		written, err := e.resetSnapshots(ctx, productID, end)
		return 0, written, err
	}

	firstDay := DayStart(chain[0].EffectiveTime)
	existing, err := e.positions.ListRange(ctx, productID, time.Time{}, end)
	if err != nil {
		return 0, 0, fmt.Errorf("list snapshots: %w", err)
	}
	byDay := make(map[int64]*PositionSnapshot, len(existing))
	for i := range existing {
		byDay[existing[i].Date.Unix()] = &existing[i]
	}

	var (
		state    = ZeroState()
		prev     Key
		upserts  []PositionSnapshot
		chainIdx int
	)

	// Snapshots dated before the first movement can only be leftovers of a
	// chain that has since been rewritten. They must read the zero state.
	for i := range existing {
		if !existing[i].Date.Before(firstDay) {
			break
		}
		if existing[i].SameState(state) {
			continue
		}
		upserts = append(upserts, PositionSnapshot{
			ProductID:    productID,
			Date:         existing[i].Date,
			AvailableQty: state.Quantity,
			AvgCost:      state.AvgCost,
			UpdatedAt:    e.now(),
		})
	}
	for day := firstDay; !day.After(end); day = day.AddDate(0, 0, 1) {
		for chainIdx < len(chain) && DayStart(chain[chainIdx].EffectiveTime).Equal(day) {
			m := &chain[chainIdx]
			if chainIdx > 0 && !prev.Less(m.Key()) {
				return 0, 0, apperror.NewLedgerInconsistent(productID.String(),
					"movement chain ordering violated").
					WithDetail("invoice_id", m.InvoiceID)
			}

			after := NextState(state, m.QuantityDelta, m.UnitCost)
			if m.QuantityBefore != state.Quantity || m.QuantityAfter != after.Quantity || !m.AvgCostAfter.Equal(after.AvgCost) {
				m.QuantityBefore = state.Quantity
				m.QuantityAfter = after.Quantity
				m.AvgCostAfter = after.AvgCost
				if err := e.movements.Overwrite(ctx, m); err != nil {
					return 0, 0, fmt.Errorf("overwrite movement: %w", err)
				}
				healed++
			}

			state = after
			prev = m.Key()
			chainIdx++
		}

		if snap, ok := byDay[day.Unix()]; !ok || !snap.SameState(state) {
			upserts = append(upserts, PositionSnapshot{
				ProductID:    productID,
				Date:         day,
				AvailableQty: state.Quantity,
				AvgCost:      state.AvgCost,
				UpdatedAt:    e.now(),
			})
		}
	}

	if len(upserts) > 0 {
		if err := e.positions.UpsertBatch(ctx, upserts); err != nil {
			return 0, 0, fmt.Errorf("upsert snapshots: %w", err)
		}
	}
	return healed, len(upserts), nil
}

// resetSnapshots rewrites every existing snapshot of a product with the
// zero state. Only reached when the product's chain is empty.
func (e *Engine) resetSnapshots(ctx context.Context, productID id.ID, end time.Time) (int, error) {
	existing, err := e.positions.ListRange(ctx, productID, time.Time{}, end)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}

	zero := ZeroState()
	var upserts []PositionSnapshot
	for i := range existing {
		if existing[i].SameState(zero) {
			continue
		}
		upserts = append(upserts, PositionSnapshot{
			ProductID:    productID,
			Date:         existing[i].Date,
			AvailableQty: zero.Quantity,
			AvgCost:      zero.AvgCost,
			UpdatedAt:    e.now(),
		})
	}
	if len(upserts) == 0 {
		return 0, nil
	}
	if err := e.positions.UpsertBatch(ctx, upserts); err != nil {
		return 0, fmt.Errorf("upsert snapshots: %w", err)
	}
	return len(upserts), nil
}
