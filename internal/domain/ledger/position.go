package ledger

import (
	"time"

	"costbook/internal/core/id"
	"costbook/internal/core/types"
)

// PositionSnapshot caches the ledger state of a product as of the end of
// one UTC calendar date: the quantity_after / avg_cost_after of the latest
// movement with effective_time <= date, or the previous day's values
// carried forward when the date has no movements.
//
// Snapshots are a derived cache, never a source of truth. They must always
// be reproducible by replaying the movement chain from the zero state; the
// recompute engine is their only writer.
type PositionSnapshot struct {
	ProductID    id.ID          `db:"product_id" json:"productId"`
	Date         time.Time      `db:"date" json:"date"`
	AvailableQty types.Quantity `db:"available_qty" json:"availableQty"`
	AvgCost      types.Money    `db:"avg_cost" json:"avgCost"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updatedAt"`
}

// State returns the snapshot as a running chain state.
func (p *PositionSnapshot) State() State {
	return State{Quantity: p.AvailableQty, AvgCost: p.AvgCost}
}

// SameState reports whether the snapshot already carries the given state.
// Used by the repair pass to skip writes that would change nothing.
func (p *PositionSnapshot) SameState(s State) bool {
	return p.AvailableQty == s.Quantity && p.AvgCost.Equal(s.AvgCost)
}
