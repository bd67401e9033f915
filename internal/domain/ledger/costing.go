package ledger

import (
	"costbook/internal/core/types"

	"github.com/shopspring/decimal"
)

// State is a product's running (available quantity, weighted-average cost)
// pair at some point of the movement chain.
type State struct {
	Quantity types.Quantity
	AvgCost  types.Money
}

// ZeroState is the "before" state of a product's first movement.
func ZeroState() State {
	return State{Quantity: 0, AvgCost: decimal.Zero}
}

// Equal compares two states by value (decimal equality, not representation).
func (s State) Equal(other State) bool {
	return s.Quantity == other.Quantity && s.AvgCost.Equal(other.AvgCost)
}

// avgCostScale is the number of fractional digits kept on the running
// average. Rounding once per step keeps long replay chains from carrying
// ever-growing decimal expansions.
const avgCostScale = 4

// NextState applies one movement to a running state:
//
//	after_qty = before_qty + delta
//	purchase (delta > 0): avg = (before_avg*before_qty + unit_cost*delta) / after_qty,
//	                      or unit_cost when the position was drained (after_qty <= 0)
//	sale (delta <= 0):    avg unchanged
//
// Sales never reprice the position; only purchases move the average,
// proportionally to the quantities involved.
func NextState(before State, delta types.Quantity, unitCost types.Money) State {
	after := State{Quantity: before.Quantity + delta}

	if !delta.IsPositive() {
		after.AvgCost = before.AvgCost
		return after
	}

	if !after.Quantity.IsPositive() {
		after.AvgCost = unitCost
		return after
	}

	total := before.AvgCost.Mul(before.Quantity.Decimal()).
		Add(unitCost.Mul(delta.Decimal()))
	after.AvgCost = total.Div(after.Quantity.Decimal()).Round(avgCostScale)
	return after
}
