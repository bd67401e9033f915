// Package ledger provides the inventory valuation ledger: a per-product,
// time-ordered chain of stock movements with a running weighted-average
// unit cost, plus the end-of-day position snapshots derived from it.
package ledger

import (
	"bytes"
	"time"

	"costbook/internal/core/id"
	"costbook/internal/core/types"
)

// Movement is one ledger record: the stock effect of a single invoice line
// on a product at its effective time (the invoice business date, not the
// time the record was entered).
//
// For a fixed product, movements ordered by (effective_time, invoice_id)
// form a chain where every quantity_after equals the predecessor's
// quantity_after plus this movement's delta, and avg_cost_after follows
// the weighted-average recurrence (see costing.go). The chain owns these
// two columns; nothing else may write them.
type Movement struct {
	ID        id.ID `db:"id" json:"id"`
	ProductID id.ID `db:"product_id" json:"productId"`
	InvoiceID id.ID `db:"invoice_id" json:"invoiceId"`

	// EffectiveTime is the business date the owning invoice takes effect.
	// Historical invoices may be entered or edited after later ones exist,
	// so this is unrelated to insertion order.
	EffectiveTime time.Time `db:"effective_time" json:"effectiveTime"`

	QuantityBefore types.Quantity `db:"quantity_before" json:"quantityBefore"`
	// QuantityDelta is signed: positive for purchases, negative for sales.
	QuantityDelta types.Quantity `db:"quantity_delta" json:"quantityDelta"`
	QuantityAfter types.Quantity `db:"quantity_after" json:"quantityAfter"`

	// UnitCost is the invoice line's unit price.
	UnitCost types.Money `db:"unit_cost" json:"unitCost"`
	// AvgCostAfter is the running weighted-average cost after this movement.
	AvgCostAfter types.Money `db:"avg_cost_after" json:"avgCostAfter"`

	RecordedAt time.Time `db:"recorded_at" json:"recordedAt"`
}

// Key returns the movement's chain ordering key.
func (m *Movement) Key() Key {
	return Key{EffectiveTime: m.EffectiveTime, InvoiceID: m.InvoiceID}
}

// AfterState returns the stored state resulting from the movement.
func (m *Movement) AfterState() State {
	return State{Quantity: m.QuantityAfter, AvgCost: m.AvgCostAfter}
}

// IsSale reports whether the movement decreases stock.
func (m *Movement) IsSale() bool {
	return m.QuantityDelta.IsNegative()
}

// Key is the total ordering key of a product's movement chain:
// (effective_time, invoice_id). Two movements for the same product must
// never share a key. The invoice id acts as a deterministic tie-breaker
// for movements on the same instant.
type Key struct {
	EffectiveTime time.Time
	InvoiceID     id.ID
}

// Less reports whether k orders strictly before other.
func (k Key) Less(other Key) bool {
	if k.EffectiveTime.Before(other.EffectiveTime) {
		return true
	}
	if other.EffectiveTime.Before(k.EffectiveTime) {
		return false
	}
	return bytes.Compare(k.InvoiceID[:], other.InvoiceID[:]) < 0
}

// Equal reports whether two keys are identical.
func (k Key) Equal(other Key) bool {
	return k.EffectiveTime.Equal(other.EffectiveTime) && k.InvoiceID == other.InvoiceID
}

// DayStart truncates t to the start of its UTC calendar date.
// Position snapshots are keyed by these dates.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
