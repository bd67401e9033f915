package ledger

import (
	"time"

	"costbook/internal/core/apperror"
	"costbook/internal/core/id"
	"costbook/internal/core/types"
)

// Action identifies the kind of invoice-line mutation being applied.
type Action string

const (
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// MutationEvent is the notification the invoice collaborator issues once
// per affected product after an invoice is created, edited or deleted.
// The ledger reacts to these events; it never reads or writes invoices.
type MutationEvent struct {
	InvoiceID id.ID  `json:"invoiceId"`
	ProductID id.ID  `json:"productId"`
	Action    Action `json:"action"`

	// Delta is the line's signed stock effect: positive for purchases,
	// negative for sales. Ignored for deletes.
	Delta types.Quantity `json:"delta,omitempty"`

	// UnitCost is the line's unit price. Ignored for deletes.
	UnitCost types.Money `json:"unitCost,omitempty"`

	// EffectiveTime is the invoice business date. Zero means "now" and is
	// only meaningful for creates; edits and deletes locate the existing
	// movement and keep its effective time.
	EffectiveTime time.Time `json:"effectiveTime,omitempty"`
}

// Validate rejects malformed events before any transaction opens.
func (e MutationEvent) Validate() error {
	if id.IsNil(e.InvoiceID) {
		return apperror.NewValidation("invoice_id is required")
	}
	if id.IsNil(e.ProductID) {
		return apperror.NewValidation("product_id is required")
	}

	switch e.Action {
	case ActionCreate, ActionEdit:
		if e.Delta.IsZero() {
			return apperror.NewValidation("quantity delta must be non-zero")
		}
		if e.UnitCost.IsNegative() {
			return apperror.NewValidation("unit cost must not be negative")
		}
	case ActionDelete:
		// Only the (invoice, product) reference matters.
	default:
		return apperror.NewValidation("unknown action").WithDetail("action", string(e.Action))
	}

	return nil
}
