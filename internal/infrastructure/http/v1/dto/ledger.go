package dto

import (
	"encoding/json"
	"time"

	"costbook/internal/core/apperror"
	"costbook/internal/core/id"
	"costbook/internal/core/types"
	"costbook/internal/domain/ledger"
)

// --- Request DTOs ---

// MutationRequest is the mutation notification the invoice collaborator
// posts once per affected product. Numeric fields accept JSON numbers or
// strings; both parse into exact decimal values.
type MutationRequest struct {
	InvoiceID     string         `json:"invoiceId" binding:"required"`
	ProductID     string         `json:"productId" binding:"required"`
	Action        string         `json:"action" binding:"required"`
	Delta         types.Quantity `json:"delta"`
	UnitCost      types.Money    `json:"unitCost"`
	EffectiveTime *time.Time     `json:"effectiveTime"`
}

// ToEvent converts the request to a domain mutation event.
func (r MutationRequest) ToEvent() (ledger.MutationEvent, error) {
	invoiceID, err := id.Parse(r.InvoiceID)
	if err != nil {
		return ledger.MutationEvent{}, apperror.NewValidation("invalid invoiceId format")
	}
	productID, err := id.Parse(r.ProductID)
	if err != nil {
		return ledger.MutationEvent{}, apperror.NewValidation("invalid productId format")
	}

	event := ledger.MutationEvent{
		InvoiceID: invoiceID,
		ProductID: productID,
		Action:    ledger.Action(r.Action),
		Delta:     r.Delta,
		UnitCost:  r.UnitCost,
	}
	if r.EffectiveTime != nil {
		event.EffectiveTime = *r.EffectiveTime
	}
	return event, nil
}

// RecomputeRequest optionally narrows a batch repair to one product.
type RecomputeRequest struct {
	ProductID *string `json:"productId"`
}

// MovementQuery filters GET /ledger/movements. Dates are RFC3339; zero
// means unbounded.
type MovementQuery struct {
	ProductID string    `form:"productId" binding:"required"`
	FromDate  time.Time `form:"fromDate" time_format:"2006-01-02T15:04:05Z07:00"`
	ToDate    time.Time `form:"toDate" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit     int       `form:"limit"`
	Offset    int       `form:"offset"`
}

// --- Response DTOs ---

// PositionResponse represents a product position in API responses.
type PositionResponse struct {
	ProductID    string    `json:"productId"`
	Date         string    `json:"date"`
	AvailableQty string    `json:"availableQty"`
	AvgCost      string    `json:"avgCost"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

// FromPosition converts a snapshot to a response DTO.
func FromPosition(p ledger.PositionSnapshot) PositionResponse {
	return PositionResponse{
		ProductID:    p.ProductID.String(),
		Date:         p.Date.Format("2006-01-02"),
		AvailableQty: p.AvailableQty.String(),
		AvgCost:      p.AvgCost.String(),
		UpdatedAt:    p.UpdatedAt,
	}
}

// MovementResponse represents a ledger movement in API responses.
type MovementResponse struct {
	ID             string    `json:"id"`
	ProductID      string    `json:"productId"`
	InvoiceID      string    `json:"invoiceId"`
	EffectiveTime  time.Time `json:"effectiveTime"`
	QuantityBefore string    `json:"quantityBefore"`
	QuantityDelta  string    `json:"quantityDelta"`
	QuantityAfter  string    `json:"quantityAfter"`
	UnitCost       string    `json:"unitCost"`
	AvgCostAfter   string    `json:"avgCostAfter"`
	RecordedAt     time.Time `json:"recordedAt"`
}

// FromMovement converts a movement to a response DTO.
func FromMovement(m ledger.Movement) MovementResponse {
	return MovementResponse{
		ID:             m.ID.String(),
		ProductID:      m.ProductID.String(),
		InvoiceID:      m.InvoiceID.String(),
		EffectiveTime:  m.EffectiveTime,
		QuantityBefore: m.QuantityBefore.String(),
		QuantityDelta:  m.QuantityDelta.String(),
		QuantityAfter:  m.QuantityAfter.String(),
		UnitCost:       m.UnitCost.String(),
		AvgCostAfter:   m.AvgCostAfter.String(),
		RecordedAt:     m.RecordedAt,
	}
}

// MovementListResponse represents a page of movement history.
type MovementListResponse struct {
	Items      []MovementResponse `json:"items"`
	TotalCount int                `json:"totalCount"`
}

// RepairSummaryResponse reports what a batch repair changed.
type RepairSummaryResponse struct {
	Products         int `json:"products"`
	MovementsHealed  int `json:"movementsHealed"`
	SnapshotsWritten int `json:"snapshotsWritten"`
}

// FromRepairSummary converts a repair summary to a response DTO.
func FromRepairSummary(s ledger.RepairSummary) RepairSummaryResponse {
	return RepairSummaryResponse{
		Products:         s.Products,
		MovementsHealed:  s.MovementsHealed,
		SnapshotsWritten: s.SnapshotsWritten,
	}
}

// AuditEntryResponse represents one audit history entry.
type AuditEntryResponse struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"userId,omitempty"`
	UserEmail string          `json:"userEmail,omitempty"`
	Changes   json.RawMessage `json:"changes,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AuditHistoryResponse represents an entity's audit history.
type AuditHistoryResponse struct {
	Items []AuditEntryResponse `json:"items"`
}
