package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"costbook/internal/core/apperror"
	"costbook/internal/core/id"
	"costbook/internal/domain/ledger"
	"costbook/internal/infrastructure/http/v1/dto"
	"costbook/internal/infrastructure/storage/postgres"
)

// LedgerHandler handles HTTP requests for the valuation ledger.
type LedgerHandler struct {
	*BaseHandler
	service *ledger.Service
	audit   *postgres.AuditService
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(base *BaseHandler, service *ledger.Service, audit *postgres.AuditService) *LedgerHandler {
	return &LedgerHandler{
		BaseHandler: base,
		service:     service,
		audit:       audit,
	}
}

// ApplyMutation handles POST /ledger/mutations
func (h *LedgerHandler) ApplyMutation(c *gin.Context) {
	var req dto.MutationRequest
	if !h.BindJSON(c, &req) {
		return
	}

	event, err := req.ToEvent()
	if err != nil {
		h.Error(c, err)
		return
	}

	movementID, err := h.service.ApplyMutation(c.Request.Context(), event)
	if err != nil {
		h.Error(c, err)
		return
	}

	if event.Action == ledger.ActionCreate {
		h.Created(c, movementID)
		return
	}
	h.OK(c, dto.NewIDResponse(movementID))
}

// movementQueryDefaultLimit caps unpaged movement listings.
const movementQueryDefaultLimit = 100

// GetPosition handles GET /ledger/positions/:productId
func (h *LedgerHandler) GetPosition(c *gin.Context) {
	productID, err := id.Parse(c.Param("productId"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid productId format"))
		return
	}

	date := time.Now().UTC()
	if dateStr := c.Query("date"); dateStr != "" {
		parsed, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			h.Error(c, apperror.NewValidation("invalid date format, expected YYYY-MM-DD"))
			return
		}
		date = parsed
	}

	position, err := h.service.GetPosition(c.Request.Context(), productID, date)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.FromPosition(position))
}

// GetMovements handles GET /ledger/movements
func (h *LedgerHandler) GetMovements(c *gin.Context) {
	var q dto.MovementQuery
	if !h.BindQuery(c, &q) {
		return
	}

	productID, err := id.Parse(q.ProductID)
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid productId format"))
		return
	}

	filter := ledger.MovementFilter{
		Limit:  q.Limit,
		Offset: q.Offset,
	}
	if filter.Limit <= 0 {
		filter.Limit = movementQueryDefaultLimit
	}
	if !q.FromDate.IsZero() {
		filter.FromDate = &q.FromDate
	}
	if !q.ToDate.IsZero() {
		filter.ToDate = &q.ToDate
	}

	movements, err := h.service.GetMovements(c.Request.Context(), productID, filter)
	if err != nil {
		h.Error(c, err)
		return
	}

	items := make([]dto.MovementResponse, len(movements))
	for i, m := range movements {
		items[i] = dto.FromMovement(m)
	}

	h.OK(c, dto.MovementListResponse{
		Items:      items,
		TotalCount: len(items),
	})
}

// GetAuditHistory handles GET /ledger/movements/:productId/audit
func (h *LedgerHandler) GetAuditHistory(c *gin.Context) {
	productID, err := id.Parse(c.Param("productId"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid productId format"))
		return
	}

	limit := h.ParseIntQuery(c, "limit", movementQueryDefaultLimit)

	entries, err := h.audit.GetEntityHistory(c.Request.Context(), "product", productID, limit)
	if err != nil {
		h.Error(c, err)
		return
	}

	items := make([]dto.AuditEntryResponse, len(entries))
	for i, e := range entries {
		items[i] = dto.AuditEntryResponse{
			ID:        e.ID.String(),
			Action:    e.Action,
			UserID:    e.UserID,
			UserEmail: e.UserEmail,
			Changes:   e.Changes,
			CreatedAt: e.CreatedAt,
		}
	}

	h.OK(c, dto.AuditHistoryResponse{Items: items})
}

// Recompute handles POST /admin/recompute
func (h *LedgerHandler) Recompute(c *gin.Context) {
	// ContentLength is -1 for chunked bodies; only a known-empty body
	// skips binding.
	var req dto.RecomputeRequest
	if c.Request.ContentLength != 0 && !h.BindJSON(c, &req) {
		return
	}

	var productID *id.ID
	if req.ProductID != nil && *req.ProductID != "" {
		parsed, err := id.Parse(*req.ProductID)
		if err != nil {
			h.Error(c, apperror.NewValidation("invalid productId format"))
			return
		}
		productID = &parsed
	}

	summary, err := h.service.RecomputePositions(c.Request.Context(), productID)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.FromRepairSummary(summary))
}

// RegisterRoutes registers ledger routes. writeGuard protects the
// mutation intake; reads need only authentication.
func (h *LedgerHandler) RegisterRoutes(rg *gin.RouterGroup, writeGuard gin.HandlerFunc) {
	rg.POST("/mutations", writeGuard, h.ApplyMutation)
	rg.GET("/positions/:productId", h.GetPosition)
	rg.GET("/movements", h.GetMovements)
	rg.GET("/movements/:productId/audit", h.GetAuditHistory)
}

// RegisterAdminRoutes registers maintenance routes.
func (h *LedgerHandler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/recompute", h.Recompute)
}
