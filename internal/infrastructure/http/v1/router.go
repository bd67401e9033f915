// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"costbook/internal/domain/auth"
	"costbook/internal/domain/ledger"
	"costbook/internal/infrastructure/http/v1/handlers"
	"costbook/internal/infrastructure/http/v1/middleware"
	"costbook/internal/infrastructure/storage/postgres"
	"costbook/pkg/logger"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	// Pool is the database connection pool (for health checks).
	Pool *postgres.Pool

	// Logger for request logging.
	Logger *logger.Logger

	// JWTValidator for token validation.
	JWTValidator middleware.JWTValidator

	// LedgerService is the valuation ledger's outward face.
	LedgerService *ledger.Service

	// AuditService serves per-product mutation history.
	AuditService *postgres.AuditService

	// AdminTokenHash is the bcrypt hash guarding maintenance endpoints.
	// Empty disables them.
	AdminTokenHash string
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	// Health endpoints (no auth required)
	healthHandler := handlers.NewHealthHandler(cfg.Pool)
	healthHandler.RegisterRoutes(router.Group("/health"))

	base := handlers.NewBaseHandler()
	ledgerHandler := handlers.NewLedgerHandler(base, cfg.LedgerService, cfg.AuditService)

	v1 := router.Group("/api/v1")
	{
		protected := v1.Group("/ledger")
		protected.Use(middleware.Auth(cfg.JWTValidator))
		ledgerHandler.RegisterRoutes(protected, middleware.RequireRole(auth.RoleLedgerWriter))

		admin := v1.Group("/admin")
		admin.Use(middleware.AdminToken(cfg.AdminTokenHash))
		ledgerHandler.RegisterAdminRoutes(admin)
	}

	return router
}
