// Package main runs the batch position repair pass from the command line.
// Intended for maintenance windows and post-incident healing; the same
// logic is reachable over HTTP via POST /api/v1/admin/recompute.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"costbook/internal/core/id"
	"costbook/internal/domain/ledger"
	"costbook/internal/infrastructure/storage/postgres"
	"costbook/internal/infrastructure/storage/postgres/ledger_repo"
	"costbook/pkg/logger"
)

func main() {
	productFlag := flag.String("product", "", "repair a single product (uuid); all products when empty")
	flag.Parse()

	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	var productID *id.ID
	if *productFlag != "" {
		parsed, err := id.Parse(*productFlag)
		if err != nil {
			log.Fatalw("invalid product id", "product", *productFlag, "error", err)
		}
		productID = &parsed
	}

	dsn := mustEnv("DATABASE_URL")
	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(dsn))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	txManager := postgres.NewTxManager(pool)
	movementRepo := ledger_repo.NewMovementRepo(txManager)
	positionRepo := ledger_repo.NewPositionRepo(txManager)
	locker := postgres.NewProductLocker(txManager, getEnvDuration("PRODUCT_LOCK_TIMEOUT", 3*time.Second))

	auditService, err := postgres.NewAuditService(txManager)
	if err != nil {
		log.Fatalw("failed to initialize audit service", "error", err)
	}

	engine := ledger.NewEngine(movementRepo, positionRepo, locker, txManager,
		ledger.WithAudit(auditService))

	start := time.Now()
	summary, err := engine.RecomputePositions(ctx, productID)
	if err != nil {
		log.Fatalw("repair failed", "error", err,
			"products_done", summary.Products,
		)
	}

	log.Infow("repair finished",
		"products", summary.Products,
		"movements_healed", summary.MovementsHealed,
		"snapshots_written", summary.SnapshotsWritten,
		"elapsed", time.Since(start).String(),
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
