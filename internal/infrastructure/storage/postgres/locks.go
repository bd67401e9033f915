package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"costbook/internal/core/apperror"
	"costbook/internal/core/id"
)

// lockTimeoutSQLState is returned by Postgres when lock_timeout expires.
const lockTimeoutSQLState = "55P03"

// ProductLocker serializes movement-chain mutations per product using
// transaction-scoped advisory locks. The lock is released automatically
// on commit or rollback.
type ProductLocker struct {
	txManager *TxManager
	timeout   time.Duration
}

// NewProductLocker creates a product locker with the given acquisition timeout.
func NewProductLocker(txManager *TxManager, timeout time.Duration) *ProductLocker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &ProductLocker{txManager: txManager, timeout: timeout}
}

// AcquireProductLock blocks until the per-product advisory lock is held,
// or fails with a retryable LOCK_TIMEOUT error once the timeout expires.
// Must be called inside a transaction.
func (l *ProductLocker) AcquireProductLock(ctx context.Context, productID id.ID) error {
	tx := l.txManager.GetTx(ctx)
	if tx == nil {
		return fmt.Errorf("AcquireProductLock requires transaction context")
	}

	timeoutMs := l.timeout.Milliseconds()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeoutMs)); err != nil {
		return fmt.Errorf("set lock_timeout: %w", err)
	}

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey(productID)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == lockTimeoutSQLState {
			return apperror.NewLockTimeout(productID.String())
		}
		return fmt.Errorf("acquire product lock: %w", err)
	}

	return nil
}

// lockKey maps a product UUID onto the int64 advisory lock keyspace.
func lockKey(productID id.ID) int64 {
	h := fnv.New64a()
	h.Write(productID[:])
	return int64(h.Sum64())
}
