package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"costbook/internal/core/id"
	"costbook/internal/domain/ledger"
	"costbook/internal/infrastructure/storage/postgres"
)

const positionsTable = "ledger_positions"

var positionColumns = []string{
	"product_id", "date", "available_qty", "avg_cost", "updated_at",
}

// PositionRepo implements ledger.PositionRepository.
type PositionRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
	batch     *postgres.BatchExecutor
}

// NewPositionRepo creates a new position snapshot repository.
func NewPositionRepo(txManager *postgres.TxManager) *PositionRepo {
	return &PositionRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		batch:     postgres.NewBatchExecutor(txManager),
	}
}

// Get returns the snapshot for an exact (product, date), or nil.
func (r *PositionRepo) Get(ctx context.Context, productID id.ID, date time.Time) (*ledger.PositionSnapshot, error) {
	q := r.builder.Select(positionColumns...).
		From(positionsTable).
		Where(squirrel.Eq{"product_id": productID, "date": ledger.DayStart(date)})

	return r.getOne(ctx, q)
}

// LatestAsOf returns the nearest snapshot with date <= the given date, or nil.
func (r *PositionRepo) LatestAsOf(ctx context.Context, productID id.ID, date time.Time) (*ledger.PositionSnapshot, error) {
	q := r.builder.Select(positionColumns...).
		From(positionsTable).
		Where(squirrel.Eq{"product_id": productID}).
		Where(squirrel.LtOrEq{"date": ledger.DayStart(date)}).
		OrderBy("date DESC").
		Limit(1)

	return r.getOne(ctx, q)
}

// Latest returns the product's newest snapshot regardless of date, or nil.
func (r *PositionRepo) Latest(ctx context.Context, productID id.ID) (*ledger.PositionSnapshot, error) {
	q := r.builder.Select(positionColumns...).
		From(positionsTable).
		Where(squirrel.Eq{"product_id": productID}).
		OrderBy("date DESC").
		Limit(1)

	return r.getOne(ctx, q)
}

// ListRange returns snapshots with from <= date <= to, ordered by date.
func (r *PositionRepo) ListRange(ctx context.Context, productID id.ID, from, to time.Time) ([]ledger.PositionSnapshot, error) {
	q := r.builder.Select(positionColumns...).
		From(positionsTable).
		Where(squirrel.Eq{"product_id": productID}).
		Where(squirrel.GtOrEq{"date": ledger.DayStart(from)}).
		Where(squirrel.LtOrEq{"date": ledger.DayStart(to)}).
		OrderBy("date ASC")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var snapshots []ledger.PositionSnapshot
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &snapshots, sql, args...); err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	return snapshots, nil
}

// UpsertBatch writes snapshots in a single round-trip, replacing existing
// (product, date) rows. Must run inside the mutation's transaction so the
// cache never diverges from the chain it was derived from.
func (r *PositionRepo) UpsertBatch(ctx context.Context, snapshots []ledger.PositionSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	const sql = `
		INSERT INTO ledger_positions (product_id, date, available_qty, avg_cost, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id, date) DO UPDATE SET
			available_qty = EXCLUDED.available_qty,
			avg_cost = EXCLUDED.avg_cost,
			updated_at = EXCLUDED.updated_at
	`

	queries := make([]postgres.BatchQuery, 0, len(snapshots))
	for _, s := range snapshots {
		queries = append(queries, postgres.BatchQuery{
			SQL:  sql,
			Args: []any{s.ProductID, ledger.DayStart(s.Date), s.AvailableQty, s.AvgCost, s.UpdatedAt},
		})
	}

	if err := r.batch.ExecuteBatch(ctx, queries); err != nil {
		return fmt.Errorf("upsert positions: %w", err)
	}

	return nil
}

func (r *PositionRepo) getOne(ctx context.Context, q squirrel.SelectBuilder) (*ledger.PositionSnapshot, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var s ledger.PositionSnapshot
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &s, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get position: %w", err)
	}

	return &s, nil
}
