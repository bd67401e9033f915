// Package ledger_repo provides PostgreSQL implementations for the ledger
// repositories.
package ledger_repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"costbook/internal/core/apperror"
	"costbook/internal/core/id"
	"costbook/internal/domain/ledger"
	"costbook/internal/infrastructure/storage/postgres"
)

const movementsTable = "ledger_movements"

var movementColumns = []string{
	"id", "product_id", "invoice_id", "effective_time",
	"quantity_before", "quantity_delta", "quantity_after",
	"unit_cost", "avg_cost_after", "recorded_at",
}

// MovementRepo implements ledger.MovementRepository.
//
// Chain ordering is expressed with row-value comparisons on
// (effective_time, invoice_id), so predecessor and tail lookups use the
// exact same total order the domain layer assumes.
type MovementRepo struct {
	txManager *postgres.TxManager
	builder   squirrel.StatementBuilderType
}

// NewMovementRepo creates a new movement repository.
func NewMovementRepo(txManager *postgres.TxManager) *MovementRepo {
	return &MovementRepo{
		txManager: txManager,
		builder:   squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Append inserts a new movement.
func (r *MovementRepo) Append(ctx context.Context, m *ledger.Movement) error {
	q := r.builder.Insert(movementsTable).
		Columns(movementColumns...).
		Values(
			m.ID, m.ProductID, m.InvoiceID, m.EffectiveTime,
			m.QuantityBefore, m.QuantityDelta, m.QuantityAfter,
			m.UnitCost, m.AvgCostAfter, m.RecordedAt,
		)

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	if _, err := querier.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert movement: %w", err)
	}

	return nil
}

// GetByInvoiceProduct returns the movement owned by one invoice line, or nil.
func (r *MovementRepo) GetByInvoiceProduct(ctx context.Context, invoiceID, productID id.ID) (*ledger.Movement, error) {
	q := r.builder.Select(movementColumns...).
		From(movementsTable).
		Where(squirrel.Eq{"invoice_id": invoiceID, "product_id": productID})

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var m ledger.Movement
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &m, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get movement: %w", err)
	}

	return &m, nil
}

// GetPredecessor returns the latest movement ordered strictly before the key,
// or nil when the zero state applies.
func (r *MovementRepo) GetPredecessor(ctx context.Context, productID id.ID, before ledger.Key) (*ledger.Movement, error) {
	sql := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE product_id = $1
		  AND (effective_time, invoice_id) < ($2, $3)
		ORDER BY effective_time DESC, invoice_id DESC
		LIMIT 1
	`, columnList(), movementsTable)

	var m ledger.Movement
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &m, sql, productID, before.EffectiveTime, before.InvoiceID); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get predecessor: %w", err)
	}

	return &m, nil
}

// GetChainFrom returns every movement ordered strictly after the key, in
// chain order. A zero key yields the product's full chain.
func (r *MovementRepo) GetChainFrom(ctx context.Context, productID id.ID, after ledger.Key) ([]ledger.Movement, error) {
	sql := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE product_id = $1
		  AND (effective_time, invoice_id) > ($2, $3)
		ORDER BY effective_time ASC, invoice_id ASC
	`, columnList(), movementsTable)

	var movements []ledger.Movement
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &movements, sql, productID, after.EffectiveTime, after.InvoiceID); err != nil {
		return nil, fmt.Errorf("get chain: %w", err)
	}

	return movements, nil
}

// Overwrite updates a movement in place by id.
func (r *MovementRepo) Overwrite(ctx context.Context, m *ledger.Movement) error {
	q := r.builder.Update(movementsTable).
		Set("product_id", m.ProductID).
		Set("invoice_id", m.InvoiceID).
		Set("effective_time", m.EffectiveTime).
		Set("quantity_before", m.QuantityBefore).
		Set("quantity_delta", m.QuantityDelta).
		Set("quantity_after", m.QuantityAfter).
		Set("unit_cost", m.UnitCost).
		Set("avg_cost_after", m.AvgCostAfter).
		Set("recorded_at", m.RecordedAt).
		Where(squirrel.Eq{"id": m.ID})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	tag, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update movement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("movement", m.ID.String())
	}

	return nil
}

// Remove deletes a movement by id.
func (r *MovementRepo) Remove(ctx context.Context, movementID id.ID) error {
	q := r.builder.Delete(movementsTable).Where(squirrel.Eq{"id": movementID})

	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	querier := r.txManager.GetQuerier(ctx)
	tag, err := querier.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("delete movement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("movement", movementID.String())
	}

	return nil
}

// ListByProduct returns movement history for audit/history views.
func (r *MovementRepo) ListByProduct(ctx context.Context, productID id.ID, filter ledger.MovementFilter) ([]ledger.Movement, error) {
	q := r.builder.Select(movementColumns...).
		From(movementsTable).
		Where(squirrel.Eq{"product_id": productID}).
		OrderBy("effective_time ASC", "invoice_id ASC")

	if filter.FromDate != nil {
		q = q.Where(squirrel.GtOrEq{"effective_time": *filter.FromDate})
	}
	if filter.ToDate != nil {
		q = q.Where(squirrel.LtOrEq{"effective_time": *filter.ToDate})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var movements []ledger.Movement
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &movements, sql, args...); err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}

	return movements, nil
}

// ListProductIDs returns every product that has at least one movement.
func (r *MovementRepo) ListProductIDs(ctx context.Context) ([]id.ID, error) {
	sql := fmt.Sprintf("SELECT DISTINCT product_id FROM %s ORDER BY product_id", movementsTable)

	var ids []id.ID
	querier := r.txManager.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &ids, sql); err != nil {
		return nil, fmt.Errorf("list product ids: %w", err)
	}

	return ids, nil
}

func columnList() string {
	return strings.Join(movementColumns, ", ")
}
