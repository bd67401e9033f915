package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costbook/internal/core/id"
	"costbook/internal/core/types"
)

func TestRecomputePositionsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.apply(t, purchase(invoice1, "day1", "100", "2.00"))
	f.apply(t, sale(invoice2, "day2", "30"))
	f.apply(t, purchase(invoice3, "day3", "50", "3.00"))

	summary, err := f.engine.RecomputePositions(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Products)
	// Mutations already kept everything consistent.
	assert.Zero(t, summary.MovementsHealed)
	assert.Zero(t, summary.SnapshotsWritten)

	// A second pass over a clean ledger writes nothing either.
	summary, err = f.engine.RecomputePositions(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, summary.MovementsHealed)
	assert.Zero(t, summary.SnapshotsWritten)
}

func TestRecomputePositionsHealsDrift(t *testing.T) {
	f := newFixture(t)
	f.apply(t, purchase(invoice1, "day1", "100", "2.00"))
	f.apply(t, purchase(invoice3, "day3", "50", "3.00"))

	// Corrupt the stored chain and one snapshot behind the engine's back.
	for i := range f.movements.rows {
		if f.movements.rows[i].InvoiceID == invoice3 {
			f.movements.rows[i].QuantityBefore = mustQty("999")
			f.movements.rows[i].AvgCostAfter = types.MustMoney("9.99")
		}
	}
	require.NoError(t, f.positions.UpsertBatch(context.Background(), []PositionSnapshot{{
		ProductID:    productA,
		Date:         mustTime(t, "2025-03-02T00:00:00Z"),
		AvailableQty: mustQty("42"),
		AvgCost:      types.MustMoney("1.00"),
	}}))

	summary, err := f.engine.RecomputePositions(context.Background(), &productA)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.MovementsHealed)
	assert.Equal(t, 1, summary.SnapshotsWritten, "only the drifted day 2 snapshot is rewritten")

	day3, err := f.movements.GetByInvoiceProduct(context.Background(), invoice3, productA)
	require.NoError(t, err)
	assert.Equal(t, mustQty("100"), day3.QuantityBefore)
	assert.Equal(t, mustQty("150"), day3.QuantityAfter)
	assert.True(t, types.MustMoney("2.3333").Equal(day3.AvgCostAfter))

	assertState(t, f.snapshot(t, productA, "2025-03-02T00:00:00Z"), "100", "2.00")
	assertState(t, f.snapshot(t, productA, "2025-03-03T00:00:00Z"), "150", "2.3333")

	// Healed means healed: the next pass is a no-op.
	summary, err = f.engine.RecomputePositions(context.Background(), &productA)
	require.NoError(t, err)
	assert.Zero(t, summary.MovementsHealed)
	assert.Zero(t, summary.SnapshotsWritten)
}

func TestRecomputePositionsZeroesSnapshotsBeforeFirstMovement(t *testing.T) {
	f := newFixture(t)
	f.apply(t, purchase(invoice1, "day3", "100", "2.00"))

	// A snapshot dated before any movement, left over from a chain that
	// no longer exists.
	require.NoError(t, f.positions.UpsertBatch(context.Background(), []PositionSnapshot{{
		ProductID:    productA,
		Date:         mustTime(t, "2025-03-01T00:00:00Z"),
		AvailableQty: mustQty("42"),
		AvgCost:      types.MustMoney("9.99"),
	}}))

	summary, err := f.engine.RecomputePositions(context.Background(), &productA)
	require.NoError(t, err)
	assert.Zero(t, summary.MovementsHealed)
	assert.Equal(t, 1, summary.SnapshotsWritten, "the pre-chain leftover is zeroed")

	assertState(t, f.snapshot(t, productA, "2025-03-01T00:00:00Z"), "0", "0")
	assertState(t, f.snapshot(t, productA, "2025-03-03T00:00:00Z"), "100", "2.00")

	summary, err = f.engine.RecomputePositions(context.Background(), &productA)
	require.NoError(t, err)
	assert.Zero(t, summary.SnapshotsWritten)
}

func TestRecomputePositionsFillsMissingSnapshots(t *testing.T) {
	f := newFixture(t)
	f.apply(t, purchase(invoice1, "day1", "100", "2.00"))

	// Drop every snapshot; the chain alone must restore them.
	f.positions.rows = map[id.ID]map[int64]PositionSnapshot{}

	summary, err := f.engine.RecomputePositions(context.Background(), &productA)
	require.NoError(t, err)
	assert.Zero(t, summary.MovementsHealed)
	// Day 1 through today (2025-03-10) inclusive.
	assert.Equal(t, 10, summary.SnapshotsWritten)

	assertState(t, f.snapshot(t, productA, "2025-03-01T00:00:00Z"), "100", "2.00")
	assertState(t, f.snapshot(t, productA, "2025-03-10T00:00:00Z"), "100", "2.00")
}

func TestRecomputePositionsEmptyChainZeroesSnapshots(t *testing.T) {
	f := newFixture(t)
	f.apply(t, purchase(invoice1, "day1", "100", "2.00"))
	f.apply(t, MutationEvent{InvoiceID: invoice1, ProductID: productA, Action: ActionDelete})

	// The delete already zeroed the snapshots; repair has nothing to add.
	summary, err := f.engine.RecomputePositions(context.Background(), &productA)
	require.NoError(t, err)
	assert.Zero(t, summary.MovementsHealed)
	assert.Zero(t, summary.SnapshotsWritten)

	assertState(t, f.snapshot(t, productA, "2025-03-01T00:00:00Z"), "0", "0")
}

func TestRecomputePositionsLocksEachProduct(t *testing.T) {
	f := newFixture(t)
	f.apply(t, purchase(invoice1, "day1", "100", "2.00"))
	other := purchase(invoice4, "day1", "10", "7.00")
	other.ProductID = productB
	f.apply(t, other)

	f.locker.acquired = nil
	_, err := f.engine.RecomputePositions(context.Background(), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []id.ID{productA, productB}, f.locker.acquired)
}
