package ledger

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"costbook/internal/core/apperror"
	"costbook/internal/core/id"
	"costbook/internal/core/types"
)

// --- Test fixtures ---

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return parsed
}

func mustID(s string) id.ID {
	return id.MustParse(s)
}

// fakeMovements keeps the chain in memory, sorted by the ordering key.
type fakeMovements struct {
	rows       []Movement
	overwrites int
}

func (f *fakeMovements) sorted() []Movement {
	out := make([]Movement, len(f.rows))
	copy(out, f.rows)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key().Less(out[j].Key())
	})
	return out
}

func (f *fakeMovements) Append(_ context.Context, m *Movement) error {
	f.rows = append(f.rows, *m)
	return nil
}

func (f *fakeMovements) GetByInvoiceProduct(_ context.Context, invoiceID, productID id.ID) (*Movement, error) {
	for i := range f.rows {
		if f.rows[i].InvoiceID == invoiceID && f.rows[i].ProductID == productID {
			m := f.rows[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (f *fakeMovements) GetPredecessor(_ context.Context, productID id.ID, before Key) (*Movement, error) {
	var pred *Movement
	for _, m := range f.sorted() {
		if m.ProductID != productID {
			continue
		}
		if m.Key().Less(before) {
			mm := m
			pred = &mm
		}
	}
	return pred, nil
}

func (f *fakeMovements) GetChainFrom(_ context.Context, productID id.ID, after Key) ([]Movement, error) {
	var out []Movement
	for _, m := range f.sorted() {
		if m.ProductID == productID && after.Less(m.Key()) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMovements) Overwrite(_ context.Context, m *Movement) error {
	for i := range f.rows {
		if f.rows[i].ID == m.ID {
			f.rows[i] = *m
			f.overwrites++
			return nil
		}
	}
	return apperror.NewNotFound("movement", m.ID.String())
}

func (f *fakeMovements) Remove(_ context.Context, movementID id.ID) error {
	for i := range f.rows {
		if f.rows[i].ID == movementID {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return apperror.NewNotFound("movement", movementID.String())
}

func (f *fakeMovements) ListByProduct(_ context.Context, productID id.ID, _ MovementFilter) ([]Movement, error) {
	return f.GetChainFrom(context.Background(), productID, Key{})
}

func (f *fakeMovements) ListProductIDs(_ context.Context) ([]id.ID, error) {
	seen := map[id.ID]bool{}
	var out []id.ID
	for _, m := range f.sorted() {
		if !seen[m.ProductID] {
			seen[m.ProductID] = true
			out = append(out, m.ProductID)
		}
	}
	return out, nil
}

// fakePositions keeps snapshots keyed by (product, day).
type fakePositions struct {
	rows   map[id.ID]map[int64]PositionSnapshot
	writes int
}

func newFakePositions() *fakePositions {
	return &fakePositions{rows: map[id.ID]map[int64]PositionSnapshot{}}
}

func (f *fakePositions) Get(_ context.Context, productID id.ID, date time.Time) (*PositionSnapshot, error) {
	if snap, ok := f.rows[productID][DayStart(date).Unix()]; ok {
		return &snap, nil
	}
	return nil, nil
}

func (f *fakePositions) LatestAsOf(_ context.Context, productID id.ID, date time.Time) (*PositionSnapshot, error) {
	var best *PositionSnapshot
	limit := DayStart(date)
	for _, snap := range f.rows[productID] {
		if snap.Date.After(limit) {
			continue
		}
		if best == nil || snap.Date.After(best.Date) {
			s := snap
			best = &s
		}
	}
	return best, nil
}

func (f *fakePositions) Latest(_ context.Context, productID id.ID) (*PositionSnapshot, error) {
	var best *PositionSnapshot
	for _, snap := range f.rows[productID] {
		if best == nil || snap.Date.After(best.Date) {
			s := snap
			best = &s
		}
	}
	return best, nil
}

func (f *fakePositions) ListRange(_ context.Context, productID id.ID, from, to time.Time) ([]PositionSnapshot, error) {
	var out []PositionSnapshot
	for _, snap := range f.rows[productID] {
		if !snap.Date.Before(DayStart(from)) && !snap.Date.After(DayStart(to)) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (f *fakePositions) UpsertBatch(_ context.Context, snapshots []PositionSnapshot) error {
	for _, s := range snapshots {
		byDay, ok := f.rows[s.ProductID]
		if !ok {
			byDay = map[int64]PositionSnapshot{}
			f.rows[s.ProductID] = byDay
		}
		s.Date = DayStart(s.Date)
		byDay[s.Date.Unix()] = s
		f.writes++
	}
	return nil
}

// fakeLocker records acquisitions and optionally fails them.
type fakeLocker struct {
	acquired []id.ID
	err      error
}

func (f *fakeLocker) AcquireProductLock(_ context.Context, productID id.ID) error {
	if f.err != nil {
		return f.err
	}
	f.acquired = append(f.acquired, productID)
	return nil
}

// passTx runs the function directly; the fakes have no real transactions.
type passTx struct{ calls int }

func (p *passTx) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	p.calls++
	return fn(ctx)
}

type fixture struct {
	engine    *Engine
	movements *fakeMovements
	positions *fakePositions
	locker    *fakeLocker
	txm       *passTx
	now       time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	f := &fixture{
		movements: &fakeMovements{},
		positions: newFakePositions(),
		locker:    &fakeLocker{},
		txm:       &passTx{},
		now:       mustTime(t, "2025-03-10T12:00:00Z"),
	}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.engine = NewEngine(f.movements, f.positions, f.locker, f.txm, opts...)
	return f
}

func (f *fixture) apply(t *testing.T, event MutationEvent) id.ID {
	t.Helper()
	movementID, err := f.engine.Apply(context.Background(), event)
	require.NoError(t, err)
	return movementID
}

func (f *fixture) snapshot(t *testing.T, productID id.ID, day string) PositionSnapshot {
	t.Helper()
	snap, err := f.positions.Get(context.Background(), productID, mustTime(t, day))
	require.NoError(t, err)
	require.NotNil(t, snap, "no snapshot for %s", day)
	return *snap
}

var (
	productA = mustID("11111111-1111-1111-1111-111111111111")
	productB = mustID("22222222-2222-2222-2222-222222222222")
	invoice1 = mustID("aaaaaaaa-0000-0000-0000-000000000001")
	invoice2 = mustID("aaaaaaaa-0000-0000-0000-000000000002")
	invoice3 = mustID("aaaaaaaa-0000-0000-0000-000000000003")
	invoice4 = mustID("aaaaaaaa-0000-0000-0000-000000000004")
)

func purchase(invoice id.ID, day string, quantity, unitCost string) MutationEvent {
	return MutationEvent{
		InvoiceID:     invoice,
		ProductID:     productA,
		Action:        ActionCreate,
		Delta:         mustQty(quantity),
		UnitCost:      types.MustMoney(unitCost),
		EffectiveTime: time.Date(2025, 3, dayOfMarch(day), 10, 0, 0, 0, time.UTC),
	}
}

func sale(invoice id.ID, day string, quantity string) MutationEvent {
	e := purchase(invoice, day, quantity, "0")
	e.Delta = e.Delta.Neg()
	return e
}

func mustQty(s string) types.Quantity {
	d, err := types.NewMoneyFromString(s)
	if err != nil {
		panic(err)
	}
	return types.NewQuantityFromDecimal(d)
}

func dayOfMarch(day string) int {
	switch day {
	case "day1":
		return 1
	case "day2":
		return 2
	case "day3":
		return 3
	}
	panic("unknown day " + day)
}

func assertState(t *testing.T, snap PositionSnapshot, quantity, avgCost string) {
	t.Helper()
	assert.Equal(t, mustQty(quantity), snap.AvailableQty, "quantity")
	assert.True(t, types.MustMoney(avgCost).Equal(snap.AvgCost),
		"avg cost: want %s got %s", avgCost, snap.AvgCost)
}

// --- Scenario walkthrough: create, edit, delete with forward replay ---

func TestApplyPurchaseSalePurchase(t *testing.T) {
	f := newFixture(t)

	f.apply(t, purchase(invoice1, "day1", "100", "2.00"))
	assertState(t, f.snapshot(t, productA, "2025-03-01T00:00:00Z"), "100", "2.00")

	f.apply(t, sale(invoice2, "day2", "30"))
	assertState(t, f.snapshot(t, productA, "2025-03-02T00:00:00Z"), "70", "2.00")

	f.apply(t, purchase(invoice3, "day3", "50", "3.00"))
	assertState(t, f.snapshot(t, productA, "2025-03-03T00:00:00Z"), "120", "2.4167")

	// Gap days carry the state forward to today.
	assertState(t, f.snapshot(t, productA, "2025-03-07T00:00:00Z"), "120", "2.4167")
	assertState(t, f.snapshot(t, productA, "2025-03-10T00:00:00Z"), "120", "2.4167")
}

func TestApplyEditReplaysForward(t *testing.T) {
	f := newFixture(t)
	f.apply(t, purchase(invoice1, "day1", "100", "2.00"))
	f.apply(t, sale(invoice2, "day2", "30"))
	f.apply(t, purchase(invoice3, "day3", "50", "3.00"))

	// Shrink the day-1 purchase; every later movement must be re-anchored.
	edit := purchase(invoice1, "day1", "80", "2.00")
	edit.Action = ActionEdit
	f.apply(t, edit)

	assertState(t, f.snapshot(t, productA, "2025-03-01T00:00:00Z"), "80", "2.00")
	assertState(t, f.snapshot(t, productA, "2025-03-02T00:00:00Z"), "50", "2.00")
	assertState(t, f.snapshot(t, productA, "2025-03-03T00:00:00Z"), "100", "2.50")

	day3, err := f.movements.GetByInvoiceProduct(context.Background(), invoice3, productA)
	require.NoError(t, err)
	require.NotNil(t, day3)
	assert.Equal(t, mustQty("50"), day3.QuantityBefore)
	assert.Equal(t, mustQty("100"), day3.QuantityAfter)
}

func TestApplyDeleteCarriesGapForward(t *testing.T) {
	f := newFixture(t)
	f.apply(t, purchase(invoice1, "day1", "80", "2.00"))
	f.apply(t, sale(invoice2, "day2", "30"))
	f.apply(t, purchase(invoice3, "day3", "50", "3.00"))

	f.apply(t, MutationEvent{InvoiceID: invoice2, ProductID: productA, Action: ActionDelete})

	assertState(t, f.snapshot(t, productA, "2025-03-01T00:00:00Z"), "80", "2.00")
	// Day 2 has no movement left; it carries day 1 forward.
	assertState(t, f.snapshot(t, productA, "2025-03-02T00:00:00Z"), "80", "2.00")
	assertState(t, f.snapshot(t, productA, "2025-03-03T00:00:00Z"), "130", "2.3846")
}

func TestApplyBackdatedCreateReplaysTail(t *testing.T) {
	f := newFixture(t)
	f.apply(t, purchase(invoice1, "day1", "100", "2.00"))
	f.apply(t, purchase(invoice3, "day3", "50", "3.00"))

	// A historical sale lands between the two purchases.
	f.apply(t, sale(invoice2, "day2", "30"))

	assertState(t, f.snapshot(t, productA, "2025-03-02T00:00:00Z"), "70", "2.00")
	assertState(t, f.snapshot(t, productA, "2025-03-03T00:00:00Z"), "120", "2.4167")
}

// --- Determinism: incremental replay equals full replay from zero ---

func TestApplyMatchesFullReplay(t *testing.T) {
	f := newFixture(t)
	f.apply(t, purchase(invoice1, "day1", "100", "2.00"))
	f.apply(t, sale(invoice2, "day2", "30"))
	f.apply(t, purchase(invoice3, "day3", "50", "3.00"))
	edit := purchase(invoice1, "day1", "80", "2.00")
	edit.Action = ActionEdit
	f.apply(t, edit)
	f.apply(t, MutationEvent{InvoiceID: invoice2, ProductID: productA, Action: ActionDelete})

	// Replay the surviving chain from the zero state and compare.
	chain, err := f.movements.GetChainFrom(context.Background(), productA, Key{})
	require.NoError(t, err)

	state := ZeroState()
	for _, m := range chain {
		state = NextState(state, m.QuantityDelta, m.UnitCost)
		assert.Equal(t, state.Quantity, m.QuantityAfter, "stored after qty diverged")
		assert.True(t, state.AvgCost.Equal(m.AvgCostAfter), "stored avg diverged")
	}

	last := f.snapshot(t, productA, "2025-03-10T00:00:00Z")
	assert.True(t, last.SameState(state), "snapshot diverged from replay")
}

// --- Isolation and guards ---

func TestApplyLeavesOtherProductsUntouched(t *testing.T) {
	f := newFixture(t)
	f.apply(t, purchase(invoice1, "day1", "100", "2.00"))

	other := purchase(invoice4, "day1", "10", "7.00")
	other.ProductID = productB
	f.apply(t, other)

	edit := purchase(invoice1, "day1", "80", "2.00")
	edit.Action = ActionEdit
	f.apply(t, edit)

	snapB, err := f.positions.Get(context.Background(), productB, mustTime(t, "2025-03-01T00:00:00Z"))
	require.NoError(t, err)
	require.NotNil(t, snapB)
	assert.Equal(t, mustQty("10"), snapB.AvailableQty)
	assert.True(t, types.MustMoney("7.00").Equal(snapB.AvgCost))
}

func TestApplyDuplicateCreateConflicts(t *testing.T) {
	f := newFixture(t)
	f.apply(t, purchase(invoice1, "day1", "100", "2.00"))

	_, err := f.engine.Apply(context.Background(), purchase(invoice1, "day2", "5", "1.00"))
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeConflict, appErr.Code)
}

func TestApplyEditMissingMovement(t *testing.T) {
	f := newFixture(t)

	edit := purchase(invoice1, "day1", "80", "2.00")
	edit.Action = ActionEdit
	_, err := f.engine.Apply(context.Background(), edit)
	assert.True(t, apperror.IsNotFound(err))
}

func TestApplyValidationBeforeTransaction(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Apply(context.Background(), MutationEvent{
		ProductID: productA,
		Action:    ActionCreate,
		Delta:     mustQty("1"),
	})
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeValidation, appErr.Code)
	assert.Zero(t, f.txm.calls, "validation failures must not open a transaction")
	assert.Empty(t, f.locker.acquired)
}

func TestApplyLockTimeoutPropagates(t *testing.T) {
	f := newFixture(t)
	f.locker.err = apperror.NewLockTimeout(productA.String())

	_, err := f.engine.Apply(context.Background(), purchase(invoice1, "day1", "1", "1.00"))
	assert.True(t, apperror.IsLockTimeout(err))
}

func TestNegativeStockGuard(t *testing.T) {
	f := newFixture(t, WithNegativeStockGuard())
	f.apply(t, purchase(invoice1, "day1", "10", "2.00"))

	_, err := f.engine.Apply(context.Background(), sale(invoice2, "day2", "15"))
	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeInsufficientStock, appErr.Code)

	// Guard also fires when an edit drives a later movement negative.
	f.apply(t, sale(invoice2, "day2", "8"))
	edit := purchase(invoice1, "day1", "5", "2.00")
	edit.Action = ActionEdit
	_, err = f.engine.Apply(context.Background(), edit)
	appErr, ok = apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperror.CodeInsufficientStock, appErr.Code)
}

func TestNegativeStockPermittedByDefault(t *testing.T) {
	f := newFixture(t)
	f.apply(t, purchase(invoice1, "day1", "10", "2.00"))
	f.apply(t, sale(invoice2, "day2", "15"))

	assertState(t, f.snapshot(t, productA, "2025-03-02T00:00:00Z"), "-5", "2.00")
}

func TestApplyReturnsAffectedMovementID(t *testing.T) {
	f := newFixture(t)
	created := f.apply(t, purchase(invoice1, "day1", "100", "2.00"))

	m, err := f.movements.GetByInvoiceProduct(context.Background(), invoice1, productA)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, m.ID, created)

	edit := purchase(invoice1, "day1", "50", "2.00")
	edit.Action = ActionEdit
	assert.Equal(t, created, f.apply(t, edit))

	deleted := f.apply(t, MutationEvent{InvoiceID: invoice1, ProductID: productA, Action: ActionDelete})
	assert.Equal(t, created, deleted)
}

func TestDiffFieldsReportsOnlyChangedValues(t *testing.T) {
	changes := diffFields(
		map[string]any{"delta": mustQty("3"), "unit_cost": types.MustMoney("2.00")},
		map[string]any{"delta": mustQty("5"), "unit_cost": types.MustMoney("2.00")},
	)
	require.Len(t, changes, 1)
	assert.Equal(t, map[string]any{"old": mustQty("3"), "new": mustQty("5")}, changes["delta"])
}
