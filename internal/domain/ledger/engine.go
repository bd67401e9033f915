package ledger

import (
	"context"
	"fmt"
	"time"

	"costbook/internal/core/apperror"
	"costbook/internal/core/id"
	"costbook/internal/core/tx"
	"costbook/pkg/logger"
)

// Engine applies invoice-line mutation events to the movement chain and
// keeps the position snapshots consistent with it.
//
// Every mutation runs inside one transaction holding the per-product lock:
// locate the affected movement, rewrite it (or insert/remove it), replay
// the chain forward from that point, then recompute the snapshots for the
// affected date range. Either all of it commits or none of it does; a
// partially rewritten chain is never observable.
type Engine struct {
	movements MovementRepository
	positions PositionRepository
	locker    ProductLocker
	txManager tx.Manager
	audit     AuditRecorder

	now                 func() time.Time
	rejectNegativeStock bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's notion of "now". UTC expected.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNegativeStockGuard makes any replay step that would drive a product's
// quantity below zero fail the whole mutation instead of recording an
// oversold position. Off by default: the ledger historically permits
// negative stock.
func WithNegativeStockGuard() Option {
	return func(e *Engine) { e.rejectNegativeStock = true }
}

// WithAudit attaches a mutation audit recorder.
func WithAudit(audit AuditRecorder) Option {
	return func(e *Engine) { e.audit = audit }
}

// NewEngine creates a recompute engine.
func NewEngine(
	movements MovementRepository,
	positions PositionRepository,
	locker ProductLocker,
	txManager tx.Manager,
	opts ...Option,
) *Engine {
	e := &Engine{
		movements: movements,
		positions: positions,
		locker:    locker,
		txManager: txManager,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply executes one mutation event atomically and returns the ID of the
// affected movement (the removed one, for deletes). Validation happens
// before the transaction opens; everything else, including the per-product
// lock, lives inside it.
func (e *Engine) Apply(ctx context.Context, event MutationEvent) (id.ID, error) {
	if err := event.Validate(); err != nil {
		return id.Nil(), err
	}

	var movementID id.ID
	err := e.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := e.locker.AcquireProductLock(ctx, event.ProductID); err != nil {
			return err
		}

		var (
			m       *Movement
			changes map[string]any
			err     error
		)
		switch event.Action {
		case ActionCreate:
			m, changes, err = e.applyCreate(ctx, event)
		case ActionEdit:
			m, changes, err = e.applyEdit(ctx, event)
		case ActionDelete:
			m, changes, err = e.applyDelete(ctx, event)
		}
		if err != nil {
			return err
		}
		movementID = m.ID

		if err := e.refreshSnapshots(ctx, event.ProductID, DayStart(m.EffectiveTime)); err != nil {
			return fmt.Errorf("refresh snapshots: %w", err)
		}

		if e.audit != nil {
			changes["invoice_id"] = event.InvoiceID
			changes["movement_id"] = m.ID
			if err := e.audit.RecordChange(ctx, "product", event.ProductID, string(event.Action), changes); err != nil {
				return fmt.Errorf("record audit: %w", err)
			}
		}

		logger.Info(ctx, "ledger mutation applied",
			"action", event.Action,
			"product_id", event.ProductID,
			"invoice_id", event.InvoiceID,
		)
		return nil
	})
	if err != nil {
		return id.Nil(), err
	}
	return movementID, nil
}

// applyCreate inserts a movement for a new invoice line. When the line is
// effective at or after the end of the chain the tail is empty, so the
// forward replay below degenerates into the append-only fast path; a
// back-dated create replays the tail like an edit would.
func (e *Engine) applyCreate(ctx context.Context, event MutationEvent) (*Movement, map[string]any, error) {
	existing, err := e.movements.GetByInvoiceProduct(ctx, event.InvoiceID, event.ProductID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup movement: %w", err)
	}
	if existing != nil {
		return nil, nil, apperror.NewConflict("movement already exists for this invoice line").
			WithDetail("invoice_id", event.InvoiceID).
			WithDetail("product_id", event.ProductID)
	}

	effective := event.EffectiveTime
	if effective.IsZero() {
		effective = e.now()
	}

	m := &Movement{
		ID:            id.New(),
		ProductID:     event.ProductID,
		InvoiceID:     event.InvoiceID,
		EffectiveTime: effective.UTC(),
		QuantityDelta: event.Delta,
		UnitCost:      event.UnitCost,
		RecordedAt:    e.now(),
	}

	before, err := e.predecessorState(ctx, event.ProductID, m.Key())
	if err != nil {
		return nil, nil, err
	}
	after, err := e.nextStateChecked(before, m)
	if err != nil {
		return nil, nil, err
	}
	m.QuantityBefore = before.Quantity
	m.QuantityAfter = after.Quantity
	m.AvgCostAfter = after.AvgCost

	if err := e.movements.Append(ctx, m); err != nil {
		return nil, nil, fmt.Errorf("append movement: %w", err)
	}

	if err := e.replayAfter(ctx, event.ProductID, m.Key(), after); err != nil {
		return nil, nil, err
	}

	changes := map[string]any{
		"delta":          m.QuantityDelta,
		"unit_cost":      m.UnitCost,
		"effective_time": m.EffectiveTime,
	}
	return m, changes, nil
}

// applyEdit rewrites an existing movement in place with the event's new
// delta and unit cost, then replays every later movement of the product.
func (e *Engine) applyEdit(ctx context.Context, event MutationEvent) (*Movement, map[string]any, error) {
	m, err := e.movements.GetByInvoiceProduct(ctx, event.InvoiceID, event.ProductID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup movement: %w", err)
	}
	if m == nil {
		return nil, nil, apperror.NewNotFound("movement", event.InvoiceID).
			WithDetail("product_id", event.ProductID)
	}

	changes := diffFields(
		map[string]any{"delta": m.QuantityDelta, "unit_cost": m.UnitCost},
		map[string]any{"delta": event.Delta, "unit_cost": event.UnitCost},
	)

	before, err := e.predecessorState(ctx, event.ProductID, m.Key())
	if err != nil {
		return nil, nil, err
	}

	m.QuantityDelta = event.Delta
	m.UnitCost = event.UnitCost
	after, err := e.nextStateChecked(before, m)
	if err != nil {
		return nil, nil, err
	}
	m.QuantityBefore = before.Quantity
	m.QuantityAfter = after.Quantity
	m.AvgCostAfter = after.AvgCost

	if err := e.movements.Overwrite(ctx, m); err != nil {
		return nil, nil, fmt.Errorf("overwrite movement: %w", err)
	}

	if err := e.replayAfter(ctx, event.ProductID, m.Key(), after); err != nil {
		return nil, nil, err
	}
	return m, changes, nil
}

// applyDelete removes the movement and replays the tail anchored directly
// at the removed movement's predecessor.
func (e *Engine) applyDelete(ctx context.Context, event MutationEvent) (*Movement, map[string]any, error) {
	m, err := e.movements.GetByInvoiceProduct(ctx, event.InvoiceID, event.ProductID)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup movement: %w", err)
	}
	if m == nil {
		return nil, nil, apperror.NewNotFound("movement", event.InvoiceID).
			WithDetail("product_id", event.ProductID)
	}

	before, err := e.predecessorState(ctx, event.ProductID, m.Key())
	if err != nil {
		return nil, nil, err
	}

	if err := e.movements.Remove(ctx, m.ID); err != nil {
		return nil, nil, fmt.Errorf("remove movement: %w", err)
	}

	if err := e.replayAfter(ctx, event.ProductID, m.Key(), before); err != nil {
		return nil, nil, err
	}

	changes := map[string]any{
		"delta":          m.QuantityDelta,
		"unit_cost":      m.UnitCost,
		"effective_time": m.EffectiveTime,
	}
	return m, changes, nil
}

// predecessorState resolves the chain state going into the given key: the
// after-state of the latest movement strictly before it, or the zero state.
func (e *Engine) predecessorState(ctx context.Context, productID id.ID, key Key) (State, error) {
	pred, err := e.movements.GetPredecessor(ctx, productID, key)
	if err != nil {
		return State{}, fmt.Errorf("get predecessor: %w", err)
	}
	if pred == nil {
		return ZeroState(), nil
	}
	if !pred.Key().Less(key) {
		return State{}, apperror.NewLedgerInconsistent(productID.String(),
			"predecessor does not order before the mutated movement").
			WithDetail("movement_invoice_id", key.InvoiceID).
			WithDetail("predecessor_invoice_id", pred.InvoiceID)
	}
	return pred.AfterState(), nil
}

// replayAfter walks every movement ordered after the given key and
// recomputes its before/after state from the running state, overwriting
// rows whose stored values differ. The walk carries each movement's own
// unchanged delta and unit cost; only the anchoring state moved.
func (e *Engine) replayAfter(ctx context.Context, productID id.ID, from Key, state State) error {
	chain, err := e.movements.GetChainFrom(ctx, productID, from)
	if err != nil {
		return fmt.Errorf("get chain: %w", err)
	}

	prev := from
	for i := range chain {
		m := &chain[i]
		if !prev.Less(m.Key()) {
			return apperror.NewLedgerInconsistent(productID.String(),
				"movement chain ordering violated").
				WithDetail("invoice_id", m.InvoiceID).
				WithDetail("effective_time", m.EffectiveTime)
		}

		after, err := e.nextStateChecked(state, m)
		if err != nil {
			return err
		}

		if m.QuantityBefore != state.Quantity || m.QuantityAfter != after.Quantity || !m.AvgCostAfter.Equal(after.AvgCost) {
			m.QuantityBefore = state.Quantity
			m.QuantityAfter = after.Quantity
			m.AvgCostAfter = after.AvgCost
			if err := e.movements.Overwrite(ctx, m); err != nil {
				return fmt.Errorf("overwrite movement: %w", err)
			}
		}

		state = after
		prev = m.Key()
	}
	return nil
}

// nextStateChecked applies the costing recurrence and, when the guard is
// enabled, fails the mutation on an oversold position.
func (e *Engine) nextStateChecked(before State, m *Movement) (State, error) {
	after := NextState(before, m.QuantityDelta, m.UnitCost)
	if e.rejectNegativeStock && after.Quantity.IsNegative() {
		return State{}, apperror.NewInsufficientStock(
			m.ProductID.String(),
			m.QuantityDelta.Abs().Float64(),
			before.Quantity.Float64(),
		).WithDetail("invoice_id", m.InvoiceID)
	}
	return after, nil
}

// refreshSnapshots recomputes the position snapshot of every day from
// fromDate through the furthest of (latest movement date, latest existing
// snapshot date, today), carrying state forward over days without
// movements. All written values come from stored movement after-states,
// which the preceding replay already corrected within this transaction.
func (e *Engine) refreshSnapshots(ctx context.Context, productID id.ID, fromDate time.Time) error {
	state, err := e.predecessorDayState(ctx, productID, fromDate)
	if err != nil {
		return err
	}

	chain, err := e.movements.GetChainFrom(ctx, productID, Key{EffectiveTime: fromDate})
	if err != nil {
		return fmt.Errorf("get chain: %w", err)
	}

	end := DayStart(e.now())
	if n := len(chain); n > 0 {
		if last := DayStart(chain[n-1].EffectiveTime); last.After(end) {
			end = last
		}
	}
	if latest, err := e.positions.Latest(ctx, productID); err != nil {
		return fmt.Errorf("get latest snapshot: %w", err)
	} else if latest != nil && latest.Date.After(end) {
		end = latest.Date
	}
	if fromDate.After(end) {
		end = fromDate
	}

	var snapshots []PositionSnapshot
	i := 0
	for day := fromDate; !day.After(end); day = day.AddDate(0, 0, 1) {
		for i < len(chain) && DayStart(chain[i].EffectiveTime).Equal(day) {
			state = chain[i].AfterState()
			i++
		}
		snapshots = append(snapshots, PositionSnapshot{
			ProductID:    productID,
			Date:         day,
			AvailableQty: state.Quantity,
			AvgCost:      state.AvgCost,
			UpdatedAt:    e.now(),
		})
	}

	if err := e.positions.UpsertBatch(ctx, snapshots); err != nil {
		return fmt.Errorf("upsert snapshots: %w", err)
	}
	return nil
}

// predecessorDayState resolves the state carried into the start of a day:
// the after-state of the latest movement effective before it. A zero-key
// lookup at the day boundary matches every movement of earlier days, since
// the nil invoice id orders before any real one.
func (e *Engine) predecessorDayState(ctx context.Context, productID id.ID, day time.Time) (State, error) {
	pred, err := e.movements.GetPredecessor(ctx, productID, Key{EffectiveTime: day})
	if err != nil {
		return State{}, fmt.Errorf("get predecessor: %w", err)
	}
	if pred == nil {
		return ZeroState(), nil
	}
	return pred.AfterState(), nil
}

// diffFields builds the audit payload for an edit: only fields whose value
// actually changed, each as an old/new pair.
func diffFields(oldState, newState map[string]any) map[string]any {
	changes := make(map[string]any)

	for key, newVal := range newState {
		oldVal, exists := oldState[key]
		if !exists {
			changes[key] = map[string]any{"old": nil, "new": newVal}
		} else if fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal) {
			changes[key] = map[string]any{"old": oldVal, "new": newVal}
		}
	}

	for key, oldVal := range oldState {
		if _, exists := newState[key]; !exists {
			changes[key] = map[string]any{"old": oldVal, "new": nil}
		}
	}

	return changes
}
