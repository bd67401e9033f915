package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"costbook/internal/core/types"
)

func qty(f float64) types.Quantity {
	return types.NewQuantityFromFloat64(f)
}

func money(s string) types.Money {
	return types.MustMoney(s)
}

func TestNextState(t *testing.T) {
	tests := []struct {
		name     string
		before   State
		delta    types.Quantity
		unitCost types.Money
		wantQty  types.Quantity
		wantAvg  types.Money
	}{
		{
			name:     "first purchase sets average to unit cost",
			before:   ZeroState(),
			delta:    qty(100),
			unitCost: money("2.00"),
			wantQty:  qty(100),
			wantAvg:  money("2.00"),
		},
		{
			name:     "sale keeps average unchanged",
			before:   State{Quantity: qty(100), AvgCost: money("2.00")},
			delta:    qty(-30),
			unitCost: money("9.99"), // ignored on sales
			wantQty:  qty(70),
			wantAvg:  money("2.00"),
		},
		{
			name:     "purchase blends proportionally",
			before:   State{Quantity: qty(70), AvgCost: money("2.00")},
			delta:    qty(50),
			unitCost: money("3.00"),
			wantQty:  qty(120),
			wantAvg:  money("2.4167"), // (2.00*70 + 3.00*50) / 120
		},
		{
			name:     "purchase blends after edit",
			before:   State{Quantity: qty(50), AvgCost: money("2.00")},
			delta:    qty(50),
			unitCost: money("3.00"),
			wantQty:  qty(100),
			wantAvg:  money("2.50"),
		},
		{
			name:     "purchase blends after delete",
			before:   State{Quantity: qty(80), AvgCost: money("2.00")},
			delta:    qty(50),
			unitCost: money("3.00"),
			wantQty:  qty(130),
			wantAvg:  money("2.3846"), // (2.00*80 + 3.00*50) / 130
		},
		{
			name:     "purchase into drained position resets average",
			before:   State{Quantity: qty(-20), AvgCost: money("2.00")},
			delta:    qty(10),
			unitCost: money("5.00"),
			wantQty:  qty(-10),
			wantAvg:  money("5.00"),
		},
		{
			name:     "sale below zero keeps average",
			before:   State{Quantity: qty(10), AvgCost: money("2.00")},
			delta:    qty(-15),
			unitCost: money("0"),
			wantQty:  qty(-5),
			wantAvg:  money("2.00"),
		},
		{
			name:     "average rounds to four digits",
			before:   State{Quantity: qty(3), AvgCost: money("1.00")},
			delta:    qty(1),
			unitCost: money("2.00"),
			wantQty:  qty(4),
			wantAvg:  money("1.25"),
		},
		{
			name:     "repeating expansion rounds",
			before:   State{Quantity: qty(1), AvgCost: money("1.00")},
			delta:    qty(2),
			unitCost: money("2.00"),
			wantQty:  qty(3),
			wantAvg:  money("1.6667"), // 5/3 rounded
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextState(tt.before, tt.delta, tt.unitCost)
			assert.Equal(t, tt.wantQty, got.Quantity)
			assert.True(t, tt.wantAvg.Equal(got.AvgCost),
				"avg cost mismatch: want %s got %s", tt.wantAvg, got.AvgCost)
		})
	}
}

func TestNextStateSaleNeutrality(t *testing.T) {
	// A sale must never reprice the position, whatever the unit cost says.
	state := State{Quantity: qty(500), AvgCost: money("3.1415")}
	for _, unitCost := range []string{"0", "1.00", "99.99"} {
		after := NextState(state, qty(-10), money(unitCost))
		assert.True(t, state.AvgCost.Equal(after.AvgCost), "unit cost %s repriced a sale", unitCost)
	}
}

func TestKeyOrdering(t *testing.T) {
	t1 := DayStart(mustTime(t, "2025-03-01T00:00:00Z"))
	t2 := DayStart(mustTime(t, "2025-03-02T00:00:00Z"))

	a := Key{EffectiveTime: t1, InvoiceID: mustID("00000000-0000-0000-0000-000000000001")}
	b := Key{EffectiveTime: t1, InvoiceID: mustID("00000000-0000-0000-0000-000000000002")}
	c := Key{EffectiveTime: t2, InvoiceID: mustID("00000000-0000-0000-0000-000000000001")}

	assert.True(t, a.Less(b), "same instant orders by invoice id")
	assert.True(t, b.Less(c), "earlier time orders first regardless of id")
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))

	// The zero key orders before anything real: day-boundary lookups rely
	// on it matching every movement of earlier days.
	assert.True(t, Key{EffectiveTime: t1}.Less(a))
}
