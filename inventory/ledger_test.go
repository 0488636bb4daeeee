package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/labops-engine/generic"
	"github.com/warp/labops-engine/generic/store"
	"github.com/warp/labops-engine/store/sqlite"
)

var testDay = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, s generic.Store) *Ledger {
	t.Helper()
	l := NewLedger(s, zerolog.Nop())
	l.Clock = generic.NewFixedClock(testDay)
	return l
}

func newSQLiteStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func register(t *testing.T, l *Ledger, stock, min int64) *generic.Consumable {
	t.Helper()
	c, err := l.Register(context.Background(), RegisterInput{
		Code:            "RG-001",
		Name:            "Ethanol",
		Unit:            "L",
		InitialQuantity: generic.Dec(stock),
		MinStock:        generic.DecPtr(generic.Dec(min)),
		Operator:        "erin",
	})
	require.NoError(t, err)
	return c
}

func out(id generic.ConsumableID, qty int64) PostInput {
	return PostInput{ConsumableID: id, Type: generic.DirectionOut, Quantity: generic.Dec(qty), Operator: "erin"}
}

// =============================================================================
// POSTING
// =============================================================================

func TestPost_DrawDownToZero(t *testing.T) {
	for name, s := range map[string]generic.Store{
		"memory": store.NewMemory(),
		"sqlite": newSQLiteStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			// GIVEN: 100 in stock with a minimum of 20
			l := newTestLedger(t, s)
			ctx := context.Background()
			c := register(t, l, 100, 20)
			assert.Equal(t, generic.StockNormal, c.Status)

			// WHEN: Drawing 90
			res, err := l.Post(ctx, out(c.ID, 90))

			// THEN: 10 left, below minimum
			require.NoError(t, err)
			assert.True(t, res.Consumable.StockQuantity.Equal(generic.Dec(10)))
			assert.Equal(t, generic.StockLow, res.Consumable.Status)
			assert.True(t, res.Transaction.BalanceAfter.Equal(generic.Dec(10)))
			assert.Equal(t, "CK202503100001", res.Transaction.No)

			// WHEN: Drawing the last 10
			res, err = l.Post(ctx, out(c.ID, 10))

			// THEN: Out of stock
			require.NoError(t, err)
			assert.True(t, res.Consumable.StockQuantity.IsZero())
			assert.Equal(t, generic.StockOutOfStock, res.Consumable.Status)

			// WHEN: Drawing one more
			_, err = l.Post(ctx, out(c.ID, 1))

			// THEN: Refused with no ledger entry
			var ie *generic.InsufficientResourceError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, "stock", ie.Resource)
			assert.True(t, ie.Available.IsZero())

			got, err := l.Get(ctx, c.ID)
			require.NoError(t, err)
			assert.True(t, got.StockQuantity.IsZero())
			txs, err := l.Transactions(ctx, c.ID)
			require.NoError(t, err)
			assert.Len(t, txs, 2)
		})
	}
}

func TestPost_InRestocksAndPricesLine(t *testing.T) {
	// GIVEN: An empty consumable
	l := newTestLedger(t, store.NewMemory())
	ctx := context.Background()
	c := register(t, l, 0, 5)
	assert.Equal(t, generic.StockOutOfStock, c.Status)

	// WHEN: Receiving 12 at 8.25
	res, err := l.Post(ctx, PostInput{
		ConsumableID: c.ID,
		Type:         generic.DirectionIn,
		Quantity:     generic.Dec(12),
		UnitPrice:    decimal.RequireFromString("8.25"),
		Reason:       "purchase",
		RelatedOrder: "PO-1",
		Operator:     "erin",
	})

	// THEN: Stock restored and the line is priced
	require.NoError(t, err)
	assert.Equal(t, generic.StockNormal, res.Consumable.Status)
	assert.Equal(t, "99", res.Transaction.TotalAmount.String())
	assert.Equal(t, "RK202503100001", res.Transaction.No)
	assert.False(t, res.Transaction.TransactionDate.IsZero(), "missing date defaults to now")
}

func TestPost_Validation(t *testing.T) {
	l := newTestLedger(t, store.NewMemory())
	ctx := context.Background()

	tests := []struct {
		name string
		in   PostInput
	}{
		{"missing consumable", PostInput{Type: generic.DirectionIn, Quantity: generic.Dec(1)}},
		{"bad direction", PostInput{ConsumableID: "x", Type: "sideways", Quantity: generic.Dec(1)}},
		{"zero quantity", PostInput{ConsumableID: "x", Type: generic.DirectionIn}},
		{"negative price", PostInput{ConsumableID: "x", Type: generic.DirectionIn, Quantity: generic.Dec(1), UnitPrice: generic.Dec(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Post(ctx, tt.in)
			assert.ErrorIs(t, err, generic.ErrValidation)
		})
	}

	_, err := l.Post(ctx, out("missing", 1))
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestRegister_Validation(t *testing.T) {
	l := newTestLedger(t, store.NewMemory())
	ctx := context.Background()

	_, err := l.Register(ctx, RegisterInput{})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = l.Register(ctx, RegisterInput{Name: "x", InitialQuantity: generic.Dec(-1)})
	assert.ErrorIs(t, err, generic.ErrValidation)

	c, err := l.Register(ctx, RegisterInput{Name: "x", InitialQuantity: generic.Dec(3)})
	require.NoError(t, err)
	assert.Equal(t, generic.StockNormal, c.Status, "no minimum means never low")
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestPost_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	for name, s := range map[string]generic.Store{
		"memory": store.NewMemory(),
		"sqlite": newSQLiteStore(t),
	} {
		t.Run(name, func(t *testing.T) {
			// GIVEN: 100 in stock
			l := newTestLedger(t, s)
			ctx := context.Background()
			c := register(t, l, 100, 0)

			// WHEN: Two withdrawals of 60 race
			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = l.Post(ctx, out(c.ID, 60))
				}(i)
			}
			wg.Wait()

			// THEN: Exactly one succeeds and stock is 40
			var ok int
			for _, err := range errs {
				if err == nil {
					ok++
					continue
				}
				kind := generic.KindOf(err)
				assert.Contains(t, []generic.ErrorKind{generic.KindInsufficientResource, generic.KindConcurrency}, kind)
			}
			assert.Equal(t, 1, ok)

			got, err := l.Get(ctx, c.ID)
			require.NoError(t, err)
			assert.True(t, got.StockQuantity.Equal(generic.Dec(40)), "stock %s", got.StockQuantity)
		})
	}
}

func TestPost_ManyConcurrentPostingsKeepLedgerInvariant(t *testing.T) {
	// GIVEN: 50 in stock
	l := newTestLedger(t, store.NewMemory())
	ctx := context.Background()
	c := register(t, l, 50, 10)

	// WHEN: 40 mixed postings run at once
	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := out(c.ID, 7)
			if i%3 == 0 {
				in.Type = generic.DirectionIn
				in.Quantity = generic.Dec(5)
			}
			_, _ = l.Post(ctx, in)
		}(i)
	}
	wg.Wait()

	// THEN: The stored balance is exactly the replayed ledger and never negative
	rec, err := l.Verify(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, rec.Consistent, "drift %s", rec.Drift)
	assert.False(t, rec.Materialized.IsNegative())

	txs, err := l.Transactions(ctx, c.ID)
	require.NoError(t, err)
	for _, tx := range txs {
		assert.False(t, tx.BalanceAfter.IsNegative())
	}
	seen := make(map[string]bool)
	for _, tx := range txs {
		assert.False(t, seen[tx.No], "duplicate number %s", tx.No)
		seen[tx.No] = true
	}
}

func TestPost_CancelledContextCommitsNothing(t *testing.T) {
	l := newTestLedger(t, store.NewMemory())
	c := register(t, l, 10, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Post(ctx, out(c.ID, 1))
	assert.ErrorIs(t, err, generic.ErrStorage)
	assert.True(t, generic.IsRetryable(err))

	got, err := l.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, got.StockQuantity.Equal(generic.Dec(10)))
}

// =============================================================================
// QUERIES
// =============================================================================

func TestStats(t *testing.T) {
	l := newTestLedger(t, store.NewMemory())
	ctx := context.Background()
	c := register(t, l, 0, 0)

	_, err := l.Post(ctx, PostInput{ConsumableID: c.ID, Type: generic.DirectionIn, Quantity: generic.Dec(10), UnitPrice: generic.Dec(3)})
	require.NoError(t, err)
	_, err = l.Post(ctx, PostInput{ConsumableID: c.ID, Type: generic.DirectionOut, Quantity: generic.Dec(4), UnitPrice: generic.Dec(3)})
	require.NoError(t, err)

	s, err := l.Stats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Transactions)
	assert.True(t, s.InQuantity.Equal(generic.Dec(10)))
	assert.True(t, s.OutQuantity.Equal(generic.Dec(4)))
	assert.True(t, s.InAmount.Equal(generic.Dec(30)))
	assert.True(t, s.OutAmount.Equal(generic.Dec(12)))

	_, err = l.Stats(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestVerify_ReportsDrift(t *testing.T) {
	// GIVEN: A consumable whose stored balance was tampered with
	mem := store.NewMemory()
	l := newTestLedger(t, mem)
	ctx := context.Background()
	c := register(t, l, 10, 0)
	_, err := l.Post(ctx, out(c.ID, 3))
	require.NoError(t, err)

	require.NoError(t, mem.WithTx(ctx, func(tx generic.Tx) error {
		locked, err := tx.LockConsumable(ctx, c.ID)
		if err != nil {
			return err
		}
		locked.StockQuantity = generic.Dec(9)
		return tx.UpdateConsumable(ctx, locked)
	}))

	// WHEN: Verifying
	rec, err := l.Verify(ctx, c.ID)

	// THEN: Drift of +2 is reported and nothing is corrected
	require.NoError(t, err)
	assert.False(t, rec.Consistent)
	assert.True(t, rec.Drift.Equal(generic.Dec(2)))
	got, err := l.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.StockQuantity.Equal(generic.Dec(9)))

	ids, err := l.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []generic.ConsumableID{c.ID}, ids)
}
