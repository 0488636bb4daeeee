package finance

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

func newTestReconciler(t *testing.T, s generic.Store) *Reconciler {
	t.Helper()
	r := NewReconciler(s, zerolog.Nop())
	r.Clock = generic.NewFixedClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	return r
}

func createReceivable(t *testing.T, r *Reconciler, amount int64) *generic.Receivable {
	t.Helper()
	rec, err := r.CreateReceivable(context.Background(), CreateReceivableInput{
		ClientName: "Hydro Survey Institute",
		Amount:     generic.Dec(amount),
		Operator:   "frank",
	})
	require.NoError(t, err)
	return rec
}

func pay(t *testing.T, r *Reconciler, id generic.ReceivableID, amount int64) *PaymentResult {
	t.Helper()
	res, err := r.PostPayment(context.Background(), PostPaymentInput{
		ReceivableID: id,
		Amount:       generic.Dec(amount),
		Method:       "bank_transfer",
		Operator:     "frank",
	})
	require.NoError(t, err)
	return res
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPostPayment_PartialCompleteOverpayDelete(t *testing.T) {
	stores := map[string]generic.Store{"memory": store.NewMemory()}
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer s.Close()
	stores["sqlite"] = s

	for name, st := range stores {
		t.Run(name, func(t *testing.T) {
			// GIVEN: A receivable of 1000
			r := newTestReconciler(t, st)
			ctx := context.Background()
			rec := createReceivable(t, r, 1000)
			assert.Equal(t, generic.ReceivablePending, rec.Status)
			assert.True(t, rec.ReceivedAmount.IsZero())
			assert.Equal(t, "AR202503100001", rec.No)

			// WHEN: 400 is paid
			res := pay(t, r, rec.ID, 400)

			// THEN: Partial
			assert.True(t, res.Receivable.ReceivedAmount.Equal(generic.Dec(400)))
			assert.Equal(t, generic.ReceivablePartial, res.Receivable.Status)
			assert.Equal(t, "PM202503100001", res.Payment.No)

			// WHEN: The remaining 600 is paid
			second := pay(t, r, rec.ID, 600)

			// THEN: Completed
			assert.True(t, second.Receivable.ReceivedAmount.Equal(generic.Dec(1000)))
			assert.Equal(t, generic.ReceivableCompleted, second.Receivable.Status)

			// WHEN: One more unit is paid
			_, err := r.PostPayment(ctx, PostPaymentInput{ReceivableID: rec.ID, Amount: generic.Dec(1)})

			// THEN: Refused
			var ie *generic.InsufficientResourceError
			require.ErrorAs(t, err, &ie)
			assert.True(t, ie.Available.IsZero())

			// WHEN: The 600 payment is deleted
			after, err := r.DeletePayment(ctx, second.Payment.ID, "frank")

			// THEN: Back to the state after the first payment
			require.NoError(t, err)
			assert.True(t, after.ReceivedAmount.Equal(generic.Dec(400)))
			assert.Equal(t, generic.ReceivablePartial, after.Status)

			_, err = r.GetPayment(ctx, second.Payment.ID)
			assert.ErrorIs(t, err, generic.ErrNotFound)

			list, err := r.Payments(ctx, rec.ID)
			require.NoError(t, err)
			require.Len(t, list.Payments, 1)
			assert.True(t, list.Total.Equal(generic.Dec(400)))

			v, err := r.Verify(ctx, rec.ID)
			require.NoError(t, err)
			assert.True(t, v.Consistent)
		})
	}
}

func TestDeletePayment_LastPaymentReturnsToPending(t *testing.T) {
	r := newTestReconciler(t, store.NewMemory())
	ctx := context.Background()
	rec := createReceivable(t, r, 500)
	res := pay(t, r, rec.ID, 500)
	require.Equal(t, generic.ReceivableCompleted, res.Receivable.Status)

	after, err := r.DeletePayment(ctx, res.Payment.ID, "frank")
	require.NoError(t, err)
	assert.True(t, after.ReceivedAmount.IsZero())
	assert.Equal(t, generic.ReceivablePending, after.Status)

	// Deleting twice is a not-found, not a second rollback.
	_, err = r.DeletePayment(ctx, res.Payment.ID, "frank")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestDeletePayment_RestoresAsIfNeverPosted(t *testing.T) {
	// GIVEN: Three payments
	r := newTestReconciler(t, store.NewMemory())
	ctx := context.Background()
	rec := createReceivable(t, r, 900)
	pay(t, r, rec.ID, 100)
	middle := pay(t, r, rec.ID, 250)
	pay(t, r, rec.ID, 300)

	// WHEN: The middle one is deleted
	after, err := r.DeletePayment(ctx, middle.Payment.ID, "frank")

	// THEN: Received equals the sum of the other two
	require.NoError(t, err)
	assert.True(t, after.ReceivedAmount.Equal(generic.Dec(400)))
	assert.Equal(t, generic.DeriveReceivableStatus(generic.Dec(400), generic.Dec(900)), after.Status)
}

func TestPostPayment_Validation(t *testing.T) {
	r := newTestReconciler(t, store.NewMemory())
	ctx := context.Background()

	_, err := r.PostPayment(ctx, PostPaymentInput{Amount: generic.Dec(1)})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = r.PostPayment(ctx, PostPaymentInput{ReceivableID: "x", Amount: decimal.Zero})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = r.PostPayment(ctx, PostPaymentInput{ReceivableID: "missing", Amount: generic.Dec(1)})
	assert.ErrorIs(t, err, generic.ErrNotFound)

	_, err = r.CreateReceivable(ctx, CreateReceivableInput{ClientName: "x", Amount: generic.Dec(-5)})
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = r.DeletePayment(ctx, "missing", "frank")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestPostPayment_ConcurrentPaymentsNeverExceedAmount(t *testing.T) {
	// GIVEN: A receivable of 1000
	r := newTestReconciler(t, store.NewMemory())
	ctx := context.Background()
	rec := createReceivable(t, r, 1000)

	// WHEN: Ten payments of 150 race
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.PostPayment(ctx, PostPaymentInput{ReceivableID: rec.ID, Amount: generic.Dec(150)})
		}()
	}
	wg.Wait()

	// THEN: Six fit, and received matches the payments on file
	got, err := r.GetReceivable(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.ReceivedAmount.Equal(generic.Dec(900)), "received %s", got.ReceivedAmount)
	assert.Equal(t, generic.ReceivablePartial, got.Status)

	list, err := r.Payments(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, list.Payments, 6)

	v, err := r.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, v.Consistent)
}

func TestPayments_NewestFirst(t *testing.T) {
	r := newTestReconciler(t, store.NewMemory())
	ctx := context.Background()
	rec := createReceivable(t, r, 1000)

	for _, d := range []string{"2025-01-05", "2025-03-01", "2025-02-10"} {
		date, err := generic.ParseDate("paymentDate", d)
		require.NoError(t, err)
		_, err = r.PostPayment(ctx, PostPaymentInput{ReceivableID: rec.ID, Amount: generic.Dec(10), PaymentDate: date})
		require.NoError(t, err)
	}

	list, err := r.Payments(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, list.Payments, 3)
	assert.Equal(t, time.March, list.Payments[0].PaymentDate.Month())
	assert.Equal(t, time.January, list.Payments[2].PaymentDate.Month())

	ids, err := r.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []generic.ReceivableID{rec.ID}, ids)
}
