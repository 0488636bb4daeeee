package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/labops-engine/generic"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func seedConsumable(t *testing.T, m *Memory, id generic.ConsumableID, stock int64) {
	t.Helper()
	require.NoError(t, m.WithTx(context.Background(), func(tx generic.Tx) error {
		return tx.InsertConsumable(context.Background(), &generic.Consumable{
			ID: id, Name: "Acetone", InitialQuantity: generic.Dec(stock), StockQuantity: generic.Dec(stock),
			Status: generic.StockNormal, CreatedAt: t0, UpdatedAt: t0,
		})
	}))
}

func TestMemory_RollbackOnError(t *testing.T) {
	// GIVEN: A consumable
	m := NewMemory()
	ctx := context.Background()
	seedConsumable(t, m, "c1", 10)

	// WHEN: A unit writes then fails
	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx generic.Tx) error {
		c, err := tx.LockConsumable(ctx, "c1")
		if err != nil {
			return err
		}
		c.StockQuantity = generic.Dec(0)
		if err := tx.UpdateConsumable(ctx, c); err != nil {
			return err
		}
		if err := tx.AppendConsumableTransaction(ctx, generic.ConsumableTransaction{ID: "t1", ConsumableID: "c1"}); err != nil {
			return err
		}
		if _, err := tx.NextSequence(ctx, "CK", "20250310"); err != nil {
			return err
		}
		return boom
	})

	// THEN: Nothing but the spent number is visible afterwards
	assert.ErrorIs(t, err, boom)
	require.NoError(t, m.WithTx(ctx, func(tx generic.Tx) error {
		c, err := tx.GetConsumable(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, c.StockQuantity.Equal(generic.Dec(10)))
		txs, err := tx.ListConsumableTransactions(ctx, "c1")
		require.NoError(t, err)
		assert.Empty(t, txs)
		n, err := tx.NextSequence(ctx, "CK", "20250310")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n, "numbers are never reused, a rollback leaves a gap")
		return nil
	}))
}

func TestMemory_NextSequenceDoesNotBlockOtherUnits(t *testing.T) {
	// GIVEN: A unit that has drawn a CK number and is still open
	m := NewMemory()
	ctx := context.Background()
	drawn := make(chan struct{})
	finish := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- m.WithTx(ctx, func(tx generic.Tx) error {
			if _, err := tx.NextSequence(ctx, "CK", "20250310"); err != nil {
				return err
			}
			close(drawn)
			<-finish
			return nil
		})
	}()
	<-drawn

	// WHEN: A unit for another aggregate draws from the same counter under a short deadline
	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	var n int64
	err := m.WithTx(short, func(tx generic.Tx) error {
		var err error
		n, err = tx.NextSequence(short, "CK", "20250310")
		return err
	})

	// THEN: It gets the next number without waiting for the first unit
	close(finish)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, <-first)
}

func TestMemory_ReadsOwnWrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.WithTx(ctx, func(tx generic.Tx) error {
		r := &generic.Receivable{ID: "r1", ClientName: "x", Amount: generic.Dec(10), Status: generic.ReceivablePending}
		require.NoError(t, tx.InsertReceivable(ctx, r))
		assert.Equal(t, int64(1), r.Version)

		got, err := tx.LockReceivable(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "x", got.ClientName)

		require.NoError(t, tx.InsertPayment(ctx, generic.Payment{ID: "p1", ReceivableID: "r1", Amount: generic.Dec(4), PaymentDate: t0}))
		payments, err := tx.ListPayments(ctx, "r1")
		require.NoError(t, err)
		assert.Len(t, payments, 1)

		require.NoError(t, tx.DeletePayment(ctx, "p1"))
		_, err = tx.GetPayment(ctx, "p1")
		assert.ErrorIs(t, err, generic.ErrNotFound)
		return nil
	}))
}

func TestMemory_VersionCheck(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedConsumable(t, m, "c1", 10)

	err := m.WithTx(ctx, func(tx generic.Tx) error {
		c, err := tx.GetConsumable(ctx, "c1")
		if err != nil {
			return err
		}
		c.Version = 7
		return tx.UpdateConsumable(ctx, c)
	})
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)
}

func TestMemory_LockWaitHonoursContext(t *testing.T) {
	// GIVEN: A unit holding the lock on c1
	m := NewMemory()
	seedConsumable(t, m, "c1", 10)
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.WithTx(context.Background(), func(tx generic.Tx) error {
			if _, err := tx.LockConsumable(context.Background(), "c1"); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	// WHEN: A second unit waits with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WithTx(ctx, func(tx generic.Tx) error {
		_, err := tx.LockConsumable(ctx, "c1")
		return err
	})

	// THEN: Storage error, retryable
	assert.ErrorIs(t, err, generic.ErrStorage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, generic.IsRetryable(err))

	// AND: Other aggregates are not blocked
	seedConsumable(t, m, "c2", 1)
}

func TestMemory_ApprovalsNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.WithTx(ctx, func(tx generic.Tx) error {
		for i, a := range []generic.ApprovalAction{generic.ActionSubmit, generic.ActionApprove, generic.ActionReject} {
			if err := tx.AppendApproval(ctx, generic.ApprovalRecord{
				ID: generic.ApprovalRecordID(a), QuotationID: "q1", Level: i, Action: a, Timestamp: t0,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, m.WithTx(ctx, func(tx generic.Tx) error {
		history, err := tx.ListApprovals(ctx, "q1")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, generic.ActionReject, history[0].Action, "equal timestamps keep append order reversed")
		assert.Equal(t, generic.ActionSubmit, history[2].Action)
		return nil
	}))
}

func TestMemory_AuditAndReset(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.WithTx(ctx, func(tx generic.Tx) error {
		for _, id := range []string{"a", "b", "c"} {
			if err := generic.RecordAudit(ctx, tx, t0, "bob", generic.AuditStockPosted, generic.AggregateConsumable, id, nil); err != nil {
				return err
			}
		}
		return nil
	}))

	var entries []generic.AuditEntry
	require.NoError(t, m.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		entries, err = tx.ListAudit(ctx, generic.AuditFilter{Limit: 2})
		return err
	}))
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].AggregateID, "newest first")

	require.NoError(t, m.Reset(ctx))
	require.NoError(t, m.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		entries, err = tx.ListAudit(ctx, generic.AuditFilter{})
		return err
	}))
	assert.Empty(t, entries)
}
