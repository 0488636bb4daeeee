/*
Package finance implements receivable and payment reconciliation.

PURPOSE:
  Posts payments against a receivable and keeps its received amount and
  status in step with the payments on file. Deleting a payment is the one
  permitted removal from the ledger and is always paired with the
  compensating receivable update in the same atomic unit.

CRITICAL INVARIANTS:
  1. 0 <= received <= amount at every commit
  2. received = sum(payments)
  3. status = DeriveReceivableStatus(received, amount)
  4. A payment larger than the remaining balance fails with
     InsufficientResourceError and writes nothing

EXAMPLE:
  Receivable 1000, pay 400 -> 400 partial, pay 600 -> 1000 completed,
  pay 1 -> InsufficientResourceError, delete the 600 -> 400 partial

SEE ALSO:
  - generic/balance.go: DeriveReceivableStatus
  - generic/ledger.go: ReconcileReceivable used by Verify
*/
package finance

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/labops-engine/generic"
	"github.com/warp/labops-engine/metrics"
)

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	Store   generic.Store
	Clock   generic.Clock
	Log     zerolog.Logger
	Metrics *metrics.Recorder
}

func NewReconciler(store generic.Store, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		Store: store,
		Clock: generic.SystemClock{},
		Log:   log.With().Str("engine", "finance").Logger(),
	}
}

type CreateReceivableInput struct {
	ClientName string
	Amount     decimal.Decimal
	DueDate    *time.Time
	Operator   string
}

// PostPaymentInput is one payment. A zero PaymentDate means now.
type PostPaymentInput struct {
	ReceivableID  generic.ReceivableID
	Amount        decimal.Decimal
	PaymentDate   time.Time
	Method        string
	HandlerName   string
	BankName      string
	TransactionNo string
	Remark        string
	Operator      string
}

// PaymentResult is the posted payment and the receivable after it.
type PaymentResult struct {
	Payment    generic.Payment
	Receivable generic.Receivable
}

// PaymentList is a receivable's payments, newest first, with their sum.
type PaymentList struct {
	Payments []generic.Payment
	Total    decimal.Decimal
}

// =============================================================================
// RECEIVABLES
// =============================================================================

// CreateReceivable opens a receivable with nothing received.
func (r *Reconciler) CreateReceivable(ctx context.Context, in CreateReceivableInput) (rec *generic.Receivable, err error) {
	defer r.Metrics.Observe("finance", "create_receivable", time.Now(), &err)

	if strings.TrimSpace(in.ClientName) == "" {
		return nil, generic.Invalid("clientName", "required")
	}
	if !in.Amount.IsPositive() {
		return nil, generic.Invalid("amount", "must be positive")
	}

	err = r.Store.WithTx(ctx, func(tx generic.Tx) error {
		now := r.Clock.Now()
		no, err := generic.NextNumber(ctx, tx, generic.PrefixReceivable, now)
		if err != nil {
			return err
		}
		rec = &generic.Receivable{
			ID:             generic.ReceivableID(generic.NewID()),
			No:             no,
			ClientName:     in.ClientName,
			Amount:         in.Amount,
			ReceivedAmount: decimal.Zero,
			Status:         generic.ReceivablePending,
			DueDate:        in.DueDate,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertReceivable(ctx, rec); err != nil {
			return err
		}
		return generic.RecordAudit(ctx, tx, now, in.Operator, generic.AuditReceivableCreated,
			generic.AggregateReceivable, string(rec.ID), map[string]any{
				"no":     rec.No,
				"amount": rec.Amount.String(),
			})
	})
	if err != nil {
		return nil, err
	}

	r.Log.Info().Str("receivable_id", string(rec.ID)).Str("no", rec.No).
		Str("amount", rec.Amount.String()).Msg("Receivable created")
	return rec, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PostPayment records a payment and raises the received amount.
func (r *Reconciler) PostPayment(ctx context.Context, in PostPaymentInput) (res *PaymentResult, err error) {
	defer r.Metrics.Observe("finance", "post_payment", time.Now(), &err)

	if in.ReceivableID == "" {
		return nil, generic.Invalid("receivableId", "required")
	}
	if !in.Amount.IsPositive() {
		return nil, generic.Invalid("amount", "must be positive")
	}

	err = r.Store.WithTx(ctx, func(tx generic.Tx) error {
		rec, err := tx.LockReceivable(ctx, in.ReceivableID)
		if err != nil {
			return err
		}

		remaining := rec.Remaining()
		if in.Amount.GreaterThan(remaining) {
			return &generic.InsufficientResourceError{
				Resource:  "receivable balance",
				Available: remaining,
				Requested: in.Amount,
			}
		}

		now := r.Clock.Now()
		no, err := generic.NextNumber(ctx, tx, generic.PrefixPayment, now)
		if err != nil {
			return err
		}
		date := in.PaymentDate
		if date.IsZero() {
			date = now
		}

		p := generic.Payment{
			ID:            generic.PaymentID(generic.NewID()),
			No:            no,
			ReceivableID:  rec.ID,
			Amount:        in.Amount,
			PaymentDate:   date,
			Method:        in.Method,
			HandlerName:   in.HandlerName,
			BankName:      in.BankName,
			TransactionNo: in.TransactionNo,
			Remark:        in.Remark,
			CreatedAt:     now,
		}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return err
		}

		rec.ReceivedAmount = rec.ReceivedAmount.Add(in.Amount)
		rec.Status = generic.DeriveReceivableStatus(rec.ReceivedAmount, rec.Amount)
		rec.UpdatedAt = now
		if err := tx.UpdateReceivable(ctx, rec); err != nil {
			return err
		}
		if err := generic.RecordAudit(ctx, tx, now, in.Operator, generic.AuditPaymentPosted,
			generic.AggregateReceivable, string(rec.ID), map[string]any{
				"payment_id": string(p.ID),
				"no":         p.No,
				"amount":     p.Amount.String(),
				"received":   rec.ReceivedAmount.String(),
			}); err != nil {
			return err
		}

		res = &PaymentResult{Payment: p, Receivable: *rec}
		return nil
	})
	if err != nil {
		r.Log.Debug().Err(err).
			Str("receivable_id", string(in.ReceivableID)).
			Str("amount", in.Amount.String()).
			Msg("Payment refused")
		return nil, err
	}

	r.Log.Info().
		Str("receivable_id", string(in.ReceivableID)).
		Str("payment_id", string(res.Payment.ID)).
		Str("amount", in.Amount.String()).
		Str("received", res.Receivable.ReceivedAmount.String()).
		Str("status", string(res.Receivable.Status)).
		Msg("Payment posted")
	return res, nil
}

// DeletePayment removes a payment and rolls the receivable back as if it had
// never been posted.
func (r *Reconciler) DeletePayment(ctx context.Context, id generic.PaymentID, actor string) (rec *generic.Receivable, err error) {
	defer r.Metrics.Observe("finance", "delete_payment", time.Now(), &err)

	if id == "" {
		return nil, generic.Invalid("id", "required")
	}

	err = r.Store.WithTx(ctx, func(tx generic.Tx) error {
		p, err := tx.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if rec, err = tx.LockReceivable(ctx, p.ReceivableID); err != nil {
			return err
		}
		// Re-read under the receivable lock: a concurrent delete of the same
		// payment may have committed between the two loads.
		if p, err = tx.GetPayment(ctx, id); err != nil {
			return err
		}

		if err := tx.DeletePayment(ctx, id); err != nil {
			return err
		}

		now := r.Clock.Now()
		rec.ReceivedAmount = decimal.Max(decimal.Zero, rec.ReceivedAmount.Sub(p.Amount))
		rec.Status = generic.DeriveReceivableStatus(rec.ReceivedAmount, rec.Amount)
		rec.UpdatedAt = now
		if err := tx.UpdateReceivable(ctx, rec); err != nil {
			return err
		}
		return generic.RecordAudit(ctx, tx, now, actor, generic.AuditPaymentDeleted,
			generic.AggregateReceivable, string(rec.ID), map[string]any{
				"payment_id": string(p.ID),
				"no":         p.No,
				"amount":     p.Amount.String(),
				"received":   rec.ReceivedAmount.String(),
			})
	})
	if err != nil {
		return nil, err
	}

	r.Log.Info().
		Str("payment_id", string(id)).
		Str("receivable_id", string(rec.ID)).
		Str("received", rec.ReceivedAmount.String()).
		Str("status", string(rec.Status)).
		Msg("Payment deleted")
	return rec, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (r *Reconciler) GetReceivable(ctx context.Context, id generic.ReceivableID) (*generic.Receivable, error) {
	var rec *generic.Receivable
	err := r.Store.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		rec, err = tx.GetReceivable(ctx, id)
		return err
	})
	return rec, err
}

func (r *Reconciler) GetPayment(ctx context.Context, id generic.PaymentID) (*generic.Payment, error) {
	var p *generic.Payment
	err := r.Store.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		p, err = tx.GetPayment(ctx, id)
		return err
	})
	return p, err
}

// Payments lists a receivable's payments newest first.
func (r *Reconciler) Payments(ctx context.Context, id generic.ReceivableID) (*PaymentList, error) {
	var list PaymentList
	err := r.Store.WithTx(ctx, func(tx generic.Tx) error {
		if _, err := tx.GetReceivable(ctx, id); err != nil {
			return err
		}
		var err error
		list.Payments, err = tx.ListPayments(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	list.Total = generic.ReplayPayments(list.Payments)
	return &list, nil
}

// Verify compares the received amount with the sum of payments on file.
func (r *Reconciler) Verify(ctx context.Context, id generic.ReceivableID) (*generic.Reconciliation, error) {
	var rec generic.Reconciliation
	err := r.Store.WithTx(ctx, func(tx generic.Tx) error {
		recv, err := tx.GetReceivable(ctx, id)
		if err != nil {
			return err
		}
		payments, err := tx.ListPayments(ctx, id)
		if err != nil {
			return err
		}
		rec = generic.ReconcileReceivable(*recv, payments)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !rec.Consistent {
		r.Metrics.Drift(generic.AggregateReceivable)
		r.Log.Error().Str("receivable_id", string(id)).
			Str("materialized", rec.Materialized.String()).
			Str("replayed", rec.Replayed.String()).
			Msg("Receivable drift detected")
	}
	return &rec, nil
}

// IDs lists every receivable.
func (r *Reconciler) IDs(ctx context.Context) ([]generic.ReceivableID, error) {
	var ids []generic.ReceivableID
	err := r.Store.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		ids, err = tx.ListReceivableIDs(ctx)
		return err
	})
	return ids, err
}
