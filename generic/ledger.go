/*
ledger.go - Replaying history to check materialized balances

PURPOSE:
  Balances are materialized running totals: a posting updates the stored
  balance in the same transaction that appends the ledger record, and reads
  never replay history. Replay exists only to PROVE the two agree.

CRITICAL INVARIANTS:
  1. stock = initial + sum(in) - sum(out), for every consumable
  2. received = sum(payments), for every receivable
  3. A mismatch is reported as drift, never silently corrected

USAGE:
  r := generic.ReconcileStock(consumable, txs)
  if !r.Consistent {
      log.Warn().Str("drift", r.Drift.String()).Msg("stock drift")
  }

SEE ALSO:
  - balance.go: Derived statuses
  - api/auditor.go: Periodic integrity checks
*/
package generic

import "github.com/shopspring/decimal"

// =============================================================================
// RECONCILIATION RESULT
// =============================================================================

// Reconciliation compares a materialized balance with its replayed history.
type Reconciliation struct {
	AggregateType AggregateType
	AggregateID   string
	Materialized  decimal.Decimal // what the aggregate row says
	Replayed      decimal.Decimal // what the history says
	Drift         decimal.Decimal // Materialized - Replayed
	Entries       int
	Consistent    bool
}

func newReconciliation(t AggregateType, id string, materialized, replayed decimal.Decimal, n int) Reconciliation {
	drift := materialized.Sub(replayed)
	return Reconciliation{
		AggregateType: t,
		AggregateID:   id,
		Materialized:  materialized,
		Replayed:      replayed,
		Drift:         drift,
		Entries:       n,
		Consistent:    drift.IsZero(),
	}
}

// =============================================================================
// REPLAY
// =============================================================================

// ReplayStock returns initial + sum of signed transaction quantities.
func ReplayStock(initial decimal.Decimal, txs []ConsumableTransaction) decimal.Decimal {
	balance := initial
	for _, tx := range txs {
		balance = balance.Add(tx.Signed())
	}
	return balance
}

// ReplayPayments returns the sum of payment amounts.
func ReplayPayments(payments []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}

// ReconcileStock checks invariant 1 for c.
func ReconcileStock(c Consumable, txs []ConsumableTransaction) Reconciliation {
	return newReconciliation(AggregateConsumable, string(c.ID),
		c.StockQuantity, ReplayStock(c.InitialQuantity, txs), len(txs))
}

// ReconcileReceivable checks invariant 2 for r.
func ReconcileReceivable(r Receivable, payments []Payment) Reconciliation {
	return newReconciliation(AggregateReceivable, string(r.ID),
		r.ReceivedAmount, ReplayPayments(payments), len(payments))
}
