/*
balance.go - Derived status functions

PURPOSE:
  A status that is derived is never set directly. These functions are the
  only place a StockStatus or ReceivableStatus is computed; engines call them
  after every balance change and stores never invent a status of their own.

STOCK STATUS:
  out_of_stock  if stock = 0
  low_stock     if minStock is set and stock < minStock
  normal        otherwise

RECEIVABLE STATUS:
  pending    if received = 0
  partial    if 0 < received < amount
  completed  if received >= amount

EXAMPLE:
  Consumable with minStock 20:
    stock 100 -> normal, stock 10 -> low_stock, stock 0 -> out_of_stock

  Receivable of 1000:
    received 0 -> pending, 400 -> partial, 1000 -> completed

SEE ALSO:
  - ledger.go: Recomputing balances from history
  - inventory/ledger.go, finance/reconciler.go: Callers
*/
package generic

import "github.com/shopspring/decimal"

// =============================================================================
// STOCK
// =============================================================================

// DeriveStockStatus computes a consumable's status from its balance.
func DeriveStockStatus(stock decimal.Decimal, minStock *decimal.Decimal) StockStatus {
	if stock.IsZero() {
		return StockOutOfStock
	}
	if minStock != nil && stock.LessThan(*minStock) {
		return StockLow
	}
	return StockNormal
}

// =============================================================================
// RECEIVABLE
// =============================================================================

// DeriveReceivableStatus computes a receivable's status from its running total.
func DeriveReceivableStatus(received, amount decimal.Decimal) ReceivableStatus {
	switch {
	case !received.IsPositive():
		return ReceivablePending
	case received.LessThan(amount):
		return ReceivablePartial
	default:
		return ReceivableCompleted
	}
}
