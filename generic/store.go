/*
store.go - Persistence contract for the engines

PURPOSE:
  Defines the interface between the engines and the database.
  The engines need only: load-by-id, create, update, delete, and a scoped
  transaction with commit on normal return and guaranteed rollback on error.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store:       Entry point; WithTx is the only way to touch data
  Tx:          Everything an engine can do inside one atomic unit
  QuotationTx / InventoryTx / FinanceTx / AuditTx / SequenceTx:
               The per-engine slices of Tx

SINGLE WRITER PER AGGREGATE:
  Lock* loads an aggregate AND makes the current Tx its only writer until the
  Tx ends. A second Tx locking the same aggregate waits (or fails with
  ErrConcurrentModification, depending on the store). Every engine operation
  locks exactly one aggregate, so no lock ordering is needed.

OPTIMISTIC VERSIONS:
  Update* compares the caller's Version with the stored one, writes
  Version+1 and bumps the caller's copy. A mismatch is
  ErrConcurrentModification. With correct locking this never fires; it is
  the backstop for stores whose locks are advisory.

APPEND-ONLY RECORDS:
  Approval records, consumable transactions and audit entries have no
  update or delete. Payments have DeletePayment, which the reconciler pairs
  with a compensating receivable update in the same Tx.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (row locks)
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - errors.go: NotFoundError, StorageError returned by stores
*/
package generic

import "context"

// =============================================================================
// STORE - Scoped transactions
// =============================================================================

// Store runs atomic units of work.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back and the error returned.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the view of the store inside one atomic unit.
type Tx interface {
	QuotationTx
	InventoryTx
	FinanceTx
	AuditTx
	SequenceTx
}

// =============================================================================
// PER-ENGINE SLICES
// =============================================================================

// QuotationTx persists quotations and their approval history.
type QuotationTx interface {
	// LockQuotation loads a quotation and locks it for this Tx.
	// Returns *NotFoundError if absent.
	LockQuotation(ctx context.Context, id QuotationID) (*Quotation, error)
	// GetQuotation loads without locking.
	GetQuotation(ctx context.Context, id QuotationID) (*Quotation, error)
	InsertQuotation(ctx context.Context, q *Quotation) error
	UpdateQuotation(ctx context.Context, q *Quotation) error
	DeleteQuotation(ctx context.Context, id QuotationID) error

	// AppendApproval is the only write for approval records.
	AppendApproval(ctx context.Context, r ApprovalRecord) error
	// ListApprovals returns the history newest first.
	ListApprovals(ctx context.Context, id QuotationID) ([]ApprovalRecord, error)
}

// InventoryTx persists consumables and their stock ledger.
type InventoryTx interface {
	LockConsumable(ctx context.Context, id ConsumableID) (*Consumable, error)
	GetConsumable(ctx context.Context, id ConsumableID) (*Consumable, error)
	InsertConsumable(ctx context.Context, c *Consumable) error
	UpdateConsumable(ctx context.Context, c *Consumable) error
	ListConsumableIDs(ctx context.Context) ([]ConsumableID, error)

	// AppendConsumableTransaction is the only write for ledger entries.
	AppendConsumableTransaction(ctx context.Context, t ConsumableTransaction) error
	// ListConsumableTransactions returns the ledger in posting order.
	ListConsumableTransactions(ctx context.Context, id ConsumableID) ([]ConsumableTransaction, error)
}

// FinanceTx persists receivables and their payments.
type FinanceTx interface {
	LockReceivable(ctx context.Context, id ReceivableID) (*Receivable, error)
	GetReceivable(ctx context.Context, id ReceivableID) (*Receivable, error)
	InsertReceivable(ctx context.Context, r *Receivable) error
	UpdateReceivable(ctx context.Context, r *Receivable) error
	ListReceivableIDs(ctx context.Context) ([]ReceivableID, error)

	InsertPayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	DeletePayment(ctx context.Context, id PaymentID) error
	// ListPayments returns payments newest first by payment date.
	ListPayments(ctx context.Context, id ReceivableID) ([]Payment, error)
}

// AuditTx appends to and reads the audit trail.
type AuditTx interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// SequenceTx hands out document-number counters.
type SequenceTx interface {
	// NextSequence atomically increments and returns the counter for
	// (prefix, day). The first call for a pair returns 1.
	NextSequence(ctx context.Context, prefix, day string) (int64, error)
}
