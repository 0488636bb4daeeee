/*
Package postgres provides a PostgreSQL-backed implementation of generic.Store.

PURPOSE:
  Same tables and semantics as store/sqlite, for deployments with more than
  one engine process. Many writers can be in flight; single-writer-per-
  aggregate comes from row locks rather than a database-wide write lock.

CONCURRENCY:
  Lock* issues SELECT ... FOR UPDATE on the aggregate row, so a second Tx
  on the same aggregate waits until the first commits or rolls back, then
  reads the committed row. Waits are bounded by lock_timeout.

  Failures that mean "someone else won" surface as ErrConcurrentModification:
    40001  serialization_failure
    40P01  deadlock_detected
    55P03  lock_not_available (lock_timeout expired)

  A context deadline or cancellation surfaces as StorageError; the Tx is
  rolled back and the caller must not assume success.

  Document counters are incremented on a separate small pool in their own
  autocommit statement, so the counter row is never locked for the rest of
  a unit. Units numbering different aggregates do not queue behind each
  other; a unit that rolls back after allocating leaves a gap.

AMOUNTS:
  NUMERIC columns. Values cross the wire as text so decimal.Decimal keeps
  its exact value in both directions.

SEE ALSO:
  - store/sqlite/sqlite.go: Single-process implementation
  - generic/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/labops-engine/generic"
)

const (
	defaultLockTimeout = 5 * time.Second
	sequenceConns      = 2
)

// Store implements generic.Store on a pgx connection pool.
type Store struct {
	pool        *pgxpool.Pool
	seq         *pgxpool.Pool // document counters only
	LockTimeout time.Duration
}

// New connects to dsn, pings and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	seqCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	seqCfg.MaxConns = sequenceConns
	seq, err := pgxpool.NewWithConfig(ctx, seqCfg)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open postgres sequence pool: %w", err)
	}

	s := &Store{pool: pool, seq: seq, LockTimeout: defaultLockTimeout}
	if err := s.migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.seq.Close()
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS quotations (
			id TEXT PRIMARY KEY,
			no TEXT NOT NULL UNIQUE,
			client_id TEXT NOT NULL,
			client_contact TEXT,
			sample_name TEXT,
			subtotal NUMERIC NOT NULL,
			tax_total NUMERIC NOT NULL,
			discount_total NUMERIC NOT NULL,
			client_response TEXT,
			status TEXT NOT NULL CHECK (status IN
				('draft','pending_sales','pending_finance','pending_lab','approved','rejected')),
			created_by TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS quotation_items (
			quotation_id TEXT NOT NULL REFERENCES quotations(id) ON DELETE CASCADE,
			line INTEGER NOT NULL,
			service_item TEXT,
			method_standard TEXT,
			quantity NUMERIC NOT NULL,
			unit_price NUMERIC NOT NULL,
			total_price NUMERIC NOT NULL,
			PRIMARY KEY (quotation_id, line)
		)`,
		`CREATE TABLE IF NOT EXISTS approval_records (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			quotation_id TEXT NOT NULL,
			level INTEGER NOT NULL,
			role TEXT NOT NULL,
			approver TEXT NOT NULL,
			action TEXT NOT NULL CHECK (action IN ('submit','approve','reject')),
			comment TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_records_quotation
			ON approval_records(quotation_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS consumables (
			id TEXT PRIMARY KEY,
			code TEXT,
			name TEXT NOT NULL,
			unit TEXT,
			initial_quantity NUMERIC NOT NULL,
			stock_quantity NUMERIC NOT NULL CHECK (stock_quantity >= 0),
			min_stock NUMERIC,
			status TEXT NOT NULL CHECK (status IN ('out_of_stock','low_stock','normal')),
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS consumable_transactions (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			no TEXT NOT NULL UNIQUE,
			consumable_id TEXT NOT NULL REFERENCES consumables(id),
			type TEXT NOT NULL CHECK (type IN ('in','out')),
			quantity NUMERIC NOT NULL CHECK (quantity > 0),
			unit_price NUMERIC NOT NULL,
			total_amount NUMERIC NOT NULL,
			reason TEXT,
			related_order TEXT,
			operator TEXT,
			transaction_date TIMESTAMPTZ NOT NULL,
			remark TEXT,
			balance_after NUMERIC NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_consumable_transactions_consumable
			ON consumable_transactions(consumable_id, seq)`,
		`CREATE TABLE IF NOT EXISTS receivables (
			id TEXT PRIMARY KEY,
			no TEXT NOT NULL UNIQUE,
			client_name TEXT NOT NULL,
			amount NUMERIC NOT NULL CHECK (amount > 0),
			received_amount NUMERIC NOT NULL CHECK (received_amount >= 0 AND received_amount <= amount),
			status TEXT NOT NULL CHECK (status IN ('pending','partial','completed')),
			due_date TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			no TEXT NOT NULL UNIQUE,
			receivable_id TEXT NOT NULL REFERENCES receivables(id),
			amount NUMERIC NOT NULL CHECK (amount > 0),
			payment_date TIMESTAMPTZ NOT NULL,
			method TEXT,
			handler_name TEXT,
			bank_name TEXT,
			transaction_no TEXT,
			remark TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_receivable
			ON payments(receivable_id, payment_date DESC)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			actor_id TEXT,
			action TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			payload JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_aggregate
			ON audit_log(aggregate_type, aggregate_id)`,
		`CREATE TABLE IF NOT EXISTS doc_sequences (
			prefix TEXT NOT NULL,
			day TEXT NOT NULL,
			value BIGINT NOT NULL,
			PRIMARY KEY (prefix, day)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx runs fn in a READ COMMITTED transaction; aggregate consistency
// comes from the FOR UPDATE row locks taken by Lock*.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if s.LockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.LockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return classify("set lock_timeout", err)
		}
	}

	if err := fn(&txStore{tx: tx, seq: s.seq}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE audit_log, payments, receivables, consumable_transactions,
		consumables, approval_records, quotation_items, quotations, doc_sequences`)
	return classify("reset", err)
}

type txStore struct {
	tx  pgx.Tx
	seq *pgxpool.Pool
}

// =============================================================================
// QUOTATIONS
// =============================================================================

const quotationSelect = `
	SELECT id, no, client_id, client_contact, sample_name, subtotal::text, tax_total::text,
	       discount_total::text, client_response, status, created_by, created_at, updated_at, version
	FROM quotations WHERE id = $1`

func (ts *txStore) LockQuotation(ctx context.Context, id generic.QuotationID) (*generic.Quotation, error) {
	return ts.loadQuotation(ctx, quotationSelect+" FOR UPDATE", id)
}

func (ts *txStore) GetQuotation(ctx context.Context, id generic.QuotationID) (*generic.Quotation, error) {
	return ts.loadQuotation(ctx, quotationSelect, id)
}

func (ts *txStore) loadQuotation(ctx context.Context, query string, id generic.QuotationID) (*generic.Quotation, error) {
	var (
		q                           generic.Quotation
		contact, sample, response   *string
		createdBy                   *string
		subtotal, taxTotal, discTot string
	)
	err := ts.tx.QueryRow(ctx, query, id).Scan(&q.ID, &q.No, &q.ClientID, &contact, &sample,
		&subtotal, &taxTotal, &discTot, &response, &q.Status, &createdBy,
		&q.CreatedAt, &q.UpdatedAt, &q.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "quotation", ID: string(id)}
	}
	if err != nil {
		return nil, classify("load quotation", err)
	}
	q.ClientContact = deref(contact)
	q.SampleName = deref(sample)
	q.ClientResponse = deref(response)
	q.CreatedBy = deref(createdBy)
	var d decoder
	q.Subtotal = d.parseDecimal("subtotal", subtotal)
	q.TaxTotal = d.parseDecimal("tax_total", taxTotal)
	q.DiscountTotal = d.parseDecimal("discount_total", discTot)
	if d.err != nil {
		return nil, classify("load quotation", d.err)
	}

	rows, err := ts.tx.Query(ctx, `
		SELECT service_item, method_standard, quantity::text, unit_price::text, total_price::text
		FROM quotation_items WHERE quotation_id = $1 ORDER BY line`, id)
	if err != nil {
		return nil, classify("load quotation items", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			service, method   *string
			qty, price, total string
		)
		if err := rows.Scan(&service, &method, &qty, &price, &total); err != nil {
			return nil, classify("scan quotation item", err)
		}
		var d decoder
		it := generic.QuotationItem{
			ServiceItem:    deref(service),
			MethodStandard: deref(method),
			Quantity:       d.parseDecimal("quantity", qty),
			UnitPrice:      d.parseDecimal("unit_price", price),
			TotalPrice:     d.parseDecimal("total_price", total),
		}
		if d.err != nil {
			return nil, classify("scan quotation item", d.err)
		}
		q.Items = append(q.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load quotation items", err)
	}
	return &q, nil
}

func (ts *txStore) InsertQuotation(ctx context.Context, q *generic.Quotation) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO quotations
		(id, no, client_id, client_contact, sample_name, subtotal, tax_total, discount_total,
		 client_response, status, created_by, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7::text::numeric, $8::text::numeric,
		        $9, $10, $11, $12, $13, 1)`,
		string(q.ID), q.No, q.ClientID, nullString(q.ClientContact), nullString(q.SampleName),
		q.Subtotal.String(), q.TaxTotal.String(), q.DiscountTotal.String(),
		nullString(q.ClientResponse), string(q.Status), nullString(q.CreatedBy),
		q.CreatedAt, q.UpdatedAt,
	)
	if err != nil {
		return classify("insert quotation", err)
	}
	q.Version = 1
	return ts.writeItems(ctx, q)
}

func (ts *txStore) writeItems(ctx context.Context, q *generic.Quotation) error {
	if _, err := ts.tx.Exec(ctx, `DELETE FROM quotation_items WHERE quotation_id = $1`, string(q.ID)); err != nil {
		return classify("replace quotation items", err)
	}
	batch := &pgx.Batch{}
	for i, it := range q.Items {
		batch.Queue(`
			INSERT INTO quotation_items
			(quotation_id, line, service_item, method_standard, quantity, unit_price, total_price)
			VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7::text::numeric)`,
			string(q.ID), i+1, nullString(it.ServiceItem), nullString(it.MethodStandard),
			it.Quantity.String(), it.UnitPrice.String(), it.TotalPrice.String())
	}
	if batch.Len() == 0 {
		return nil
	}
	return classify("insert quotation items", ts.tx.SendBatch(ctx, batch).Close())
}

func (ts *txStore) UpdateQuotation(ctx context.Context, q *generic.Quotation) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE quotations SET
			client_id = $1, client_contact = $2, sample_name = $3,
			subtotal = $4::text::numeric, tax_total = $5::text::numeric,
			discount_total = $6::text::numeric, client_response = $7, status = $8,
			updated_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`,
		q.ClientID, nullString(q.ClientContact), nullString(q.SampleName),
		q.Subtotal.String(), q.TaxTotal.String(), q.DiscountTotal.String(),
		nullString(q.ClientResponse), string(q.Status), q.UpdatedAt,
		string(q.ID), q.Version,
	)
	if err := ts.checkVersioned(ctx, tag, err, "quotations", "quotation", string(q.ID)); err != nil {
		return err
	}
	q.Version++
	return ts.writeItems(ctx, q)
}

func (ts *txStore) DeleteQuotation(ctx context.Context, id generic.QuotationID) error {
	tag, err := ts.tx.Exec(ctx, `DELETE FROM quotations WHERE id = $1`, string(id))
	if err != nil {
		return classify("delete quotation", err)
	}
	if tag.RowsAffected() == 0 {
		return &generic.NotFoundError{Kind: "quotation", ID: string(id)}
	}
	return nil
}

func (ts *txStore) AppendApproval(ctx context.Context, r generic.ApprovalRecord) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO approval_records
		(id, quotation_id, level, role, approver, action, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(r.ID), string(r.QuotationID), r.Level, r.Role, r.Approver, string(r.Action),
		nullString(r.Comment), r.Timestamp,
	)
	return classify("append approval", err)
}

func (ts *txStore) ListApprovals(ctx context.Context, id generic.QuotationID) ([]generic.ApprovalRecord, error) {
	rows, err := ts.tx.Query(ctx, `
		SELECT id, quotation_id, level, role, approver, action, comment, created_at
		FROM approval_records
		WHERE quotation_id = $1
		ORDER BY created_at DESC, seq DESC`, string(id))
	if err != nil {
		return nil, classify("list approvals", err)
	}
	defer rows.Close()

	var records []generic.ApprovalRecord
	for rows.Next() {
		var (
			r       generic.ApprovalRecord
			comment *string
		)
		if err := rows.Scan(&r.ID, &r.QuotationID, &r.Level, &r.Role, &r.Approver,
			&r.Action, &comment, &r.Timestamp); err != nil {
			return nil, classify("scan approval", err)
		}
		r.Comment = deref(comment)
		records = append(records, r)
	}
	return records, classify("list approvals", rows.Err())
}

// =============================================================================
// CONSUMABLES
// =============================================================================

const consumableSelect = `
	SELECT id, code, name, unit, initial_quantity::text, stock_quantity::text, min_stock::text,
	       status, created_at, updated_at, version
	FROM consumables WHERE id = $1`

func (ts *txStore) LockConsumable(ctx context.Context, id generic.ConsumableID) (*generic.Consumable, error) {
	return ts.loadConsumable(ctx, consumableSelect+" FOR UPDATE", id)
}

func (ts *txStore) GetConsumable(ctx context.Context, id generic.ConsumableID) (*generic.Consumable, error) {
	return ts.loadConsumable(ctx, consumableSelect, id)
}

func (ts *txStore) loadConsumable(ctx context.Context, query string, id generic.ConsumableID) (*generic.Consumable, error) {
	var (
		c                    generic.Consumable
		code, unit, minStock *string
		initial, stock       string
	)
	err := ts.tx.QueryRow(ctx, query, string(id)).Scan(&c.ID, &code, &c.Name, &unit, &initial,
		&stock, &minStock, &c.Status, &c.CreatedAt, &c.UpdatedAt, &c.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "consumable", ID: string(id)}
	}
	if err != nil {
		return nil, classify("load consumable", err)
	}
	c.Code = deref(code)
	c.Unit = deref(unit)
	var d decoder
	c.InitialQuantity = d.parseDecimal("initial_quantity", initial)
	c.StockQuantity = d.parseDecimal("stock_quantity", stock)
	if minStock != nil {
		c.MinStock = generic.DecPtr(d.parseDecimal("min_stock", *minStock))
	}
	if d.err != nil {
		return nil, classify("load consumable", d.err)
	}
	return &c, nil
}

func (ts *txStore) InsertConsumable(ctx context.Context, c *generic.Consumable) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO consumables
		(id, code, name, unit, initial_quantity, stock_quantity, min_stock, status,
		 created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8,
		        $9, $10, 1)`,
		string(c.ID), nullString(c.Code), c.Name, nullString(c.Unit),
		c.InitialQuantity.String(), c.StockQuantity.String(), nullDecimal(c.MinStock),
		string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return classify("insert consumable", err)
	}
	c.Version = 1
	return nil
}

func (ts *txStore) UpdateConsumable(ctx context.Context, c *generic.Consumable) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE consumables SET
			code = $1, name = $2, unit = $3, stock_quantity = $4::text::numeric,
			min_stock = $5::text::numeric, status = $6, updated_at = $7, version = version + 1
		WHERE id = $8 AND version = $9`,
		nullString(c.Code), c.Name, nullString(c.Unit), c.StockQuantity.String(),
		nullDecimal(c.MinStock), string(c.Status), c.UpdatedAt,
		string(c.ID), c.Version,
	)
	if err := ts.checkVersioned(ctx, tag, err, "consumables", "consumable", string(c.ID)); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (ts *txStore) ListConsumableIDs(ctx context.Context) ([]generic.ConsumableID, error) {
	rows, err := ts.tx.Query(ctx, `SELECT id FROM consumables ORDER BY id`)
	if err != nil {
		return nil, classify("list consumables", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[generic.ConsumableID])
	return ids, classify("list consumables", err)
}

func (ts *txStore) AppendConsumableTransaction(ctx context.Context, t generic.ConsumableTransaction) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO consumable_transactions
		(id, no, consumable_id, type, quantity, unit_price, total_amount, reason, related_order,
		 operator, transaction_date, remark, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8, $9,
		        $10, $11, $12, $13::text::numeric, $14)`,
		string(t.ID), t.No, string(t.ConsumableID), string(t.Type), t.Quantity.String(),
		t.UnitPrice.String(), t.TotalAmount.String(), nullString(t.Reason),
		nullString(t.RelatedOrder), nullString(t.Operator), t.TransactionDate,
		nullString(t.Remark), t.BalanceAfter.String(), t.CreatedAt,
	)
	return classify("append consumable transaction", err)
}

func (ts *txStore) ListConsumableTransactions(ctx context.Context, id generic.ConsumableID) ([]generic.ConsumableTransaction, error) {
	rows, err := ts.tx.Query(ctx, `
		SELECT id, no, consumable_id, type, quantity::text, unit_price::text, total_amount::text,
		       reason, related_order, operator, transaction_date, remark, balance_after::text,
		       created_at
		FROM consumable_transactions
		WHERE consumable_id = $1
		ORDER BY seq ASC`, string(id))
	if err != nil {
		return nil, classify("list consumable transactions", err)
	}
	defer rows.Close()

	var txs []generic.ConsumableTransaction
	for rows.Next() {
		var (
			t                                 generic.ConsumableTransaction
			reason, related, operator, remark *string
			qty, price, total, balance        string
		)
		if err := rows.Scan(&t.ID, &t.No, &t.ConsumableID, &t.Type, &qty, &price, &total,
			&reason, &related, &operator, &t.TransactionDate, &remark, &balance,
			&t.CreatedAt); err != nil {
			return nil, classify("scan consumable transaction", err)
		}
		var d decoder
		t.Quantity = d.parseDecimal("quantity", qty)
		t.UnitPrice = d.parseDecimal("unit_price", price)
		t.TotalAmount = d.parseDecimal("total_amount", total)
		t.BalanceAfter = d.parseDecimal("balance_after", balance)
		if d.err != nil {
			return nil, classify("scan consumable transaction", d.err)
		}
		t.Reason = deref(reason)
		t.RelatedOrder = deref(related)
		t.Operator = deref(operator)
		t.Remark = deref(remark)
		txs = append(txs, t)
	}
	return txs, classify("list consumable transactions", rows.Err())
}

// =============================================================================
// RECEIVABLES & PAYMENTS
// =============================================================================

const receivableSelect = `
	SELECT id, no, client_name, amount::text, received_amount::text, status, due_date,
	       created_at, updated_at, version
	FROM receivables WHERE id = $1`

func (ts *txStore) LockReceivable(ctx context.Context, id generic.ReceivableID) (*generic.Receivable, error) {
	return ts.loadReceivable(ctx, receivableSelect+" FOR UPDATE", id)
}

func (ts *txStore) GetReceivable(ctx context.Context, id generic.ReceivableID) (*generic.Receivable, error) {
	return ts.loadReceivable(ctx, receivableSelect, id)
}

func (ts *txStore) loadReceivable(ctx context.Context, query string, id generic.ReceivableID) (*generic.Receivable, error) {
	var (
		r                generic.Receivable
		amount, received string
	)
	err := ts.tx.QueryRow(ctx, query, string(id)).Scan(&r.ID, &r.No, &r.ClientName, &amount,
		&received, &r.Status, &r.DueDate, &r.CreatedAt, &r.UpdatedAt, &r.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "receivable", ID: string(id)}
	}
	if err != nil {
		return nil, classify("load receivable", err)
	}
	var d decoder
	r.Amount = d.parseDecimal("amount", amount)
	r.ReceivedAmount = d.parseDecimal("received_amount", received)
	if d.err != nil {
		return nil, classify("load receivable", d.err)
	}
	return &r, nil
}

func (ts *txStore) InsertReceivable(ctx context.Context, r *generic.Receivable) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO receivables
		(id, no, client_name, amount, received_amount, status, due_date, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6, $7, $8, $9, 1)`,
		string(r.ID), r.No, r.ClientName, r.Amount.String(), r.ReceivedAmount.String(),
		string(r.Status), r.DueDate, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return classify("insert receivable", err)
	}
	r.Version = 1
	return nil
}

func (ts *txStore) UpdateReceivable(ctx context.Context, r *generic.Receivable) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE receivables SET
			client_name = $1, received_amount = $2::text::numeric, status = $3, due_date = $4,
			updated_at = $5, version = version + 1
		WHERE id = $6 AND version = $7`,
		r.ClientName, r.ReceivedAmount.String(), string(r.Status), r.DueDate, r.UpdatedAt,
		string(r.ID), r.Version,
	)
	if err := ts.checkVersioned(ctx, tag, err, "receivables", "receivable", string(r.ID)); err != nil {
		return err
	}
	r.Version++
	return nil
}

func (ts *txStore) ListReceivableIDs(ctx context.Context) ([]generic.ReceivableID, error) {
	rows, err := ts.tx.Query(ctx, `SELECT id FROM receivables ORDER BY id`)
	if err != nil {
		return nil, classify("list receivables", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[generic.ReceivableID])
	return ids, classify("list receivables", err)
}

const paymentSelect = `
	SELECT id, no, receivable_id, amount::text, payment_date, method, handler_name, bank_name,
	       transaction_no, remark, created_at
	FROM payments`

func (ts *txStore) InsertPayment(ctx context.Context, p generic.Payment) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO payments
		(id, no, receivable_id, amount, payment_date, method, handler_name, bank_name,
		 transaction_no, remark, created_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8, $9, $10, $11)`,
		string(p.ID), p.No, string(p.ReceivableID), p.Amount.String(), p.PaymentDate,
		nullString(p.Method), nullString(p.HandlerName), nullString(p.BankName),
		nullString(p.TransactionNo), nullString(p.Remark), p.CreatedAt,
	)
	return classify("insert payment", err)
}

func (ts *txStore) GetPayment(ctx context.Context, id generic.PaymentID) (*generic.Payment, error) {
	payments, err := ts.queryPayments(ctx, paymentSelect+` WHERE id = $1`, string(id))
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, &generic.NotFoundError{Kind: "payment", ID: string(id)}
	}
	return &payments[0], nil
}

func (ts *txStore) DeletePayment(ctx context.Context, id generic.PaymentID) error {
	tag, err := ts.tx.Exec(ctx, `DELETE FROM payments WHERE id = $1`, string(id))
	if err != nil {
		return classify("delete payment", err)
	}
	if tag.RowsAffected() == 0 {
		return &generic.NotFoundError{Kind: "payment", ID: string(id)}
	}
	return nil
}

func (ts *txStore) ListPayments(ctx context.Context, id generic.ReceivableID) ([]generic.Payment, error) {
	return ts.queryPayments(ctx, paymentSelect+`
		WHERE receivable_id = $1
		ORDER BY payment_date DESC, created_at DESC`, string(id))
}

func (ts *txStore) queryPayments(ctx context.Context, query string, args ...any) ([]generic.Payment, error) {
	rows, err := ts.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query payments", err)
	}
	defer rows.Close()

	var payments []generic.Payment
	for rows.Next() {
		var (
			p                                   generic.Payment
			amount                              string
			method, handler, bank, txNo, remark *string
		)
		if err := rows.Scan(&p.ID, &p.No, &p.ReceivableID, &amount, &p.PaymentDate, &method,
			&handler, &bank, &txNo, &remark, &p.CreatedAt); err != nil {
			return nil, classify("scan payment", err)
		}
		var d decoder
		p.Amount = d.parseDecimal("amount", amount)
		if d.err != nil {
			return nil, classify("scan payment", d.err)
		}
		p.Method = deref(method)
		p.HandlerName = deref(handler)
		p.BankName = deref(bank)
		p.TransactionNo = deref(txNo)
		p.Remark = deref(remark)
		payments = append(payments, p)
	}
	return payments, classify("query payments", rows.Err())
}

// =============================================================================
// AUDIT & SEQUENCES
// =============================================================================

func (ts *txStore) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return classify("encode audit payload", err)
	}
	_, err = ts.tx.Exec(ctx, `
		INSERT INTO audit_log (id, ts, actor_id, action, aggregate_type, aggregate_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::jsonb)`,
		string(e.ID), e.Timestamp, nullString(e.ActorID), string(e.Action),
		string(e.AggregateType), e.AggregateID, string(payload),
	)
	return classify("append audit", err)
}

func (ts *txStore) ListAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.AggregateType != "" {
		where = append(where, "aggregate_type = "+arg(string(f.AggregateType)))
	}
	if f.AggregateID != "" {
		where = append(where, "aggregate_id = "+arg(f.AggregateID))
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = "+arg(f.ActorID))
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		where = append(where, "action = ANY("+arg(actions)+")")
	}

	query := `SELECT id, ts, actor_id, action, aggregate_type, aggregate_id, payload::text FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := ts.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list audit", err)
	}
	defer rows.Close()

	var entries []generic.AuditEntry
	for rows.Next() {
		var (
			e              generic.AuditEntry
			actor, payload *string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &actor, &e.Action, &e.AggregateType,
			&e.AggregateID, &payload); err != nil {
			return nil, classify("scan audit", err)
		}
		e.ActorID = deref(actor)
		if payload != nil {
			if err := json.Unmarshal([]byte(*payload), &e.Payload); err != nil {
				return nil, classify("decode audit payload", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, classify("list audit", rows.Err())
}

func (ts *txStore) NextSequence(ctx context.Context, prefix, day string) (int64, error) {
	var n int64
	err := ts.seq.QueryRow(ctx, `
		INSERT INTO doc_sequences (prefix, day, value) VALUES ($1, $2, 1)
		ON CONFLICT (prefix, day) DO UPDATE SET value = doc_sequences.value + 1
		RETURNING value`, prefix, day).Scan(&n)
	if err != nil {
		return 0, classify("next sequence", err)
	}
	return n, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (ts *txStore) checkVersioned(ctx context.Context, tag pgconn.CommandTag, err error, table, kind, id string) error {
	if err != nil {
		return classify("update "+kind, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err = ts.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return classify("update "+kind, err)
	}
	if !exists {
		return &generic.NotFoundError{Kind: kind, ID: id}
	}
	return generic.ErrConcurrentModification
}

// classify maps pgx errors onto the engine taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%s: %w: %s", op, generic.ErrConcurrentModification, pgErr.Message)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return &generic.StorageError{Op: op, Err: err}
	}
	return generic.WrapStorage(op, err)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// decoder maps numeric::text columns back to decimals and keeps the first failure.
type decoder struct {
	err error
}

func (d *decoder) parseDecimal(column, s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("column %s: %w", column, err)
	}
	return v
}
