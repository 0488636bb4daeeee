/*
Package sqlite provides a SQLite-backed implementation of generic.Store.

PURPOSE:
  Persists quotations, consumables, receivables and their histories in one
  SQLite database. The same schema shape is used by store/postgres; only the
  dialect and the locking strategy differ.

KEY TABLES:
  quotations / quotation_items:   Quotation header and its typed line items
  approval_records:               Append-only approval history
  consumables:                    Materialized stock balance and status
  consumable_transactions:        Append-only stock ledger
  receivables / payments:         Materialized received amount and payments
  audit_log:                      Append-only audit trail
  doc_sequences:                  Daily document-number counters

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE is ever issued against approval_records,
  consumable_transactions or audit_log. payments has exactly one DELETE,
  used by the reconciler together with its compensating receivable update.

CONCURRENCY:
  The pool is capped at one connection and every transaction begins
  IMMEDIATE, so SQLite admits one writer at a time and a Tx that locks an
  aggregate holds it until commit or rollback. Every aggregate row carries a
  version column; an UPDATE that finds a different version fails with
  ErrConcurrentModification.

  Every read inside WithTx goes through the *sql.Tx. Reading through the
  pool while a Tx holds the only connection would block forever.

AMOUNTS AND TIMES:
  Decimals are stored as TEXT (decimal.String) so no precision is lost.
  Times are stored as RFC3339Nano TEXT in UTC.

USAGE:
  store, err := sqlite.New("./data/labops.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := inventory.NewLedger(store, logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/labops-engine/generic"
)

// Store implements generic.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" gives each connection its own database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS quotations (
		id TEXT PRIMARY KEY,
		no TEXT NOT NULL UNIQUE,
		client_id TEXT NOT NULL,
		client_contact TEXT,
		sample_name TEXT,
		subtotal TEXT NOT NULL,
		tax_total TEXT NOT NULL,
		discount_total TEXT NOT NULL,
		client_response TEXT,
		status TEXT NOT NULL CHECK (status IN
			('draft','pending_sales','pending_finance','pending_lab','approved','rejected')),
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS quotation_items (
		quotation_id TEXT NOT NULL REFERENCES quotations(id) ON DELETE CASCADE,
		line INTEGER NOT NULL,
		service_item TEXT,
		method_standard TEXT,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		total_price TEXT NOT NULL,
		PRIMARY KEY (quotation_id, line)
	);

	-- Approval history (append-only)
	CREATE TABLE IF NOT EXISTS approval_records (
		id TEXT PRIMARY KEY,
		quotation_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		role TEXT NOT NULL,
		approver TEXT NOT NULL,
		action TEXT NOT NULL CHECK (action IN ('submit','approve','reject')),
		comment TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approval_records_quotation
		ON approval_records(quotation_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS consumables (
		id TEXT PRIMARY KEY,
		code TEXT,
		name TEXT NOT NULL,
		unit TEXT,
		initial_quantity TEXT NOT NULL,
		stock_quantity TEXT NOT NULL,
		min_stock TEXT,
		status TEXT NOT NULL CHECK (status IN ('out_of_stock','low_stock','normal')),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	-- Stock ledger (append-only)
	CREATE TABLE IF NOT EXISTS consumable_transactions (
		id TEXT PRIMARY KEY,
		no TEXT NOT NULL UNIQUE,
		consumable_id TEXT NOT NULL REFERENCES consumables(id),
		type TEXT NOT NULL CHECK (type IN ('in','out')),
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		reason TEXT,
		related_order TEXT,
		operator TEXT,
		transaction_date TEXT NOT NULL,
		remark TEXT,
		balance_after TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_consumable_transactions_consumable
		ON consumable_transactions(consumable_id);

	CREATE TABLE IF NOT EXISTS receivables (
		id TEXT PRIMARY KEY,
		no TEXT NOT NULL UNIQUE,
		client_name TEXT NOT NULL,
		amount TEXT NOT NULL,
		received_amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','partial','completed')),
		due_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		no TEXT NOT NULL UNIQUE,
		receivable_id TEXT NOT NULL REFERENCES receivables(id),
		amount TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		method TEXT,
		handler_name TEXT,
		bank_name TEXT,
		transaction_no TEXT,
		remark TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_receivable
		ON payments(receivable_id, payment_date DESC);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_aggregate
		ON audit_log(aggregate_type, aggregate_id);

	CREATE TABLE IF NOT EXISTS doc_sequences (
		prefix TEXT NOT NULL,
		day TEXT NOT NULL,
		value INTEGER NOT NULL,
		PRIMARY KEY (prefix, day)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (generic.Store interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(generic.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

// =============================================================================
// QUOTATIONS
// =============================================================================

const quotationColumns = `id, no, client_id, client_contact, sample_name, subtotal, tax_total,
	discount_total, client_response, status, created_by, created_at, updated_at, version`

// LockQuotation relies on the IMMEDIATE transaction already holding the
// database write lock.
func (ts *txStore) LockQuotation(ctx context.Context, id generic.QuotationID) (*generic.Quotation, error) {
	return ts.GetQuotation(ctx, id)
}

func (ts *txStore) GetQuotation(ctx context.Context, id generic.QuotationID) (*generic.Quotation, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE id = ?`, id)

	var (
		q                           generic.Quotation
		contact, sample, response   sql.NullString
		createdBy                   sql.NullString
		subtotal, taxTotal, discTot string
		createdAt, updatedAt        string
	)
	err := row.Scan(&q.ID, &q.No, &q.ClientID, &contact, &sample, &subtotal, &taxTotal,
		&discTot, &response, &q.Status, &createdBy, &createdAt, &updatedAt, &q.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "quotation", ID: string(id)}
	}
	if err != nil {
		return nil, classify("load quotation", err)
	}
	q.ClientContact = contact.String
	q.SampleName = sample.String
	q.ClientResponse = response.String
	q.CreatedBy = createdBy.String
	var d decoder
	q.Subtotal = d.parseDecimal("subtotal", subtotal)
	q.TaxTotal = d.parseDecimal("tax_total", taxTotal)
	q.DiscountTotal = d.parseDecimal("discount_total", discTot)
	q.CreatedAt = d.parseTime("created_at", createdAt)
	q.UpdatedAt = d.parseTime("updated_at", updatedAt)
	if d.err != nil {
		return nil, classify("load quotation", d.err)
	}

	items, err := ts.loadItems(ctx, id)
	if err != nil {
		return nil, err
	}
	q.Items = items
	return &q, nil
}

func (ts *txStore) loadItems(ctx context.Context, id generic.QuotationID) ([]generic.QuotationItem, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT service_item, method_standard, quantity, unit_price, total_price
		FROM quotation_items WHERE quotation_id = ? ORDER BY line ASC`, id)
	if err != nil {
		return nil, classify("load quotation items", err)
	}
	defer rows.Close()

	var items []generic.QuotationItem
	for rows.Next() {
		var (
			it                generic.QuotationItem
			service, method   sql.NullString
			qty, price, total string
		)
		if err := rows.Scan(&service, &method, &qty, &price, &total); err != nil {
			return nil, classify("scan quotation item", err)
		}
		it.ServiceItem = service.String
		it.MethodStandard = method.String
		var d decoder
		it.Quantity = d.parseDecimal("quantity", qty)
		it.UnitPrice = d.parseDecimal("unit_price", price)
		it.TotalPrice = d.parseDecimal("total_price", total)
		if d.err != nil {
			return nil, classify("scan quotation item", d.err)
		}
		items = append(items, it)
	}
	return items, classify("load quotation items", rows.Err())
}

func (ts *txStore) InsertQuotation(ctx context.Context, q *generic.Quotation) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO quotations (`+quotationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		q.ID, q.No, q.ClientID, nullString(q.ClientContact), nullString(q.SampleName),
		q.Subtotal.String(), q.TaxTotal.String(), q.DiscountTotal.String(),
		nullString(q.ClientResponse), q.Status, nullString(q.CreatedBy),
		formatTime(q.CreatedAt), formatTime(q.UpdatedAt),
	)
	if err != nil {
		return classify("insert quotation", err)
	}
	q.Version = 1
	return ts.writeItems(ctx, q)
}

func (ts *txStore) writeItems(ctx context.Context, q *generic.Quotation) error {
	if _, err := ts.tx.ExecContext(ctx, `DELETE FROM quotation_items WHERE quotation_id = ?`, q.ID); err != nil {
		return classify("replace quotation items", err)
	}
	for i, it := range q.Items {
		_, err := ts.tx.ExecContext(ctx, `
			INSERT INTO quotation_items
			(quotation_id, line, service_item, method_standard, quantity, unit_price, total_price)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			q.ID, i+1, nullString(it.ServiceItem), nullString(it.MethodStandard),
			it.Quantity.String(), it.UnitPrice.String(), it.TotalPrice.String(),
		)
		if err != nil {
			return classify("insert quotation item", err)
		}
	}
	return nil
}

func (ts *txStore) UpdateQuotation(ctx context.Context, q *generic.Quotation) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE quotations SET
			client_id = ?, client_contact = ?, sample_name = ?, subtotal = ?, tax_total = ?,
			discount_total = ?, client_response = ?, status = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		q.ClientID, nullString(q.ClientContact), nullString(q.SampleName),
		q.Subtotal.String(), q.TaxTotal.String(), q.DiscountTotal.String(),
		nullString(q.ClientResponse), q.Status, formatTime(q.UpdatedAt),
		q.ID, q.Version,
	)
	if err := ts.checkVersioned(ctx, res, err, "quotations", "quotation", string(q.ID)); err != nil {
		return err
	}
	q.Version++
	return ts.writeItems(ctx, q)
}

func (ts *txStore) DeleteQuotation(ctx context.Context, id generic.QuotationID) error {
	res, err := ts.tx.ExecContext(ctx, `DELETE FROM quotations WHERE id = ?`, id)
	if err != nil {
		return classify("delete quotation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Kind: "quotation", ID: string(id)}
	}
	return nil
}

func (ts *txStore) AppendApproval(ctx context.Context, r generic.ApprovalRecord) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO approval_records
		(id, quotation_id, level, role, approver, action, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.QuotationID, r.Level, r.Role, r.Approver, r.Action,
		nullString(r.Comment), formatTime(r.Timestamp),
	)
	return classify("append approval", err)
}

func (ts *txStore) ListApprovals(ctx context.Context, id generic.QuotationID) ([]generic.ApprovalRecord, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT id, quotation_id, level, role, approver, action, comment, created_at
		FROM approval_records
		WHERE quotation_id = ?
		ORDER BY created_at DESC, rowid DESC`, id)
	if err != nil {
		return nil, classify("list approvals", err)
	}
	defer rows.Close()

	var records []generic.ApprovalRecord
	for rows.Next() {
		var (
			r       generic.ApprovalRecord
			comment sql.NullString
			stamp   string
		)
		if err := rows.Scan(&r.ID, &r.QuotationID, &r.Level, &r.Role, &r.Approver,
			&r.Action, &comment, &stamp); err != nil {
			return nil, classify("scan approval", err)
		}
		r.Comment = comment.String
		var d decoder
		if r.Timestamp = d.parseTime("created_at", stamp); d.err != nil {
			return nil, classify("scan approval", d.err)
		}
		records = append(records, r)
	}
	return records, classify("list approvals", rows.Err())
}

// =============================================================================
// CONSUMABLES
// =============================================================================

const consumableColumns = `id, code, name, unit, initial_quantity, stock_quantity, min_stock,
	status, created_at, updated_at, version`

func (ts *txStore) LockConsumable(ctx context.Context, id generic.ConsumableID) (*generic.Consumable, error) {
	return ts.GetConsumable(ctx, id)
}

func (ts *txStore) GetConsumable(ctx context.Context, id generic.ConsumableID) (*generic.Consumable, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+consumableColumns+` FROM consumables WHERE id = ?`, id)

	var (
		c                    generic.Consumable
		code, unit, minStock sql.NullString
		initial, stock       string
		createdAt, updatedAt string
	)
	err := row.Scan(&c.ID, &code, &c.Name, &unit, &initial, &stock, &minStock,
		&c.Status, &createdAt, &updatedAt, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "consumable", ID: string(id)}
	}
	if err != nil {
		return nil, classify("load consumable", err)
	}
	c.Code = code.String
	c.Unit = unit.String
	var d decoder
	c.InitialQuantity = d.parseDecimal("initial_quantity", initial)
	c.StockQuantity = d.parseDecimal("stock_quantity", stock)
	if minStock.Valid {
		c.MinStock = generic.DecPtr(d.parseDecimal("min_stock", minStock.String))
	}
	c.CreatedAt = d.parseTime("created_at", createdAt)
	c.UpdatedAt = d.parseTime("updated_at", updatedAt)
	if d.err != nil {
		return nil, classify("load consumable", d.err)
	}
	return &c, nil
}

func (ts *txStore) InsertConsumable(ctx context.Context, c *generic.Consumable) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO consumables (`+consumableColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		c.ID, nullString(c.Code), c.Name, nullString(c.Unit),
		c.InitialQuantity.String(), c.StockQuantity.String(), nullDecimal(c.MinStock),
		c.Status, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return classify("insert consumable", err)
	}
	c.Version = 1
	return nil
}

func (ts *txStore) UpdateConsumable(ctx context.Context, c *generic.Consumable) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE consumables SET
			code = ?, name = ?, unit = ?, stock_quantity = ?, min_stock = ?, status = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		nullString(c.Code), c.Name, nullString(c.Unit), c.StockQuantity.String(),
		nullDecimal(c.MinStock), c.Status, formatTime(c.UpdatedAt),
		c.ID, c.Version,
	)
	if err := ts.checkVersioned(ctx, res, err, "consumables", "consumable", string(c.ID)); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (ts *txStore) ListConsumableIDs(ctx context.Context) ([]generic.ConsumableID, error) {
	rows, err := ts.tx.QueryContext(ctx, `SELECT id FROM consumables ORDER BY id`)
	if err != nil {
		return nil, classify("list consumables", err)
	}
	defer rows.Close()

	var ids []generic.ConsumableID
	for rows.Next() {
		var id generic.ConsumableID
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan consumable id", err)
		}
		ids = append(ids, id)
	}
	return ids, classify("list consumables", rows.Err())
}

func (ts *txStore) AppendConsumableTransaction(ctx context.Context, t generic.ConsumableTransaction) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO consumable_transactions
		(id, no, consumable_id, type, quantity, unit_price, total_amount, reason, related_order,
		 operator, transaction_date, remark, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.No, t.ConsumableID, t.Type, t.Quantity.String(), t.UnitPrice.String(),
		t.TotalAmount.String(), nullString(t.Reason), nullString(t.RelatedOrder),
		nullString(t.Operator), formatTime(t.TransactionDate), nullString(t.Remark),
		t.BalanceAfter.String(), formatTime(t.CreatedAt),
	)
	return classify("append consumable transaction", err)
}

func (ts *txStore) ListConsumableTransactions(ctx context.Context, id generic.ConsumableID) ([]generic.ConsumableTransaction, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT id, no, consumable_id, type, quantity, unit_price, total_amount, reason,
		       related_order, operator, transaction_date, remark, balance_after, created_at
		FROM consumable_transactions
		WHERE consumable_id = ?
		ORDER BY rowid ASC`, id)
	if err != nil {
		return nil, classify("list consumable transactions", err)
	}
	defer rows.Close()

	var txs []generic.ConsumableTransaction
	for rows.Next() {
		var (
			t                                 generic.ConsumableTransaction
			reason, related, operator, remark sql.NullString
			qty, price, total, balance        string
			date, createdAt                   string
		)
		if err := rows.Scan(&t.ID, &t.No, &t.ConsumableID, &t.Type, &qty, &price, &total,
			&reason, &related, &operator, &date, &remark, &balance, &createdAt); err != nil {
			return nil, classify("scan consumable transaction", err)
		}
		var d decoder
		t.Quantity = d.parseDecimal("quantity", qty)
		t.UnitPrice = d.parseDecimal("unit_price", price)
		t.TotalAmount = d.parseDecimal("total_amount", total)
		t.BalanceAfter = d.parseDecimal("balance_after", balance)
		t.Reason = reason.String
		t.RelatedOrder = related.String
		t.Operator = operator.String
		t.Remark = remark.String
		t.TransactionDate = d.parseTime("transaction_date", date)
		t.CreatedAt = d.parseTime("created_at", createdAt)
		if d.err != nil {
			return nil, classify("scan consumable transaction", d.err)
		}
		txs = append(txs, t)
	}
	return txs, classify("list consumable transactions", rows.Err())
}

// =============================================================================
// RECEIVABLES & PAYMENTS
// =============================================================================

const receivableColumns = `id, no, client_name, amount, received_amount, status, due_date,
	created_at, updated_at, version`

func (ts *txStore) LockReceivable(ctx context.Context, id generic.ReceivableID) (*generic.Receivable, error) {
	return ts.GetReceivable(ctx, id)
}

func (ts *txStore) GetReceivable(ctx context.Context, id generic.ReceivableID) (*generic.Receivable, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+receivableColumns+` FROM receivables WHERE id = ?`, id)

	var (
		r                    generic.Receivable
		amount, received     string
		dueDate              sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.No, &r.ClientName, &amount, &received, &r.Status, &dueDate,
		&createdAt, &updatedAt, &r.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &generic.NotFoundError{Kind: "receivable", ID: string(id)}
	}
	if err != nil {
		return nil, classify("load receivable", err)
	}
	var d decoder
	r.Amount = d.parseDecimal("amount", amount)
	r.ReceivedAmount = d.parseDecimal("received_amount", received)
	if dueDate.Valid {
		t := d.parseTime("due_date", dueDate.String)
		r.DueDate = &t
	}
	r.CreatedAt = d.parseTime("created_at", createdAt)
	r.UpdatedAt = d.parseTime("updated_at", updatedAt)
	if d.err != nil {
		return nil, classify("load receivable", d.err)
	}
	return &r, nil
}

func (ts *txStore) InsertReceivable(ctx context.Context, r *generic.Receivable) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO receivables (`+receivableColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		r.ID, r.No, r.ClientName, r.Amount.String(), r.ReceivedAmount.String(), r.Status,
		nullTime(r.DueDate), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return classify("insert receivable", err)
	}
	r.Version = 1
	return nil
}

func (ts *txStore) UpdateReceivable(ctx context.Context, r *generic.Receivable) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE receivables SET
			client_name = ?, received_amount = ?, status = ?, due_date = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		r.ClientName, r.ReceivedAmount.String(), r.Status, nullTime(r.DueDate),
		formatTime(r.UpdatedAt), r.ID, r.Version,
	)
	if err := ts.checkVersioned(ctx, res, err, "receivables", "receivable", string(r.ID)); err != nil {
		return err
	}
	r.Version++
	return nil
}

func (ts *txStore) ListReceivableIDs(ctx context.Context) ([]generic.ReceivableID, error) {
	rows, err := ts.tx.QueryContext(ctx, `SELECT id FROM receivables ORDER BY id`)
	if err != nil {
		return nil, classify("list receivables", err)
	}
	defer rows.Close()

	var ids []generic.ReceivableID
	for rows.Next() {
		var id generic.ReceivableID
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan receivable id", err)
		}
		ids = append(ids, id)
	}
	return ids, classify("list receivables", rows.Err())
}

const paymentColumns = `id, no, receivable_id, amount, payment_date, method, handler_name,
	bank_name, transaction_no, remark, created_at`

func (ts *txStore) InsertPayment(ctx context.Context, p generic.Payment) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.No, p.ReceivableID, p.Amount.String(), formatTime(p.PaymentDate),
		nullString(p.Method), nullString(p.HandlerName), nullString(p.BankName),
		nullString(p.TransactionNo), nullString(p.Remark), formatTime(p.CreatedAt),
	)
	return classify("insert payment", err)
}

func (ts *txStore) GetPayment(ctx context.Context, id generic.PaymentID) (*generic.Payment, error) {
	payments, err := ts.queryPayments(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, &generic.NotFoundError{Kind: "payment", ID: string(id)}
	}
	return &payments[0], nil
}

func (ts *txStore) DeletePayment(ctx context.Context, id generic.PaymentID) error {
	res, err := ts.tx.ExecContext(ctx, `DELETE FROM payments WHERE id = ?`, id)
	if err != nil {
		return classify("delete payment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &generic.NotFoundError{Kind: "payment", ID: string(id)}
	}
	return nil
}

func (ts *txStore) ListPayments(ctx context.Context, id generic.ReceivableID) ([]generic.Payment, error) {
	return ts.queryPayments(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE receivable_id = ?
		ORDER BY payment_date DESC, created_at DESC`, id)
}

func (ts *txStore) queryPayments(ctx context.Context, query string, args ...any) ([]generic.Payment, error) {
	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query payments", err)
	}
	defer rows.Close()

	var payments []generic.Payment
	for rows.Next() {
		var (
			p                                   generic.Payment
			amount, date, createdAt             string
			method, handler, bank, txNo, remark sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.No, &p.ReceivableID, &amount, &date, &method, &handler,
			&bank, &txNo, &remark, &createdAt); err != nil {
			return nil, classify("scan payment", err)
		}
		var d decoder
		p.Amount = d.parseDecimal("amount", amount)
		p.PaymentDate = d.parseTime("payment_date", date)
		p.Method = method.String
		p.HandlerName = handler.String
		p.BankName = bank.String
		p.TransactionNo = txNo.String
		p.Remark = remark.String
		p.CreatedAt = d.parseTime("created_at", createdAt)
		if d.err != nil {
			return nil, classify("scan payment", d.err)
		}
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
	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, actor_id, action, aggregate_type, aggregate_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.Timestamp), nullString(e.ActorID), e.Action,
		e.AggregateType, e.AggregateID, string(payload),
	)
	return classify("append audit", err)
}

func (ts *txStore) ListAudit(ctx context.Context, f generic.AuditFilter) ([]generic.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.AggregateType != "" {
		where = append(where, "aggregate_type = ?")
		args = append(args, f.AggregateType)
	}
	if f.AggregateID != "" {
		where = append(where, "aggregate_id = ?")
		args = append(args, f.AggregateID)
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(marks, ",")+")")
	}

	query := `SELECT id, ts, actor_id, action, aggregate_type, aggregate_id, payload_json FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := ts.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list audit", err)
	}
	defer rows.Close()

	var entries []generic.AuditEntry
	for rows.Next() {
		var (
			e              generic.AuditEntry
			stamp          string
			actor, payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &stamp, &actor, &e.Action, &e.AggregateType,
			&e.AggregateID, &payload); err != nil {
			return nil, classify("scan audit", err)
		}
		var d decoder
		if e.Timestamp = d.parseTime("ts", stamp); d.err != nil {
			return nil, classify("scan audit", d.err)
		}
		e.ActorID = actor.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, classify("decode audit payload", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, classify("list audit", rows.Err())
}

// NextSequence increments inside the unit. SQLite admits one writer at a time,
// so holding the counter row until commit blocks nothing that was not already
// waiting for the write lock.
func (ts *txStore) NextSequence(ctx context.Context, prefix, day string) (int64, error) {
	var n int64
	err := ts.tx.QueryRowContext(ctx, `
		INSERT INTO doc_sequences (prefix, day, value) VALUES (?, ?, 1)
		ON CONFLICT (prefix, day) DO UPDATE SET value = value + 1
		RETURNING value`, prefix, day).Scan(&n)
	if err != nil {
		return 0, classify("next sequence", err)
	}
	return n, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"audit_log", "payments", "receivables", "consumable_transactions", "consumables",
		"approval_records", "quotation_items", "quotations", "doc_sequences",
	}
	return s.WithTx(ctx, func(tx generic.Tx) error {
		sqlTx := tx.(*txStore).tx
		for _, table := range tables {
			if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return classify("reset "+table, err)
			}
		}
		return nil
	})
}

// checkVersioned turns a versioned UPDATE that touched no row into
// NotFoundError or ErrConcurrentModification.
func (ts *txStore) checkVersioned(ctx context.Context, res sql.Result, err error, table, kind, id string) error {
	if err != nil {
		return classify("update "+kind, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err = ts.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return classify("update "+kind, err)
	}
	if exists == 0 {
		return &generic.NotFoundError{Kind: kind, ID: id}
	}
	return generic.ErrConcurrentModification
}

// classify maps driver errors onto the engine taxonomy. A busy or locked
// database means another writer won the race.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%s: %w: %v", op, generic.ErrConcurrentModification, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &generic.StorageError{Op: op, Err: err}
	}
	return generic.WrapStorage(op, err)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// timeLayout keeps every stored timestamp the same width, so ORDER BY on
// the text column orders by time.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// decoder maps TEXT columns back to values and keeps the first failure.
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

func (d *decoder) parseTime(column, s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("column %s: %w", column, err)
	}
	return t
}
