/*
Package inventory implements the consumable stock ledger.

PURPOSE:
  Posts stock-in and stock-out movements against a consumable and keeps its
  materialized balance and derived status in step with the ledger.

CRITICAL INVARIANTS:
  1. stock >= 0 at every commit
  2. stock = initial + sum(in) - sum(out)
  3. status = DeriveStockStatus(stock, minStock), never set by hand
  4. An out posting larger than the balance fails with
     InsufficientResourceError and writes nothing

POSTING:
  One atomic unit: lock the consumable, check the guard, append the
  transaction (with the balance after it), write the new balance and status,
  append the audit entry. Two concurrent postings against one consumable are
  serialized by the lock, so the second sees the first's balance.

NUMBERING:
  Stock-in transactions are numbered RK..., stock-out CK...

SEE ALSO:
  - generic/balance.go: DeriveStockStatus
  - generic/ledger.go: ReconcileStock used by Verify
*/
package inventory

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
// LEDGER
// =============================================================================

type Ledger struct {
	Store   generic.Store
	Clock   generic.Clock
	Log     zerolog.Logger
	Metrics *metrics.Recorder
}

func NewLedger(store generic.Store, log zerolog.Logger) *Ledger {
	return &Ledger{
		Store: store,
		Clock: generic.SystemClock{},
		Log:   log.With().Str("engine", "inventory").Logger(),
	}
}

// RegisterInput is a new consumable with its opening balance.
type RegisterInput struct {
	Code            string
	Name            string
	Unit            string
	InitialQuantity decimal.Decimal
	MinStock        *decimal.Decimal
	Operator        string
}

// PostInput is one stock movement. Zero UnitPrice is allowed; a zero
// TransactionDate means now.
type PostInput struct {
	ConsumableID    generic.ConsumableID
	Type            generic.Direction
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	Reason          string
	RelatedOrder    string
	Operator        string
	TransactionDate time.Time
	Remark          string
}

// PostResult is the appended transaction and the consumable after it.
type PostResult struct {
	Transaction generic.ConsumableTransaction
	Consumable  generic.Consumable
}

// Stats sums a consumable's ledger per direction.
type Stats struct {
	InQuantity   decimal.Decimal
	OutQuantity  decimal.Decimal
	InAmount     decimal.Decimal
	OutAmount    decimal.Decimal
	Transactions int
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Register creates a consumable. Its status is derived from the opening balance.
func (l *Ledger) Register(ctx context.Context, in RegisterInput) (c *generic.Consumable, err error) {
	defer l.Metrics.Observe("inventory", "register", time.Now(), &err)

	if strings.TrimSpace(in.Name) == "" {
		return nil, generic.Invalid("name", "required")
	}
	if in.InitialQuantity.IsNegative() {
		return nil, generic.Invalid("stockQuantity", "must not be negative")
	}
	if in.MinStock != nil && in.MinStock.IsNegative() {
		return nil, generic.Invalid("minStock", "must not be negative")
	}

	err = l.Store.WithTx(ctx, func(tx generic.Tx) error {
		now := l.Clock.Now()
		c = &generic.Consumable{
			ID:              generic.ConsumableID(generic.NewID()),
			Code:            in.Code,
			Name:            in.Name,
			Unit:            in.Unit,
			InitialQuantity: in.InitialQuantity,
			StockQuantity:   in.InitialQuantity,
			MinStock:        in.MinStock,
			Status:          generic.DeriveStockStatus(in.InitialQuantity, in.MinStock),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertConsumable(ctx, c); err != nil {
			return err
		}
		return generic.RecordAudit(ctx, tx, now, in.Operator, generic.AuditConsumableRegistered,
			generic.AggregateConsumable, string(c.ID), map[string]any{
				"name":  c.Name,
				"stock": c.StockQuantity.String(),
			})
	})
	if err != nil {
		return nil, err
	}

	l.Log.Info().Str("consumable_id", string(c.ID)).Str("stock", c.StockQuantity.String()).
		Str("status", string(c.Status)).Msg("Consumable registered")
	return c, nil
}

// =============================================================================
// POSTING
// =============================================================================

// Post appends one stock movement and updates the balance in the same unit.
func (l *Ledger) Post(ctx context.Context, in PostInput) (res *PostResult, err error) {
	defer l.Metrics.Observe("inventory", "post", time.Now(), &err)

	if err := validatePost(in); err != nil {
		return nil, err
	}

	err = l.Store.WithTx(ctx, func(tx generic.Tx) error {
		c, err := tx.LockConsumable(ctx, in.ConsumableID)
		if err != nil {
			return err
		}

		if in.Type == generic.DirectionOut && in.Quantity.GreaterThan(c.StockQuantity) {
			return &generic.InsufficientResourceError{
				Resource:  "stock",
				Available: c.StockQuantity,
				Requested: in.Quantity,
			}
		}

		now := l.Clock.Now()
		prefix := generic.PrefixStockIn
		if in.Type == generic.DirectionOut {
			prefix = generic.PrefixStockOut
		}
		no, err := generic.NextNumber(ctx, tx, prefix, now)
		if err != nil {
			return err
		}

		date := in.TransactionDate
		if date.IsZero() {
			date = now
		}

		t := generic.ConsumableTransaction{
			ID:              generic.TransactionID(generic.NewID()),
			No:              no,
			ConsumableID:    c.ID,
			Type:            in.Type,
			Quantity:        in.Quantity,
			UnitPrice:       in.UnitPrice,
			TotalAmount:     in.Quantity.Mul(in.UnitPrice),
			Reason:          in.Reason,
			RelatedOrder:    in.RelatedOrder,
			Operator:        in.Operator,
			TransactionDate: date,
			Remark:          in.Remark,
			CreatedAt:       now,
		}
		c.StockQuantity = c.StockQuantity.Add(t.Signed())
		c.Status = generic.DeriveStockStatus(c.StockQuantity, c.MinStock)
		c.UpdatedAt = now
		t.BalanceAfter = c.StockQuantity

		if err := tx.AppendConsumableTransaction(ctx, t); err != nil {
			return err
		}
		if err := tx.UpdateConsumable(ctx, c); err != nil {
			return err
		}
		if err := generic.RecordAudit(ctx, tx, now, in.Operator, generic.AuditStockPosted,
			generic.AggregateConsumable, string(c.ID), map[string]any{
				"no":            t.No,
				"type":          string(t.Type),
				"quantity":      t.Quantity.String(),
				"balance_after": t.BalanceAfter.String(),
			}); err != nil {
			return err
		}

		res = &PostResult{Transaction: t, Consumable: *c}
		return nil
	})
	if err != nil {
		l.Log.Debug().Err(err).
			Str("consumable_id", string(in.ConsumableID)).
			Str("type", string(in.Type)).
			Str("quantity", in.Quantity.String()).
			Msg("Stock posting refused")
		return nil, err
	}

	l.Log.Info().
		Str("consumable_id", string(in.ConsumableID)).
		Str("no", res.Transaction.No).
		Str("type", string(in.Type)).
		Str("quantity", in.Quantity.String()).
		Str("stock", res.Consumable.StockQuantity.String()).
		Str("status", string(res.Consumable.Status)).
		Msg("Stock posted")
	if res.Consumable.Status != generic.StockNormal {
		l.Log.Warn().Str("consumable_id", string(in.ConsumableID)).
			Str("status", string(res.Consumable.Status)).Msg("Consumable below threshold")
	}
	return res, nil
}

func validatePost(in PostInput) error {
	if in.ConsumableID == "" {
		return generic.Invalid("consumableId", "required")
	}
	if !in.Type.Valid() {
		return generic.Invalid("type", "must be in or out, got %q", in.Type)
	}
	if !in.Quantity.IsPositive() {
		return generic.Invalid("quantity", "must be positive")
	}
	if in.UnitPrice.IsNegative() {
		return generic.Invalid("unitPrice", "must not be negative")
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (l *Ledger) Get(ctx context.Context, id generic.ConsumableID) (*generic.Consumable, error) {
	var c *generic.Consumable
	err := l.Store.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		c, err = tx.GetConsumable(ctx, id)
		return err
	})
	return c, err
}

// Transactions returns the ledger of a consumable in posting order.
func (l *Ledger) Transactions(ctx context.Context, id generic.ConsumableID) ([]generic.ConsumableTransaction, error) {
	var txs []generic.ConsumableTransaction
	err := l.Store.WithTx(ctx, func(tx generic.Tx) error {
		if _, err := tx.GetConsumable(ctx, id); err != nil {
			return err
		}
		var err error
		txs, err = tx.ListConsumableTransactions(ctx, id)
		return err
	})
	return txs, err
}

// Stats sums quantities and amounts per direction.
func (l *Ledger) Stats(ctx context.Context, id generic.ConsumableID) (Stats, error) {
	txs, err := l.Transactions(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	return Summarize(txs), nil
}

// Summarize is the pure part of Stats.
func Summarize(txs []generic.ConsumableTransaction) Stats {
	s := Stats{
		InQuantity:   decimal.Zero,
		OutQuantity:  decimal.Zero,
		InAmount:     decimal.Zero,
		OutAmount:    decimal.Zero,
		Transactions: len(txs),
	}
	for _, t := range txs {
		if t.Type == generic.DirectionIn {
			s.InQuantity = s.InQuantity.Add(t.Quantity)
			s.InAmount = s.InAmount.Add(t.TotalAmount)
		} else {
			s.OutQuantity = s.OutQuantity.Add(t.Quantity)
			s.OutAmount = s.OutAmount.Add(t.TotalAmount)
		}
	}
	return s
}

// Verify replays the ledger and compares it with the stored balance.
// Drift is reported, never corrected.
func (l *Ledger) Verify(ctx context.Context, id generic.ConsumableID) (*generic.Reconciliation, error) {
	var rec generic.Reconciliation
	err := l.Store.WithTx(ctx, func(tx generic.Tx) error {
		c, err := tx.GetConsumable(ctx, id)
		if err != nil {
			return err
		}
		txs, err := tx.ListConsumableTransactions(ctx, id)
		if err != nil {
			return err
		}
		rec = generic.ReconcileStock(*c, txs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !rec.Consistent {
		l.Metrics.Drift(generic.AggregateConsumable)
		l.Log.Error().Str("consumable_id", string(id)).
			Str("materialized", rec.Materialized.String()).
			Str("replayed", rec.Replayed.String()).
			Msg("Stock drift detected")
	}
	return &rec, nil
}

// IDs lists every registered consumable.
func (l *Ledger) IDs(ctx context.Context) ([]generic.ConsumableID, error) {
	var ids []generic.ConsumableID
	err := l.Store.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		ids, err = tx.ListConsumableIDs(ctx)
		return err
	})
	return ids, err
}
