/*
Package generic provides the shared business-state kernel of the lab operations engine.

PURPOSE:
  This package contains the data model and storage contract shared by the
  three engines (quotation approval, inventory ledger, receivable reconciler).
  Each engine owns one kind of aggregate; the kernel owns everything they have
  in common: identifiers, decimal amounts, derived statuses, errors, the
  scoped-transaction Store contract, the audit trail and document numbering.

KEY CONCEPTS IN THIS FILE (types.go):
  - Identifiers: Type-safe string IDs per aggregate and record kind
  - Amounts: decimal.Decimal everywhere money or stock is counted
  - Records: Quotation, ApprovalRecord, Consumable, ConsumableTransaction,
    Receivable, Payment

DESIGN PRINCIPLES:
  1. Derived state lives next to its history: a Consumable's StockQuantity is
     always explained by its transactions, a Receivable's ReceivedAmount by its
     payments, a Quotation's Status by its approval records
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing aggregate IDs
  4. Closed enums: every status is a typed constant set with a Valid() check

SEE ALSO:
  - balance.go: Derived status functions
  - store.go: Storage contract (Store, Tx)
  - errors.go: Error taxonomy
*/
package generic

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type QuotationID string
type ApprovalRecordID string
type ConsumableID string
type TransactionID string
type ReceivableID string
type PaymentID string
type AuditEntryID string

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// =============================================================================
// AMOUNTS
// =============================================================================

// MustParseDecimal parses s or returns zero. Only for literals in tests and seed data.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Dec is shorthand for decimal.NewFromInt.
func Dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// DecPtr returns a pointer to a copy of d.
func DecPtr(d decimal.Decimal) *decimal.Decimal { return &d }

// =============================================================================
// QUOTATION - Approval workflow aggregate
// =============================================================================

type QuotationStatus string

const (
	QuotationDraft          QuotationStatus = "draft"
	QuotationPendingSales   QuotationStatus = "pending_sales"
	QuotationPendingFinance QuotationStatus = "pending_finance"
	QuotationPendingLab     QuotationStatus = "pending_lab"
	QuotationApproved       QuotationStatus = "approved"
	QuotationRejected       QuotationStatus = "rejected"
)

// Valid reports whether s is one of the six workflow states.
func (s QuotationStatus) Valid() bool {
	switch s {
	case QuotationDraft, QuotationPendingSales, QuotationPendingFinance,
		QuotationPendingLab, QuotationApproved, QuotationRejected:
		return true
	}
	return false
}

// Terminal reports whether no further workflow action is accepted.
func (s QuotationStatus) Terminal() bool {
	return s == QuotationApproved || s == QuotationRejected
}

// Pending reports whether s is one of the pending_* approval stages.
func (s QuotationStatus) Pending() bool {
	return s == QuotationPendingSales || s == QuotationPendingFinance || s == QuotationPendingLab
}

type ApprovalAction string

const (
	ActionSubmit  ApprovalAction = "submit"
	ActionApprove ApprovalAction = "approve"
	ActionReject  ApprovalAction = "reject"
)

func (a ApprovalAction) Valid() bool {
	return a == ActionSubmit || a == ActionApprove || a == ActionReject
}

// QuotationItem is one priced line of a quotation.
type QuotationItem struct {
	ServiceItem    string
	MethodStandard string
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	TotalPrice     decimal.Decimal
}

type Quotation struct {
	ID             QuotationID
	No             string
	ClientID       string
	ClientContact  string
	SampleName     string
	Items          []QuotationItem
	Subtotal       decimal.Decimal
	TaxTotal       decimal.Decimal
	DiscountTotal  decimal.Decimal
	ClientResponse string
	Status         QuotationStatus
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
}

// ApprovalRecord is one immutable entry in a quotation's approval history.
type ApprovalRecord struct {
	ID          ApprovalRecordID
	QuotationID QuotationID
	Level       int
	Role        string
	Approver    string
	Action      ApprovalAction
	Comment     string
	Timestamp   time.Time
}

// =============================================================================
// CONSUMABLE - Inventory ledger aggregate
// =============================================================================

type StockStatus string

const (
	StockOutOfStock StockStatus = "out_of_stock"
	StockLow        StockStatus = "low_stock"
	StockNormal     StockStatus = "normal"
)

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

func (d Direction) Valid() bool { return d == DirectionIn || d == DirectionOut }

// Sign returns +1 for stock in and -1 for stock out.
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionOut {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

type Consumable struct {
	ID              ConsumableID
	Code            string
	Name            string
	Unit            string
	InitialQuantity decimal.Decimal
	StockQuantity   decimal.Decimal
	MinStock        *decimal.Decimal // nil = no low-stock threshold
	Status          StockStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Version         int64
}

// ConsumableTransaction is one immutable stock movement.
type ConsumableTransaction struct {
	ID              TransactionID
	No              string
	ConsumableID    ConsumableID
	Type            Direction
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	TotalAmount     decimal.Decimal
	Reason          string
	RelatedOrder    string
	Operator        string
	TransactionDate time.Time
	Remark          string
	BalanceAfter    decimal.Decimal
	CreatedAt       time.Time
}

// Signed returns the quantity with the direction's sign applied.
func (t ConsumableTransaction) Signed() decimal.Decimal {
	return t.Quantity.Mul(t.Type.Sign())
}

// =============================================================================
// RECEIVABLE - Payment reconciliation aggregate
// =============================================================================

type ReceivableStatus string

const (
	ReceivablePending   ReceivableStatus = "pending"
	ReceivablePartial   ReceivableStatus = "partial"
	ReceivableCompleted ReceivableStatus = "completed"
)

type Receivable struct {
	ID             ReceivableID
	No             string
	ClientName     string
	Amount         decimal.Decimal
	ReceivedAmount decimal.Decimal
	Status         ReceivableStatus
	DueDate        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int64
}

// Remaining is the outstanding balance.
func (r Receivable) Remaining() decimal.Decimal {
	return r.Amount.Sub(r.ReceivedAmount)
}

// Payment is one posted payment against a receivable.
type Payment struct {
	ID            PaymentID
	No            string
	ReceivableID  ReceivableID
	Amount        decimal.Decimal
	PaymentDate   time.Time
	Method        string
	HandlerName   string
	BankName      string
	TransactionNo string
	Remark        string
	CreatedAt     time.Time
}
