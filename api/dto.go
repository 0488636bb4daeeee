/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication and keeps the domain
  types out of the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

ENVELOPE:
  Every response is {"success": true, "data": ...} or
  {"success": false, "message": "...", "kind": "..."}.

AMOUNTS AND DATES:
  Requests accept decimals as JSON numbers or strings; responses always
  render them as JSON numbers. Dates are ISO-8601: RFC3339 or YYYY-MM-DD.

VALIDATION:
  Required-field presence and simple ranges are struct tags checked with
  go-playground/validator before the engines are called. Business rules
  (transitions, balances) are the engines' job.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/labops-engine/generic"
	"github.com/warp/labops-engine/inventory"
	"github.com/warp/labops-engine/quotation"
)

// =============================================================================
// ENVELOPE
// =============================================================================

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// num renders a decimal as a JSON number.
func num(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func numPtr(d *decimal.Decimal) *json.Number {
	if d == nil {
		return nil
	}
	n := num(*d)
	return &n
}

// =============================================================================
// QUOTATIONS
// =============================================================================

type QuotationItemRequest struct {
	ServiceItem    string           `json:"serviceItem" validate:"required"`
	MethodStandard string           `json:"methodStandard"`
	Quantity       *decimal.Decimal `json:"quantity"`
	UnitPrice      *decimal.Decimal `json:"unitPrice"`
}

type CreateQuotationRequest struct {
	ClientID      string                 `json:"clientId" validate:"required"`
	ClientContact string                 `json:"clientContact"`
	SampleName    string                 `json:"sampleName"`
	Items         []QuotationItemRequest `json:"items" validate:"dive"`
	FinalAmount   *decimal.Decimal       `json:"finalAmount"`
	CreatedBy     string                 `json:"createdBy"`
}

type EditQuotationRequest struct {
	ClientID      *string                `json:"clientId"`
	ClientContact *string                `json:"clientContact"`
	SampleName    *string                `json:"sampleName"`
	Items         []QuotationItemRequest `json:"items" validate:"omitempty,dive"`
	FinalAmount   *decimal.Decimal       `json:"finalAmount"`
	Editor        string                 `json:"editor"`
}

type ApprovalActionRequest struct {
	Action   string `json:"action" validate:"required,oneof=submit approve reject"`
	Approver string `json:"approver" validate:"required"`
	Comment  string `json:"comment"`
}

type ClientResponseRequest struct {
	ClientResponse string `json:"clientResponse" validate:"required"`
	Actor          string `json:"actor"`
}

type QuotationItemDTO struct {
	ServiceItem    string      `json:"serviceItem"`
	MethodStandard string      `json:"methodStandard,omitempty"`
	Quantity       json.Number `json:"quantity"`
	UnitPrice      json.Number `json:"unitPrice"`
	TotalPrice     json.Number `json:"totalPrice"`
}

type ApprovalRecordDTO struct {
	ID        string    `json:"id"`
	Level     int       `json:"level"`
	Role      string    `json:"role"`
	Approver  string    `json:"approver"`
	Action    string    `json:"action"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type QuotationDTO struct {
	ID             string              `json:"id"`
	No             string              `json:"quotationNo"`
	ClientID       string              `json:"clientId"`
	ClientContact  string              `json:"clientContact,omitempty"`
	SampleName     string              `json:"sampleName,omitempty"`
	Items          []QuotationItemDTO  `json:"items"`
	Subtotal       json.Number         `json:"subtotal"`
	TaxTotal       json.Number         `json:"taxTotal"`
	DiscountTotal  json.Number         `json:"discountTotal"`
	ClientResponse string              `json:"clientResponse,omitempty"`
	Status         string              `json:"status"`
	CreatedBy      string              `json:"createdBy,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	History        []ApprovalRecordDTO `json:"approvalHistory,omitempty"`
}

func (r QuotationItemRequest) input() quotation.ItemInput {
	return quotation.ItemInput{
		ServiceItem:    r.ServiceItem,
		MethodStandard: r.MethodStandard,
		Quantity:       r.Quantity,
		UnitPrice:      r.UnitPrice,
	}
}

func itemInputs(items []QuotationItemRequest) []quotation.ItemInput {
	if items == nil {
		return nil
	}
	out := make([]quotation.ItemInput, len(items))
	for i, it := range items {
		out[i] = it.input()
	}
	return out
}

func toQuotationDTO(q generic.Quotation, history []generic.ApprovalRecord) QuotationDTO {
	dto := QuotationDTO{
		ID:             string(q.ID),
		No:             q.No,
		ClientID:       q.ClientID,
		ClientContact:  q.ClientContact,
		SampleName:     q.SampleName,
		Items:          make([]QuotationItemDTO, 0, len(q.Items)),
		Subtotal:       num(q.Subtotal),
		TaxTotal:       num(q.TaxTotal),
		DiscountTotal:  num(q.DiscountTotal),
		ClientResponse: q.ClientResponse,
		Status:         string(q.Status),
		CreatedBy:      q.CreatedBy,
		CreatedAt:      q.CreatedAt,
		UpdatedAt:      q.UpdatedAt,
	}
	for _, it := range q.Items {
		dto.Items = append(dto.Items, QuotationItemDTO{
			ServiceItem:    it.ServiceItem,
			MethodStandard: it.MethodStandard,
			Quantity:       num(it.Quantity),
			UnitPrice:      num(it.UnitPrice),
			TotalPrice:     num(it.TotalPrice),
		})
	}
	for _, r := range history {
		dto.History = append(dto.History, ApprovalRecordDTO{
			ID:        string(r.ID),
			Level:     r.Level,
			Role:      r.Role,
			Approver:  r.Approver,
			Action:    string(r.Action),
			Comment:   r.Comment,
			Timestamp: r.Timestamp,
		})
	}
	return dto
}

// =============================================================================
// CONSUMABLES
// =============================================================================

type CreateConsumableRequest struct {
	Code          string           `json:"code"`
	Name          string           `json:"name" validate:"required"`
	Unit          string           `json:"unit"`
	StockQuantity *decimal.Decimal `json:"stockQuantity"`
	MinStock      *decimal.Decimal `json:"minStock"`
	Operator      string           `json:"operator"`
}

type PostTransactionRequest struct {
	ConsumableID    string           `json:"consumableId" validate:"required"`
	Type            string           `json:"type" validate:"required,oneof=in out"`
	Quantity        *decimal.Decimal `json:"quantity" validate:"required"`
	UnitPrice       *decimal.Decimal `json:"unitPrice"`
	Reason          string           `json:"reason"`
	RelatedOrder    string           `json:"relatedOrder"`
	Operator        string           `json:"operator"`
	TransactionDate string           `json:"transactionDate"`
	Remark          string           `json:"remark"`
}

type ConsumableDTO struct {
	ID              string       `json:"id"`
	Code            string       `json:"code,omitempty"`
	Name            string       `json:"name"`
	Unit            string       `json:"unit,omitempty"`
	InitialQuantity json.Number  `json:"initialQuantity"`
	StockQuantity   json.Number  `json:"stockQuantity"`
	MinStock        *json.Number `json:"minStock,omitempty"`
	Status          string       `json:"status"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

type ConsumableTransactionDTO struct {
	ID              string      `json:"id"`
	No              string      `json:"transactionNo"`
	ConsumableID    string      `json:"consumableId"`
	Type            string      `json:"type"`
	Quantity        json.Number `json:"quantity"`
	UnitPrice       json.Number `json:"unitPrice"`
	TotalAmount     json.Number `json:"totalAmount"`
	BalanceAfter    json.Number `json:"balanceAfter"`
	Reason          string      `json:"reason,omitempty"`
	RelatedOrder    string      `json:"relatedOrder,omitempty"`
	Operator        string      `json:"operator,omitempty"`
	TransactionDate time.Time   `json:"transactionDate"`
	Remark          string      `json:"remark,omitempty"`
}

type PostTransactionDTO struct {
	Transaction ConsumableTransactionDTO `json:"transaction"`
	Consumable  ConsumableDTO            `json:"consumable"`
}

type TransactionListDTO struct {
	Transactions []ConsumableTransactionDTO `json:"transactions"`
	Stats        StatsDTO                   `json:"stats"`
}

type StatsDTO struct {
	TotalIn       json.Number `json:"totalIn"`
	TotalOut      json.Number `json:"totalOut"`
	TotalInValue  json.Number `json:"totalInValue"`
	TotalOutValue json.Number `json:"totalOutValue"`
	Count         int         `json:"count"`
}

func toConsumableDTO(c generic.Consumable) ConsumableDTO {
	return ConsumableDTO{
		ID:              string(c.ID),
		Code:            c.Code,
		Name:            c.Name,
		Unit:            c.Unit,
		InitialQuantity: num(c.InitialQuantity),
		StockQuantity:   num(c.StockQuantity),
		MinStock:        numPtr(c.MinStock),
		Status:          string(c.Status),
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func toConsumableTransactionDTO(t generic.ConsumableTransaction) ConsumableTransactionDTO {
	return ConsumableTransactionDTO{
		ID:              string(t.ID),
		No:              t.No,
		ConsumableID:    string(t.ConsumableID),
		Type:            string(t.Type),
		Quantity:        num(t.Quantity),
		UnitPrice:       num(t.UnitPrice),
		TotalAmount:     num(t.TotalAmount),
		BalanceAfter:    num(t.BalanceAfter),
		Reason:          t.Reason,
		RelatedOrder:    t.RelatedOrder,
		Operator:        t.Operator,
		TransactionDate: t.TransactionDate,
		Remark:          t.Remark,
	}
}

func toStatsDTO(s inventory.Stats) StatsDTO {
	return StatsDTO{
		TotalIn:       num(s.InQuantity),
		TotalOut:      num(s.OutQuantity),
		TotalInValue:  num(s.InAmount),
		TotalOutValue: num(s.OutAmount),
		Count:         s.Transactions,
	}
}

// =============================================================================
// RECEIVABLES & PAYMENTS
// =============================================================================

type CreateReceivableRequest struct {
	ClientName string           `json:"clientName" validate:"required"`
	Amount     *decimal.Decimal `json:"amount" validate:"required"`
	DueDate    string           `json:"dueDate"`
	Operator   string           `json:"operator"`
}

type PostPaymentRequest struct {
	ReceivableID  string           `json:"receivableId" validate:"required"`
	Amount        *decimal.Decimal `json:"amount" validate:"required"`
	PaymentDate   string           `json:"paymentDate"`
	Method        string           `json:"paymentMethod"`
	HandlerName   string           `json:"handlerName"`
	BankName      string           `json:"bankName"`
	TransactionNo string           `json:"transactionNo"`
	Remark        string           `json:"remark"`
	Operator      string           `json:"operator"`
}

type ReceivableDTO struct {
	ID             string      `json:"id"`
	No             string      `json:"receivableNo"`
	ClientName     string      `json:"clientName"`
	Amount         json.Number `json:"amount"`
	ReceivedAmount json.Number `json:"receivedAmount"`
	Remaining      json.Number `json:"remainingAmount"`
	Status         string      `json:"status"`
	DueDate        *time.Time  `json:"dueDate,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

type PaymentDTO struct {
	ID            string      `json:"id"`
	No            string      `json:"paymentNo"`
	ReceivableID  string      `json:"receivableId"`
	Amount        json.Number `json:"amount"`
	PaymentDate   time.Time   `json:"paymentDate"`
	Method        string      `json:"paymentMethod,omitempty"`
	HandlerName   string      `json:"handlerName,omitempty"`
	BankName      string      `json:"bankName,omitempty"`
	TransactionNo string      `json:"transactionNo,omitempty"`
	Remark        string      `json:"remark,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

type PostPaymentDTO struct {
	Payment    PaymentDTO    `json:"payment"`
	Receivable ReceivableDTO `json:"receivable"`
}

type PaymentListDTO struct {
	Payments []PaymentDTO `json:"payments"`
	Total    json.Number  `json:"totalAmount"`
}

func toReceivableDTO(r generic.Receivable) ReceivableDTO {
	return ReceivableDTO{
		ID:             string(r.ID),
		No:             r.No,
		ClientName:     r.ClientName,
		Amount:         num(r.Amount),
		ReceivedAmount: num(r.ReceivedAmount),
		Remaining:      num(r.Remaining()),
		Status:         string(r.Status),
		DueDate:        r.DueDate,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toPaymentDTO(p generic.Payment) PaymentDTO {
	return PaymentDTO{
		ID:            string(p.ID),
		No:            p.No,
		ReceivableID:  string(p.ReceivableID),
		Amount:        num(p.Amount),
		PaymentDate:   p.PaymentDate,
		Method:        p.Method,
		HandlerName:   p.HandlerName,
		BankName:      p.BankName,
		TransactionNo: p.TransactionNo,
		Remark:        p.Remark,
		CreatedAt:     p.CreatedAt,
	}
}

// =============================================================================
// AUDIT & RECONCILIATION
// =============================================================================

type AuditEntryDTO struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	ActorID       string         `json:"actorId,omitempty"`
	Action        string         `json:"action"`
	AggregateType string         `json:"aggregateType"`
	AggregateID   string         `json:"aggregateId"`
	Payload       map[string]any `json:"payload,omitempty"`
}

type ReconciliationDTO struct {
	AggregateType string      `json:"aggregateType"`
	AggregateID   string      `json:"aggregateId"`
	Materialized  json.Number `json:"materialized"`
	Replayed      json.Number `json:"replayed"`
	Drift         json.Number `json:"drift"`
	Entries       int         `json:"entries"`
	Consistent    bool        `json:"consistent"`
}

func toAuditEntryDTO(e generic.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:            string(e.ID),
		Timestamp:     e.Timestamp,
		ActorID:       e.ActorID,
		Action:        string(e.Action),
		AggregateType: string(e.AggregateType),
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
	}
}

func toReconciliationDTO(r generic.Reconciliation) ReconciliationDTO {
	return ReconciliationDTO{
		AggregateType: string(r.AggregateType),
		AggregateID:   r.AggregateID,
		Materialized:  num(r.Materialized),
		Replayed:      num(r.Replayed),
		Drift:         num(r.Drift),
		Entries:       r.Entries,
		Consistent:    r.Consistent,
	}
}

type AuditRunDTO struct {
	StartedAt  time.Time           `json:"startedAt"`
	DurationMs int64               `json:"durationMs"`
	Checked    int                 `json:"checked"`
	Failed     int                 `json:"failed"`
	Drifted    []ReconciliationDTO `json:"drifted"`
}

func toAuditRunDTO(run AuditRun) AuditRunDTO {
	dto := AuditRunDTO{
		StartedAt:  run.StartedAt,
		DurationMs: run.Duration.Milliseconds(),
		Checked:    run.Checked,
		Failed:     run.Failed,
		Drifted:    make([]ReconciliationDTO, 0, len(run.Drifted)),
	}
	for _, rec := range run.Drifted {
		dto.Drifted = append(dto.Drifted, toReconciliationDTO(rec))
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
}
