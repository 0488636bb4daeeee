/*
handlers.go - HTTP API handlers for the lab operations engines

PURPOSE:
  Exposes the quotation workflow, inventory ledger and receivable
  reconciler via REST. Handles HTTP request/response, JSON serialization and
  required-field checks, and delegates everything else to the engines.

ENDPOINTS:
  Quotations:
    POST   /api/quotations                      Create draft
    GET    /api/quotations/{id}                 Quotation + approval history
    PUT    /api/quotations/{id}                 Edit (draft only)
    DELETE /api/quotations/{id}                 Delete (draft only)
    PATCH  /api/quotations/{id}                 Workflow action: submit/approve/reject
    PUT    /api/quotations/{id}/client-response Record client response

  Inventory:
    POST   /api/consumables                     Register consumable
    GET    /api/consumables/{id}                Consumable
    GET    /api/consumables/{id}/transactions   Ledger + in/out totals
    GET    /api/consumables/{id}/verify         Replay ledger against balance
    POST   /api/consumable-transactions         Post stock in/out

  Finance:
    POST   /api/receivables                     Create receivable
    GET    /api/receivables/{id}                Receivable
    GET    /api/receivables/{id}/payments       Payments + total
    GET    /api/receivables/{id}/verify         Replay payments against received
    POST   /api/payments                        Post payment
    GET    /api/payments/{id}                   Payment
    DELETE /api/payments/{id}                   Delete payment (rolls receivable back)

  Audit:
    GET    /api/audit?aggregate_type=&aggregate_id=&actor=&action=&limit=
    POST   /api/audit/verify                    Run the integrity audit now

REQUEST FLOW:
  1. Decode JSON body
  2. Validate required fields (validator struct tags)
  3. Call one engine operation
  4. Serialize the envelope

ERROR HANDLING:
  The status comes from the engine error kind (generic.HTTPStatus):
  - 400: ValidationError, malformed JSON
  - 404: NotFoundError
  - 409: InvalidTransitionError, ConcurrencyError (retryable)
  - 422: InsufficientResourceError
  - 503: StorageError (retryable)

SECURITY NOTE:
  No authentication. The acting user is taken from the body or the
  X-User-ID header as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/shopspring/decimal"
	"github.com/warp/labops-engine/finance"
	"github.com/warp/labops-engine/generic"
	"github.com/warp/labops-engine/inventory"
	"github.com/warp/labops-engine/quotation"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter is implemented by stores that can wipe their data for demos.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      generic.Store
	Quotations *quotation.Engine
	Inventory  *inventory.Ledger
	Finance    *finance.Reconciler
	Auditor    *IntegrityAuditor
	Log        zerolog.Logger

	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the three engines onto one store.
func NewHandler(store generic.Store, q *quotation.Engine, inv *inventory.Ledger, fin *finance.Reconciler, log zerolog.Logger) *Handler {
	validate := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Store:      store,
		Quotations: q,
		Inventory:  inv,
		Finance:    fin,
		Log:        log,
		validate:   validate,
	}
}

// =============================================================================
// QUOTATION HANDLERS
// =============================================================================

func (h *Handler) CreateQuotation(w http.ResponseWriter, r *http.Request) {
	var req CreateQuotationRequest
	if !h.decode(w, r, &req) {
		return
	}

	q, err := h.Quotations.Create(r.Context(), quotation.CreateInput{
		ClientID:      req.ClientID,
		ClientContact: req.ClientContact,
		SampleName:    req.SampleName,
		Items:         itemInputs(req.Items),
		FinalAmount:   req.FinalAmount,
		CreatedBy:     actor(r, req.CreatedBy),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toQuotationDTO(*q, nil))
}

func (h *Handler) GetQuotation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Quotations.Get(r.Context(), generic.QuotationID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuotationDTO(res.Quotation, res.History))
}

func (h *Handler) EditQuotation(w http.ResponseWriter, r *http.Request) {
	var req EditQuotationRequest
	if !h.decode(w, r, &req) {
		return
	}

	q, err := h.Quotations.Edit(r.Context(), generic.QuotationID(chi.URLParam(r, "id")), quotation.EditInput{
		ClientID:      req.ClientID,
		ClientContact: req.ClientContact,
		SampleName:    req.SampleName,
		Items:         itemInputs(req.Items),
		FinalAmount:   req.FinalAmount,
		Editor:        actor(r, req.Editor),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuotationDTO(*q, nil))
}

func (h *Handler) DeleteQuotation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Quotations.Delete(r.Context(), generic.QuotationID(id), actor(r, "")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// ApplyAction performs submit, approve or reject.
func (h *Handler) ApplyAction(w http.ResponseWriter, r *http.Request) {
	var req ApprovalActionRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Quotations.Apply(r.Context(), generic.QuotationID(chi.URLParam(r, "id")),
		generic.ApprovalAction(req.Action), req.Approver, req.Comment)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuotationDTO(res.Quotation, res.History))
}

func (h *Handler) SetClientResponse(w http.ResponseWriter, r *http.Request) {
	var req ClientResponseRequest
	if !h.decode(w, r, &req) {
		return
	}

	q, err := h.Quotations.SetClientResponse(r.Context(), generic.QuotationID(chi.URLParam(r, "id")),
		req.ClientResponse, actor(r, req.Actor))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuotationDTO(*q, nil))
}

// =============================================================================
// INVENTORY HANDLERS
// =============================================================================

func (h *Handler) CreateConsumable(w http.ResponseWriter, r *http.Request) {
	var req CreateConsumableRequest
	if !h.decode(w, r, &req) {
		return
	}

	initial := decimal.Zero
	if req.StockQuantity != nil {
		initial = *req.StockQuantity
	}
	c, err := h.Inventory.Register(r.Context(), inventory.RegisterInput{
		Code:            req.Code,
		Name:            req.Name,
		Unit:            req.Unit,
		InitialQuantity: initial,
		MinStock:        req.MinStock,
		Operator:        actor(r, req.Operator),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConsumableDTO(*c))
}

func (h *Handler) GetConsumable(w http.ResponseWriter, r *http.Request) {
	c, err := h.Inventory.Get(r.Context(), generic.ConsumableID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConsumableDTO(*c))
}

func (h *Handler) ListConsumableTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Inventory.Transactions(r.Context(), generic.ConsumableID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}

	dto := TransactionListDTO{
		Transactions: make([]ConsumableTransactionDTO, 0, len(txs)),
		Stats:        toStatsDTO(inventory.Summarize(txs)),
	}
	for _, t := range txs {
		dto.Transactions = append(dto.Transactions, toConsumableTransactionDTO(t))
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) VerifyConsumable(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Inventory.Verify(r.Context(), generic.ConsumableID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(*rec))
}

// PostConsumableTransaction posts one stock in/out movement.
func (h *Handler) PostConsumableTransaction(w http.ResponseWriter, r *http.Request) {
	var req PostTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := generic.ParseDate("transactionDate", req.TransactionDate)
	if err != nil {
		writeError(w, r, err)
		return
	}
	price := decimal.Zero
	if req.UnitPrice != nil {
		price = *req.UnitPrice
	}

	res, err := h.Inventory.Post(r.Context(), inventory.PostInput{
		ConsumableID:    generic.ConsumableID(req.ConsumableID),
		Type:            generic.Direction(req.Type),
		Quantity:        *req.Quantity,
		UnitPrice:       price,
		Reason:          req.Reason,
		RelatedOrder:    req.RelatedOrder,
		Operator:        actor(r, req.Operator),
		TransactionDate: date,
		Remark:          req.Remark,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PostTransactionDTO{
		Transaction: toConsumableTransactionDTO(res.Transaction),
		Consumable:  toConsumableDTO(res.Consumable),
	})
}

// =============================================================================
// FINANCE HANDLERS
// =============================================================================

func (h *Handler) CreateReceivable(w http.ResponseWriter, r *http.Request) {
	var req CreateReceivableRequest
	if !h.decode(w, r, &req) {
		return
	}
	due, err := generic.ParseDate("dueDate", req.DueDate)
	if err != nil {
		writeError(w, r, err)
		return
	}
	in := finance.CreateReceivableInput{
		ClientName: req.ClientName,
		Amount:     *req.Amount,
		Operator:   actor(r, req.Operator),
	}
	if !due.IsZero() {
		in.DueDate = &due
	}

	rec, err := h.Finance.CreateReceivable(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceivableDTO(*rec))
}

func (h *Handler) GetReceivable(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Finance.GetReceivable(r.Context(), generic.ReceivableID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceivableDTO(*rec))
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	list, err := h.Finance.Payments(r.Context(), generic.ReceivableID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	dto := PaymentListDTO{
		Payments: make([]PaymentDTO, 0, len(list.Payments)),
		Total:    num(list.Total),
	}
	for _, p := range list.Payments {
		dto.Payments = append(dto.Payments, toPaymentDTO(p))
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) VerifyReceivable(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Finance.Verify(r.Context(), generic.ReceivableID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(*rec))
}

func (h *Handler) PostPayment(w http.ResponseWriter, r *http.Request) {
	var req PostPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, err := generic.ParseDate("paymentDate", req.PaymentDate)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.Finance.PostPayment(r.Context(), finance.PostPaymentInput{
		ReceivableID:  generic.ReceivableID(req.ReceivableID),
		Amount:        *req.Amount,
		PaymentDate:   date,
		Method:        req.Method,
		HandlerName:   req.HandlerName,
		BankName:      req.BankName,
		TransactionNo: req.TransactionNo,
		Remark:        req.Remark,
		Operator:      actor(r, req.Operator),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PostPaymentDTO{
		Payment:    toPaymentDTO(res.Payment),
		Receivable: toReceivableDTO(res.Receivable),
	})
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Finance.GetPayment(r.Context(), generic.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Finance.DeletePayment(r.Context(), generic.PaymentID(chi.URLParam(r, "id")), actor(r, ""))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceivableDTO(*rec))
}

// =============================================================================
// AUDIT
// =============================================================================

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := generic.AuditFilter{
		AggregateType: generic.AggregateType(q.Get("aggregate_type")),
		AggregateID:   q.Get("aggregate_id"),
		ActorID:       q.Get("actor"),
		Limit:         100,
	}
	if v := q.Get("action"); v != "" {
		for _, a := range strings.Split(v, ",") {
			filter.Actions = append(filter.Actions, generic.AuditAction(strings.TrimSpace(a)))
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, generic.Invalid("limit", "must be a positive integer"))
			return
		}
		filter.Limit = n
	}

	var entries []generic.AuditEntry
	err := h.Store.WithTx(r.Context(), func(tx generic.Tx) error {
		var err error
		entries, err = tx.ListAudit(r.Context(), filter)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	dtos := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toAuditEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunIntegrityAudit replays every ledger synchronously and reports drift.
func (h *Handler) RunIntegrityAudit(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeError(w, r, generic.Invalid("auditor", "not configured"))
		return
	}
	writeJSON(w, http.StatusOK, toAuditRunDTO(h.Auditor.RunNow(r.Context())))
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads the JSON body into dst and runs struct validation. On failure
// it writes the error response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, generic.Invalid("body", "invalid JSON: %v", err))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, r, validationError(err))
		return false
	}
	return true
}

// validationError converts the first validator failure into a ValidationError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			return generic.Invalid(field, "required")
		case "oneof":
			return generic.Invalid(field, "must be one of [%s]", fe.Param())
		default:
			return generic.Invalid(field, "failed %s check", fe.Tag())
		}
	}
	return generic.Invalid("body", "%v", err)
}

// actor prefers the explicit body field, then the X-User-ID header.
func actor(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return r.Header.Get("X-User-ID")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := generic.HTTPStatus(err)
	kind := generic.KindOf(err)

	event := hlog.FromRequest(r).Debug()
	if status >= http.StatusInternalServerError {
		event = hlog.FromRequest(r).Error()
	}
	event.Err(err).Int("status", status).Str("kind", string(kind)).Msg("Request failed")

	message := err.Error()
	if kind == generic.KindUnknown {
		message = fmt.Sprintf("internal error (%s)", http.StatusText(status))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Message: message, Kind: string(kind)})
}
