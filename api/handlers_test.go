/*
handlers_test.go - HTTP tests for the API layer

Tests for:
- Quotation workflow over PATCH/PUT/DELETE
- Stock postings and receivable payments
- Error envelope: status code and kind per error category
- Decimals rendered as JSON numbers
- Audit listing filters
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/labops-engine/finance"
	"github.com/warp/labops-engine/generic"
	"github.com/warp/labops-engine/generic/store"
	"github.com/warp/labops-engine/inventory"
	"github.com/warp/labops-engine/metrics"
	"github.com/warp/labops-engine/quotation"
)

type testServer struct {
	handler *Handler
	router  http.Handler
	store   *store.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	log := zerolog.Nop()

	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	require.NoError(t, err)

	clock := generic.NewFixedClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	q := quotation.NewEngine(mem, log)
	q.Metrics, q.Clock = rec, clock
	inv := inventory.NewLedger(mem, log)
	inv.Metrics, inv.Clock = rec, clock
	fin := finance.NewReconciler(mem, log)
	fin.Metrics, fin.Clock = rec, clock

	h := NewHandler(mem, q, inv, fin, log)
	h.Auditor = NewIntegrityAuditor(inv, fin, log)
	return &testServer{handler: h, router: NewRouter(h, log, []string{"*"}, reg), store: mem}
}

type response struct {
	Status  int
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Kind    string          `json:"kind"`
}

// do sends body (string or value) and decodes the envelope.
func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) response {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	resp := response{Status: w.Code}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return resp
}

// data decodes the payload keeping numbers as json.Number.
func (r response) data(t *testing.T) map[string]any {
	t.Helper()
	var out map[string]any
	dec := json.NewDecoder(bytes.NewReader(r.Data))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&out))
	return out
}

func (r response) list(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(bytes.NewReader(r.Data))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&out))
	return out
}

// =============================================================================
// QUOTATIONS
// =============================================================================

func TestQuotationWorkflow_HTTP(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A quotation with one numeric and one string amount
	resp := s.do(t, http.MethodPost, "/api/quotations", `{
		"clientId": "client-1",
		"items": [
			{"serviceItem": "Lead", "quantity": 2, "unitPrice": 50},
			{"serviceItem": "Zinc", "quantity": "1", "unitPrice": "100"}
		]
	}`, "X-User-ID", "alice")
	require.Equal(t, http.StatusCreated, resp.Status, resp.Message)
	q := resp.data(t)
	id := q["id"].(string)
	assert.Equal(t, "draft", q["status"])
	assert.Equal(t, "alice", q["createdBy"])
	assert.True(t, strings.HasPrefix(q["quotationNo"].(string), "BJ"))

	// THEN: Amounts are JSON numbers
	subtotal, ok := q["subtotal"].(json.Number)
	require.True(t, ok, "subtotal must be a JSON number")
	assert.Equal(t, "200", subtotal.String())

	// WHEN: Submitted and approved by sales
	resp = s.do(t, http.MethodPatch, "/api/quotations/"+id, ApprovalActionRequest{Action: "submit", Approver: "alice"})
	require.Equal(t, http.StatusOK, resp.Status, resp.Message)
	assert.Equal(t, "pending_sales", resp.data(t)["status"])

	resp = s.do(t, http.MethodPatch, "/api/quotations/"+id, ApprovalActionRequest{Action: "approve", Approver: "bob", Comment: "ok"})
	require.Equal(t, http.StatusOK, resp.Status, resp.Message)
	got := resp.data(t)
	assert.Equal(t, "pending_finance", got["status"])
	history := got["approvalHistory"].([]any)
	require.Len(t, history, 2)
	assert.Equal(t, "approve", history[0].(map[string]any)["action"], "newest first")

	// THEN: Editing outside draft is a conflict
	resp = s.do(t, http.MethodPut, "/api/quotations/"+id, `{"clientId": "client-2"}`)
	assert.Equal(t, http.StatusConflict, resp.Status)
	assert.Equal(t, "invalid_transition", resp.Kind)
	assert.False(t, resp.Success)

	// AND: Deleting outside draft is a conflict
	resp = s.do(t, http.MethodDelete, "/api/quotations/"+id, nil)
	assert.Equal(t, http.StatusConflict, resp.Status)

	// AND: Client response can be recorded at any stage
	resp = s.do(t, http.MethodPut, "/api/quotations/"+id+"/client-response", ClientResponseRequest{ClientResponse: "accepted"})
	require.Equal(t, http.StatusOK, resp.Status, resp.Message)
	assert.Equal(t, "accepted", resp.data(t)["clientResponse"])

	// AND: GET returns the history
	resp = s.do(t, http.MethodGet, "/api/quotations/"+id, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Len(t, resp.data(t)["approvalHistory"], 2)
}

func TestApplyAction_RejectsUnknownAction(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/quotations", CreateQuotationRequest{ClientID: "c"})
	require.Equal(t, http.StatusCreated, resp.Status, resp.Message)
	id := resp.data(t)["id"].(string)

	resp = s.do(t, http.MethodPatch, "/api/quotations/"+id, ApprovalActionRequest{Action: "archive", Approver: "bob"})

	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "validation", resp.Kind)
	assert.Contains(t, resp.Message, "action")
}

func TestQuotation_DraftEditAndDelete(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/quotations", CreateQuotationRequest{ClientID: "c"})
	require.Equal(t, http.StatusCreated, resp.Status)
	id := resp.data(t)["id"].(string)

	resp = s.do(t, http.MethodPut, "/api/quotations/"+id, `{"sampleName": "Well water", "items": [{"serviceItem": "pH", "quantity": 3, "unitPrice": 10}]}`)
	require.Equal(t, http.StatusOK, resp.Status, resp.Message)
	edited := resp.data(t)
	assert.Equal(t, "Well water", edited["sampleName"])
	assert.Equal(t, "30", edited["subtotal"].(json.Number).String())

	resp = s.do(t, http.MethodDelete, "/api/quotations/"+id, nil)
	require.Equal(t, http.StatusOK, resp.Status)

	resp = s.do(t, http.MethodGet, "/api/quotations/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "not_found", resp.Kind)
}

// =============================================================================
// INVENTORY
// =============================================================================

func TestStockPostings_HTTP(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A reagent with 4 in stock and a minimum of 5
	resp := s.do(t, http.MethodPost, "/api/consumables", `{"name": "Nitric acid", "stockQuantity": 4, "minStock": 5}`)
	require.Equal(t, http.StatusCreated, resp.Status, resp.Message)
	c := resp.data(t)
	id := c["id"].(string)
	assert.Equal(t, "low_stock", c["status"])

	// WHEN: 10 are received at 18.5
	resp = s.do(t, http.MethodPost, "/api/consumable-transactions", PostTransactionRequest{
		ConsumableID: id, Type: "in", Quantity: decPtr("10"), UnitPrice: decPtr("18.5"), TransactionDate: "2025-03-10",
	})

	// THEN: Stock 14, normal, value 185
	require.Equal(t, http.StatusCreated, resp.Status, resp.Message)
	posted := resp.data(t)
	tx := posted["transaction"].(map[string]any)
	assert.True(t, strings.HasPrefix(tx["transactionNo"].(string), "RK20250310"))
	assert.Equal(t, "185", tx["totalAmount"].(json.Number).String())
	assert.Equal(t, "14", posted["consumable"].(map[string]any)["stockQuantity"].(json.Number).String())
	assert.Equal(t, "normal", posted["consumable"].(map[string]any)["status"])

	// WHEN: More than the stock is drawn
	resp = s.do(t, http.MethodPost, "/api/consumable-transactions", PostTransactionRequest{
		ConsumableID: id, Type: "out", Quantity: decPtr("20"),
	})

	// THEN: Unprocessable, nothing changes
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Status)
	assert.Equal(t, "insufficient_resource", resp.Kind)

	resp = s.do(t, http.MethodGet, "/api/consumables/"+id+"/transactions", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	list := resp.data(t)
	assert.Len(t, list["transactions"], 1)
	assert.Equal(t, "10", list["stats"].(map[string]any)["totalIn"].(json.Number).String())

	resp = s.do(t, http.MethodGet, "/api/consumables/"+id+"/verify", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, true, resp.data(t)["consistent"])
}

func TestStockPosting_RequestValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing quantity", `{"consumableId": "c1", "type": "in"}`, "quantity"},
		{"bad direction", `{"consumableId": "c1", "type": "sideways", "quantity": 1}`, "type"},
		{"missing consumable", `{"type": "in", "quantity": 1}`, "consumableId"},
		{"bad date", `{"consumableId": "c1", "type": "in", "quantity": 1, "transactionDate": "10/03/2025"}`, "transactionDate"},
		{"malformed json", `{"consumableId":`, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/api/consumable-transactions", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.Status)
			assert.Equal(t, "validation", resp.Kind)
			assert.Contains(t, resp.Message, tt.field)
		})
	}

	resp := s.do(t, http.MethodPost, "/api/consumable-transactions", `{"consumableId": "nope", "type": "in", "quantity": 1}`)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

// =============================================================================
// FINANCE
// =============================================================================

func TestPayments_HTTP(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: A receivable of 1000 created by the header user
	resp := s.do(t, http.MethodPost, "/api/receivables", `{"clientName": "Hydro", "amount": "1000", "dueDate": "2025-04-30"}`,
		"X-User-ID", "frank")
	require.Equal(t, http.StatusCreated, resp.Status, resp.Message)
	id := resp.data(t)["id"].(string)

	// WHEN: 400 is paid
	resp = s.do(t, http.MethodPost, "/api/payments", PostPaymentRequest{ReceivableID: id, Amount: decPtr("400"), Method: "cash"})
	require.Equal(t, http.StatusCreated, resp.Status, resp.Message)
	paid := resp.data(t)
	paymentID := paid["payment"].(map[string]any)["id"].(string)
	rec := paid["receivable"].(map[string]any)
	assert.Equal(t, "partial", rec["status"])
	assert.Equal(t, "600", rec["remainingAmount"].(json.Number).String())

	// THEN: Overpaying is refused
	resp = s.do(t, http.MethodPost, "/api/payments", PostPaymentRequest{ReceivableID: id, Amount: decPtr("700")})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Status)

	resp = s.do(t, http.MethodGet, "/api/receivables/"+id+"/payments", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "400", resp.data(t)["totalAmount"].(json.Number).String())

	// WHEN: The payment is deleted
	resp = s.do(t, http.MethodDelete, "/api/payments/"+paymentID, nil)
	require.Equal(t, http.StatusOK, resp.Status, resp.Message)

	// THEN: Back to pending and the payment is gone
	resp = s.do(t, http.MethodGet, "/api/receivables/"+id, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "pending", resp.data(t)["status"])

	resp = s.do(t, http.MethodGet, "/api/payments/"+paymentID, nil)
	assert.Equal(t, http.StatusNotFound, resp.Status)

	resp = s.do(t, http.MethodGet, "/api/receivables/"+id+"/verify", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, true, resp.data(t)["consistent"])
}

// =============================================================================
// AUDIT
// =============================================================================

func TestListAudit_Filters(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodPost, "/api/receivables", CreateReceivableRequest{ClientName: "x", Amount: decPtr("10")}, "X-User-ID", "frank")
	require.Equal(t, http.StatusCreated, resp.Status, resp.Message)
	id := resp.data(t)["id"].(string)
	resp = s.do(t, http.MethodPost, "/api/payments", PostPaymentRequest{ReceivableID: id, Amount: decPtr("5"), Operator: "grace"})
	require.Equal(t, http.StatusCreated, resp.Status, resp.Message)

	resp = s.do(t, http.MethodGet, "/api/audit?aggregate_type=receivable&aggregate_id="+id, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	entries := resp.list(t)
	require.Len(t, entries, 2)
	assert.Equal(t, string(generic.AuditPaymentPosted), entries[0]["action"])

	resp = s.do(t, http.MethodGet, "/api/audit?actor=frank", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Len(t, resp.list(t), 1)

	resp = s.do(t, http.MethodGet, "/api/audit?action=payment_posted,payment_deleted&limit=1", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Len(t, resp.list(t), 1)

	resp = s.do(t, http.MethodGet, "/api/audit?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestRunIntegrityAudit_ReportsDrift(t *testing.T) {
	// GIVEN: A consumable whose balance was altered behind the ledger
	s := newTestServer(t)
	ctx := context.Background()
	resp := s.do(t, http.MethodPost, "/api/consumables", CreateConsumableRequest{Name: "Acetone", StockQuantity: decPtr("5")})
	require.Equal(t, http.StatusCreated, resp.Status, resp.Message)
	id := generic.ConsumableID(resp.data(t)["id"].(string))
	resp = s.do(t, http.MethodPost, "/api/receivables", CreateReceivableRequest{ClientName: "x", Amount: decPtr("10")})
	require.Equal(t, http.StatusCreated, resp.Status, resp.Message)

	require.NoError(t, s.store.WithTx(ctx, func(tx generic.Tx) error {
		c, err := tx.LockConsumable(ctx, id)
		if err != nil {
			return err
		}
		c.StockQuantity = generic.Dec(9)
		return tx.UpdateConsumable(ctx, c)
	}))

	// WHEN: The audit runs
	resp = s.do(t, http.MethodPost, "/api/audit/verify", nil)

	// THEN: Both aggregates are checked and one drifted by 4
	require.Equal(t, http.StatusOK, resp.Status, resp.Message)
	run := resp.data(t)
	assert.Equal(t, "2", run["checked"].(json.Number).String())
	drifted := run["drifted"].([]any)
	require.Len(t, drifted, 1)
	assert.Equal(t, "4", drifted[0].(map[string]any)["drift"].(json.Number).String())

	// AND: Without an auditor the endpoint refuses
	s.handler.Auditor = nil
	resp = s.do(t, http.MethodPost, "/api/audit/verify", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

// =============================================================================
// HEALTH & METRICS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "ok", resp.data(t)["status"])

	s.do(t, http.MethodPost, "/api/receivables", CreateReceivableRequest{ClientName: "x", Amount: decPtr("-1")})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `labops_operations_total{engine="finance"`)
	assert.Contains(t, w.Body.String(), `outcome="validation"`)
}
