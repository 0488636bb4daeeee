/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic data
	for demos. Every scenario goes through the engines, so the data carries
	approval history, ledger entries, document numbers and audit entries
	exactly as if it had been entered by hand.

AVAILABLE SCENARIOS:

	quotation-approval: Quotation submitted and approved by sales, waiting on finance
	quotation-rejected: Quotation rejected at the lab director stage
	low-stock:          Reagent drawn down below its minimum stock
	partial-payment:    Receivable with one partial payment posted
	lab-month:          All of the above together

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Call the engines in the order a user would

USAGE VIA API:

	POST /api/scenarios/load
	{"scenarioId": "low-stock"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler wiring
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/shopspring/decimal"
	"github.com/warp/labops-engine/finance"
	"github.com/warp/labops-engine/generic"
	"github.com/warp/labops-engine/inventory"
	"github.com/warp/labops-engine/quotation"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const demoActor = "demo"

var scenarios = []ScenarioDTO{
	{
		ID:          "quotation-approval",
		Name:        "Quotation Approval",
		Description: "Water quality quotation submitted and approved by sales, waiting on finance",
	},
	{
		ID:          "quotation-rejected",
		Name:        "Rejected Quotation",
		Description: "Soil quotation approved by sales and finance, rejected by the lab director",
	},
	{
		ID:          "low-stock",
		Name:        "Low Stock",
		Description: "Reagent received and drawn down below its minimum stock",
	},
	{
		ID:          "partial-payment",
		Name:        "Partial Payment",
		Description: "Receivable of 10000 with a 3000 bank transfer posted",
	},
	{
		ID:          "lab-month",
		Name:        "Lab Month",
		Description: "Quotations, inventory and receivables together",
	},
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"quotation-approval": h.loadQuotationApprovalScenario,
		"quotation-rejected": h.loadQuotationRejectedScenario,
		"low-stock":          h.loadLowStockScenario,
		"partial-payment":    h.loadPartialPaymentScenario,
		"lab-month":          h.loadLabMonthScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, r, generic.Invalid("scenarioId", "unknown scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	hlog.FromRequest(r).Info().Str("scenario", req.ScenarioID).Msg("Scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Warn().Msg("Store reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// reset must be called with h.mu held.
func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Store.(Resetter)
	if !ok {
		return generic.Invalid("store", "reset not supported by this store")
	}
	if err := rs.Reset(ctx); err != nil {
		return generic.WrapStorage("reset", err)
	}
	h.currentScenario = ""
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadQuotationApprovalScenario(ctx context.Context) error {
	q, err := h.Quotations.Create(ctx, quotation.CreateInput{
		ClientID:      "client-hydro-01",
		ClientContact: "Chen Wei",
		SampleName:    "River water, 6 bottles",
		Items: []quotation.ItemInput{
			{ServiceItem: "Heavy metals panel", MethodStandard: "HJ 700-2014", Quantity: decPtr("6"), UnitPrice: decPtr("450")},
			{ServiceItem: "COD", MethodStandard: "HJ 828-2017", Quantity: decPtr("6"), UnitPrice: decPtr("120")},
		},
		CreatedBy: "alice",
	})
	if err != nil {
		return err
	}
	if _, err := h.Quotations.Apply(ctx, q.ID, generic.ActionSubmit, "alice", "ready for review"); err != nil {
		return err
	}
	_, err = h.Quotations.Apply(ctx, q.ID, generic.ActionApprove, "bob", "pricing ok")
	return err
}

func (h *Handler) loadQuotationRejectedScenario(ctx context.Context) error {
	q, err := h.Quotations.Create(ctx, quotation.CreateInput{
		ClientID:   "client-agri-07",
		SampleName: "Farmland soil, 12 cores",
		Items: []quotation.ItemInput{
			{ServiceItem: "Pesticide residue screen", MethodStandard: "GB 23200.113", Quantity: decPtr("12"), UnitPrice: decPtr("800")},
		},
		FinalAmount: decPtr("9000"),
		CreatedBy:   "alice",
	})
	if err != nil {
		return err
	}
	steps := []struct {
		action   generic.ApprovalAction
		approver string
		comment  string
	}{
		{generic.ActionSubmit, "alice", ""},
		{generic.ActionApprove, "bob", "discount agreed with client"},
		{generic.ActionApprove, "carol", "margin acceptable"},
		{generic.ActionReject, "dave", "GC-MS booked out for the month"},
	}
	for _, s := range steps {
		if _, err := h.Quotations.Apply(ctx, q.ID, s.action, s.approver, s.comment); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadLowStockScenario(ctx context.Context) error {
	c, err := h.Inventory.Register(ctx, inventory.RegisterInput{
		Code:            "RG-HNO3",
		Name:            "Nitric acid, trace metal grade",
		Unit:            "bottle",
		InitialQuantity: decimal.NewFromInt(4),
		MinStock:        decPtr("5"),
		Operator:        "erin",
	})
	if err != nil {
		return err
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	postings := []inventory.PostInput{
		{Type: generic.DirectionIn, Quantity: decimal.NewFromInt(10), UnitPrice: decimal.RequireFromString("185.50"), Reason: "purchase", RelatedOrder: "PO-2291", TransactionDate: today.AddDate(0, 0, -20)},
		{Type: generic.DirectionOut, Quantity: decimal.NewFromInt(6), Reason: "digestion batch 14", TransactionDate: today.AddDate(0, 0, -9)},
		{Type: generic.DirectionOut, Quantity: decimal.NewFromInt(5), Reason: "digestion batch 15", TransactionDate: today.AddDate(0, 0, -2)},
	}
	for _, p := range postings {
		p.ConsumableID = c.ID
		p.Operator = "erin"
		if _, err := h.Inventory.Post(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadPartialPaymentScenario(ctx context.Context) error {
	due := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 1, 0)
	rec, err := h.Finance.CreateReceivable(ctx, finance.CreateReceivableInput{
		ClientName: "Hydro Survey Institute",
		Amount:     decimal.NewFromInt(10000),
		DueDate:    &due,
		Operator:   "frank",
	})
	if err != nil {
		return err
	}
	_, err = h.Finance.PostPayment(ctx, finance.PostPaymentInput{
		ReceivableID:  rec.ID,
		Amount:        decimal.NewFromInt(3000),
		Method:        "bank_transfer",
		HandlerName:   "frank",
		BankName:      "ICBC",
		TransactionNo: "TX-55102",
		Operator:      "frank",
	})
	return err
}

func (h *Handler) loadLabMonthScenario(ctx context.Context) error {
	for _, load := range []func(context.Context) error{
		h.loadQuotationApprovalScenario,
		h.loadQuotationRejectedScenario,
		h.loadLowStockScenario,
		h.loadPartialPaymentScenario,
	} {
		if err := load(ctx); err != nil {
			return err
		}
	}
	return nil
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
