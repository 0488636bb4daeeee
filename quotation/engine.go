package quotation

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
// ENGINE
// =============================================================================

// Engine is the approval workflow engine.
type Engine struct {
	Store   generic.Store
	Clock   generic.Clock
	Log     zerolog.Logger
	Metrics *metrics.Recorder
	TaxRate decimal.Decimal
}

func NewEngine(store generic.Store, log zerolog.Logger) *Engine {
	return &Engine{
		Store:   store,
		Clock:   generic.SystemClock{},
		Log:     log.With().Str("engine", "quotation").Logger(),
		TaxRate: DefaultTaxRate,
	}
}

// Result is a quotation with its approval history, newest first.
type Result struct {
	Quotation generic.Quotation
	History   []generic.ApprovalRecord
}

// CreateInput is a new draft quotation.
type CreateInput struct {
	ClientID      string
	ClientContact string
	SampleName    string
	Items         []ItemInput
	FinalAmount   *decimal.Decimal
	CreatedBy     string
}

// EditInput changes a draft. Nil fields are left as they are; a non-nil
// Items replaces every line.
type EditInput struct {
	ClientID      *string
	ClientContact *string
	SampleName    *string
	Items         []ItemInput
	FinalAmount   *decimal.Decimal
	Editor        string
}

// =============================================================================
// WORKFLOW
// =============================================================================

// Apply performs a workflow action (submit, approve, reject) on a quotation.
// The approval record and the status change commit together or not at all.
func (e *Engine) Apply(ctx context.Context, id generic.QuotationID, action generic.ApprovalAction, approver, comment string) (res *Result, err error) {
	defer e.Metrics.Observe("quotation", "apply", time.Now(), &err)

	if !action.Valid() {
		return nil, generic.Invalid("action", "must be submit, approve or reject, got %q", action)
	}
	if strings.TrimSpace(approver) == "" {
		return nil, generic.Invalid("approver", "required")
	}

	var from generic.QuotationStatus
	err = e.Store.WithTx(ctx, func(tx generic.Tx) error {
		q, err := tx.LockQuotation(ctx, id)
		if err != nil {
			return err
		}
		from = q.Status

		to, stage, err := Transition(q.Status, action)
		if err != nil {
			return err
		}

		now := e.Clock.Now()
		record := generic.ApprovalRecord{
			ID:          generic.ApprovalRecordID(generic.NewID()),
			QuotationID: q.ID,
			Level:       stage.Level,
			Role:        stage.Role,
			Approver:    approver,
			Action:      action,
			Comment:     comment,
			Timestamp:   now,
		}
		if err := tx.AppendApproval(ctx, record); err != nil {
			return err
		}

		q.Status = to
		q.UpdatedAt = now
		if err := tx.UpdateQuotation(ctx, q); err != nil {
			return err
		}

		if err := generic.RecordAudit(ctx, tx, now, approver, generic.ApprovalAuditAction(action),
			generic.AggregateQuotation, string(q.ID), map[string]any{
				"from":    string(from),
				"to":      string(to),
				"level":   stage.Level,
				"role":    stage.Role,
				"comment": comment,
			}); err != nil {
			return err
		}

		history, err := tx.ListApprovals(ctx, q.ID)
		if err != nil {
			return err
		}
		res = &Result{Quotation: *q, History: history}
		return nil
	})
	if err != nil {
		e.Log.Debug().Err(err).
			Str("quotation_id", string(id)).
			Str("action", string(action)).
			Str("from", string(from)).
			Msg("Workflow action refused")
		return nil, err
	}

	e.Log.Info().
		Str("quotation_id", string(id)).
		Str("action", string(action)).
		Str("from", string(from)).
		Str("to", string(res.Quotation.Status)).
		Str("approver", approver).
		Msg("Workflow action applied")
	return res, nil
}

// =============================================================================
// DRAFT LIFECYCLE
// =============================================================================

// Create registers a new quotation in draft.
func (e *Engine) Create(ctx context.Context, in CreateInput) (q *generic.Quotation, err error) {
	defer e.Metrics.Observe("quotation", "create", time.Now(), &err)

	if strings.TrimSpace(in.ClientID) == "" {
		return nil, generic.Invalid("clientId", "required")
	}
	items, err := buildItems(in.Items)
	if err != nil {
		return nil, err
	}
	if err := checkFinalAmount(in.FinalAmount); err != nil {
		return nil, err
	}

	err = e.Store.WithTx(ctx, func(tx generic.Tx) error {
		now := e.Clock.Now()
		no, err := generic.NextNumber(ctx, tx, generic.PrefixQuotation, now)
		if err != nil {
			return err
		}
		q = &generic.Quotation{
			ID:            generic.QuotationID(generic.NewID()),
			No:            no,
			ClientID:      in.ClientID,
			ClientContact: in.ClientContact,
			SampleName:    in.SampleName,
			Items:         items,
			Status:        generic.QuotationDraft,
			CreatedBy:     in.CreatedBy,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		ComputeTotals(items, e.TaxRate, in.FinalAmount).apply(q)

		if err := tx.InsertQuotation(ctx, q); err != nil {
			return err
		}
		return generic.RecordAudit(ctx, tx, now, in.CreatedBy, generic.AuditQuotationCreated,
			generic.AggregateQuotation, string(q.ID), map[string]any{
				"no":             q.No,
				"discount_total": q.DiscountTotal.String(),
			})
	})
	if err != nil {
		return nil, err
	}

	e.Log.Info().Str("quotation_id", string(q.ID)).Str("no", q.No).Msg("Quotation created")
	return q, nil
}

// Edit changes a draft quotation. Any other status is an InvalidTransitionError.
func (e *Engine) Edit(ctx context.Context, id generic.QuotationID, in EditInput) (q *generic.Quotation, err error) {
	defer e.Metrics.Observe("quotation", "edit", time.Now(), &err)

	var items []generic.QuotationItem
	if in.Items != nil {
		if items, err = buildItems(in.Items); err != nil {
			return nil, err
		}
	}
	if in.ClientID != nil && strings.TrimSpace(*in.ClientID) == "" {
		return nil, generic.Invalid("clientId", "must not be empty")
	}
	if err := checkFinalAmount(in.FinalAmount); err != nil {
		return nil, err
	}

	err = e.Store.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		q, err = tx.LockQuotation(ctx, id)
		if err != nil {
			return err
		}
		if q.Status != generic.QuotationDraft {
			return &generic.InvalidTransitionError{From: q.Status, Action: "edit"}
		}

		if in.ClientID != nil {
			q.ClientID = *in.ClientID
		}
		if in.ClientContact != nil {
			q.ClientContact = *in.ClientContact
		}
		if in.SampleName != nil {
			q.SampleName = *in.SampleName
		}
		if in.Items != nil {
			q.Items = items
		}
		if in.Items != nil || in.FinalAmount != nil {
			ComputeTotals(q.Items, e.TaxRate, in.FinalAmount).apply(q)
		}

		now := e.Clock.Now()
		q.UpdatedAt = now
		if err := tx.UpdateQuotation(ctx, q); err != nil {
			return err
		}
		return generic.RecordAudit(ctx, tx, now, in.Editor, generic.AuditQuotationEdited,
			generic.AggregateQuotation, string(q.ID), map[string]any{
				"items_replaced": in.Items != nil,
				"discount_total": q.DiscountTotal.String(),
			})
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Delete removes a draft quotation. Any other status is an InvalidTransitionError.
func (e *Engine) Delete(ctx context.Context, id generic.QuotationID, actor string) (err error) {
	defer e.Metrics.Observe("quotation", "delete", time.Now(), &err)

	err = e.Store.WithTx(ctx, func(tx generic.Tx) error {
		q, err := tx.LockQuotation(ctx, id)
		if err != nil {
			return err
		}
		if q.Status != generic.QuotationDraft {
			return &generic.InvalidTransitionError{From: q.Status, Action: "delete"}
		}
		if err := tx.DeleteQuotation(ctx, id); err != nil {
			return err
		}
		return generic.RecordAudit(ctx, tx, e.Clock.Now(), actor, generic.AuditQuotationDeleted,
			generic.AggregateQuotation, string(id), map[string]any{"no": q.No})
	})
	if err == nil {
		e.Log.Info().Str("quotation_id", string(id)).Msg("Quotation deleted")
	}
	return err
}

// SetClientResponse records the client's answer to the quotation. It is
// accepted in every status and never changes the status.
func (e *Engine) SetClientResponse(ctx context.Context, id generic.QuotationID, response, actor string) (q *generic.Quotation, err error) {
	defer e.Metrics.Observe("quotation", "client_response", time.Now(), &err)

	if strings.TrimSpace(response) == "" {
		return nil, generic.Invalid("clientResponse", "required")
	}

	err = e.Store.WithTx(ctx, func(tx generic.Tx) error {
		var err error
		q, err = tx.LockQuotation(ctx, id)
		if err != nil {
			return err
		}
		now := e.Clock.Now()
		q.ClientResponse = response
		q.UpdatedAt = now
		if err := tx.UpdateQuotation(ctx, q); err != nil {
			return err
		}
		return generic.RecordAudit(ctx, tx, now, actor, generic.AuditClientResponseSet,
			generic.AggregateQuotation, string(id), map[string]any{"response": response})
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Get returns a quotation with its approval history.
func (e *Engine) Get(ctx context.Context, id generic.QuotationID) (*Result, error) {
	var res *Result
	err := e.Store.WithTx(ctx, func(tx generic.Tx) error {
		q, err := tx.GetQuotation(ctx, id)
		if err != nil {
			return err
		}
		history, err := tx.ListApprovals(ctx, id)
		if err != nil {
			return err
		}
		res = &Result{Quotation: *q, History: history}
		return nil
	})
	return res, err
}

func checkFinalAmount(v *decimal.Decimal) error {
	if v != nil && v.IsNegative() {
		return generic.Invalid("finalAmount", "must not be negative")
	}
	return nil
}
