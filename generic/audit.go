package generic

import (
	"context"
	"time"
)

// =============================================================================
// AUDIT TRAIL - Separate from the ledgers, tracks who did what when
// =============================================================================

// AuditEntry records who did what when. Append-only.
type AuditEntry struct {
	ID            AuditEntryID
	Timestamp     time.Time
	ActorID       string // who performed the action
	Action        AuditAction
	AggregateType AggregateType
	AggregateID   string
	Payload       map[string]any // action-specific data
}

type AuditAction string

const (
	AuditQuotationCreated     AuditAction = "quotation_created"
	AuditQuotationEdited      AuditAction = "quotation_edited"
	AuditQuotationDeleted     AuditAction = "quotation_deleted"
	AuditApprovalSubmit       AuditAction = "approval_submit"
	AuditApprovalApprove      AuditAction = "approval_approve"
	AuditApprovalReject       AuditAction = "approval_reject"
	AuditClientResponseSet    AuditAction = "client_response_set"
	AuditConsumableRegistered AuditAction = "consumable_registered"
	AuditStockPosted          AuditAction = "stock_posted"
	AuditReceivableCreated    AuditAction = "receivable_created"
	AuditPaymentPosted        AuditAction = "payment_posted"
	AuditPaymentDeleted       AuditAction = "payment_deleted"
)

// ApprovalAuditAction maps a workflow action to its audit action.
func ApprovalAuditAction(a ApprovalAction) AuditAction {
	switch a {
	case ActionSubmit:
		return AuditApprovalSubmit
	case ActionApprove:
		return AuditApprovalApprove
	default:
		return AuditApprovalReject
	}
}

type AggregateType string

const (
	AggregateQuotation  AggregateType = "quotation"
	AggregateConsumable AggregateType = "consumable"
	AggregateReceivable AggregateType = "receivable"
)

// AuditFilter narrows ListAudit. Zero fields match everything.
type AuditFilter struct {
	AggregateType AggregateType
	AggregateID   string
	ActorID       string
	Actions       []AuditAction
	Limit         int
}

// Matches reports whether e passes the filter (Limit is applied by the caller).
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.AggregateType != "" && e.AggregateType != f.AggregateType {
		return false
	}
	if f.AggregateID != "" && e.AggregateID != f.AggregateID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		for _, a := range f.Actions {
			if a == e.Action {
				return true
			}
		}
		return false
	}
	return true
}

// RecordAudit appends an entry stamped with now. Call it inside the same Tx
// as the mutation it describes.
func RecordAudit(ctx context.Context, tx AuditTx, now time.Time, actor string, action AuditAction, aggType AggregateType, aggID string, payload map[string]any) error {
	return tx.AppendAudit(ctx, AuditEntry{
		ID:            AuditEntryID(NewID()),
		Timestamp:     now,
		ActorID:       actor,
		Action:        action,
		AggregateType: aggType,
		AggregateID:   aggID,
		Payload:       payload,
	})
}
