/*
Package quotation implements the quotation approval workflow.

PURPOSE:
  Drives a quotation through a fixed sequence of approval stages and records
  every action as an immutable ApprovalRecord in the same atomic unit as the
  status change.

STATE MACHINE:

    draft ──submit──▶ pending_sales ──approve──▶ pending_finance ──approve──▶ pending_lab ──approve──▶ approved
                           │                           │                          │
                           └──────────reject───────────┴──────────reject──────────┴──▶ rejected

  draft is initial. approved and rejected are terminal: every action on
  them fails with InvalidTransitionError.

STAGES:
  Each pending state is bound to an approval level and the role that
  approves it:
    pending_sales   -> level 1, sales_manager
    pending_finance -> level 2, finance
    pending_lab     -> level 3, lab_director
  A submit is recorded as level 0, role "submitter". An approve or reject
  is recorded with the stage of the state it leaves.

EDITING:
  Line items, totals and client fields can be edited, and the quotation
  deleted, only while it is a draft.

SEE ALSO:
  - engine.go: Engine operations
  - totals.go: Line-item totals
*/
package quotation

import "github.com/warp/labops-engine/generic"

// =============================================================================
// STAGES
// =============================================================================

// Stage is the approval level and role recorded for an action.
type Stage struct {
	Level int
	Role  string
}

const (
	RoleSubmitter    = "submitter"
	RoleSalesManager = "sales_manager"
	RoleFinance      = "finance"
	RoleLabDirector  = "lab_director"
)

var submitStage = Stage{Level: 0, Role: RoleSubmitter}

// StageOf returns the stage bound to a pending state.
func StageOf(s generic.QuotationStatus) (Stage, bool) {
	switch s {
	case generic.QuotationPendingSales:
		return Stage{Level: 1, Role: RoleSalesManager}, true
	case generic.QuotationPendingFinance:
		return Stage{Level: 2, Role: RoleFinance}, true
	case generic.QuotationPendingLab:
		return Stage{Level: 3, Role: RoleLabDirector}, true
	}
	return Stage{}, false
}

// =============================================================================
// TRANSITION TABLE
// =============================================================================

// Transition returns the target status and the stage to record when action
// is applied in state from. Any pair not in the table is an
// *InvalidTransitionError; an unknown action is a *ValidationError.
func Transition(from generic.QuotationStatus, action generic.ApprovalAction) (generic.QuotationStatus, Stage, error) {
	if !action.Valid() {
		return "", Stage{}, generic.Invalid("action", "must be submit, approve or reject, got %q", action)
	}

	var to generic.QuotationStatus
	switch action {
	case generic.ActionSubmit:
		if from == generic.QuotationDraft {
			return generic.QuotationPendingSales, submitStage, nil
		}
	case generic.ActionApprove:
		switch from {
		case generic.QuotationPendingSales:
			to = generic.QuotationPendingFinance
		case generic.QuotationPendingFinance:
			to = generic.QuotationPendingLab
		case generic.QuotationPendingLab:
			to = generic.QuotationApproved
		}
	case generic.ActionReject:
		if from.Pending() {
			to = generic.QuotationRejected
		}
	}
	if to == "" {
		return "", Stage{}, &generic.InvalidTransitionError{From: from, Action: string(action)}
	}

	stage, _ := StageOf(from)
	return to, stage, nil
}
