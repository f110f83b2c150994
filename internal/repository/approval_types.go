package repository

import "time"

// ── Domain types for the approval workflow engine ────────────────────────────

// DocumentKind identifies the business record type behind an approval request.
type DocumentKind string

const (
	DocumentTimesheet     DocumentKind = "timesheet"
	DocumentSalaryAdvance DocumentKind = "salary_advance"
	DocumentProcurement   DocumentKind = "procurement_document"
	DocumentPayrollRun    DocumentKind = "payroll_run"
)

// DocumentRef is an opaque reference to the business record a request governs.
type DocumentRef struct {
	Kind DocumentKind `json:"kind"`
	ID   string       `json:"id"`
}

// RequestStatus is the overall status of an approval request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool { return s != RequestPending }

// ActionStatus is the state of one approver's action for one step.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionApproved  ActionStatus = "approved"
	ActionRejected  ActionStatus = "rejected"
	ActionCancelled ActionStatus = "cancelled"
	// ActionDelegated marks a step instance explicitly reassigned to another
	// user; ActionEscalated is reserved for the external escalation job.
	ActionDelegated ActionStatus = "delegated"
	ActionEscalated ActionStatus = "escalated"
)

// ApprovalRequest is one document's journey through a workflow.
// Immutable once Status is terminal; never deleted.
type ApprovalRequest struct {
	ID           string
	RequesterID  string
	DocumentKind DocumentKind
	DocumentID   string
	TemplateID   string
	CurrentStep  int // 1-based; within [1, TotalSteps] while pending
	TotalSteps   int
	Status       RequestStatus
	Priority     string // low | normal | high
	Payload      map[string]interface{}
	// Version backs optimistic locking on resolution; every state change
	// increments it.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ref returns the business-record reference for this request.
func (r *ApprovalRequest) Ref() DocumentRef {
	return DocumentRef{Kind: r.DocumentKind, ID: r.DocumentID}
}

// ApprovalAction is one approver's recorded decision for one step of one
// request. A step with several eligible approvers has one action per
// approver; the first terminal decision settles the step.
type ApprovalAction struct {
	ID         string
	RequestID  string
	StepOrder  int
	StepName   string
	ApproverID string
	Status     ActionStatus
	Comment    *string
	// ActedBy differs from ApproverID when an active delegate decided.
	ActedBy   *string
	ActedAt   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Delegation is a temporal grant: delegate may act in place of approver
// between ValidFrom and ValidTo inclusive.
type Delegation struct {
	ID         string
	ApproverID string
	DelegateID string
	ValidFrom  time.Time
	ValidTo    time.Time
	CreatedAt  time.Time
}

// Covers reports whether the delegation is active at the given instant.
func (d *Delegation) Covers(at time.Time) bool {
	return !at.Before(d.ValidFrom) && !at.After(d.ValidTo)
}

// AuditEntry is one immutable record in the approval audit log.
type AuditEntry struct {
	ID           string
	RequestID    string
	DocumentKind DocumentKind
	DocumentID   string
	Action       string // submitted | approved | rejected | cancelled | delegated
	PerformedBy  string
	PerformedAt  time.Time
	StepOrder    *int
	Metadata     map[string]interface{}
}

// StepResolution carries every mutation of one process_action call so the
// store can apply them atomically: the acted action's terminal state, the
// sibling actions to supersede, the request transition guarded by a version
// check, and the next step's actions when the request advances.
type StepResolution struct {
	RequestID       string
	ExpectedVersion int

	ActionID     string
	ActionStatus ActionStatus
	ActedBy      string
	Comment      *string
	ActedAt      time.Time

	// Sibling pending actions at the same step, cancelled when one approver
	// settles the step first.
	SupersededIDs []string

	RequestStatus RequestStatus
	CurrentStep   int
	NextActions   []*ApprovalAction
}
