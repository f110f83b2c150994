package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/velora-hq/be-hr-payroll/internal/errors"
	"github.com/velora-hq/be-hr-payroll/internal/logger"
	"github.com/velora-hq/be-hr-payroll/internal/repository"
)

// ApprovalStoreInterface is the persistence contract the engine needs.
// Implemented by repository.ApprovalRepository (Postgres) and
// repository.MemoryApprovalStore (tests).
type ApprovalStoreInterface interface {
	CreateRequest(ctx context.Context, req *repository.ApprovalRequest, actions []*repository.ApprovalAction) error
	GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	ListActions(ctx context.Context, requestID string) ([]*repository.ApprovalAction, error)
	StepActions(ctx context.Context, requestID string, step int) ([]*repository.ApprovalAction, error)
	ResolveStep(ctx context.Context, res *repository.StepResolution) error
	CreateDelegation(ctx context.Context, d *repository.Delegation) error
	ActiveDelegates(ctx context.Context, approverID string, at time.Time) ([]string, error)
	PendingActionsForUser(ctx context.Context, userID string, at time.Time) ([]*repository.ApprovalAction, error)
}

// AuditStoreInterface appends and reads the immutable approval audit log.
type AuditStoreInterface interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	ListByRequest(ctx context.Context, requestID string) ([]*repository.AuditEntry, error)
}

// IdentityProviderInterface resolves role-based approver rules to the current
// set of eligible user IDs. The engine treats this as a pure query dependency.
type IdentityProviderInterface interface {
	UsersWithRole(ctx context.Context, role string) ([]string, error)
}

// ApprovalEventPublisher emits request lifecycle events. Fire-and-forget:
// implementations log failures and never return them.
type ApprovalEventPublisher interface {
	PublishApprovalEvent(ctx context.Context, event string, req *repository.ApprovalRequest)
}

// BusinessRecordAdapter maps a terminal approval outcome onto the business
// record the request governs, located by DocumentRef alone. Called exactly
// once per resolution; must be idempotent because callers retry on transient
// failure.
type BusinessRecordAdapter interface {
	OnResolved(ctx context.Context, ref repository.DocumentRef, outcome repository.RequestStatus) error
}

// Lifecycle event names published to the notification sink.
const (
	EventRequestCreated  = "request_created"
	EventRequestAdvanced = "request_advanced"
	EventRequestResolved = "request_resolved"
)

// ApprovalService is the generic multi-step approval workflow engine shared
// by timesheets, salary advances, procurement documents and payroll runs.
//
// Step completion is first-approval-wins: a step that resolves to several
// eligible approvers gets one pending action per approver, the first terminal
// decision settles the step and supersedes the siblings, and a rejection by
// any one of them rejects the whole request.
type ApprovalService struct {
	store    ApprovalStoreInterface
	audit    AuditStoreInterface
	registry *repository.WorkflowRegistry
	identity IdentityProviderInterface
	adapters *AdapterRegistry
	events   ApprovalEventPublisher
	log      *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	store ApprovalStoreInterface,
	audit AuditStoreInterface,
	registry *repository.WorkflowRegistry,
	identity IdentityProviderInterface,
	adapters *AdapterRegistry,
	events ApprovalEventPublisher,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		store:    store,
		audit:    audit,
		registry: registry,
		identity: identity,
		adapters: adapters,
		events:   events,
		log:      log,
	}
}

// ── Submit ────────────────────────────────────────────────────────────────────

// SubmitRequest is the input for Submit.
type SubmitRequest struct {
	RequesterID  string
	DocumentKind repository.DocumentKind
	DocumentID   string
	Priority     string
	Payload      map[string]interface{}
}

// Submit creates a pending request at step 1 with one pending action per
// eligible approver of the first step.
func (s *ApprovalService) Submit(ctx context.Context, in *SubmitRequest) (*repository.ApprovalRequest, error) {
	tpl, ok := s.registry.Template(in.DocumentKind)
	if !ok {
		return nil, errors.NotFound("workflow_template", string(in.DocumentKind))
	}
	if len(tpl.Steps) == 0 {
		return nil, errors.InvalidInput("workflow", "workflow has no steps")
	}

	priority := in.Priority
	if priority == "" {
		priority = "normal"
	}

	now := time.Now().UTC()
	req := &repository.ApprovalRequest{
		ID:           uuid.NewString(),
		RequesterID:  in.RequesterID,
		DocumentKind: in.DocumentKind,
		DocumentID:   in.DocumentID,
		TemplateID:   tpl.ID,
		CurrentStep:  1,
		TotalSteps:   len(tpl.Steps),
		Status:       repository.RequestPending,
		Priority:     priority,
		Payload:      in.Payload,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	actions, err := s.buildStepActions(ctx, req.ID, tpl.Steps[0], now)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateRequest(ctx, req, actions); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("document_kind", string(req.DocumentKind)).
		Str("document_id", req.DocumentID).
		Int("total_steps", req.TotalSteps).
		Int("step_approvers", len(actions)).
		Msg("Approval request created")

	s.appendAudit(ctx, &repository.AuditEntry{
		ID:           uuid.NewString(),
		RequestID:    req.ID,
		DocumentKind: req.DocumentKind,
		DocumentID:   req.DocumentID,
		Action:       "submitted",
		PerformedBy:  in.RequesterID,
		PerformedAt:  now,
	})
	s.events.PublishApprovalEvent(ctx, EventRequestCreated, req)

	return req, nil
}

// ── ProcessAction ─────────────────────────────────────────────────────────────

// ProcessAction records one approver decision and advances or terminates the
// request. The whole transition is applied atomically by the store under an
// optimistic version check; a conflict leaves everything untouched and is
// safe to retry.
func (s *ApprovalService) ProcessAction(
	ctx context.Context,
	requestID, actingUserID string,
	decision repository.ActionStatus,
	comment *string,
) (*repository.ApprovalRequest, error) {
	switch decision {
	case repository.ActionApproved, repository.ActionRejected, repository.ActionCancelled:
	default:
		return nil, errors.InvalidInput("decision", "must be approved, rejected or cancelled")
	}

	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.RequestPending {
		return nil, errors.InvalidState("request %s is %s, not pending", req.ID, req.Status)
	}

	stepActions, err := s.store.StepActions(ctx, requestID, req.CurrentStep)
	if err != nil {
		return nil, err
	}
	pending := pendingOf(stepActions)
	if len(pending) == 0 {
		return nil, errors.InvalidState("request %s has no pending action at step %d", req.ID, req.CurrentStep)
	}

	now := time.Now().UTC()
	acted, err := s.authorize(ctx, req, pending, actingUserID, decision, now)
	if err != nil {
		return nil, err
	}

	res := &repository.StepResolution{
		RequestID:       req.ID,
		ExpectedVersion: req.Version,
		ActionID:        acted.ID,
		ActionStatus:    decision,
		ActedBy:         actingUserID,
		Comment:         comment,
		ActedAt:         now,
		CurrentStep:     req.CurrentStep,
	}
	for _, a := range pending {
		if a.ID != acted.ID {
			res.SupersededIDs = append(res.SupersededIDs, a.ID)
		}
	}

	switch {
	case decision == repository.ActionRejected:
		res.RequestStatus = repository.RequestRejected
	case decision == repository.ActionCancelled:
		res.RequestStatus = repository.RequestCancelled
	case req.CurrentStep == req.TotalSteps:
		res.RequestStatus = repository.RequestApproved
	default:
		// Advance: resolve the next step's approvers before committing
		// anything, so a resolution failure leaves the request untouched.
		tpl, ok := s.registry.Template(req.DocumentKind)
		if !ok {
			return nil, errors.NotFound("workflow_template", string(req.DocumentKind))
		}
		nextStep := tpl.Steps[req.CurrentStep] // CurrentStep is 1-based
		nextActions, err := s.buildStepActions(ctx, req.ID, nextStep, now)
		if err != nil {
			return nil, err
		}
		res.RequestStatus = repository.RequestPending
		res.CurrentStep = req.CurrentStep + 1
		res.NextActions = nextActions
	}

	if err := s.store.ResolveStep(ctx, res); err != nil {
		return nil, err
	}

	updated, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("decision", string(decision)).
		Str("acted_by", actingUserID).
		Int("step", req.CurrentStep).
		Str("request_status", string(updated.Status)).
		Msg("Approval action processed")

	step := req.CurrentStep
	s.appendAudit(ctx, &repository.AuditEntry{
		ID:           uuid.NewString(),
		RequestID:    req.ID,
		DocumentKind: req.DocumentKind,
		DocumentID:   req.DocumentID,
		Action:       string(decision),
		PerformedBy:  actingUserID,
		PerformedAt:  now,
		StepOrder:    &step,
	})

	if updated.Status.Terminal() {
		// Publish before the adapter runs: the resolution is already
		// committed, and a retry after an adapter failure hits the terminal
		// guard above, so this is the only chance to emit the event.
		s.events.PublishApprovalEvent(ctx, EventRequestResolved, updated)

		// The business record must follow the outcome. The adapter is
		// idempotent, so a transient failure here is retried by the caller
		// without re-resolving the request.
		if err := s.adapters.Resolve(ctx, updated); err != nil {
			return nil, err
		}
	} else {
		s.events.PublishApprovalEvent(ctx, EventRequestAdvanced, updated)
	}

	return updated, nil
}

// authorize finds the pending action actingUserID may settle: their own, one
// they hold an active delegation for, or — for cancellations — any action at
// the current step when the actor is the original requester.
func (s *ApprovalService) authorize(
	ctx context.Context,
	req *repository.ApprovalRequest,
	pending []*repository.ApprovalAction,
	actingUserID string,
	decision repository.ActionStatus,
	at time.Time,
) (*repository.ApprovalAction, error) {
	for _, a := range pending {
		if a.ApproverID == actingUserID {
			return a, nil
		}
	}

	if decision == repository.ActionCancelled && req.RequesterID == actingUserID {
		return pending[0], nil
	}

	tpl, ok := s.registry.Template(req.DocumentKind)
	if !ok {
		return nil, errors.NotFound("workflow_template", string(req.DocumentKind))
	}
	rule := tpl.Steps[req.CurrentStep-1].Rule
	if rule.Kind == repository.RuleUser || rule.AllowDelegates {
		for _, a := range pending {
			delegates, err := s.store.ActiveDelegates(ctx, a.ApproverID, at)
			if err != nil {
				return nil, err
			}
			for _, d := range delegates {
				if d == actingUserID {
					return a, nil
				}
			}
		}
	}

	return nil, errors.Unauthorized("user is not an assigned approver or active delegate for the current step")
}

// ── Delegation ────────────────────────────────────────────────────────────────

// Delegate records a temporal delegation; ProcessAction honors any delegation
// active at call time.
func (s *ApprovalService) Delegate(ctx context.Context, approverID, delegateID string, validFrom, validTo time.Time) (*repository.Delegation, error) {
	if approverID == delegateID {
		return nil, errors.InvalidInput("delegate_id", "cannot delegate to self")
	}
	if validTo.Before(validFrom) {
		return nil, errors.InvalidInput("valid_to", "must not precede valid_from")
	}

	d := &repository.Delegation{
		ID:         uuid.NewString(),
		ApproverID: approverID,
		DelegateID: delegateID,
		ValidFrom:  validFrom,
		ValidTo:    validTo,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateDelegation(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("approver_id", approverID).
		Str("delegate_id", delegateID).
		Time("valid_from", validFrom).
		Time("valid_to", validTo).
		Msg("Delegation recorded")

	return d, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// RequestDetail is a request with its full action list.
type RequestDetail struct {
	Request *repository.ApprovalRequest  `json:"request"`
	Actions []*repository.ApprovalAction `json:"actions"`
}

// GetRequest returns a request and all its actions in step order.
func (s *ApprovalService) GetRequest(ctx context.Context, requestID string) (*RequestDetail, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	actions, err := s.store.ListActions(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &RequestDetail{Request: req, Actions: actions}, nil
}

// GetHistory returns the audit trail for a request.
func (s *ApprovalService) GetHistory(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return s.audit.ListByRequest(ctx, requestID)
}

// PendingForUser returns the actions currently awaiting a user, as assignee
// or active delegate. Advisory: authorization is re-checked on ProcessAction.
func (s *ApprovalService) PendingForUser(ctx context.Context, userID string) ([]*repository.ApprovalAction, error) {
	return s.store.PendingActionsForUser(ctx, userID, time.Now().UTC())
}

// ── internal helpers ──────────────────────────────────────────────────────────

// buildStepActions resolves a step's approver rule and creates one pending
// action per eligible approver.
func (s *ApprovalService) buildStepActions(ctx context.Context, requestID string, step repository.WorkflowStep, now time.Time) ([]*repository.ApprovalAction, error) {
	approvers, err := s.resolveApprovers(ctx, step.Rule)
	if err != nil {
		return nil, err
	}
	if len(approvers) == 0 {
		return nil, errors.InvalidInput("approver",
			"step '"+step.Name+"' resolves to no eligible approver")
	}

	actions := make([]*repository.ApprovalAction, 0, len(approvers))
	for _, approverID := range approvers {
		actions = append(actions, &repository.ApprovalAction{
			ID:         uuid.NewString(),
			RequestID:  requestID,
			StepOrder:  step.Order,
			StepName:   step.Name,
			ApproverID: approverID,
			Status:     repository.ActionPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return actions, nil
}

func (s *ApprovalService) resolveApprovers(ctx context.Context, rule repository.ApproverRule) ([]string, error) {
	switch rule.Kind {
	case repository.RuleUser:
		return []string{rule.UserID}, nil
	case repository.RuleRole:
		users, err := s.identity.UsersWithRole(ctx, rule.Role)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve approvers for role "+rule.Role)
		}
		return dedupe(users), nil
	default:
		return nil, errors.InvalidInput("rule", "unknown approver rule kind")
	}
}

// appendAudit writes an audit entry and logs a warning on failure (never
// returns an error).
func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

func pendingOf(actions []*repository.ApprovalAction) []*repository.ApprovalAction {
	var out []*repository.ApprovalAction
	for _, a := range actions {
		if a.Status == repository.ActionPending {
			out = append(out, a)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
