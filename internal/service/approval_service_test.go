package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora-hq/be-hr-payroll/internal/errors"
	"github.com/velora-hq/be-hr-payroll/internal/logger"
	"github.com/velora-hq/be-hr-payroll/internal/repository"
)

// ── test doubles ──────────────────────────────────────────────────────────────

type stubIdentity struct {
	roles map[string][]string
}

func (s *stubIdentity) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	return s.roles[role], nil
}

type nopPublisher struct{}

func (nopPublisher) PublishApprovalEvent(context.Context, string, *repository.ApprovalRequest) {}
func (nopPublisher) PublishRunEvent(context.Context, string, *repository.PayrollRun)          {}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) PublishApprovalEvent(_ context.Context, event string, _ *repository.ApprovalRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) PublishRunEvent(context.Context, string, *repository.PayrollRun) {}

func (p *recordingPublisher) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type adapterCall struct {
	Ref     repository.DocumentRef
	Outcome repository.RequestStatus
}

type recordingAdapter struct {
	mu       sync.Mutex
	calls    []adapterCall
	failNext error
}

func (a *recordingAdapter) OnResolved(ctx context.Context, ref repository.DocumentRef, outcome repository.RequestStatus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failNext != nil {
		err := a.failNext
		a.failNext = nil
		return err
	}
	a.calls = append(a.calls, adapterCall{Ref: ref, Outcome: outcome})
	return nil
}

func (a *recordingAdapter) Calls() []adapterCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]adapterCall(nil), a.calls...)
}

type approvalFixture struct {
	svc     *ApprovalService
	store   *repository.MemoryApprovalStore
	audit   *repository.MemoryAuditStore
	adapter *recordingAdapter
	events  *recordingPublisher
}

func newApprovalFixture(t *testing.T, roles map[string][]string) *approvalFixture {
	t.Helper()

	registry, err := repository.NewWorkflowRegistry(repository.DefaultTemplates()...)
	require.NoError(t, err)

	store := repository.NewMemoryApprovalStore()
	audit := repository.NewMemoryAuditStore()
	adapter := &recordingAdapter{}

	log := logger.Nop()
	adapters := NewAdapterRegistry(log)
	for _, kind := range []repository.DocumentKind{
		repository.DocumentTimesheet,
		repository.DocumentSalaryAdvance,
		repository.DocumentProcurement,
		repository.DocumentPayrollRun,
	} {
		adapters.Register(kind, adapter)
	}

	events := &recordingPublisher{}
	svc := NewApprovalService(store, audit, registry, &stubIdentity{roles: roles}, adapters, events, log)
	return &approvalFixture{svc: svc, store: store, audit: audit, adapter: adapter, events: events}
}

func advanceRoles() map[string][]string {
	return map[string][]string{
		"MANAGER":         {"mgr-1"},
		"HR_MANAGER":      {"hr-1"},
		"FINANCE_MANAGER": {"fin-1"},
	}
}

func submitAdvance(t *testing.T, f *approvalFixture) *repository.ApprovalRequest {
	t.Helper()
	req, err := f.svc.Submit(context.Background(), &SubmitRequest{
		RequesterID:  "emp-1",
		DocumentKind: repository.DocumentSalaryAdvance,
		DocumentID:   "adv-1",
		Payload:      map[string]interface{}{"amount": float64(50000)},
	})
	require.NoError(t, err)
	return req
}

// ── submission ────────────────────────────────────────────────────────────────

func TestSubmitCreatesPendingRequestAtStepOne(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())

	req := submitAdvance(t, f)

	assert.Equal(t, repository.RequestPending, req.Status)
	assert.Equal(t, 1, req.CurrentStep)
	assert.Equal(t, 3, req.TotalSteps)
	assert.Equal(t, 1, req.Version)
	assert.Equal(t, "normal", req.Priority)

	actions, err := f.store.ListActions(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "mgr-1", actions[0].ApproverID)
	assert.Equal(t, repository.ActionPending, actions[0].Status)
	assert.Equal(t, 1, actions[0].StepOrder)
}

func TestSubmitUnknownDocumentKind(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())

	_, err := f.svc.Submit(context.Background(), &SubmitRequest{
		RequesterID:  "emp-1",
		DocumentKind: repository.DocumentKind("expense_report"),
		DocumentID:   "x-1",
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestSubmitFailsWhenStepResolvesToNoApprover(t *testing.T) {
	f := newApprovalFixture(t, map[string][]string{}) // no role holders at all

	_, err := f.svc.Submit(context.Background(), &SubmitRequest{
		RequesterID:  "emp-1",
		DocumentKind: repository.DocumentTimesheet,
		DocumentID:   "ts-1",
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

// ── step sequencing ───────────────────────────────────────────────────────────

func TestApprovalAdvancesStepsInOrder(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	ctx := context.Background()
	req := submitAdvance(t, f)

	req, err := f.svc.ProcessAction(ctx, req.ID, "mgr-1", repository.ActionApproved, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestPending, req.Status)
	assert.Equal(t, 2, req.CurrentStep)
	assert.Equal(t, 2, req.Version)

	req, err = f.svc.ProcessAction(ctx, req.ID, "hr-1", repository.ActionApproved, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, req.CurrentStep)

	req, err = f.svc.ProcessAction(ctx, req.ID, "fin-1", repository.ActionApproved, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, req.Status)

	calls := f.adapter.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, repository.RequestApproved, calls[0].Outcome)
	assert.Equal(t, repository.DocumentRef{Kind: repository.DocumentSalaryAdvance, ID: "adv-1"}, calls[0].Ref)
}

func TestOnlyCurrentStepHasPendingActions(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	ctx := context.Background()
	req := submitAdvance(t, f)

	_, err := f.svc.ProcessAction(ctx, req.ID, "mgr-1", repository.ActionApproved, nil)
	require.NoError(t, err)

	actions, err := f.store.ListActions(ctx, req.ID)
	require.NoError(t, err)
	for _, a := range actions {
		if a.Status == repository.ActionPending {
			assert.Equal(t, 2, a.StepOrder, "pending action outside the current step")
		}
	}
}

func TestApproverOfLaterStepCannotActEarly(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	req := submitAdvance(t, f)

	_, err := f.svc.ProcessAction(context.Background(), req.ID, "fin-1", repository.ActionApproved, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

func TestRejectionTerminatesRequest(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	ctx := context.Background()
	req := submitAdvance(t, f)

	_, err := f.svc.ProcessAction(ctx, req.ID, "mgr-1", repository.ActionApproved, nil)
	require.NoError(t, err)

	comment := "amount exceeds policy"
	req, err = f.svc.ProcessAction(ctx, req.ID, "hr-1", repository.ActionRejected, &comment)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestRejected, req.Status)

	// No step 3 actions were ever created.
	actions, err := f.store.StepActions(ctx, req.ID, 3)
	require.NoError(t, err)
	assert.Empty(t, actions)

	calls := f.adapter.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, repository.RequestRejected, calls[0].Outcome)
}

func TestTerminalRequestRefusesFurtherActions(t *testing.T) {
	f := newApprovalFixture(t, map[string][]string{"MANAGER": {"mgr-1"}})
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, &SubmitRequest{
		RequesterID:  "emp-1",
		DocumentKind: repository.DocumentTimesheet,
		DocumentID:   "ts-1",
	})
	require.NoError(t, err)

	// Single-step workflow resolves on the first approval.
	req, err = f.svc.ProcessAction(ctx, req.ID, "mgr-1", repository.ActionApproved, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, req.Status)

	_, err = f.svc.ProcessAction(ctx, req.ID, "mgr-1", repository.ActionRejected, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))

	// The adapter ran exactly once despite the retry.
	assert.Len(t, f.adapter.Calls(), 1)
}

// ── fan-out and first-approval-wins ───────────────────────────────────────────

func TestFirstApprovalSupersedesSiblingActions(t *testing.T) {
	roles := advanceRoles()
	roles["MANAGER"] = []string{"mgr-1", "mgr-2", "mgr-3"}
	f := newApprovalFixture(t, roles)
	ctx := context.Background()
	req := submitAdvance(t, f)

	actions, err := f.store.StepActions(ctx, req.ID, 1)
	require.NoError(t, err)
	require.Len(t, actions, 3)

	req, err = f.svc.ProcessAction(ctx, req.ID, "mgr-2", repository.ActionApproved, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, req.CurrentStep)

	actions, err = f.store.StepActions(ctx, req.ID, 1)
	require.NoError(t, err)
	var approved, cancelled int
	for _, a := range actions {
		switch a.Status {
		case repository.ActionApproved:
			approved++
			assert.Equal(t, "mgr-2", a.ApproverID)
		case repository.ActionCancelled:
			cancelled++
			require.NotNil(t, a.Comment)
			assert.Contains(t, *a.Comment, "superseded")
		}
	}
	assert.Equal(t, 1, approved)
	assert.Equal(t, 2, cancelled)

	// A superseded approver can no longer act.
	_, err = f.svc.ProcessAction(ctx, req.ID, "mgr-1", repository.ActionApproved, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

func TestRejectionByOneOfManyRejectsWholeRequest(t *testing.T) {
	roles := advanceRoles()
	roles["MANAGER"] = []string{"mgr-1", "mgr-2"}
	f := newApprovalFixture(t, roles)
	req := submitAdvance(t, f)

	req, err := f.svc.ProcessAction(context.Background(), req.ID, "mgr-2", repository.ActionRejected, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestRejected, req.Status)
}

// ── authorization and delegation ──────────────────────────────────────────────

func TestUnassignedUserCannotAct(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	req := submitAdvance(t, f)

	_, err := f.svc.ProcessAction(context.Background(), req.ID, "intruder", repository.ActionApproved, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

func TestActiveDelegateMayActForApprover(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	ctx := context.Background()
	req := submitAdvance(t, f)

	now := time.Now().UTC()
	_, err := f.svc.Delegate(ctx, "mgr-1", "deputy-1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)

	req, err = f.svc.ProcessAction(ctx, req.ID, "deputy-1", repository.ActionApproved, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, req.CurrentStep)

	// The action records the assignee and who actually decided.
	actions, err := f.store.StepActions(ctx, req.ID, 1)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "mgr-1", actions[0].ApproverID)
	require.NotNil(t, actions[0].ActedBy)
	assert.Equal(t, "deputy-1", *actions[0].ActedBy)
}

func TestDelegationOutsideWindowDoesNotAuthorize(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	ctx := context.Background()
	req := submitAdvance(t, f)

	// Expired yesterday.
	now := time.Now().UTC()
	_, err := f.svc.Delegate(ctx, "mgr-1", "deputy-1", now.Add(-48*time.Hour), now.Add(-24*time.Hour))
	require.NoError(t, err)

	_, err = f.svc.ProcessAction(ctx, req.ID, "deputy-1", repository.ActionApproved, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

func TestDelegationIgnoredWhenStepForbidsDelegates(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	ctx := context.Background()
	req := submitAdvance(t, f)

	_, err := f.svc.ProcessAction(ctx, req.ID, "mgr-1", repository.ActionApproved, nil)
	require.NoError(t, err)

	// Step 2 (HR review) does not allow delegates.
	now := time.Now().UTC()
	_, err = f.svc.Delegate(ctx, "hr-1", "deputy-1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)

	_, err = f.svc.ProcessAction(ctx, req.ID, "deputy-1", repository.ActionApproved, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

func TestDelegateValidation(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := f.svc.Delegate(ctx, "mgr-1", "mgr-1", now, now.Add(time.Hour))
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = f.svc.Delegate(ctx, "mgr-1", "deputy-1", now.Add(time.Hour), now)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestRequesterMayCancelPendingRequest(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	ctx := context.Background()
	req := submitAdvance(t, f)

	req, err := f.svc.ProcessAction(ctx, req.ID, "emp-1", repository.ActionCancelled, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestCancelled, req.Status)

	calls := f.adapter.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, repository.RequestCancelled, calls[0].Outcome)
}

func TestRequesterCannotApproveOwnRequest(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	req := submitAdvance(t, f)

	_, err := f.svc.ProcessAction(context.Background(), req.ID, "emp-1", repository.ActionApproved, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

// ── concurrency ───────────────────────────────────────────────────────────────

func TestStaleVersionResolutionConflicts(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	ctx := context.Background()
	req := submitAdvance(t, f)

	actions, err := f.store.StepActions(ctx, req.ID, 1)
	require.NoError(t, err)
	require.Len(t, actions, 1)

	// Two actors race on the same snapshot: the second write carries a stale
	// version and must fail without touching anything.
	_, err = f.svc.ProcessAction(ctx, req.ID, "mgr-1", repository.ActionApproved, nil)
	require.NoError(t, err)

	err = f.store.ResolveStep(ctx, &repository.StepResolution{
		RequestID:       req.ID,
		ExpectedVersion: req.Version, // stale: the approval above bumped it
		ActionID:        actions[0].ID,
		ActionStatus:    repository.ActionRejected,
		ActedBy:         "mgr-1",
		ActedAt:         time.Now().UTC(),
		RequestStatus:   repository.RequestRejected,
		CurrentStep:     1,
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	current, err := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestPending, current.Status)
	assert.Equal(t, 2, current.CurrentStep)
}

// ── adapters ──────────────────────────────────────────────────────────────────

func TestAdapterFailureSurfacesAfterResolution(t *testing.T) {
	f := newApprovalFixture(t, map[string][]string{"MANAGER": {"mgr-1"}})
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, &SubmitRequest{
		RequesterID:  "emp-1",
		DocumentKind: repository.DocumentTimesheet,
		DocumentID:   "ts-1",
	})
	require.NoError(t, err)

	f.adapter.failNext = errors.New(errors.ErrCodeInternal, "downstream unavailable")

	_, err = f.svc.ProcessAction(ctx, req.ID, "mgr-1", repository.ActionApproved, nil)
	require.Error(t, err)

	// The resolution itself committed; only the business record update failed.
	current, gerr := f.store.GetRequest(ctx, req.ID)
	require.NoError(t, gerr)
	assert.Equal(t, repository.RequestApproved, current.Status)
}

func TestResolvedEventPublishedDespiteAdapterFailure(t *testing.T) {
	f := newApprovalFixture(t, map[string][]string{"MANAGER": {"mgr-1"}})
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, &SubmitRequest{
		RequesterID:  "emp-1",
		DocumentKind: repository.DocumentTimesheet,
		DocumentID:   "ts-1",
	})
	require.NoError(t, err)

	f.adapter.failNext = errors.New(errors.ErrCodeInternal, "downstream unavailable")

	_, err = f.svc.ProcessAction(ctx, req.ID, "mgr-1", repository.ActionApproved, nil)
	require.Error(t, err)

	// A retry hits the terminal guard, so the resolved event must already be
	// out even though the adapter failed.
	assert.Contains(t, f.events.Events(), EventRequestResolved)
}

// ── queries and audit ─────────────────────────────────────────────────────────

func TestPendingForUserCoversDelegations(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	ctx := context.Background()
	req := submitAdvance(t, f)

	pending, err := f.svc.PendingForUser(ctx, "mgr-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].RequestID)

	now := time.Now().UTC()
	_, err = f.svc.Delegate(ctx, "mgr-1", "deputy-1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)

	pending, err = f.svc.PendingForUser(ctx, "deputy-1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	pending, err = f.svc.PendingForUser(ctx, "stranger")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAuditTrailRecordsLifecycle(t *testing.T) {
	f := newApprovalFixture(t, map[string][]string{"MANAGER": {"mgr-1"}})
	ctx := context.Background()

	req, err := f.svc.Submit(ctx, &SubmitRequest{
		RequesterID:  "emp-1",
		DocumentKind: repository.DocumentTimesheet,
		DocumentID:   "ts-1",
	})
	require.NoError(t, err)

	_, err = f.svc.ProcessAction(ctx, req.ID, "mgr-1", repository.ActionApproved, nil)
	require.NoError(t, err)

	entries, err := f.svc.GetHistory(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "submitted", entries[0].Action)
	assert.Equal(t, "emp-1", entries[0].PerformedBy)
	assert.Equal(t, "approved", entries[1].Action)
	assert.Equal(t, "mgr-1", entries[1].PerformedBy)
}

func TestGetRequestReturnsActions(t *testing.T) {
	f := newApprovalFixture(t, advanceRoles())
	req := submitAdvance(t, f)

	detail, err := f.svc.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, detail.Request.ID)
	assert.Len(t, detail.Actions, 1)

	_, err = f.svc.GetRequest(context.Background(), "missing")
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}
