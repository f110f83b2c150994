package service

import (
	"context"

	"github.com/velora-hq/be-hr-payroll/internal/errors"
	"github.com/velora-hq/be-hr-payroll/internal/logger"
	"github.com/velora-hq/be-hr-payroll/internal/repository"
)

// DocumentStoreInterface updates the approval status on governed HR and
// procurement records. Implemented by repository.DocumentRepository.
type DocumentStoreInterface interface {
	SetTimesheetStatus(ctx context.Context, id, status string) error
	SetSalaryAdvanceStatus(ctx context.Context, id, status string) error
	SetProcurementStatus(ctx context.Context, id, status string) error
}

// PayrollRunResolver is the slice of the payroll service the payroll-run
// adapter needs.
type PayrollRunResolver interface {
	MarkReadyToPay(ctx context.Context, runID string) (*repository.PayrollRun, error)
}

// AdapterRegistry dispatches terminal approval outcomes to the adapter
// registered for the request's document kind.
type AdapterRegistry struct {
	adapters map[repository.DocumentKind]BusinessRecordAdapter
	log      *logger.Logger
}

// NewAdapterRegistry creates an empty adapter registry.
func NewAdapterRegistry(log *logger.Logger) *AdapterRegistry {
	return &AdapterRegistry{
		adapters: make(map[repository.DocumentKind]BusinessRecordAdapter),
		log:      log,
	}
}

// Register binds an adapter to a document kind, replacing any previous one.
func (r *AdapterRegistry) Register(kind repository.DocumentKind, adapter BusinessRecordAdapter) {
	r.adapters[kind] = adapter
}

// Resolve invokes the adapter for the request's document kind. Kinds without
// a registered adapter have no governed record to update and resolve cleanly.
func (r *AdapterRegistry) Resolve(ctx context.Context, req *repository.ApprovalRequest) error {
	adapter, ok := r.adapters[req.DocumentKind]
	if !ok {
		r.log.Warn().
			Str("request_id", req.ID).
			Str("document_kind", string(req.DocumentKind)).
			Msg("No business record adapter registered for document kind")
		return nil
	}
	if err := adapter.OnResolved(ctx, req.Ref(), req.Status); err != nil {
		return errors.Wrap(err, errors.CodeOf(err),
			"failed to apply approval outcome to "+string(req.DocumentKind)+" "+req.DocumentID)
	}
	return nil
}

// ── Concrete adapters ─────────────────────────────────────────────────────────

// TimesheetAdapter mirrors the request outcome onto the timesheet record.
type TimesheetAdapter struct {
	docs DocumentStoreInterface
}

// NewTimesheetAdapter creates a new TimesheetAdapter.
func NewTimesheetAdapter(docs DocumentStoreInterface) *TimesheetAdapter {
	return &TimesheetAdapter{docs: docs}
}

// OnResolved sets the timesheet status to the request outcome.
func (a *TimesheetAdapter) OnResolved(ctx context.Context, ref repository.DocumentRef, outcome repository.RequestStatus) error {
	return a.docs.SetTimesheetStatus(ctx, ref.ID, string(outcome))
}

// SalaryAdvanceAdapter mirrors the request outcome onto the salary advance.
// An approved advance becomes visible to payroll processing, which deducts
// its installments in the months they fall due.
type SalaryAdvanceAdapter struct {
	docs DocumentStoreInterface
}

// NewSalaryAdvanceAdapter creates a new SalaryAdvanceAdapter.
func NewSalaryAdvanceAdapter(docs DocumentStoreInterface) *SalaryAdvanceAdapter {
	return &SalaryAdvanceAdapter{docs: docs}
}

// OnResolved sets the salary advance status to the request outcome.
func (a *SalaryAdvanceAdapter) OnResolved(ctx context.Context, ref repository.DocumentRef, outcome repository.RequestStatus) error {
	return a.docs.SetSalaryAdvanceStatus(ctx, ref.ID, string(outcome))
}

// ProcurementAdapter mirrors the request outcome onto the procurement document.
type ProcurementAdapter struct {
	docs DocumentStoreInterface
}

// NewProcurementAdapter creates a new ProcurementAdapter.
func NewProcurementAdapter(docs DocumentStoreInterface) *ProcurementAdapter {
	return &ProcurementAdapter{docs: docs}
}

// OnResolved sets the procurement document status to the request outcome.
func (a *ProcurementAdapter) OnResolved(ctx context.Context, ref repository.DocumentRef, outcome repository.RequestStatus) error {
	return a.docs.SetProcurementStatus(ctx, ref.ID, string(outcome))
}

// PayrollRunAdapter advances an approved payroll run to ready_to_pay when its
// approval request resolves approved. A rejection or cancellation leaves the
// run in approved so it can be cancelled or resubmitted by finance.
type PayrollRunAdapter struct {
	payroll PayrollRunResolver
	log     *logger.Logger
}

// NewPayrollRunAdapter creates a new PayrollRunAdapter.
func NewPayrollRunAdapter(payroll PayrollRunResolver, log *logger.Logger) *PayrollRunAdapter {
	return &PayrollRunAdapter{payroll: payroll, log: log}
}

// OnResolved marks the run ready to pay on approval. A run already past
// approved means a retry after a prior success, which resolves cleanly.
func (a *PayrollRunAdapter) OnResolved(ctx context.Context, ref repository.DocumentRef, outcome repository.RequestStatus) error {
	if outcome != repository.RequestApproved {
		a.log.Info().
			Str("run_id", ref.ID).
			Str("outcome", string(outcome)).
			Msg("Payroll run approval did not pass; run left in approved")
		return nil
	}
	if _, err := a.payroll.MarkReadyToPay(ctx, ref.ID); err != nil {
		if errors.HasCode(err, errors.ErrCodeInvalidState) {
			return nil
		}
		return err
	}
	return nil
}
