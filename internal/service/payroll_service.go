package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/velora-hq/be-hr-payroll/internal/errors"
	"github.com/velora-hq/be-hr-payroll/internal/logger"
	"github.com/velora-hq/be-hr-payroll/internal/repository"
)

// PayrollStoreInterface is the persistence contract for the payroll run
// ledger. Implemented by repository.PayrollRepository (Postgres) and
// repository.MemoryPayrollStore (tests).
type PayrollStoreInterface interface {
	CreateRun(ctx context.Context, run *repository.PayrollRun, employees []*repository.PayrollRunEmployee) error
	FindActiveRun(ctx context.Context, month, officeID string) (*repository.PayrollRun, error)
	GetRun(ctx context.Context, id string) (*repository.PayrollRun, error)
	ListRunEmployees(ctx context.Context, runID string) ([]*repository.PayrollRunEmployee, error)
	GetRunEmployee(ctx context.Context, id string) (*repository.PayrollRunEmployee, error)
	ListItems(ctx context.Context, runEmployeeID string) ([]*repository.PayrollRunItem, error)
	AddItem(ctx context.Context, item *repository.PayrollRunItem) error
	UpsertSourceItems(ctx context.Context, runEmployeeID string, items []*repository.PayrollRunItem) error
	ApplyComputation(ctx context.Context, runID string, comps []*repository.EmployeeComputation) error
	ApproveRun(ctx context.Context, runID string, approvals []*repository.EmployeeApproval) error
	MarkReadyToPay(ctx context.Context, runID string) error
	CreatePaymentBatch(ctx context.Context, batch *repository.PaymentBatch, employeeIDs []string) (bool, error)
	LockRun(ctx context.Context, runID string) error
	CancelRun(ctx context.Context, runID string) error
	ListPaymentBatches(ctx context.Context, runID string) ([]*repository.PaymentBatch, error)
}

// EmployeeDirectoryInterface lists the employees a new run snapshots.
type EmployeeDirectoryInterface interface {
	ActiveEmployees(ctx context.Context, officeID string) ([]*repository.Employee, error)
}

// RunItemSourceInterface feeds earnings and deductions from a source system
// into run processing (e.g. approved salary advance installments).
type RunItemSourceInterface interface {
	DueItems(ctx context.Context, employeeID, month string) ([]*repository.SourceItem, error)
}

// PayrollEventPublisher emits run lifecycle events. Fire-and-forget.
type PayrollEventPublisher interface {
	PublishRunEvent(ctx context.Context, event string, run *repository.PayrollRun)
}

// Run lifecycle event names published to the notification sink.
const (
	EventRunCreated    = "run_created"
	EventRunProcessed  = "run_processed"
	EventRunApproved   = "run_approved"
	EventRunReadyToPay = "run_ready_to_pay"
	EventRunPaid       = "run_paid"
	EventRunLocked     = "run_locked"
	EventRunCancelled  = "run_cancelled"
)

// PayrollService drives the monthly payroll run ledger: one run per month and
// office moves draft → processed → approved → ready_to_pay → paid → locked,
// with cancellation possible while still draft or processed. Totals are never
// written directly; every processing pass rebuilds them from item rows.
type PayrollService struct {
	store     PayrollStoreInterface
	directory EmployeeDirectoryInterface
	sources   []RunItemSourceInterface
	events    PayrollEventPublisher
	log       *logger.Logger
}

// NewPayrollService creates a new PayrollService.
func NewPayrollService(
	store PayrollStoreInterface,
	directory EmployeeDirectoryInterface,
	sources []RunItemSourceInterface,
	events PayrollEventPublisher,
	log *logger.Logger,
) *PayrollService {
	return &PayrollService{
		store:     store,
		directory: directory,
		sources:   sources,
		events:    events,
		log:       log,
	}
}

// ── Run creation ──────────────────────────────────────────────────────────────

// CreateRunRequest is the input for CreateRun.
type CreateRunRequest struct {
	Month                string
	OfficeID             string
	Currency             string
	DefaultPaymentMethod string
	CreatedBy            string
}

// CreateRun creates a draft run snapshotting the office's active employees.
// Idempotent: if a non-cancelled run already exists for (month, office), that
// run is returned unchanged.
func (s *PayrollService) CreateRun(ctx context.Context, in *CreateRunRequest) (*repository.PayrollRun, error) {
	if _, err := time.Parse("2006-01", in.Month); err != nil {
		return nil, errors.InvalidInput("month", "must be formatted YYYY-MM")
	}
	if in.OfficeID == "" {
		return nil, errors.InvalidInput("office_id", "is required")
	}

	if existing, err := s.store.FindActiveRun(ctx, in.Month, in.OfficeID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	employees, err := s.directory.ActiveEmployees(ctx, in.OfficeID)
	if err != nil {
		return nil, err
	}
	if len(employees) == 0 {
		return nil, errors.InvalidInput("office_id", "office has no active employees")
	}

	now := time.Now().UTC()
	run := &repository.PayrollRun{
		ID:                   uuid.NewString(),
		Month:                in.Month,
		OfficeID:             in.OfficeID,
		Status:               repository.RunDraft,
		Currency:             in.Currency,
		DefaultPaymentMethod: in.DefaultPaymentMethod,
		CreatedBy:            in.CreatedBy,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	rows := make([]*repository.PayrollRunEmployee, 0, len(employees))
	for _, emp := range employees {
		method := emp.PaymentMethod
		if method == "" {
			method = in.DefaultPaymentMethod
		}
		rows = append(rows, &repository.PayrollRunEmployee{
			ID:            uuid.NewString(),
			RunID:         run.ID,
			EmployeeID:    emp.ID,
			BaseSalary:    emp.BaseSalary,
			NetSalary:     emp.BaseSalary,
			CalcNetSalary: emp.BaseSalary,
			Status:        repository.RunDraft,
			PaymentMethod: method,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := s.store.CreateRun(ctx, run, rows); err != nil {
		// Lost a race with a concurrent create for the same month/office;
		// return the winner.
		if errors.HasCode(err, errors.ErrCodeConflict) {
			if existing, ferr := s.store.FindActiveRun(ctx, in.Month, in.OfficeID); ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	s.log.Info().
		Str("run_id", run.ID).
		Str("month", run.Month).
		Str("office_id", run.OfficeID).
		Int("employees", len(rows)).
		Msg("Payroll run created")
	s.events.PublishRunEvent(ctx, EventRunCreated, run)

	return run, nil
}

// ── Processing ────────────────────────────────────────────────────────────────

// ProcessRun pulls due source items for every employee, then rebuilds each
// employee's totals from their item rows. Safe to repeat while the run is
// draft or processed: source items upsert by source_ref and the recompute is
// a pure function of the item rows.
func (s *PayrollService) ProcessRun(ctx context.Context, runID string) (*repository.PayrollRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != repository.RunDraft && run.Status != repository.RunProcessed {
		return nil, errors.InvalidState("payroll run %s is %s, not draft or processed", run.ID, run.Status)
	}

	employees, err := s.store.ListRunEmployees(ctx, runID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	comps := make([]*repository.EmployeeComputation, 0, len(employees))
	for _, emp := range employees {
		if err := s.pullSourceItems(ctx, emp, run.Month, now); err != nil {
			return nil, err
		}

		items, err := s.store.ListItems(ctx, emp.ID)
		if err != nil {
			return nil, err
		}

		var additions, deductions int64
		for _, it := range items {
			switch it.Type {
			case repository.ItemAddition:
				additions += it.Amount
			case repository.ItemDeduction:
				deductions += it.Amount
			}
		}
		calcNet := emp.BaseSalary + additions - deductions

		comp := &repository.EmployeeComputation{
			RunEmployeeID:   emp.ID,
			TotalAdditions:  additions,
			TotalDeductions: deductions,
			CalcNetSalary:   calcNet,
			Status:          repository.RunProcessed,
		}
		if emp.Status == repository.RunApproved {
			// Approved nets are frozen; variance surfaces the drift.
			comp.OverwriteNet = false
			comp.Variance = emp.NetSalary - calcNet
			comp.Status = emp.Status
		} else {
			comp.OverwriteNet = true
			comp.NetSalary = calcNet
			comp.Variance = 0
		}
		comps = append(comps, comp)
	}

	if err := s.store.ApplyComputation(ctx, runID, comps); err != nil {
		return nil, err
	}

	updated, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("run_id", runID).
		Int("employees", len(comps)).
		Msg("Payroll run processed")
	s.events.PublishRunEvent(ctx, EventRunProcessed, updated)

	return updated, nil
}

// pullSourceItems upserts the system items due for one employee this month.
func (s *PayrollService) pullSourceItems(ctx context.Context, emp *repository.PayrollRunEmployee, month string, now time.Time) error {
	for _, src := range s.sources {
		due, err := src.DueItems(ctx, emp.EmployeeID, month)
		if err != nil {
			return err
		}
		if len(due) == 0 {
			continue
		}
		items := make([]*repository.PayrollRunItem, 0, len(due))
		for _, d := range due {
			ref := d.SourceRef
			items = append(items, &repository.PayrollRunItem{
				ID:            uuid.NewString(),
				RunEmployeeID: emp.ID,
				Type:          d.Type,
				Origin:        repository.ItemSourceSystem,
				Name:          d.Name,
				Amount:        d.Amount,
				SourceRef:     &ref,
				Note:          d.Note,
				CreatedAt:     now,
			})
		}
		if err := s.store.UpsertSourceItems(ctx, emp.ID, items); err != nil {
			return err
		}
	}
	return nil
}

// ── Approval and payment ──────────────────────────────────────────────────────

// ApproveRun freezes every employee's net salary and payslip snapshot and
// moves a processed run to approved.
func (s *PayrollService) ApproveRun(ctx context.Context, runID string) (*repository.PayrollRun, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	employees, err := s.store.ListRunEmployees(ctx, runID)
	if err != nil {
		return nil, err
	}

	approvals := make([]*repository.EmployeeApproval, 0, len(employees))
	for _, emp := range employees {
		items, err := s.store.ListItems(ctx, emp.ID)
		if err != nil {
			return nil, err
		}

		lines := make([]repository.PayslipLine, 0, len(items)+1)
		lines = append(lines, repository.PayslipLine{
			Type:   repository.ItemAddition,
			Name:   "Base salary",
			Amount: emp.BaseSalary,
		})
		for _, it := range items {
			lines = append(lines, repository.PayslipLine{Type: it.Type, Name: it.Name, Amount: it.Amount})
		}
		snapshot, err := json.Marshal(lines)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal payslip snapshot")
		}

		approvals = append(approvals, &repository.EmployeeApproval{
			RunEmployeeID:   emp.ID,
			NetSalary:       emp.NetSalary,
			Variance:        emp.NetSalary - emp.CalcNetSalary,
			PayslipSnapshot: snapshot,
		})
	}

	if err := s.store.ApproveRun(ctx, runID, approvals); err != nil {
		return nil, err
	}

	updated, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("run_id", runID).Str("month", run.Month).Msg("Payroll run approved")
	s.events.PublishRunEvent(ctx, EventRunApproved, updated)

	return updated, nil
}

// MarkReadyToPay releases an approved run for disbursement.
func (s *PayrollService) MarkReadyToPay(ctx context.Context, runID string) (*repository.PayrollRun, error) {
	if err := s.store.MarkReadyToPay(ctx, runID); err != nil {
		return nil, err
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("run_id", runID).Msg("Payroll run ready to pay")
	s.events.PublishRunEvent(ctx, EventRunReadyToPay, run)

	return run, nil
}

// PayRunRequest is the input for PayRun.
type PayRunRequest struct {
	RunID         string
	PaymentMethod string
	BatchNumber   string
	PaidBy        string
	AttachmentURL *string
}

// PayRun records one payment batch covering every still-unpaid employee of
// the run with the given payment method. The run moves to paid once the last
// employee is covered; batch numbers are unique within a run.
func (s *PayrollService) PayRun(ctx context.Context, in *PayRunRequest) (*repository.PaymentBatch, error) {
	if in.BatchNumber == "" {
		return nil, errors.InvalidInput("batch_number", "is required")
	}

	run, err := s.store.GetRun(ctx, in.RunID)
	if err != nil {
		return nil, err
	}
	if run.Status != repository.RunReadyToPay {
		return nil, errors.InvalidState("payroll run %s is %s, not ready_to_pay", run.ID, run.Status)
	}

	employees, err := s.store.ListRunEmployees(ctx, in.RunID)
	if err != nil {
		return nil, err
	}

	var (
		payable []string
		total   int64
	)
	for _, emp := range employees {
		if emp.Status == repository.RunReadyToPay && emp.PaymentMethod == in.PaymentMethod {
			payable = append(payable, emp.ID)
			total += emp.NetSalary
		}
	}
	if len(payable) == 0 {
		return nil, errors.InvalidInput("payment_method",
			"no payable employees for payment method "+in.PaymentMethod)
	}

	batch := &repository.PaymentBatch{
		ID:            uuid.NewString(),
		RunID:         in.RunID,
		PaymentMethod: in.PaymentMethod,
		BatchNumber:   in.BatchNumber,
		PaidBy:        in.PaidBy,
		PaidAt:        time.Now().UTC(),
		AttachmentURL: in.AttachmentURL,
		EmployeeCount: len(payable),
		TotalAmount:   total,
		CreatedAt:     time.Now().UTC(),
	}

	allPaid, err := s.store.CreatePaymentBatch(ctx, batch, payable)
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("run_id", in.RunID).
		Str("batch_number", in.BatchNumber).
		Str("payment_method", in.PaymentMethod).
		Int("employees", len(payable)).
		Int64("total_amount", total).
		Bool("run_fully_paid", allPaid).
		Msg("Payment batch recorded")

	if allPaid {
		if updated, gerr := s.store.GetRun(ctx, in.RunID); gerr == nil {
			s.events.PublishRunEvent(ctx, EventRunPaid, updated)
		}
	}

	return batch, nil
}

// LockRun freezes a fully paid run; a locked run and its rows never change
// again.
func (s *PayrollService) LockRun(ctx context.Context, runID string) (*repository.PayrollRun, error) {
	if err := s.store.LockRun(ctx, runID); err != nil {
		return nil, err
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("run_id", runID).Msg("Payroll run locked")
	s.events.PublishRunEvent(ctx, EventRunLocked, run)

	return run, nil
}

// CancelRun abandons a run that has not yet been approved, freeing the
// (month, office) slot for a fresh run.
func (s *PayrollService) CancelRun(ctx context.Context, runID string) (*repository.PayrollRun, error) {
	if err := s.store.CancelRun(ctx, runID); err != nil {
		return nil, err
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("run_id", runID).Msg("Payroll run cancelled")
	s.events.PublishRunEvent(ctx, EventRunCancelled, run)

	return run, nil
}

// ── Manual items ──────────────────────────────────────────────────────────────

// AddItemRequest is the input for AddManualItem.
type AddItemRequest struct {
	RunEmployeeID string
	Type          repository.ItemType
	Name          string
	Amount        int64
	Note          *string
}

// AddManualItem appends one manual earning or deduction line. Totals are not
// touched here; the next processing pass rebuilds them from the item rows.
func (s *PayrollService) AddManualItem(ctx context.Context, in *AddItemRequest) (*repository.PayrollRunItem, error) {
	if in.Type != repository.ItemAddition && in.Type != repository.ItemDeduction {
		return nil, errors.InvalidInput("type", "must be addition or deduction")
	}
	if in.Name == "" {
		return nil, errors.InvalidInput("name", "is required")
	}
	if in.Amount <= 0 {
		return nil, errors.InvalidInput("amount", "must be positive")
	}

	item := &repository.PayrollRunItem{
		ID:            uuid.NewString(),
		RunEmployeeID: in.RunEmployeeID,
		Type:          in.Type,
		Origin:        repository.ItemSourceManual,
		Name:          in.Name,
		Amount:        in.Amount,
		Note:          in.Note,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.AddItem(ctx, item); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("run_employee_id", in.RunEmployeeID).
		Str("type", string(in.Type)).
		Int64("amount", in.Amount).
		Msg("Manual payroll item added")

	return item, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// RunDetail is a run with its employee rows.
type RunDetail struct {
	Run       *repository.PayrollRun           `json:"run"`
	Employees []*repository.PayrollRunEmployee `json:"employees"`
}

// GetRun returns a run with its employee rows.
func (s *PayrollService) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	employees, err := s.store.ListRunEmployees(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, Employees: employees}, nil
}

// RunEmployeeDetail is one employee row with its item lines.
type RunEmployeeDetail struct {
	Employee *repository.PayrollRunEmployee `json:"employee"`
	Items    []*repository.PayrollRunItem   `json:"items"`
}

// GetRunEmployee returns one employee row with its items.
func (s *PayrollService) GetRunEmployee(ctx context.Context, runEmployeeID string) (*RunEmployeeDetail, error) {
	emp, err := s.store.GetRunEmployee(ctx, runEmployeeID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, runEmployeeID)
	if err != nil {
		return nil, err
	}
	return &RunEmployeeDetail{Employee: emp, Items: items}, nil
}

// ListPaymentBatches returns the payment batches of a run, oldest first.
func (s *PayrollService) ListPaymentBatches(ctx context.Context, runID string) ([]*repository.PaymentBatch, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListPaymentBatches(ctx, runID)
}
