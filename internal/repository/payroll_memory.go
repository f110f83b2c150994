package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/velora-hq/be-hr-payroll/internal/errors"
)

// MemoryPayrollStore is an in-memory payroll store with the same status
// guards and uniqueness rules as the Postgres one. Useful for tests; not
// intended for production use.
type MemoryPayrollStore struct {
	mu        sync.Mutex
	runs      map[string]*PayrollRun
	employees map[string]*PayrollRunEmployee
	items     map[string]*PayrollRunItem
	batches   map[string]*PaymentBatch
}

// NewMemoryPayrollStore creates an empty in-memory payroll store.
func NewMemoryPayrollStore() *MemoryPayrollStore {
	return &MemoryPayrollStore{
		runs:      make(map[string]*PayrollRun),
		employees: make(map[string]*PayrollRunEmployee),
		items:     make(map[string]*PayrollRunItem),
		batches:   make(map[string]*PaymentBatch),
	}
}

// CreateRun stores a run and its employee rows, enforcing the one active run
// per (month, office) invariant.
func (s *MemoryPayrollStore) CreateRun(ctx context.Context, run *PayrollRun, employees []*PayrollRunEmployee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.Month == run.Month && r.OfficeID == run.OfficeID && r.Status != RunCancelled {
			return errors.ConcurrentModification("payroll_run", run.Month+"/"+run.OfficeID)
		}
	}
	cp := *run
	s.runs[run.ID] = &cp
	for _, e := range employees {
		ec := *e
		s.employees[e.ID] = &ec
	}
	return nil
}

// FindActiveRun returns the non-cancelled run for (month, office), or nil.
func (s *MemoryPayrollStore) FindActiveRun(ctx context.Context, month, officeID string) (*PayrollRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.Month == month && r.OfficeID == officeID && r.Status != RunCancelled {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

// GetRun returns a copy of the run.
func (s *MemoryPayrollStore) GetRun(ctx context.Context, id string) (*PayrollRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getRunLocked(id)
}

// ListRunEmployees returns the employee rows of a run sorted by employee id.
func (s *MemoryPayrollStore) ListRunEmployees(ctx context.Context, runID string) ([]*PayrollRunEmployee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PayrollRunEmployee
	for _, e := range s.employees {
		if e.RunID == runID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out, nil
}

// GetRunEmployee returns a copy of one run employee row.
func (s *MemoryPayrollStore) GetRunEmployee(ctx context.Context, id string) (*PayrollRunEmployee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.employees[id]
	if !ok {
		return nil, errors.NotFound("payroll_run_employee", id)
	}
	cp := *e
	return &cp, nil
}

// ListItems returns the items of a run employee in insertion order.
func (s *MemoryPayrollStore) ListItems(ctx context.Context, runEmployeeID string) ([]*PayrollRunItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PayrollRunItem
	for _, it := range s.items {
		if it.RunEmployeeID == runEmployeeID {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AddItem inserts one item while the owning run is draft or processed.
func (s *MemoryPayrollStore) AddItem(ctx context.Context, item *PayrollRunItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	emp, ok := s.employees[item.RunEmployeeID]
	if !ok {
		return errors.InvalidState("run is not editable: items can only be added while draft or processed")
	}
	run, ok := s.runs[emp.RunID]
	if !ok || (run.Status != RunDraft && run.Status != RunProcessed) {
		return errors.InvalidState("run is not editable: items can only be added while draft or processed")
	}
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

// UpsertSourceItems inserts system items, skipping source refs already
// present. Refused once the run has left draft/processed, mirroring the
// run-row lock the Postgres store takes.
func (s *MemoryPayrollStore) UpsertSourceItems(ctx context.Context, runEmployeeID string, items []*PayrollRunItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	emp, ok := s.employees[runEmployeeID]
	if !ok {
		return errors.NotFound("payroll_run_employee", runEmployeeID)
	}
	if _, err := s.runInStatusLocked(emp.RunID, RunDraft, RunProcessed); err != nil {
		return errors.InvalidState("run is not editable: items can only be added while draft or processed")
	}

	existing := make(map[string]struct{})
	for _, it := range s.items {
		if it.RunEmployeeID == runEmployeeID && it.SourceRef != nil {
			existing[*it.SourceRef] = struct{}{}
		}
	}
	for _, it := range items {
		if it.SourceRef != nil {
			if _, dup := existing[*it.SourceRef]; dup {
				continue
			}
		}
		cp := *it
		cp.RunEmployeeID = runEmployeeID
		s.items[it.ID] = &cp
	}
	return nil
}

// ApplyComputation writes recomputed totals and moves the run to processed.
func (s *MemoryPayrollStore) ApplyComputation(ctx context.Context, runID string, comps []*EmployeeComputation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.runInStatusLocked(runID, RunDraft, RunProcessed)
	if err != nil {
		return err
	}
	for _, c := range comps {
		e, ok := s.employees[c.RunEmployeeID]
		if !ok {
			return errors.NotFound("payroll_run_employee", c.RunEmployeeID)
		}
		e.TotalAdditions = c.TotalAdditions
		e.TotalDeductions = c.TotalDeductions
		e.CalcNetSalary = c.CalcNetSalary
		e.Variance = c.Variance
		if c.OverwriteNet {
			e.NetSalary = c.NetSalary
		}
		e.Status = c.Status
	}
	run.Status = RunProcessed
	return nil
}

// ApproveRun freezes nets and snapshots and moves the run to approved.
func (s *MemoryPayrollStore) ApproveRun(ctx context.Context, runID string, approvals []*EmployeeApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.runInStatusLocked(runID, RunProcessed)
	if err != nil {
		return err
	}
	for _, a := range approvals {
		e, ok := s.employees[a.RunEmployeeID]
		if !ok {
			return errors.NotFound("payroll_run_employee", a.RunEmployeeID)
		}
		e.NetSalary = a.NetSalary
		e.Variance = a.Variance
		e.PayslipSnapshot = append([]byte(nil), a.PayslipSnapshot...)
		e.Status = RunApproved
	}
	run.Status = RunApproved
	return nil
}

// MarkReadyToPay moves an approved run and its employees to ready_to_pay.
func (s *MemoryPayrollStore) MarkReadyToPay(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.runInStatusLocked(runID, RunApproved)
	if err != nil {
		return err
	}
	for _, e := range s.employees {
		if e.RunID == runID && e.Status == RunApproved {
			e.Status = RunReadyToPay
		}
	}
	run.Status = RunReadyToPay
	return nil
}

// CreatePaymentBatch records one disbursement event; returns whether the run
// is now fully paid.
func (s *MemoryPayrollStore) CreatePaymentBatch(ctx context.Context, batch *PaymentBatch, employeeIDs []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.runInStatusLocked(batch.RunID, RunReadyToPay); err != nil {
		return false, err
	}
	for _, b := range s.batches {
		if b.RunID == batch.RunID && b.BatchNumber == batch.BatchNumber {
			return false, errors.InvalidInput("batch_number", "batch number already used for this run")
		}
	}

	// Validate the whole employee set before touching anything, so a failure
	// leaves neither a phantom batch nor half-paid rows behind.
	for _, id := range employeeIDs {
		e, ok := s.employees[id]
		if !ok || e.Status != RunReadyToPay {
			return false, errors.ConcurrentModification("payroll_run", batch.RunID)
		}
	}

	cp := *batch
	s.batches[batch.ID] = &cp

	for _, id := range employeeIDs {
		e := s.employees[id]
		e.Status = RunPaid
		paidAt := batch.PaidAt
		e.PaymentDate = &paidAt
	}

	for _, e := range s.employees {
		if e.RunID == batch.RunID && e.Status != RunPaid {
			return false, nil
		}
	}
	s.runs[batch.RunID].Status = RunPaid
	return true, nil
}

// LockRun freezes a paid run.
func (s *MemoryPayrollStore) LockRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.runInStatusLocked(runID, RunPaid)
	if err != nil {
		return err
	}
	run.Status = RunLocked
	return nil
}

// CancelRun cancels a draft or processed run and its employee rows.
func (s *MemoryPayrollStore) CancelRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.runInStatusLocked(runID, RunDraft, RunProcessed)
	if err != nil {
		return err
	}
	for _, e := range s.employees {
		if e.RunID == runID {
			e.Status = RunCancelled
		}
	}
	run.Status = RunCancelled
	return nil
}

// ListPaymentBatches returns the batches of a run, oldest first.
func (s *MemoryPayrollStore) ListPaymentBatches(ctx context.Context, runID string) ([]*PaymentBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PaymentBatch
	for _, b := range s.batches {
		if b.RunID == runID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.Before(out[j].PaidAt) })
	return out, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (s *MemoryPayrollStore) getRunLocked(id string) (*PayrollRun, error) {
	run, ok := s.runs[id]
	if !ok {
		return nil, errors.NotFound("payroll_run", id)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryPayrollStore) runInStatusLocked(id string, allowed ...RunStatus) (*PayrollRun, error) {
	run, ok := s.runs[id]
	if !ok {
		return nil, errors.NotFound("payroll_run", id)
	}
	for _, st := range allowed {
		if run.Status == st {
			return run, nil
		}
	}
	return nil, errors.InvalidState("payroll run %s is %s", id, run.Status)
}

// MemoryEmployeeDirectory is a static employee directory for tests.
type MemoryEmployeeDirectory struct {
	Employees []*Employee
}

// ActiveEmployees returns the active employees of an office.
func (d *MemoryEmployeeDirectory) ActiveEmployees(ctx context.Context, officeID string) ([]*Employee, error) {
	var out []*Employee
	for _, e := range d.Employees {
		if e.OfficeID == officeID && e.Active {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemoryItemSource is a static run item source for tests, keyed by
// (employee, month).
type MemoryItemSource struct {
	Items map[string][]*SourceItem // key: employeeID + "/" + month
}

// DueItems returns the source items due for an employee in a month.
func (s *MemoryItemSource) DueItems(ctx context.Context, employeeID, month string) ([]*SourceItem, error) {
	return s.Items[employeeID+"/"+month], nil
}
