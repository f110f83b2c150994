package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/velora-hq/be-hr-payroll/internal/database"
	"github.com/velora-hq/be-hr-payroll/internal/errors"
)

// PayrollRepository persists payroll runs, run employees, items and payment
// batches. Every aggregate mutation locks the run row so concurrent finance
// operators serialize per run.
type PayrollRepository struct {
	db *database.DB
}

// NewPayrollRepository creates a new PayrollRepository.
func NewPayrollRepository(db *database.DB) *PayrollRepository {
	return &PayrollRepository{db: db}
}

// ── Run creation and lookup ──────────────────────────────────────────────────

// CreateRun inserts a run and its employee rows in one transaction. A partial
// unique index on (month, office_id) where status <> 'cancelled' backs the
// one-active-run invariant; a violation surfaces as a retryable conflict.
func (r *PayrollRepository) CreateRun(ctx context.Context, run *PayrollRun, employees []*PayrollRunEmployee) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		runQuery := `
			INSERT INTO payroll_runs
			    (id, month, office_id, status, currency, default_payment_method,
			     created_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4::payroll_run_status, $5, $6, $7, $8, $9)
		`
		_, err := tx.Exec(ctx, runQuery,
			run.ID, run.Month, run.OfficeID, run.Status, run.Currency,
			run.DefaultPaymentMethod, run.CreatedBy, run.CreatedAt, run.UpdatedAt)
		if err != nil {
			return err
		}

		empQuery := `
			INSERT INTO payroll_run_employees
			    (id, run_id, employee_id, base_salary,
			     total_additions, total_deductions,
			     net_salary, calc_net_salary, variance,
			     status, payment_method, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
			        $10::payroll_run_status, $11, $12, $13)
		`
		for _, e := range employees {
			_, err := tx.Exec(ctx, empQuery,
				e.ID, e.RunID, e.EmployeeID, e.BaseSalary,
				e.TotalAdditions, e.TotalDeductions,
				e.NetSalary, e.CalcNetSalary, e.Variance,
				e.Status, e.PaymentMethod, e.CreatedAt, e.UpdatedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ConcurrentModification("payroll_run", run.Month+"/"+run.OfficeID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create payroll run")
	}
	return nil
}

// FindActiveRun returns the non-cancelled run for (month, office), or nil.
func (r *PayrollRepository) FindActiveRun(ctx context.Context, month, officeID string) (*PayrollRun, error) {
	query := runSelect + `
		WHERE month = $1 AND office_id = $2 AND status <> 'cancelled'
	`
	run, err := scanRun(r.db.QueryRow(ctx, query, month, officeID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find active payroll run")
	}
	return run, nil
}

// GetRun retrieves a run by its primary key.
func (r *PayrollRepository) GetRun(ctx context.Context, id string) (*PayrollRun, error) {
	query := runSelect + `
		WHERE id = $1
	`
	run, err := scanRun(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("payroll_run", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get payroll run")
	}
	return run, nil
}

// ── Run employees and items ──────────────────────────────────────────────────

// ListRunEmployees returns all employee rows of a run.
func (r *PayrollRepository) ListRunEmployees(ctx context.Context, runID string) ([]*PayrollRunEmployee, error) {
	query := employeeSelect + `
		WHERE run_id = $1
		ORDER BY employee_id ASC
	`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list run employees")
	}
	defer rows.Close()
	return scanRunEmployees(rows)
}

// GetRunEmployee retrieves one run employee row.
func (r *PayrollRepository) GetRunEmployee(ctx context.Context, id string) (*PayrollRunEmployee, error) {
	query := employeeSelect + `
		WHERE id = $1
	`
	rows, err := r.db.Query(ctx, query, id)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get run employee")
	}
	defer rows.Close()
	emps, err := scanRunEmployees(rows)
	if err != nil {
		return nil, err
	}
	if len(emps) == 0 {
		return nil, errors.NotFound("payroll_run_employee", id)
	}
	return emps[0], nil
}

// ListItems returns all items of a run employee, oldest first.
func (r *PayrollRepository) ListItems(ctx context.Context, runEmployeeID string) ([]*PayrollRunItem, error) {
	query := `
		SELECT id, run_employee_id, item_type, origin, name, amount,
		       source_ref, note, created_at
		FROM payroll_run_items
		WHERE run_employee_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, runEmployeeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list run items")
	}
	defer rows.Close()

	var items []*PayrollRunItem
	for rows.Next() {
		it := &PayrollRunItem{}
		err := rows.Scan(&it.ID, &it.RunEmployeeID, &it.Type, &it.Origin, &it.Name,
			&it.Amount, &it.SourceRef, &it.Note, &it.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan run item")
		}
		items = append(items, it)
	}
	return items, nil
}

// AddItem inserts one item, guarded so the owning run must still be in draft
// or processed. Zero rows means the run has moved past editing.
func (r *PayrollRepository) AddItem(ctx context.Context, item *PayrollRunItem) error {
	query := `
		INSERT INTO payroll_run_items
		    (id, run_employee_id, item_type, origin, name, amount,
		     source_ref, note, created_at)
		SELECT $1, $2, $3::payroll_item_type, $4::payroll_item_origin, $5, $6, $7, $8, $9
		WHERE EXISTS (
		    SELECT 1
		    FROM payroll_run_employees e
		    JOIN payroll_runs r ON r.id = e.run_id
		    WHERE e.id = $2 AND r.status IN ('draft', 'processed'))
	`
	tag, err := r.db.Exec(ctx, query,
		item.ID, item.RunEmployeeID, item.Type, item.Origin, item.Name,
		item.Amount, item.SourceRef, item.Note, item.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to add run item")
	}
	if tag.RowsAffected() == 0 {
		return errors.InvalidState("run is not editable: items can only be added while draft or processed")
	}
	return nil
}

// UpsertSourceItems inserts system items keyed by source_ref, skipping refs
// already present so reprocessing never double-counts. The run row is locked
// and must still be draft or processed: an approval landing mid-processing
// would otherwise gain items its frozen snapshot never saw.
func (r *PayrollRepository) UpsertSourceItems(ctx context.Context, runEmployeeID string, items []*PayrollRunItem) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		lockQuery := `
			SELECT r.status
			FROM payroll_runs r
			JOIN payroll_run_employees e ON e.run_id = r.id
			WHERE e.id = $1
			FOR UPDATE OF r
		`
		var status RunStatus
		err := tx.QueryRow(ctx, lockQuery, runEmployeeID).Scan(&status)
		if err == pgx.ErrNoRows {
			return errors.NotFound("payroll_run_employee", runEmployeeID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock payroll run")
		}
		if status != RunDraft && status != RunProcessed {
			return errors.InvalidState("run is not editable: items can only be added while draft or processed")
		}

		query := `
			INSERT INTO payroll_run_items
			    (id, run_employee_id, item_type, origin, name, amount,
			     source_ref, note, created_at)
			VALUES ($1, $2, $3::payroll_item_type, $4::payroll_item_origin, $5, $6, $7, $8, $9)
			ON CONFLICT (run_employee_id, source_ref) DO NOTHING
		`
		for _, it := range items {
			_, err := tx.Exec(ctx, query,
				it.ID, runEmployeeID, it.Type, it.Origin, it.Name,
				it.Amount, it.SourceRef, it.Note, it.CreatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert source item")
			}
		}
		return nil
	})
}

// ── Lifecycle transitions ────────────────────────────────────────────────────

// ApplyComputation writes recomputed totals for every employee and moves the
// run to processed, all under a run-row lock.
func (r *PayrollRepository) ApplyComputation(ctx context.Context, runID string, comps []*EmployeeComputation) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := lockRunInStatus(ctx, tx, runID, RunDraft, RunProcessed); err != nil {
			return err
		}

		empQuery := `
			UPDATE payroll_run_employees
			SET total_additions  = $2,
			    total_deductions = $3,
			    calc_net_salary  = $4,
			    variance         = $5,
			    net_salary       = CASE WHEN $6 THEN $7 ELSE net_salary END,
			    status           = $8::payroll_run_status,
			    updated_at       = NOW()
			WHERE id = $1
		`
		for _, c := range comps {
			_, err := tx.Exec(ctx, empQuery,
				c.RunEmployeeID, c.TotalAdditions, c.TotalDeductions,
				c.CalcNetSalary, c.Variance, c.OverwriteNet, c.NetSalary, c.Status)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to update run employee totals")
			}
		}

		return setRunStatus(ctx, tx, runID, RunProcessed)
	})
}

// ApproveRun freezes net salaries and payslip snapshots and moves the run to
// approved. Allowed only from processed.
func (r *PayrollRepository) ApproveRun(ctx context.Context, runID string, approvals []*EmployeeApproval) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := lockRunInStatus(ctx, tx, runID, RunProcessed); err != nil {
			return err
		}

		empQuery := `
			UPDATE payroll_run_employees
			SET net_salary       = $2,
			    variance         = $3,
			    payslip_snapshot = $4,
			    status           = 'approved'::payroll_run_status,
			    updated_at       = NOW()
			WHERE id = $1
		`
		for _, a := range approvals {
			_, err := tx.Exec(ctx, empQuery,
				a.RunEmployeeID, a.NetSalary, a.Variance, a.PayslipSnapshot)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to approve run employee")
			}
		}

		return setRunStatus(ctx, tx, runID, RunApproved)
	})
}

// MarkReadyToPay moves an approved run and its employees to ready_to_pay.
func (r *PayrollRepository) MarkReadyToPay(ctx context.Context, runID string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := lockRunInStatus(ctx, tx, runID, RunApproved); err != nil {
			return err
		}
		empQuery := `
			UPDATE payroll_run_employees
			SET status = 'ready_to_pay'::payroll_run_status, updated_at = NOW()
			WHERE run_id = $1 AND status = 'approved'
		`
		if _, err := tx.Exec(ctx, empQuery, runID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark employees ready to pay")
		}
		return setRunStatus(ctx, tx, runID, RunReadyToPay)
	})
}

// CreatePaymentBatch records one disbursement event: inserts the batch, marks
// the selected employees paid, and moves the run to paid when no unpaid
// employee remains. Returns whether the run is now fully paid.
func (r *PayrollRepository) CreatePaymentBatch(ctx context.Context, batch *PaymentBatch, employeeIDs []string) (bool, error) {
	allPaid := false
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := lockRunInStatus(ctx, tx, batch.RunID, RunReadyToPay); err != nil {
			return err
		}

		batchQuery := `
			INSERT INTO payment_batches
			    (id, run_id, payment_method, batch_number, paid_by, paid_at,
			     attachment_url, employee_count, total_amount, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`
		_, err := tx.Exec(ctx, batchQuery,
			batch.ID, batch.RunID, batch.PaymentMethod, batch.BatchNumber,
			batch.PaidBy, batch.PaidAt, batch.AttachmentURL,
			batch.EmployeeCount, batch.TotalAmount, batch.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.InvalidInput("batch_number",
					"batch number already used for this run")
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create payment batch")
		}

		empQuery := `
			UPDATE payroll_run_employees
			SET status       = 'paid'::payroll_run_status,
			    payment_date = $2,
			    updated_at   = NOW()
			WHERE id = ANY($1) AND status = 'ready_to_pay'
		`
		tag, err := tx.Exec(ctx, empQuery, employeeIDs, batch.PaidAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark employees paid")
		}
		if int(tag.RowsAffected()) != len(employeeIDs) {
			return errors.ConcurrentModification("payroll_run", batch.RunID)
		}

		var unpaid int
		countQuery := `
			SELECT COUNT(*)
			FROM payroll_run_employees
			WHERE run_id = $1 AND status <> 'paid'
		`
		if err := tx.QueryRow(ctx, countQuery, batch.RunID).Scan(&unpaid); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to count unpaid employees")
		}
		if unpaid == 0 {
			allPaid = true
			return setRunStatus(ctx, tx, batch.RunID, RunPaid)
		}
		return nil
	})
	return allPaid, err
}

// LockRun freezes a paid run. Item mutation guards key off this status.
func (r *PayrollRepository) LockRun(ctx context.Context, runID string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := lockRunInStatus(ctx, tx, runID, RunPaid); err != nil {
			return err
		}
		return setRunStatus(ctx, tx, runID, RunLocked)
	})
}

// CancelRun cancels a draft or processed run and its employee rows.
func (r *PayrollRepository) CancelRun(ctx context.Context, runID string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := lockRunInStatus(ctx, tx, runID, RunDraft, RunProcessed); err != nil {
			return err
		}
		empQuery := `
			UPDATE payroll_run_employees
			SET status = 'cancelled'::payroll_run_status, updated_at = NOW()
			WHERE run_id = $1
		`
		if _, err := tx.Exec(ctx, empQuery, runID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to cancel run employees")
		}
		return setRunStatus(ctx, tx, runID, RunCancelled)
	})
}

// ── Payment batch queries ────────────────────────────────────────────────────

// ListPaymentBatches returns the batches of a run, oldest first.
func (r *PayrollRepository) ListPaymentBatches(ctx context.Context, runID string) ([]*PaymentBatch, error) {
	query := `
		SELECT id, run_id, payment_method, batch_number, paid_by, paid_at,
		       attachment_url, employee_count, total_amount, created_at
		FROM payment_batches
		WHERE run_id = $1
		ORDER BY paid_at ASC
	`
	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list payment batches")
	}
	defer rows.Close()

	var batches []*PaymentBatch
	for rows.Next() {
		b := &PaymentBatch{}
		err := rows.Scan(&b.ID, &b.RunID, &b.PaymentMethod, &b.BatchNumber,
			&b.PaidBy, &b.PaidAt, &b.AttachmentURL,
			&b.EmployeeCount, &b.TotalAmount, &b.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan payment batch")
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

const runSelect = `
		SELECT id, month, office_id, status, currency, default_payment_method,
		       created_by, created_at, updated_at
		FROM payroll_runs
`

const employeeSelect = `
		SELECT id, run_id, employee_id, base_salary,
		       total_additions, total_deductions,
		       net_salary, calc_net_salary, variance,
		       status, payment_method, payment_date, payslip_snapshot,
		       created_at, updated_at
		FROM payroll_run_employees
`

// lockRunInStatus takes the run row lock and verifies the current status is
// one of allowed. Serializes concurrent aggregate mutations per run.
func lockRunInStatus(ctx context.Context, tx pgx.Tx, runID string, allowed ...RunStatus) error {
	query := `
		SELECT status
		FROM payroll_runs
		WHERE id = $1
		FOR UPDATE
	`
	var status RunStatus
	err := tx.QueryRow(ctx, query, runID).Scan(&status)
	if err == pgx.ErrNoRows {
		return errors.NotFound("payroll_run", runID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock payroll run")
	}
	for _, s := range allowed {
		if status == s {
			return nil
		}
	}
	return errors.InvalidState("payroll run %s is %s", runID, status)
}

func setRunStatus(ctx context.Context, tx pgx.Tx, runID string, to RunStatus) error {
	query := `
		UPDATE payroll_runs
		SET status = $2::payroll_run_status, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query, runID, to); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update run status")
	}
	return nil
}

func scanRun(row requestScanner) (*PayrollRun, error) {
	run := &PayrollRun{}
	err := row.Scan(
		&run.ID,
		&run.Month,
		&run.OfficeID,
		&run.Status,
		&run.Currency,
		&run.DefaultPaymentMethod,
		&run.CreatedBy,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func scanRunEmployees(rows pgx.Rows) ([]*PayrollRunEmployee, error) {
	var emps []*PayrollRunEmployee
	for rows.Next() {
		e := &PayrollRunEmployee{}
		err := rows.Scan(
			&e.ID,
			&e.RunID,
			&e.EmployeeID,
			&e.BaseSalary,
			&e.TotalAdditions,
			&e.TotalDeductions,
			&e.NetSalary,
			&e.CalcNetSalary,
			&e.Variance,
			&e.Status,
			&e.PaymentMethod,
			&e.PaymentDate,
			&e.PayslipSnapshot,
			&e.CreatedAt,
			&e.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan run employee")
		}
		emps = append(emps, e)
	}
	return emps, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
