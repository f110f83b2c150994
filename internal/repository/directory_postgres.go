package repository

import (
	"context"

	"github.com/velora-hq/be-hr-payroll/internal/database"
	"github.com/velora-hq/be-hr-payroll/internal/errors"
)

// EmployeeRepository reads the employee directory projection used at payroll
// run creation.
type EmployeeRepository struct {
	db *database.DB
}

// NewEmployeeRepository creates a new EmployeeRepository.
func NewEmployeeRepository(db *database.DB) *EmployeeRepository {
	return &EmployeeRepository{db: db}
}

// ActiveEmployees returns the active employees of an office with their
// current base salary and payment method.
func (r *EmployeeRepository) ActiveEmployees(ctx context.Context, officeID string) ([]*Employee, error) {
	query := `
		SELECT id, office_id, full_name, base_salary, payment_method, active
		FROM employees
		WHERE office_id = $1 AND active
		ORDER BY full_name ASC
	`
	rows, err := r.db.Query(ctx, query, officeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list active employees")
	}
	defer rows.Close()

	var employees []*Employee
	for rows.Next() {
		e := &Employee{}
		err := rows.Scan(&e.ID, &e.OfficeID, &e.FullName, &e.BaseSalary, &e.PaymentMethod, &e.Active)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan employee")
		}
		employees = append(employees, e)
	}
	return employees, nil
}
