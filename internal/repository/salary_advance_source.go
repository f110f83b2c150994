package repository

import (
	"context"
	"fmt"

	"github.com/velora-hq/be-hr-payroll/internal/database"
	"github.com/velora-hq/be-hr-payroll/internal/errors"
)

// SalaryAdvanceSource feeds approved salary advance installments into payroll
// processing as system deduction items. The source_ref ties each item to its
// installment row, so reprocessing a run upserts instead of duplicating.
type SalaryAdvanceSource struct {
	db *database.DB
}

// NewSalaryAdvanceSource creates a new SalaryAdvanceSource.
func NewSalaryAdvanceSource(db *database.DB) *SalaryAdvanceSource {
	return &SalaryAdvanceSource{db: db}
}

// DueItems returns the deduction lines due for an employee in a run month:
// one per installment of an approved advance scheduled for that month.
func (s *SalaryAdvanceSource) DueItems(ctx context.Context, employeeID, month string) ([]*SourceItem, error) {
	query := `
		SELECT i.id, a.reason, i.amount
		FROM salary_advance_installments i
		JOIN salary_advances a ON a.id = i.advance_id
		WHERE a.employee_id = $1
		  AND a.status = 'approved'
		  AND i.due_month = $2
		ORDER BY i.id ASC
	`
	rows, err := s.db.Query(ctx, query, employeeID, month)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query due salary advances")
	}
	defer rows.Close()

	var items []*SourceItem
	for rows.Next() {
		var installmentID, reason string
		var amount int64
		if err := rows.Scan(&installmentID, &reason, &amount); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan salary advance installment")
		}
		items = append(items, &SourceItem{
			Type:      ItemDeduction,
			Name:      "Salary advance repayment",
			Amount:    amount,
			SourceRef: fmt.Sprintf("salary_advance_installment:%s", installmentID),
			Note:      &reason,
		})
	}
	return items, nil
}
