package repository

import (
	"context"

	"github.com/velora-hq/be-hr-payroll/internal/database"
	"github.com/velora-hq/be-hr-payroll/internal/errors"
)

// DocumentRepository applies approval outcomes to the business records the
// workflow engine governs. Every update sets the status unconditionally by
// primary key, so adapter retries after a transient failure are idempotent.
type DocumentRepository struct {
	db *database.DB
}

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(db *database.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// SetTimesheetStatus sets a timesheet's approval status.
func (r *DocumentRepository) SetTimesheetStatus(ctx context.Context, id, status string) error {
	return r.setStatus(ctx, "timesheets", "timesheet", id, status)
}

// SetSalaryAdvanceStatus sets a salary advance's approval status.
func (r *DocumentRepository) SetSalaryAdvanceStatus(ctx context.Context, id, status string) error {
	return r.setStatus(ctx, "salary_advances", "salary_advance", id, status)
}

// SetProcurementStatus sets a procurement document's approval status.
func (r *DocumentRepository) SetProcurementStatus(ctx context.Context, id, status string) error {
	return r.setStatus(ctx, "procurement_documents", "procurement_document", id, status)
}

func (r *DocumentRepository) setStatus(ctx context.Context, table, resource, id, status string) error {
	// Table names come from the three callers above, never from input.
	query := `
		UPDATE ` + table + `
		SET status = $2, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, id, status)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update "+resource+" status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(resource, id)
	}
	return nil
}
