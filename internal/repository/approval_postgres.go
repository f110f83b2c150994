package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/velora-hq/be-hr-payroll/internal/database"
	"github.com/velora-hq/be-hr-payroll/internal/errors"
)

// ApprovalRepository persists approval requests, their per-step actions and
// delegations. Request + action creation and step resolution are always done
// in a single transaction.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// CreateRequest inserts a request and its first-step actions in one transaction.
func (r *ApprovalRepository) CreateRequest(ctx context.Context, req *ApprovalRequest, actions []*ApprovalAction) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		payloadJSON, err := json.Marshal(req.Payload)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request payload")
		}

		reqQuery := `
			INSERT INTO approval_requests
			    (id, requester_id, document_kind, document_id, template_id,
			     current_step, total_steps, status, priority, payload,
			     version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8::approval_request_status, $9, $10,
			        $11, $12, $13)
		`
		_, err = tx.Exec(ctx, reqQuery,
			req.ID,
			req.RequesterID,
			req.DocumentKind,
			req.DocumentID,
			req.TemplateID,
			req.CurrentStep,
			req.TotalSteps,
			req.Status,
			req.Priority,
			payloadJSON,
			req.Version,
			req.CreatedAt,
			req.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
		}

		return insertActions(ctx, tx, actions)
	})
}

// GetRequest retrieves a request by its primary key.
func (r *ApprovalRepository) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `
		SELECT id, requester_id, document_kind, document_id, template_id,
		       current_step, total_steps, status, priority, payload,
		       version, created_at, updated_at
		FROM approval_requests
		WHERE id = $1
	`

	req, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, err
}

// ListActions returns every action of a request in step order.
func (r *ApprovalRepository) ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	query := actionSelect + `
		WHERE request_id = $1
		ORDER BY step_order ASC, created_at ASC
	`
	return r.queryActions(ctx, query, requestID)
}

// StepActions returns the actions of one step of a request.
func (r *ApprovalRepository) StepActions(ctx context.Context, requestID string, step int) ([]*ApprovalAction, error) {
	query := actionSelect + `
		WHERE request_id = $1 AND step_order = $2
		ORDER BY created_at ASC
	`
	return r.queryActions(ctx, query, requestID, step)
}

// ResolveStep applies one process_action atomically: request transition under
// a version check, the acted action's terminal state, sibling supersession,
// and next-step action creation. A stale version leaves everything untouched
// and reports a conflict the caller may retry.
func (r *ApprovalRepository) ResolveStep(ctx context.Context, res *StepResolution) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		reqQuery := `
			UPDATE approval_requests
			SET status       = $3::approval_request_status,
			    current_step = $4,
			    version      = version + 1,
			    updated_at   = $5
			WHERE id = $1 AND version = $2 AND status = 'pending'
		`
		tag, err := tx.Exec(ctx, reqQuery,
			res.RequestID, res.ExpectedVersion, res.RequestStatus, res.CurrentStep, res.ActedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
		}
		if tag.RowsAffected() == 0 {
			return errors.ConcurrentModification("approval_request", res.RequestID)
		}

		actQuery := `
			UPDATE approval_actions
			SET status     = $2::approval_action_status,
			    comment    = $3,
			    acted_by   = $4,
			    acted_at   = $5,
			    updated_at = $5
			WHERE id = $1 AND status = 'pending'
		`
		tag, err = tx.Exec(ctx, actQuery,
			res.ActionID, res.ActionStatus, res.Comment, res.ActedBy, res.ActedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval action")
		}
		if tag.RowsAffected() == 0 {
			return errors.ConcurrentModification("approval_action", res.ActionID)
		}

		if len(res.SupersededIDs) > 0 {
			supQuery := `
				UPDATE approval_actions
				SET status     = 'cancelled'::approval_action_status,
				    comment    = 'superseded: step settled by another approver',
				    updated_at = $2
				WHERE id = ANY($1) AND status = 'pending'
			`
			if _, err := tx.Exec(ctx, supQuery, res.SupersededIDs, res.ActedAt); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to supersede sibling actions")
			}
		}

		return insertActions(ctx, tx, res.NextActions)
	})
}

// ── Delegations ───────────────────────────────────────────────────────────────

// CreateDelegation records a temporal delegation.
func (r *ApprovalRepository) CreateDelegation(ctx context.Context, d *Delegation) error {
	query := `
		INSERT INTO approval_delegations
		    (id, approver_id, delegate_id, valid_from, valid_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		d.ID, d.ApproverID, d.DelegateID, d.ValidFrom, d.ValidTo, d.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create delegation")
	}
	return nil
}

// ActiveDelegates returns the users allowed to act for approverID at the
// given instant.
func (r *ApprovalRepository) ActiveDelegates(ctx context.Context, approverID string, at time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT delegate_id
		FROM approval_delegations
		WHERE approver_id = $1
		  AND valid_from <= $2
		  AND valid_to   >= $2
	`
	rows, err := r.db.Query(ctx, query, approverID, at)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query delegations")
	}
	defer rows.Close()

	var delegates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		delegates = append(delegates, id)
	}
	return delegates, nil
}

// PendingActionsForUser returns pending actions the user is assigned to,
// directly or through an active delegation. Advisory only: ProcessAction
// re-checks authorization server-side on every call.
func (r *ApprovalRepository) PendingActionsForUser(ctx context.Context, userID string, at time.Time) ([]*ApprovalAction, error) {
	query := actionSelect + `
		WHERE status = 'pending'
		  AND (approver_id = $1
		       OR EXISTS (
		           SELECT 1 FROM approval_delegations d
		           WHERE d.delegate_id = $1
		             AND d.approver_id = approval_actions.approver_id
		             AND d.valid_from <= $2
		             AND d.valid_to   >= $2))
		ORDER BY created_at ASC
	`
	return r.queryActions(ctx, query, userID, at)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const actionSelect = `
		SELECT id, request_id, step_order, step_name, approver_id,
		       status, comment, acted_by, acted_at,
		       created_at, updated_at
		FROM approval_actions
`

func insertActions(ctx context.Context, tx pgx.Tx, actions []*ApprovalAction) error {
	query := `
		INSERT INTO approval_actions
		    (id, request_id, step_order, step_name, approver_id,
		     status, comment, acted_by, acted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6::approval_action_status, $7, $8, $9, $10, $11)
	`
	for _, a := range actions {
		_, err := tx.Exec(ctx, query,
			a.ID, a.RequestID, a.StepOrder, a.StepName, a.ApproverID,
			a.Status, a.Comment, a.ActedBy, a.ActedAt, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval action")
		}
	}
	return nil
}

func (r *ApprovalRepository) queryActions(ctx context.Context, query string, args ...interface{}) ([]*ApprovalAction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query approval actions")
	}
	defer rows.Close()

	var actions []*ApprovalAction
	for rows.Next() {
		a := &ApprovalAction{}
		err := rows.Scan(
			&a.ID,
			&a.RequestID,
			&a.StepOrder,
			&a.StepName,
			&a.ApproverID,
			&a.Status,
			&a.Comment,
			&a.ActedBy,
			&a.ActedAt,
			&a.CreatedAt,
			&a.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval action")
		}
		actions = append(actions, a)
	}
	return actions, nil
}

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var payloadJSON []byte
	err := row.Scan(
		&req.ID,
		&req.RequesterID,
		&req.DocumentKind,
		&req.DocumentID,
		&req.TemplateID,
		&req.CurrentStep,
		&req.TotalSteps,
		&req.Status,
		&req.Priority,
		&payloadJSON,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &req.Payload); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal request payload")
		}
	}
	return req, nil
}
