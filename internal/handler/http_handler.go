package handler

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/velora-hq/be-hr-payroll/internal/errors"
	"github.com/velora-hq/be-hr-payroll/internal/logger"
	"github.com/velora-hq/be-hr-payroll/internal/repository"
	"github.com/velora-hq/be-hr-payroll/internal/service"
)

// HTTPHandler exposes the approval and payroll services over REST.
type HTTPHandler struct {
	approvals *service.ApprovalService
	payroll   *service.PayrollService
	validate  *validator.Validate
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(approvals *service.ApprovalService, payroll *service.PayrollService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		approvals: approvals,
		payroll:   payroll,
		validate:  validator.New(),
		log:       log,
	}
}

// Router builds the chi router with all routes mounted.
func (h *HTTPHandler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", h.SubmitApproval)
			r.Get("/pending", h.PendingApprovals)
			r.Post("/delegations", h.CreateDelegation)
			r.Get("/{id}", h.GetApproval)
			r.Get("/{id}/history", h.GetApprovalHistory)
			r.Post("/{id}/actions", h.ProcessApprovalAction)
		})

		r.Route("/payroll", func(r chi.Router) {
			r.Post("/runs", h.CreateRun)
			r.Get("/runs/{id}", h.GetRun)
			r.Post("/runs/{id}/process", h.ProcessRun)
			r.Post("/runs/{id}/approve", h.ApproveRun)
			r.Post("/runs/{id}/ready", h.MarkReadyToPay)
			r.Post("/runs/{id}/pay", h.PayRun)
			r.Post("/runs/{id}/lock", h.LockRun)
			r.Post("/runs/{id}/cancel", h.CancelRun)
			r.Get("/runs/{id}/batches", h.ListPaymentBatches)
			r.Get("/run-employees/{id}", h.GetRunEmployee)
			r.Post("/run-employees/{id}/items", h.AddManualItem)
		})
	})

	return r
}

// Health reports service liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Approvals ─────────────────────────────────────────────────────────────────

type submitApprovalRequest struct {
	RequesterID  string                 `json:"requester_id" validate:"required"`
	DocumentKind string                 `json:"document_kind" validate:"required"`
	DocumentID   string                 `json:"document_id" validate:"required"`
	Priority     string                 `json:"priority" validate:"omitempty,oneof=low normal high"`
	Payload      map[string]interface{} `json:"payload"`
}

// SubmitApproval starts an approval workflow for a document.
func (h *HTTPHandler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	var body submitApprovalRequest
	if !h.decode(w, r, &body) {
		return
	}

	req, err := h.approvals.Submit(r.Context(), &service.SubmitRequest{
		RequesterID:  body.RequesterID,
		DocumentKind: repository.DocumentKind(body.DocumentKind),
		DocumentID:   body.DocumentID,
		Priority:     body.Priority,
		Payload:      body.Payload,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, req)
}

// GetApproval returns a request and its actions.
func (h *HTTPHandler) GetApproval(w http.ResponseWriter, r *http.Request) {
	detail, err := h.approvals.GetRequest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// GetApprovalHistory returns the audit trail of a request.
func (h *HTTPHandler) GetApprovalHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.approvals.GetHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

type processActionRequest struct {
	UserID   string  `json:"user_id" validate:"required"`
	Decision string  `json:"decision" validate:"required,oneof=approved rejected cancelled"`
	Comment  *string `json:"comment"`
}

// ProcessApprovalAction records one approver decision on a request.
func (h *HTTPHandler) ProcessApprovalAction(w http.ResponseWriter, r *http.Request) {
	var body processActionRequest
	if !h.decode(w, r, &body) {
		return
	}

	req, err := h.approvals.ProcessAction(r.Context(), chi.URLParam(r, "id"),
		body.UserID, repository.ActionStatus(body.Decision), body.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

type createDelegationRequest struct {
	ApproverID string    `json:"approver_id" validate:"required"`
	DelegateID string    `json:"delegate_id" validate:"required"`
	ValidFrom  time.Time `json:"valid_from" validate:"required"`
	ValidTo    time.Time `json:"valid_to" validate:"required"`
}

// CreateDelegation records a temporal approval delegation.
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	var body createDelegationRequest
	if !h.decode(w, r, &body) {
		return
	}

	d, err := h.approvals.Delegate(r.Context(), body.ApproverID, body.DelegateID, body.ValidFrom, body.ValidTo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, d)
}

// PendingApprovals returns the actions currently awaiting a user.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, r, errors.InvalidInput("user_id", "is required"))
		return
	}

	actions, err := h.approvals.PendingForUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

// ── Payroll ───────────────────────────────────────────────────────────────────

type createRunRequest struct {
	Month                string `json:"month" validate:"required"`
	OfficeID             string `json:"office_id" validate:"required"`
	Currency             string `json:"currency" validate:"required,len=3"`
	DefaultPaymentMethod string `json:"default_payment_method" validate:"required"`
	CreatedBy            string `json:"created_by" validate:"required"`
}

// CreateRun creates (or returns the existing) payroll run for a month/office.
func (h *HTTPHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var body createRunRequest
	if !h.decode(w, r, &body) {
		return
	}

	run, err := h.payroll.CreateRun(r.Context(), &service.CreateRunRequest{
		Month:                body.Month,
		OfficeID:             body.OfficeID,
		Currency:             body.Currency,
		DefaultPaymentMethod: body.DefaultPaymentMethod,
		CreatedBy:            body.CreatedBy,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, run)
}

// GetRun returns a run with its employee rows.
func (h *HTTPHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	detail, err := h.payroll.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

// ProcessRun recomputes a run from its item rows.
func (h *HTTPHandler) ProcessRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.payroll.ProcessRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// ApproveRun freezes nets and payslip snapshots.
func (h *HTTPHandler) ApproveRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.payroll.ApproveRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// MarkReadyToPay releases an approved run for disbursement. Usually driven by
// the payroll-run approval adapter; exposed for offices that skip the
// workflow-based finance review.
func (h *HTTPHandler) MarkReadyToPay(w http.ResponseWriter, r *http.Request) {
	run, err := h.payroll.MarkReadyToPay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

type payRunRequest struct {
	PaymentMethod string  `json:"payment_method" validate:"required"`
	BatchNumber   string  `json:"batch_number" validate:"required"`
	PaidBy        string  `json:"paid_by" validate:"required"`
	AttachmentURL *string `json:"attachment_url" validate:"omitempty,url"`
}

// PayRun records one payment batch for a payment method.
func (h *HTTPHandler) PayRun(w http.ResponseWriter, r *http.Request) {
	var body payRunRequest
	if !h.decode(w, r, &body) {
		return
	}

	batch, err := h.payroll.PayRun(r.Context(), &service.PayRunRequest{
		RunID:         chi.URLParam(r, "id"),
		PaymentMethod: body.PaymentMethod,
		BatchNumber:   body.BatchNumber,
		PaidBy:        body.PaidBy,
		AttachmentURL: body.AttachmentURL,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, batch)
}

// LockRun freezes a fully paid run.
func (h *HTTPHandler) LockRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.payroll.LockRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// CancelRun abandons a draft or processed run.
func (h *HTTPHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.payroll.CancelRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// ListPaymentBatches returns the payment batches of a run.
func (h *HTTPHandler) ListPaymentBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.payroll.ListPaymentBatches(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"batches": batches})
}

// GetRunEmployee returns one employee row with its items.
func (h *HTTPHandler) GetRunEmployee(w http.ResponseWriter, r *http.Request) {
	detail, err := h.payroll.GetRunEmployee(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

type addItemRequest struct {
	Type   string  `json:"type" validate:"required,oneof=addition deduction"`
	Name   string  `json:"name" validate:"required"`
	Amount int64   `json:"amount" validate:"required,gt=0"`
	Note   *string `json:"note"`
}

// AddManualItem appends a manual earning or deduction line.
func (h *HTTPHandler) AddManualItem(w http.ResponseWriter, r *http.Request) {
	var body addItemRequest
	if !h.decode(w, r, &body) {
		return
	}

	item, err := h.payroll.AddManualItem(r.Context(), &service.AddItemRequest{
		RunEmployeeID: chi.URLParam(r, "id"),
		Type:          repository.ItemType(body.Type),
		Name:          body.Name,
		Amount:        body.Amount,
		Note:          body.Note,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, item)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// decode parses and validates a JSON body, writing the error response itself.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid JSON"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, validationMessage(err)))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return f.Field() + ": failed validation on '" + f.Tag() + "'"
	}
	return "invalid request body"
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response body")
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := statusOf(code)

	evt := h.log.Warn()
	if status >= http.StatusInternalServerError {
		evt = h.log.Error()
	}
	evt.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Request failed")

	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = errorMessage(err, code)
	h.writeJSON(w, status, body)
}

// errorMessage hides internal error details from clients.
func errorMessage(err error, code errors.Code) string {
	if code == errors.ErrCodeInternal {
		return "internal server error"
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func statusOf(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodeInvalidState, errors.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
