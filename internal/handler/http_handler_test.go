package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora-hq/be-hr-payroll/internal/logger"
	"github.com/velora-hq/be-hr-payroll/internal/repository"
	"github.com/velora-hq/be-hr-payroll/internal/service"
)

type stubIdentity struct {
	roles map[string][]string
}

func (s *stubIdentity) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	return s.roles[role], nil
}

type nopPublisher struct{}

func (nopPublisher) PublishApprovalEvent(context.Context, string, *repository.ApprovalRequest) {}
func (nopPublisher) PublishRunEvent(context.Context, string, *repository.PayrollRun)          {}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	log := logger.Nop()
	registry, err := repository.NewWorkflowRegistry(repository.DefaultTemplates()...)
	require.NoError(t, err)

	payrollStore := repository.NewMemoryPayrollStore()
	directory := &repository.MemoryEmployeeDirectory{Employees: []*repository.Employee{
		{ID: "emp-1", OfficeID: "office-1", FullName: "Amal Perera", BaseSalary: 100000, PaymentMethod: "bank", Active: true},
	}}
	payroll := service.NewPayrollService(payrollStore, directory, nil, nopPublisher{}, log)

	adapters := service.NewAdapterRegistry(log)
	adapters.Register(repository.DocumentPayrollRun, service.NewPayrollRunAdapter(payroll, log))

	identity := &stubIdentity{roles: map[string][]string{
		"MANAGER":         {"mgr-1"},
		"HR_MANAGER":      {"hr-1"},
		"FINANCE_MANAGER": {"fin-1"},
	}}
	approvals := service.NewApprovalService(
		repository.NewMemoryApprovalStore(),
		repository.NewMemoryAuditStore(),
		registry, identity, adapters, nopPublisher{}, log)

	srv := httptest.NewServer(NewHTTPHandler(approvals, payroll, log).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitAndDecideApproval(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/approvals", map[string]interface{}{
		"requester_id":  "emp-1",
		"document_kind": "timesheet",
		"document_id":   "ts-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		ID          string `json:"ID"`
		CurrentStep int    `json:"CurrentStep"`
	}
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.CurrentStep)

	resp = postJSON(t, srv.URL+"/api/v1/approvals/"+created.ID+"/actions", map[string]interface{}{
		"user_id":  "mgr-1",
		"decision": "approved",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decided struct {
		Status string `json:"Status"`
	}
	decodeBody(t, resp, &decided)
	assert.Equal(t, "approved", decided.Status)

	// A second decision on a settled request conflicts.
	resp = postJSON(t, srv.URL+"/api/v1/approvals/"+created.ID+"/actions", map[string]interface{}{
		"user_id":  "mgr-1",
		"decision": "rejected",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSubmitApprovalValidation(t *testing.T) {
	srv := newTestServer(t)

	// Missing required fields.
	resp := postJSON(t, srv.URL+"/api/v1/approvals", map[string]interface{}{
		"requester_id": "emp-1",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Malformed JSON.
	raw, err := http.Post(srv.URL+"/api/v1/approvals", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	// Unknown document kind maps to 404.
	resp = postJSON(t, srv.URL+"/api/v1/approvals", map[string]interface{}{
		"requester_id":  "emp-1",
		"document_kind": "expense_report",
		"document_id":   "x-1",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPendingApprovalsRequiresUserID(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/approvals/pending")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/approvals/pending?user_id=mgr-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPayrollRunLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/payroll/runs", map[string]interface{}{
		"month":                  "2026-03",
		"office_id":              "office-1",
		"currency":               "LKR",
		"default_payment_method": "bank",
		"created_by":             "hr-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var run struct {
		ID     string `json:"ID"`
		Status string `json:"Status"`
	}
	decodeBody(t, resp, &run)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, "draft", run.Status)

	resp = postJSON(t, srv.URL+"/api/v1/payroll/runs/"+run.ID+"/process", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/v1/payroll/runs/"+run.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Paying before ready_to_pay is an invalid state transition.
	resp = postJSON(t, srv.URL+"/api/v1/payroll/runs/"+run.ID+"/pay", map[string]interface{}{
		"payment_method": "bank",
		"batch_number":   "B-001",
		"paid_by":        "fin-1",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "invalid_state", errResp.Error.Code)
}

func TestGetUnknownRunReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/payroll/runs/00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddManualItemValidationOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/payroll/run-employees/re-1/items", map[string]interface{}{
		"type":   "addition",
		"name":   "Bonus",
		"amount": -5,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
