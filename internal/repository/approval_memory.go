package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/velora-hq/be-hr-payroll/internal/errors"
)

// MemoryApprovalStore is an in-memory approval store with the same atomicity
// and version-check semantics as the Postgres one. Useful for tests; not
// intended for production use.
type MemoryApprovalStore struct {
	mu          sync.Mutex
	requests    map[string]*ApprovalRequest
	actions     map[string]*ApprovalAction
	delegations []*Delegation
}

// NewMemoryApprovalStore creates an empty in-memory approval store.
func NewMemoryApprovalStore() *MemoryApprovalStore {
	return &MemoryApprovalStore{
		requests: make(map[string]*ApprovalRequest),
		actions:  make(map[string]*ApprovalAction),
	}
}

// CreateRequest stores a request and its first-step actions.
func (s *MemoryApprovalStore) CreateRequest(ctx context.Context, req *ApprovalRequest, actions []*ApprovalAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *req
	s.requests[req.ID] = &cp
	for _, a := range actions {
		ac := *a
		s.actions[a.ID] = &ac
	}
	return nil
}

// GetRequest returns a copy of the request.
func (s *MemoryApprovalStore) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	cp := *req
	return &cp, nil
}

// ListActions returns every action of a request in step order.
func (s *MemoryApprovalStore) ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectActions(func(a *ApprovalAction) bool { return a.RequestID == requestID }), nil
}

// StepActions returns the actions of one step of a request.
func (s *MemoryApprovalStore) StepActions(ctx context.Context, requestID string, step int) ([]*ApprovalAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectActions(func(a *ApprovalAction) bool {
		return a.RequestID == requestID && a.StepOrder == step
	}), nil
}

// ResolveStep applies one process_action atomically under the store mutex,
// mirroring the Postgres version check.
func (s *MemoryApprovalStore) ResolveStep(ctx context.Context, res *StepResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[res.RequestID]
	if !ok {
		return errors.NotFound("approval_request", res.RequestID)
	}
	if req.Version != res.ExpectedVersion || req.Status != RequestPending {
		return errors.ConcurrentModification("approval_request", res.RequestID)
	}
	act, ok := s.actions[res.ActionID]
	if !ok || act.Status != ActionPending {
		return errors.ConcurrentModification("approval_action", res.ActionID)
	}

	req.Status = res.RequestStatus
	req.CurrentStep = res.CurrentStep
	req.Version++
	req.UpdatedAt = res.ActedAt

	act.Status = res.ActionStatus
	act.Comment = res.Comment
	actedBy := res.ActedBy
	act.ActedBy = &actedBy
	actedAt := res.ActedAt
	act.ActedAt = &actedAt
	act.UpdatedAt = res.ActedAt

	superseded := "superseded: step settled by another approver"
	for _, id := range res.SupersededIDs {
		if sib, ok := s.actions[id]; ok && sib.Status == ActionPending {
			sib.Status = ActionCancelled
			sib.Comment = &superseded
			sib.UpdatedAt = res.ActedAt
		}
	}

	for _, a := range res.NextActions {
		cp := *a
		s.actions[a.ID] = &cp
	}
	return nil
}

// CreateDelegation records a temporal delegation.
func (s *MemoryApprovalStore) CreateDelegation(ctx context.Context, d *Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.delegations = append(s.delegations, &cp)
	return nil
}

// ActiveDelegates returns delegates of approverID active at the given instant.
func (s *MemoryApprovalStore) ActiveDelegates(ctx context.Context, approverID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var delegates []string
	for _, d := range s.delegations {
		if d.ApproverID == approverID && d.Covers(at) {
			if _, ok := seen[d.DelegateID]; !ok {
				seen[d.DelegateID] = struct{}{}
				delegates = append(delegates, d.DelegateID)
			}
		}
	}
	return delegates, nil
}

// PendingActionsForUser returns pending actions assigned to the user directly
// or through an active delegation.
func (s *MemoryApprovalStore) PendingActionsForUser(ctx context.Context, userID string, at time.Time) ([]*ApprovalAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	principals := map[string]struct{}{userID: {}}
	for _, d := range s.delegations {
		if d.DelegateID == userID && d.Covers(at) {
			principals[d.ApproverID] = struct{}{}
		}
	}

	return s.collectActions(func(a *ApprovalAction) bool {
		if a.Status != ActionPending {
			return false
		}
		_, ok := principals[a.ApproverID]
		return ok
	}), nil
}

// collectActions returns sorted copies; callers hold the mutex.
func (s *MemoryApprovalStore) collectActions(match func(*ApprovalAction) bool) []*ApprovalAction {
	var out []*ApprovalAction
	for _, a := range s.actions {
		if match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepOrder != out[j].StepOrder {
			return out[i].StepOrder < out[j].StepOrder
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MemoryAuditStore is an in-memory append-only audit log for tests.
type MemoryAuditStore struct {
	mu      sync.Mutex
	entries []*AuditEntry
}

// NewMemoryAuditStore creates an empty in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore { return &MemoryAuditStore{} }

// Append stores one audit entry.
func (s *MemoryAuditStore) Append(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries = append(s.entries, &cp)
	return nil
}

// ListByRequest returns the audit trail for a request, oldest first.
func (s *MemoryAuditStore) ListByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*AuditEntry
	for _, e := range s.entries {
		if e.RequestID == requestID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
