package approval

import (
	"context"
	"fmt"
	"sync"

	"github.com/castellan-io/castellan/pkg/contracts"
)

// HistoryFilter selects requests for history listings.
type HistoryFilter struct {
	ProjectID   string
	RequesterID string
	Status      contracts.ApprovalStatus
	Limit       int
}

// Store is the keyed persistence contract for approval requests. The engine
// serializes writers per request id; stores only need atomic single-request
// read-modify-write.
type Store interface {
	Create(ctx context.Context, req *contracts.ApprovalRequest) error
	Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error)
	Update(ctx context.Context, req *contracts.ApprovalRequest) error

	// ListOpen returns all non-terminal requests (the monitor's sweep set).
	ListOpen(ctx context.Context) ([]*contracts.ApprovalRequest, error)

	// ListByApprover returns non-terminal requests currently waiting on the
	// given approver.
	ListByApprover(ctx context.Context, approverID string) ([]*contracts.ApprovalRequest, error)

	// List returns requests matching the filter, most recent first.
	List(ctx context.Context, f HistoryFilter) ([]*contracts.ApprovalRequest, error)
}

// MemoryStore is the in-memory Store used by tests and lite mode.
type MemoryStore struct {
	mu       sync.RWMutex
	requests []*contracts.ApprovalRequest
	byID     map[string]*contracts.ApprovalRequest
}

// NewMemoryStore creates an empty in-memory request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*contracts.ApprovalRequest)}
}

func (s *MemoryStore) Create(ctx context.Context, req *contracts.ApprovalRequest) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[req.ID]; exists {
		return fmt.Errorf("approval request %s already exists: %w", req.ID, contracts.ErrInvalidState)
	}
	cp := cloneRequest(req)
	s.requests = append(s.requests, cp)
	s.byID[cp.ID] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*contracts.ApprovalRequest, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("approval request %s: %w", id, contracts.ErrNotFound)
	}
	return cloneRequest(req), nil
}

func (s *MemoryStore) Update(ctx context.Context, req *contracts.ApprovalRequest) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.byID[req.ID]
	if !ok {
		return fmt.Errorf("approval request %s: %w", req.ID, contracts.ErrNotFound)
	}
	*stored = *cloneRequest(req)
	return nil
}

func (s *MemoryStore) ListOpen(ctx context.Context) ([]*contracts.ApprovalRequest, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.ApprovalRequest
	for _, req := range s.requests {
		if !req.Status.Terminal() {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListByApprover(ctx context.Context, approverID string) ([]*contracts.ApprovalRequest, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.ApprovalRequest
	for _, req := range s.requests {
		if !req.Status.Terminal() && req.CurrentApproverID == approverID {
			out = append(out, cloneRequest(req))
		}
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, f HistoryFilter) ([]*contracts.ApprovalRequest, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.ApprovalRequest
	for i := len(s.requests) - 1; i >= 0; i-- {
		req := s.requests[i]
		if f.ProjectID != "" && req.ProjectID != f.ProjectID {
			continue
		}
		if f.RequesterID != "" && req.RequesterID != f.RequesterID {
			continue
		}
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		out = append(out, cloneRequest(req))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func cloneRequest(req *contracts.ApprovalRequest) *contracts.ApprovalRequest {
	cp := *req
	cp.ApprovalChain = append([]contracts.ApprovalNode(nil), req.ApprovalChain...)
	return &cp
}
