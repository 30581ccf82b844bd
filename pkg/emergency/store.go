package emergency

import (
	"context"
	"fmt"
	"sync"

	"github.com/castellan-io/castellan/pkg/contracts"
)

// Store persists emergency actions with read-modify-write by id.
type Store interface {
	Create(ctx context.Context, action *contracts.EmergencyAction) error
	Get(ctx context.Context, id string) (*contracts.EmergencyAction, error)
	Update(ctx context.Context, action *contracts.EmergencyAction) error
	List(ctx context.Context) ([]*contracts.EmergencyAction, error)
}

// MemoryStore is the in-memory Store used by tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	actions map[string]*contracts.EmergencyAction
	order   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actions: make(map[string]*contracts.EmergencyAction)}
}

func cloneAction(a *contracts.EmergencyAction) *contracts.EmergencyAction {
	out := *a
	out.AffectedResources = append([]string(nil), a.AffectedResources...)
	if a.Report != nil {
		rep := *a.Report
		rep.ReviewerIDs = append([]string(nil), a.Report.ReviewerIDs...)
		if a.Report.Details != nil {
			rep.Details = make(map[string]any, len(a.Report.Details))
			for k, v := range a.Report.Details {
				rep.Details[k] = v
			}
		}
		out.Report = &rep
	}
	return &out
}

func (s *MemoryStore) Create(ctx context.Context, action *contracts.EmergencyAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[action.ID]; ok {
		return fmt.Errorf("emergency action %s already exists: %w", action.ID, contracts.ErrInvalidState)
	}
	s.actions[action.ID] = cloneAction(action)
	s.order = append(s.order, action.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*contracts.EmergencyAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	action, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("emergency action %s: %w", id, contracts.ErrNotFound)
	}
	return cloneAction(action), nil
}

func (s *MemoryStore) Update(ctx context.Context, action *contracts.EmergencyAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actions[action.ID]; !ok {
		return fmt.Errorf("emergency action %s: %w", action.ID, contracts.ErrNotFound)
	}
	s.actions[action.ID] = cloneAction(action)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*contracts.EmergencyAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.EmergencyAction, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, cloneAction(s.actions[s.order[i]]))
	}
	return out, nil
}
