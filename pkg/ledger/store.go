package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/castellan-io/castellan/pkg/contracts"
)

// Filter selects records for Query. Zero fields match everything.
type Filter struct {
	ActorID      string
	ActionType   contracts.ActionType
	ResourceType string
	Since        *time.Time
	Until        *time.Time
	Limit        int
}

func (f Filter) matches(rec *contracts.AuditRecord) bool {
	if f.ActorID != "" && rec.ActorID != f.ActorID {
		return false
	}
	if f.ActionType != "" && rec.ActionType != f.ActionType {
		return false
	}
	if f.ResourceType != "" && rec.ResourceType != f.ResourceType {
		return false
	}
	if f.Since != nil && rec.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && rec.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// Store is the persistence contract for audit records: append-only with
// order-preserving read-back. RemoveOlderThan exists solely for the archival
// job, which relocates records without disturbing their chain fields.
type Store interface {
	// Append persists a fully formed record. Implementations must preserve
	// append order on read-back; they never recompute digests.
	Append(ctx context.Context, rec *contracts.AuditRecord) error

	// Get returns the record with the given id, or contracts.ErrNotFound.
	Get(ctx context.Context, id string) (*contracts.AuditRecord, error)

	// Head returns the most recently appended record, or nil if empty.
	Head(ctx context.Context) (*contracts.AuditRecord, error)

	// Query returns matching records, most recent first.
	Query(ctx context.Context, f Filter) ([]*contracts.AuditRecord, error)

	// RemoveOlderThan removes and returns records with Timestamp before
	// cutoff, in append order, preserving all chain fields verbatim.
	RemoveOlderThan(ctx context.Context, cutoff time.Time) ([]*contracts.AuditRecord, error)
}

// MemoryStore is the in-memory Store used by tests and lite mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*contracts.AuditRecord
	byID    map[string]*contracts.AuditRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*contracts.AuditRecord)}
}

func (s *MemoryStore) Append(ctx context.Context, rec *contracts.AuditRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
	s.byID[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*contracts.AuditRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, contracts.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Head(ctx context.Context) (*contracts.AuditRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	cp := *s.records[len(s.records)-1]
	return &cp, nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]*contracts.AuditRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*contracts.AuditRecord, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		if !f.matches(s.records[i]) {
			continue
		}
		cp := *s.records[i]
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) RemoveOlderThan(ctx context.Context, cutoff time.Time) ([]*contracts.AuditRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*contracts.AuditRecord
	kept := s.records[:0]
	for _, rec := range s.records {
		if rec.Timestamp.Before(cutoff) {
			removed = append(removed, rec)
			delete(s.byID, rec.ID)
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return removed, nil
}
