package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-io/castellan/pkg/contracts"
)

// dedupWindow is how far back Raise looks for an open alert of the same
// type and description before creating a new one.
const dedupWindow = time.Hour

// AlertFilter selects alerts for listing.
type AlertFilter struct {
	Type     contracts.AlertType
	Severity contracts.AlertSeverity
	Status   contracts.InvestigationStatus
	Limit    int
}

// AlertStore holds alerts raised by pattern detection and integrity checks.
type AlertStore struct {
	mu     sync.Mutex
	alerts []*contracts.AuditAlert
	byID   map[string]*contracts.AuditAlert
}

// NewAlertStore creates an empty alert store.
func NewAlertStore() *AlertStore {
	return &AlertStore{byID: make(map[string]*contracts.AuditAlert)}
}

// Raise creates an alert, or merges into an existing one: if an open
// (pending) alert of the same type and description was raised within the
// last hour, the related record ids are appended to it instead of creating
// a duplicate. Returns the created or updated alert.
func (s *AlertStore) Raise(ctx context.Context, typ contracts.AlertType, severity contracts.AlertSeverity,
	description string, relatedRecordIDs []string, now time.Time,
) *contracts.AuditAlert {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.Type != typ || a.Description != description {
			continue
		}
		if a.Status != contracts.InvestigationPending {
			continue
		}
		if now.Sub(a.DetectedAt) > dedupWindow {
			break
		}
		a.RelatedRecordIDs = mergeIDs(a.RelatedRecordIDs, relatedRecordIDs)
		cp := *a
		return &cp
	}

	alert := &contracts.AuditAlert{
		ID:               uuid.New().String(),
		Type:             typ,
		Severity:         severity,
		Description:      description,
		RelatedRecordIDs: append([]string(nil), relatedRecordIDs...),
		DetectedAt:       now,
		Status:           contracts.InvestigationPending,
	}
	s.alerts = append(s.alerts, alert)
	s.byID[alert.ID] = alert
	cp := *alert
	return &cp
}

// List returns alerts matching the filter, most recent first.
func (s *AlertStore) List(ctx context.Context, f AlertFilter) []*contracts.AuditAlert {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*contracts.AuditAlert, 0)
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		cp := *a
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// SetStatus advances an alert through the investigation workflow. Resolved
// is terminal; a resolved alert cannot be reopened.
func (s *AlertStore) SetStatus(ctx context.Context, id string, status contracts.InvestigationStatus) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, contracts.ErrNotFound)
	}
	if a.Status == contracts.InvestigationResolved && status != contracts.InvestigationResolved {
		return fmt.Errorf("alert %s is resolved: %w", id, contracts.ErrInvalidState)
	}
	a.Status = status
	return nil
}

func mergeIDs(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range incoming {
		if !seen[id] {
			existing = append(existing, id)
			seen[id] = true
		}
	}
	return existing
}
