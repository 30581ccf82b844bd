// Package ledger implements the tamper-evident audit ledger: an append-only
// sequence of records where each record carries a digest over its own
// canonical serialization and a link to its predecessor's digest. Tampering
// with any stored field is detectable by recomputing digests; the ledger
// detects, it does not prevent.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-io/castellan/pkg/canonicalize"
	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/observability"
)

// Genesis is the PreviousDigest of the first record in a chain.
const Genesis = "genesis"

// Ledger owns one logical chain. The read-head → compute-digest → append
// sequence is a single critical section, so two concurrent appends can never
// link to the same previous digest.
type Ledger struct {
	store    Store
	alerts   *AlertStore
	detector *detector
	obs      *observability.Provider
	clock    func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex // append serialization, also guards head/seq
	head     string
	sequence uint64
	primed   bool
}

// New creates a ledger over the given store. Pattern detection raises alerts
// into the supplied alert store on every append.
func New(store Store, alerts *AlertStore) *Ledger {
	l := &Ledger{
		store:  store,
		alerts: alerts,
		clock:  time.Now,
		logger: slog.Default().With("component", "ledger"),
	}
	l.detector = newDetector(l)
	return l
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithObservability enables append and integrity metrics. obs may be nil.
func (l *Ledger) WithObservability(obs *observability.Provider) *Ledger {
	l.obs = obs
	return l
}

// loadHead primes the cached chain head from the store. Callers hold the lock.
func (l *Ledger) loadHead(ctx context.Context) error {
	if l.primed {
		return nil
	}
	head, err := l.store.Head(ctx)
	if err != nil {
		return fmt.Errorf("ledger: load head: %w", err)
	}
	if head == nil {
		l.head = Genesis
	} else {
		l.head = head.IntegrityDigest
		l.sequence = head.Sequence
	}
	l.primed = true
	return nil
}

// Append records a privileged action and returns the stored record.
// Reason is mandatory. The new record's digest covers every field except the
// digest pair; its PreviousDigest is the current chain head. Appending also
// triggers suspicious-pattern evaluation on the acting actor.
func (l *Ledger) Append(ctx context.Context, actorID string, actionType contracts.ActionType,
	resourceType, resourceID string, priorState, newState json.RawMessage, reason string,
) (*contracts.AuditRecord, error) {
	if reason == "" {
		return nil, fmt.Errorf("ledger: reason is mandatory: %w", contracts.ErrInvalidState)
	}
	if actorID == "" {
		return nil, fmt.Errorf("ledger: actor id is mandatory: %w", contracts.ErrInvalidState)
	}
	start := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadHead(ctx); err != nil {
		return nil, err
	}

	rec := &contracts.AuditRecord{
		ID:           uuid.New().String(),
		Sequence:     l.sequence + 1,
		Timestamp:    l.clock().UTC(),
		ActorID:      actorID,
		ActionType:   actionType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		PriorState:   priorState,
		NewState:     newState,
		Reason:       reason,
	}

	digest, err := computeDigest(rec)
	if err != nil {
		return nil, fmt.Errorf("ledger: digest: %w", err)
	}
	rec.IntegrityDigest = digest
	rec.PreviousDigest = l.head

	if err := l.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("ledger: append: %w", err)
	}
	l.head = rec.IntegrityDigest
	l.sequence = rec.Sequence

	l.detector.onAppend(ctx, rec)
	if l.obs != nil {
		l.obs.RecordAppend(ctx, string(actionType), time.Since(start))
	}
	return rec, nil
}

// Verify recomputes the stored record's digest and compares it to the stored
// IntegrityDigest. Chain linkage is not checked; see VerifyChain. A mismatch
// raises a critical integrity alert.
func (l *Ledger) Verify(ctx context.Context, recordID string) (bool, error) {
	rec, err := l.store.Get(ctx, recordID)
	if err != nil {
		return false, fmt.Errorf("ledger: verify %s: %w", recordID, err)
	}
	digest, err := computeDigest(rec)
	if err != nil {
		return false, fmt.Errorf("ledger: verify %s: %w", recordID, err)
	}
	if digest == rec.IntegrityDigest {
		return true, nil
	}

	l.logger.Error("audit record failed integrity verification",
		"record_id", rec.ID, "stored", rec.IntegrityDigest, "computed", digest)
	l.alerts.Raise(ctx, contracts.AlertIntegrityViolation, contracts.SeverityCritical,
		fmt.Sprintf("record %s failed digest verification", rec.ID), []string{rec.ID}, l.clock().UTC())
	if l.obs != nil {
		l.obs.RecordIntegrityFailure(ctx, rec.ID)
	}
	return false, nil
}

// VerifyChain checks an ordered list of record ids for both per-record digest
// validity and pairwise linkage, returning the indices where the chain
// breaks. An empty result means the chain is intact.
func (l *Ledger) VerifyChain(ctx context.Context, recordIDs []string) ([]int, error) {
	var broken []int
	var prev *contracts.AuditRecord

	for i, id := range recordIDs {
		rec, err := l.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("ledger: verify chain at %d: %w", i, err)
		}
		digest, err := computeDigest(rec)
		if err != nil {
			return nil, fmt.Errorf("ledger: verify chain at %d: %w", i, err)
		}
		if digest != rec.IntegrityDigest {
			broken = append(broken, i)
		} else if prev != nil && rec.PreviousDigest != prev.IntegrityDigest {
			broken = append(broken, i)
		}
		prev = rec
	}

	if len(broken) > 0 {
		ids := make([]string, 0, len(broken))
		for _, i := range broken {
			ids = append(ids, recordIDs[i])
		}
		l.alerts.Raise(ctx, contracts.AlertIntegrityViolation, contracts.SeverityCritical,
			"audit chain linkage broken", ids, l.clock().UTC())
	}
	return broken, nil
}

// Query returns records matching the filter, most recent first. Pure read.
func (l *Ledger) Query(ctx context.Context, f Filter) ([]*contracts.AuditRecord, error) {
	return l.store.Query(ctx, f)
}

// Get returns a single record by id.
func (l *Ledger) Get(ctx context.Context, id string) (*contracts.AuditRecord, error) {
	return l.store.Get(ctx, id)
}

// Alerts exposes the alert store backing pattern detection.
func (l *Ledger) Alerts() *AlertStore {
	return l.alerts
}

// Sweep runs the pattern heuristics that need negative evidence (quiet
// hours) across the trailing 24 hours. The escalation monitor calls this on
// its schedule.
func (l *Ledger) Sweep(ctx context.Context) {
	l.detector.sweep(ctx)
}

// computeDigest hashes the canonical serialization of the record's content
// fields. The digest pair and the storage sequence are excluded: the digest
// binds what happened, the chain binds the order.
func computeDigest(rec *contracts.AuditRecord) (string, error) {
	hashable := struct {
		ID           string               `json:"id"`
		Timestamp    time.Time            `json:"timestamp"`
		ActorID      string               `json:"actor_id"`
		ActionType   contracts.ActionType `json:"action_type"`
		ResourceType string               `json:"resource_type"`
		ResourceID   string               `json:"resource_id"`
		PriorState   json.RawMessage      `json:"prior_state,omitempty"`
		NewState     json.RawMessage      `json:"new_state,omitempty"`
		Reason       string               `json:"reason"`
	}{
		ID:           rec.ID,
		Timestamp:    rec.Timestamp,
		ActorID:      rec.ActorID,
		ActionType:   rec.ActionType,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		PriorState:   rec.PriorState,
		NewState:     rec.NewState,
		Reason:       rec.Reason,
	}
	return canonicalize.CanonicalHash(hashable)
}
