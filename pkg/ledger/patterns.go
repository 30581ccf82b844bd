package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/castellan-io/castellan/pkg/contracts"
)

// Detection thresholds. These are fixed heuristics, not tunables: changing
// them changes what the ledger considers suspicious.
const (
	rapidActionWindow = 5 * time.Minute
	rapidActionCount  = 10

	unusualHourLate  = 22 // local hour >= 22 ...
	unusualHourEarly = 6  // ... or <= 6
	unusualWindow    = 24 * time.Hour
	unusualCount     = 3

	failureWindow = 10 * time.Minute
	failureCount  = 5

	// criticalBudgetThreshold flags BUDGET_APPROVAL records whose new state
	// carries an amount at or above this value (minor currency units).
	criticalBudgetThreshold int64 = 10_000_000

	privilegeWindow = 30 * time.Minute
	privilegeCount  = 2

	bulkDeleteWindow = 5 * time.Minute
	bulkDeleteCount  = 50
)

var failureVocabulary = []string{"FAILED", "ERROR", "DENIED"}

// detector evaluates the suspicious-activity heuristics. It runs after every
// append and on the monitor's periodic sweep; detection is best-effort and
// never blocks or fails an append.
type detector struct {
	ledger *Ledger
}

func newDetector(l *Ledger) *detector {
	return &detector{ledger: l}
}

func (d *detector) onAppend(ctx context.Context, rec *contracts.AuditRecord) {
	now := rec.Timestamp

	d.checkWindow(ctx, rec, now, rapidActionWindow, rapidActionCount, nil,
		contracts.AlertSuspiciousActivity, contracts.SeverityHigh,
		fmt.Sprintf("rapid action burst by actor %s", rec.ActorID))

	if isUnusualHour(rec.Timestamp) {
		d.checkWindow(ctx, rec, now, unusualWindow, unusualCount, isUnusualHourRecord,
			contracts.AlertUnusualHours, contracts.SeverityMedium,
			fmt.Sprintf("off-hours activity by actor %s", rec.ActorID))
	}

	if matchesVocabulary(rec, failureVocabulary...) {
		d.checkWindow(ctx, rec, now, failureWindow, failureCount,
			func(r *contracts.AuditRecord) bool { return matchesVocabulary(r, failureVocabulary...) },
			contracts.AlertRepeatedFailures, contracts.SeverityHigh,
			fmt.Sprintf("repeated failures by actor %s", rec.ActorID))
	}

	if rec.ActionType == contracts.ActionBudgetApproval {
		if amt, ok := stateAmount(rec.NewState); ok && amt >= criticalBudgetThreshold {
			d.ledger.alerts.Raise(ctx, contracts.AlertPolicyViolation, contracts.SeverityHigh,
				fmt.Sprintf("high-value budget change by actor %s", rec.ActorID),
				[]string{rec.ID}, now)
		}
	}

	if matchesVocabulary(rec, "PERMISSION", "ROLE") {
		d.checkWindow(ctx, rec, now, privilegeWindow, privilegeCount,
			func(r *contracts.AuditRecord) bool { return matchesVocabulary(r, "PERMISSION", "ROLE") },
			contracts.AlertPrivilegeEscalation, contracts.SeverityCritical,
			fmt.Sprintf("permission changes by actor %s", rec.ActorID))
	}

	if matchesVocabulary(rec, "DELETE") {
		d.checkWindow(ctx, rec, now, bulkDeleteWindow, bulkDeleteCount,
			func(r *contracts.AuditRecord) bool { return matchesVocabulary(r, "DELETE") },
			contracts.AlertBulkDeletion, contracts.SeverityCritical,
			fmt.Sprintf("bulk deletion by actor %s", rec.ActorID))
	}
}

// checkWindow counts the actor's trailing-window records (optionally
// filtered) and raises when the threshold is met. Related ids cover the
// whole window so merged alerts accumulate evidence.
func (d *detector) checkWindow(ctx context.Context, rec *contracts.AuditRecord, now time.Time,
	window time.Duration, threshold int, keep func(*contracts.AuditRecord) bool,
	typ contracts.AlertType, severity contracts.AlertSeverity, description string,
) {
	since := now.Add(-window)
	records, err := d.ledger.store.Query(ctx, Filter{ActorID: rec.ActorID, Since: &since})
	if err != nil {
		d.ledger.logger.Warn("pattern detection query failed", "actor_id", rec.ActorID, "error", err)
		return
	}

	ids := make([]string, 0, len(records))
	for _, r := range records {
		if keep != nil && !keep(r) {
			continue
		}
		ids = append(ids, r.ID)
	}
	if len(ids) < threshold {
		return
	}
	d.ledger.alerts.Raise(ctx, typ, severity, description, ids, now)
}

// sweep re-runs the heuristics that need negative evidence over the trailing
// 24 hours, grouped by actor. Alert dedup keeps repeated sweeps quiet.
func (d *detector) sweep(ctx context.Context) {
	now := d.ledger.clock().UTC()
	since := now.Add(-unusualWindow)
	records, err := d.ledger.store.Query(ctx, Filter{Since: &since})
	if err != nil {
		d.ledger.logger.Warn("pattern sweep query failed", "error", err)
		return
	}

	byActor := make(map[string][]string)
	for _, r := range records {
		if isUnusualHour(r.Timestamp) {
			byActor[r.ActorID] = append(byActor[r.ActorID], r.ID)
		}
	}
	for actorID, ids := range byActor {
		if len(ids) < unusualCount {
			continue
		}
		d.ledger.alerts.Raise(ctx, contracts.AlertUnusualHours, contracts.SeverityMedium,
			fmt.Sprintf("off-hours activity by actor %s", actorID), ids, now)
	}
}

func isUnusualHour(t time.Time) bool {
	h := t.Local().Hour()
	return h >= unusualHourLate || h <= unusualHourEarly
}

func isUnusualHourRecord(r *contracts.AuditRecord) bool {
	return isUnusualHour(r.Timestamp)
}

// matchesVocabulary checks the record's action-type and resource-type text
// against an uppercase vocabulary.
func matchesVocabulary(r *contracts.AuditRecord, words ...string) bool {
	text := strings.ToUpper(string(r.ActionType) + " " + r.ResourceType)
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// stateAmount extracts a monetary amount from a state snapshot, accepting
// either "amount" or "budget_amount" keys.
func stateAmount(state json.RawMessage) (int64, bool) {
	if len(state) == 0 {
		return 0, false
	}
	var payload struct {
		Amount       *int64 `json:"amount"`
		BudgetAmount *int64 `json:"budget_amount"`
	}
	if err := json.Unmarshal(state, &payload); err != nil {
		return 0, false
	}
	if payload.Amount != nil {
		return *payload.Amount, true
	}
	if payload.BudgetAmount != nil {
		return *payload.BudgetAmount, true
	}
	return 0, false
}
