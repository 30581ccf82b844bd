// Package contracts defines the shared data contracts of the authority
// governance core: audit records, approval requests, emergency actions,
// alerts, and the error taxonomy every component reports against.
package contracts

import (
	"encoding/json"
	"time"
)

// ActionType categorizes a privileged action on the ledger.
type ActionType string

const (
	ActionWeightAdjustment      ActionType = "WEIGHT_ADJUSTMENT"
	ActionBudgetApproval        ActionType = "BUDGET_APPROVAL"
	ActionEmergencyAction       ActionType = "EMERGENCY_ACTION"
	ActionCrossDepartmentReview ActionType = "CROSS_DEPARTMENT_REVIEW"
	ActionSystemOverride        ActionType = "SYSTEM_OVERRIDE"
)

// AuditRecord is a single immutable entry in the audit ledger.
//
// IntegrityDigest is computed over the canonical serialization of every
// field except the two digest fields themselves; PreviousDigest links the
// record to its predecessor's IntegrityDigest (or the genesis constant for
// the first record). Records are never mutated after append.
type AuditRecord struct {
	ID           string          `json:"id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	ActorID      string          `json:"actor_id"`
	ActionType   ActionType      `json:"action_type"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	PriorState   json.RawMessage `json:"prior_state,omitempty"`
	NewState     json.RawMessage `json:"new_state,omitempty"`
	Reason       string          `json:"reason"`

	IntegrityDigest string `json:"integrity_digest"`
	PreviousDigest  string `json:"previous_digest"`
}

// Actor is the resolved identity performing or approving an action.
// Level and BudgetCeiling come from the directory collaborator; the
// permission-level catalog itself is externally supplied.
type Actor struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Level         int    `json:"level"`
	Department    string `json:"department"`
	BudgetCeiling int64  `json:"budget_ceiling"`
}
