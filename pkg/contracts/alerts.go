package contracts

import "time"

// AlertSeverity grades how urgently an alert needs attention.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// AlertType names the heuristic (or integrity check) that raised an alert.
type AlertType string

const (
	AlertSuspiciousActivity  AlertType = "suspicious_activity"
	AlertUnusualHours        AlertType = "unusual_hours"
	AlertRepeatedFailures    AlertType = "repeated_failures"
	AlertPolicyViolation     AlertType = "policy_violation"
	AlertPrivilegeEscalation AlertType = "privilege_escalation"
	AlertBulkDeletion        AlertType = "bulk_deletion"
	AlertIntegrityViolation  AlertType = "integrity_violation"
)

// InvestigationStatus tracks the operator workflow on an alert.
type InvestigationStatus string

const (
	InvestigationPending       InvestigationStatus = "pending"
	InvestigationInvestigating InvestigationStatus = "investigating"
	InvestigationResolved      InvestigationStatus = "resolved"
	InvestigationEscalated     InvestigationStatus = "escalated"
)

// AuditAlert is raised by pattern detection over the ledger. Alerts of the
// same type and description within an hour are merged rather than duplicated.
type AuditAlert struct {
	ID               string              `json:"id"`
	Type             AlertType           `json:"type"`
	Severity         AlertSeverity       `json:"severity"`
	Description      string              `json:"description"`
	RelatedRecordIDs []string            `json:"related_record_ids"`
	DetectedAt       time.Time           `json:"detected_at"`
	Status           InvestigationStatus `json:"investigation_status"`
}
