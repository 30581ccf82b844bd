package contracts

import "time"

// EmergencyLevel is the blast radius of a declared emergency.
type EmergencyLevel string

const (
	EmergencyFacility  EmergencyLevel = "FACILITY"
	EmergencyCorporate EmergencyLevel = "CORPORATE"
	EmergencySystem    EmergencyLevel = "SYSTEM"
)

// PostActionReport is the mandatory retrospective for an emergency action.
// Once submitted it is immutable; its required-field set was fixed by the
// emergency level at declaration time.
type PostActionReport struct {
	SubmittedAt time.Time      `json:"submitted_at"`
	Details     map[string]any `json:"details"`
	ReviewerIDs []string       `json:"reviewer_ids,omitempty"`
}

// EmergencyAction records an exercise of emergency authority together with
// its outstanding report obligation.
type EmergencyAction struct {
	ID                string         `json:"id"`
	ActorID           string         `json:"actor_id"`
	Level             EmergencyLevel `json:"level"`
	Scenario          string         `json:"scenario"`
	ActionType        string         `json:"action_type"`
	AffectedResources []string       `json:"affected_resources"`
	Reason            string         `json:"reason"`
	ExecutedAt        time.Time      `json:"executed_at"`

	// Report obligation tracking, driven by the escalation monitor.
	ReportDue         time.Time         `json:"report_due"`
	ReminderCount     int               `json:"reminder_count"`
	ReviewerEscalated bool              `json:"reviewer_escalated"`
	Report            *PostActionReport `json:"report,omitempty"`
}

// ReportSubmitted reports whether the post-action report has been filed.
func (a *EmergencyAction) ReportSubmitted() bool {
	return a.Report != nil
}

// EmergencyMetrics summarizes emergency activity for the reporting surface.
type EmergencyMetrics struct {
	TotalActions       int                    `json:"total_actions"`
	ByLevel            map[EmergencyLevel]int `json:"by_level"`
	OutstandingReports int                    `json:"outstanding_reports"`
	OverdueReports     int                    `json:"overdue_reports"`
}
