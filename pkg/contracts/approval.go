package contracts

import "time"

// ApprovalStatus tracks the lifecycle of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalEscalated ApprovalStatus = "escalated"
)

// Terminal reports whether the status admits no further transitions.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// NodeStatus tracks the lifecycle of a single approver slot.
type NodeStatus string

const (
	NodePending  NodeStatus = "pending"
	NodeApproved NodeStatus = "approved"
	NodeRejected NodeStatus = "rejected"
	NodeSkipped  NodeStatus = "skipped"
)

// ApprovalNode is one approver slot in a request's chain.
// A node moves pending→{approved,rejected} via an explicit decision, or
// pending→skipped only through escalation.
type ApprovalNode struct {
	ApproverID     string     `json:"approver_id"`
	RequiredLevel  int        `json:"required_level"`
	Role           string     `json:"role"`
	Status         NodeStatus `json:"status"`
	DecisionReason string     `json:"decision_reason,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
}

// ApprovalRequest is a budget-scaled approval workflow instance.
//
// Invariant: CurrentApproverID equals the ApproverID of the first pending
// node in ApprovalChain whenever the request is non-terminal. The chain is
// non-empty and ordered by ascending required level for the request's tier.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	RequesterID       string         `json:"requester_id"`
	BudgetAmount      int64          `json:"budget_amount"`
	ApprovalChain     []ApprovalNode `json:"approval_chain"`
	CurrentApproverID string         `json:"current_approver_id"`
	Status            ApprovalStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	Deadline          time.Time      `json:"deadline"`
	EscalatedAt       *time.Time     `json:"escalated_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`

	// StarvedAt marks a request the monitor could not escalate because no
	// higher level is configured. The request stays pending; operators see
	// the stall through metrics.
	StarvedAt *time.Time `json:"starved_at,omitempty"`
}

// Decision is an approver's verdict on their chain node.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// ApprovalMetrics summarizes the request store for the reporting surface.
type ApprovalMetrics struct {
	TotalRequests            int     `json:"total_requests"`
	PendingRequests          int     `json:"pending_requests"`
	ApprovedRequests         int     `json:"approved_requests"`
	RejectedRequests         int     `json:"rejected_requests"`
	EscalatedRequests        int     `json:"escalated_requests"`
	StarvedRequests          int     `json:"starved_requests"`
	AverageApprovalTimeHours float64 `json:"average_approval_time_hours"`
}
