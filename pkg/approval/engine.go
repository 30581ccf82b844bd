// Package approval implements the multi-tier approval engine: it derives a
// per-request approval chain from the budget tier catalog, drives node-level
// decisions, and finalizes request status. Every transition, including
// denials, lands on the audit ledger; notification delivery is best-effort
// and never gates a transition.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-io/castellan/pkg/authority"
	"github.com/castellan-io/castellan/pkg/catalog"
	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/directory"
	"github.com/castellan-io/castellan/pkg/ledger"
	"github.com/castellan-io/castellan/pkg/notify"
	"github.com/castellan-io/castellan/pkg/observability"
)

const escalationReason = "auto-escalated (timeout)"

// Engine owns all ApprovalRequest mutation. Writers are serialized per
// request id, so a decision racing an escalation sweep resolves to exactly
// one winner; the loser observes the advanced state and fails cleanly.
type Engine struct {
	catalog  *catalog.Catalog
	resolver *authority.Resolver
	dir      directory.Directory
	audit    *ledger.Ledger
	notifier notify.Notifier
	store    Store
	obs      *observability.Provider
	clock    func() time.Time
	logger   *slog.Logger

	locks sync.Map // request id → *sync.Mutex
}

// NewEngine wires an approval engine. All collaborators are injected; the
// engine holds no ambient global state.
func NewEngine(cat *catalog.Catalog, resolver *authority.Resolver, dir directory.Directory,
	audit *ledger.Ledger, notifier notify.Notifier, store Store,
) *Engine {
	return &Engine{
		catalog:  cat,
		resolver: resolver,
		dir:      dir,
		audit:    audit,
		notifier: notifier,
		store:    store,
		clock:    time.Now,
		logger:   slog.Default().With("component", "approval"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithObservability enables decision metrics. obs may be nil.
func (e *Engine) WithObservability(obs *observability.Provider) *Engine {
	e.obs = obs
	return e
}

func (e *Engine) lockRequest(id string) func() {
	mu, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// CreateRequest opens an approval workflow for a budget amount. The chain is
// one node per configured tier slot, each resolved to a concrete approver
// through the directory; the first approver is notified.
func (e *Engine) CreateRequest(ctx context.Context, requester contracts.Actor,
	projectID string, budgetAmount int64, reason string,
) (*contracts.ApprovalRequest, error) {
	tier, err := e.catalog.ResolveTier(budgetAmount)
	if err != nil {
		e.logger.Error("no budget tier configured for amount", "amount", budgetAmount)
		return nil, err
	}

	chain := make([]contracts.ApprovalNode, 0, len(tier.Slots))
	for _, slot := range tier.Slots {
		approver, err := e.dir.ApproverForLevel(ctx, slot.RequiredLevel)
		if err != nil {
			e.logger.Error("approval chain resolution failed",
				"tier", tier.Name, "level", slot.RequiredLevel, "error", err)
			return nil, fmt.Errorf("resolve approver for level %d: %w", slot.RequiredLevel, err)
		}
		chain = append(chain, contracts.ApprovalNode{
			ApproverID:    approver.ID,
			RequiredLevel: slot.RequiredLevel,
			Role:          slot.Role,
			Status:        contracts.NodePending,
		})
	}
	if len(chain) == 0 {
		e.logger.Error("approval chain resolution yielded zero approvers", "tier", tier.Name)
		return nil, fmt.Errorf("tier %s resolved an empty approval chain: %w",
			tier.Name, contracts.ErrConfigurationGap)
	}

	now := e.clock().UTC()
	req := &contracts.ApprovalRequest{
		ID:                uuid.New().String(),
		ProjectID:         projectID,
		RequesterID:       requester.ID,
		BudgetAmount:      budgetAmount,
		ApprovalChain:     chain,
		CurrentApproverID: chain[0].ApproverID,
		Status:            contracts.ApprovalPending,
		CreatedAt:         now,
		Deadline:          now.Add(time.Duration(tier.DeadlineHours) * time.Hour),
	}

	if err := e.store.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("store approval request: %w", err)
	}

	newState, _ := json.Marshal(map[string]any{
		"budget_amount": budgetAmount,
		"project_id":    projectID,
		"tier":          tier.Name,
	})
	if _, err := e.audit.Append(ctx, requester.ID, contracts.ActionBudgetApproval,
		"approval_request", req.ID, nil, newState, reason); err != nil {
		return nil, fmt.Errorf("audit approval request: %w", err)
	}

	e.send(ctx, notify.Notification{
		RecipientID:    req.CurrentApproverID,
		Title:          "Approval required",
		Message:        fmt.Sprintf("Budget request %s for %d awaits your decision", req.ID, budgetAmount),
		ActionRequired: true,
		Deadline:       &req.Deadline,
	})
	return req, nil
}

// ProcessApproval applies an approver's decision to their pending node.
// Preconditions are checked in order, each a distinct failure: the request
// exists, the approver is current, the approver has budget authority, and a
// pending node for the approver exists.
func (e *Engine) ProcessApproval(ctx context.Context, approver contracts.Actor,
	requestID string, decision contracts.Decision, reason string,
) (*contracts.ApprovalRequest, error) {
	unlock := e.lockRequest(requestID)
	defer unlock()

	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, e.deny(ctx, approver.ID, req, contracts.ErrInvalidState,
			fmt.Sprintf("decision on terminal request (status=%s)", req.Status))
	}
	if approver.ID != req.CurrentApproverID {
		return nil, e.deny(ctx, approver.ID, req, contracts.ErrInvalidState,
			fmt.Sprintf("approver %s is not current (current=%s)", approver.ID, req.CurrentApproverID))
	}
	if !e.resolver.CheckAuthority(approver, contracts.ActionBudgetApproval,
		authority.Context{BudgetAmount: req.BudgetAmount}) {
		return nil, e.deny(ctx, approver.ID, req, contracts.ErrAuthorizationDenied,
			fmt.Sprintf("approver %s lacks budget authority for %d", approver.ID, req.BudgetAmount))
	}

	nodeIdx := -1
	for i := range req.ApprovalChain {
		node := &req.ApprovalChain[i]
		if node.ApproverID == approver.ID && node.Status == contracts.NodePending {
			nodeIdx = i
			break
		}
	}
	if nodeIdx < 0 {
		return nil, e.deny(ctx, approver.ID, req, contracts.ErrInvalidState,
			fmt.Sprintf("no pending chain node for approver %s", approver.ID))
	}

	now := e.clock().UTC()
	node := &req.ApprovalChain[nodeIdx]
	node.DecisionReason = reason
	node.DecidedAt = &now

	var next *contracts.ApprovalNode
	switch decision {
	case contracts.DecisionRejected:
		node.Status = contracts.NodeRejected
		req.Status = contracts.ApprovalRejected
		req.CompletedAt = &now
	case contracts.DecisionApproved:
		node.Status = contracts.NodeApproved
		for i := nodeIdx + 1; i < len(req.ApprovalChain); i++ {
			if req.ApprovalChain[i].Status == contracts.NodePending {
				next = &req.ApprovalChain[i]
				break
			}
		}
		if next != nil {
			req.CurrentApproverID = next.ApproverID
			req.Status = contracts.ApprovalPending
		} else {
			req.Status = contracts.ApprovalApproved
			req.CompletedAt = &now
		}
	default:
		return nil, fmt.Errorf("unknown decision %q: %w", decision, contracts.ErrInvalidState)
	}

	if err := e.store.Update(ctx, req); err != nil {
		return nil, fmt.Errorf("store decision: %w", err)
	}

	newState, _ := json.Marshal(map[string]any{
		"decision":       string(decision),
		"request_status": string(req.Status),
		"node_index":     nodeIdx,
	})
	if _, err := e.audit.Append(ctx, approver.ID, contracts.ActionBudgetApproval,
		"approval_decision", req.ID, nil, newState, reason); err != nil {
		return nil, fmt.Errorf("audit decision: %w", err)
	}

	if e.obs != nil {
		e.obs.RecordDecision(ctx, string(decision))
	}
	if next != nil {
		e.send(ctx, notify.Notification{
			RecipientID:    next.ApproverID,
			Title:          "Approval required",
			Message:        fmt.Sprintf("Budget request %s advanced to you", req.ID),
			ActionRequired: true,
			Deadline:       &req.Deadline,
		})
	}
	return req, nil
}

// Escalate force-advances a stalled request to the immediately next
// configured authority level. Only the escalation monitor calls this. It is
// a no-op before the tier's escalation threshold, on terminal or already
// escalated requests, and (with a warning logged) when no higher level exists.
func (e *Engine) Escalate(ctx context.Context, requestID string) (bool, error) {
	unlock := e.lockRequest(requestID)
	defer unlock()

	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return false, err
	}
	if req.Status != contracts.ApprovalPending || req.EscalatedAt != nil {
		return false, nil
	}

	tier, err := e.catalog.ResolveTier(req.BudgetAmount)
	if err != nil {
		return false, err
	}
	now := e.clock().UTC()
	if now.Sub(req.CreatedAt) < time.Duration(tier.EscalationThresholdHours)*time.Hour {
		return false, nil
	}

	nodeIdx := -1
	for i := range req.ApprovalChain {
		if req.ApprovalChain[i].Status == contracts.NodePending {
			nodeIdx = i
			break
		}
	}
	if nodeIdx < 0 {
		return false, nil
	}
	current := &req.ApprovalChain[nodeIdx]

	nextLevel, ok := e.catalog.NextLevelAbove(current.RequiredLevel)
	if !ok {
		// Already at the configured ceiling. The request stays pending;
		// StarvedAt makes the stall visible to operators.
		if req.StarvedAt == nil {
			req.StarvedAt = &now
			if err := e.store.Update(ctx, req); err != nil {
				return false, fmt.Errorf("store starvation mark: %w", err)
			}
		}
		e.logger.Warn("cannot escalate past top authority level",
			"request_id", req.ID, "level", current.RequiredLevel)
		return false, nil
	}

	approver, err := e.dir.ApproverForLevel(ctx, nextLevel)
	if err != nil {
		return false, fmt.Errorf("resolve escalation approver for level %d: %w", nextLevel, err)
	}

	role := ""
	if lvl, found := e.catalog.Level(nextLevel); found {
		role = lvl.Title
	}

	current.Status = contracts.NodeSkipped
	current.DecidedAt = &now
	current.DecisionReason = escalationReason
	req.ApprovalChain = append(req.ApprovalChain, contracts.ApprovalNode{
		ApproverID:    approver.ID,
		RequiredLevel: nextLevel,
		Role:          role,
		Status:        contracts.NodePending,
	})
	req.CurrentApproverID = approver.ID
	req.Status = contracts.ApprovalEscalated
	req.EscalatedAt = &now

	if err := e.store.Update(ctx, req); err != nil {
		return false, fmt.Errorf("store escalation: %w", err)
	}

	newState, _ := json.Marshal(map[string]any{
		"skipped_level":   current.RequiredLevel,
		"escalated_level": nextLevel,
		"new_approver":    approver.ID,
	})
	if _, err := e.audit.Append(ctx, "system", contracts.ActionBudgetApproval,
		"approval_escalation", req.ID, nil, newState, escalationReason); err != nil {
		return true, fmt.Errorf("audit escalation: %w", err)
	}

	e.send(ctx, notify.Notification{
		RecipientID:    approver.ID,
		Title:          "Escalated approval requires action",
		Message:        fmt.Sprintf("Budget request %s escalated to you after timeout", req.ID),
		ActionRequired: true,
		Deadline:       &req.Deadline,
	})
	return true, nil
}

// deny records an authority or state failure on the ledger and returns the
// classified error. The denial record is distinct from the action's own
// success-path record.
func (e *Engine) deny(ctx context.Context, actorID string, req *contracts.ApprovalRequest,
	cause error, detail string,
) error {
	if _, err := e.audit.Append(ctx, actorID, contracts.ActionBudgetApproval,
		"approval_denial", req.ID, nil, nil, detail); err != nil {
		e.logger.Error("failed to audit denial", "request_id", req.ID, "error", err)
	}
	return fmt.Errorf("%s: %w", detail, cause)
}

// send dispatches a notification best-effort. Failures never propagate.
func (e *Engine) send(ctx context.Context, n notify.Notification) {
	if err := e.notifier.Send(ctx, n); err != nil {
		e.logger.Warn("notification dispatch failed", "recipient", n.RecipientID, "error", err)
	}
}

// Get returns a request by id.
func (e *Engine) Get(ctx context.Context, requestID string) (*contracts.ApprovalRequest, error) {
	return e.store.Get(ctx, requestID)
}

// PendingFor returns the open requests currently waiting on a user.
func (e *Engine) PendingFor(ctx context.Context, userID string) ([]*contracts.ApprovalRequest, error) {
	return e.store.ListByApprover(ctx, userID)
}

// History returns requests matching the filter, most recent first.
func (e *Engine) History(ctx context.Context, f HistoryFilter) ([]*contracts.ApprovalRequest, error) {
	return e.store.List(ctx, f)
}

// ListOpen returns all non-terminal requests; the monitor sweeps this set.
func (e *Engine) ListOpen(ctx context.Context) ([]*contracts.ApprovalRequest, error) {
	return e.store.ListOpen(ctx)
}

// Metrics summarizes the request store for the reporting surface.
func (e *Engine) Metrics(ctx context.Context) (*contracts.ApprovalMetrics, error) {
	requests, err := e.store.List(ctx, HistoryFilter{})
	if err != nil {
		return nil, err
	}

	m := &contracts.ApprovalMetrics{TotalRequests: len(requests)}
	var completed int
	var totalHours float64
	for _, req := range requests {
		switch req.Status {
		case contracts.ApprovalPending:
			m.PendingRequests++
		case contracts.ApprovalApproved:
			m.ApprovedRequests++
		case contracts.ApprovalRejected:
			m.RejectedRequests++
		case contracts.ApprovalEscalated:
			m.EscalatedRequests++
		}
		if req.StarvedAt != nil {
			m.StarvedRequests++
		}
		if req.CompletedAt != nil {
			completed++
			totalHours += req.CompletedAt.Sub(req.CreatedAt).Hours()
		}
	}
	if completed > 0 {
		m.AverageApprovalTimeHours = totalHours / float64(completed)
	}
	return m, nil
}
