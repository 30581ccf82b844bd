package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/pkg/authority"
	"github.com/castellan-io/castellan/pkg/catalog"
	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/directory"
	"github.com/castellan-io/castellan/pkg/ledger"
	"github.com/castellan-io/castellan/pkg/notify"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 14, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		Levels: []catalog.PermissionLevel{
			{Level: 3, Title: "manager", BudgetCeiling: 2_000_000},
			{Level: 4, Title: "director", BudgetCeiling: 5_000_000},
			{Level: 5, Title: "vice president", BudgetCeiling: -1},
		},
		Tiers: []catalog.BudgetTierRule{
			{
				Name:      "standard",
				MinAmount: 0, MaxAmount: 2_000_000,
				Slots: []catalog.ApproverSlot{
					{RequiredLevel: 3, Role: "manager", Mandatory: true},
					{RequiredLevel: 4, Role: "director", Mandatory: true},
				},
				EscalationThresholdHours: 48,
				DeadlineHours:            120,
			},
			{
				Name:      "strategic",
				MinAmount: 2_000_001, MaxAmount: -1,
				Slots: []catalog.ApproverSlot{
					{RequiredLevel: 5, Role: "vice president", Mandatory: true},
				},
				EscalationThresholdHours: 72,
				DeadlineHours:            336,
			},
		},
		DepartmentHeadMin: 3,
		DepartmentHeadMax: 4,
		MinReviewerLevel:  4,
	}
}

var (
	requester = contracts.Actor{ID: "staff-1", Name: "Sam", Level: 1, Department: "engineering"}
	manager   = contracts.Actor{ID: "mgr-1", Name: "Morgan", Level: 3, Department: "engineering", BudgetCeiling: 2_000_000}
	director  = contracts.Actor{ID: "dir-1", Name: "Devon", Level: 4, Department: "engineering", BudgetCeiling: 5_000_000}
	vp        = contracts.Actor{ID: "vp-1", Name: "Val", Level: 5, Department: "engineering", BudgetCeiling: -1}
)

type engineFixture struct {
	engine   *Engine
	audit    *ledger.Ledger
	notifier *notify.Recorder
	clock    *fakeClock
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	clock := newFakeClock()
	audit := ledger.New(ledger.NewMemoryStore(), ledger.NewAlertStore()).WithClock(clock.Now)

	dir := directory.NewStatic()
	for _, a := range []contracts.Actor{requester, manager, director, vp} {
		dir.Add(a)
	}

	cat := testCatalog()
	recorder := notify.NewRecorder()
	engine := NewEngine(cat, authority.NewResolver(cat), dir, audit, recorder,
		NewMemoryStore()).WithClock(clock.Now)
	return &engineFixture{engine: engine, audit: audit, notifier: recorder, clock: clock}
}

func TestCreateRequest_BuildsChainFromTier(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	req, err := fx.engine.CreateRequest(ctx, requester, "proj-7", 1_500_000, "lab equipment")
	require.NoError(t, err)

	require.Len(t, req.ApprovalChain, 2)
	assert.Equal(t, manager.ID, req.ApprovalChain[0].ApproverID)
	assert.Equal(t, 3, req.ApprovalChain[0].RequiredLevel)
	assert.Equal(t, director.ID, req.ApprovalChain[1].ApproverID)
	assert.Equal(t, 4, req.ApprovalChain[1].RequiredLevel)
	assert.Equal(t, manager.ID, req.CurrentApproverID)
	assert.Equal(t, contracts.ApprovalPending, req.Status)
	assert.Equal(t, req.CreatedAt.Add(120*time.Hour), req.Deadline)

	// Chain levels rise monotonically.
	for i := 1; i < len(req.ApprovalChain); i++ {
		assert.GreaterOrEqual(t, req.ApprovalChain[i].RequiredLevel, req.ApprovalChain[i-1].RequiredLevel)
	}

	sent := fx.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, manager.ID, sent[0].RecipientID)
	assert.True(t, sent[0].ActionRequired)

	records, err := fx.audit.Query(ctx, ledger.Filter{ActorID: requester.ID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, contracts.ActionBudgetApproval, records[0].ActionType)
	assert.Equal(t, req.ID, records[0].ResourceID)
}

func TestCreateRequest_NoMatchingTier(t *testing.T) {
	fx := newEngineFixture(t)

	_, err := fx.engine.CreateRequest(context.Background(), requester, "proj-7", -50, "negative")
	require.ErrorIs(t, err, contracts.ErrConfigurationGap)
}

func TestCreateRequest_UnresolvableApprover(t *testing.T) {
	clock := newFakeClock()
	audit := ledger.New(ledger.NewMemoryStore(), ledger.NewAlertStore()).WithClock(clock.Now)
	dir := directory.NewStatic()
	dir.Add(manager) // no level-4 approver registered
	cat := testCatalog()
	engine := NewEngine(cat, authority.NewResolver(cat), dir, audit,
		notify.NewRecorder(), NewMemoryStore()).WithClock(clock.Now)

	_, err := engine.CreateRequest(context.Background(), requester, "proj-7", 1_500_000, "lab equipment")
	require.ErrorIs(t, err, contracts.ErrConfigurationGap)
}

func TestProcessApproval_AdvancesThenCompletes(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	req, err := fx.engine.CreateRequest(ctx, requester, "proj-7", 1_500_000, "lab equipment")
	require.NoError(t, err)
	fx.notifier.Reset()

	req, err = fx.engine.ProcessApproval(ctx, manager, req.ID, contracts.DecisionApproved, "within plan")
	require.NoError(t, err)
	assert.Equal(t, contracts.NodeApproved, req.ApprovalChain[0].Status)
	assert.Equal(t, director.ID, req.CurrentApproverID)
	assert.Equal(t, contracts.ApprovalPending, req.Status)
	assert.Nil(t, req.CompletedAt)

	sent := fx.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, director.ID, sent[0].RecipientID)

	req, err = fx.engine.ProcessApproval(ctx, director, req.ID, contracts.DecisionApproved, "confirmed")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, req.Status)
	require.NotNil(t, req.CompletedAt)
}

func TestProcessApproval_RejectTerminatesImmediately(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	req, err := fx.engine.CreateRequest(ctx, requester, "proj-7", 1_500_000, "lab equipment")
	require.NoError(t, err)

	req, err = fx.engine.ProcessApproval(ctx, manager, req.ID, contracts.DecisionRejected, "over budget")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalRejected, req.Status)
	require.NotNil(t, req.CompletedAt)
	assert.Equal(t, contracts.NodeRejected, req.ApprovalChain[0].Status)

	// The second node is never touched.
	assert.Equal(t, contracts.NodePending, req.ApprovalChain[1].Status)
	assert.Nil(t, req.ApprovalChain[1].DecidedAt)
}

func TestProcessApproval_NonCurrentApprover(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	req, err := fx.engine.CreateRequest(ctx, requester, "proj-7", 1_500_000, "lab equipment")
	require.NoError(t, err)

	_, err = fx.engine.ProcessApproval(ctx, director, req.ID, contracts.DecisionApproved, "jumping the queue")
	require.ErrorIs(t, err, contracts.ErrInvalidState)

	denials, err := fx.audit.Query(ctx, ledger.Filter{ActorID: director.ID, ResourceType: "approval_denial"})
	require.NoError(t, err)
	assert.Len(t, denials, 1)
}

func TestProcessApproval_InsufficientCeiling(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	req, err := fx.engine.CreateRequest(ctx, requester, "proj-7", 1_500_000, "lab equipment")
	require.NoError(t, err)

	weak := manager
	weak.BudgetCeiling = 100_000
	_, err = fx.engine.ProcessApproval(ctx, weak, req.ID, contracts.DecisionApproved, "trying anyway")
	require.ErrorIs(t, err, contracts.ErrAuthorizationDenied)

	denials, err := fx.audit.Query(ctx, ledger.Filter{ResourceType: "approval_denial"})
	require.NoError(t, err)
	assert.Len(t, denials, 1)
}

func TestProcessApproval_DoubleDecision(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	req, err := fx.engine.CreateRequest(ctx, requester, "proj-7", 1_500_000, "lab equipment")
	require.NoError(t, err)

	_, err = fx.engine.ProcessApproval(ctx, manager, req.ID, contracts.DecisionRejected, "over budget")
	require.NoError(t, err)

	_, err = fx.engine.ProcessApproval(ctx, manager, req.ID, contracts.DecisionApproved, "changed my mind")
	require.ErrorIs(t, err, contracts.ErrInvalidState)

	// First decision stands.
	req, err = fx.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalRejected, req.Status)
	assert.Equal(t, "over budget", req.ApprovalChain[0].DecisionReason)
}

func TestProcessApproval_UnknownRequest(t *testing.T) {
	fx := newEngineFixture(t)

	_, err := fx.engine.ProcessApproval(context.Background(), manager, "no-such-id",
		contracts.DecisionApproved, "reason")
	require.ErrorIs(t, err, contracts.ErrNotFound)
}

func TestEscalate_BeforeThresholdIsNoop(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	req, err := fx.engine.CreateRequest(ctx, requester, "proj-7", 1_500_000, "lab equipment")
	require.NoError(t, err)

	fx.clock.Advance(47 * time.Hour)
	escalated, err := fx.engine.Escalate(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, escalated)

	req, err = fx.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, req.Status)
	assert.Len(t, req.ApprovalChain, 2)
}

func TestEscalate_PastThreshold(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	req, err := fx.engine.CreateRequest(ctx, requester, "proj-7", 1_500_000, "lab equipment")
	require.NoError(t, err)
	fx.notifier.Reset()

	fx.clock.Advance(49 * time.Hour)
	escalated, err := fx.engine.Escalate(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, escalated)

	req, err = fx.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalEscalated, req.Status)
	require.NotNil(t, req.EscalatedAt)

	// Exactly one node appended, current node skipped.
	require.Len(t, req.ApprovalChain, 3)
	assert.Equal(t, contracts.NodeSkipped, req.ApprovalChain[0].Status)
	assert.Equal(t, "auto-escalated (timeout)", req.ApprovalChain[0].DecisionReason)
	added := req.ApprovalChain[2]
	assert.Equal(t, 4, added.RequiredLevel)
	assert.Equal(t, director.ID, added.ApproverID)
	assert.Equal(t, contracts.NodePending, added.Status)
	assert.Equal(t, director.ID, req.CurrentApproverID)

	sent := fx.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, director.ID, sent[0].RecipientID)

	// A second sweep pass does not escalate again.
	fx.clock.Advance(time.Hour)
	escalated, err = fx.engine.Escalate(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, escalated)
}

func TestProcessApproval_AfterEscalationApprovesToCompletion(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	req, err := fx.engine.CreateRequest(ctx, requester, "proj-7", 1_500_000, "lab equipment")
	require.NoError(t, err)
	fx.clock.Advance(49 * time.Hour)
	escalated, err := fx.engine.Escalate(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, escalated)

	// The skipped manager slot leaves the director holding both the original
	// second node and the appended one, so completion takes two consecutive
	// decisions from the same approver.
	req, err = fx.engine.ProcessApproval(ctx, director, req.ID, contracts.DecisionApproved, "reviewed")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, req.Status)
	assert.Equal(t, director.ID, req.CurrentApproverID)
	assert.Equal(t, contracts.NodeApproved, req.ApprovalChain[1].Status)
	assert.Equal(t, contracts.NodePending, req.ApprovalChain[2].Status)
	assert.Nil(t, req.CompletedAt)

	req, err = fx.engine.ProcessApproval(ctx, director, req.ID, contracts.DecisionApproved, "reviewed again")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalApproved, req.Status)
	assert.Equal(t, contracts.NodeApproved, req.ApprovalChain[2].Status)
	require.NotNil(t, req.CompletedAt)
}

func TestProcessApproval_AfterEscalationReject(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	req, err := fx.engine.CreateRequest(ctx, requester, "proj-7", 1_500_000, "lab equipment")
	require.NoError(t, err)
	fx.clock.Advance(49 * time.Hour)
	escalated, err := fx.engine.Escalate(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, escalated)

	req, err = fx.engine.ProcessApproval(ctx, director, req.ID, contracts.DecisionRejected, "over budget")
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalRejected, req.Status)
	require.NotNil(t, req.CompletedAt)
	assert.Equal(t, contracts.NodeRejected, req.ApprovalChain[1].Status)
	// The appended node is never reached.
	assert.Equal(t, contracts.NodePending, req.ApprovalChain[2].Status)
}

func TestEscalate_AtTopLevelMarksStarved(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	// Strategic tier resolves a single level-5 node; no higher level exists.
	req, err := fx.engine.CreateRequest(ctx, requester, "proj-9", 5_000_000, "expansion")
	require.NoError(t, err)
	require.Len(t, req.ApprovalChain, 1)
	require.Equal(t, 5, req.ApprovalChain[0].RequiredLevel)

	fx.clock.Advance(73 * time.Hour)
	escalated, err := fx.engine.Escalate(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, escalated)

	req, err = fx.engine.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ApprovalPending, req.Status)
	require.NotNil(t, req.StarvedAt)
	assert.Len(t, req.ApprovalChain, 1)
}

func TestEscalate_TerminalRequestIsNoop(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	req, err := fx.engine.CreateRequest(ctx, requester, "proj-7", 1_500_000, "lab equipment")
	require.NoError(t, err)
	_, err = fx.engine.ProcessApproval(ctx, manager, req.ID, contracts.DecisionRejected, "no")
	require.NoError(t, err)

	fx.clock.Advance(100 * time.Hour)
	escalated, err := fx.engine.Escalate(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, escalated)
}

func TestPendingFor(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	first, err := fx.engine.CreateRequest(ctx, requester, "proj-1", 50_000, "supplies")
	require.NoError(t, err)
	_, err = fx.engine.CreateRequest(ctx, requester, "proj-2", 80_000, "training")
	require.NoError(t, err)

	pending, err := fx.engine.PendingFor(ctx, manager.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = fx.engine.ProcessApproval(ctx, manager, first.ID, contracts.DecisionApproved, "ok")
	require.NoError(t, err)

	pending, err = fx.engine.PendingFor(ctx, manager.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestMetrics(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	approved, err := fx.engine.CreateRequest(ctx, requester, "proj-1", 50_000, "supplies")
	require.NoError(t, err)
	rejected, err := fx.engine.CreateRequest(ctx, requester, "proj-2", 80_000, "training")
	require.NoError(t, err)
	_, err = fx.engine.CreateRequest(ctx, requester, "proj-3", 90_000, "software")
	require.NoError(t, err)

	fx.clock.Advance(10 * time.Hour)
	_, err = fx.engine.ProcessApproval(ctx, manager, approved.ID, contracts.DecisionApproved, "ok")
	require.NoError(t, err)
	_, err = fx.engine.ProcessApproval(ctx, director, approved.ID, contracts.DecisionApproved, "ok")
	require.NoError(t, err)
	_, err = fx.engine.ProcessApproval(ctx, manager, rejected.ID, contracts.DecisionRejected, "no")
	require.NoError(t, err)

	m, err := fx.engine.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, m.TotalRequests)
	assert.Equal(t, 1, m.PendingRequests)
	assert.Equal(t, 1, m.ApprovedRequests)
	assert.Equal(t, 1, m.RejectedRequests)
	assert.Equal(t, 0, m.EscalatedRequests)
	assert.InDelta(t, 10.0, m.AverageApprovalTimeHours, 0.01)
}

func TestHistoryFilters(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	reqA, err := fx.engine.CreateRequest(ctx, requester, "proj-1", 50_000, "supplies")
	require.NoError(t, err)
	fx.clock.Advance(time.Minute)
	_, err = fx.engine.CreateRequest(ctx, requester, "proj-2", 80_000, "training")
	require.NoError(t, err)

	byProject, err := fx.engine.History(ctx, HistoryFilter{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, byProject, 1)
	assert.Equal(t, reqA.ID, byProject[0].ID)

	all, err := fx.engine.History(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Most recent first.
	assert.Equal(t, "proj-2", all[0].ProjectID)

	limited, err := fx.engine.History(ctx, HistoryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
