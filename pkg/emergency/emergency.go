// Package emergency implements the emergency authority component. Declaring
// an emergency bypasses the approval chain but creates a mandatory
// post-action report obligation with a level-specific deadline and
// required-field set; the escalation monitor chases overdue reports.
package emergency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/castellan-io/castellan/pkg/authority"
	"github.com/castellan-io/castellan/pkg/catalog"
	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/directory"
	"github.com/castellan-io/castellan/pkg/ledger"
	"github.com/castellan-io/castellan/pkg/notify"
	"github.com/castellan-io/castellan/pkg/observability"
)

// maxReminders is how many times a declarer is chased before the obligation
// escalates to an independent reviewer.
const maxReminders = 3

// Manager owns emergency declarations and their report obligations.
type Manager struct {
	catalog  *catalog.Catalog
	resolver *authority.Resolver
	dir      directory.Directory
	audit    *ledger.Ledger
	notifier notify.Notifier
	store    Store
	obs      *observability.Provider
	clock    func() time.Time
	logger   *slog.Logger

	locks sync.Map // action id → *sync.Mutex

	// Per-level report schemas, compiled once at construction from the
	// catalog's required-field sets.
	reportSchemas map[contracts.EmergencyLevel]*jsonschema.Schema
}

// NewManager wires the emergency component. It fails if any configured
// report-field set does not compile into a schema.
func NewManager(cat *catalog.Catalog, resolver *authority.Resolver, dir directory.Directory,
	audit *ledger.Ledger, notifier notify.Notifier, store Store,
) (*Manager, error) {
	schemas := make(map[contracts.EmergencyLevel]*jsonschema.Schema)
	for level, rule := range cat.Emergency {
		compiled, err := compileReportSchema(level, rule.ReportFields)
		if err != nil {
			return nil, fmt.Errorf("compile report schema for %s: %w", level, err)
		}
		schemas[level] = compiled
	}
	return &Manager{
		catalog:       cat,
		resolver:      resolver,
		dir:           dir,
		audit:         audit,
		notifier:      notifier,
		store:         store,
		clock:         time.Now,
		logger:        slog.Default().With("component", "emergency"),
		reportSchemas: schemas,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithObservability enables declaration metrics. obs may be nil.
func (m *Manager) WithObservability(obs *observability.Provider) *Manager {
	m.obs = obs
	return m
}

// lockAction serializes writers on one action. A report submission and a
// sweep pass racing on the same action must not overwrite each other's state.
func (m *Manager) lockAction(id string) func() {
	mu, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	l := mu.(*sync.Mutex)
	l.Lock()
	return l.Unlock
}

func compileReportSchema(level contracts.EmergencyLevel, fields []string) (*jsonschema.Schema, error) {
	doc := map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": fields,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://castellan.schemas.local/reports/%s.schema.json", strings.ToLower(string(level)))
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Declare exercises emergency authority. The scenario must come from the
// level's fixed vocabulary and the actor must hold the required level; both
// checks precede any mutation. On success the action is audited and a report
// obligation is scheduled.
func (m *Manager) Declare(ctx context.Context, actor contracts.Actor, level contracts.EmergencyLevel,
	scenario, actionType string, affectedResources []string, reason string,
) (*contracts.EmergencyAction, error) {
	rule, err := m.catalog.EmergencyRuleFor(level)
	if err != nil {
		return nil, err
	}
	if !scenarioAllowed(rule, scenario) {
		return nil, fmt.Errorf("scenario %q is not in the %s vocabulary %v: %w",
			scenario, level, rule.Scenarios, contracts.ErrInvalidState)
	}
	if !m.resolver.CheckAuthority(actor, contracts.ActionEmergencyAction,
		authority.Context{EmergencyLevel: level}) {
		detail := fmt.Sprintf("actor %s (level %d) lacks %s emergency authority (requires level %d)",
			actor.ID, actor.Level, level, rule.RequiredLevel)
		if _, auditErr := m.audit.Append(ctx, actor.ID, contracts.ActionEmergencyAction,
			"emergency_denial", string(level), nil, nil, detail); auditErr != nil {
			m.logger.Error("failed to audit emergency denial", "error", auditErr)
		}
		return nil, fmt.Errorf("%s: %w", detail, contracts.ErrAuthorizationDenied)
	}

	now := m.clock().UTC()
	action := &contracts.EmergencyAction{
		ID:                uuid.New().String(),
		ActorID:           actor.ID,
		Level:             level,
		Scenario:          scenario,
		ActionType:        actionType,
		AffectedResources: affectedResources,
		Reason:            reason,
		ExecutedAt:        now,
		ReportDue:         now.Add(time.Duration(rule.ReportDueHours) * time.Hour),
	}
	if err := m.store.Create(ctx, action); err != nil {
		return nil, fmt.Errorf("store emergency action: %w", err)
	}

	newState, _ := json.Marshal(map[string]any{
		"level":              string(level),
		"scenario":           scenario,
		"affected_resources": affectedResources,
		"report_due":         action.ReportDue,
	})
	if _, err := m.audit.Append(ctx, actor.ID, contracts.ActionEmergencyAction,
		"emergency_action", action.ID, nil, newState, reason); err != nil {
		return nil, fmt.Errorf("audit emergency action: %w", err)
	}

	if m.obs != nil {
		m.obs.RecordEmergency(ctx, string(level))
	}
	m.logger.Warn("emergency declared",
		"action_id", action.ID, "actor", actor.ID, "level", level, "scenario", scenario)
	return action, nil
}

// SubmitReport files the post-action report. Only the declaring actor may
// submit, exactly once, and every field the level requires must be present;
// validation failures name the missing fields.
func (m *Manager) SubmitReport(ctx context.Context, actor contracts.Actor, actionID string,
	details map[string]any,
) (*contracts.EmergencyAction, error) {
	unlock := m.lockAction(actionID)
	defer unlock()

	action, err := m.store.Get(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if actor.ID != action.ActorID {
		return nil, fmt.Errorf("only declarer %s may report on action %s: %w",
			action.ActorID, actionID, contracts.ErrAuthorizationDenied)
	}
	if action.ReportSubmitted() {
		return nil, fmt.Errorf("report for action %s already submitted: %w",
			actionID, contracts.ErrInvalidState)
	}

	schema, ok := m.reportSchemas[action.Level]
	if !ok {
		return nil, fmt.Errorf("no report schema for level %s: %w",
			action.Level, contracts.ErrConfigurationGap)
	}
	payload := make(map[string]any, len(details))
	for k, v := range details {
		payload[k] = v
	}
	if err := schema.Validate(payload); err != nil {
		rule, ruleErr := m.catalog.EmergencyRuleFor(action.Level)
		if ruleErr != nil {
			return nil, ruleErr
		}
		missing := missingFields(rule.ReportFields, details)
		return nil, fmt.Errorf("report for action %s missing required fields %v: %w",
			actionID, missing, contracts.ErrInvalidState)
	}

	now := m.clock().UTC()
	action.Report = &contracts.PostActionReport{
		SubmittedAt: now,
		Details:     details,
	}
	if err := m.store.Update(ctx, action); err != nil {
		return nil, fmt.Errorf("store report: %w", err)
	}

	newState, _ := json.Marshal(details)
	if _, err := m.audit.Append(ctx, actor.ID, contracts.ActionEmergencyAction,
		"emergency_report", actionID, nil, newState, "post-action report submitted"); err != nil {
		return nil, fmt.Errorf("audit report: %w", err)
	}
	return action, nil
}

// SweepReportObligations chases overdue reports. Each pass sends the
// declarer at most one reminder; after maxReminders the obligation escalates
// once to an independent reviewer at the configured minimum reviewer level.
// Called by the escalation monitor; idempotent between deadline crossings.
func (m *Manager) SweepReportObligations(ctx context.Context) error {
	actions, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	now := m.clock().UTC()
	for _, snapshot := range actions {
		if err := m.chaseAction(ctx, snapshot.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// chaseAction re-reads one action under its lock and advances its reminder or
// reviewer-escalation state. The list snapshot the sweep iterates may be
// stale; a report submitted after it was taken must survive the pass.
func (m *Manager) chaseAction(ctx context.Context, actionID string, now time.Time) error {
	unlock := m.lockAction(actionID)
	defer unlock()

	action, err := m.store.Get(ctx, actionID)
	if err != nil {
		return err
	}
	if action.ReportSubmitted() || now.Before(action.ReportDue) {
		return nil
	}
	overdue := now.Sub(action.ReportDue)

	if action.ReminderCount < maxReminders {
		// One reminder per elapsed reminder interval, so repeated
		// sweeps within the same interval do not spam the declarer.
		interval := reminderInterval(action)
		due := int(overdue/interval) + 1
		if due > maxReminders {
			due = maxReminders
		}
		if due <= action.ReminderCount {
			return nil
		}
		action.ReminderCount = due
		if err := m.store.Update(ctx, action); err != nil {
			return fmt.Errorf("store reminder count: %w", err)
		}
		m.send(ctx, notify.Notification{
			RecipientID:    action.ActorID,
			Title:          "Post-action report overdue",
			Message:        fmt.Sprintf("Report for emergency action %s is overdue (reminder %d of %d)", action.ID, action.ReminderCount, maxReminders),
			ActionRequired: true,
			Deadline:       &action.ReportDue,
		})
		return nil
	}

	if action.ReviewerEscalated {
		return nil
	}
	reviewer, err := m.resolveReviewer(ctx, action)
	if err != nil {
		m.logger.Error("cannot resolve reviewer for overdue report",
			"action_id", action.ID, "error", err)
		return nil
	}
	action.ReviewerEscalated = true
	if err := m.store.Update(ctx, action); err != nil {
		return fmt.Errorf("store reviewer escalation: %w", err)
	}
	m.send(ctx, notify.Notification{
		RecipientID:    reviewer.ID,
		Title:          "Unreported emergency action",
		Message:        fmt.Sprintf("Emergency action %s by %s has no post-action report after %d reminders", action.ID, action.ActorID, maxReminders),
		ActionRequired: true,
	})
	m.logger.Warn("report obligation escalated to reviewer",
		"action_id", action.ID, "reviewer", reviewer.ID)
	return nil
}

// resolveReviewer picks an independent reviewer for an unreported action:
// one level above the declarer where configured, never below the catalog's
// minimum reviewer level.
func (m *Manager) resolveReviewer(ctx context.Context, action *contracts.EmergencyAction) (contracts.Actor, error) {
	level := m.catalog.MinReviewerLevel
	if declarer, err := m.dir.Lookup(ctx, action.ActorID); err == nil {
		if above, ok := m.catalog.NextLevelAbove(declarer.Level); ok && above > level {
			level = above
		}
	}
	return m.dir.ApproverForLevel(ctx, level)
}

// reminderInterval spaces reminders evenly across one report-deadline period
// after the due date.
func reminderInterval(action *contracts.EmergencyAction) time.Duration {
	period := action.ReportDue.Sub(action.ExecutedAt)
	if period <= 0 {
		return time.Hour
	}
	return period / maxReminders
}

// Get returns an emergency action by id.
func (m *Manager) Get(ctx context.Context, id string) (*contracts.EmergencyAction, error) {
	return m.store.Get(ctx, id)
}

// List returns all emergency actions, most recent first.
func (m *Manager) List(ctx context.Context) ([]*contracts.EmergencyAction, error) {
	return m.store.List(ctx)
}

// Metrics summarizes emergency activity for the reporting surface.
func (m *Manager) Metrics(ctx context.Context) (*contracts.EmergencyMetrics, error) {
	actions, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clock().UTC()
	out := &contracts.EmergencyMetrics{ByLevel: make(map[contracts.EmergencyLevel]int)}
	for _, action := range actions {
		out.TotalActions++
		out.ByLevel[action.Level]++
		if !action.ReportSubmitted() {
			out.OutstandingReports++
			if now.After(action.ReportDue) {
				out.OverdueReports++
			}
		}
	}
	return out, nil
}

func (m *Manager) send(ctx context.Context, n notify.Notification) {
	if err := m.notifier.Send(ctx, n); err != nil {
		m.logger.Warn("notification dispatch failed", "recipient", n.RecipientID, "error", err)
	}
}

func scenarioAllowed(rule *catalog.EmergencyRule, scenario string) bool {
	for _, s := range rule.Scenarios {
		if s == scenario {
			return true
		}
	}
	return false
}

func missingFields(required []string, details map[string]any) []string {
	var missing []string
	for _, field := range required {
		if _, ok := details[field]; !ok {
			missing = append(missing, field)
		}
	}
	sort.Strings(missing)
	return missing
}
