// Package incident tracks security incidents through their lifecycle and
// drives escalation rules and response playbooks against them.
package incident

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	sgerrors "signguard/internal/errors"
	"signguard/internal/event"
	"signguard/internal/metrics"
)

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusContained     Status = "contained"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

// Rank orders statuses; transitions may only move to a higher rank.
func (s Status) Rank() int {
	switch s {
	case StatusOpen:
		return 1
	case StatusInvestigating:
		return 2
	case StatusContained:
		return 3
	case StatusResolved:
		return 4
	case StatusClosed:
		return 5
	}
	return 0
}

// IsValid checks if the status is known.
func (s Status) IsValid() bool {
	return s.Rank() > 0
}

// Active reports whether the incident still needs handling.
func (s Status) Active() bool {
	return s.IsValid() && s.Rank() < StatusResolved.Rank()
}

// Timeline actions.
const (
	ActionOpened        = "opened"
	ActionTransitioned  = "status_changed"
	ActionEscalated     = "escalated"
	ActionAssigned      = "assigned"
	ActionReopened      = "reopened"
	ActionThreatAdded   = "threat_added"
	ActionNote          = "note"
	ActionRuleFired     = "escalation_rule_fired"
	ActionStepFailed    = "action_failed"
	ActionStepSucceeded = "action_executed"
	ActionAwaiting      = "playbook_awaiting_approval"
	ActionPlaybookRun   = "playbook_executed"
)

// SystemActor is the actor recorded for automated changes.
const SystemActor = "system"

// TimelineEntry is one append-only record of what happened to an incident.
type TimelineEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	From   Status    `json:"from,omitempty"`
	To     Status    `json:"to,omitempty"`
	Note   string    `json:"note,omitempty"`
}

// Incident aggregates threats tracked through resolution.
type Incident struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Severity   event.Severity  `json:"severity"`
	Status     Status          `json:"status"`
	Assignee   string          `json:"assignee,omitempty"`
	Threats    []Threat        `json:"threats"`
	Timeline   []TimelineEntry `json:"timeline"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

func (i *Incident) clone() Incident {
	c := *i
	c.Threats = append([]Threat(nil), i.Threats...)
	c.Timeline = append([]TimelineEntry(nil), i.Timeline...)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

// Auditor records security events.
type Auditor interface {
	Log(ctx context.Context, ev event.SecurityEvent)
}

// Filter narrows List results.
type Filter struct {
	Status      Status
	ActiveOnly  bool
	MinSeverity event.Severity
	Assignee    string
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Auditor Auditor
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Manager owns all incidents. Callers receive copies; every change goes
// through a Manager method and is recorded in the timeline.
type Manager struct {
	mu        sync.RWMutex
	incidents map[string]*Incident

	auditor Auditor
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates an empty manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		incidents: make(map[string]*Incident),
		auditor:   opts.Auditor,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// Open creates an incident in the open state.
func (m *Manager) Open(ctx context.Context, title string, sev event.Severity, threats []Threat, actor string) (Incident, error) {
	if title == "" {
		return Incident{}, sgerrors.Validation("incident.open", "title is required")
	}
	if !sev.IsValid() {
		return Incident{}, sgerrors.Validation("incident.open", "unknown severity %q", sev)
	}
	actor = actorOr(actor)
	now := m.now().UTC()

	inc := &Incident{
		ID:        uuid.NewString(),
		Title:     title,
		Severity:  sev,
		Status:    StatusOpen,
		Threats:   append([]Threat(nil), threats...),
		CreatedAt: now,
		UpdatedAt: now,
		Timeline: []TimelineEntry{{
			At: now, Actor: actor, Action: ActionOpened, To: StatusOpen,
		}},
	}

	m.mu.Lock()
	m.incidents[inc.ID] = inc
	out := inc.clone()
	m.mu.Unlock()

	m.metrics.IncidentOpened(string(sev))
	m.logger.Info("incident opened", "id", out.ID, "severity", sev, "threats", len(threats), "actor", actor)
	m.audit(ctx, out, event.TypeSecurityAlert, sev, "incident opened: "+title, nil)
	return out, nil
}

// OpenFromThreat opens an incident for a single threat.
func (m *Manager) OpenFromThreat(ctx context.Context, th Threat, actor string) (Incident, error) {
	title := th.Description
	if title == "" {
		title = string(th.Type) + " threat"
	}
	return m.Open(ctx, title, th.Severity, []Threat{th}, actor)
}

// Get returns a copy of an incident.
func (m *Manager) Get(id string) (Incident, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return Incident{}, false
	}
	return inc.clone(), true
}

// List returns matching incidents, oldest first.
func (m *Manager) List(f Filter) []Incident {
	m.mu.RLock()
	out := make([]Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		if f.ActiveOnly && !inc.Status.Active() {
			continue
		}
		if f.MinSeverity != "" && !inc.Severity.AtLeast(f.MinSeverity) {
			continue
		}
		if f.Assignee != "" && inc.Assignee != f.Assignee {
			continue
		}
		out = append(out, inc.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Transition moves an incident forward to status. Moving backwards or to the
// current status is a validation error; use Reopen to go back to open.
func (m *Manager) Transition(ctx context.Context, id string, to Status, actor, note string) (Incident, error) {
	if !to.IsValid() {
		return Incident{}, sgerrors.Validation("incident.transition", "unknown status %q", to)
	}
	out, err := m.update(id, func(inc *Incident, now time.Time) error {
		if to.Rank() <= inc.Status.Rank() {
			return sgerrors.Validation("incident.transition", "cannot move incident from %s to %s", inc.Status, to)
		}
		from := inc.Status
		inc.Status = to
		if to == StatusResolved || (to == StatusClosed && inc.ResolvedAt == nil) {
			t := now
			inc.ResolvedAt = &t
		}
		inc.Timeline = append(inc.Timeline, TimelineEntry{
			At: now, Actor: actorOr(actor), Action: ActionTransitioned, From: from, To: to, Note: note,
		})
		return nil
	})
	if err != nil {
		return Incident{}, err
	}
	m.audit(ctx, out, event.TypeComplianceEvent, event.SeverityLow, "incident status changed to "+string(to), nil)
	return out, nil
}

// Escalate force-assigns an incident. An open incident moves to
// investigating; later states are kept.
func (m *Manager) Escalate(ctx context.Context, id, assignee, actor string) (Incident, error) {
	if assignee == "" {
		return Incident{}, sgerrors.Validation("incident.escalate", "assignee is required")
	}
	out, err := m.update(id, func(inc *Incident, now time.Time) error {
		if !inc.Status.Active() {
			return sgerrors.Validation("incident.escalate", "incident is %s", inc.Status)
		}
		entry := TimelineEntry{At: now, Actor: actorOr(actor), Action: ActionEscalated, Note: "assigned to " + assignee}
		if inc.Status == StatusOpen {
			entry.From, entry.To = StatusOpen, StatusInvestigating
			inc.Status = StatusInvestigating
		}
		inc.Assignee = assignee
		inc.Timeline = append(inc.Timeline, entry)
		return nil
	})
	if err != nil {
		return Incident{}, err
	}
	m.audit(ctx, out, event.TypeComplianceEvent, event.SeverityMedium, "incident escalated", map[string]any{"assignee": assignee})
	return out, nil
}

// Assign sets the assignee without changing status.
func (m *Manager) Assign(_ context.Context, id, assignee, actor string) (Incident, error) {
	if assignee == "" {
		return Incident{}, sgerrors.Validation("incident.assign", "assignee is required")
	}
	return m.update(id, func(inc *Incident, now time.Time) error {
		inc.Assignee = assignee
		inc.Timeline = append(inc.Timeline, TimelineEntry{
			At: now, Actor: actorOr(actor), Action: ActionAssigned, Note: assignee,
		})
		return nil
	})
}

// Reopen moves a resolved or closed incident back to open.
func (m *Manager) Reopen(ctx context.Context, id, actor, note string) (Incident, error) {
	out, err := m.update(id, func(inc *Incident, now time.Time) error {
		if inc.Status.Active() {
			return sgerrors.Validation("incident.reopen", "incident is still %s", inc.Status)
		}
		from := inc.Status
		inc.Status = StatusOpen
		inc.ResolvedAt = nil
		inc.Timeline = append(inc.Timeline, TimelineEntry{
			At: now, Actor: actorOr(actor), Action: ActionReopened, From: from, To: StatusOpen, Note: note,
		})
		return nil
	})
	if err != nil {
		return Incident{}, err
	}
	m.audit(ctx, out, event.TypeComplianceEvent, event.SeverityMedium, "incident reopened", nil)
	return out, nil
}

// AddThreat attaches a threat. The incident severity rises to the threat's
// severity when that is higher.
func (m *Manager) AddThreat(_ context.Context, id string, th Threat, actor string) (Incident, error) {
	return m.update(id, func(inc *Incident, now time.Time) error {
		inc.Threats = append(inc.Threats, th)
		if th.Severity.Level() > inc.Severity.Level() {
			inc.Severity = th.Severity
		}
		inc.Timeline = append(inc.Timeline, TimelineEntry{
			At: now, Actor: actorOr(actor), Action: ActionThreatAdded, Note: string(th.Type) + " " + th.ID,
		})
		return nil
	})
}

// Record appends a free-form timeline entry.
func (m *Manager) Record(id, actor, action, note string) error {
	_, err := m.update(id, func(inc *Incident, now time.Time) error {
		inc.Timeline = append(inc.Timeline, TimelineEntry{
			At: now, Actor: actorOr(actor), Action: action, Note: note,
		})
		return nil
	})
	return err
}

// recordTimeline is Record for callers that cannot act on a failure; the
// error is logged at debug.
func recordTimeline(m *Manager, logger *slog.Logger, id, actor, action, note string) {
	if err := m.Record(id, actor, action, note); err != nil {
		logger.Debug("timeline entry not recorded",
			"incident_id", id,
			"action", action,
			"error", err,
		)
	}
}

func (m *Manager) update(id string, fn func(inc *Incident, now time.Time) error) (Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.incidents[id]
	if !ok {
		return Incident{}, sgerrors.Validation("incident.update", "incident %s not found", id)
	}
	now := m.now().UTC()
	if err := fn(inc, now); err != nil {
		return Incident{}, err
	}
	inc.UpdatedAt = now
	return inc.clone(), nil
}

func (m *Manager) audit(ctx context.Context, inc Incident, t event.Type, sev event.Severity, msg string, extra map[string]any) {
	if m.auditor == nil {
		return
	}
	md := map[string]any{
		"incident_id": inc.ID,
		"status":      string(inc.Status),
		"severity":    string(inc.Severity),
	}
	for k, v := range extra {
		md[k] = v
	}
	m.auditor.Log(ctx, event.New(t, sev, event.Fields{
		Source:   "incident",
		Message:  msg,
		Metadata: md,
	}, nil))
}

func actorOr(actor string) string {
	if actor == "" {
		return SystemActor
	}
	return actor
}
