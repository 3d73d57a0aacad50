package incident

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	sgerrors "signguard/internal/errors"
)

// Operator compares an incident field against a condition value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
)

// Condition is one predicate of an escalation rule.
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    string   `yaml:"value" json:"value"`
}

// Evaluate reports whether the condition holds for inc at now. Unknown
// fields and non-numeric comparisons evaluate to false.
func (c Condition) Evaluate(inc Incident, now time.Time) bool {
	v, ok := fieldValue(inc, c.Field, now)
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEquals:
		return strings.EqualFold(v, c.Value)
	case OpNotEquals:
		return !strings.EqualFold(v, c.Value)
	case OpContains:
		return strings.Contains(strings.ToLower(v), strings.ToLower(c.Value))
	case OpGreaterThan, OpLessThan:
		have, ok1 := toFloat64(v)
		want, ok2 := toFloat64(c.Value)
		if !ok1 || !ok2 {
			return false
		}
		if c.Operator == OpGreaterThan {
			return have > want
		}
		return have < want
	}
	return false
}

func fieldValue(inc Incident, field string, now time.Time) (string, bool) {
	switch field {
	case "severity":
		return string(inc.Severity), true
	case "severity_level":
		return strconv.Itoa(inc.Severity.Level()), true
	case "threatCount", "threat_count":
		return strconv.Itoa(len(inc.Threats)), true
	case "status":
		return string(inc.Status), true
	case "title":
		return inc.Title, true
	case "assignee":
		return inc.Assignee, true
	case "age_minutes":
		return strconv.FormatFloat(now.Sub(inc.CreatedAt).Minutes(), 'f', -1, 64), true
	}
	return "", false
}

func toFloat64(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// EscalationRule runs its actions against incidents matching every
// condition. Delay postpones the rule until the incident is at least that
// old. MaxEscalations caps firings per incident; zero means once.
type EscalationRule struct {
	ID             string        `yaml:"id" json:"id"`
	Name           string        `yaml:"name" json:"name"`
	Conditions     []Condition   `yaml:"conditions" json:"conditions"`
	Actions        []Action      `yaml:"actions" json:"actions"`
	Delay          time.Duration `yaml:"delay" json:"delay"`
	MaxEscalations int           `yaml:"max_escalations" json:"max_escalations"`
	Active         bool          `yaml:"active" json:"active"`
}

// Validate checks the rule is well formed.
func (r EscalationRule) Validate() error {
	if r.ID == "" {
		return sgerrors.Validation("incident.escalation", "rule id is required")
	}
	if len(r.Actions) == 0 {
		return sgerrors.Validation("incident.escalation", "rule %s has no actions", r.ID)
	}
	for _, c := range r.Conditions {
		switch c.Operator {
		case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains:
		default:
			return sgerrors.Validation("incident.escalation", "rule %s: unknown operator %q", r.ID, c.Operator)
		}
	}
	for _, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r EscalationRule) limit() int {
	if r.MaxEscalations <= 0 {
		return 1
	}
	return r.MaxEscalations
}

func (r EscalationRule) matches(inc Incident, now time.Time) bool {
	if !r.Active || !inc.Status.Active() {
		return false
	}
	if r.Delay > 0 && now.Sub(inc.CreatedAt) < r.Delay {
		return false
	}
	for _, c := range r.Conditions {
		if !c.Evaluate(inc, now) {
			return false
		}
	}
	return true
}

// DefaultEscalationRules returns the built-in escalation rules.
func DefaultEscalationRules() []EscalationRule {
	return []EscalationRule{
		{
			ID:   "critical-immediate",
			Name: "Critical incident notification",
			Conditions: []Condition{
				{Field: "severity", Operator: OpEquals, Value: "critical"},
			},
			Actions: []Action{
				{Type: ActionNotify, Params: map[string]string{"channel": "log", "message": "critical incident opened"}},
				{Type: ActionSetStatus, Params: map[string]string{"status": string(StatusInvestigating)}},
			},
			Active: true,
		},
		{
			ID:   "unassigned-high",
			Name: "Unassigned high severity incident",
			Conditions: []Condition{
				{Field: "severity_level", Operator: OpGreaterThan, Value: "2"},
				{Field: "assignee", Operator: OpEquals, Value: ""},
			},
			Actions: []Action{
				{Type: ActionAssign, Params: map[string]string{"assignee": "security-oncall"}},
			},
			Delay:  15 * time.Minute,
			Active: true,
		},
		{
			ID:   "threat-cluster",
			Name: "Multiple threats on one incident",
			Conditions: []Condition{
				{Field: "threat_count", Operator: OpGreaterThan, Value: "2"},
			},
			Actions: []Action{
				{Type: ActionBlockIP},
				{Type: ActionNotify, Params: map[string]string{"channel": "log", "message": "threat cluster contained"}},
			},
			Active: true,
		},
	}
}

// EscalationEngine evaluates rules against incidents and runs their actions.
type EscalationEngine struct {
	manager  *Manager
	executor *Executor
	logger   *slog.Logger

	mu    sync.Mutex
	rules []EscalationRule
	fired map[string]map[string]int // incident id -> rule id -> firings

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	now    func() time.Time
}

// NewEscalationEngine validates rules and creates an engine.
func NewEscalationEngine(manager *Manager, executor *Executor, rules []EscalationRule, logger *slog.Logger) (*EscalationEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, sgerrors.Validation("incident.escalation", "duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true
	}
	return &EscalationEngine{
		manager:  manager,
		executor: executor,
		logger:   logger,
		rules:    append([]EscalationRule(nil), rules...),
		fired:    make(map[string]map[string]int),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Rules returns a copy of the configured rules.
func (e *EscalationEngine) Rules() []EscalationRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]EscalationRule(nil), e.rules...)
}

// Evaluate runs every matching rule against the incident and returns the
// ids of the rules that fired.
func (e *EscalationEngine) Evaluate(ctx context.Context, incidentID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := e.manager.Get(incidentID); !ok {
		return nil, sgerrors.Validation("incident.escalation", "incident %s not found", incidentID)
	}

	var firedRules []string
	for _, rule := range e.Rules() {
		// Re-read so earlier rules' actions are visible to later conditions.
		inc, ok := e.manager.Get(incidentID)
		if !ok {
			break
		}
		now := e.now().UTC()
		if !rule.matches(inc, now) || !e.claim(rule, incidentID) {
			continue
		}

		e.logger.Info("escalation rule fired",
			"rule_id", rule.ID,
			"incident_id", incidentID,
			"severity", inc.Severity,
		)
		recordTimeline(e.manager, e.logger, incidentID, SystemActor, ActionRuleFired, fmt.Sprintf("%s (%s)", rule.Name, rule.ID))
		e.executor.RunAll(ctx, incidentID, rule.Actions, SystemActor)
		firedRules = append(firedRules, rule.ID)
	}
	return firedRules, nil
}

// claim reserves one firing of rule for the incident, honoring the cap.
func (e *EscalationEngine) claim(rule EscalationRule, incidentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	counts := e.fired[incidentID]
	if counts[rule.ID] >= rule.limit() {
		return false
	}
	if counts == nil {
		counts = make(map[string]int)
		e.fired[incidentID] = counts
	}
	counts[rule.ID]++
	return true
}

// Fired returns how many times rule has fired for the incident.
func (e *EscalationEngine) Fired(ruleID, incidentID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired[incidentID][ruleID]
}

// prune forgets firing counts of incidents that are no longer active.
func (e *EscalationEngine) prune(active []Incident) {
	keep := make(map[string]struct{}, len(active))
	for _, inc := range active {
		keep[inc.ID] = struct{}{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.fired {
		if _, ok := keep[id]; !ok {
			delete(e.fired, id)
		}
	}
}

// EvaluateAll evaluates every active incident and drops firing counts of
// incidents that left the active states.
func (e *EscalationEngine) EvaluateAll(ctx context.Context) int {
	active := e.manager.List(Filter{ActiveOnly: true})
	e.prune(active)

	total := 0
	for _, inc := range active {
		if ctx.Err() != nil {
			break
		}
		fired, err := e.Evaluate(ctx, inc.ID)
		if err != nil {
			e.logger.Error("escalation evaluation failed", "incident_id", inc.ID, "error", err)
			continue
		}
		total += len(fired)
	}
	return total
}

// Start re-evaluates active incidents every interval until Stop.
func (e *EscalationEngine) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.EvaluateAll(context.Background())
			}
		}
	}()
}

// Stop halts the background loop.
func (e *EscalationEngine) Stop() {
	e.once.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
