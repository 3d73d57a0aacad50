// Package alerting raises alerts when security events cross per-subject
// thresholds inside a time window and delivers them to notification channels.
package alerting

import (
	"fmt"
	"time"

	"signguard/internal/config"
	sgerrors "signguard/internal/errors"
	"signguard/internal/event"
)

// Action is what a rule asks the caller to do when it fires.
type Action string

const (
	ActionLog   Action = "log"
	ActionAlert Action = "alert"
	ActionBlock Action = "block"
)

// Verdict is the decision returned for an event.
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictAlert Verdict = "ALERT"
	VerdictBlock Verdict = "BLOCK"
)

// Rule counts events of one type per subject and fires at Threshold.
type Rule struct {
	ID        string
	EventType event.Type
	Threshold int64
	Window    time.Duration
	Severity  event.Severity
	Action    Action
}

// Validate checks the rule is usable.
func (r Rule) Validate() error {
	switch {
	case r.ID == "":
		return sgerrors.Validation("alerting.rule", "rule id is required")
	case !r.EventType.IsValid():
		return sgerrors.Validation("alerting.rule", "rule %s: unknown event type %q", r.ID, r.EventType)
	case r.Threshold < 1:
		return sgerrors.Validation("alerting.rule", "rule %s: threshold must be at least 1", r.ID)
	case r.Window <= 0:
		return sgerrors.Validation("alerting.rule", "rule %s: window must be positive", r.ID)
	case !r.Severity.IsValid():
		return sgerrors.Validation("alerting.rule", "rule %s: unknown severity %q", r.ID, r.Severity)
	}
	switch r.Action {
	case ActionLog, ActionAlert, ActionBlock:
		return nil
	}
	return sgerrors.Validation("alerting.rule", "rule %s: unknown action %q", r.ID, r.Action)
}

// RulesFromConfig converts configured rules. Rules without an id get one
// derived from their event type and position.
func RulesFromConfig(cfgs []config.AlertRuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgs))
	seen := make(map[string]bool, len(cfgs))
	for i, c := range cfgs {
		id := c.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", c.EventType, i)
		}
		if seen[id] {
			return nil, sgerrors.Validation("alerting.rules", "duplicate rule id %q", id)
		}
		seen[id] = true

		r := Rule{
			ID:        id,
			EventType: event.Type(c.EventType),
			Threshold: int64(c.Threshold),
			Window:    time.Duration(c.TimeWindowMinutes) * time.Minute,
			Severity:  event.Severity(c.Severity),
			Action:    Action(c.Action),
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// Alert is produced when a rule fires.
type Alert struct {
	ID        string         `json:"id"`
	RuleID    string         `json:"rule_id"`
	Title     string         `json:"title"`
	Severity  event.Severity `json:"severity"`
	Action    Action         `json:"action"`
	Subject   string         `json:"subject"`
	EventType event.Type     `json:"event_type"`
	Count     int64          `json:"count"`
	EventID   string         `json:"event_id"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Result is the outcome of processing one event.
type Result struct {
	Verdict Verdict
	Alerts  []Alert
}

// Blocked reports whether the caller should reject.
func (r Result) Blocked() bool {
	return r.Verdict == VerdictBlock
}

func verdictFor(alerts []Alert) Verdict {
	v := VerdictAllow
	for _, a := range alerts {
		switch a.Action {
		case ActionBlock:
			return VerdictBlock
		case ActionAlert:
			v = VerdictAlert
		}
	}
	return v
}
