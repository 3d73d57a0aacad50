package incident

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	sgerrors "signguard/internal/errors"
	"signguard/internal/metrics"
)

// ActionType names a response action.
type ActionType string

const (
	ActionNotify         ActionType = "notify"
	ActionAssign         ActionType = "assign"
	ActionBlockIP        ActionType = "block_ip"
	ActionQuarantineUser ActionType = "quarantine_user"
	ActionSetStatus      ActionType = "set_status"
)

// Action is one step of an escalation rule or playbook. Params by type:
//
//	notify:          channel, message
//	assign:          assignee
//	block_ip:        ip (defaults to the incident's ip indicators), ttl
//	quarantine_user: user (defaults to the incident's user indicators), ttl
//	set_status:      status, note
type Action struct {
	Type   ActionType        `yaml:"type" json:"type"`
	Params map[string]string `yaml:"params" json:"params,omitempty"`
}

// Validate checks the action type is known.
func (a Action) Validate() error {
	switch a.Type {
	case ActionNotify, ActionAssign, ActionBlockIP, ActionQuarantineUser, ActionSetStatus:
		return nil
	}
	return sgerrors.Validation("incident.action", "unknown action type %q", a.Type)
}

// Notifier sends a notification to a named channel.
type Notifier interface {
	Send(ctx context.Context, channel string, payload map[string]any) error
}

// Blocker denies traffic from an address.
type Blocker interface {
	Block(ip string, ttl time.Duration) error
}

// Quarantiner suspends a user.
type Quarantiner interface {
	Quarantine(ctx context.Context, userID string, ttl time.Duration) error
}

// ExecutorOptions wires the collaborators actions need. Missing
// collaborators make the corresponding action fail.
type ExecutorOptions struct {
	Notifier      Notifier
	Blocker       Blocker
	Quarantiner   Quarantiner
	BlockTTL      time.Duration
	QuarantineTTL time.Duration
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Executor runs actions against incidents.
type Executor struct {
	manager       *Manager
	notifier      Notifier
	blocker       Blocker
	quarantiner   Quarantiner
	blockTTL      time.Duration
	quarantineTTL time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(manager *Manager, opts ExecutorOptions) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		manager:       manager,
		notifier:      opts.Notifier,
		blocker:       opts.Blocker,
		quarantiner:   opts.Quarantiner,
		blockTTL:      opts.BlockTTL,
		quarantineTTL: opts.QuarantineTTL,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}
}

// RunAll executes actions in order. A failing action is logged and recorded
// in the incident timeline, and the remaining actions still run. It returns
// the number of failures.
func (x *Executor) RunAll(ctx context.Context, incidentID string, actions []Action, actor string) int {
	failures := 0
	for _, a := range actions {
		if err := x.Execute(ctx, incidentID, a, actor); err != nil {
			failures++
		}
	}
	return failures
}

// Execute runs a single action, converting panics into errors, and records
// the outcome in the incident timeline.
func (x *Executor) Execute(ctx context.Context, incidentID string, a Action, actor string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = sgerrors.New(sgerrors.KindAction, string(a.Type), err)
			x.logger.Error("incident action failed",
				"incident_id", incidentID,
				"action", a.Type,
				"error", err,
			)
			recordTimeline(x.manager, x.logger, incidentID, actor, ActionStepFailed, fmt.Sprintf("%s: %s", a.Type, sgerrors.SafeErrorMessage(err)))
		} else {
			recordTimeline(x.manager, x.logger, incidentID, actor, ActionStepSucceeded, string(a.Type))
		}
		x.metrics.EscalationAction(string(a.Type), err)
	}()

	if err := a.Validate(); err != nil {
		return err
	}
	inc, ok := x.manager.Get(incidentID)
	if !ok {
		return fmt.Errorf("incident %s not found", incidentID)
	}

	switch a.Type {
	case ActionNotify:
		return x.notify(ctx, inc, a.Params)
	case ActionAssign:
		_, err := x.manager.Assign(ctx, incidentID, a.Params["assignee"], actor)
		return err
	case ActionBlockIP:
		return x.blockIPs(inc, a.Params)
	case ActionQuarantineUser:
		return x.quarantineUsers(ctx, inc, a.Params)
	case ActionSetStatus:
		_, err := x.manager.Transition(ctx, incidentID, Status(a.Params["status"]), actor, a.Params["note"])
		return err
	}
	return nil
}

func (x *Executor) notify(ctx context.Context, inc Incident, params map[string]string) error {
	if x.notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	channel := params["channel"]
	if channel == "" {
		channel = "log"
	}
	msg := params["message"]
	if msg == "" {
		msg = "incident requires attention"
	}
	return x.notifier.Send(ctx, channel, map[string]any{
		"title":       fmt.Sprintf("[%s] %s", inc.Severity, inc.Title),
		"message":     msg,
		"severity":    string(inc.Severity),
		"incident_id": inc.ID,
		"status":      string(inc.Status),
		"assignee":    inc.Assignee,
		"threats":     len(inc.Threats),
	})
}

func targets(inc Incident, params map[string]string, param, indicator string) []string {
	if v := params[param]; v != "" {
		return []string{v}
	}
	var out []string
	seen := make(map[string]bool)
	for _, th := range inc.Threats {
		for _, v := range th.IndicatorValues(indicator) {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	sort.Strings(out)
	return out
}

func ttlParam(params map[string]string, fallback time.Duration) (time.Duration, error) {
	s := params["ttl"]
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, sgerrors.Validation("incident.action", "invalid ttl %q", s)
	}
	return d, nil
}

func (x *Executor) blockIPs(inc Incident, params map[string]string) error {
	if x.blocker == nil {
		return fmt.Errorf("no blocker configured")
	}
	ttl, err := ttlParam(params, x.blockTTL)
	if err != nil {
		return err
	}
	ips := targets(inc, params, "ip", IndicatorIP)
	if len(ips) == 0 {
		return fmt.Errorf("no ip to block")
	}
	for _, ip := range ips {
		if err := x.blocker.Block(ip, ttl); err != nil {
			return err
		}
		x.logger.Warn("blocked ip", "incident_id", inc.ID, "ip", ip, "ttl", ttl)
	}
	return nil
}

func (x *Executor) quarantineUsers(ctx context.Context, inc Incident, params map[string]string) error {
	if x.quarantiner == nil {
		return fmt.Errorf("no quarantine configured")
	}
	ttl, err := ttlParam(params, x.quarantineTTL)
	if err != nil {
		return err
	}
	users := targets(inc, params, "user", IndicatorUser)
	if len(users) == 0 {
		return fmt.Errorf("no user to quarantine")
	}
	for _, u := range users {
		if err := x.quarantiner.Quarantine(ctx, u, ttl); err != nil {
			return err
		}
		x.logger.Warn("quarantined user", "incident_id", inc.ID, "user_id", u, "ttl", ttl)
	}
	return nil
}

// Quarantine holds suspended users in memory.
type Quarantine struct {
	mu    sync.RWMutex
	users map[string]time.Time
	now   func() time.Time
}

// NewQuarantine creates an empty quarantine.
func NewQuarantine() *Quarantine {
	return &Quarantine{users: make(map[string]time.Time), now: time.Now}
}

// Quarantine suspends userID for ttl; a non-positive ttl lasts until Release.
func (q *Quarantine) Quarantine(_ context.Context, userID string, ttl time.Duration) error {
	if userID == "" {
		return sgerrors.Validation("incident.quarantine", "user id is required")
	}
	var until time.Time
	if ttl > 0 {
		until = q.now().Add(ttl)
	}
	q.mu.Lock()
	q.users[userID] = until
	q.mu.Unlock()
	return nil
}

// IsQuarantined reports whether userID is currently suspended.
func (q *Quarantine) IsQuarantined(userID string) bool {
	if userID == "" {
		return false
	}
	q.mu.RLock()
	until, ok := q.users[userID]
	q.mu.RUnlock()
	return ok && (until.IsZero() || q.now().Before(until))
}

// Release lifts a quarantine.
func (q *Quarantine) Release(userID string) {
	q.mu.Lock()
	delete(q.users, userID)
	q.mu.Unlock()
}
