package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	sgerrors "signguard/internal/errors"
	"signguard/internal/event"
	"signguard/internal/logging"
	"signguard/internal/metrics"
)

// Auditor records security events.
type Auditor interface {
	Log(ctx context.Context, ev event.SecurityEvent)
}

// Options configures an Engine.
type Options struct {
	Store      CounterStore
	Auditor    Auditor
	Dispatcher *Dispatcher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Redactor   *logging.Redactor
}

// Engine evaluates events against threshold rules.
type Engine struct {
	rules      []Rule
	store      CounterStore
	auditor    Auditor
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	redactor   *logging.Redactor
	now        func() time.Time
}

// NewEngine creates an engine. Rules are validated; a nil store gets an
// in-memory store without a background sweeper.
func NewEngine(rules []Rule, opts Options) (*Engine, error) {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.Store == nil {
		opts.Store = NewMemoryCounterStore(0, opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Engine{
		rules:      append([]Rule(nil), rules...),
		store:      opts.Store,
		auditor:    opts.Auditor,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		redactor:   opts.Redactor,
		now:        time.Now,
	}, nil
}

// Rules returns a copy of the configured rules.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Process counts ev against every matching rule and returns the combined
// verdict with the alerts that fired. A failing rule is logged and skipped;
// it never affects the other rules.
func (e *Engine) Process(ctx context.Context, ev event.SecurityEvent) Result {
	var alerts []Alert
	now := e.now()

	for _, rule := range e.rules {
		if rule.EventType != ev.Type {
			continue
		}
		alert, fired, err := e.evaluate(ctx, rule, ev, now)
		if err != nil {
			e.logger.Error("alert rule evaluation failed",
				"rule", rule.ID,
				"event_id", ev.ID,
				"error", err,
			)
			continue
		}
		if fired {
			alerts = append(alerts, alert)
		}
	}

	return Result{Verdict: verdictFor(alerts), Alerts: alerts}
}

func (e *Engine) evaluate(ctx context.Context, rule Rule, ev event.SecurityEvent, now time.Time) (alert Alert, fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = sgerrors.New(sgerrors.KindRule, rule.ID, fmt.Errorf("panic: %v", r))
			fired = false
		}
	}()

	subject := ev.Subject()
	if subject == "" {
		subject = "unknown"
	}

	count, fired, err := e.store.Hit(ctx, counterKey(rule, subject), rule.Threshold, rule.Window, now)
	if err != nil {
		return Alert{}, false, sgerrors.New(sgerrors.KindRule, rule.ID, err)
	}
	if !fired {
		return Alert{}, false, nil
	}

	alert = Alert{
		ID:        uuid.NewString(),
		RuleID:    rule.ID,
		Title:     fmt.Sprintf("%d %s events from %s", count, rule.EventType, subject),
		Severity:  rule.Severity,
		Action:    rule.Action,
		Subject:   subject,
		EventType: rule.EventType,
		Count:     count,
		EventID:   ev.ID,
		CreatedAt: now.UTC(),
		Metadata:  triggerMetadata(ev),
	}
	e.fire(ctx, alert, ev)
	return alert, true, nil
}

func triggerMetadata(ev event.SecurityEvent) map[string]any {
	md := make(map[string]any, 3)
	if ev.IPAddress != "" {
		md["ip"] = ev.IPAddress
	}
	if ev.UserID != "" {
		md["user_id"] = ev.UserID
	}
	if ev.OrganizationID != "" {
		md["organization_id"] = ev.OrganizationID
	}
	return md
}

func counterKey(rule Rule, subject string) string {
	return rule.ID + ":" + subject
}

func (e *Engine) fire(ctx context.Context, alert Alert, trigger event.SecurityEvent) {
	e.metrics.AlertFired(alert.RuleID, string(alert.Action))

	if e.auditor != nil {
		ev := event.New(event.TypeSecurityAlert, alert.Severity, event.Fields{
			Source:         "alerting",
			UserID:         trigger.UserID,
			OrganizationID: trigger.OrganizationID,
			IPAddress:      trigger.IPAddress,
			RequestID:      trigger.RequestID,
			Path:           trigger.Path,
			Method:         trigger.Method,
			Message:        alert.Title,
			Metadata: map[string]any{
				"alert_id":         alert.ID,
				"rule_id":          alert.RuleID,
				"action":           string(alert.Action),
				"count":            alert.Count,
				"trigger_event_id": alert.EventID,
			},
		}, e.redactor)
		e.auditor.Log(ctx, ev)
	}

	if e.dispatcher != nil && alert.Action != ActionLog {
		e.dispatcher.Dispatch(ctx, alert)
	}
}

// Close releases the counter store.
func (e *Engine) Close() error {
	return e.store.Close()
}
