package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"signguard/internal/alerting"
	"signguard/internal/event"
)

// Auditor records security events.
type Auditor interface {
	Log(ctx context.Context, ev event.SecurityEvent)
}

// AlertProcessor evaluates events against alert rules.
type AlertProcessor interface {
	Process(ctx context.Context, ev event.SecurityEvent) alerting.Result
}

// ObserverOptions configures an Observer.
type ObserverOptions struct {
	Source  string
	Auditor Auditor
	Alerts  AlertProcessor
	// OnAlerts is called with every non-empty alert result.
	OnAlerts func(ctx context.Context, ev event.SecurityEvent, res alerting.Result)
	Logger   *slog.Logger
}

// Observer feeds security events into the audit log and the alert engine.
// It satisfies Auditor, so other components can report through it.
type Observer struct {
	source   string
	auditor  Auditor
	alerts   AlertProcessor
	onAlerts func(ctx context.Context, ev event.SecurityEvent, res alerting.Result)
	logger   *slog.Logger
}

// NewObserver creates an observer.
func NewObserver(opts ObserverOptions) *Observer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Observer{
		source:   opts.Source,
		auditor:  opts.Auditor,
		alerts:   opts.Alerts,
		onAlerts: opts.OnAlerts,
		logger:   opts.Logger,
	}
}

// Log implements Auditor.
func (o *Observer) Log(ctx context.Context, ev event.SecurityEvent) {
	o.Emit(ctx, ev)
}

// Emit audits ev and runs it through the alert engine.
func (o *Observer) Emit(ctx context.Context, ev event.SecurityEvent) alerting.Result {
	if o.auditor != nil {
		o.auditor.Log(ctx, ev)
	}
	if o.alerts == nil {
		return alerting.Result{Verdict: alerting.VerdictAllow}
	}
	res := o.alerts.Process(ctx, ev)
	if len(res.Alerts) > 0 {
		o.logger.Warn("security alerts fired",
			"event_type", ev.Type,
			"verdict", res.Verdict,
			"alerts", len(res.Alerts),
			"request_id", ev.RequestID,
		)
		if o.onAlerts != nil {
			o.onAlerts(context.WithoutCancel(ctx), ev, res)
		}
	}
	return res
}

// ObserveResponse reports the handler's response status. 401, 403 and
// 400/422 map to authentication, authorization and validation failures.
func (o *Observer) ObserveResponse(ctx context.Context, rc *RequestContext) {
	var (
		t   event.Type
		sev event.Severity
		msg string
	)
	switch rc.StatusCode() {
	case http.StatusUnauthorized:
		t, sev, msg = event.TypeAuthFailure, event.SeverityMedium, "authentication failed"
	case http.StatusForbidden:
		t, sev, msg = event.TypeAuthzFailure, event.SeverityMedium, "authorization denied"
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		t, sev, msg = event.TypeValidationFailure, event.SeverityLow, "request validation failed"
	default:
		return
	}
	o.Emit(ctx, rc.Event(t, sev, msg, nil))
}

// Report lets a handler raise a security event for its own request, such
// as a privilege escalation attempt. It returns the alert verdict, which
// is VerdictAllow for requests not served through a Pipeline.
func Report(r *http.Request, t event.Type, sev event.Severity, msg string, metadata map[string]any) alerting.Verdict {
	rc, ok := FromRequest(r)
	if !ok || rc.observer == nil {
		return alerting.VerdictAllow
	}
	return rc.observer.Emit(r.Context(), rc.Event(t, sev, msg, metadata)).Verdict
}
