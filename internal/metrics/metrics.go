// Package metrics exposes Prometheus instrumentation for signguard decisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signguard"

// Metrics holds all the Prometheus metrics for the security layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RateLimitDecisions   *prometheus.CounterVec
	RateLimitFailOpen    prometheus.Counter
	AccessDecisions      *prometheus.CounterVec
	AlertsFired          *prometheus.CounterVec
	AnomalyScores        prometheus.Histogram
	AuditEvents          *prometheus.CounterVec
	AuditSinkErrors      *prometheus.CounterVec
	AuditQueueFullWrites prometheus.Counter
	IncidentsOpened      *prometheus.CounterVec
	EscalationActions    *prometheus.CounterVec
	MiddlewareLatency    *prometheus.HistogramVec
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RateLimitDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by outcome",
		}, []string{"outcome"}),
		RateLimitFailOpen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_fail_open_total",
			Help:      "Requests admitted because the bucket store failed",
		}),
		AccessDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "IP and geo access decisions by outcome and reason",
		}, []string{"outcome", "reason"}),
		AlertsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Threshold alerts fired by rule and action",
		}, []string{"rule", "action"}),
		AnomalyScores: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "anomaly_score",
			Help:      "Distribution of behavioral anomaly scores",
			Buckets:   []float64{0, 0.1, 0.2, 0.3, 0.5, 0.7, 0.8, 0.9, 1},
		}),
		AuditEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Audit events logged by type and severity",
		}, []string{"type", "severity"}),
		AuditSinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_sink_errors_total",
			Help:      "Audit sink write failures by sink",
		}, []string{"sink"}),
		AuditQueueFullWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_queue_full_total",
			Help:      "Audit events written synchronously because the async queue was full",
		}),
		IncidentsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_opened_total",
			Help:      "Security incidents opened by severity",
		}, []string{"severity"}),
		EscalationActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_actions_total",
			Help:      "Escalation actions executed by type and result",
		}, []string{"action", "result"}),
		MiddlewareLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "middleware_duration_seconds",
			Help:      "Time spent in each security middleware",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"middleware"}),
	}
}

// Handler returns an HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RateLimit records a rate limit decision.
func (m *Metrics) RateLimit(allowed, failOpen bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.RateLimitDecisions.WithLabelValues(outcome).Inc()
	if failOpen {
		m.RateLimitFailOpen.Inc()
	}
}

// Access records an access control decision.
func (m *Metrics) Access(allowed bool, reason string) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	m.AccessDecisions.WithLabelValues(outcome, reason).Inc()
}

// AlertFired records a fired threshold alert.
func (m *Metrics) AlertFired(rule, action string) {
	if m == nil {
		return
	}
	m.AlertsFired.WithLabelValues(rule, action).Inc()
}

// AnomalyScore records an anomaly score.
func (m *Metrics) AnomalyScore(score float64) {
	if m == nil {
		return
	}
	m.AnomalyScores.Observe(score)
}

// AuditEvent records a logged audit event.
func (m *Metrics) AuditEvent(eventType, severity string) {
	if m == nil {
		return
	}
	m.AuditEvents.WithLabelValues(eventType, severity).Inc()
}

// AuditSinkError records a sink failure.
func (m *Metrics) AuditSinkError(sink string) {
	if m == nil {
		return
	}
	m.AuditSinkErrors.WithLabelValues(sink).Inc()
}

// AuditQueueFull records an audit event written synchronously because the
// async queue was full.
func (m *Metrics) AuditQueueFull() {
	if m == nil {
		return
	}
	m.AuditQueueFullWrites.Inc()
}

// IncidentOpened records a newly opened incident.
func (m *Metrics) IncidentOpened(severity string) {
	if m == nil {
		return
	}
	m.IncidentsOpened.WithLabelValues(severity).Inc()
}

// EscalationAction records the result of an escalation action.
func (m *Metrics) EscalationAction(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EscalationActions.WithLabelValues(action, result).Inc()
}

// ObserveMiddleware records time spent in a middleware.
func (m *Metrics) ObserveMiddleware(name string, seconds float64) {
	if m == nil {
		return
	}
	m.MiddlewareLatency.WithLabelValues(name).Observe(seconds)
}
