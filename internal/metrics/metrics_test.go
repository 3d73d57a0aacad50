package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RateLimit(false, true)
	m.Access(false, "blocked_ip")
	m.AlertFired("r", "block")
	m.AnomalyScore(0.5)
	m.AuditEvent("security_alert", "high")
	m.AuditSinkError("file")
	m.AuditQueueFull()
	m.IncidentOpened("high")
	m.EscalationAction("notify", nil)
	m.ObserveMiddleware("ratelimit", 0.001)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()

	m.RateLimit(true, false)
	m.RateLimit(false, false)
	m.RateLimit(true, true)

	if got := testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("allowed")); got != 2 {
		t.Errorf("expected 2 allowed, got %v", got)
	}
	if got := testutil.ToFloat64(m.RateLimitDecisions.WithLabelValues("denied")); got != 1 {
		t.Errorf("expected 1 denied, got %v", got)
	}
	if got := testutil.ToFloat64(m.RateLimitFailOpen); got != 1 {
		t.Errorf("expected 1 fail open, got %v", got)
	}

	m.EscalationAction("block_ip", errors.New("boom"))
	if got := testutil.ToFloat64(m.EscalationActions.WithLabelValues("block_ip", "error")); got != 1 {
		t.Errorf("expected 1 failed action, got %v", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.AlertFired("auth-failure-burst", "alert")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `signguard_alerts_fired_total{action="alert",rule="auth-failure-burst"} 1`) {
		t.Errorf("metric missing from output:\n%s", rec.Body.String())
	}
}
