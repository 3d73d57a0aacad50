package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"signguard/internal/access"
	"signguard/internal/behavior"
	"signguard/internal/config"
	"signguard/internal/event"
)

type quarantineSet map[string]bool

func (q quarantineSet) IsQuarantined(userID string) bool { return q[userID] }

func newTestChecker(t *testing.T, ipCfg config.IPAccessConfig) *access.Checker {
	t.Helper()
	c, err := access.NewChecker(ipCfg, config.GeoConfig{}, access.CheckerOptions{})
	if err != nil {
		t.Fatalf("NewChecker: %v", err)
	}
	return c
}

func serve(h http.Handler, remote string, id *Identity, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	if id != nil {
		req = req.WithContext(WithIdentity(req.Context(), *id))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAccessControl_BlockedIP(t *testing.T) {
	auditor := &recordingAuditor{}
	obs := NewObserver(ObserverOptions{Auditor: auditor})
	checker := newTestChecker(t, config.IPAccessConfig{
		Enabled:      true,
		BlockedCIDRs: []string{"203.0.113.0/24"},
		ExemptPaths:  []string{"/health"},
	})
	h := NewPipeline(PipelineOptions{}, NewAccessControl(checker, nil, obs, nil)).Wrap(okHandler())

	rec := serve(h, "203.0.113.50:4000", nil, "/documents")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Error != "Forbidden" {
		t.Errorf("unexpected body %+v", body)
	}
	denied := auditor.ofType(event.TypeAuthzFailure)
	if len(denied) != 1 || denied[0].Metadata["reason"] != access.ReasonIPBlocked {
		t.Errorf("expected one authz failure with ip_blocked reason, got %+v", denied)
	}

	if rec := serve(h, "203.0.113.50:4000", nil, "/health"); rec.Code != http.StatusOK {
		t.Errorf("exempt path should bypass the filter, got %d", rec.Code)
	}
	if rec := serve(h, "198.51.100.1:4000", nil, "/documents"); rec.Code != http.StatusOK {
		t.Errorf("other addresses should pass, got %d", rec.Code)
	}
}

func TestAccessControl_DynamicBlock(t *testing.T) {
	checker := newTestChecker(t, config.IPAccessConfig{Enabled: true})
	h := NewPipeline(PipelineOptions{}, NewAccessControl(checker, nil, nil, nil)).Wrap(okHandler())

	if rec := serve(h, "192.0.2.7:1", nil, "/"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 before block, got %d", rec.Code)
	}
	if err := checker.Filter().Block("192.0.2.7", time.Hour); err != nil {
		t.Fatal(err)
	}
	if rec := serve(h, "192.0.2.7:1", nil, "/"); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 after block, got %d", rec.Code)
	}
}

func TestAccessControl_Quarantine(t *testing.T) {
	checker := newTestChecker(t, config.IPAccessConfig{})
	q := quarantineSet{"mallory": true}
	h := NewPipeline(PipelineOptions{}, NewAccessControl(checker, q, nil, nil)).Wrap(okHandler())

	rec := serve(h, "192.0.2.1:1", &Identity{UserID: "mallory"}, "/")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected quarantined user to be rejected, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Message != "Account suspended" {
		t.Errorf("unexpected message %q", body.Message)
	}
	if rec := serve(h, "192.0.2.1:1", &Identity{UserID: "alice"}, "/"); rec.Code != http.StatusOK {
		t.Errorf("other users should pass, got %d", rec.Code)
	}
}

func TestBehavior_BlocksAnomalousRequest(t *testing.T) {
	auditor := &recordingAuditor{}
	analyzer, err := behavior.NewAnalyzer(config.BehaviorConfig{
		Enabled:          true,
		AnomalyThreshold: 0.7,
		AdaptiveBlocking: true,
	}, behavior.Options{Auditor: auditor})
	if err != nil {
		t.Fatal(err)
	}
	defer analyzer.Close()

	var score any
	h := NewPipeline(PipelineOptions{}, NewBehavior(analyzer, nil)).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, _ := FromRequest(r)
		score, _ = rc.Get("anomaly_score")
		w.WriteHeader(http.StatusOK)
	}))

	send := func(size int64) int {
		req := httptest.NewRequest(http.MethodPost, "/documents/sign", nil)
		req.ContentLength = size
		req = req.WithContext(WithIdentity(context.Background(), Identity{UserID: "alice", OrganizationID: "acme"}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(0); code != http.StatusOK {
		t.Fatalf("first request builds the profile, got %d", code)
	}
	if score != 0.0 {
		t.Errorf("first request should score 0, got %v", score)
	}
	if code := send(1 << 20); code != http.StatusForbidden {
		t.Errorf("expected anomalous request to be blocked, got %d", code)
	}
	if n := len(auditor.ofType(event.TypeSuspiciousActivity)); n != 1 {
		t.Errorf("expected one suspicious_activity event, got %d", n)
	}
}

func TestBehavior_AnonymousSkipped(t *testing.T) {
	analyzer, err := behavior.NewAnalyzer(config.BehaviorConfig{AnomalyThreshold: 0.1, AdaptiveBlocking: true}, behavior.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer analyzer.Close()

	h := NewPipeline(PipelineOptions{}, NewBehavior(analyzer, nil)).Wrap(okHandler())
	serve(h, "192.0.2.1:1", nil, "/")
	if analyzer.Store().Len() != 0 {
		t.Error("anonymous requests must not create profiles")
	}
}
