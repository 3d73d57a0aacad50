package incident

import (
	"context"
	"testing"
	"time"

	"signguard/internal/event"
)

func newRunner(t *testing.T, playbooks []Playbook) (*Manager, *PlaybookRunner, *fakeNotifier, *fakeBlocker, *Quarantine) {
	t.Helper()
	m, clock := newTestManager(nil)
	notifier := &fakeNotifier{}
	blocker := &fakeBlocker{}
	q := NewQuarantine()
	x := NewExecutor(m, ExecutorOptions{
		Notifier:      notifier,
		Blocker:       blocker,
		Quarantiner:   q,
		QuarantineTTL: time.Hour,
	})
	r, err := NewPlaybookRunner(m, x, playbooks, nil)
	if err != nil {
		t.Fatalf("NewPlaybookRunner: %v", err)
	}
	r.now = clock.now
	return m, r, notifier, blocker, q
}

func TestPlaybookRunner_AutomatedRuns(t *testing.T) {
	m, r, notifier, blocker, _ := newRunner(t, DefaultPlaybooks())
	ctx := context.Background()
	th := bruteForce("203.0.113.9")
	inc, _ := m.OpenFromThreat(ctx, th, "")

	run := r.RunPlaybooks(ctx, inc.ID, th)
	if len(run.Executed) != 1 || run.Executed[0] != "pb-brute-force" {
		t.Fatalf("expected brute force playbook, got %+v", run)
	}
	if run.Failures != 0 || len(run.Pending) != 0 {
		t.Errorf("unexpected run %+v", run)
	}
	if blocker.blocked["203.0.113.9"] != time.Hour {
		t.Errorf("expected 1h block from step params, got %v", blocker.blocked)
	}
	if notifier.count() != 1 {
		t.Errorf("expected one notification, got %d", notifier.count())
	}
	got, _ := m.Get(inc.ID)
	if lastAction(got) != ActionPlaybookRun {
		t.Errorf("expected playbook entry last, got %s", lastAction(got))
	}
}

func TestPlaybookRunner_ManualAwaitsApproval(t *testing.T) {
	m, r, _, _, q := newRunner(t, DefaultPlaybooks())
	ctx := context.Background()
	th := NewThreat(ThreatPrivilegeAbuse, event.SeverityCritical, "test", "admin", "privilege abuse",
		Indicator{Type: IndicatorUser, Value: "mallory", Confidence: 1})
	inc, _ := m.OpenFromThreat(ctx, th, "")

	run := r.RunPlaybooks(ctx, inc.ID, th)
	if len(run.Executed) != 0 || len(run.Pending) != 1 {
		t.Fatalf("manual playbook must not run automatically: %+v", run)
	}
	if q.IsQuarantined("mallory") {
		t.Fatal("user quarantined before approval")
	}
	got, _ := m.Get(inc.ID)
	if lastAction(got) != ActionAwaiting {
		t.Errorf("expected awaiting entry, got %s", lastAction(got))
	}
	pending := r.PendingApprovals()
	if len(pending) != 1 || pending[0].PlaybookID != "pb-privilege-abuse" {
		t.Fatalf("unexpected pending approvals %+v", pending)
	}

	failures, err := r.ApprovePlaybook(ctx, pending[0].ID, "lead")
	if err != nil {
		t.Fatal(err)
	}
	if failures != 0 {
		t.Errorf("expected clean run, got %d failures", failures)
	}
	if !q.IsQuarantined("mallory") {
		t.Error("approved playbook should quarantine the user")
	}
	got, _ = m.Get(inc.ID)
	if got.Status != StatusContained {
		t.Errorf("expected contained, got %s", got.Status)
	}
	if len(r.PendingApprovals()) != 0 {
		t.Error("approval should be consumed")
	}
	if _, err := r.ApprovePlaybook(ctx, pending[0].ID, "lead"); err == nil {
		t.Error("approving twice should fail")
	}
}

func TestPlaybookRunner_UnmatchedThreat(t *testing.T) {
	m, r, _, _, _ := newRunner(t, DefaultPlaybooks())
	ctx := context.Background()
	th := NewThreat(ThreatPolicyViolation, event.SeverityLow, "test", "", "policy")
	inc, _ := m.OpenFromThreat(ctx, th, "")

	run := r.RunPlaybooks(ctx, inc.ID, th)
	if len(run.Executed) != 0 || len(run.Pending) != 0 {
		t.Errorf("no playbook handles policy violations, got %+v", run)
	}
}

func TestPlaybookRunner_StepFailuresCounted(t *testing.T) {
	pb := Playbook{
		ID:          "pb",
		ThreatTypes: []ThreatType{ThreatMaliciousIP},
		Steps: []Action{
			{Type: ActionBlockIP},
			{Type: ActionSetStatus, Params: map[string]string{"status": string(StatusOpen)}},
		},
		Automated: true,
	}
	m, r, _, _, _ := newRunner(t, []Playbook{pb})
	ctx := context.Background()
	th := NewThreat(ThreatMaliciousIP, event.SeverityHigh, "feed", "", "no indicators")
	inc, _ := m.OpenFromThreat(ctx, th, "")

	// No ip indicator to block, and open to open is not a forward move.
	run := r.RunPlaybooks(ctx, inc.ID, th)
	if run.Failures != 2 {
		t.Errorf("expected 2 failures, got %d", run.Failures)
	}
}

func TestPlaybook_Validate(t *testing.T) {
	bad := []Playbook{
		{ThreatTypes: []ThreatType{ThreatBruteForce}, Steps: []Action{{Type: ActionNotify}}},
		{ID: "x", Steps: []Action{{Type: ActionNotify}}},
		{ID: "x", ThreatTypes: []ThreatType{ThreatBruteForce}},
		{ID: "x", ThreatTypes: []ThreatType{ThreatBruteForce}, Steps: []Action{{Type: "reboot"}}},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
	for _, p := range DefaultPlaybooks() {
		if err := p.Validate(); err != nil {
			t.Errorf("default playbook %s invalid: %v", p.ID, err)
		}
	}
}
