package incident

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	sgerrors "signguard/internal/errors"
)

// Playbook is an ordered response bound to threat types. Automated
// playbooks run as soon as a matching threat lands on an incident; manual
// ones wait for ApprovePlaybook.
type Playbook struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	ThreatTypes []ThreatType `yaml:"threat_types" json:"threat_types"`
	Steps       []Action     `yaml:"steps" json:"steps"`
	Automated   bool         `yaml:"automated" json:"automated"`
}

// Validate checks the playbook is runnable.
func (p Playbook) Validate() error {
	if p.ID == "" {
		return sgerrors.Validation("incident.playbook", "playbook id is required")
	}
	if len(p.ThreatTypes) == 0 || len(p.Steps) == 0 {
		return sgerrors.Validation("incident.playbook", "playbook %s needs threat types and steps", p.ID)
	}
	for _, s := range p.Steps {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Handles reports whether the playbook covers threat type t.
func (p Playbook) Handles(t ThreatType) bool {
	for _, tt := range p.ThreatTypes {
		if tt == t {
			return true
		}
	}
	return false
}

// PendingApproval is a manual playbook waiting to run on an incident.
type PendingApproval struct {
	ID          string    `json:"id"`
	PlaybookID  string    `json:"playbook_id"`
	IncidentID  string    `json:"incident_id"`
	ThreatID    string    `json:"threat_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// PlaybookRun summarizes what RunPlaybooks did.
type PlaybookRun struct {
	Executed []string
	Pending  []PendingApproval
	Failures int
}

// PlaybookRunner executes playbooks through an Executor.
type PlaybookRunner struct {
	manager  *Manager
	executor *Executor
	logger   *slog.Logger

	mu        sync.Mutex
	playbooks []Playbook
	pending   map[string]PendingApproval
	now       func() time.Time
}

// NewPlaybookRunner validates playbooks and creates a runner.
func NewPlaybookRunner(manager *Manager, executor *Executor, playbooks []Playbook, logger *slog.Logger) (*PlaybookRunner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, p := range playbooks {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return &PlaybookRunner{
		manager:   manager,
		executor:  executor,
		logger:    logger,
		playbooks: append([]Playbook(nil), playbooks...),
		pending:   make(map[string]PendingApproval),
		now:       time.Now,
	}, nil
}

// RunPlaybooks runs automated playbooks for the threat and queues manual
// ones for approval.
func (r *PlaybookRunner) RunPlaybooks(ctx context.Context, incidentID string, th Threat) PlaybookRun {
	var run PlaybookRun
	for _, p := range r.playbooks {
		if !p.Handles(th.Type) {
			continue
		}
		if !p.Automated {
			pa := PendingApproval{
				ID:          uuid.NewString(),
				PlaybookID:  p.ID,
				IncidentID:  incidentID,
				ThreatID:    th.ID,
				RequestedAt: r.now().UTC(),
			}
			r.mu.Lock()
			r.pending[pa.ID] = pa
			r.mu.Unlock()
			recordTimeline(r.manager, r.logger, incidentID, SystemActor, ActionAwaiting, p.Name+" ("+p.ID+")")
			r.logger.Info("playbook awaiting approval", "playbook_id", p.ID, "incident_id", incidentID, "approval_id", pa.ID)
			run.Pending = append(run.Pending, pa)
			continue
		}
		run.Failures += r.execute(ctx, p, incidentID, SystemActor)
		run.Executed = append(run.Executed, p.ID)
	}
	return run
}

// ApprovePlaybook runs a pending manual playbook on behalf of approver.
func (r *PlaybookRunner) ApprovePlaybook(ctx context.Context, approvalID, approver string) (int, error) {
	r.mu.Lock()
	pa, ok := r.pending[approvalID]
	if ok {
		delete(r.pending, approvalID)
	}
	r.mu.Unlock()
	if !ok {
		return 0, sgerrors.Validation("incident.playbook", "no pending approval %s", approvalID)
	}

	p, ok := r.playbook(pa.PlaybookID)
	if !ok {
		return 0, sgerrors.Validation("incident.playbook", "playbook %s no longer exists", pa.PlaybookID)
	}
	return r.execute(ctx, p, pa.IncidentID, actorOr(approver)), nil
}

// PendingApprovals lists approvals oldest first.
func (r *PlaybookRunner) PendingApprovals() []PendingApproval {
	r.mu.Lock()
	out := make([]PendingApproval, 0, len(r.pending))
	for _, pa := range r.pending {
		out = append(out, pa)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

func (r *PlaybookRunner) playbook(id string) (Playbook, bool) {
	for _, p := range r.playbooks {
		if p.ID == id {
			return p, true
		}
	}
	return Playbook{}, false
}

func (r *PlaybookRunner) execute(ctx context.Context, p Playbook, incidentID, actor string) int {
	start := r.now()
	failures := r.executor.RunAll(ctx, incidentID, p.Steps, actor)
	recordTimeline(r.manager, r.logger, incidentID, actor, ActionPlaybookRun, p.Name+" ("+p.ID+")")
	r.logger.Info("playbook completed",
		"playbook_id", p.ID,
		"incident_id", incidentID,
		"failures", failures,
		"duration", r.now().Sub(start),
	)
	return failures
}

// DefaultPlaybooks returns the built-in response playbooks.
func DefaultPlaybooks() []Playbook {
	return []Playbook{
		{
			ID:          "pb-brute-force",
			Name:        "Brute force containment",
			ThreatTypes: []ThreatType{ThreatBruteForce, ThreatRateAbuse},
			Steps: []Action{
				{Type: ActionBlockIP, Params: map[string]string{"ttl": "1h"}},
				{Type: ActionNotify, Params: map[string]string{"channel": "log", "message": "source blocked after repeated failures"}},
			},
			Automated: true,
		},
		{
			ID:          "pb-malicious-ip",
			Name:        "Malicious address block",
			ThreatTypes: []ThreatType{ThreatMaliciousIP},
			Steps: []Action{
				{Type: ActionBlockIP, Params: map[string]string{"ttl": "24h"}},
			},
			Automated: true,
		},
		{
			ID:          "pb-privilege-abuse",
			Name:        "Privilege abuse response",
			ThreatTypes: []ThreatType{ThreatPrivilegeAbuse, ThreatAnomalousBehavior},
			Steps: []Action{
				{Type: ActionQuarantineUser},
				{Type: ActionSetStatus, Params: map[string]string{"status": string(StatusContained), "note": "user quarantined"}},
				{Type: ActionNotify, Params: map[string]string{"channel": "log", "message": "user quarantined pending review"}},
			},
		},
		{
			ID:          "pb-vulnerability",
			Name:        "Vulnerability triage",
			ThreatTypes: []ThreatType{ThreatVulnerability},
			Steps: []Action{
				{Type: ActionAssign, Params: map[string]string{"assignee": "platform-security"}},
				{Type: ActionNotify, Params: map[string]string{"channel": "log", "message": "vulnerability requires patching"}},
			},
			Automated: true,
		},
	}
}
