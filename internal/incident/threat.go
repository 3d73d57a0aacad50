package incident

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"signguard/internal/alerting"
	"signguard/internal/event"
)

// ThreatType classifies a threat.
type ThreatType string

const (
	ThreatBruteForce        ThreatType = "brute_force"
	ThreatPrivilegeAbuse    ThreatType = "privilege_abuse"
	ThreatAnomalousBehavior ThreatType = "anomalous_behavior"
	ThreatRateAbuse         ThreatType = "rate_abuse"
	ThreatMaliciousIP       ThreatType = "malicious_ip"
	ThreatVulnerability     ThreatType = "vulnerability"
	ThreatPolicyViolation   ThreatType = "policy_violation"
)

// Indicator types.
const (
	IndicatorIP   = "ip"
	IndicatorUser = "user"
	IndicatorCVE  = "cve"
)

// Indicator is one piece of evidence attached to a threat.
type Indicator struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Threat is a detected security threat.
type Threat struct {
	ID          string         `json:"id"`
	Type        ThreatType     `json:"type"`
	Severity    event.Severity `json:"severity"`
	Source      string         `json:"source"`
	Target      string         `json:"target"`
	Description string         `json:"description"`
	Indicators  []Indicator    `json:"indicators,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Blocked     bool           `json:"blocked"`
	Resolved    bool           `json:"resolved"`
}

// NewThreat creates a threat with a fresh id and timestamp.
func NewThreat(t ThreatType, sev event.Severity, source, target, description string, indicators ...Indicator) Threat {
	return Threat{
		ID:          uuid.NewString(),
		Type:        t,
		Severity:    sev,
		Source:      source,
		Target:      target,
		Description: description,
		Indicators:  indicators,
		Timestamp:   time.Now().UTC(),
	}
}

// IndicatorValues returns the distinct values of indicators of type typ.
func (t Threat) IndicatorValues(typ string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, ind := range t.Indicators {
		if ind.Type == typ && ind.Value != "" && !seen[ind.Value] {
			seen[ind.Value] = true
			out = append(out, ind.Value)
		}
	}
	return out
}

// Vulnerability is a finding returned by a vulnerability feed.
type Vulnerability struct {
	ID           string         `json:"id"`
	CVE          string         `json:"cve,omitempty"`
	Title        string         `json:"title"`
	Component    string         `json:"component"`
	Severity     event.Severity `json:"severity"`
	CVSS         float64        `json:"cvss"`
	Description  string         `json:"description"`
	DiscoveredAt time.Time      `json:"discovered_at"`
}

// ThreatsFromVulnerabilities converts feed findings into threats. Findings
// with an unknown severity are rated from their CVSS score.
func ThreatsFromVulnerabilities(vulns []Vulnerability) []Threat {
	threats := make([]Threat, 0, len(vulns))
	for _, v := range vulns {
		sev := v.Severity
		if !sev.IsValid() {
			sev = severityFromCVSS(v.CVSS)
		}

		var indicators []Indicator
		if v.CVE != "" {
			indicators = append(indicators, Indicator{Type: IndicatorCVE, Value: v.CVE, Confidence: 1})
		}

		th := NewThreat(ThreatVulnerability, sev, "vulnerability_feed", v.Component,
			fmt.Sprintf("%s (%s)", v.Title, v.ID), indicators...)
		if !v.DiscoveredAt.IsZero() {
			th.Timestamp = v.DiscoveredAt.UTC()
		}
		threats = append(threats, th)
	}
	return threats
}

func severityFromCVSS(score float64) event.Severity {
	switch {
	case score >= 9:
		return event.SeverityCritical
	case score >= 7:
		return event.SeverityHigh
	case score >= 4:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}

// ThreatFromAlert converts a fired alert into a threat. The subject becomes
// an ip or user indicator depending on its form, and the trigger's address
// and user are added as indicators when known.
func ThreatFromAlert(a alerting.Alert) Threat {
	var indicators []Indicator
	if a.Subject != "" {
		typ := IndicatorUser
		if _, err := netip.ParseAddr(a.Subject); err == nil {
			typ = IndicatorIP
		}
		indicators = append(indicators, Indicator{Type: typ, Value: a.Subject, Confidence: 0.9})
	}
	if ip, ok := a.Metadata["ip"].(string); ok && ip != "" && ip != a.Subject {
		indicators = append(indicators, Indicator{Type: IndicatorIP, Value: ip, Confidence: 0.7})
	}
	if user, ok := a.Metadata["user_id"].(string); ok && user != "" && user != a.Subject {
		indicators = append(indicators, Indicator{Type: IndicatorUser, Value: user, Confidence: 0.7})
	}

	th := NewThreat(threatTypeFor(a.EventType), a.Severity, "alerting:"+a.RuleID, a.Subject, a.Title, indicators...)
	th.Blocked = a.Action == alerting.ActionBlock
	return th
}

func threatTypeFor(t event.Type) ThreatType {
	switch t {
	case event.TypeAuthFailure:
		return ThreatBruteForce
	case event.TypeAuthzFailure, event.TypePrivilegeEscalation:
		return ThreatPrivilegeAbuse
	case event.TypeRateLimitExceeded:
		return ThreatRateAbuse
	case event.TypeSuspiciousActivity:
		return ThreatAnomalousBehavior
	default:
		return ThreatPolicyViolation
	}
}
