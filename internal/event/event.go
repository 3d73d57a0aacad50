// Package event defines the canonical security event emitted by every
// signguard component. Events are normalized to this structure before they
// reach the audit logger or the alert engine.
package event

import (
	"time"

	"github.com/google/uuid"

	"signguard/internal/logging"
)

// Type identifies what kind of security-relevant thing happened.
type Type string

const (
	TypeAuthSuccess         Type = "authentication_success"
	TypeAuthFailure         Type = "authentication_failure"
	TypeAuthzFailure        Type = "authorization_failure"
	TypePrivilegeEscalation Type = "privilege_escalation"
	TypeRateLimitExceeded   Type = "rate_limit_exceeded"
	TypeValidationFailure   Type = "validation_failure"
	TypeSuspiciousActivity  Type = "suspicious_activity"
	TypeCORSViolation       Type = "cors_violation"
	TypeHeaderViolation     Type = "header_violation"
	TypeComplianceEvent     Type = "compliance_event"
	TypeSecurityAlert       Type = "security_alert"
)

// AllTypes lists every known event type.
var AllTypes = []Type{
	TypeAuthSuccess, TypeAuthFailure, TypeAuthzFailure, TypePrivilegeEscalation,
	TypeRateLimitExceeded, TypeValidationFailure, TypeSuspiciousActivity,
	TypeCORSViolation, TypeHeaderViolation, TypeComplianceEvent, TypeSecurityAlert,
}

// IsValid checks if the type is a known value.
func (t Type) IsValid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Severity is the impact rating of an event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Level returns the numeric rank of the severity (low=1 .. critical=4).
// Unknown severities rank 0.
func (s Severity) Level() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	return s.Level() > 0
}

// AtLeast reports whether s is as severe as other or more.
func (s Severity) AtLeast(other Severity) bool {
	return s.Level() >= other.Level()
}

// SecurityEvent is the canonical security event.
// Build events with New and treat them as values afterwards; the metadata map
// of a built event is a private redacted copy.
type SecurityEvent struct {
	ID             string         `json:"id" validate:"required,uuid"`
	Timestamp      time.Time      `json:"timestamp" validate:"required"`
	Type           Type           `json:"type" validate:"required,event_type"`
	Severity       Severity       `json:"severity" validate:"required,oneof=low medium high critical"`
	Source         string         `json:"source" validate:"required,max=256"`
	UserID         string         `json:"userId,omitempty" validate:"max=256"`
	OrganizationID string         `json:"organizationId,omitempty" validate:"max=256"`
	IPAddress      string         `json:"ipAddress" validate:"omitempty,ip"`
	UserAgent      string         `json:"userAgent" validate:"max=1024"`
	RequestID      string         `json:"requestId" validate:"max=256"`
	Path           string         `json:"path" validate:"max=2048"`
	Method         string         `json:"method" validate:"max=16"`
	StatusCode     int            `json:"statusCode,omitempty" validate:"omitempty,min=100,max=599"`
	Message        string         `json:"message" validate:"max=4096"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Subject returns the identity the event is attributed to: the user id when
// known, otherwise the client IP.
func (e SecurityEvent) Subject() string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.IPAddress
}

// Fields carries the caller-supplied parts of an event.
type Fields struct {
	Source         string
	UserID         string
	OrganizationID string
	IPAddress      string
	UserAgent      string
	RequestID      string
	Path           string
	Method         string
	StatusCode     int
	Message        string
	Metadata       map[string]any
}

// New builds an immutable event. The id and timestamp are assigned here and
// the metadata is deep-copied through the redactor, so later changes to
// f.Metadata are not visible in the event. A nil redactor uses the default
// sensitive field list.
func New(t Type, sev Severity, f Fields, r *logging.Redactor) SecurityEvent {
	if r == nil {
		r = defaultRedactor
	}
	return SecurityEvent{
		ID:             uuid.New().String(),
		Timestamp:      time.Now().UTC(),
		Type:           t,
		Severity:       sev,
		Source:         f.Source,
		UserID:         f.UserID,
		OrganizationID: f.OrganizationID,
		IPAddress:      f.IPAddress,
		UserAgent:      f.UserAgent,
		RequestID:      f.RequestID,
		Path:           f.Path,
		Method:         f.Method,
		StatusCode:     f.StatusCode,
		Message:        f.Message,
		Metadata:       r.Redact(f.Metadata),
	}
}

var defaultRedactor = logging.NewRedactor(nil)

// WithMetadata returns a copy of e whose metadata is merged with extra and
// redacted. The receiver is left untouched.
func (e SecurityEvent) WithMetadata(extra map[string]any, r *logging.Redactor) SecurityEvent {
	if r == nil {
		r = defaultRedactor
	}
	merged := make(map[string]any, len(e.Metadata)+len(extra))
	for k, v := range e.Metadata {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	e.Metadata = r.Redact(merged)
	return e
}
