package middleware

import (
	"context"
	"log/slog"

	"signguard/internal/access"
	"signguard/internal/event"
)

// Quarantined reports suspended users.
type Quarantined interface {
	IsQuarantined(userID string) bool
}

// AccessControl denies requests by address, location, reputation or user
// quarantine.
type AccessControl struct {
	checker    *access.Checker
	quarantine Quarantined
	observer   *Observer
	logger     *slog.Logger
}

// NewAccessControl creates the access control middleware. quarantine may
// be nil.
func NewAccessControl(checker *access.Checker, quarantine Quarantined, observer *Observer, logger *slog.Logger) *AccessControl {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessControl{checker: checker, quarantine: quarantine, observer: observer, logger: logger}
}

// Name implements Middleware.
func (m *AccessControl) Name() string { return "access_control" }

// Process implements Middleware.
func (m *AccessControl) Process(ctx context.Context, rc *RequestContext) Result {
	d := m.checker.Check(ctx, rc.ClientIP(), rc.Path())
	if !d.Allowed {
		m.logger.Warn("access denied", "ip", rc.ClientIP(), "path", rc.Path(), "reason", d.Reason)
		md := map[string]any{"reason": d.Reason}
		if d.Location != nil {
			md["country"] = d.Location.Country
		}
		if d.Reputation != nil {
			md["reputation_score"] = d.Reputation.Score
		}
		m.report(ctx, rc, event.TypeAuthzFailure, "access denied by network policy", md)
		return forbidden("Access denied")
	}

	if userID, _ := rc.Subject(); userID != "" && m.quarantine != nil && m.quarantine.IsQuarantined(userID) {
		m.logger.Warn("quarantined user rejected", "user_id", userID, "path", rc.Path())
		m.report(ctx, rc, event.TypeAuthzFailure, "request from quarantined user", map[string]any{"reason": "quarantined"})
		return forbidden("Account suspended")
	}
	return Continue()
}

func (m *AccessControl) report(ctx context.Context, rc *RequestContext, t event.Type, msg string, md map[string]any) {
	if m.observer != nil {
		m.observer.Emit(ctx, rc.Event(t, event.SeverityMedium, msg, md))
	}
}
