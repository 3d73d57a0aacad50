package middleware

import (
	"context"
	"log/slog"

	"signguard/internal/behavior"
)

// Behavior scores authenticated requests against the subject's learned
// profile and rejects them when adaptive blocking trips.
type Behavior struct {
	analyzer *behavior.Analyzer
	logger   *slog.Logger
}

// NewBehavior creates the behavioral analysis middleware.
func NewBehavior(analyzer *behavior.Analyzer, logger *slog.Logger) *Behavior {
	if logger == nil {
		logger = slog.Default()
	}
	return &Behavior{analyzer: analyzer, logger: logger}
}

// Name implements Middleware.
func (m *Behavior) Name() string { return "behavior" }

// Process implements Middleware.
func (m *Behavior) Process(ctx context.Context, rc *RequestContext) Result {
	userID, orgID := rc.Subject()
	if userID == "" {
		return Continue()
	}

	as := m.analyzer.Observe(ctx, userID, orgID,
		behavior.RequestMetrics(rc.Started(), rc.Path(), rc.ContentLength()))
	rc.Set("anomaly_score", as.Score)

	if as.Block {
		m.logger.Warn("request blocked by behavioral analysis",
			"user_id", userID,
			"score", as.Score,
			"path", rc.Path(),
		)
		return forbidden("Request blocked by security policy")
	}
	return Continue()
}
