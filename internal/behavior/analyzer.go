package behavior

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"signguard/internal/config"
	"signguard/internal/event"
	"signguard/internal/metrics"
)

// BlockScore is the score at or above which adaptive blocking rejects.
const BlockScore = 0.8

// Metric names extracted from requests.
const (
	MetricHourOfDay   = "hour_of_day"
	MetricRequestSize = "request_size"
	MetricPathDepth   = "path_depth"
)

// RequestMetrics extracts the per-request observation.
func RequestMetrics(at time.Time, path string, size int64) map[string]float64 {
	if size < 0 {
		size = 0
	}
	depth := 0
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			depth++
		}
	}
	return map[string]float64{
		MetricHourOfDay:   float64(at.UTC().Hour()),
		MetricRequestSize: float64(size),
		MetricPathDepth:   float64(depth),
	}
}

// Auditor records security events.
type Auditor interface {
	Log(ctx context.Context, ev event.SecurityEvent)
}

// Assessment is the result of one observation.
type Assessment struct {
	Key       string
	Score     float64
	Anomalous bool
	Learning  bool
	Block     bool
}

// Options configures an Analyzer.
type Options struct {
	Auditor Auditor
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Analyzer scores observations against each subject's profile and then
// learns from them.
type Analyzer struct {
	threshold      float64
	learningPeriod time.Duration
	adaptive       bool

	store   *ProfileStore
	sweeper *sweeper
	auditor Auditor
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewAnalyzer creates an analyzer and starts its profile sweeper.
func NewAnalyzer(cfg config.BehaviorConfig, opts Options) (*Analyzer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	store, err := NewProfileStore(cfg.MaxProfiles)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile store: %w", err)
	}

	return &Analyzer{
		threshold:      cfg.AnomalyThreshold,
		learningPeriod: time.Duration(cfg.LearningPeriodDays) * 24 * time.Hour,
		adaptive:       cfg.AdaptiveBlocking,
		store:          store,
		sweeper:        startSweeper(store, cfg.SweepPeriod, cfg.ProfileTTL, opts.Logger),
		auditor:        opts.Auditor,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		now:            time.Now,
	}, nil
}

// Store exposes the profile store.
func (a *Analyzer) Store() *ProfileStore {
	return a.store
}

// Observe scores m against the subject's existing profile, then folds m into
// the profile. Anonymous subjects are not profiled. While a profile is younger
// than the learning period its scores are reported but never block.
func (a *Analyzer) Observe(ctx context.Context, userID, organizationID string, m map[string]float64) Assessment {
	if userID == "" || ctx.Err() != nil {
		return Assessment{}
	}

	key := ProfileKey(userID, organizationID)
	now := a.now()
	var as Assessment

	a.store.Apply(key, func(current *Profile) *Profile {
		as = Assessment{Key: key, Score: Score(current, m)}
		as.Learning = current == nil || now.Sub(current.CreatedAt) < a.learningPeriod
		as.Anomalous = current != nil && as.Score > 0 && as.Score >= a.threshold
		as.Block = as.Anomalous && a.adaptive && !as.Learning && as.Score >= BlockScore
		return Update(current, key, m, now)
	})

	a.metrics.AnomalyScore(as.Score)
	if as.Anomalous {
		a.report(ctx, userID, organizationID, as, m)
	}
	return as
}

func (a *Analyzer) report(ctx context.Context, userID, organizationID string, as Assessment, m map[string]float64) {
	a.logger.Warn("behavioral anomaly",
		"user_id", userID,
		"organization_id", organizationID,
		"score", as.Score,
		"block", as.Block,
	)
	if a.auditor == nil {
		return
	}

	sev := event.SeverityMedium
	if as.Block {
		sev = event.SeverityHigh
	}
	observed := make(map[string]any, len(m))
	for k, v := range m {
		observed[k] = v
	}
	a.auditor.Log(ctx, event.New(event.TypeSuspiciousActivity, sev, event.Fields{
		Source:         "behavior",
		UserID:         userID,
		OrganizationID: organizationID,
		Message:        "request deviates from learned behavior",
		Metadata: map[string]any{
			"anomaly_score": as.Score,
			"blocked":       as.Block,
			"learning":      as.Learning,
			"observed":      observed,
		},
	}, nil))
}

// Close stops the profile sweeper.
func (a *Analyzer) Close() error {
	a.sweeper.close()
	return nil
}
