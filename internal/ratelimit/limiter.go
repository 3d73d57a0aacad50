package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"signguard/internal/config"
	sgerrors "signguard/internal/errors"
	"signguard/internal/event"
	"signguard/internal/metrics"
)

// RequestInfo carries the request attributes key functions may use.
type RequestInfo struct {
	IP             string
	UserID         string
	OrganizationID string
	Method         string
	Route          string
}

// KeyFunc derives the bucket key for a request.
type KeyFunc func(RequestInfo) string

// ByIPAndSubject keys on client IP plus authenticated subject. Anonymous
// requests share the per-IP bucket.
func ByIPAndSubject(r RequestInfo) string {
	subject := r.UserID
	if subject == "" {
		subject = "anonymous"
	}
	return r.IP + ":" + subject
}

// ByIP keys on client IP only.
func ByIP(r RequestInfo) string {
	return r.IP
}

// ByRoute keys on IP, method and route so each endpoint has its own budget.
func ByRoute(r RequestInfo) string {
	return r.IP + ":" + r.Method + " " + r.Route
}

// ByOrganization shares one bucket across an organization, falling back to IP.
func ByOrganization(r RequestInfo) string {
	if r.OrganizationID != "" {
		return "org:" + r.OrganizationID
	}
	return "ip:" + r.IP
}

// KeyFuncFor maps a configured key strategy name to a KeyFunc.
func KeyFuncFor(strategy string) KeyFunc {
	switch strategy {
	case "ip":
		return ByIP
	case "route":
		return ByRoute
	case "organization":
		return ByOrganization
	default:
		return ByIPAndSubject
	}
}

// Auditor receives security events. The audit logger satisfies it.
type Auditor interface {
	Log(ctx context.Context, ev event.SecurityEvent)
}

// Limiter applies token bucket admission control.
type Limiter struct {
	store   Store
	params  Params
	keyFunc KeyFunc
	auditor Auditor
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Options holds the optional collaborators of a Limiter.
type Options struct {
	KeyFunc KeyFunc
	Auditor Auditor
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewLimiter creates a limiter from configuration over store.
func NewLimiter(cfg config.RateLimitConfig, store Store, opts Options) (*Limiter, error) {
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return nil, sgerrors.Validation("ratelimit.new", "max_requests and window must be positive, got %d per %v", cfg.MaxRequests, cfg.Window)
	}
	if store == nil {
		return nil, sgerrors.Validation("ratelimit.new", "store is required")
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = KeyFuncFor(cfg.KeyStrategy)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Limiter{
		store:   store,
		params:  NewParams(cfg.MaxRequests, cfg.Window),
		keyFunc: opts.KeyFunc,
		auditor: opts.Auditor,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     time.Now,
	}, nil
}

// Params returns the bucket parameters.
func (l *Limiter) Params() Params {
	return l.params
}

// Check consumes one token for key.
//
// A store failure fails open: the decision is allowed with the full limit
// remaining, a critical audit event is emitted and the store error is
// returned for the caller to log. A context cancelled before the store is
// reached leaves the bucket untouched and returns the context error with an
// allowed decision, so callers never reject on it.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	now := l.now()

	if err := ctx.Err(); err != nil {
		return l.failOpen(now), err
	}

	d, err := l.store.Take(ctx, key, l.params, now)
	if err != nil {
		if ctx.Err() != nil {
			return l.failOpen(now), err
		}
		d = l.failOpen(now)
		d.FailOpen = true
		l.metrics.RateLimit(true, true)
		l.logger.Error("rate limit store failed, admitting request", "error", err)
		l.audit(ctx, key, err)
		return d, err
	}

	l.metrics.RateLimit(d.Allowed, false)
	return d, nil
}

// CheckRequest derives the key with the configured key function and checks it.
func (l *Limiter) CheckRequest(ctx context.Context, r RequestInfo) (Decision, error) {
	return l.Check(ctx, l.keyFunc(r))
}

// Reset removes the bucket for key, restoring its full budget.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Delete(ctx, key)
}

// Peek returns the stored bucket for key without consuming a token.
func (l *Limiter) Peek(ctx context.Context, key string) (Bucket, bool, error) {
	return l.store.Get(ctx, key)
}

// Stats returns limiter statistics. TrackedKeys is only known for the
// memory store and is -1 otherwise.
func (l *Limiter) Stats() Stats {
	s := Stats{
		Capacity:    l.params.Capacity,
		RefillRate:  l.params.RefillRate,
		TrackedKeys: -1,
	}
	if m, ok := l.store.(*MemoryStore); ok {
		s.TrackedKeys = m.Len()
	}
	return s
}

// Stats holds limiter statistics.
type Stats struct {
	Capacity    int64   `json:"capacity"`
	RefillRate  float64 `json:"refill_rate"`
	TrackedKeys int     `json:"tracked_keys"`
}

func (l *Limiter) failOpen(now time.Time) Decision {
	return Decision{
		Allowed:   true,
		Limit:     l.params.Capacity,
		Remaining: l.params.Capacity,
		ResetAt:   now,
	}
}

func (l *Limiter) audit(ctx context.Context, key string, storeErr error) {
	if l.auditor == nil {
		return
	}
	ev := event.New(event.TypeSecurityAlert, event.SeverityCritical, event.Fields{
		Source:  "ratelimit",
		Message: "rate limit store unavailable, failing open",
		Metadata: map[string]any{
			"bucket": key,
			"error":  sgerrors.SanitizeString(fmt.Sprint(storeErr)),
		},
	}, nil)
	l.auditor.Log(context.WithoutCancel(ctx), ev)
}
