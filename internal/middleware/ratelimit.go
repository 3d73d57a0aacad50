package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"signguard/internal/access"
	"signguard/internal/event"
	"signguard/internal/ratelimit"
)

// Rate limit response headers.
const (
	HeaderRateLimit     = "X-Rate-Limit-Limit"
	HeaderRateRemaining = "X-Rate-Limit-Remaining"
	HeaderRateReset     = "X-Rate-Limit-Reset"
	HeaderRetryAfter    = "Retry-After"
)

// RateLimit admits requests through a token bucket limiter.
type RateLimit struct {
	limiter  *ratelimit.Limiter
	exempt   []string
	observer *Observer
	logger   *slog.Logger
}

// NewRateLimit creates the rate limiting middleware. Denials are reported
// to observer when it is set.
func NewRateLimit(limiter *ratelimit.Limiter, exemptPaths []string, observer *Observer, logger *slog.Logger) *RateLimit {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimit{limiter: limiter, exempt: exemptPaths, observer: observer, logger: logger}
}

// Name implements Middleware.
func (m *RateLimit) Name() string { return "rate_limit" }

// Process implements Middleware.
func (m *RateLimit) Process(ctx context.Context, rc *RequestContext) Result {
	if access.MatchesPath(rc.Path(), m.exempt) {
		return Continue()
	}

	userID, orgID := rc.Subject()
	d, err := m.limiter.CheckRequest(ctx, ratelimit.RequestInfo{
		IP:             rc.ClientIP(),
		UserID:         userID,
		OrganizationID: orgID,
		Method:         rc.Method(),
		Route:          rc.Path(),
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Warn("rate limit check degraded", "path", rc.Path(), "error", err)
	}

	rc.SetHeader(HeaderRateLimit, strconv.FormatInt(d.Limit, 10))
	rc.SetHeader(HeaderRateRemaining, strconv.FormatInt(d.Remaining, 10))
	rc.SetHeader(HeaderRateReset, strconv.FormatInt(d.ResetAt.Unix(), 10))

	if d.Allowed {
		return Continue()
	}

	retryAfter := int64(math.Ceil(d.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	rc.SetHeader(HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))

	m.logger.Warn("rate limit exceeded",
		"ip", rc.ClientIP(),
		"path", rc.Path(),
		"method", rc.Method(),
	)
	if m.observer != nil {
		m.observer.Emit(ctx, rc.Event(event.TypeRateLimitExceeded, event.SeverityMedium, "rate limit exceeded", map[string]any{
			"limit":       d.Limit,
			"retry_after": retryAfter,
		}))
	}

	return Reject(http.StatusTooManyRequests, ErrorBody{
		Error:      "Too Many Requests",
		Message:    "Rate limit exceeded. Please try again later.",
		RetryAfter: retryAfter,
	})
}
