package middleware

import (
	"context"
	"sort"
	"strconv"

	"signguard/internal/config"
)

// SecurityHeaders sets protective response headers on every request.
type SecurityHeaders struct {
	headers [][2]string
}

// NewSecurityHeaders precomputes the header set from configuration.
func NewSecurityHeaders(cfg config.HeadersConfig) *SecurityHeaders {
	var h [][2]string
	add := func(name, value string) {
		if value != "" {
			h = append(h, [2]string{name, value})
		}
	}

	if cfg.HSTSMaxAge > 0 {
		hsts := "max-age=" + strconv.Itoa(cfg.HSTSMaxAge)
		if cfg.HSTSIncludeSubdomains {
			hsts += "; includeSubDomains"
		}
		add("Strict-Transport-Security", hsts)
	}
	add("Content-Security-Policy", cfg.ContentSecurityPolicy)
	add("X-Frame-Options", cfg.FrameOptions)
	add("X-Content-Type-Options", "nosniff")
	add("Referrer-Policy", cfg.ReferrerPolicy)
	add("Permissions-Policy", cfg.PermissionsPolicy)

	custom := make([]string, 0, len(cfg.Custom))
	for k := range cfg.Custom {
		custom = append(custom, k)
	}
	sort.Strings(custom)
	for _, k := range custom {
		add(k, cfg.Custom[k])
	}
	return &SecurityHeaders{headers: h}
}

// Name implements Middleware.
func (m *SecurityHeaders) Name() string { return "security_headers" }

// Process implements Middleware.
func (m *SecurityHeaders) Process(_ context.Context, rc *RequestContext) Result {
	for _, h := range m.headers {
		rc.SetHeader(h[0], h[1])
	}
	return Continue()
}
