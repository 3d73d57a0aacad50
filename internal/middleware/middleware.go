// Package middleware adapts the signguard security components to net/http
// as an ordered pipeline of request middleware.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"signguard/internal/event"
	"signguard/internal/metrics"
)

// Middleware inspects a request before the handler runs.
type Middleware interface {
	Name() string
	Process(ctx context.Context, rc *RequestContext) Result
}

// Result is the outcome of a middleware. The zero value continues the chain.
type Result struct {
	Status int
	Body   any
}

// Continue lets the request proceed.
func Continue() Result { return Result{} }

// Reject stops the chain and answers with status and a JSON body.
func Reject(status int, body any) Result {
	return Result{Status: status, Body: body}
}

// Rejected reports whether the chain must stop.
func (r Result) Rejected() bool { return r.Status != 0 }

// ErrorBody is the JSON body of a rejected request.
type ErrorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}

func forbidden(msg string) Result {
	return Reject(http.StatusForbidden, ErrorBody{Error: "Forbidden", Message: msg})
}

// Identity is the authenticated subject of a request, set by the
// application's authentication layer.
type Identity struct {
	UserID         string
	OrganizationID string
}

type identityKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached to ctx.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// RequestContext is the per-request view middleware work against.
type RequestContext struct {
	req       *http.Request
	rw        *statusRecorder
	clientIP  string
	requestID string
	values    map[string]any
	observer  *Observer
	started   time.Time
}

func newRequestContext(w *statusRecorder, r *http.Request, trustProxy bool, observer *Observer) *RequestContext {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &RequestContext{
		req:       r,
		rw:        w,
		clientIP:  ClientIP(r, trustProxy),
		requestID: requestID,
		values:    make(map[string]any),
		observer:  observer,
		started:   time.Now(),
	}
}

// Header returns a request header.
func (rc *RequestContext) Header(name string) string { return rc.req.Header.Get(name) }

// SetHeader sets a response header.
func (rc *RequestContext) SetHeader(name, value string) { rc.rw.Header().Set(name, value) }

// Path returns the request path.
func (rc *RequestContext) Path() string { return rc.req.URL.Path }

// Method returns the request method.
func (rc *RequestContext) Method() string { return rc.req.Method }

// StatusCode returns the response status, or 0 before anything was written.
func (rc *RequestContext) StatusCode() int { return rc.rw.status }

// ClientIP returns the resolved client address.
func (rc *RequestContext) ClientIP() string { return rc.clientIP }

// RequestID returns the X-Request-ID header or a generated id.
func (rc *RequestContext) RequestID() string { return rc.requestID }

// ContentLength returns the declared request body size, or 0 when unknown.
func (rc *RequestContext) ContentLength() int64 {
	if rc.req.ContentLength < 0 {
		return 0
	}
	return rc.req.ContentLength
}

// Started returns when the pipeline received the request.
func (rc *RequestContext) Started() time.Time { return rc.started }

// Set stores a per-request value.
func (rc *RequestContext) Set(key string, v any) { rc.values[key] = v }

// Get returns a per-request value.
func (rc *RequestContext) Get(key string) (any, bool) {
	v, ok := rc.values[key]
	return v, ok
}

// Subject returns the user and organization of the request's identity.
func (rc *RequestContext) Subject() (userID, organizationID string) {
	id, _ := IdentityFrom(rc.req.Context())
	return id.UserID, id.OrganizationID
}

// Event builds a security event describing this request.
func (rc *RequestContext) Event(t event.Type, sev event.Severity, msg string, metadata map[string]any) event.SecurityEvent {
	userID, orgID := rc.Subject()
	source := "signguard"
	if rc.observer != nil && rc.observer.source != "" {
		source = rc.observer.source
	}
	return event.New(t, sev, event.Fields{
		Source:         source,
		UserID:         userID,
		OrganizationID: orgID,
		IPAddress:      rc.clientIP,
		UserAgent:      rc.req.UserAgent(),
		RequestID:      rc.requestID,
		Path:           rc.Path(),
		Method:         rc.Method(),
		StatusCode:     rc.StatusCode(),
		Message:        msg,
		Metadata:       metadata,
	}, nil)
}

type requestContextKey struct{}

// FromRequest returns the RequestContext of a request served through a
// Pipeline.
func FromRequest(r *http.Request) (*RequestContext, bool) {
	rc, ok := r.Context().Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}

// ClientIP extracts the client IP from the request. With trustProxy the
// rightmost X-Forwarded-For entry, set by the nearest proxy, is used,
// then X-Real-IP.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	TrustProxy bool
	Observer   *Observer
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Pipeline runs middleware in order and stops at the first rejection.
type Pipeline struct {
	middlewares []Middleware
	trustProxy  bool
	observer    *Observer
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewPipeline creates a pipeline over mws, run in the given order.
func NewPipeline(opts PipelineOptions, mws ...Middleware) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		middlewares: mws,
		trustProxy:  opts.TrustProxy,
		observer:    opts.Observer,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
	}
}

// Names lists the middleware in execution order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.middlewares))
	for i, m := range p.middlewares {
		names[i] = m.Name()
	}
	return names
}

// Run executes the middleware against rc.
func (p *Pipeline) Run(ctx context.Context, rc *RequestContext) Result {
	for _, m := range p.middlewares {
		if res := p.process(ctx, m, rc); res.Rejected() {
			return res
		}
	}
	return Continue()
}

// process runs one middleware. A panic is logged and treated as continue.
func (p *Pipeline) process(ctx context.Context, m Middleware, rc *RequestContext) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("middleware panicked, continuing",
				"middleware", m.Name(),
				"path", rc.Path(),
				"panic", fmt.Sprint(r),
			)
			res = Continue()
		}
		p.metrics.ObserveMiddleware(m.Name(), time.Since(start).Seconds())
	}()
	return m.Process(ctx, rc)
}

// Wrap adapts the pipeline to net/http. After next runs, the response
// status is reported to the observer.
func (p *Pipeline) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		rc := newRequestContext(rec, r, p.trustProxy, p.observer)
		ctx := context.WithValue(r.Context(), requestContextKey{}, rc)
		rc.req = r.WithContext(ctx)

		if res := p.Run(ctx, rc); res.Rejected() {
			writeJSON(rec, res.Status, res.Body)
			return
		}

		next.ServeHTTP(rec, rc.req)

		if p.observer != nil {
			p.observer.ObserveResponse(ctx, rc)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
