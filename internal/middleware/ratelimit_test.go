package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"signguard/internal/config"
	"signguard/internal/event"
	"signguard/internal/ratelimit"
)

func newTestLimiter(t *testing.T, max int, window time.Duration) *ratelimit.Limiter {
	t.Helper()
	cfg := config.RateLimitConfig{Enabled: true, MaxRequests: max, Window: window, KeyStrategy: "ip"}
	store := ratelimit.NewMemoryStore(ratelimit.MemoryOptions{})
	t.Cleanup(func() { _ = store.Close() })
	l, err := ratelimit.NewLimiter(cfg, store, ratelimit.Options{})
	if err != nil {
		t.Fatalf("NewLimiter: %v", err)
	}
	return l
}

func TestRateLimit_DeniesOverCapacity(t *testing.T) {
	auditor := &recordingAuditor{}
	obs := NewObserver(ObserverOptions{Auditor: auditor})
	mw := NewRateLimit(newTestLimiter(t, 2, time.Minute), nil, obs, nil)
	h := NewPipeline(PipelineOptions{Observer: obs}, mw).Wrap(okHandler())

	for i := 1; i <= 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
		if got := rec.Header().Get(HeaderRateRemaining); got != strconv.Itoa(2-i) {
			t.Errorf("request %d: expected remaining %d, got %s", i, 2-i, got)
		}
		if rec.Header().Get(HeaderRateLimit) != "2" {
			t.Errorf("request %d: expected limit header 2, got %s", i, rec.Header().Get(HeaderRateLimit))
		}
		if rec.Header().Get(HeaderRetryAfter) != "" {
			t.Errorf("request %d: Retry-After must only be sent on denial", i)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error != "Too Many Requests" || body.RetryAfter != 30 {
		t.Errorf("unexpected body %+v", body)
	}
	if rec.Header().Get(HeaderRetryAfter) != "30" {
		t.Errorf("expected Retry-After 30, got %q", rec.Header().Get(HeaderRetryAfter))
	}
	reset, err := strconv.ParseInt(rec.Header().Get(HeaderRateReset), 10, 64)
	if err != nil || reset < time.Now().Unix() {
		t.Errorf("expected a future reset timestamp, got %q", rec.Header().Get(HeaderRateReset))
	}

	if n := len(auditor.ofType(event.TypeRateLimitExceeded)); n != 1 {
		t.Errorf("expected one rate_limit_exceeded event, got %d", n)
	}
}

func TestRateLimit_ExemptPath(t *testing.T) {
	mw := NewRateLimit(newTestLimiter(t, 1, time.Minute), []string{"/health"}, nil, nil)
	h := NewPipeline(PipelineOptions{}, mw).Wrap(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("exempt path request %d got %d", i, rec.Code)
		}
		if rec.Header().Get(HeaderRateLimit) != "" {
			t.Error("exempt paths should not carry rate limit headers")
		}
	}

	// A sibling path sharing the prefix is still limited.
	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck-admin", nil))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("expected /healthcheck-admin to be limited, got %v", codes)
	}
}

func TestRateLimit_SeparateClients(t *testing.T) {
	mw := NewRateLimit(newTestLimiter(t, 1, time.Minute), nil, nil, nil)
	h := NewPipeline(PipelineOptions{}, mw).Wrap(okHandler())

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("client %s should have its own bucket, got %d", addr, rec.Code)
		}
	}
}

func TestRateLimit_ConcurrentAdmissionNeverExceedsCapacity(t *testing.T) {
	mw := NewRateLimit(newTestLimiter(t, 10, time.Hour), nil, nil, nil)
	h := NewPipeline(PipelineOptions{}, mw).Wrap(okHandler())

	codes := make(chan int, 50)
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
			codes <- rec.Code
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	close(codes)

	allowed := 0
	for c := range codes {
		if c == http.StatusOK {
			allowed++
		}
	}
	if allowed != 10 {
		t.Errorf("expected exactly 10 admitted, got %d", allowed)
	}
}
