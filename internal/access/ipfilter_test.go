package access

import (
	"testing"
	"time"

	"signguard/internal/config"
)

func TestContainsIP(t *testing.T) {
	tests := []struct {
		cidr string
		ip   string
		want bool
	}{
		{"10.0.0.0/24", "10.0.0.5", true},
		{"10.0.0.0/24", "11.0.0.5", false},
		{"10.0.0.0/24", "10.0.1.5", false},
		{"10.0.0.0/20", "10.0.15.255", true},
		{"10.0.0.0/20", "10.0.16.0", false},
		{"192.168.1.128/25", "192.168.1.127", false},
		{"192.168.1.128/25", "192.168.1.200", true},
		// A string-prefix heuristic would accept this one.
		{"10.1.0.0/16", "10.10.0.1", false},
		{"0.0.0.0/0", "203.0.113.9", true},
		{"2001:db8::/32", "2001:db8:ffff::1", true},
		{"2001:db8::/32", "2001:db9::1", false},
		{"10.0.0.0/24", "::ffff:10.0.0.5", true},
		{"::ffff:10.0.0.0/120", "10.0.0.9", true},
		{"10.0.0.0/24", "not-an-ip", false},
		{"10.0.0.0/33", "10.0.0.5", false},
	}

	for _, tt := range tests {
		if got := ContainsIP(tt.cidr, tt.ip); got != tt.want {
			t.Errorf("ContainsIP(%q, %q) = %v, want %v", tt.cidr, tt.ip, got, tt.want)
		}
	}
}

func newFilter(t *testing.T, cfg config.IPAccessConfig) *IPFilter {
	t.Helper()
	f, err := NewIPFilter(cfg)
	if err != nil {
		t.Fatalf("NewIPFilter: %v", err)
	}
	return f
}

func TestIPFilter_NoListsAllowsAll(t *testing.T) {
	f := newFilter(t, config.IPAccessConfig{Enabled: true})
	for _, ip := range []string{"10.0.0.5", "2001:db8::1", "garbage"} {
		if !f.IsIPAllowed(ip) {
			t.Errorf("%s should be allowed without lists", ip)
		}
	}
}

func TestIPFilter_AllowList(t *testing.T) {
	f := newFilter(t, config.IPAccessConfig{
		AllowedIPs:   []string{"198.51.100.7"},
		AllowedCIDRs: []string{"10.0.0.0/24"},
	})

	cases := map[string]bool{
		"10.0.0.5":     true,
		"11.0.0.5":     false,
		"198.51.100.7": true,
		"198.51.100.8": false,
		"garbage":      false,
	}
	for ip, want := range cases {
		if got := f.IsIPAllowed(ip); got != want {
			t.Errorf("IsIPAllowed(%s) = %v, want %v", ip, got, want)
		}
	}
}

func TestIPFilter_DenyWinsOverAllow(t *testing.T) {
	f := newFilter(t, config.IPAccessConfig{
		AllowedCIDRs: []string{"10.0.0.0/8"},
		BlockedCIDRs: []string{"10.66.0.0/16"},
		BlockedIPs:   []string{"10.0.0.13"},
	})

	if !f.IsIPAllowed("10.1.2.3") {
		t.Error("10.1.2.3 is in the allow list")
	}
	if f.IsIPAllowed("10.66.1.1") {
		t.Error("blocked CIDR must win over allowed CIDR")
	}
	if ok, reason := f.Check("10.0.0.13", "/api"); ok || reason != ReasonIPBlocked {
		t.Errorf("blocked IP should be denied with ip_blocked, got %v %q", ok, reason)
	}
}

func TestIPFilter_BlockUnknown(t *testing.T) {
	f := newFilter(t, config.IPAccessConfig{BlockUnknownIPs: true})
	if ok, reason := f.Check("", "/api"); ok || reason != ReasonUnknownIP {
		t.Errorf("empty address should be denied, got %v %q", ok, reason)
	}
	if !f.IsIPAllowed("10.0.0.1") {
		t.Error("parsable address should still be allowed")
	}
}

func TestIPFilter_ExemptPaths(t *testing.T) {
	f := newFilter(t, config.IPAccessConfig{
		AllowedCIDRs: []string{"10.0.0.0/24"},
		ExemptPaths:  []string{"/health"},
	})
	if ok, _ := f.Check("11.0.0.5", "/health"); !ok {
		t.Error("exempt path should bypass the allow list")
	}
	if ok, _ := f.Check("11.0.0.5", "/api/documents"); ok {
		t.Error("non-exempt path should be filtered")
	}
	if ok, _ := f.Check("11.0.0.5", "/healthcheck-admin"); ok {
		t.Error("prefix sibling of an exempt path should be filtered")
	}
}

func TestMatchesPath(t *testing.T) {
	tests := []struct {
		path     string
		patterns []string
		want     bool
	}{
		{"/health", []string{"/health"}, true},
		{"/health/live", []string{"/health"}, true},
		{"/health/live", []string{"/health/"}, true},
		{"/healthcheck-admin", []string{"/health"}, false},
		{"/", []string{"/"}, true},
		{"/api/documents", []string{"/"}, false},
		{"/api", []string{""}, false},
		{"/api", nil, false},
	}
	for _, tt := range tests {
		if got := MatchesPath(tt.path, tt.patterns); got != tt.want {
			t.Errorf("MatchesPath(%q, %v) = %v, want %v", tt.path, tt.patterns, got, tt.want)
		}
	}
}

func TestIPFilter_DynamicBlock(t *testing.T) {
	f := newFilter(t, config.IPAccessConfig{})
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	if err := f.Block("203.0.113.9", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := f.Block("2001:db8::bad", 0); err != nil {
		t.Fatal(err)
	}
	if err := f.Block("nope", time.Minute); err == nil {
		t.Error("invalid IP should be rejected")
	}

	if f.IsIPAllowed("203.0.113.9") || f.IsIPAllowed("2001:db8::bad") {
		t.Error("dynamically blocked addresses must be denied")
	}
	if got := f.Blocked(); len(got) != 2 {
		t.Errorf("expected 2 active blocks, got %v", got)
	}

	now = now.Add(2 * time.Minute)
	if !f.IsIPAllowed("203.0.113.9") {
		t.Error("expired block should no longer apply")
	}
	if n := f.Sweep(now); n != 1 {
		t.Errorf("expected 1 expired block swept, got %d", n)
	}

	f.Unblock("2001:db8::bad")
	if !f.IsIPAllowed("2001:db8::bad") {
		t.Error("unblocked address should be allowed")
	}
}

func TestNewIPFilter_InvalidInput(t *testing.T) {
	if _, err := NewIPFilter(config.IPAccessConfig{AllowedCIDRs: []string{"10.0.0.0/33"}}); err == nil {
		t.Error("expected error for invalid CIDR")
	}
	if _, err := NewIPFilter(config.IPAccessConfig{BlockedIPs: []string{"300.1.1.1"}}); err == nil {
		t.Error("expected error for invalid IP")
	}
}
