// Package access decides whether a client may reach the service based on its
// address, location and reputation.
package access

import (
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"signguard/internal/config"
	sgerrors "signguard/internal/errors"
)

// IPFilter evaluates static allow/deny lists and a dynamic block list.
// Deny entries win over allow entries. When no allow entries are configured
// every address not denied is allowed.
type IPFilter struct {
	allowedIPs      map[netip.Addr]struct{}
	allowedPrefixes []netip.Prefix
	blockedIPs      map[netip.Addr]struct{}
	blockedPrefixes []netip.Prefix
	blockUnknown    bool
	exemptPaths     []string

	mu      sync.RWMutex
	dynamic map[netip.Addr]time.Time
	now     func() time.Time
}

// NewIPFilter builds a filter from configuration.
func NewIPFilter(cfg config.IPAccessConfig) (*IPFilter, error) {
	f := &IPFilter{
		allowedIPs:   make(map[netip.Addr]struct{}),
		blockedIPs:   make(map[netip.Addr]struct{}),
		blockUnknown: cfg.BlockUnknownIPs,
		exemptPaths:  cfg.ExemptPaths,
		dynamic:      make(map[netip.Addr]time.Time),
		now:          time.Now,
	}

	var err error
	if err = addAddrs(f.allowedIPs, cfg.AllowedIPs); err != nil {
		return nil, err
	}
	if err = addAddrs(f.blockedIPs, cfg.BlockedIPs); err != nil {
		return nil, err
	}
	if f.allowedPrefixes, err = parsePrefixes(cfg.AllowedCIDRs); err != nil {
		return nil, err
	}
	if f.blockedPrefixes, err = parsePrefixes(cfg.BlockedCIDRs); err != nil {
		return nil, err
	}
	return f, nil
}

func addAddrs(set map[netip.Addr]struct{}, ips []string) error {
	for _, s := range ips {
		addr, err := ParseAddr(s)
		if err != nil {
			return sgerrors.Validation("access.ip", "invalid IP %q", s)
		}
		set[addr] = struct{}{}
	}
	return nil
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, sgerrors.Validation("access.cidr", "invalid CIDR %q", s)
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// ParseAddr parses an IPv4 or IPv6 address, dropping any zone and unmapping
// IPv4-mapped IPv6 addresses.
func ParseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, err
	}
	return addr.WithZone("").Unmap(), nil
}

// ContainsIP reports whether cidr contains ip. Containment compares prefix
// bits of the parsed addresses; invalid input is never contained.
func ContainsIP(cidr, ip string) bool {
	prefixes, err := parsePrefixes([]string{cidr})
	if err != nil {
		return false
	}
	addr, err := ParseAddr(ip)
	if err != nil {
		return false
	}
	return prefixes[0].Contains(addr)
}

// IsExempt reports whether path bypasses IP checks.
func (f *IPFilter) IsExempt(path string) bool {
	return MatchesPath(path, f.exemptPaths)
}

// MatchesPath reports whether path equals one of patterns or sits below one
// of them on a "/" boundary. "/" only matches the root itself.
func MatchesPath(path string, patterns []string) bool {
	for _, p := range patterns {
		switch {
		case p == "":
		case path == p:
			return true
		case p != "/" && strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/"):
			return true
		}
	}
	return false
}

func (f *IPFilter) hasAllowList() bool {
	return len(f.allowedIPs) > 0 || len(f.allowedPrefixes) > 0
}

// IsIPAllowed evaluates ip against the lists.
func (f *IPFilter) IsIPAllowed(ip string) bool {
	allowed, _ := f.evaluate(ip)
	return allowed
}

// Check evaluates a request; exempt paths always pass. The reason is empty
// when allowed.
func (f *IPFilter) Check(ip, path string) (bool, string) {
	if f.IsExempt(path) {
		return true, ""
	}
	return f.evaluate(ip)
}

func (f *IPFilter) evaluate(ip string) (bool, string) {
	addr, err := ParseAddr(ip)
	if err != nil {
		if f.blockUnknown || f.hasAllowList() {
			return false, ReasonUnknownIP
		}
		return true, ""
	}

	if f.isBlocked(addr) {
		return false, ReasonIPBlocked
	}
	if !f.hasAllowList() {
		return true, ""
	}
	if _, ok := f.allowedIPs[addr]; ok {
		return true, ""
	}
	for _, p := range f.allowedPrefixes {
		if p.Contains(addr) {
			return true, ""
		}
	}
	return false, ReasonIPNotAllowed
}

func (f *IPFilter) isBlocked(addr netip.Addr) bool {
	if _, ok := f.blockedIPs[addr]; ok {
		return true
	}
	for _, p := range f.blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}

	f.mu.RLock()
	expires, ok := f.dynamic[addr]
	f.mu.RUnlock()
	return ok && (expires.IsZero() || f.now().Before(expires))
}

// Block denies ip until ttl elapses. A non-positive ttl blocks until Unblock.
func (f *IPFilter) Block(ip string, ttl time.Duration) error {
	addr, err := ParseAddr(ip)
	if err != nil {
		return sgerrors.Validation("access.block", "invalid IP %q", ip)
	}
	var expires time.Time
	if ttl > 0 {
		expires = f.now().Add(ttl)
	}
	f.mu.Lock()
	f.dynamic[addr] = expires
	f.mu.Unlock()
	return nil
}

// Unblock removes a dynamic block.
func (f *IPFilter) Unblock(ip string) {
	addr, err := ParseAddr(ip)
	if err != nil {
		return
	}
	f.mu.Lock()
	delete(f.dynamic, addr)
	f.mu.Unlock()
}

// Blocked lists the active dynamic blocks.
func (f *IPFilter) Blocked() []string {
	now := f.now()
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.dynamic))
	for addr, exp := range f.dynamic {
		if exp.IsZero() || now.Before(exp) {
			out = append(out, addr.String())
		}
	}
	sort.Strings(out)
	return out
}

// Sweep drops expired dynamic blocks.
func (f *IPFilter) Sweep(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for addr, exp := range f.dynamic {
		if !exp.IsZero() && !now.Before(exp) {
			delete(f.dynamic, addr)
			removed++
		}
	}
	return removed
}
