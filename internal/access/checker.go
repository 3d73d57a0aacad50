package access

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"signguard/internal/config"
	"signguard/internal/metrics"
)

// Denial reasons.
const (
	ReasonIPBlocked    = "ip_blocked"
	ReasonIPNotAllowed = "ip_not_allowed"
	ReasonUnknownIP    = "unknown_ip"
	ReasonGeoBlocked   = "geo_blocked"
	ReasonReputation   = "reputation"
	ReasonLookupFailed = "lookup_failed"
)

// IPReputation is a record from a reputation feed. Score is the likelihood
// the address is malicious, in [0,1].
type IPReputation struct {
	IP         string    `json:"ip"`
	Score      float64   `json:"score"`
	Categories []string  `json:"categories,omitempty"`
	Source     string    `json:"source"`
	CheckedAt  time.Time `json:"checked_at"`
}

// GeoResolver locates an address.
type GeoResolver interface {
	Lookup(ctx context.Context, ip string) (Location, error)
}

// ReputationFeed rates an address.
type ReputationFeed interface {
	Reputation(ctx context.Context, ip string) (IPReputation, error)
}

// Decision is the outcome of a Checker evaluation.
type Decision struct {
	Allowed    bool
	Reason     string
	Location   *Location
	Reputation *IPReputation
}

// CheckerOptions wires the optional collaborators of a Checker.
type CheckerOptions struct {
	Geo        GeoResolver
	Reputation ReputationFeed
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Checker combines the IP filter, the geofence and the reputation feed.
// Successful lookups are cached per IP for the configured TTL.
type Checker struct {
	filter     *IPFilter
	fence      *GeoFence
	ipEnabled  bool
	geoEnabled bool
	strict     bool
	threshold  float64
	geo        GeoResolver
	reputation ReputationFeed
	geoCache   *expirable.LRU[string, Location]
	repCache   *expirable.LRU[string, IPReputation]
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewChecker builds a checker.
func NewChecker(ipCfg config.IPAccessConfig, geoCfg config.GeoConfig, opts CheckerOptions) (*Checker, error) {
	filter, err := NewIPFilter(ipCfg)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	size := geoCfg.CacheSize
	if size <= 0 {
		size = 10000
	}
	ttl := geoCfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Checker{
		filter:     filter,
		fence:      NewGeoFence(geoCfg),
		ipEnabled:  ipCfg.Enabled,
		geoEnabled: geoCfg.Enabled,
		strict:     geoCfg.StrictMode,
		threshold:  geoCfg.ReputationThreshold,
		geo:        opts.Geo,
		reputation: opts.Reputation,
		geoCache:   expirable.NewLRU[string, Location](size, nil, ttl),
		repCache:   expirable.NewLRU[string, IPReputation](size, nil, ttl),
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}, nil
}

// Filter exposes the IP filter so blocks can be added at runtime.
func (c *Checker) Filter() *IPFilter {
	return c.filter
}

// Check evaluates a request from ip to path.
func (c *Checker) Check(ctx context.Context, ip, path string) Decision {
	d := c.check(ctx, ip, path)
	c.metrics.Access(d.Allowed, d.Reason)
	return d
}

func (c *Checker) check(ctx context.Context, ip, path string) Decision {
	if c.filter.IsExempt(path) {
		return Decision{Allowed: true}
	}

	if c.ipEnabled {
		if ok, reason := c.filter.Check(ip, path); !ok {
			return Decision{Reason: reason}
		}
	} else if addr, err := ParseAddr(ip); err == nil && c.filter.isBlocked(addr) {
		// Dynamic blocks apply even when static lists are disabled.
		return Decision{Reason: ReasonIPBlocked}
	}

	if !c.geoEnabled {
		return Decision{Allowed: true}
	}

	d := Decision{Allowed: true}

	if c.geo != nil {
		loc, err := c.lookupLocation(ctx, ip)
		if err != nil {
			if c.strict {
				return Decision{Reason: ReasonLookupFailed}
			}
		} else {
			d.Location = &loc
			if !c.fence.IsLocationAllowed(loc) {
				return Decision{Reason: ReasonGeoBlocked, Location: &loc}
			}
		}
	}

	if c.reputation != nil {
		rep, err := c.lookupReputation(ctx, ip)
		if err != nil {
			if c.strict {
				return Decision{Reason: ReasonLookupFailed, Location: d.Location}
			}
		} else {
			d.Reputation = &rep
			if c.threshold > 0 && rep.Score >= c.threshold {
				return Decision{Reason: ReasonReputation, Location: d.Location, Reputation: &rep}
			}
		}
	}

	return d
}

func (c *Checker) lookupLocation(ctx context.Context, ip string) (Location, error) {
	if loc, ok := c.geoCache.Get(ip); ok {
		return loc, nil
	}
	loc, err := c.geo.Lookup(ctx, ip)
	if err != nil {
		c.logger.Warn("geo lookup failed", "ip", ip, "error", err)
		return Location{}, err
	}
	c.geoCache.Add(ip, loc)
	return loc, nil
}

func (c *Checker) lookupReputation(ctx context.Context, ip string) (IPReputation, error) {
	if rep, ok := c.repCache.Get(ip); ok {
		return rep, nil
	}
	rep, err := c.reputation.Reputation(ctx, ip)
	if err != nil {
		c.logger.Warn("reputation lookup failed", "ip", ip, "error", err)
		return IPReputation{}, err
	}
	c.repCache.Add(ip, rep)
	return rep, nil
}
