package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"signguard/internal/config"
)

func TestGeoFence(t *testing.T) {
	fence := NewGeoFence(config.GeoConfig{
		AllowedCountries: []string{"us", "DE"},
		BlockedRegions:   []string{"US-TX"},
	})

	tests := []struct {
		loc  Location
		want bool
	}{
		{Location{Country: "US", Region: "US-CA"}, true},
		{Location{Country: "de"}, true},
		{Location{Country: "US", Region: "us-tx"}, false},
		{Location{Country: "FR"}, false},
		{Location{}, false},
	}
	for _, tt := range tests {
		if got := fence.IsLocationAllowed(tt.loc); got != tt.want {
			t.Errorf("IsLocationAllowed(%+v) = %v, want %v", tt.loc, got, tt.want)
		}
	}

	open := NewGeoFence(config.GeoConfig{BlockedCountries: []string{"KP"}})
	if !open.IsLocationAllowed(Location{}) || !open.IsLocationAllowed(Location{Country: "FR"}) {
		t.Error("without allow lists only blocked entries are denied")
	}
	if open.IsLocationAllowed(Location{Country: "kp"}) {
		t.Error("blocked country must be denied")
	}
}

type fakeGeo struct {
	locations map[string]Location
	err       error
	calls     int
}

func (g *fakeGeo) Lookup(_ context.Context, ip string) (Location, error) {
	g.calls++
	if g.err != nil {
		return Location{}, g.err
	}
	return g.locations[ip], nil
}

type fakeReputation struct {
	scores map[string]float64
	err    error
	calls  int
}

func (r *fakeReputation) Reputation(_ context.Context, ip string) (IPReputation, error) {
	r.calls++
	if r.err != nil {
		return IPReputation{}, r.err
	}
	return IPReputation{IP: ip, Score: r.scores[ip], Source: "test", CheckedAt: time.Now()}, nil
}

func geoConfig() config.GeoConfig {
	return config.GeoConfig{
		Enabled:             true,
		BlockedCountries:    []string{"KP"},
		CacheTTL:            time.Minute,
		CacheSize:           16,
		ReputationThreshold: 0.8,
	}
}

func TestChecker_GeoAndReputation(t *testing.T) {
	geo := &fakeGeo{locations: map[string]Location{
		"198.51.100.1": {Country: "US"},
		"198.51.100.2": {Country: "KP"},
		"198.51.100.3": {Country: "US"},
	}}
	rep := &fakeReputation{scores: map[string]float64{"198.51.100.3": 0.95}}

	c, err := NewChecker(config.IPAccessConfig{}, geoConfig(), CheckerOptions{Geo: geo, Reputation: rep})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if d := c.Check(ctx, "198.51.100.1", "/api"); !d.Allowed || d.Location == nil || d.Reputation == nil {
		t.Errorf("clean US address should pass with lookups attached, got %+v", d)
	}
	if d := c.Check(ctx, "198.51.100.2", "/api"); d.Allowed || d.Reason != ReasonGeoBlocked {
		t.Errorf("blocked country should be denied, got %+v", d)
	}
	if d := c.Check(ctx, "198.51.100.3", "/api"); d.Allowed || d.Reason != ReasonReputation {
		t.Errorf("bad reputation should be denied, got %+v", d)
	}

	c.Check(ctx, "198.51.100.1", "/api")
	if geo.calls != 3 {
		t.Errorf("repeat lookups should be served from cache, got %d calls", geo.calls)
	}
}

func TestChecker_LookupFailure(t *testing.T) {
	failing := &fakeGeo{err: errors.New("geo service down")}

	permissive, err := NewChecker(config.IPAccessConfig{}, geoConfig(), CheckerOptions{Geo: failing})
	if err != nil {
		t.Fatal(err)
	}
	if d := permissive.Check(context.Background(), "198.51.100.1", "/api"); !d.Allowed {
		t.Errorf("permissive mode should allow on lookup failure, got %+v", d)
	}

	cfg := geoConfig()
	cfg.StrictMode = true
	strict, err := NewChecker(config.IPAccessConfig{}, cfg, CheckerOptions{Geo: failing})
	if err != nil {
		t.Fatal(err)
	}
	if d := strict.Check(context.Background(), "198.51.100.1", "/api"); d.Allowed || d.Reason != ReasonLookupFailed {
		t.Errorf("strict mode should deny on lookup failure, got %+v", d)
	}

	// Failures are not cached.
	calls := failing.calls
	strict.Check(context.Background(), "198.51.100.1", "/api")
	if failing.calls != calls+1 {
		t.Error("failed lookups should be retried")
	}
}

func TestChecker_IPListsAndExempt(t *testing.T) {
	c, err := NewChecker(config.IPAccessConfig{
		Enabled:      true,
		AllowedCIDRs: []string{"10.0.0.0/24"},
		ExemptPaths:  []string{"/health"},
	}, config.GeoConfig{}, CheckerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if d := c.Check(ctx, "10.0.0.5", "/api"); !d.Allowed {
		t.Errorf("10.0.0.5 is inside 10.0.0.0/24, got %+v", d)
	}
	if d := c.Check(ctx, "11.0.0.5", "/api"); d.Allowed || d.Reason != ReasonIPNotAllowed {
		t.Errorf("11.0.0.5 is outside 10.0.0.0/24, got %+v", d)
	}
	if d := c.Check(ctx, "11.0.0.5", "/health"); !d.Allowed {
		t.Errorf("exempt path should pass, got %+v", d)
	}
}

func TestChecker_DynamicBlockWhenListsDisabled(t *testing.T) {
	c, err := NewChecker(config.IPAccessConfig{}, config.GeoConfig{}, CheckerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Filter().Block("203.0.113.50", time.Hour); err != nil {
		t.Fatal(err)
	}
	if d := c.Check(context.Background(), "203.0.113.50", "/api"); d.Allowed || d.Reason != ReasonIPBlocked {
		t.Errorf("runtime block must apply, got %+v", d)
	}
}
