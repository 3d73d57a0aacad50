package access

import (
	"strings"

	"signguard/internal/config"
)

// Location is a resolved client location.
type Location struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
}

// GeoFence restricts access by country and region. Blocked entries win; a
// non-empty allow list restricts to its members.
type GeoFence struct {
	allowedCountries map[string]struct{}
	blockedCountries map[string]struct{}
	allowedRegions   map[string]struct{}
	blockedRegions   map[string]struct{}
}

// NewGeoFence builds a fence from configuration.
func NewGeoFence(cfg config.GeoConfig) *GeoFence {
	return &GeoFence{
		allowedCountries: upperSet(cfg.AllowedCountries),
		blockedCountries: upperSet(cfg.BlockedCountries),
		allowedRegions:   upperSet(cfg.AllowedRegions),
		blockedRegions:   upperSet(cfg.BlockedRegions),
	}
}

func upperSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.ToUpper(strings.TrimSpace(v)); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// IsLocationAllowed evaluates loc against the fence.
func (g *GeoFence) IsLocationAllowed(loc Location) bool {
	country := strings.ToUpper(loc.Country)
	region := strings.ToUpper(loc.Region)

	if _, ok := g.blockedCountries[country]; ok && country != "" {
		return false
	}
	if _, ok := g.blockedRegions[region]; ok && region != "" {
		return false
	}
	if len(g.allowedCountries) > 0 {
		if _, ok := g.allowedCountries[country]; !ok {
			return false
		}
	}
	if len(g.allowedRegions) > 0 {
		if _, ok := g.allowedRegions[region]; !ok {
			return false
		}
	}
	return true
}
