// Package behavior learns per-subject value ranges for request metrics and
// scores new observations against them.
//
// Learning is one-directional: a pattern's range only ever widens and its
// confidence only ever grows. A profile cannot forget an outlier it has
// absorbed.
package behavior

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// InitialConfidence is the confidence of a newly created pattern.
	InitialConfidence = 0.1
	// ConfidenceStep is added to a pattern's confidence on each observation.
	ConfidenceStep = 0.05
)

// Pattern is the learned range of one metric.
type Pattern struct {
	Metric     string    `json:"metric"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Confidence float64   `json:"confidence"`
	Samples    int64     `json:"samples"`
	LastSeen   time.Time `json:"last_seen"`
}

// Profile holds the learned patterns of one subject, in the order the
// metrics were first seen.
type Profile struct {
	Key         string    `json:"key"`
	Patterns    []Pattern `json:"patterns"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// ProfileKey builds the subject key for a user within an organization.
func ProfileKey(userID, organizationID string) string {
	return userID + ":" + organizationID
}

// Pattern returns the pattern for metric.
func (p *Profile) Pattern(metric string) (Pattern, bool) {
	if p == nil {
		return Pattern{}, false
	}
	for _, pt := range p.Patterns {
		if pt.Metric == metric {
			return pt, true
		}
	}
	return Pattern{}, false
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.Patterns = append([]Pattern(nil), p.Patterns...)
	return &c
}

// Tolerance is the slack around a learned range inside which values are
// considered normal.
func Tolerance(min, max float64) float64 {
	return math.Max(0.1*(max-min), 1)
}

// Score rates how far metrics fall outside the profile's learned ranges.
// Each matched metric contributes its overshoot beyond the tolerant range,
// normalized by the magnitude of the bound it crossed, and the contributions
// are averaged weighted by pattern confidence. The result is in [0,1]; a nil
// or empty profile scores 0.
func Score(p *Profile, metrics map[string]float64) float64 {
	if p == nil || len(p.Patterns) == 0 || len(metrics) == 0 {
		return 0
	}

	var contributions, weights []float64
	for _, pt := range p.Patterns {
		v, ok := metrics[pt.Metric]
		if !ok || !finite(v) {
			continue
		}
		contributions = append(contributions, overshoot(pt, v))
		weights = append(weights, pt.Confidence)
	}

	if len(weights) == 0 || floats.Sum(weights) <= 0 {
		return 0
	}
	return clamp01(stat.Mean(contributions, weights))
}

func overshoot(pt Pattern, v float64) float64 {
	tol := Tolerance(pt.Min, pt.Max)
	low, high := pt.Min-tol, pt.Max+tol

	switch {
	case v < low:
		return (low - v) / math.Max(math.Abs(pt.Min), 1)
	case v > high:
		return (v - high) / math.Max(math.Abs(pt.Max), 1)
	default:
		return 0
	}
}

// Update returns a copy of p that has learned metrics. A nil p starts a new
// profile with key. Existing ranges widen to include the new values and their
// confidence grows by ConfidenceStep up to 1; unseen metrics become patterns
// of confidence InitialConfidence. Non-finite values are ignored.
func Update(p *Profile, key string, metrics map[string]float64, now time.Time) *Profile {
	out := p.Clone()
	if out == nil {
		out = &Profile{Key: key, CreatedAt: now}
	}

	names := make([]string, 0, len(metrics))
	for name, v := range metrics {
		if finite(v) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		v := metrics[name]
		idx := -1
		for i := range out.Patterns {
			if out.Patterns[i].Metric == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			out.Patterns = append(out.Patterns, Pattern{
				Metric:     name,
				Min:        v,
				Max:        v,
				Confidence: InitialConfidence,
				Samples:    1,
				LastSeen:   now,
			})
			continue
		}

		pt := &out.Patterns[idx]
		pt.Min = math.Min(pt.Min, v)
		pt.Max = math.Max(pt.Max, v)
		pt.Confidence = math.Min(pt.Confidence+ConfidenceStep, 1)
		pt.Samples++
		pt.LastSeen = now
	}

	out.LastUpdated = now
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
