package behavior

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func learned(values ...float64) *Profile {
	var p *Profile
	for i, v := range values {
		p = Update(p, "alice:acme", map[string]float64{"request_size": v}, t0.Add(time.Duration(i)*time.Minute))
	}
	return p
}

func TestScore_EmptyProfile(t *testing.T) {
	if s := Score(nil, map[string]float64{"request_size": 1e9}); s != 0 {
		t.Errorf("nil profile should score 0, got %v", s)
	}
	if s := Score(&Profile{Key: "k"}, map[string]float64{"request_size": 1e9}); s != 0 {
		t.Errorf("profile without patterns should score 0, got %v", s)
	}
}

func TestScore_InsideRangeIsZero(t *testing.T) {
	p := learned(100, 200)
	for _, v := range []float64{100, 150, 200, 90, 210} {
		if s := Score(p, map[string]float64{"request_size": v}); s != 0 {
			t.Errorf("value %v within tolerant range should score 0, got %v", v, s)
		}
	}
}

func TestScore_OutsideRange(t *testing.T) {
	p := learned(100, 200)

	// tolerance = 10, upper bound 210, overshoot 5 normalized by 200.
	if s := Score(p, map[string]float64{"request_size": 215}); math.Abs(s-0.025) > 1e-9 {
		t.Errorf("expected 0.025, got %v", s)
	}
	// Lower side: bound 90, overshoot 40 normalized by 100.
	if s := Score(p, map[string]float64{"request_size": 50}); math.Abs(s-0.4) > 1e-9 {
		t.Errorf("expected 0.4, got %v", s)
	}
	if s := Score(p, map[string]float64{"request_size": 1e6}); s != 1 {
		t.Errorf("large overshoot should clamp to 1, got %v", s)
	}
}

func TestScore_MinimumToleranceIsOne(t *testing.T) {
	p := learned(3, 3)
	if s := Score(p, map[string]float64{"request_size": 4}); s != 0 {
		t.Errorf("value within tolerance 1 should score 0, got %v", s)
	}
	if s := Score(p, map[string]float64{"request_size": 5}); s <= 0 {
		t.Errorf("value beyond tolerance 1 should score > 0, got %v", s)
	}
}

func TestScore_ConfidenceWeighted(t *testing.T) {
	p := &Profile{Key: "k", Patterns: []Pattern{
		{Metric: "a", Min: 0, Max: 0, Confidence: 0.3},
		{Metric: "b", Min: 0, Max: 0, Confidence: 0.1},
	}}
	// a overshoots by 0.5 (value 1.5, tolerance 1), b is inside.
	got := Score(p, map[string]float64{"a": 1.5, "b": 0})
	want := (0.3*0.5 + 0.1*0) / 0.4
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %v, got %v", want, got)
	}

	// Unmatched metrics are ignored.
	if s := Score(p, map[string]float64{"c": 100}); s != 0 {
		t.Errorf("unknown metric should not contribute, got %v", s)
	}
}

func TestScore_AlwaysInUnitInterval(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		var p *Profile
		for j := 0; j < 1+rng.Intn(5); j++ {
			p = Update(p, "k", map[string]float64{
				"x": rng.NormFloat64() * 1000,
				"y": rng.Float64() * 10,
			}, t0)
		}
		s := Score(p, map[string]float64{
			"x": rng.NormFloat64() * 1e6,
			"y": -rng.Float64() * 1e6,
		})
		if s < 0 || s > 1 || math.IsNaN(s) {
			t.Fatalf("score out of range: %v", s)
		}
	}
}

func TestUpdate_NewPattern(t *testing.T) {
	p := Update(nil, "alice:acme", map[string]float64{"path_depth": 3}, t0)

	if p.Key != "alice:acme" || !p.CreatedAt.Equal(t0) || !p.LastUpdated.Equal(t0) {
		t.Errorf("unexpected profile header %+v", p)
	}
	pt, ok := p.Pattern("path_depth")
	if !ok {
		t.Fatal("pattern not created")
	}
	if pt.Min != 3 || pt.Max != 3 || pt.Confidence != InitialConfidence || pt.Samples != 1 {
		t.Errorf("unexpected new pattern %+v", pt)
	}
}

func TestUpdate_ConfidenceGrowsAndCaps(t *testing.T) {
	var p *Profile
	for i := 0; i < 30; i++ {
		p = Update(p, "k", map[string]float64{"m": 1}, t0)
	}
	pt, _ := p.Pattern("m")
	if pt.Confidence != 1 {
		t.Errorf("confidence should cap at 1, got %v", pt.Confidence)
	}

	p = Update(nil, "k", map[string]float64{"m": 1}, t0)
	p = Update(p, "k", map[string]float64{"m": 1}, t0)
	pt, _ = p.Pattern("m")
	if math.Abs(pt.Confidence-(InitialConfidence+ConfidenceStep)) > 1e-12 {
		t.Errorf("expected confidence 0.15, got %v", pt.Confidence)
	}
}

func TestUpdate_DoesNotMutateInput(t *testing.T) {
	p := learned(100)
	_ = Update(p, "alice:acme", map[string]float64{"request_size": 500}, t0)

	pt, _ := p.Pattern("request_size")
	if pt.Max != 100 {
		t.Errorf("Update must not modify its input, max is %v", pt.Max)
	}
}

func TestUpdate_IgnoresNonFinite(t *testing.T) {
	p := Update(nil, "k", map[string]float64{"m": math.NaN(), "n": math.Inf(1), "o": 2}, t0)
	if len(p.Patterns) != 1 {
		t.Errorf("only finite metrics should be learned, got %+v", p.Patterns)
	}
}

// Learned ranges only widen: an absorbed outlier is never forgotten.
func TestUpdate_RangeNeverContracts(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var p *Profile
	prevMin, prevMax := math.Inf(1), math.Inf(-1)

	for i := 0; i < 1000; i++ {
		p = Update(p, "k", map[string]float64{"m": rng.NormFloat64() * 100}, t0)
		pt, _ := p.Pattern("m")
		if pt.Min > prevMin || pt.Max < prevMax {
			t.Fatalf("range contracted at step %d: [%v,%v] -> [%v,%v]", i, prevMin, prevMax, pt.Min, pt.Max)
		}
		prevMin, prevMax = pt.Min, pt.Max
	}

	// One outlier widens the range permanently, so a repeat scores 0.
	p = Update(p, "k", map[string]float64{"m": 1e6}, t0)
	for i := 0; i < 100; i++ {
		p = Update(p, "k", map[string]float64{"m": 0}, t0)
	}
	if s := Score(p, map[string]float64{"m": 1e6}); s != 0 {
		t.Errorf("absorbed outlier should no longer be anomalous, got %v", s)
	}
}
