package indicator

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/obsidianstack/degradiag/internal/baseline"
	"github.com/obsidianstack/degradiag/pkg/types"
)

func almostEqual(a, b, epsilon float64) bool {
	return math.Abs(a-b) < epsilon
}

const eps = 1e-6

// makeSeries builds a single-sensor series "s" with cycles 1..len(values).
func makeSeries(values []float64) *types.Series {
	cycles := make([]int, len(values))
	for i := range cycles {
		cycles[i] = i + 1
	}
	return &types.Series{UnitID: "u1", Cycles: cycles, Values: map[string][]float64{"s": values}}
}

func mustBaseline(t *testing.T, values []float64, k int) types.Baseline {
	t.Helper()
	b, err := baseline.Estimate("u1", "s", values, baseline.Params{Cycles: k, MinCycles: 2, Epsilon: eps})
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	return b
}

func fractions(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i+1) / float64(n)
	}
	return out
}

func TestCompute_ConstantSeries(t *testing.T) {
	values := make([]float64, 80)
	for i := range values {
		values[i] = 5
	}
	s := makeSeries(values)
	b := mustBaseline(t, values, 20)

	recs, err := Compute(Input{Series: s, Sensor: "s", Baseline: b, LifeFractions: fractions(80)},
		Params{Window: 10, TrendWindow: 15, Epsilon: eps})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for _, r := range recs {
		if r.WindowReady && (r.MeanShiftZ != 0 || r.VarianceRatio != 1) {
			t.Fatalf("cycle %d: mean_shift_z=%g variance_ratio=%g, want 0 and 1",
				r.Cycle, r.MeanShiftZ, r.VarianceRatio)
		}
		if r.TrendReady && r.TrendSlopeZ != 0 {
			t.Fatalf("cycle %d: trend_slope_z=%g, want 0", r.Cycle, r.TrendSlopeZ)
		}
	}
}

func TestCompute_ConstantInexactValue(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 641.82
	}
	s := makeSeries(values)
	b := mustBaseline(t, values, 30)
	recs, err := Compute(Input{Series: s, Sensor: "s", Baseline: b}, Params{Window: 10, TrendWindow: 10, Epsilon: eps})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for _, r := range recs {
		if !almostEqual(r.MeanShiftZ, 0, 1e-6) || !almostEqual(r.VarianceRatio, 1, 1e-6) || !almostEqual(r.TrendSlopeZ, 0, 1e-6) {
			t.Fatalf("cycle %d: got %+v", r.Cycle, r)
		}
	}
}

func TestCompute_WindowsNotReadyEmitNothing(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6}
	s := makeSeries(values)
	b := mustBaseline(t, values, 3)

	recs, err := Compute(Input{Series: s, Sensor: "s", Baseline: b}, Params{Window: 3, TrendWindow: 5, Epsilon: eps})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	// First record at the third cycle (window of 3 fills); trend from the fifth.
	if len(recs) != 4 {
		t.Fatalf("records: got %d, want 4", len(recs))
	}
	if recs[0].Cycle != 3 || !recs[0].WindowReady || recs[0].TrendReady {
		t.Errorf("first record: got %+v", recs[0])
	}
	if recs[1].TrendReady {
		t.Errorf("cycle 4 should not have a trend: %+v", recs[1])
	}
	if !recs[2].TrendReady {
		t.Errorf("cycle 5 should have a trend: %+v", recs[2])
	}

	// A series shorter than both windows yields nothing.
	short := makeSeries([]float64{1, 2})
	recs, err = Compute(Input{Series: short, Sensor: "s", Baseline: b}, Params{Window: 3, TrendWindow: 5, Epsilon: eps})
	if err != nil || len(recs) != 0 {
		t.Errorf("short series: got %d records, err %v", len(recs), err)
	}
}

func TestCompute_StepChangeStabilisesAtM(t *testing.T) {
	const (
		k    = 20
		step = 40
		m    = 4.0
		w    = 10
	)
	// Alternating ±1 noise has a zero sum over any even window.
	values := make([]float64, 100)
	for i := range values {
		values[i] = 10 + float64(1-2*(i%2))
	}
	b := mustBaseline(t, values, k)
	for i := step; i < len(values); i++ {
		values[i] += m * b.Std0
	}

	recs, err := Compute(Input{Series: makeSeries(values), Sensor: "s", Baseline: b},
		Params{Window: w, TrendWindow: w, Epsilon: eps})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for _, r := range recs {
		idx := r.Cycle - 1
		inWindow := idx - step + 1 // step cycles inside the trailing window
		switch {
		case inWindow <= 0:
			if !almostEqual(r.MeanShiftZ, 0, 1e-9) {
				t.Errorf("cycle %d before step: z=%g", r.Cycle, r.MeanShiftZ)
			}
		case inWindow >= w:
			if !almostEqual(r.MeanShiftZ, m, 1e-9) {
				t.Errorf("cycle %d after step: z=%g, want %g", r.Cycle, r.MeanShiftZ, m)
			}
		}
	}
}

func TestCompute_VarianceRatioConvergesToKSquared(t *testing.T) {
	const (
		k     = 3.0
		nBase = 2000
		nLate = 4000
		w     = 2000
	)
	rng := rand.New(rand.NewPCG(1, 2))
	values := make([]float64, nBase+nLate)
	for i := range values {
		sigma := 1.0
		if i >= nBase {
			sigma = k
		}
		values[i] = 100 + sigma*rng.NormFloat64()
	}
	b := mustBaseline(t, values, nBase)

	recs, err := Compute(Input{Series: makeSeries(values), Sensor: "s", Baseline: b},
		Params{Window: w, TrendWindow: w, Epsilon: eps})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	last := recs[len(recs)-1]
	if math.Abs(last.VarianceRatio-k*k)/(k*k) > 0.1 {
		t.Errorf("variance_ratio = %.3f, want ≈ %.1f", last.VarianceRatio, k*k)
	}
}

func TestCompute_TrendSlope(t *testing.T) {
	// A linear ramp over the whole life: value = 2 * cycle.
	const n = 50
	values := make([]float64, n)
	for i := range values {
		values[i] = 2 * float64(i+1)
	}
	b := types.Baseline{UnitID: "u1", Sensor: "s", Mean0: 0, Std0: 4}

	withLife, err := Compute(Input{Series: makeSeries(values), Sensor: "s", Baseline: b, LifeFractions: fractions(n)},
		Params{Window: 5, TrendWindow: 11, Epsilon: eps})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	rawCycles, err := Compute(Input{Series: makeSeries(values), Sensor: "s", Baseline: b},
		Params{Window: 5, TrendWindow: 11, Epsilon: eps})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	// Over 11 cycles the value rises by 20, i.e. 5 baseline sigmas.
	for i, r := range withLife {
		if !r.TrendReady {
			continue
		}
		if !almostEqual(r.TrendSlopeZ, 5, 1e-9) {
			t.Errorf("cycle %d: trend_slope_z=%g, want 5", r.Cycle, r.TrendSlopeZ)
		}
		if !almostEqual(rawCycles[i].TrendSlopeZ, r.TrendSlopeZ, 1e-9) {
			t.Errorf("cycle %d: raw-cycle trend %g differs from life trend %g",
				r.Cycle, rawCycles[i].TrendSlopeZ, r.TrendSlopeZ)
		}
		if !r.HasLife || rawCycles[i].HasLife {
			t.Errorf("cycle %d: HasLife flags wrong", r.Cycle)
		}
	}
}

func TestCompute_ClampedLifeFallsBackToCycles(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6}
	lf := []float64{0.5, 1, 1, 1, 1, 1}
	b := types.Baseline{Mean0: 0, Std0: 1}
	recs, err := Compute(Input{Series: makeSeries(values), Sensor: "s", Baseline: b, LifeFractions: lf},
		Params{Window: 2, TrendWindow: 3, Epsilon: eps})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	last := recs[len(recs)-1]
	if !last.TrendReady || !almostEqual(last.TrendSlopeZ, 2, 1e-9) {
		t.Errorf("clamped window: got %+v, want trend 2", last)
	}
}

func TestCompute_Errors(t *testing.T) {
	s := makeSeries([]float64{1, 2, 3})
	b := types.Baseline{Std0: 1}
	if _, err := Compute(Input{Series: s, Sensor: "missing", Baseline: b}, Params{Window: 2, TrendWindow: 2}); err == nil {
		t.Error("expected error for missing sensor")
	}
	if _, err := Compute(Input{Series: s, Sensor: "s", Baseline: b, LifeFractions: []float64{0.5}}, Params{Window: 2, TrendWindow: 2}); err == nil {
		t.Error("expected error for misaligned life fractions")
	}
	if _, err := Compute(Input{Series: s, Sensor: "s", Baseline: b}, Params{Window: 1, TrendWindow: 2}); err == nil {
		t.Error("expected error for window of 1")
	}
}
