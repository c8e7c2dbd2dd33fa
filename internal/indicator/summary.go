package indicator

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/obsidianstack/degradiag/internal/baseline"
	"github.com/obsidianstack/degradiag/pkg/types"
)

// SummaryParams bounds the early and late life segments compared by Summarize.
type SummaryParams struct {
	EarlyFraction  float64 // early segment: life fraction <= EarlyFraction
	LateFraction   float64 // late segment: life fraction >= LateFraction
	MinSegment     int     // points required in each segment
	MinSlopePoints int     // points required for a whole-life slope
}

// DefaultSummaryParams compares the first fifth of life with the last fifth.
func DefaultSummaryParams() SummaryParams {
	return SummaryParams{EarlyFraction: 0.2, LateFraction: 0.8, MinSegment: 5, MinSlopePoints: 20}
}

// SensorSummary is the fleet-averaged late-vs-early behaviour of one sensor.
// Fields that could not be computed are NaN.
type SensorSummary struct {
	Sensor string

	MeanShift        float64 // late mean - early mean, fleet average
	AbsMeanShift     float64
	VarianceRatio    float64 // late variance / early variance, fleet average
	LogVarianceRatio float64
	Slope            float64 // value per unit life fraction, fleet average
	AbsSlope         float64

	BaselineStd     float64 // fleet std of early-segment values
	MeanShiftStd    float64
	AbsMeanShiftStd float64
	SlopeStd        float64
	AbsSlopeStd     float64

	UnitsShift int
	UnitsSlope int

	// Score is |shift|σ + |slope|σ + max(log variance ratio, 0), treating NaN as 0.
	Score float64
}

// UnitLife pairs a series with its life fractions. Units without a known
// life length cannot be placed on the life axis and are left out.
type UnitLife struct {
	Series        *types.Series
	LifeFractions []float64
}

// Summarize computes a SensorSummary per sensor and returns them ordered by
// Score, highest first. Ties keep the order of sensors.
func Summarize(units []UnitLife, sensors []string, p SummaryParams) []SensorSummary {
	out := make([]SensorSummary, 0, len(sensors))
	for _, sensor := range sensors {
		out = append(out, summarizeSensor(units, sensor, p))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func summarizeSensor(units []UnitLife, sensor string, p SummaryParams) SensorSummary {
	var shifts, ratios, slopes, fleetEarly []float64

	for _, u := range units {
		values, ok := u.Series.Values[sensor]
		if !ok || len(u.LifeFractions) != len(values) {
			continue
		}

		var early, late []float64
		for i, lf := range u.LifeFractions {
			if lf <= p.EarlyFraction {
				early = append(early, values[i])
			}
			if lf >= p.LateFraction {
				late = append(late, values[i])
			}
		}
		fleetEarly = append(fleetEarly, early...)

		if len(early) >= p.MinSegment && len(late) >= p.MinSegment {
			em, es := baseline.MeanStd(early)
			lm, ls := baseline.MeanStd(late)
			shifts = append(shifts, lm-em)
			if ve := es * es; ve > 0 {
				ratios = append(ratios, ls*ls/ve)
			}
		}

		if len(values) >= p.MinSlopePoints {
			if slope, _, ok := olsSlope(u.LifeFractions, values); ok {
				slopes = append(slopes, slope)
			}
		}
	}

	s := SensorSummary{
		Sensor:        sensor,
		MeanShift:     meanOrNaN(shifts),
		AbsMeanShift:  absMeanOrNaN(shifts),
		VarianceRatio: meanOrNaN(ratios),
		Slope:         meanOrNaN(slopes),
		AbsSlope:      absMeanOrNaN(slopes),
		UnitsShift:    len(shifts),
		UnitsSlope:    len(slopes),
	}

	s.LogVarianceRatio = math.NaN()
	if s.VarianceRatio > 0 {
		s.LogVarianceRatio = math.Log(s.VarianceRatio)
	}

	s.BaselineStd = math.NaN()
	if len(fleetEarly) >= 2 {
		if _, std := baseline.MeanStd(fleetEarly); std > 0 {
			s.BaselineStd = std
		}
	}
	s.MeanShiftStd = s.MeanShift / s.BaselineStd
	s.AbsMeanShiftStd = s.AbsMeanShift / s.BaselineStd
	s.SlopeStd = s.Slope / s.BaselineStd
	s.AbsSlopeStd = s.AbsSlope / s.BaselineStd

	s.Score = zeroIfNaN(s.AbsMeanShiftStd) + zeroIfNaN(s.AbsSlopeStd) +
		math.Max(zeroIfNaN(s.LogVarianceRatio), 0)
	return s
}

func meanOrNaN(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return stat.Mean(xs, nil)
}

func absMeanOrNaN(xs []float64) float64 {
	abs := make([]float64, len(xs))
	for i, x := range xs {
		abs[i] = math.Abs(x)
	}
	return meanOrNaN(abs)
}

func zeroIfNaN(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return x
}
