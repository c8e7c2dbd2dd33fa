package indicator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/obsidianstack/degradiag/pkg/types"
)

// Params sizes the rolling windows.
type Params struct {
	Window      int
	TrendWindow int
	Epsilon     float64
}

// Input is one sensor of one unit. LifeFractions is nil when the unit's life
// length is unknown; the trend then runs on the raw cycle axis.
type Input struct {
	Series        *types.Series
	Sensor        string
	Baseline      types.Baseline
	LifeFractions []float64
}

// Compute returns the indicator records for in, ordered by cycle.
func Compute(in Input, p Params) ([]types.IndicatorRecord, error) {
	s := in.Series
	values, ok := s.Values[in.Sensor]
	if !ok {
		return nil, fmt.Errorf("indicator %s/%s: sensor missing from series", s.UnitID, in.Sensor)
	}
	if len(values) != len(s.Cycles) {
		return nil, fmt.Errorf("indicator %s/%s: %d values for %d cycles",
			s.UnitID, in.Sensor, len(values), len(s.Cycles))
	}
	if in.LifeFractions != nil && len(in.LifeFractions) != len(s.Cycles) {
		return nil, fmt.Errorf("indicator %s/%s: %d life fractions for %d cycles",
			s.UnitID, in.Sensor, len(in.LifeFractions), len(s.Cycles))
	}
	if p.Window < 2 || p.TrendWindow < 2 {
		return nil, fmt.Errorf("indicator: windows must be at least 2 (window=%d trend=%d)",
			p.Window, p.TrendWindow)
	}

	b := in.Baseline
	first := min(p.Window, p.TrendWindow) - 1
	if first >= len(values) {
		return nil, nil
	}

	cycleAxis := make([]float64, len(s.Cycles))
	for i, c := range s.Cycles {
		cycleAxis[i] = float64(c)
	}

	out := make([]types.IndicatorRecord, 0, len(values)-first)
	for i := first; i < len(values); i++ {
		rec := types.IndicatorRecord{
			UnitID: s.UnitID,
			Sensor: in.Sensor,
			Cycle:  s.Cycles[i],
		}
		if in.LifeFractions != nil {
			rec.LifeFraction = in.LifeFractions[i]
			rec.HasLife = true
		}

		if i+1 >= p.Window {
			win := values[i+1-p.Window : i+1]
			mean, variance := stat.MeanVariance(win, nil)
			rec.MeanShiftZ = (mean - b.Mean0) / b.Std0
			rec.VarianceRatio = math.Max(variance, p.Epsilon*p.Epsilon) / (b.Std0 * b.Std0)
			rec.WindowReady = true
		}

		if i+1 >= p.TrendWindow {
			lo := i + 1 - p.TrendWindow
			y := values[lo : i+1]
			slope, span, ok := 0.0, 0.0, false
			if in.LifeFractions != nil {
				slope, span, ok = olsSlope(in.LifeFractions[lo:i+1], y)
			}
			if !ok {
				// Clamped life fractions can collapse the axis; the cycle
				// axis gives the same scaled slope for an unclamped window.
				slope, span, ok = olsSlope(cycleAxis[lo:i+1], y)
			}
			if ok {
				rec.TrendSlopeZ = slope * span / b.Std0
				rec.TrendReady = true
			}
		}

		out = append(out, rec)
	}
	return out, nil
}

// olsSlope fits y = a + slope*x by ordinary least squares. span is
// max(x) - min(x). ok is false when x has no spread.
func olsSlope(x, y []float64) (slope, span float64, ok bool) {
	span = floats.Max(x) - floats.Min(x)
	if span == 0 {
		return 0, 0, false
	}
	_, slope = stat.LinearRegression(x, y, nil, false)
	return slope, span, true
}
