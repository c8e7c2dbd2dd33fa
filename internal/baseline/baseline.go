// Package baseline derives per-unit, per-sensor healthy reference statistics
// from an early-life window.
package baseline

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/obsidianstack/degradiag/pkg/types"
)

// Stage is the skip stage reported by EstimateUnit.
const Stage = "baseline"

// ErrInsufficientBaselineData is returned when a series is too short to
// establish a baseline. The (unit, sensor) must be skipped downstream.
var ErrInsufficientBaselineData = errors.New("insufficient baseline data")

// Params configures the early-life window. Cycles takes precedence; when it
// is zero the window is ceil(Fraction * length).
type Params struct {
	Cycles    int
	Fraction  float64
	MinCycles int
	Epsilon   float64
}

// WindowLen resolves the early-life window length for a series of n cycles.
// The result never exceeds n.
func (p Params) WindowLen(n int) int {
	k := p.Cycles
	if k <= 0 {
		k = int(math.Ceil(p.Fraction * float64(n)))
	}
	if k > n {
		k = n
	}
	return k
}

// Estimate computes the baseline for one sensor of a unit.
//
// Std0 is the sample standard deviation of the window, floored to Epsilon so
// that a flat signal never divides by zero.
func Estimate(unitID, sensor string, values []float64, p Params) (types.Baseline, error) {
	n := len(values)
	if n < p.MinCycles {
		return types.Baseline{}, fmt.Errorf("baseline %s/%s: %d cycles, need %d: %w",
			unitID, sensor, n, p.MinCycles, ErrInsufficientBaselineData)
	}
	k := p.WindowLen(n)
	if k < 2 {
		return types.Baseline{}, fmt.Errorf("baseline %s/%s: window of %d cycles: %w",
			unitID, sensor, k, ErrInsufficientBaselineData)
	}

	mean, std := MeanStd(values[:k])
	return types.Baseline{
		UnitID: unitID,
		Sensor: sensor,
		Mean0:  mean,
		Std0:   math.Max(std, p.Epsilon),
		Cycles: k,
	}, nil
}

// MeanStd returns the mean and sample standard deviation (ddof=1) of values.
// The deviation is 0 for fewer than two values.
func MeanStd(values []float64) (mean, std float64) {
	switch len(values) {
	case 0:
		return 0, 0
	case 1:
		return values[0], 0
	}
	mean, std = stat.MeanStdDev(values, nil)
	if math.IsNaN(std) {
		// Rounding can push the variance of a constant window below zero.
		std = 0
	}
	return mean, std
}

// EstimateUnit computes baselines for every listed sensor of s. Sensors that
// fail are returned as skips; the remaining baselines are still valid.
func EstimateUnit(s *types.Series, sensors []string, p Params) (map[string]types.Baseline, []types.Skip) {
	out := make(map[string]types.Baseline, len(sensors))
	var skips []types.Skip
	for _, sensor := range sensors {
		values, ok := s.Values[sensor]
		if !ok {
			skips = append(skips, types.Skip{
				UnitID: s.UnitID, Sensor: sensor, Stage: Stage,
				Err: fmt.Errorf("baseline %s/%s: sensor missing from series: %w",
					s.UnitID, sensor, ErrInsufficientBaselineData),
			})
			continue
		}
		b, err := Estimate(s.UnitID, sensor, values, p)
		if err != nil {
			skips = append(skips, types.Skip{UnitID: s.UnitID, Sensor: sensor, Stage: Stage, Err: err})
			continue
		}
		out[sensor] = b
	}
	return out, skips
}
