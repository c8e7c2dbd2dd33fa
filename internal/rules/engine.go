package rules

import (
	"math"

	"github.com/obsidianstack/degradiag/internal/config"
	"github.com/obsidianstack/degradiag/pkg/types"
)

// Params holds thresholds, debounce length and per-kind severity tables.
type Params struct {
	MeanThreshold     float64
	VarianceThreshold float64
	TrendThreshold    float64
	Debounce          int
	Severity          map[types.AlertKind]Table
}

// ParamsFromConfig builds Params from the rules section of the config,
// filling missing severity tables with the default breakpoints.
func ParamsFromConfig(cfg config.RulesConfig) Params {
	p := Params{
		MeanThreshold:     cfg.MeanThreshold,
		VarianceThreshold: cfg.VarianceThreshold,
		TrendThreshold:    cfg.TrendThreshold,
		Debounce:          cfg.Debounce,
		Severity:          make(map[types.AlertKind]Table, len(types.AlertKinds)),
	}
	for _, kind := range types.AlertKinds {
		steps, ok := cfg.Severity[string(kind)]
		if !ok {
			steps = config.DefaultSeverity()
		}
		p.Severity[kind] = tableFromConfig(steps)
	}
	return p
}

type counterKey struct {
	unit, sensor string
	kind         types.AlertKind
}

// Engine holds the consecutive-exceedance counters for a stream of records.
// Records for one (unit, sensor) must arrive in cycle order.
//
// An Engine is not safe for concurrent use; give each worker its own.
type Engine struct {
	p        Params
	counters map[counterKey]int
}

// NewEngine returns an Engine with all counters at zero.
func NewEngine(p Params) *Engine {
	return &Engine{p: p, counters: make(map[counterKey]int)}
}

// Evaluate updates the counters with rec and returns the alerts that hold at
// rec.Cycle. An unready indicator counts as below threshold.
func (e *Engine) Evaluate(rec types.IndicatorRecord) []types.Alert {
	var out []types.Alert
	for _, kind := range types.AlertKinds {
		value, threshold, exceeds := e.check(kind, rec)
		key := counterKey{unit: rec.UnitID, sensor: rec.Sensor, kind: kind}
		if !exceeds {
			delete(e.counters, key)
			continue
		}
		n := e.counters[key] + 1
		e.counters[key] = n
		if n < e.p.Debounce {
			continue
		}
		out = append(out, types.Alert{
			UnitID:    rec.UnitID,
			Sensor:    rec.Sensor,
			Cycle:     rec.Cycle,
			Kind:      kind,
			Severity:  e.p.Severity[kind].Lookup(math.Abs(value) / threshold),
			Value:     value,
			Threshold: threshold,
		})
	}
	return out
}

// check returns the indicator value for kind, its threshold, and whether it
// exceeds. Variance is one-sided: only an increase in spread counts.
func (e *Engine) check(kind types.AlertKind, rec types.IndicatorRecord) (value, threshold float64, exceeds bool) {
	switch kind {
	case types.KindMeanShift:
		value, threshold = rec.MeanShiftZ, e.p.MeanThreshold
		return value, threshold, rec.WindowReady && math.Abs(value) >= threshold
	case types.KindVarianceIncrease:
		value, threshold = rec.VarianceRatio, e.p.VarianceThreshold
		return value, threshold, rec.WindowReady && value >= threshold
	case types.KindTrend:
		value, threshold = rec.TrendSlopeZ, e.p.TrendThreshold
		return value, threshold, rec.TrendReady && math.Abs(value) >= threshold
	}
	return 0, 0, false
}

// EvaluateAll runs a fresh Engine over recs and returns every alert in
// record order.
func EvaluateAll(recs []types.IndicatorRecord, p Params) []types.Alert {
	e := NewEngine(p)
	var out []types.Alert
	for _, rec := range recs {
		out = append(out, e.Evaluate(rec)...)
	}
	return out
}
