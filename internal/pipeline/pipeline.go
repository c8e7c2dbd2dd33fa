package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/degradiag/internal/anomaly"
	"github.com/obsidianstack/degradiag/internal/baseline"
	"github.com/obsidianstack/degradiag/internal/config"
	"github.com/obsidianstack/degradiag/internal/fusion"
	"github.com/obsidianstack/degradiag/internal/indicator"
	"github.com/obsidianstack/degradiag/internal/life"
	"github.com/obsidianstack/degradiag/internal/metrics"
	"github.com/obsidianstack/degradiag/internal/rules"
	"github.com/obsidianstack/degradiag/pkg/types"
)

// Stage names used in skips, logs and metrics. StageAnalyze times the whole
// per-unit pass (baseline through rules); StageScore times scoring and fusion.
const (
	StageBaseline  = baseline.Stage
	StageLife      = "life"
	StageIndicator = "indicator"
	StageFit       = "fit"
	StageAnalyze   = "analyze"
	StageScore     = "score"
)

// Options is the fully resolved engine configuration for one run.
type Options struct {
	Sensors   []string
	Baseline  baseline.Params
	Indicator indicator.Params
	Rules     rules.Params
	Anomaly   anomaly.Params

	// AnomalyEnabled turns the ML stage on.
	AnomalyEnabled bool

	// Model, when non-nil, is used instead of fitting a new one.
	Model *anomaly.Model

	Workers int
}

// OptionsFromConfig resolves Options from a validated Config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Sensors: cfg.Sensors,
		Baseline: baseline.Params{
			Cycles:    cfg.Baseline.Cycles,
			Fraction:  cfg.Baseline.Fraction,
			MinCycles: cfg.Baseline.MinCycles,
			Epsilon:   cfg.Baseline.Epsilon,
		},
		Indicator: indicator.Params{
			Window:      cfg.Indicators.Window,
			TrendWindow: cfg.Indicators.TrendWindow,
			Epsilon:     cfg.Baseline.Epsilon,
		},
		Rules: rules.ParamsFromConfig(cfg.Rules),
		Anomaly: anomaly.Params{
			Contamination: cfg.Anomaly.Contamination,
			MinFitSamples: cfg.Anomaly.MinFitSamples,
			Trees:         cfg.Anomaly.Trees,
			SampleSize:    cfg.Anomaly.SampleSize,
			Seed:          uint64(cfg.Anomaly.Seed),
		},
		AnomalyEnabled: cfg.Anomaly.Enabled,
		Workers:        cfg.Workers,
	}
}

// UnitResult holds every derived record for one unit. Slices are ordered by
// cycle; Indicators is keyed by sensor.
type UnitResult struct {
	UnitID string
	Cycles []int

	// LifeFractions is nil when the unit's life length is unknown.
	LifeFractions []float64

	Baselines  map[string]types.Baseline
	Indicators map[string][]types.IndicatorRecord
	Alerts     []types.Alert

	// Scores is nil when the anomaly stage is unavailable.
	Scores   []types.AnomalyScore
	Verdicts []types.FusionResult
	Skips    []types.Skip

	// Excluded is set when no sensor of the unit has a baseline; the unit
	// then has no indicators, scores or verdicts.
	Excluded bool

	series  *types.Series
	healthy [][]float64
}

// Result is the output of one run.
type Result struct {
	RunID   string
	Sensors []string
	Units   []*UnitResult

	// Model is the fitted or loaded anomaly model; nil when unavailable.
	Model *anomaly.Model

	// ModelErr explains why Model is nil when the anomaly stage was enabled.
	ModelErr error
}

// Skips returns every skip of the run in unit order.
func (r *Result) Skips() []types.Skip {
	var out []types.Skip
	for _, u := range r.Units {
		out = append(out, u.Skips...)
	}
	return out
}

// LifeUnits returns the analyzed units that have life fractions, in unit
// order, for the fleet summary.
func (r *Result) LifeUnits() []indicator.UnitLife {
	var out []indicator.UnitLife
	for _, u := range r.Units {
		if u.LifeFractions != nil {
			out = append(out, indicator.UnitLife{Series: u.series, LifeFractions: u.LifeFractions})
		}
	}
	return out
}

// Run processes units and returns the fused results. m may be nil.
//
// Run returns an error only for conditions fatal to the whole batch: context
// cancellation or a feature mismatch between the model and a unit.
func Run(ctx context.Context, units []*types.Series, opts Options, m *metrics.Metrics) (*Result, error) {
	res := &Result{
		RunID:   uuid.NewString(),
		Sensors: opts.Sensors,
		Units:   make([]*UnitResult, len(units)),
	}
	log := slog.With("run", res.RunID)
	log.Info("pipeline: run started", "units", len(units), "sensors", len(opts.Sensors), "workers", opts.Workers)

	start := time.Now()
	err := forEach(ctx, opts.Workers, len(units), func(i int) error {
		res.Units[i] = analyzeUnit(units[i], opts)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: unit stage: %w", err)
	}
	observe(m, StageAnalyze, start)

	for _, u := range res.Units {
		for _, sk := range u.Skips {
			log.Warn("pipeline: skipped", "unit", sk.UnitID, "sensor", sk.Sensor, "stage", sk.Stage, "err", sk.Err)
			if m != nil {
				m.Skips.WithLabelValues(sk.Stage).Inc()
			}
		}
		if m != nil && !u.Excluded {
			m.UnitsProcessed.Inc()
		}
	}

	if opts.AnomalyEnabled {
		start = time.Now()
		res.Model, res.ModelErr = prepareModel(res.Units, opts)
		observe(m, StageFit, start)
		switch {
		case errors.Is(res.ModelErr, anomaly.ErrFeatureMismatch):
			return nil, fmt.Errorf("pipeline: %w", res.ModelErr)
		case res.ModelErr != nil:
			log.Warn("pipeline: anomaly stage disabled, tiers are rule-only", "err", res.ModelErr)
		default:
			log.Info("pipeline: anomaly model ready",
				"threshold", res.Model.Threshold(), "trained_on", res.Model.TrainedOn())
			if m != nil {
				m.ModelAvailable.Set(1)
				m.AnomalyThreshold.Set(res.Model.Threshold())
				m.FitSamples.Set(float64(res.Model.TrainedOn()))
			}
		}
	}

	if res.Model != nil {
		// Every unit is checked before any unit is scored.
		for _, u := range res.Units {
			if u.Excluded {
				continue
			}
			if err := res.Model.CheckFeatures(unitFeatures(u, opts.Sensors)); err != nil {
				return nil, fmt.Errorf("pipeline: unit %s: %w", u.UnitID, err)
			}
		}
	}

	start = time.Now()
	err = forEach(ctx, opts.Workers, len(res.Units), func(i int) error {
		return scoreAndFuse(res.Units[i], res.Model)
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: scoring stage: %w", err)
	}
	observe(m, StageScore, start)

	if m != nil {
		record(m, res)
	}
	log.Info("pipeline: run finished", "units", len(units), "skips", len(res.Skips()))
	return res, nil
}

// analyzeUnit runs every per-unit stage up to and including rule evaluation.
func analyzeUnit(s *types.Series, opts Options) *UnitResult {
	u := &UnitResult{
		UnitID:     s.UnitID,
		Cycles:     s.Cycles,
		Indicators: make(map[string][]types.IndicatorRecord),
		series:     s,
	}

	var skips []types.Skip
	u.Baselines, skips = baseline.EstimateUnit(s, opts.Sensors, opts.Baseline)
	u.Skips = append(u.Skips, skips...)
	if len(u.Baselines) == 0 {
		u.Excluded = true
		return u
	}

	lf, err := life.Fractions(s)
	if err != nil {
		u.Skips = append(u.Skips, types.Skip{UnitID: s.UnitID, Stage: StageLife, Err: err})
	}
	u.LifeFractions = lf

	engine := rules.NewEngine(opts.Rules)
	for _, sensor := range opts.Sensors {
		b, ok := u.Baselines[sensor]
		if !ok {
			continue
		}
		recs, err := indicator.Compute(indicator.Input{
			Series: s, Sensor: sensor, Baseline: b, LifeFractions: lf,
		}, opts.Indicator)
		if err != nil {
			u.Skips = append(u.Skips, types.Skip{UnitID: s.UnitID, Sensor: sensor, Stage: StageIndicator, Err: err})
			continue
		}
		u.Indicators[sensor] = recs
		for _, rec := range recs {
			u.Alerts = append(u.Alerts, engine.Evaluate(rec)...)
		}
	}
	// Sensor order then kind order within a cycle is kept by the stable sort.
	sort.SliceStable(u.Alerts, func(i, j int) bool { return u.Alerts[i].Cycle < u.Alerts[j].Cycle })

	if opts.AnomalyEnabled && len(u.Baselines) == len(opts.Sensors) {
		// Healthy rows come from the shortest baseline window of the unit.
		k := s.Len()
		for _, b := range u.Baselines {
			k = min(k, b.Cycles)
		}
		rows, err := anomaly.Vectors(s, u.Baselines, opts.Sensors, k)
		if err != nil {
			u.Skips = append(u.Skips, types.Skip{UnitID: s.UnitID, Stage: StageFit, Err: err})
		}
		u.healthy = rows
	}
	return u
}

// prepareModel returns the preloaded model after checking its features, or
// fits a new one on the pooled healthy rows of every unit, in unit order.
func prepareModel(units []*UnitResult, opts Options) (*anomaly.Model, error) {
	if opts.Model != nil {
		if err := opts.Model.CheckFeatures(opts.Sensors); err != nil {
			return nil, err
		}
		return opts.Model, nil
	}
	var pooled [][]float64
	for _, u := range units {
		pooled = append(pooled, u.healthy...)
	}
	return anomaly.Fit(opts.Sensors, pooled, opts.Anomaly)
}

// unitFeatures lists the sensors with a baseline, in configured order.
func unitFeatures(u *UnitResult, sensors []string) []string {
	out := make([]string, 0, len(u.Baselines))
	for _, s := range sensors {
		if _, ok := u.Baselines[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// scoreAndFuse scores u against model (when non-nil) and fuses the verdicts.
func scoreAndFuse(u *UnitResult, model *anomaly.Model) error {
	if u.Excluded {
		return nil
	}
	if model != nil {
		scores, err := anomaly.ScoreSeries(model, u.series, u.Baselines)
		if err != nil {
			return fmt.Errorf("unit %s: %w", u.UnitID, err)
		}
		u.Scores = scores
	}
	alerted := make(map[int]bool, len(u.Alerts))
	for _, a := range u.Alerts {
		alerted[a.Cycle] = true
	}
	u.Verdicts = fusion.Fuse(u.UnitID, u.Cycles, alerted, u.Scores)
	return nil
}

func observe(m *metrics.Metrics, stage string, start time.Time) {
	if m != nil {
		m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// record counts alerts, anomalous cycles and verdicts.
func record(m *metrics.Metrics, res *Result) {
	for _, u := range res.Units {
		for _, a := range u.Alerts {
			m.Alerts.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
		}
		for _, s := range u.Scores {
			if s.IsAnomaly {
				m.AnomalousCycles.Inc()
			}
		}
		for _, v := range u.Verdicts {
			m.Verdicts.WithLabelValues(string(v.Tier)).Inc()
		}
	}
}
