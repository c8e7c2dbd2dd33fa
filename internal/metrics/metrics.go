// Package metrics records run-level counters for one analysis run and writes
// them in Prometheus text exposition format, suitable for a node_exporter
// textfile collector.
//
// Each run gets its own registry; nothing is registered globally.
package metrics

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "degradiag"

// Metrics holds the collectors for one run.
type Metrics struct {
	reg *prometheus.Registry

	// UnitsProcessed counts units that reached the end of the rule stage.
	UnitsProcessed prometheus.Counter

	// Skips counts reported exclusions, by stage.
	Skips *prometheus.CounterVec

	// Alerts counts raised alerts, by kind and severity.
	Alerts *prometheus.CounterVec

	// Verdicts counts fused verdicts, by tier.
	Verdicts *prometheus.CounterVec

	// AnomalousCycles counts cycles whose score exceeded the threshold.
	AnomalousCycles prometheus.Counter

	// ModelAvailable is 1 when the anomaly stage produced scores.
	ModelAvailable prometheus.Gauge

	// AnomalyThreshold is the calibrated score threshold.
	AnomalyThreshold prometheus.Gauge

	// FitSamples is the number of pooled healthy rows used for the fit.
	FitSamples prometheus.Gauge

	// StageDuration observes wall time per pipeline stage.
	StageDuration *prometheus.HistogramVec
}

// New returns Metrics registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		UnitsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_processed_total",
			Help:      "Units that completed baseline, indicator and rule evaluation.",
		}),
		Skips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skips_total",
			Help:      "Units or unit/sensor pairs excluded from a stage.",
		}, []string{"stage"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Debounced alerts raised.",
		}, []string{"kind", "severity"}),
		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Fused verdicts per tier.",
		}, []string{"tier"}),
		AnomalousCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalous_cycles_total",
			Help:      "Cycles scored above the anomaly threshold.",
		}),
		ModelAvailable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anomaly_model_available",
			Help:      "1 when anomaly scores were produced for this run.",
		}),
		AnomalyThreshold: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anomaly_threshold",
			Help:      "Calibrated isolation score threshold.",
		}),
		FitSamples: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anomaly_fit_samples",
			Help:      "Pooled healthy rows used to fit the anomaly model.",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time per pipeline stage.",
			Buckets:   []float64{.001, .01, .1, .5, 1, 5, 30, 120},
		}, []string{"stage"}),
	}
}

// Gather returns the current metric families, sorted by name.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	return m.reg.Gather()
}

// WriteText writes every family in text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	mfs, err := m.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteTextfile writes the metrics to path through a temporary file and a
// rename, so a collector never reads a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return fmt.Errorf("metrics: create temp: %w", err)
	}
	if err := m.WriteText(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("metrics: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("metrics: rename: %w", err)
	}
	return nil
}

// Totals returns the summed value of every counter and gauge family, keyed by
// family name. Histograms contribute their sample count.
func (m *Metrics) Totals() (map[string]float64, error) {
	mfs, err := m.Gather()
	if err != nil {
		return nil, fmt.Errorf("metrics: gather: %w", err)
	}
	out := make(map[string]float64, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = sumFamily(mf)
	}
	return out, nil
}

// LabelValues returns the value of every series of the named family keyed by
// the value of label, e.g. verdict counts keyed by tier.
func (m *Metrics) LabelValues(name, label string) (map[string]float64, error) {
	mfs, err := m.Gather()
	if err != nil {
		return nil, fmt.Errorf("metrics: gather: %w", err)
	}
	out := make(map[string]float64)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label {
					out[lp.GetValue()] += metricValue(metric)
				}
			}
		}
	}
	return out, nil
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
// Returns 0 if mf is nil.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		total += metricValue(m)
	}
	return total
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	case m.Histogram != nil:
		return float64(m.Histogram.GetSampleCount())
	}
	return 0
}

// SortedKeys returns the keys of a value map in lexical order.
func SortedKeys(vals map[string]float64) []string {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
