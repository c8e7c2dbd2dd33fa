package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the optional fields. Engine parameters have no
// defaults; see requiredKeys.
const (
	DefaultEpsilon        = 1e-6
	DefaultTrees          = 100
	DefaultSampleSize     = 256
	DefaultSeed           = 42
	DefaultWorkers        = 4
	DefaultWebhookTimeout = 10 * time.Second
)

// requiredKeys are the engine parameters that must be present in every
// config file. The baseline window additionally needs exactly one of
// baseline.cycles and baseline.fraction.
var requiredKeys = []string{
	"baseline.min_cycles",
	"indicators.window",
	"indicators.trend_window",
	"rules.mean_threshold",
	"rules.variance_threshold",
	"rules.trend_threshold",
	"rules.debounce",
	"anomaly.contamination",
	"anomaly.min_fit_samples",
}

// Config is the complete engine configuration. Every field is named here;
// Load rejects keys that do not map onto it.
type Config struct {
	// Sensors is the ordered list of in-scope sensor columns.
	Sensors []string `yaml:"sensors"`

	Input      InputConfig     `yaml:"input"`
	Baseline   BaselineConfig  `yaml:"baseline"`
	Indicators IndicatorConfig `yaml:"indicators"`
	Rules      RulesConfig     `yaml:"rules"`
	Anomaly    AnomalyConfig   `yaml:"anomaly"`
	Output     OutputConfig    `yaml:"output"`
	Notify     NotifyConfig    `yaml:"notify"`
	Log        LogConfig       `yaml:"log"`

	// Workers is the size of the per-unit worker pool.
	Workers int `yaml:"workers"`
}

// InputConfig locates the cleaned fleet table.
type InputConfig struct {
	// Path is the table file to read.
	Path string `yaml:"path"`

	// Format is one of: csv | cmapss.
	Format string `yaml:"format"`

	// UnitColumn and CycleColumn name the key columns of a csv table.
	UnitColumn  string `yaml:"unit_column"`
	CycleColumn string `yaml:"cycle_column"`

	// InService lists units whose record has not ended in failure. Their
	// observed length is not a life length.
	InService []string `yaml:"in_service"`

	// ExpectedLife maps a unit to an externally supplied life length in
	// cycles, used instead of the observed length.
	ExpectedLife map[string]int `yaml:"expected_life"`
}

// BaselineConfig controls the early-life window: either a fixed number of
// Cycles or a Fraction of the observed length. Exactly one is set.
type BaselineConfig struct {
	Cycles    int     `yaml:"cycles"`
	Fraction  float64 `yaml:"fraction"`
	MinCycles int     `yaml:"min_cycles"`
	Epsilon   float64 `yaml:"epsilon"`
}

// IndicatorConfig sizes the rolling windows, in cycles.
type IndicatorConfig struct {
	Window      int `yaml:"window"`
	TrendWindow int `yaml:"trend_window"`
}

// RulesConfig holds per-indicator thresholds, debounce length and the
// severity breakpoint tables.
type RulesConfig struct {
	MeanThreshold     float64 `yaml:"mean_threshold"`
	VarianceThreshold float64 `yaml:"variance_threshold"`
	TrendThreshold    float64 `yaml:"trend_threshold"`
	Debounce          int     `yaml:"debounce"`

	// Severity maps an alert kind to its ordered breakpoint table. Kinds
	// that are absent get DefaultSeverity.
	Severity map[string][]SeverityStep `yaml:"severity"`
}

// SeverityStep assigns Level to magnitudes of at least At times the threshold.
type SeverityStep struct {
	At    float64 `yaml:"at"`
	Level string  `yaml:"level"`
}

// DefaultSeverity is the breakpoint table used for kinds without one.
func DefaultSeverity() []SeverityStep {
	return []SeverityStep{
		{At: 1, Level: "low"},
		{At: 2, Level: "medium"},
		{At: 3, Level: "high"},
	}
}

// AnomalyConfig controls the fleet isolation forest.
type AnomalyConfig struct {
	// Enabled turns the ML stage on. When false every tier is rule-only.
	Enabled bool `yaml:"enabled"`

	// Contamination is the expected fraction of training points scored
	// anomalous; it calibrates the decision threshold.
	Contamination float64 `yaml:"contamination"`

	// MinFitSamples is the minimum pooled healthy rows required to fit.
	MinFitSamples int `yaml:"min_fit_samples"`

	Trees      int   `yaml:"trees"`
	SampleSize int   `yaml:"sample_size"`
	Seed       int64 `yaml:"seed"`

	// ModelPath, when set, loads a saved model instead of fitting one.
	ModelPath string `yaml:"model_path"`

	// SaveModelPath, when set, writes the fitted model snapshot.
	SaveModelPath string `yaml:"save_model_path"`
}

// OutputConfig selects where results are written.
type OutputConfig struct {
	// Dir receives the csv tables.
	Dir string `yaml:"dir"`

	// SQLite, when set, is the path of a database that receives the same
	// tables.
	SQLite string `yaml:"sqlite"`

	// MetricsTextfile, when set, receives run metrics in Prometheus text
	// exposition format.
	MetricsTextfile string `yaml:"metrics_textfile"`
}

// NotifyConfig lists webhook targets for High Confidence verdicts.
type NotifyConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Timeout  time.Duration   `yaml:"timeout"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// LogConfig sets the slog level: debug | info | warn | error.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults; unknown keys and missing
// engine parameters are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: empty document")
		}
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := checkKeys(raw); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Input: InputConfig{
			Format:      "csv",
			UnitColumn:  "unit_id",
			CycleColumn: "cycle",
		},
		Baseline: BaselineConfig{Epsilon: DefaultEpsilon},
		Anomaly: AnomalyConfig{
			Enabled:    true,
			Trees:      DefaultTrees,
			SampleSize: DefaultSampleSize,
			Seed:       DefaultSeed,
		},
		Notify:  NotifyConfig{Timeout: DefaultWebhookTimeout},
		Log:     LogConfig{Level: "info"},
		Workers: DefaultWorkers,
	}
}

// checkKeys reports every missing engine parameter and enforces the
// cycles/fraction choice for the baseline window.
func checkKeys(raw map[string]any) error {
	var missing []string
	for _, k := range requiredKeys {
		if !hasKey(raw, k) {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required keys: %s", strings.Join(missing, ", "))
	}

	hasCycles, hasFraction := hasKey(raw, "baseline.cycles"), hasKey(raw, "baseline.fraction")
	switch {
	case hasCycles && hasFraction:
		return fmt.Errorf("baseline.cycles and baseline.fraction are mutually exclusive")
	case !hasCycles && !hasFraction:
		return fmt.Errorf("one of baseline.cycles or baseline.fraction is required")
	}
	return nil
}

// hasKey reports whether the dotted path names a non-null value in raw.
func hasKey(raw map[string]any, path string) bool {
	cur := raw
	parts := strings.Split(path, ".")
	for i, p := range parts {
		v, ok := cur[p]
		if !ok || v == nil {
			return false
		}
		if i == len(parts)-1 {
			return true
		}
		if cur, ok = v.(map[string]any); !ok {
			return false
		}
	}
	return false
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if len(cfg.Sensors) == 0 {
		return fmt.Errorf("sensors: at least one sensor is required")
	}
	seen := make(map[string]bool, len(cfg.Sensors))
	for i, s := range cfg.Sensors {
		if s == "" {
			return fmt.Errorf("sensors[%d]: empty name", i)
		}
		if seen[s] {
			return fmt.Errorf("sensors[%d]: duplicate %q", i, s)
		}
		seen[s] = true
	}

	if cfg.Input.Path == "" {
		return fmt.Errorf("input.path is required")
	}
	switch cfg.Input.Format {
	case "csv", "cmapss":
	default:
		return fmt.Errorf("input.format: unknown format %q", cfg.Input.Format)
	}
	for unit, l := range cfg.Input.ExpectedLife {
		if l <= 0 {
			return fmt.Errorf("input.expected_life[%q] must be positive", unit)
		}
	}

	b := cfg.Baseline
	if b.Cycles == 0 {
		if b.Fraction <= 0 || b.Fraction > 1 {
			return fmt.Errorf("baseline.fraction must be in (0, 1]")
		}
	} else if b.Cycles < 2 {
		return fmt.Errorf("baseline.cycles must be at least 2")
	}
	if b.MinCycles < 2 {
		return fmt.Errorf("baseline.min_cycles must be at least 2")
	}
	if b.Epsilon <= 0 {
		return fmt.Errorf("baseline.epsilon must be positive")
	}

	if cfg.Indicators.Window < 2 {
		return fmt.Errorf("indicators.window must be at least 2")
	}
	if cfg.Indicators.TrendWindow < 2 {
		return fmt.Errorf("indicators.trend_window must be at least 2")
	}

	r := cfg.Rules
	if r.MeanThreshold <= 0 || r.VarianceThreshold <= 0 || r.TrendThreshold <= 0 {
		return fmt.Errorf("rules: thresholds must be positive")
	}
	if r.Debounce < 1 {
		return fmt.Errorf("rules.debounce must be at least 1")
	}
	for kind, steps := range r.Severity {
		switch kind {
		case "mean_shift", "variance_increase", "trend":
		default:
			return fmt.Errorf("rules.severity: unknown kind %q", kind)
		}
		if err := validateSteps(steps); err != nil {
			return fmt.Errorf("rules.severity[%s]: %w", kind, err)
		}
	}

	a := cfg.Anomaly
	if a.Contamination <= 0 || a.Contamination >= 0.5 {
		return fmt.Errorf("anomaly.contamination must be in (0, 0.5)")
	}
	if a.MinFitSamples < 2 {
		return fmt.Errorf("anomaly.min_fit_samples must be at least 2")
	}
	if a.Trees < 1 || a.SampleSize < 2 {
		return fmt.Errorf("anomaly: trees must be positive and sample_size at least 2")
	}

	if cfg.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be positive")
	}

	for i, wh := range cfg.Notify.Webhooks {
		switch wh.Type {
		case "teams", "slack", "http":
		default:
			return fmt.Errorf("notify.webhooks[%d]: unknown type %q", i, wh.Type)
		}
		if wh.URLEnv == "" {
			return fmt.Errorf("notify.webhooks[%d]: url_env is required", i)
		}
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", cfg.Log.Level)
	}
	return nil
}

// validateSteps requires strictly increasing positive breakpoints with a
// known level each.
func validateSteps(steps []SeverityStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("empty table")
	}
	prev := 0.0
	for i, s := range steps {
		if s.At <= prev {
			return fmt.Errorf("step %d: breakpoint %.3g must be greater than %.3g", i, s.At, prev)
		}
		prev = s.At
		switch s.Level {
		case "low", "medium", "high":
		default:
			return fmt.Errorf("step %d: unknown level %q", i, s.Level)
		}
	}
	return nil
}
