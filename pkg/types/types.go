package types

import "fmt"

// Series is one unit's run, ordered by cycle. Values holds one slice per
// sensor, index-aligned with Cycles.
type Series struct {
	UnitID string
	Cycles []int
	Values map[string][]float64

	// InService marks a unit whose record does not end in failure, so its
	// observed length is not its life.
	InService bool

	// ExpectedLife, when positive, replaces the observed length as the
	// life denominator.
	ExpectedLife int
}

// Len returns the number of cycles in the series.
func (s *Series) Len() int { return len(s.Cycles) }

// ObservedLife is the last recorded cycle, or 0 for an empty series.
func (s *Series) ObservedLife() int {
	if len(s.Cycles) == 0 {
		return 0
	}
	return s.Cycles[len(s.Cycles)-1]
}

// Baseline is the healthy reference for one (unit, sensor).
type Baseline struct {
	UnitID string
	Sensor string
	Mean0  float64
	Std0   float64
	Cycles int // number of early-life cycles used
}

// Normalize expresses v in baseline standard deviations from Mean0.
func (b Baseline) Normalize(v float64) float64 {
	return (v - b.Mean0) / b.Std0
}

// IndicatorRecord holds the three baseline-normalized indicators for one
// (unit, sensor, cycle). WindowReady covers MeanShiftZ and VarianceRatio;
// TrendReady covers TrendSlopeZ. Unready fields are zero and must not be read.
type IndicatorRecord struct {
	UnitID string
	Sensor string
	Cycle  int

	// LifeFraction is valid only when HasLife is true.
	LifeFraction float64
	HasLife      bool

	MeanShiftZ    float64
	VarianceRatio float64
	WindowReady   bool

	TrendSlopeZ float64
	TrendReady  bool
}

// AlertKind names the indicator an alert was raised on.
type AlertKind string

const (
	KindMeanShift        AlertKind = "mean_shift"
	KindVarianceIncrease AlertKind = "variance_increase"
	KindTrend            AlertKind = "trend"
)

// AlertKinds lists every kind in evaluation order.
var AlertKinds = []AlertKind{KindMeanShift, KindVarianceIncrease, KindTrend}

// Severity grades an alert by magnitude relative to its threshold.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert is a debounced threshold exceedance, stamped with the cycle it holds for.
type Alert struct {
	UnitID    string
	Sensor    string
	Cycle     int
	Kind      AlertKind
	Severity  Severity
	Value     float64
	Threshold float64
}

// String renders the alert as "sensor:kind:severity", the form used in
// output tables.
func (a Alert) String() string {
	return fmt.Sprintf("%s:%s:%s", a.Sensor, a.Kind, a.Severity)
}

// AnomalyScore is the multivariate score for one (unit, cycle).
type AnomalyScore struct {
	UnitID    string
	Cycle     int
	Score     float64
	IsAnomaly bool
}

// Tier is the fused diagnostic verdict.
type Tier string

const (
	TierHighConfidence Tier = "High Confidence"
	TierMonitor        Tier = "Monitor"
	TierInvestigate    Tier = "Investigate"
	TierNormal         Tier = "Normal"
)

// Tiers lists every tier from most to least severe.
var Tiers = []Tier{TierHighConfidence, TierMonitor, TierInvestigate, TierNormal}

// FusionResult is the verdict for one (unit, cycle).
type FusionResult struct {
	UnitID string
	Cycle  int
	Tier   Tier
}

// Skip reports a unit or (unit, sensor) excluded from a stage, with its cause.
// Sensor is empty when the whole unit is affected.
type Skip struct {
	UnitID string
	Sensor string
	Stage  string
	Err    error
}

func (s Skip) String() string {
	if s.Sensor == "" {
		return fmt.Sprintf("%s [%s]: %v", s.UnitID, s.Stage, s.Err)
	}
	return fmt.Sprintf("%s/%s [%s]: %v", s.UnitID, s.Sensor, s.Stage, s.Err)
}
