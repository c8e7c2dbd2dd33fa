package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/obsidianstack/degradiag/internal/anomaly"
	"github.com/obsidianstack/degradiag/internal/baseline"
	"github.com/obsidianstack/degradiag/internal/config"
	"github.com/obsidianstack/degradiag/internal/indicator"
	"github.com/obsidianstack/degradiag/internal/pipeline"
	"github.com/obsidianstack/degradiag/internal/rules"
	"github.com/obsidianstack/degradiag/pkg/types"
)

// fixture is a hand-built two-unit result: unit A with life fractions and
// scores, unit B rule-only and without life.
func fixture() *pipeline.Result {
	a := &pipeline.UnitResult{
		UnitID:        "A",
		Cycles:        []int{1, 2, 3},
		LifeFractions: []float64{1.0 / 3, 2.0 / 3, 1},
		Indicators: map[string][]types.IndicatorRecord{
			"s1": {
				{UnitID: "A", Sensor: "s1", Cycle: 2, MeanShiftZ: 0.5, VarianceRatio: 1, WindowReady: true},
				{UnitID: "A", Sensor: "s1", Cycle: 3, MeanShiftZ: 3.25, VarianceRatio: 2, WindowReady: true, TrendSlopeZ: -1, TrendReady: true},
			},
		},
		Alerts: []types.Alert{
			{UnitID: "A", Sensor: "s1", Cycle: 3, Kind: types.KindMeanShift, Severity: types.SeverityLow, Value: 3.25, Threshold: 3},
		},
		Scores: []types.AnomalyScore{
			{UnitID: "A", Cycle: 1, Score: 0.4},
			{UnitID: "A", Cycle: 2, Score: 0.45},
			{UnitID: "A", Cycle: 3, Score: 0.7, IsAnomaly: true},
		},
		Verdicts: []types.FusionResult{
			{UnitID: "A", Cycle: 1, Tier: types.TierNormal},
			{UnitID: "A", Cycle: 2, Tier: types.TierNormal},
			{UnitID: "A", Cycle: 3, Tier: types.TierHighConfidence},
		},
	}
	b := &pipeline.UnitResult{
		UnitID:     "B",
		Cycles:     []int{1},
		Indicators: map[string][]types.IndicatorRecord{},
		Verdicts:   []types.FusionResult{{UnitID: "B", Cycle: 1, Tier: types.TierNormal}},
		Skips: []types.Skip{
			{UnitID: "B", Stage: pipeline.StageLife, Err: errors.New("life: unit B is in service")},
		},
	}
	return &pipeline.Result{RunID: "run-1", Sensors: []string{"s1"}, Units: []*pipeline.UnitResult{a, b}}
}

func readCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	recs, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	return recs
}

func TestWriteVerdicts(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteVerdicts(&buf, fixture()); err != nil {
		t.Fatal(err)
	}
	got := readCSV(t, buf.Bytes())
	want := [][]string{
		{"unit_id", "cycle", "life_fraction", "s1_mean_shift_z", "s1_variance_ratio", "s1_trend_slope_z", "alerts", "anomaly_score", "is_anomaly", "tier"},
		{"A", "1", "0.3333333333333333", "", "", "", "", "0.4", "false", "Normal"},
		{"A", "2", "0.6666666666666666", "0.5", "1", "", "", "0.45", "false", "Normal"},
		{"A", "3", "1", "3.25", "2", "-1", "s1:mean_shift:low", "0.7", "true", "High Confidence"},
		{"B", "1", "", "", "", "", "", "", "", "Normal"},
	}
	if len(got) != len(want) {
		t.Fatalf("rows: got %d, want %d\n%s", len(got), len(want), buf.String())
	}
	for i := range want {
		if strings.Join(got[i], "|") != strings.Join(want[i], "|") {
			t.Errorf("row %d:\n got %q\nwant %q", i, got[i], want[i])
		}
	}
}

func TestWriteAlertsAndSkips(t *testing.T) {
	var alerts, skips bytes.Buffer
	if err := WriteAlerts(&alerts, fixture()); err != nil {
		t.Fatal(err)
	}
	if err := WriteSkips(&skips, fixture()); err != nil {
		t.Fatal(err)
	}
	a := readCSV(t, alerts.Bytes())
	if len(a) != 2 || strings.Join(a[1], ",") != "A,s1,3,mean_shift,low,3.25,3" {
		t.Errorf("alerts.csv = %q", a)
	}
	s := readCSV(t, skips.Bytes())
	if len(s) != 2 || s[1][0] != "B" || s[1][2] != "life" || s[1][3] != "life: unit B is in service" {
		t.Errorf("skips.csv = %q", s)
	}
}

func TestWriteSummary_NaNIsEmpty(t *testing.T) {
	nan := math.NaN()
	sums := []indicator.SensorSummary{{
		Sensor: "s1", Score: 2.5, MeanShift: 1, MeanShiftStd: 2, AbsMeanShiftStd: 2,
		VarianceRatio: nan, LogVarianceRatio: nan, Slope: nan, SlopeStd: nan, AbsSlopeStd: nan,
		BaselineStd: 0.5, UnitsShift: 4,
	}}
	var buf bytes.Buffer
	if err := WriteSummary(&buf, sums); err != nil {
		t.Fatal(err)
	}
	rows := readCSV(t, buf.Bytes())
	if got := strings.Join(rows[1], ","); got != "s1,2.5,1,2,2,,,,,,0.5,4,0" {
		t.Errorf("summary row = %q", got)
	}
}

func TestWriteDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	if err := WriteDir(dir, fixture(), nil); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if got := strings.Join(names, ","); got != "alerts.csv,skips.csv,summary.csv,verdicts.csv" {
		t.Errorf("files = %s", got)
	}
}

// fleet builds units whose sensor s1 drifts upward in the second half of life.
func fleet(seed uint64) []*types.Series {
	rng := rand.New(rand.NewPCG(seed, seed))
	var out []*types.Series
	for u := 0; u < 6; u++ {
		n := 150 + 10*u
		s := &types.Series{UnitID: string(rune('A' + u)), Cycles: make([]int, n), Values: map[string][]float64{}}
		s1, s2 := make([]float64, n), make([]float64, n)
		for i := 0; i < n; i++ {
			s.Cycles[i] = i + 1
			drift := 0.0
			if i > n/2 {
				drift = 0.1 * float64(i-n/2)
			}
			s1[i] = 640 + rng.NormFloat64() + drift
			s2[i] = 1400 + 3*rng.NormFloat64()
		}
		s.Values["s1"], s.Values["s2"] = s1, s2
		out = append(out, s)
	}
	return out
}

func runOnce(t *testing.T, dir string) {
	t.Helper()
	opts := pipeline.Options{
		Sensors:   []string{"s1", "s2"},
		Baseline:  baseline.Params{Cycles: 40, MinCycles: 10, Epsilon: 1e-6},
		Indicator: indicator.Params{Window: 10, TrendWindow: 20, Epsilon: 1e-6},
		Rules: rules.ParamsFromConfig(config.RulesConfig{
			MeanThreshold: 3, VarianceThreshold: 4, TrendThreshold: 3, Debounce: 3,
		}),
		Anomaly:        anomaly.Params{Contamination: 0.05, MinFitSamples: 100, Trees: 50, SampleSize: 128, Seed: 7},
		AnomalyEnabled: true,
		Workers:        3,
	}
	res, err := pipeline.Run(context.Background(), fleet(11), opts, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sums := indicator.Summarize(res.LifeUnits(), opts.Sensors, indicator.DefaultSummaryParams())
	if err := WriteDir(dir, res, sums); err != nil {
		t.Fatal(err)
	}
}

func TestWriteDir_IdempotentAcrossRuns(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	runOnce(t, a)
	runOnce(t, b)
	for _, name := range []string{VerdictsFile, AlertsFile, SkipsFile, SummaryFile} {
		x, err := os.ReadFile(filepath.Join(a, name))
		if err != nil {
			t.Fatal(err)
		}
		y, err := os.ReadFile(filepath.Join(b, name))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(x, y) {
			t.Errorf("%s differs between identical runs", name)
		}
	}
	alerts, _ := os.ReadFile(filepath.Join(a, AlertsFile))
	if !strings.Contains(string(alerts), "s1,") {
		t.Errorf("drifting sensor raised no alerts:\n%s", alerts)
	}
}

func TestSQLite_SaveAndQuery(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	ctx := context.Background()
	res := fixture()
	if err := db.Save(ctx, res); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Saving the same run again replaces it.
	if err := db.Save(ctx, res); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	runs, err := db.Runs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-1" || runs[0].Units != 2 || runs[0].ModelAvailable {
		t.Errorf("runs = %+v", runs)
	}
	if !runs[0].FinishedAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("finished_at = %v", runs[0].FinishedAt)
	}

	verdicts, err := db.Verdicts(ctx, "run-1", "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(verdicts) != 3 || verdicts[2].Tier != types.TierHighConfidence {
		t.Errorf("verdicts = %+v", verdicts)
	}
	n, err := db.AlertCount(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("alerts = %d, want 1", n)
	}
}
