package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/obsidianstack/degradiag/internal/indicator"
	"github.com/obsidianstack/degradiag/internal/pipeline"
	"github.com/obsidianstack/degradiag/pkg/types"
)

// File names written by WriteDir.
const (
	VerdictsFile = "verdicts.csv"
	AlertsFile   = "alerts.csv"
	SkipsFile    = "skips.csv"
	SummaryFile  = "summary.csv"
)

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// VerdictHeader returns the verdicts.csv header for sensors.
func VerdictHeader(sensors []string) []string {
	h := []string{"unit_id", "cycle", "life_fraction"}
	for _, s := range sensors {
		h = append(h, s+"_mean_shift_z", s+"_variance_ratio", s+"_trend_slope_z")
	}
	return append(h, "alerts", "anomaly_score", "is_anomaly", "tier")
}

// WriteVerdicts writes one row per (unit, cycle) with a verdict. Indicator
// cells are empty until their window is ready; score cells are empty when the
// anomaly stage did not run.
func WriteVerdicts(w io.Writer, res *pipeline.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(VerdictHeader(res.Sensors)); err != nil {
		return err
	}
	for _, u := range res.Units {
		byCycle := make(map[string]map[int]types.IndicatorRecord, len(u.Indicators))
		for sensor, recs := range u.Indicators {
			m := make(map[int]types.IndicatorRecord, len(recs))
			for _, r := range recs {
				m[r.Cycle] = r
			}
			byCycle[sensor] = m
		}
		alerts := make(map[int][]string)
		for _, a := range u.Alerts {
			alerts[a.Cycle] = append(alerts[a.Cycle], a.String())
		}

		row := make([]string, 0, 7+3*len(res.Sensors))
		for i, v := range u.Verdicts {
			row = append(row[:0], u.UnitID, strconv.Itoa(v.Cycle), "")
			if u.LifeFractions != nil {
				row[2] = formatFloat(u.LifeFractions[i])
			}
			for _, sensor := range res.Sensors {
				rec, ok := byCycle[sensor][v.Cycle]
				mean, variance, trend := "", "", ""
				if ok && rec.WindowReady {
					mean, variance = formatFloat(rec.MeanShiftZ), formatFloat(rec.VarianceRatio)
				}
				if ok && rec.TrendReady {
					trend = formatFloat(rec.TrendSlopeZ)
				}
				row = append(row, mean, variance, trend)
			}
			row = append(row, strings.Join(alerts[v.Cycle], ";"))
			if u.Scores != nil {
				s := u.Scores[i]
				row = append(row, formatFloat(s.Score), strconv.FormatBool(s.IsAnomaly))
			} else {
				row = append(row, "", "")
			}
			row = append(row, string(v.Tier))
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteAlerts writes one row per raised alert.
func WriteAlerts(w io.Writer, res *pipeline.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"unit_id", "sensor", "cycle", "kind", "severity", "value", "threshold"}); err != nil {
		return err
	}
	for _, u := range res.Units {
		for _, a := range u.Alerts {
			err := cw.Write([]string{
				a.UnitID, a.Sensor, strconv.Itoa(a.Cycle), string(a.Kind), string(a.Severity),
				formatFloat(a.Value), formatFloat(a.Threshold),
			})
			if err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSkips writes one row per skipped unit, sensor or stage.
func WriteSkips(w io.Writer, res *pipeline.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"unit_id", "sensor", "stage", "error"}); err != nil {
		return err
	}
	for _, sk := range res.Skips() {
		if err := cw.Write([]string{sk.UnitID, sk.Sensor, sk.Stage, sk.Err.Error()}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSummary writes the fleet degradation summary, one row per sensor.
// Quantities that could not be computed are left empty.
func WriteSummary(w io.Writer, sums []indicator.SensorSummary) error {
	cw := csv.NewWriter(w)
	err := cw.Write([]string{
		"sensor", "score", "mean_shift", "mean_shift_std", "abs_mean_shift_std",
		"variance_ratio", "log_variance_ratio", "slope", "slope_std", "abs_slope_std",
		"baseline_std", "units_shift", "units_slope",
	})
	if err != nil {
		return err
	}
	for _, s := range sums {
		err := cw.Write([]string{
			s.Sensor, formatFloat(s.Score),
			formatFloat(s.MeanShift), formatFloat(s.MeanShiftStd), formatFloat(s.AbsMeanShiftStd),
			formatFloat(s.VarianceRatio), formatFloat(s.LogVarianceRatio),
			formatFloat(s.Slope), formatFloat(s.SlopeStd), formatFloat(s.AbsSlopeStd),
			formatFloat(s.BaselineStd), strconv.Itoa(s.UnitsShift), strconv.Itoa(s.UnitsSlope),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteDir writes every CSV table into dir, creating it if needed. Each file
// is written to a temporary name and renamed so readers never see a partial
// table.
func WriteDir(dir string, res *pipeline.Result, sums []indicator.SensorSummary) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create output dir: %w", err)
	}
	files := []struct {
		name  string
		write func(io.Writer) error
	}{
		{VerdictsFile, func(w io.Writer) error { return WriteVerdicts(w, res) }},
		{AlertsFile, func(w io.Writer) error { return WriteAlerts(w, res) }},
		{SkipsFile, func(w io.Writer) error { return WriteSkips(w, res) }},
		{SummaryFile, func(w io.Writer) error { return WriteSummary(w, sums) }},
	}
	for _, f := range files {
		if err := writeAtomic(filepath.Join(dir, f.name), f.write); err != nil {
			return fmt.Errorf("store: %s: %w", f.name, err)
		}
	}
	return nil
}

func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
