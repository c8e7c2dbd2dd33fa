package anomaly

import (
	"fmt"

	"github.com/obsidianstack/degradiag/pkg/types"
)

// Vectors returns, for the first n cycles of s (all cycles when n < 0), the
// vector of baseline-normalized values ordered by features. Every feature
// needs a baseline; a missing one is a feature mismatch.
func Vectors(s *types.Series, baselines map[string]types.Baseline, features []string, n int) ([][]float64, error) {
	if n < 0 || n > s.Len() {
		n = s.Len()
	}
	cols := make([][]float64, len(features))
	bs := make([]types.Baseline, len(features))
	for j, f := range features {
		b, ok := baselines[f]
		if !ok {
			return nil, fmt.Errorf("anomaly: unit %s has no baseline for %q: %w", s.UnitID, f, ErrFeatureMismatch)
		}
		values, ok := s.Values[f]
		if !ok || len(values) < n {
			return nil, fmt.Errorf("anomaly: unit %s has no values for %q: %w", s.UnitID, f, ErrFeatureMismatch)
		}
		cols[j], bs[j] = values, b
	}

	out := make([][]float64, n)
	for i := range out {
		row := make([]float64, len(features))
		for j := range features {
			row[j] = bs[j].Normalize(cols[j][i])
		}
		out[i] = row
	}
	return out, nil
}

// ScoreSeries scores every cycle of s against m.
func ScoreSeries(m *Model, s *types.Series, baselines map[string]types.Baseline) ([]types.AnomalyScore, error) {
	rows, err := Vectors(s, baselines, m.features, -1)
	if err != nil {
		return nil, err
	}
	out := make([]types.AnomalyScore, len(rows))
	for i, r := range rows {
		score, anomalous, err := m.Score(r)
		if err != nil {
			return nil, err
		}
		out[i] = types.AnomalyScore{UnitID: s.UnitID, Cycle: s.Cycles[i], Score: score, IsAnomaly: anomalous}
	}
	return out, nil
}
