// Package fusion combines rule evidence and the anomaly flag into a tier.
//
// The mapping is pure and stateless per (unit, cycle):
//
//	alert  anomaly  tier
//	yes    yes      High Confidence
//	yes    no       Monitor
//	no     yes      Investigate
//	no     no       Normal
//
// When the anomaly stage is unavailable only the rule column applies, giving
// Monitor or Normal. Stabilisation belongs to rule debounce and the scorer
// threshold; nothing is smoothed here.
package fusion

import (
	"github.com/obsidianstack/degradiag/pkg/types"
)

// table is indexed by [alert][anomaly].
var table = [2][2]types.Tier{
	{types.TierNormal, types.TierInvestigate},
	{types.TierMonitor, types.TierHighConfidence},
}

func index(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Tier returns the verdict for the presence of an alert and the anomaly flag.
func Tier(alert, anomaly bool) types.Tier {
	return table[index(alert)][index(anomaly)]
}

// RuleOnly returns the verdict when no anomaly score is available.
func RuleOnly(alert bool) types.Tier {
	return Tier(alert, false)
}

// Fuse produces one FusionResult per cycle of cycles. alerted holds the
// cycles with at least one alert. scores is either nil, meaning the anomaly
// stage is unavailable, or index-aligned with cycles.
func Fuse(unitID string, cycles []int, alerted map[int]bool, scores []types.AnomalyScore) []types.FusionResult {
	out := make([]types.FusionResult, len(cycles))
	for i, c := range cycles {
		tier := RuleOnly(alerted[c])
		if scores != nil {
			tier = Tier(alerted[c], scores[i].IsAnomaly)
		}
		out[i] = types.FusionResult{UnitID: unitID, Cycle: c, Tier: tier}
	}
	return out
}
