package rules

import (
	"github.com/obsidianstack/degradiag/internal/config"
	"github.com/obsidianstack/degradiag/pkg/types"
)

// Step assigns Severity to magnitudes of at least At times the threshold.
type Step struct {
	At       float64
	Severity types.Severity
}

// Table is an ordered list of steps with increasing At.
type Table []Step

// Lookup returns the severity of the highest step whose breakpoint ratio
// reaches. A ratio below every breakpoint gets the first step's severity.
func (t Table) Lookup(ratio float64) types.Severity {
	if len(t) == 0 {
		return types.SeverityLow
	}
	sev := t[0].Severity
	for _, s := range t {
		if ratio < s.At {
			break
		}
		sev = s.Severity
	}
	return sev
}

// tableFromConfig converts validated config steps into a Table.
func tableFromConfig(steps []config.SeverityStep) Table {
	t := make(Table, len(steps))
	for i, s := range steps {
		t[i] = Step{At: s.At, Severity: types.Severity(s.Level)}
	}
	return t
}
