// Package pipeline runs the diagnostic engine over a fleet.
//
// Stage 1 runs per unit on a worker pool: baselines, life fractions,
// indicators, rules, and extraction of the unit's early-life feature rows.
// Units share no mutable state, so workers need no locking; each writes only
// its own slot of the result slice.
//
// The anomaly fit is the single barrier: it waits for every unit's healthy
// rows, then fits once. Feature sets are checked for every unit before any
// scoring starts. Stage 2 scores and fuses per unit on the same pool with the
// model shared read-only.
//
// Failure policy: a unit or sensor that cannot be processed becomes a Skip and
// the batch continues. A failed fit disables the anomaly stage only and every
// tier falls back to rule-only. A feature mismatch aborts the run.
package pipeline
