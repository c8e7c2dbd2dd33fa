// Package types defines the data model shared by every stage of the
// diagnostic engine: per-unit sensor series, baselines, indicator records,
// alerts, anomaly scores and fused verdicts.
//
// Derived records are values. No stage mutates a record produced by an
// earlier stage; each stage returns new, index-aligned slices.
package types
