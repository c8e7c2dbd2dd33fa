// Package rules turns indicator records into debounced, severity-graded
// alerts. Each indicator kind is thresholded independently per
// (unit, sensor); an alert is stamped on every cycle once the exceedance
// has held for Debounce consecutive cycles.
package rules
