// Package indicator computes the three baseline-normalized degradation
// indicators for every (unit, sensor, cycle):
//
//   - mean_shift_z: trailing-window mean minus Mean0, in units of Std0
//   - variance_ratio: trailing-window sample variance over Std0², with the
//     window variance floored to Epsilon² so a flat signal reads 1.0
//   - trend_slope_z: least-squares slope of value against life fraction over
//     the trend window, times the window's life-fraction span, over Std0
//
// Windows include the current cycle and never reach before the first cycle
// of the unit. An indicator whose window is not yet full is left unready;
// cycles where no indicator is ready produce no record.
//
// summary.go provides the fleet-level late-vs-early degradation summary used
// to compare sensors.
package indicator
