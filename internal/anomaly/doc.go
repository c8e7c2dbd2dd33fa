// Package anomaly implements the fleet-trained multivariate anomaly scorer.
//
// Fit pools baseline-normalized sensor vectors from every unit's early-life
// window and grows an isolation forest over them. The decision threshold is
// the (1 - contamination) quantile of the training scores, so roughly a
// contamination fraction of healthy points score as anomalous.
//
// The fitted Model is immutable. Score and ScoreSeries only read it and may be
// called from any number of goroutines. A Model can be written to and read
// from a snappy-compressed snapshot (snapshot.go).
package anomaly
