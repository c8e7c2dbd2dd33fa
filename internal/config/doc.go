// Package config loads and watches the engine configuration file.
//
// Config enumerates every setting: the sensor list, the input table, the
// baseline window (cycles or fraction, min_cycles, epsilon), rolling and
// trend windows, rule thresholds with debounce and severity breakpoint
// tables, the anomaly model (contamination, min_fit_samples, trees,
// sample_size, seed, model paths), outputs, webhooks, log level and worker
// count.
//
// Load(path) reads the YAML file, applies defaults for the optional fields,
// decodes with unknown keys rejected, requires every engine parameter
// (baseline window, rolling windows, thresholds, debounce, contamination,
// min_fit_samples), then validates ranges and enums once.
//
// Watch(ctx, path, onChange) uses fsnotify to detect saves and calls onChange
// with the newly parsed Config, coalescing editor event bursts.
package config
