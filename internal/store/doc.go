// Package store writes run results: deterministic CSV tables in the output
// directory and an optional SQLite database that accumulates runs.
//
// CSV output is a pure function of the run result. Rows are ordered by unit
// input order then cycle, and floats use the shortest representation that
// round-trips, so re-running on the same input gives byte-identical files.
//
// The CLI only writes. SQLite also exposes Runs, Verdicts and AlertCount so
// dashboards and reports can read past runs without knowing the schema.
package store
