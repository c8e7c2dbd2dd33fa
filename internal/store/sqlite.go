package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Pure Go SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/obsidianstack/degradiag/internal/pipeline"
	"github.com/obsidianstack/degradiag/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	finished_at     INTEGER NOT NULL,
	sensors         TEXT NOT NULL,
	units           INTEGER NOT NULL,
	model_available INTEGER NOT NULL,
	threshold       REAL
);
CREATE TABLE IF NOT EXISTS verdicts (
	run_id        TEXT NOT NULL,
	unit_id       TEXT NOT NULL,
	cycle         INTEGER NOT NULL,
	life_fraction REAL,
	anomaly_score REAL,
	is_anomaly    INTEGER,
	tier          TEXT NOT NULL,
	PRIMARY KEY (run_id, unit_id, cycle)
);
CREATE TABLE IF NOT EXISTS alerts (
	run_id    TEXT NOT NULL,
	unit_id   TEXT NOT NULL,
	sensor    TEXT NOT NULL,
	cycle     INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	severity  TEXT NOT NULL,
	value     REAL NOT NULL,
	threshold REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS skips (
	run_id  TEXT NOT NULL,
	unit_id TEXT NOT NULL,
	sensor  TEXT NOT NULL,
	stage   TEXT NOT NULL,
	error   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_run_unit ON alerts(run_id, unit_id, cycle);
`

// SQLite persists runs into a SQLite database. Every run is stored under its
// run ID, so one database accumulates the history of repeated runs.
type SQLite struct {
	db  *sql.DB
	now func() time.Time // injectable for deterministic tests
}

// OpenSQLite opens or creates the database at path and ensures the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// One writer; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// Save writes res in a single transaction. Saving the same run ID again
// replaces the earlier rows.
func (s *SQLite) Save(ctx context.Context, res *pipeline.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"verdicts", "alerts", "skips", "runs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", res.RunID); err != nil {
			return fmt.Errorf("store: clear %s: %w", table, err)
		}
	}

	var threshold any
	if res.Model != nil {
		threshold = res.Model.Threshold()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, finished_at, sensors, units, model_available, threshold) VALUES (?, ?, ?, ?, ?, ?)`,
		res.RunID, s.now().Unix(), strings.Join(res.Sensors, ","), len(res.Units), res.Model != nil, threshold)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}

	verdict, err := tx.PrepareContext(ctx,
		`INSERT INTO verdicts (run_id, unit_id, cycle, life_fraction, anomaly_score, is_anomaly, tier) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare verdicts: %w", err)
	}
	defer verdict.Close()
	alert, err := tx.PrepareContext(ctx,
		`INSERT INTO alerts (run_id, unit_id, sensor, cycle, kind, severity, value, threshold) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare alerts: %w", err)
	}
	defer alert.Close()

	for _, u := range res.Units {
		for i, v := range u.Verdicts {
			var lf, score, flag any
			if u.LifeFractions != nil {
				lf = u.LifeFractions[i]
			}
			if u.Scores != nil {
				score, flag = u.Scores[i].Score, u.Scores[i].IsAnomaly
			}
			if _, err := verdict.ExecContext(ctx, res.RunID, u.UnitID, v.Cycle, lf, score, flag, string(v.Tier)); err != nil {
				return fmt.Errorf("store: insert verdict %s/%d: %w", u.UnitID, v.Cycle, err)
			}
		}
		for _, a := range u.Alerts {
			_, err := alert.ExecContext(ctx, res.RunID, a.UnitID, a.Sensor, a.Cycle,
				string(a.Kind), string(a.Severity), a.Value, a.Threshold)
			if err != nil {
				return fmt.Errorf("store: insert alert %s/%d: %w", a.UnitID, a.Cycle, err)
			}
		}
		for _, sk := range u.Skips {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO skips (run_id, unit_id, sensor, stage, error) VALUES (?, ?, ?, ?, ?)`,
				res.RunID, sk.UnitID, sk.Sensor, sk.Stage, sk.Err.Error())
			if err != nil {
				return fmt.Errorf("store: insert skip: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// RunInfo is one row of the runs table.
type RunInfo struct {
	RunID          string
	FinishedAt     time.Time
	Sensors        []string
	Units          int
	ModelAvailable bool
}

// Runs lists stored runs, most recent first. Runs, Verdicts and AlertCount
// are the read side for reporting tools that consume the database.
func (s *SQLite) Runs(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, finished_at, sensors, units, model_available FROM runs ORDER BY finished_at DESC, run_id`)
	if err != nil {
		return nil, fmt.Errorf("store: query runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var (
			r       RunInfo
			ts      int64
			sensors string
		)
		if err := rows.Scan(&r.RunID, &ts, &sensors, &r.Units, &r.ModelAvailable); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		r.FinishedAt = time.Unix(ts, 0)
		if sensors != "" {
			r.Sensors = strings.Split(sensors, ",")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Verdicts returns the verdicts of one unit in a run, ordered by cycle.
func (s *SQLite) Verdicts(ctx context.Context, runID, unitID string) ([]types.FusionResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cycle, tier FROM verdicts WHERE run_id = ? AND unit_id = ? ORDER BY cycle`, runID, unitID)
	if err != nil {
		return nil, fmt.Errorf("store: query verdicts: %w", err)
	}
	defer rows.Close()

	var out []types.FusionResult
	for rows.Next() {
		v := types.FusionResult{UnitID: unitID}
		var tier string
		if err := rows.Scan(&v.Cycle, &tier); err != nil {
			return nil, fmt.Errorf("store: scan verdict: %w", err)
		}
		v.Tier = types.Tier(tier)
		out = append(out, v)
	}
	return out, rows.Err()
}

// AlertCount returns the number of alerts stored for a run.
func (s *SQLite) AlertCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count alerts: %w", err)
	}
	return n, nil
}
