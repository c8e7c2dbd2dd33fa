package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/obsidianstack/degradiag/internal/config"
	"github.com/obsidianstack/degradiag/internal/store"
)

// writeFleet writes a csv fleet of 8 run-to-failure units whose s1 drifts up
// over the last third of life.
func writeFleet(t *testing.T, path string) {
	t.Helper()
	rng := rand.New(rand.NewPCG(3, 4))
	var b strings.Builder
	b.WriteString("unit_id,cycle,s1,s2\n")
	for u := 1; u <= 8; u++ {
		n := 120 + 5*u
		for c := 1; c <= n; c++ {
			drift := 0.0
			if c > 2*n/3 {
				drift = 0.2 * float64(c-2*n/3)
			}
			fmt.Fprintf(&b, "U%d,%d,%.4f,%.4f\n", u, c, 100+rng.NormFloat64()+drift, 50+2*rng.NormFloat64())
		}
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testConfig(t *testing.T, dir, extra string) *config.Config {
	t.Helper()
	yaml := fmt.Sprintf(`
sensors: [s1, s2]
input:
  path: %s
output:
  dir: %s
  sqlite: %s
  metrics_textfile: %s
baseline:
  cycles: 30
  min_cycles: 10
indicators:
  window: 10
  trend_window: 20
rules:
  mean_threshold: 3
  variance_threshold: 4
  trend_threshold: 3
  debounce: 3
anomaly:
  contamination: 0.05
  min_fit_samples: 100
  trees: 50
  sample_size: 128
%s`,
		filepath.Join(dir, "fleet.csv"), filepath.Join(dir, "out"),
		filepath.Join(dir, "runs.db"), filepath.Join(dir, "degradiag.prom"), extra)
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func TestRun_WritesEveryOutput(t *testing.T) {
	dir := t.TempDir()
	writeFleet(t, filepath.Join(dir, "fleet.csv"))
	cfg := testConfig(t, dir, "  save_model_path: "+filepath.Join(dir, "model.snappy")+"\n")

	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, name := range []string{store.VerdictsFile, store.AlertsFile, store.SkipsFile, store.SummaryFile} {
		if _, err := os.Stat(filepath.Join(dir, "out", name)); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	for _, name := range []string{"runs.db", "degradiag.prom", "model.snappy"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}

	prom, err := os.ReadFile(filepath.Join(dir, "degradiag.prom"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(prom), "degradiag_units_processed_total 8") {
		t.Errorf("metrics textfile:\n%s", prom)
	}

	summary, err := os.ReadFile(filepath.Join(dir, "out", store.SummaryFile))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(string(summary), "\n")
	if len(lines) < 2 || !strings.HasPrefix(lines[1], "s1,") {
		t.Errorf("drifting sensor should rank first:\n%s", summary)
	}
}

func TestRun_ReusesSavedModel(t *testing.T) {
	dir := t.TempDir()
	writeFleet(t, filepath.Join(dir, "fleet.csv"))
	model := filepath.Join(dir, "model.snappy")

	if err := run(context.Background(), testConfig(t, dir, "  save_model_path: "+model+"\n")); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, err := os.ReadFile(filepath.Join(dir, "out", store.VerdictsFile))
	if err != nil {
		t.Fatal(err)
	}

	if err := run(context.Background(), testConfig(t, dir, "  model_path: "+model+"\n")); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, err := os.ReadFile(filepath.Join(dir, "out", store.VerdictsFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("verdicts differ between fitted and reloaded model")
	}
}

func TestRun_MissingInput(t *testing.T) {
	dir := t.TempDir()
	if err := run(context.Background(), testConfig(t, dir, "")); err == nil {
		t.Error("expected error for missing input file")
	}
}
