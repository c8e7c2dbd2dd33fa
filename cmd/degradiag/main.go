package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/obsidianstack/degradiag/internal/anomaly"
	"github.com/obsidianstack/degradiag/internal/config"
	"github.com/obsidianstack/degradiag/internal/fleet"
	"github.com/obsidianstack/degradiag/internal/indicator"
	"github.com/obsidianstack/degradiag/internal/metrics"
	"github.com/obsidianstack/degradiag/internal/notify"
	"github.com/obsidianstack/degradiag/internal/pipeline"
	"github.com/obsidianstack/degradiag/internal/store"
)

func main() {
	configPath := flag.String("config", "degradiag.yaml", "path to config file")
	watch := flag.Bool("watch", false, "re-run whenever the config file changes")
	flag.Parse()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("degradiag starting", "config", *configPath, "watch", *watch)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	setLevel(level, cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("run failed", "err", err)
		if !*watch {
			os.Exit(1)
		}
	}
	if !*watch {
		return
	}

	// Reloads are queued so runs never overlap; only the latest config is kept.
	reload := make(chan *config.Config, 1)
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			select {
			case <-reload:
			default:
			}
			reload <- updated
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
			cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("degradiag shutting down")
			return
		case updated := <-reload:
			setLevel(level, updated.Log.Level)
			if err := run(ctx, updated); err != nil {
				slog.Error("run failed", "err", err)
			}
		}
	}
}

func setLevel(v *slog.LevelVar, name string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		l = slog.LevelInfo
	}
	v.Set(l)
}

// run performs one complete batch: load, analyze, write outputs, notify.
func run(ctx context.Context, cfg *config.Config) error {
	units, err := fleet.Load(cfg.Input, cfg.Sensors)
	if err != nil {
		return err
	}
	slog.Info("fleet loaded", "path", cfg.Input.Path, "units", len(units))

	opts := pipeline.OptionsFromConfig(cfg)
	if cfg.Anomaly.Enabled && cfg.Anomaly.ModelPath != "" {
		model, err := anomaly.LoadFile(cfg.Anomaly.ModelPath)
		if err != nil {
			return fmt.Errorf("load model: %w", err)
		}
		slog.Info("anomaly model loaded", "path", cfg.Anomaly.ModelPath, "features", model.Features())
		opts.Model = model
	}

	m := metrics.New()
	res, err := pipeline.Run(ctx, units, opts, m)
	if err != nil {
		return err
	}

	if res.Model != nil && cfg.Anomaly.SaveModelPath != "" && opts.Model == nil {
		if err := res.Model.SaveFile(cfg.Anomaly.SaveModelPath); err != nil {
			return fmt.Errorf("save model: %w", err)
		}
		slog.Info("anomaly model saved", "path", cfg.Anomaly.SaveModelPath)
	}

	sums := indicator.Summarize(res.LifeUnits(), cfg.Sensors, indicator.DefaultSummaryParams())
	if err := store.WriteDir(cfg.Output.Dir, res, sums); err != nil {
		return err
	}

	if cfg.Output.SQLite != "" {
		if err := saveSQLite(ctx, cfg.Output.SQLite, res); err != nil {
			return err
		}
	}
	if cfg.Output.MetricsTextfile != "" {
		if err := m.WriteTextfile(cfg.Output.MetricsTextfile); err != nil {
			return fmt.Errorf("metrics textfile: %w", err)
		}
	}

	if len(cfg.Notify.Webhooks) > 0 {
		digests := notify.Digests(res)
		if failed := notify.New(cfg.Notify).Deliver(ctx, digests); failed > 0 {
			slog.Warn("some notifications failed", "failed", failed, "digests", len(digests))
		}
	}

	logSummary(res, m)
	return nil
}

func saveSQLite(ctx context.Context, path string, res *pipeline.Result) (err error) {
	db, err := store.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, db.Close()) }()
	return db.Save(ctx, res)
}

// logSummary logs the run's counters, one attribute per tier and per family.
func logSummary(res *pipeline.Result, m *metrics.Metrics) {
	attrs := []any{"run", res.RunID, "rule_only", res.Model == nil}
	tiers, err := m.LabelValues("degradiag_verdicts_total", "tier")
	if err != nil {
		slog.Warn("could not read run metrics", "err", err)
		return
	}
	for _, t := range metrics.SortedKeys(tiers) {
		attrs = append(attrs, t, tiers[t])
	}
	totals, err := m.Totals()
	if err != nil {
		slog.Warn("could not read run metrics", "err", err)
		return
	}
	for _, name := range metrics.SortedKeys(totals) {
		attrs = append(attrs, name, totals[name])
	}
	slog.Info("run complete", attrs...)
}
