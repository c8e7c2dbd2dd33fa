// Package fleet reads the cleaned fleet table and groups it into per-unit
// series. It checks the input contract (contiguous increasing cycles, no
// missing in-scope values) and rejects the table otherwise.
package fleet

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/obsidianstack/degradiag/internal/config"
	"github.com/obsidianstack/degradiag/pkg/types"
)

// cmapssColumns is the fixed layout of the whitespace-separated
// run-to-failure files: unit, cycle, three operating settings, 21 sensors.
var cmapssColumns = func() []string {
	cols := []string{"unit_id", "cycle", "op_setting_1", "op_setting_2", "op_setting_3"}
	for i := 1; i <= 21; i++ {
		cols = append(cols, "sensor_"+strconv.Itoa(i))
	}
	return cols
}()

// Load reads the table described by cfg, keeping only sensors.
func Load(cfg config.InputConfig, sensors []string) ([]*types.Series, error) {
	f, err := os.Open(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("fleet: open input: %w", err)
	}
	defer f.Close()

	var units []*types.Series
	switch cfg.Format {
	case "cmapss":
		units, err = ReadCMAPSS(f, sensors)
	default:
		units, err = ReadCSV(f, cfg.UnitColumn, cfg.CycleColumn, sensors)
	}
	if err != nil {
		return nil, err
	}

	inService := make(map[string]bool, len(cfg.InService))
	for _, u := range cfg.InService {
		inService[u] = true
	}
	for _, u := range units {
		u.InService = inService[u.UnitID]
		u.ExpectedLife = cfg.ExpectedLife[u.UnitID]
	}
	return units, nil
}

// ReadCSV parses a headed csv table keyed by unitCol and cycleCol.
func ReadCSV(r io.Reader, unitCol, cycleCol string, sensors []string) ([]*types.Series, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("fleet: read header: %w", err)
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = strings.TrimSpace(h)
	}

	b, err := newBuilder(cols, unitCol, cycleCol, sensors)
	if err != nil {
		return nil, err
	}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("fleet: line %d: %w", line, err)
		}
		if err := b.add(line, rec); err != nil {
			return nil, err
		}
	}
	return b.finish()
}

// ReadCMAPSS parses the whitespace-separated run-to-failure format.
func ReadCMAPSS(r io.Reader, sensors []string) ([]*types.Series, error) {
	b, err := newBuilder(cmapssColumns, "unit_id", "cycle", sensors)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != len(cmapssColumns) {
			return nil, fmt.Errorf("fleet: line %d: %d fields, want %d", line, len(fields), len(cmapssColumns))
		}
		if err := b.add(line, fields); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("fleet: scan: %w", err)
	}
	return b.finish()
}

// builder accumulates rows into series in order of first appearance.
type builder struct {
	unitIdx, cycleIdx int
	sensors           []string
	sensorIdx         []int

	units []*types.Series
	byID  map[string]*types.Series
}

func newBuilder(cols []string, unitCol, cycleCol string, sensors []string) (*builder, error) {
	pos := make(map[string]int, len(cols))
	for i, c := range cols {
		pos[c] = i
	}
	b := &builder{sensors: sensors, byID: make(map[string]*types.Series)}

	var ok bool
	if b.unitIdx, ok = pos[unitCol]; !ok {
		return nil, fmt.Errorf("fleet: unit column %q not found", unitCol)
	}
	if b.cycleIdx, ok = pos[cycleCol]; !ok {
		return nil, fmt.Errorf("fleet: cycle column %q not found", cycleCol)
	}
	for _, s := range sensors {
		i, ok := pos[s]
		if !ok {
			return nil, fmt.Errorf("fleet: sensor column %q not found", s)
		}
		b.sensorIdx = append(b.sensorIdx, i)
	}
	return b, nil
}

func (b *builder) add(line int, rec []string) error {
	if len(rec) <= max(b.unitIdx, b.cycleIdx) {
		return fmt.Errorf("fleet: line %d: short row", line)
	}
	id := strings.TrimSpace(rec[b.unitIdx])
	if id == "" {
		return fmt.Errorf("fleet: line %d: empty unit id", line)
	}
	cycle, err := strconv.Atoi(strings.TrimSpace(rec[b.cycleIdx]))
	if err != nil {
		return fmt.Errorf("fleet: line %d: cycle: %w", line, err)
	}

	s, ok := b.byID[id]
	if !ok {
		s = &types.Series{UnitID: id, Values: make(map[string][]float64, len(b.sensors))}
		b.byID[id] = s
		b.units = append(b.units, s)
	}
	if n := len(s.Cycles); n > 0 && cycle != s.Cycles[n-1]+1 {
		return fmt.Errorf("fleet: line %d: unit %s cycle %d follows %d; cycles must be contiguous and increasing",
			line, id, cycle, s.Cycles[n-1])
	}
	s.Cycles = append(s.Cycles, cycle)

	for j, sensor := range b.sensors {
		i := b.sensorIdx[j]
		if i >= len(rec) {
			return fmt.Errorf("fleet: line %d: missing %s", line, sensor)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
		if err != nil {
			return fmt.Errorf("fleet: line %d: %s: %w", line, sensor, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("fleet: line %d: %s is not finite", line, sensor)
		}
		s.Values[sensor] = append(s.Values[sensor], v)
	}
	return nil
}

func (b *builder) finish() ([]*types.Series, error) {
	if len(b.units) == 0 {
		return nil, fmt.Errorf("fleet: no rows")
	}
	return b.units, nil
}
