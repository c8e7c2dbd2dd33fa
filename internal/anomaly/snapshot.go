package anomaly

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"
)

// snapshotVersion guards against loading snapshots from an incompatible layout.
const snapshotVersion = 1

type snapshot struct {
	Version       int      `json:"version"`
	Features      []string `json:"features"`
	Trees         []tree   `json:"trees"`
	Psi           int      `json:"psi"`
	Threshold     float64  `json:"threshold"`
	Contamination float64  `json:"contamination"`
	TrainedOn     int      `json:"trained_on"`
}

// Save writes m as snappy-framed JSON.
func (m *Model) Save(w io.Writer) error {
	sw := snappy.NewBufferedWriter(w)
	err := json.NewEncoder(sw).Encode(snapshot{
		Version:       snapshotVersion,
		Features:      m.features,
		Trees:         m.trees,
		Psi:           m.psi,
		Threshold:     m.threshold,
		Contamination: m.contamination,
		TrainedOn:     m.trainedOn,
	})
	if err != nil {
		return fmt.Errorf("anomaly: encode snapshot: %w", err)
	}
	if err := sw.Close(); err != nil {
		return fmt.Errorf("anomaly: flush snapshot: %w", err)
	}
	return nil
}

// Load reads a model written by Save.
func Load(r io.Reader) (*Model, error) {
	var snap snapshot
	if err := json.NewDecoder(snappy.NewReader(r)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("anomaly: decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("anomaly: snapshot version %d, want %d", snap.Version, snapshotVersion)
	}
	if len(snap.Features) == 0 || len(snap.Trees) == 0 || snap.Psi < 2 {
		return nil, fmt.Errorf("anomaly: snapshot is empty")
	}
	for ti, t := range snap.Trees {
		if err := t.check(len(snap.Features)); err != nil {
			return nil, fmt.Errorf("anomaly: snapshot tree %d: %w", ti, err)
		}
	}
	return &Model{
		features:      snap.Features,
		trees:         snap.Trees,
		psi:           snap.Psi,
		threshold:     snap.Threshold,
		contamination: snap.Contamination,
		trainedOn:     snap.TrainedOn,
	}, nil
}

// check rejects trees whose links or features are out of range. Children
// always follow their parent, so a valid tree cannot loop.
func (t tree) check(nf int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("no nodes")
	}
	for i, n := range t.Nodes {
		if n.Left < 0 {
			continue
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d: bad children %d/%d", i, n.Left, n.Right)
		}
		if n.Feature < 0 || n.Feature >= nf {
			return fmt.Errorf("node %d: feature %d out of range", i, n.Feature)
		}
	}
	return nil
}

// SaveFile writes m to path.
func (m *Model) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("anomaly: create %s: %w", path, err)
	}
	if err := m.Save(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads a model from path.
func LoadFile(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("anomaly: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}
