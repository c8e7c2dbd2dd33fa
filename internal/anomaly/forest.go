package anomaly

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat"
)

var (
	// ErrModelFitFailed is returned when the fleet does not provide enough
	// healthy samples to fit the model.
	ErrModelFitFailed = errors.New("anomaly model fit failed")

	// ErrFeatureMismatch is returned when a scored vector's sensor set
	// differs from the one the model was fit on.
	ErrFeatureMismatch = errors.New("feature mismatch")
)

// eulerGamma is the Euler–Mascheroni constant used by the harmonic estimate.
const eulerGamma = 0.5772156649015329

// Params configures Fit.
type Params struct {
	Contamination float64
	MinFitSamples int
	Trees         int
	SampleSize    int
	Seed          uint64
}

// node is one isolation-tree node stored in a flat slice. Leaves have
// Left == -1 and carry the number of training points that reached them.
type node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"v"`
	Left    int     `json:"l"`
	Right   int     `json:"r"`
	Size    int     `json:"n"`
}

type tree struct {
	Nodes []node `json:"nodes"`
}

// Model is a fitted isolation forest with its calibrated threshold.
type Model struct {
	features      []string
	trees         []tree
	psi           int // effective subsample size
	threshold     float64
	contamination float64
	trainedOn     int
}

// Features returns the ordered sensor names the model was fit on.
func (m *Model) Features() []string { return slices.Clone(m.features) }

// Threshold is the score above which a point is anomalous.
func (m *Model) Threshold() float64 { return m.threshold }

// TrainedOn is the number of pooled healthy rows used for the fit.
func (m *Model) TrainedOn() int { return m.trainedOn }

// Fit grows an isolation forest over rows, whose columns follow features.
func Fit(features []string, rows [][]float64, p Params) (*Model, error) {
	if len(rows) < p.MinFitSamples {
		return nil, fmt.Errorf("anomaly: %d healthy samples, need %d: %w",
			len(rows), p.MinFitSamples, ErrModelFitFailed)
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("anomaly: no features: %w", ErrModelFitFailed)
	}
	for i, r := range rows {
		if len(r) != len(features) {
			return nil, fmt.Errorf("anomaly: training row %d has %d values for %d features: %w",
				i, len(r), len(features), ErrFeatureMismatch)
		}
	}
	if p.Trees < 1 || p.SampleSize < 2 {
		return nil, fmt.Errorf("anomaly: trees=%d sample_size=%d: %w", p.Trees, p.SampleSize, ErrModelFitFailed)
	}

	rng := rand.New(rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
	psi := min(p.SampleSize, len(rows))
	maxDepth := int(math.Ceil(math.Log2(float64(psi))))

	m := &Model{
		features:      slices.Clone(features),
		trees:         make([]tree, p.Trees),
		psi:           psi,
		contamination: p.Contamination,
		trainedOn:     len(rows),
	}

	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	for t := range m.trees {
		// Partial Fisher-Yates: the first psi entries are the subsample.
		for i := 0; i < psi; i++ {
			j := i + rng.IntN(len(idx)-i)
			idx[i], idx[j] = idx[j], idx[i]
		}
		sample := make([][]float64, psi)
		for i := range sample {
			sample[i] = rows[idx[i]]
		}
		var tr tree
		tr.grow(rng, sample, 0, maxDepth)
		m.trees[t] = tr
	}

	scores := make([]float64, len(rows))
	for i, r := range rows {
		scores[i] = m.score(r)
	}
	m.threshold = quantile(scores, 1-p.Contamination)
	return m, nil
}

// grow appends the subtree for data and returns its node index.
func (t *tree) grow(rng *rand.Rand, data [][]float64, depth, maxDepth int) int {
	at := len(t.Nodes)
	t.Nodes = append(t.Nodes, node{Left: -1, Right: -1, Size: len(data)})
	if len(data) <= 1 || depth >= maxDepth {
		return at
	}

	// Pick among features that still vary; a constant column cannot split.
	nf := len(data[0])
	start := rng.IntN(nf)
	for k := 0; k < nf; k++ {
		f := (start + k) % nf
		lo, hi := data[0][f], data[0][f]
		for _, d := range data[1:] {
			lo = math.Min(lo, d[f])
			hi = math.Max(hi, d[f])
		}
		if lo == hi {
			continue
		}

		split := lo + rng.Float64()*(hi-lo)
		var left, right [][]float64
		for _, d := range data {
			if d[f] < split {
				left = append(left, d)
			} else {
				right = append(right, d)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}

		l := t.grow(rng, left, depth+1, maxDepth)
		r := t.grow(rng, right, depth+1, maxDepth)
		t.Nodes[at].Feature = f
		t.Nodes[at].Split = split
		t.Nodes[at].Left = l
		t.Nodes[at].Right = r
		return at
	}
	return at
}

// pathLength is the depth at which x lands, plus the expected remaining
// depth for the training points that shared its leaf.
func (t *tree) pathLength(x []float64) float64 {
	i, depth := 0, 0
	for {
		n := t.Nodes[i]
		if n.Left < 0 {
			return float64(depth) + avgPathLength(n.Size)
		}
		if x[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// avgPathLength is c(n), the mean unsuccessful-search depth of a binary
// search tree over n points.
func avgPathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// score is 2^(-E[h(x)]/c(psi)), in (0, 1]; higher is more anomalous.
func (m *Model) score(x []float64) float64 {
	var total float64
	for i := range m.trees {
		total += m.trees[i].pathLength(x)
	}
	mean := total / float64(len(m.trees))
	c := avgPathLength(m.psi)
	if c == 0 {
		return 0.5
	}
	return math.Pow(2, -mean/c)
}

// Score returns the anomaly score of x and whether it exceeds the threshold.
func (m *Model) Score(x []float64) (float64, bool, error) {
	if len(x) != len(m.features) {
		return 0, false, fmt.Errorf("anomaly: vector of %d values for %d features: %w",
			len(x), len(m.features), ErrFeatureMismatch)
	}
	s := m.score(x)
	return s, s > m.threshold, nil
}

// CheckFeatures returns ErrFeatureMismatch unless features equals the
// model's feature list exactly, order included.
func (m *Model) CheckFeatures(features []string) error {
	if slices.Equal(features, m.features) {
		return nil
	}
	return fmt.Errorf("anomaly: model fit on %v, got %v: %w", m.features, features, ErrFeatureMismatch)
}

// quantile returns the q-quantile of xs, interpolating linearly on the
// empirical distribution function. xs is not modified.
func quantile(xs []float64, q float64) float64 {
	sorted := slices.Clone(xs)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.LinInterp, sorted, nil)
}
