// Package anomaly implements isolation-forest scoring of behavioral
// feature vectors. A forest is fitted once over a dataset and then scores
// arbitrary points; scores near 1 mean the point isolates quickly and is
// likely anomalous, scores near 0.5 mean typical.
package anomaly

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTrees is the ensemble size.
	DefaultTrees = 100

	// DefaultSubsampleSize caps the per-tree training subsample.
	DefaultSubsampleSize = 256

	// DefaultMaxDepth caps isolation-tree depth; deeper splits add no
	// isolation signal.
	DefaultMaxDepth = 10

	// DefaultScoreThreshold is the conventional cutoff consumers apply to
	// anomaly scores. The forest itself never applies it; thresholding is
	// a caller decision.
	DefaultScoreThreshold = 0.7

	// eulerMascheroni appears in the expected-path-length normalizer.
	eulerMascheroni = 0.5772156649
)

// ErrNotFitted is returned by scoring calls that precede Fit.
var ErrNotFitted = errors.New("isolation forest not fitted")

// Options configure a Forest. Zero values take the package defaults; a
// zero Seed draws one from the clock, so callers wanting reproducible
// forests must set it.
type Options struct {
	Trees         int
	SubsampleSize int
	MaxDepth      int
	Seed          int64
	Parallelism   int
}

func (o Options) withDefaults() Options {
	if o.Trees <= 0 {
		o.Trees = DefaultTrees
	}
	if o.SubsampleSize <= 0 {
		o.SubsampleSize = DefaultSubsampleSize
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.Seed == 0 {
		o.Seed = time.Now().UnixNano()
	}
	if o.Parallelism <= 0 {
		o.Parallelism = runtime.NumCPU()
	}
	return o
}

// Forest is an isolation-forest anomaly detector. Fit must precede Score
// and ScoreAll. A fitted Forest is safe for concurrent scoring; Fit itself
// must not race with scoring calls.
type Forest struct {
	opts  Options
	trees []tree
	fitN  int
	norm  float64 // expected path length over the fitted dataset, cached
	dims  int
}

// New creates an unfitted Forest with the given options.
func New(opts Options) *Forest {
	return &Forest{opts: opts.withDefaults()}
}

// Fit builds the ensemble over points. Each tree trains on an independent
// Fisher-Yates subsample of size min(SubsampleSize, N) drawn without
// replacement from a per-tree seeded RNG, so a fixed Seed reproduces the
// forest exactly regardless of parallelism. Refitting replaces the
// previous ensemble.
func (f *Forest) Fit(points [][]float64) error {
	if len(points) == 0 {
		return fmt.Errorf("isolation forest fit requires at least one point")
	}
	if len(points[0]) == 0 {
		return fmt.Errorf("isolation forest fit requires non-empty feature vectors")
	}

	trees := make([]tree, f.opts.Trees)
	sampleSize := f.opts.SubsampleSize
	if sampleSize > len(points) {
		sampleSize = len(points)
	}

	g := new(errgroup.Group)
	g.SetLimit(f.opts.Parallelism)
	for i := 0; i < f.opts.Trees; i++ {
		i := i
		g.Go(func() error {
			rng := rand.New(rand.NewSource(f.opts.Seed ^ fnv1a64(fmt.Sprintf("tree_%d", i))))
			sample := drawSubsample(points, sampleSize, rng)
			trees[i] = buildTree(sample, f.opts.MaxDepth, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	f.trees = trees
	f.fitN = len(points)
	f.norm = avgPathApprox(f.fitN)
	f.dims = len(points[0])
	logrus.Debugf("isolation forest: fitted %d trees on %d points (subsample %d, max depth %d)",
		f.opts.Trees, f.fitN, sampleSize, f.opts.MaxDepth)
	return nil
}

// Score returns the anomaly score of one point in (0,1). The point must
// have the same dimensionality as the fitted data.
func (f *Forest) Score(point []float64) (float64, error) {
	if len(f.trees) == 0 {
		return 0, ErrNotFitted
	}
	total := 0.0
	for t := range f.trees {
		total += f.trees[t].pathLength(point)
	}
	avg := total / float64(len(f.trees))
	if f.norm == 0 {
		// A single-point fit has no isolation structure; everything is
		// equally typical.
		return 0.5, nil
	}
	return math.Pow(2, -avg/f.norm), nil
}

// ScoreAll scores every point, parallelized across points.
func (f *Forest) ScoreAll(points [][]float64) ([]float64, error) {
	if len(f.trees) == 0 {
		return nil, ErrNotFitted
	}
	scores := make([]float64, len(points))
	g := new(errgroup.Group)
	g.SetLimit(f.opts.Parallelism)
	for i := range points {
		i := i
		g.Go(func() error {
			s, err := f.Score(points[i])
			if err != nil {
				return err
			}
			scores[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scores, nil
}

// Fitted reports whether Fit has completed at least once.
func (f *Forest) Fitted() bool {
	return len(f.trees) > 0
}

// drawSubsample returns k points drawn without replacement: a full
// Fisher-Yates pass over the index space, then take the first k.
func drawSubsample(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	indices := make([]int, len(points))
	for i := range indices {
		indices[i] = i
	}
	for i := len(indices) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		indices[i], indices[j] = indices[j], indices[i]
	}
	sample := make([][]float64, k)
	for i := 0; i < k; i++ {
		sample[i] = points[indices[i]]
	}
	return sample
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}

// avgPathApprox is the expected path length of an unsuccessful search in a
// random binary search tree over n points, the standard isolation-forest
// normalizer.
func avgPathApprox(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	default:
		fn := float64(n)
		return 2*(math.Log(fn-1)+eulerMascheroni) - 2*(fn-1)/fn
	}
}

// node is one isolation-tree node in the arena. Internal nodes carry a
// split and child indices; leaves carry the subset size and depth reached.
type node struct {
	splitDim    int
	splitValue  float64
	left, right int
	leaf        bool
	size        int
	depth       int
}

// tree is an isolation tree stored as a node arena; index 0 is the root.
type tree struct {
	nodes []node
}

func buildTree(sample [][]float64, maxDepth int, rng *rand.Rand) tree {
	t := tree{nodes: make([]node, 0, 2*len(sample))}
	indices := make([]int, len(sample))
	for i := range indices {
		indices[i] = i
	}
	t.grow(sample, indices, 0, maxDepth, rng)
	return t
}

// grow appends the subtree isolating sample[indices] and returns its root
// node index.
func (t *tree) grow(sample [][]float64, indices []int, depth, maxDepth int, rng *rand.Rand) int {
	if len(indices) <= 1 || depth >= maxDepth {
		return t.addLeaf(len(indices), depth)
	}

	dim := rng.Intn(len(sample[0]))
	minV, maxV := sample[indices[0]][dim], sample[indices[0]][dim]
	for _, idx := range indices[1:] {
		v := sample[idx][dim]
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	if minV == maxV {
		// No spread on the chosen dimension; the subset cannot be split.
		return t.addLeaf(len(indices), depth)
	}

	u := rng.Float64()
	if u == 0 {
		u = math.SmallestNonzeroFloat64 // keep the split strictly above minV
	}
	split := minV + u*(maxV-minV)

	var left, right []int
	for _, idx := range indices {
		if sample[idx][dim] < split {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}

	self := len(t.nodes)
	t.nodes = append(t.nodes, node{splitDim: dim, splitValue: split})
	l := t.grow(sample, left, depth+1, maxDepth, rng)
	r := t.grow(sample, right, depth+1, maxDepth, rng)
	t.nodes[self].left = l
	t.nodes[self].right = r
	return self
}

func (t *tree) addLeaf(size, depth int) int {
	idx := len(t.nodes)
	t.nodes = append(t.nodes, node{leaf: true, size: size, depth: depth})
	return idx
}

// pathLength walks the point to a leaf and returns the leaf depth plus the
// unterminated-subtree correction for the leaf's subset size.
func (t *tree) pathLength(point []float64) float64 {
	idx := 0
	for {
		n := &t.nodes[idx]
		if n.leaf {
			return float64(n.depth) + avgPathApprox(n.size)
		}
		if point[n.splitDim] < n.splitValue {
			idx = n.left
		} else {
			idx = n.right
		}
	}
}
