// Package cluster implements K-means partitioning of behavioral feature
// vectors via Lloyd's algorithm.
package cluster

import (
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reflexgames/insight/analysis/numstats"
)

const (
	// DefaultMaxIterations caps Lloyd's loop when convergence stalls.
	DefaultMaxIterations = 100

	// DefaultTolerance is the centroid displacement below which the loop
	// is considered converged.
	DefaultTolerance = 1e-4
)

// Cluster is one discovered group: its centroid, the indices of the input
// points assigned to it, and the within-cluster sum of squared distances.
type Cluster struct {
	Centroid      []float64
	MemberIndices []int
	Inertia       float64
}

// IterationStats records one Lloyd's iteration for convergence inspection.
// TotalInertia is measured right after the assignment phase, against the
// centroids that produced the assignment.
type IterationStats struct {
	Iteration       int
	TotalInertia    float64
	MaxDisplacement float64
}

// Result holds the outcome of one Fit call.
type Result struct {
	Clusters   []Cluster
	Iterations int
	Converged  bool
	Trace      []IterationStats
}

// KMeans configures Lloyd's algorithm. Zero MaxIterations and Tolerance
// take the package defaults; a nil RNG is seeded from the current time, so
// callers wanting reproducible centroids must inject one.
type KMeans struct {
	K             int
	MaxIterations int
	Tolerance     float64
	RNG           *rand.Rand
}

// Fit partitions points into K clusters. Empty input or K <= 0 yields an
// empty Result rather than an error. All points must share one vector
// length; a mismatch is a caller error.
func (km *KMeans) Fit(points [][]float64) *Result {
	if km.K <= 0 || len(points) == 0 {
		return &Result{}
	}

	maxIter := km.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	tol := km.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}
	rng := km.RNG
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	dims := len(points[0])
	centroids := boundingBoxCentroids(points, km.K, dims, rng)

	assignments := make([]int, len(points))
	for i := range assignments {
		assignments[i] = -1
	}

	result := &Result{}
	iterations := 0
	for iterations < maxIter {
		iterations++

		changed := false
		for i, p := range points {
			best := nearestCentroid(p, centroids)
			if best != assignments[i] {
				assignments[i] = best
				changed = true
			}
		}
		inertia := totalInertia(points, centroids, assignments)

		if !changed {
			// Assignments identical to the previous iteration force the
			// recomputed means onto the current centroids, so the
			// displacement is exactly zero.
			result.Trace = append(result.Trace, IterationStats{
				Iteration:    iterations,
				TotalInertia: inertia,
			})
			result.Converged = true
			break
		}

		maxShift := recomputeCentroids(points, assignments, centroids, dims)
		result.Trace = append(result.Trace, IterationStats{
			Iteration:       iterations,
			TotalInertia:    inertia,
			MaxDisplacement: maxShift,
		})
		if maxShift < tol {
			result.Converged = true
			break
		}
	}
	result.Iterations = iterations

	result.Clusters = buildClusters(points, centroids, assignments, km.K)
	logrus.Debugf("kmeans: k=%d n=%d iterations=%d converged=%v inertia=%.6f",
		km.K, len(points), result.Iterations, result.Converged,
		result.Trace[len(result.Trace)-1].TotalInertia)
	return result
}

// boundingBoxCentroids draws K starting centroids uniformly inside the
// per-dimension bounding box of the input.
func boundingBoxCentroids(points [][]float64, k, dims int, rng *rand.Rand) [][]float64 {
	mins := make([]float64, dims)
	maxs := make([]float64, dims)
	copy(mins, points[0])
	copy(maxs, points[0])
	for _, p := range points[1:] {
		for d := 0; d < dims; d++ {
			if p[d] < mins[d] {
				mins[d] = p[d]
			}
			if p[d] > maxs[d] {
				maxs[d] = p[d]
			}
		}
	}

	centroids := make([][]float64, k)
	for c := 0; c < k; c++ {
		centroid := make([]float64, dims)
		for d := 0; d < dims; d++ {
			centroid[d] = mins[d] + rng.Float64()*(maxs[d]-mins[d])
		}
		centroids[c] = centroid
	}
	return centroids
}

// nearestCentroid returns the index of the closest centroid, lowest index
// winning ties.
func nearestCentroid(point []float64, centroids [][]float64) int {
	best := 0
	bestDist := numstats.SquaredDistance(point, centroids[0])
	for c := 1; c < len(centroids); c++ {
		if d := numstats.SquaredDistance(point, centroids[c]); d < bestDist {
			best = c
			bestDist = d
		}
	}
	return best
}

func totalInertia(points, centroids [][]float64, assignments []int) float64 {
	total := 0.0
	for i, p := range points {
		total += numstats.SquaredDistance(p, centroids[assignments[i]])
	}
	return total
}

// recomputeCentroids replaces each centroid with the coordinate-wise mean
// of its members and returns the largest displacement. Clusters with zero
// members keep their previous centroid.
func recomputeCentroids(points [][]float64, assignments []int, centroids [][]float64, dims int) float64 {
	k := len(centroids)
	sums := make([][]float64, k)
	counts := make([]int, k)
	for c := 0; c < k; c++ {
		sums[c] = make([]float64, dims)
	}
	for i, p := range points {
		c := assignments[i]
		counts[c]++
		for d := 0; d < dims; d++ {
			sums[c][d] += p[d]
		}
	}

	maxShift := 0.0
	for c := 0; c < k; c++ {
		if counts[c] == 0 {
			continue
		}
		mean := make([]float64, dims)
		for d := 0; d < dims; d++ {
			mean[d] = sums[c][d] / float64(counts[c])
		}
		if shift := numstats.EuclideanDistance(centroids[c], mean); shift > maxShift {
			maxShift = shift
		}
		centroids[c] = mean
	}
	return maxShift
}

func buildClusters(points, centroids [][]float64, assignments []int, k int) []Cluster {
	clusters := make([]Cluster, k)
	for c := 0; c < k; c++ {
		clusters[c] = Cluster{Centroid: centroids[c]}
	}
	for i, p := range points {
		c := assignments[i]
		clusters[c].MemberIndices = append(clusters[c].MemberIndices, i)
		clusters[c].Inertia += numstats.SquaredDistance(p, centroids[c])
	}
	return clusters
}
