// Package numstats holds the shared numeric primitives for the analysis
// packages: descriptive statistics, percentiles, trend and correlation
// measures, and normal-distribution approximations.
package numstats

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the sample standard deviation (n-1 denominator).
// A slice with fewer than two values has no spread and returns 0.
func StdDev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0.0
	}
	mean := Mean(values)
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n-1))
}

// SortedCopy returns values sorted ascending without mutating the input.
func SortedCopy(values []float64) []float64 {
	s := make([]float64, len(values))
	copy(s, values)
	sort.Float64s(s)
	return s
}

// Percentile returns the p-th percentile (0-100) of values using linear
// interpolation between order statistics. The input is copied and sorted;
// an empty slice yields 0.
func Percentile(values []float64, p float64) float64 {
	return PercentileFromSorted(SortedCopy(values), p)
}

// PercentileFromSorted is Percentile over an already-sorted slice, for
// callers that take several percentiles from one sort.
func PercentileFromSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0.0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// LinearTrend returns the least-squares slope of values against their
// indices 0..n-1. Positive means the series is rising. Fewer than two
// points have no trend and return 0.
func LinearTrend(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0.0
	}
	// x is the index sequence, so its sums have closed forms.
	fn := float64(n)
	sumX := fn * (fn - 1) / 2
	sumX2 := fn * (fn - 1) * (2*fn - 1) / 6
	sumY, sumXY := 0.0, 0.0
	for i, v := range values {
		sumY += v
		sumXY += float64(i) * v
	}
	den := fn*sumX2 - sumX*sumX
	if den == 0 {
		return 0.0
	}
	return (fn*sumXY - sumX*sumY) / den
}

// Correlation returns the Pearson correlation coefficient of two
// equal-length series. Mismatched lengths, series shorter than two, and
// zero-variance inputs all return 0.
func Correlation(x, y []float64) float64 {
	if len(x) != len(y) || len(x) < 2 {
		return 0.0
	}
	n := float64(len(x))
	sumX, sumY, sumXY, sumX2, sumY2 := 0.0, 0.0, 0.0, 0.0, 0.0
	for i := range x {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumX2 += x[i] * x[i]
		sumY2 += y[i] * y[i]
	}
	num := n*sumXY - sumX*sumY
	den := math.Sqrt((n*sumX2 - sumX*sumX) * (n*sumY2 - sumY*sumY))
	if den == 0 {
		return 0.0
	}
	return num / den
}

// Entropy returns the Shannon entropy in bits of a weight vector. Weights
// are normalized by their sum; zero and negative entries contribute
// nothing. A vector with no positive weight returns 0.
func Entropy(weights []float64) float64 {
	total := 0.0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return 0.0
	}
	h := 0.0
	for _, w := range weights {
		if w <= 0 {
			continue
		}
		p := w / total
		h -= p * math.Log2(p)
	}
	return h
}

// SquaredDistance returns the squared Euclidean distance between two
// vectors. Both slices must have the same length; a mismatch is a caller
// error.
func SquaredDistance(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// EuclideanDistance returns the Euclidean distance between two vectors.
// Both slices must have the same length; a mismatch is a caller error.
func EuclideanDistance(a, b []float64) float64 {
	return math.Sqrt(SquaredDistance(a, b))
}

// Summary holds the descriptive statistics reported for one numeric series.
type Summary struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	P50    float64
}

// Summarize computes a Summary of values. An empty series yields a zero
// Summary.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	sorted := SortedCopy(values)
	return Summary{
		Count:  len(values),
		Mean:   Mean(values),
		StdDev: StdDev(values),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		P50:    PercentileFromSorted(sorted, 50),
	}
}
