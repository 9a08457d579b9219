package numstats

import (
	"fmt"
	"math"
)

// Abramowitz & Stegun 7.1.26 error-function coefficients
// (max absolute error 1.5e-7).
const (
	erfP  = 0.3275911
	erfA1 = 0.254829592
	erfA2 = -0.284496736
	erfA3 = 1.421413741
	erfA4 = -1.453152027
	erfA5 = 1.061405429
)

// NormalCDF returns Phi(z), the standard normal cumulative distribution
// function, via the Abramowitz & Stegun polynomial approximation of erf.
func NormalCDF(z float64) float64 {
	x := z / math.Sqrt2
	sign := 1.0
	if x < 0 {
		sign = -1.0
		x = -x
	}
	t := 1.0 / (1.0 + erfP*x)
	poly := ((((erfA5*t+erfA4)*t+erfA3)*t+erfA2)*t + erfA1) * t
	erf := 1.0 - poly*math.Exp(-x*x)
	return 0.5 * (1.0 + sign*erf)
}

// Beasley-Springer-Moro coefficients for the inverse normal CDF.
var (
	bsmA = [4]float64{2.50662823884, -18.61500062529, 41.39119773534, -25.44106049637}
	bsmB = [4]float64{-8.47351093090, 23.08336743743, -21.06224101826, 3.13082909833}
	bsmC = [9]float64{
		0.3374754822726147, 0.9761690190917186, 0.1607979714918209,
		0.0276438810333863, 0.0038405729373609, 0.0003951896511919,
		0.0000321767881768, 0.0000002888167364, 0.0000003960315187,
	}
)

// NormalInverse returns z such that Phi(z) = p, via the
// Beasley-Springer-Moro rational approximation. p must lie strictly inside
// (0,1); anything else is a caller contract violation and panics.
func NormalInverse(p float64) float64 {
	if math.IsNaN(p) || p <= 0 || p >= 1 {
		panic(fmt.Sprintf("NormalInverse: probability %v outside (0,1)", p))
	}
	u := p - 0.5
	if math.Abs(u) < 0.42 {
		r := u * u
		num := u * (((bsmA[3]*r+bsmA[2])*r+bsmA[1])*r + bsmA[0])
		den := (((bsmB[3]*r+bsmB[2])*r+bsmB[1])*r+bsmB[0])*r + 1.0
		return num / den
	}
	// Tail branch: log-log transform of the smaller tail probability.
	r := p
	if u > 0 {
		r = 1 - p
	}
	r = math.Log(-math.Log(r))
	x := bsmC[8]
	for i := 7; i >= 0; i-- {
		x = x*r + bsmC[i]
	}
	if u < 0 {
		return -x
	}
	return x
}
