package scoring

import (
	"math"
)

// LogMeanExp returns log(mean(exp(xs))) without overflow, by factoring out
// the maximum. It returns NaN for an empty slice.
func LogMeanExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}

	maxV := math.Inf(-1)
	for _, x := range xs {
		if math.IsNaN(x) {
			return math.NaN()
		}
		if x > maxV {
			maxV = x
		}
	}
	if math.IsInf(maxV, 0) {
		return maxV
	}

	sum := 0.0
	for _, x := range xs {
		sum += math.Exp(x - maxV)
	}
	return maxV + math.Log(sum/float64(len(xs)))
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
