package scoring

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// Zero-norm or mismatched inputs score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 0
	}

	sim := floats.Dot(a, b) / (normA * normB)
	if math.IsNaN(sim) {
		return 0
	}
	// Rounding can push identical vectors slightly past 1
	return math.Max(-1, math.Min(1, sim))
}

// EuclideanDistance returns the L2 distance between a and b, or +Inf when
// the lengths differ
func EuclideanDistance(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	return floats.Distance(a, b, 2)
}

// statisticalSimilarity maps the mean z-distance of probe from the
// enrolled distribution into (0, 1]: 1/(1 + mean(|p-mean|/(std+eps)))
func statisticalSimilarity(probe, mean, std []float64, epsilon float64) float64 {
	if len(probe) == 0 || len(probe) != len(mean) || len(probe) != len(std) {
		return 0
	}

	total := 0.0
	for i, p := range probe {
		total += math.Abs(p-mean[i]) / (std[i] + epsilon)
	}
	z := total / float64(len(probe))
	if math.IsNaN(z) || math.IsInf(z, 0) {
		return 0
	}
	return 1 / (1 + z)
}
