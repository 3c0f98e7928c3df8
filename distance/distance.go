// Package distance provides public API for vector distance calculations.
package distance

import (
	"fmt"
	"slices"

	"github.com/hupe1980/evcache/internal/math32"
)

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	return math32.Dot(a, b)
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	return math32.SquaredL2(a, b)
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := math32.Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / math32.Sqrt(norm2)
	math32.ScaleInPlace(v, inv)
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	MetricL2 Metric = iota
	MetricCosine
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricCosine:
		return "Cosine"
	case MetricDot:
		return "Dot"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// Func is a function type for distance calculation.
// Smaller values mean closer vectors.
type Func func(a, b []float32) float32

// Provider returns the distance function for the given metric.
//
// Cosine assumes vectors are L2-normalized on insert, so L2 ordering is
// equivalent; dot product is negated to keep "smaller is closer".
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2, MetricCosine:
		return SquaredL2, nil
	case MetricDot:
		return negDot, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

func negDot(a, b []float32) float32 {
	return -math32.Dot(a, b)
}
