package math32

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	assert.InDelta(t, float32(32), Dot(a, b), 1e-6)
}

func TestSquaredL2(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	assert.InDelta(t, float32(27), SquaredL2(a, b), 1e-6)

	assert.Equal(t, float32(0), SquaredL2(a, a))
}

func TestScaleInPlace(t *testing.T) {
	v := []float32{2, 4, 6}
	ScaleInPlace(v, 0.5)
	assert.Equal(t, []float32{1, 2, 3}, v)
}
