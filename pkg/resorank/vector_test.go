package resorank

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	x := []float32{1, 0, 0}
	assert.InDelta(t, 1.0, CosineSimilarity(x, []float32{2, 0, 0}), 1e-9, "scale does not matter")
	assert.InDelta(t, 0.0, CosineSimilarity(x, []float32{0, 1, 0}), 1e-9)
	assert.InDelta(t, 0.707, CosineSimilarity(x, []float32{0.707, 0.707, 0}), 1e-3)
	assert.InDelta(t, -1.0, CosineSimilarity(x, []float32{-1, 0, 0}), 1e-9)

	assert.Zero(t, CosineSimilarity(x, []float32{1, 0}), "length mismatch")
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.Zero(t, CosineSimilarity(x, []float32{0, 0, 0}))
}

func TestNormalizeUnitLength(t *testing.T) {
	v := []float32{3, 4}
	Normalize(v)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	Normalize(zero)
	assert.Equal(t, []float32{0, 0}, zero)
}
