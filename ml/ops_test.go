package ml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftmaxRows(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, -1, 0, 1}, 2, 3)
	x.SoftmaxRows(1)
	for r := 0; r < 2; r++ {
		var sum float32
		for _, v := range x.Data()[r*3 : (r+1)*3] {
			assert.GreaterOrEqual(t, v, float32(0))
			sum += v
		}
		assert.InDelta(t, 1, sum, 1e-6)
	}
	// Larger logit, larger probability.
	assert.Greater(t, x.Data()[2], x.Data()[1])
	assert.Greater(t, x.Data()[1], x.Data()[0])
}

func TestSoftmaxRowsClampsTemperature(t *testing.T) {
	// A non-positive temperature clamps to a floor instead of producing NaN.
	x := FromSlice([]float32{1, 2}, 1, 2)
	x.SoftmaxRows(0)
	var sum float32
	for _, v := range x.Data() {
		require.False(t, v != v, "softmax produced NaN")
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-5)
}

func TestTopK(t *testing.T) {
	cases := []struct {
		name   string
		scores []float32
		k      int
		want   []int
	}{
		{"descending order", []float32{0.1, 0.9, 0.5, 0.7}, 2, []int{1, 3}},
		{"clamped to available", []float32{0.3, 0.2}, 5, []int{0, 1}},
		{"ties break to lower index", []float32{0.5, 0.5, 0.5}, 2, []int{0, 1}},
		{"zero k", []float32{1, 2}, 0, nil},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TopK(tt.scores, tt.k))
		})
	}
}
