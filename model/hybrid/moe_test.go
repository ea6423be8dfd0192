package hybrid

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidml/braid/ml"
)

func TestDenseForward(t *testing.T) {
	opts := testOptions()
	mlp := newDense(rand.New(rand.NewSource(0)), opts)

	x := ml.Randn(rand.New(rand.NewSource(1)), 1, 2, 3, opts.HiddenSize)
	out, routerWeights := mlp.Forward(x, false)
	assert.Equal(t, x.Shape(), out.Shape())
	assert.Nil(t, routerWeights)
}

func TestSparseRouterWeights(t *testing.T) {
	opts := testOptions()
	moe := newSparse(rand.New(rand.NewSource(0)), opts)

	x := ml.Randn(rand.New(rand.NewSource(1)), 1, 2, 3, opts.HiddenSize)
	out, routerWeights := moe.Forward(x, false)
	assert.Equal(t, x.Shape(), out.Shape())
	require.Equal(t, []int{6, opts.NumExperts}, routerWeights.Shape())

	sharedWeight := 1 / float32(opts.NumExp)
	for token := 0; token < 6; token++ {
		row := routerWeights.Data()[token*opts.NumExperts : (token+1)*opts.NumExperts]

		assert.Equal(t, sharedWeight, row[0], "shared expert weight is fixed")

		var sum float32
		active := 0
		for _, w := range row {
			sum += w
			if w > 0 {
				active++
			}
		}
		assert.InDelta(t, 1, sum, 1e-5)
		assert.LessOrEqual(t, active, opts.NumExp)
	}
}

func TestSparseForwardMatchesSerialReference(t *testing.T) {
	opts := testOptions()
	moe := newSparse(rand.New(rand.NewSource(0)), opts)

	x := ml.Randn(rand.New(rand.NewSource(1)), 1, 2, 3, opts.HiddenSize)
	out, routerWeights := moe.Forward(x, false)

	// Concurrent dispatch must agree with a serial weighted sum.
	flat := x.Reshape(6, opts.HiddenSize)
	want := ml.Zeros(6, opts.HiddenSize)
	for e, expert := range moe.experts {
		expertOut, _ := expert.Forward(flat, false)
		for token := 0; token < 6; token++ {
			w := routerWeights.Data()[token*opts.NumExperts+e]
			for i := 0; i < opts.HiddenSize; i++ {
				want.Data()[token*opts.HiddenSize+i] += w * expertOut.Data()[token*opts.HiddenSize+i]
			}
		}
	}
	assert.InDeltaSlice(t, want.Data(), out.Data(), 1e-6)
}

func TestSparseRoutingDeterministicInEval(t *testing.T) {
	opts := testOptions()
	moe := newSparse(rand.New(rand.NewSource(0)), opts)
	flat := ml.Randn(rand.New(rand.NewSource(1)), 1, 6, opts.HiddenSize).Reshape(6, opts.HiddenSize)

	a := moe.route(flat, false)
	b := moe.route(flat, false)
	assert.Equal(t, a.Data(), b.Data())
}

func TestSparseRoutingNoiseInTraining(t *testing.T) {
	opts := testOptions()
	opts.NoiseScaling = 0.5
	moe := newSparse(rand.New(rand.NewSource(0)), opts)
	flat := ml.Randn(rand.New(rand.NewSource(1)), 1, 6, opts.HiddenSize).Reshape(6, opts.HiddenSize)

	a := moe.route(flat, true)
	b := moe.route(flat, true)
	assert.NotEqual(t, a.Data(), b.Data())
}

func TestSparseBiasSteersSelection(t *testing.T) {
	opts := testOptions()
	moe := newSparse(rand.New(rand.NewSource(0)), opts)
	flat := ml.Randn(rand.New(rand.NewSource(1)), 1, 6, opts.HiddenSize).Reshape(6, opts.HiddenSize)

	// A large enough bias wins selection for every token.
	moe.ExpertBias.Data()[4] = 100
	routerWeights := moe.route(flat, false)
	for token := 0; token < 6; token++ {
		assert.Greater(t, routerWeights.Data()[token*opts.NumExperts+5], float32(0), "token %d", token)
	}
}

func TestUpdateExpertBias(t *testing.T) {
	opts := testOptions()
	opts.NumExperts = 4
	opts.NumExp = 3
	opts.LayerTypes = []string{"moe"}
	m, err := NewFromOptions(opts, 0)
	require.NoError(t, err)
	moe := m.Layers[0].MLP.(*sparse)

	// Two tokens, expert 1 overloaded, experts 2 and 3 starved.
	weights := ml.FromSlice([]float32{
		0.25, 0.5, 0.125, 0.125,
		0.25, 0.5, 0.125, 0.125,
	}, 2, 4)
	m.UpdateExpertBias([]*RouterWeights{{Layer: 0, Weights: weights}}, 0.01)
	assert.InDeltaSlice(t, []float32{0.01, -0.01, -0.01}, moe.ExpertBias.Data(), 1e-7)

	// A balanced step leaves the bias alone.
	weights = ml.FromSlice([]float32{
		0.25, 0.25, 0.25, 0.25,
		0.25, 0.25, 0.25, 0.25,
	}, 2, 4)
	m.UpdateExpertBias([]*RouterWeights{{Layer: 0, Weights: weights}}, 0.01)
	assert.InDeltaSlice(t, []float32{0.01, -0.01, -0.01}, moe.ExpertBias.Data(), 1e-7)
}

func TestUpdateExpertBiasSkipsDenseLayers(t *testing.T) {
	opts := testOptions()
	m, err := NewFromOptions(opts, 0)
	require.NoError(t, err)

	x := ml.Randn(rand.New(rand.NewSource(9)), 1, 1, 4, opts.HiddenSize)
	_, routerWeights, err := m.Forward(x, nil)
	require.NoError(t, err)
	require.Len(t, routerWeights, 1)

	// Must not panic walking the mixed dense/moe stack.
	m.UpdateExpertBias(routerWeights, 0.001)
}
