package hybrid

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidml/braid/checkpoint"
	"github.com/braidml/braid/ml"
)

func TestStateNames(t *testing.T) {
	opts := testOptions()
	m, err := NewFromOptions(opts, 0)
	require.NoError(t, err)
	state := m.State()

	assert.Contains(t, state, "blk.0.attn_q_a.weight")
	assert.Contains(t, state, "blk.0.attn_lamb_v")
	assert.Contains(t, state, "blk.0.ffn_up.weight")
	assert.Contains(t, state, "blk.1.ffn_gate_inp.weight")
	assert.Contains(t, state, "blk.1.exp_probs_b.bias")
	assert.Contains(t, state, "blk.1.ffn_up_exps.7.weight")
	assert.NotContains(t, state, "blk.0.ffn_gate_inp.weight", "dense layers carry no router")
}

func TestSetState(t *testing.T) {
	opts := testOptions()
	a, err := NewFromOptions(opts, 0)
	require.NoError(t, err)
	b, err := NewFromOptions(opts, 99)
	require.NoError(t, err)

	x := ml.Randn(rand.New(rand.NewSource(5)), 1, 1, 6, opts.HiddenSize)
	outA, _, err := a.Forward(x, a.NewSession())
	require.NoError(t, err)

	require.NoError(t, b.SetState(a.State()))
	outB, _, err := b.Forward(x, b.NewSession())
	require.NoError(t, err)
	assert.Equal(t, outA.Data(), outB.Data(), "restored weights reproduce the forward pass")
}

func TestSetStateRejectsUnknown(t *testing.T) {
	m, err := NewFromOptions(testOptions(), 0)
	require.NoError(t, err)

	err = m.SetState(map[string]*ml.Tensor{"blk.0.mystery.weight": ml.Zeros(2)})
	assert.ErrorContains(t, err, "unknown tensor")

	err = m.SetState(map[string]*ml.Tensor{"blk.0.attn_lamb_v": ml.Zeros(4)})
	assert.ErrorContains(t, err, "elements")
}

func TestCheckpointRestoresRoutingBias(t *testing.T) {
	opts := testOptions()
	a, err := NewFromOptions(opts, 0)
	require.NoError(t, err)

	// Pretend some balancing has happened, then snapshot.
	bias := a.Layers[1].MLP.(*sparse).ExpertBias
	for i := range bias.Data() {
		bias.Data()[i] = float32(i) * 0.001
	}

	var buf bytes.Buffer
	require.NoError(t, checkpoint.Save(&buf, a.State(), opts.RopeBase, opts.RopeHeadDim))

	state, ropeBase, ropeDim, err := checkpoint.Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, opts.RopeBase, ropeBase)
	assert.Equal(t, opts.RopeHeadDim, ropeDim)

	b, err := NewFromOptions(opts, 1)
	require.NoError(t, err)
	require.NoError(t, b.SetState(state))
	assert.Equal(t, bias.Data(), b.Layers[1].MLP.(*sparse).ExpertBias.Data(),
		"routing bias is exact after a save/load cycle")
}
