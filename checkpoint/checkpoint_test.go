package checkpoint

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidml/braid/ml"
)

func TestRoundTrip(t *testing.T) {
	state := map[string]*ml.Tensor{
		"blk.0.attn_out.weight":  ml.FromSlice([]float32{0.125, -0.5, 0.0625, 1, -2, 0.25}, 2, 3),
		"blk.0.exp_probs_b.bias": ml.FromSlice([]float32{0.001, -0.003, 0.0071}, 3),
		"blk.0.attn_lamb_v":      ml.FromSlice([]float32{0.5}, 1),
	}

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, state, 10000, 64))

	restored, ropeBase, ropeDim, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, float64(10000), ropeBase)
	assert.Equal(t, 64, ropeDim)
	require.Len(t, restored, 3)

	// Matrices survive half-precision exactly for these dyadic values.
	assert.Equal(t, state["blk.0.attn_out.weight"].Data(), restored["blk.0.attn_out.weight"].Data())
	assert.Equal(t, []int{2, 3}, restored["blk.0.attn_out.weight"].Shape())

	// One-dimensional state is stored full-precision and must come back
	// bit-identical; the routing bias drives future selection.
	assert.Equal(t, state["blk.0.exp_probs_b.bias"].Data(), restored["blk.0.exp_probs_b.bias"].Data())
	assert.Equal(t, state["blk.0.attn_lamb_v"].Data(), restored["blk.0.attn_lamb_v"].Data())
}

func TestRoundTripHalfPrecisionTolerance(t *testing.T) {
	weights := ml.FromSlice([]float32{0.02017, -0.01994, 0.31177, -0.29831}, 2, 2)

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, map[string]*ml.Tensor{"w": weights}, 10000, 64))
	restored, _, _, err := Load(&buf)
	require.NoError(t, err)

	for i, v := range weights.Data() {
		assert.InDelta(t, v, restored["w"].Data()[i], 1e-3)
	}
}

func TestLoadUnsupportedVersion(t *testing.T) {
	raw, err := cbor.Marshal(map[string]any{"version": 99})
	require.NoError(t, err)

	_, _, _, err = Load(bytes.NewReader(raw))
	assert.ErrorContains(t, err, "unsupported version")
}

func TestLoadMissingPayload(t *testing.T) {
	raw, err := cbor.Marshal(map[string]any{
		"version": 1,
		"tensors": map[string]any{"w": map[string]any{"shape": []int{2}}},
	})
	require.NoError(t, err)

	_, _, _, err = Load(bytes.NewReader(raw))
	assert.ErrorContains(t, err, "no payload")
}
