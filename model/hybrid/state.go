package hybrid

import (
	"fmt"

	"github.com/braidml/braid/ml"
)

// State returns every persistent tensor by name: learned weights, the
// mixing scalars, and the per-expert routing bias. The bias is ordinary
// state for checkpointing purposes even though gradients never touch it;
// dropping it would change future routing.
func (m *Model) State() map[string]*ml.Tensor {
	state := make(map[string]*ml.Tensor)
	for i, layer := range m.Layers {
		prefix := fmt.Sprintf("blk.%d.", i)
		state[prefix+"attn_norm.weight"] = layer.AttentionNorm.Weight
		state[prefix+"ffn_norm.weight"] = layer.MLPNorm.Weight
		state[prefix+"lambdas"] = layer.Lambdas

		attn := layer.Attention
		state[prefix+"attn_q_a.weight"] = attn.compressQ.Weight
		state[prefix+"attn_q_a_norm.weight"] = attn.qNorm.Weight
		state[prefix+"attn_q_b_nope.weight"] = attn.decompressQNope.Weight
		state[prefix+"attn_q_b_rope.weight"] = attn.decompressQRope.Weight
		state[prefix+"attn_kv_a.weight"] = attn.compressKV.Weight
		state[prefix+"attn_kv_a_norm.weight"] = attn.kvNorm.Weight
		state[prefix+"attn_k_b_nope.weight"] = attn.decompressKNope.Weight
		state[prefix+"attn_v_b.weight"] = attn.decompressV.Weight
		state[prefix+"attn_k_rope.weight"] = attn.keyRope.Weight
		state[prefix+"attn_importance.weight"] = attn.importance.Weight
		state[prefix+"attn_sel_k.weight"] = attn.selectionK.Weight
		state[prefix+"attn_sel_v.weight"] = attn.selectionV.Weight
		state[prefix+"attn_win_k.weight"] = attn.windowK.Weight
		state[prefix+"attn_win_v.weight"] = attn.windowV.Weight
		state[prefix+"attn_branch_gate.weight"] = attn.branchGate.Weight
		state[prefix+"attn_out.weight"] = attn.output.Weight
		state[prefix+"attn_lamb_v"] = attn.LambV

		switch mlp := layer.MLP.(type) {
		case *dense:
			state[prefix+"ffn_up.weight"] = mlp.up.Weight
			state[prefix+"ffn_down.weight"] = mlp.down.Weight
		case *sparse:
			state[prefix+"ffn_gate_inp.weight"] = mlp.gate.Weight
			state[prefix+"exp_probs_b.bias"] = mlp.ExpertBias
			for e, expert := range mlp.experts {
				state[fmt.Sprintf("%sffn_up_exps.%d.weight", prefix, e)] = expert.up.Weight
				state[fmt.Sprintf("%sffn_down_exps.%d.weight", prefix, e)] = expert.down.Weight
			}
		}
	}
	return state
}

// SetState copies named tensors back into the model. Unknown names are
// rejected; shapes must match the built model exactly.
func (m *Model) SetState(state map[string]*ml.Tensor) error {
	current := m.State()
	for name, t := range state {
		dst, ok := current[name]
		if !ok {
			return fmt.Errorf("hybrid: unknown tensor %q in state", name)
		}
		if dst.Elements() != t.Elements() {
			return fmt.Errorf("hybrid: tensor %q has %d elements, model wants %d", name, t.Elements(), dst.Elements())
		}
		copy(dst.Data(), t.Data())
	}
	return nil
}
