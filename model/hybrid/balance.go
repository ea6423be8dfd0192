package hybrid

import (
	"github.com/braidml/braid/logutil"
)

// UpdateExpertBias drives long-run expert utilization toward uniform. For
// each mixture-of-experts sublayer, in stack order, it sums the observed
// routing weight per routable expert, compares against the uniform target,
// and nudges the persistent bias by a fixed step in the direction of the
// error's sign. It runs once per training step after the forward/backward
// pass, entirely outside the differentiable path.
func (m *Model) UpdateExpertBias(allRouterWeights []*RouterWeights, updateRate float32) {
	j := 0
	for _, layer := range m.Layers {
		moe, ok := layer.MLP.(*sparse)
		if !ok {
			continue
		}
		if j >= len(allRouterWeights) {
			return
		}
		routerWeights := allRouterWeights[j]
		j++

		numExperts := moe.opts.NumExperts
		tokens := routerWeights.Weights.Dim(0)

		load := make([]float32, numExperts-1)
		var total float32
		for t := 0; t < tokens; t++ {
			row := routerWeights.Weights.Data()[t*numExperts : (t+1)*numExperts]
			for e, w := range row[1:] {
				load[e] += w
				total += w
			}
		}

		target := total / float32(numExperts-1)
		bias := moe.ExpertBias.Data()
		for e, c := range load {
			switch {
			case c > target:
				bias[e] += updateRate
			case c < target:
				bias[e] -= updateRate
			}
		}
		logutil.Trace("expert bias updated", "layer", routerWeights.Layer, "tokens", tokens, "target", target)
	}
}
