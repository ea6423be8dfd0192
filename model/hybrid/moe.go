package hybrid

import (
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/braidml/braid/ml"
	"github.com/braidml/braid/ml/nn"
)

// MLP is the feed-forward sublayer. The variant (plain feed-forward or
// mixture-of-experts) is resolved once per layer at construction. Sparse
// variants return the per-token router weight rows; dense variants return
// nil.
type MLP interface {
	Forward(x *ml.Tensor, training bool) (*ml.Tensor, *ml.Tensor)
}

// dense is a two-layer feed-forward with squared-ReLU activation.
type dense struct {
	up      *nn.Linear
	down    *nn.Linear
	dropout float32
	rng     *rand.Rand
}

func newDense(rng *rand.Rand, opts *Options) *dense {
	return &dense{
		up:      nn.NewLinear(rng, opts.HiddenSize, 4*opts.HiddenSize, false),
		down:    nn.NewLinear(rng, 4*opts.HiddenSize, opts.HiddenSize, false),
		dropout: opts.Dropout,
		// Experts run concurrently, so each dense owns its generator.
		rng: rand.New(rand.NewSource(rng.Int63())),
	}
}

func (m *dense) Forward(x *ml.Tensor, training bool) (*ml.Tensor, *ml.Tensor) {
	h := m.up.Forward(x)
	for i, v := range h.Data() {
		if v > 0 {
			h.Data()[i] = v * v
		} else {
			h.Data()[i] = 0
		}
	}
	out := m.down.Forward(h)
	if training {
		out = dropout(out, m.dropout, m.rng)
	}
	return out, nil
}

// sparse routes each token to a few experts plus one always-on shared
// expert. Expert 0 is the shared expert; the gate scores the remaining
// numExperts-1. A persistent per-expert bias, adjusted between training
// steps by the balancer, keeps long-run utilization uniform without an
// auxiliary loss.
type sparse struct {
	experts []*dense
	gate    *nn.Linear

	// ExpertBias is added to gate scores before selection. It is never
	// trained by gradient descent; only UpdateExpertBias mutates it.
	ExpertBias *ml.Tensor

	opts *Options
	rng  *rand.Rand
}

func newSparse(rng *rand.Rand, opts *Options) *sparse {
	experts := make([]*dense, opts.NumExperts)
	for i := range experts {
		experts[i] = newDense(rng, opts)
	}
	return &sparse{
		experts:    experts,
		gate:       nn.NewLinear(rng, opts.HiddenSize, opts.NumExperts-1, false),
		ExpertBias: ml.Zeros(opts.NumExperts - 1),
		opts:       opts,
		rng:        rng,
	}
}

func (moe *sparse) Forward(x *ml.Tensor, training bool) (*ml.Tensor, *ml.Tensor) {
	batch, seq, channel := x.Dim(0), x.Dim(1), x.Dim(2)
	tokens := batch * seq
	flat := x.Reshape(tokens, channel)

	routerWeights := moe.route(flat, training)

	// Dense compute, sparse weighting: every expert is evaluated over the
	// full token batch and the router rows decide what survives. Simple and
	// exact; true sparse dispatch may replace it as long as the weighting is
	// identical.
	outs := make([]*ml.Tensor, len(moe.experts))
	var g errgroup.Group
	for e := range moe.experts {
		g.Go(func() error {
			outs[e], _ = moe.experts[e].Forward(flat, training)
			return nil
		})
	}
	g.Wait()

	numExperts := moe.opts.NumExperts
	out := ml.Zeros(tokens, channel)
	for e, expertOut := range outs {
		src := expertOut.Data()
		for t := 0; t < tokens; t++ {
			w := routerWeights.Data()[t*numExperts+e]
			if w == 0 {
				continue
			}
			row := out.Data()[t*channel : (t+1)*channel]
			erow := src[t*channel : (t+1)*channel]
			for i := range row {
				row[i] += w * erow[i]
			}
		}
	}
	return out.Reshape(batch, seq, channel), routerWeights
}

// route produces one weight row of length numExperts per token: the shared
// expert at column 0 with weight 1/numExp, and numExp-1 selected routable
// experts rescaled so each row sums to 1.
func (moe *sparse) route(flat *ml.Tensor, training bool) *ml.Tensor {
	tokens := flat.Dim(0)
	opts := moe.opts
	routable := opts.NumExperts - 1

	scores := moe.gate.Forward(flat).SoftmaxRows(1)
	if training {
		// Multiplicative unit-centered noise: exploration pressure on the
		// routing, identity in evaluation mode.
		base := 1 - opts.NoiseScaling/2
		for i := range scores.Data() {
			scores.Data()[i] *= base + moe.rng.Float32()*opts.NoiseScaling
		}
	}

	bias := moe.ExpertBias.Data()
	weights := ml.Zeros(tokens, opts.NumExperts)
	selected := make([]float32, routable)
	for t := 0; t < tokens; t++ {
		row := scores.Data()[t*routable : (t+1)*routable]
		for i := range row {
			selected[i] = row[i] + bias[i]
		}

		indices := ml.TopK(selected, opts.NumExp-1)
		var sum float32
		for _, idx := range indices {
			sum += selected[idx]
		}
		if sum < ml.MinScale {
			sum = ml.MinScale
		}

		wrow := weights.Data()[t*opts.NumExperts : (t+1)*opts.NumExperts]
		wrow[0] = 1 / float32(opts.NumExp)
		rescale := float32(opts.NumExp-1) / float32(opts.NumExp)
		for _, idx := range indices {
			// idx scores routable expert idx+1; a token reaches each expert
			// at most once since top-k indices are distinct.
			wrow[idx+1] += selected[idx] / sum * rescale
		}
	}
	return weights
}
