package hybrid

import (
	"math"
	"math/rand"
	"sort"

	"github.com/braidml/braid/kvcache"
	"github.com/braidml/braid/ml"
	"github.com/braidml/braid/ml/nn"
	"github.com/braidml/braid/ml/nn/rope"
)

// Attention blends three context views of the same sequence: a compressed
// global branch built from low-rank latent projections, a branch over the
// highest-scoring selected tokens, and a sliding-window branch. Branch
// outputs are combined with input-dependent gate weights.
type Attention struct {
	// latent projector, query side: compress to 3*kv_lora_rank, then
	// decompress into rotary and non-rotary per-head subspaces
	compressQ       *nn.Linear
	qNorm           *nn.RMSNorm
	decompressQNope *nn.Linear
	decompressQRope *nn.Linear

	// latent projector, key/value side; the rotary key projection is a
	// single head shared across all query heads
	compressKV      *nn.Linear
	kvNorm          *nn.RMSNorm
	decompressKNope *nn.Linear
	decompressV     *nn.Linear
	keyRope         *nn.Linear

	// selection branch
	importance *nn.Linear
	selectionK *nn.Linear
	selectionV *nn.Linear

	// window branch
	windowK *nn.Linear
	windowV *nn.Linear

	branchGate *nn.Linear
	output     *nn.Linear

	// LambV mixes the carried first-layer value into this layer's value:
	// value = (1-lambV)*value + lambV*carried. A learned scalar.
	LambV *ml.Tensor

	rope *rope.Table
	opts *Options
}

func NewAttention(rng *rand.Rand, opts *Options, table *rope.Table) *Attention {
	return &Attention{
		compressQ:       nn.NewLinear(rng, opts.HiddenSize, opts.QLoraRank, false),
		qNorm:           nn.NewRMSNorm(opts.QLoraRank),
		decompressQNope: nn.NewLinear(rng, opts.QLoraRank, opts.nopeDim(), false),
		decompressQRope: nn.NewLinear(rng, opts.QLoraRank, opts.ropeDim(), false),

		compressKV:      nn.NewLinear(rng, opts.HiddenSize, opts.KVLoraRank, false),
		kvNorm:          nn.NewRMSNorm(opts.KVLoraRank),
		decompressKNope: nn.NewLinear(rng, opts.KVLoraRank, opts.nopeDim(), false),
		decompressV:     nn.NewLinear(rng, opts.KVLoraRank, opts.valueDim(), false),
		keyRope:         nn.NewLinear(rng, opts.HiddenSize, opts.RopeHeadDim, false),

		importance: nn.NewLinear(rng, opts.HiddenSize, 1, false),
		selectionK: nn.NewLinear(rng, opts.HiddenSize, opts.NumHeads*opts.headDim(), false),
		selectionV: nn.NewLinear(rng, opts.HiddenSize, opts.valueDim(), false),

		windowK: nn.NewLinear(rng, opts.HiddenSize, opts.NumHeads*opts.headDim(), false),
		windowV: nn.NewLinear(rng, opts.HiddenSize, opts.valueDim(), false),

		branchGate: nn.NewLinear(rng, opts.HiddenSize, 3, false),
		output:     nn.NewLinear(rng, opts.valueDim(), opts.HiddenSize, false),

		LambV: ml.Scalar(0.5),

		rope: table,
		opts: opts,
	}
}

// Forward runs the blended attention over x [batch, seq, channel]. carried
// is the optional value tensor from the first layer of the stack, mixed in
// by LambV. cache must be nil in training and non-nil during incremental
// inference. Returns the mixed output and this layer's value tensor for the
// cross-layer value-residual carry.
func (attn *Attention) Forward(x, carried *ml.Tensor, cache *kvcache.Session, training bool, rng *rand.Rand) (*ml.Tensor, *ml.Tensor, error) {
	batch, seq := x.Dim(0), x.Dim(1)
	opts := attn.opts
	scale := 1 / math.Sqrt(float64(opts.headDim()))

	// During decode, tokens sit at absolute positions offset by the cache
	// fill. Positions beyond the rotary table are clamped, matching the
	// cache's capacity-bound truncation.
	offset := 0
	if !training && cache != nil {
		offset = cache.Filled()
	}
	positions := attn.chunkPositions(batch, seq, offset)

	// Queries through the latent projector.
	latentQ := attn.qNorm.Forward(attn.compressQ.Forward(x), opts.Eps)
	qNope := splitHeads(attn.decompressQNope.Forward(latentQ), opts.NumHeads)
	qRope, err := attn.rope.Apply(splitHeads(attn.decompressQRope.Forward(latentQ), opts.NumHeads), positions)
	if err != nil {
		return nil, nil, err
	}
	query := qNope.Concat(qRope)

	// Branch gate: one weight triple per batch item from the mean token
	// representation. The mean is scoped per item, never across the batch.
	gate := attn.branchGate.Forward(x.Mean(1)).SoftmaxRows(1)

	// Branch 1: compressed global view.
	latentKV := attn.kvNorm.Forward(attn.compressKV.Forward(x), opts.Eps)
	kNope := splitHeads(attn.decompressKNope.Forward(latentKV), opts.NumHeads)
	value := splitHeads(attn.decompressV.Forward(latentKV), opts.NumHeads)
	if carried != nil {
		value = value.Lerp(carried.Reshape(value.Shape()...), attn.LambV.At(0))
	}

	kRope, err := attn.rope.Apply(splitHeads(attn.keyRope.Forward(x), 1).Scale(1/float32(opts.NumHeads)), positions)
	if err != nil {
		return nil, nil, err
	}
	keyGlobal := kNope.Concat(repeatHeads(kRope, opts.NumHeads))

	var outGlobal *ml.Tensor
	if training || cache == nil {
		outGlobal = nn.Attention(query, keyGlobal, value, scale, true)
	} else {
		cache.Put(keyGlobal, value)
		k, v := cache.Get()
		outGlobal = nn.Attention(query, k, v, scale, true)
	}

	// Branch 2: selected tokens. Scores come from a scalar importance
	// projection; the top tokens are restored to sequence order and attend
	// non-causally, with rotary positions taken from their original indices.
	selTokens, selPositions := attn.selectTokens(x, offset)
	keySel, err := attn.projectKeys(attn.selectionK, selTokens, selPositions)
	if err != nil {
		return nil, nil, err
	}
	outSel := nn.Attention(query, keySel, splitHeads(attn.selectionV.Forward(selTokens), opts.NumHeads), scale, false)

	// Branch 3: sliding window. Training uses the full sequence under the
	// causal mask (the original behavior, kept deliberately); inference
	// clips a fixed window around the current decoding position.
	winTokens, winPositions, winCausal := x, positions, true
	if !training {
		start := max(0, seq-1-opts.WindowSize/2)
		end := min(seq, start+opts.WindowSize)
		winTokens = sliceSeq(x, start, end)
		winPositions = attn.chunkPositions(batch, end-start, offset+start)
		winCausal = false
	}
	keyWin, err := attn.projectKeys(attn.windowK, winTokens, winPositions)
	if err != nil {
		return nil, nil, err
	}
	outWin := nn.Attention(query, keyWin, splitHeads(attn.windowV.Forward(winTokens), opts.NumHeads), scale, winCausal)

	// Blend with per-batch-item gate weights and project out.
	blended := ml.Zeros(outGlobal.Shape()...)
	addScaledPerBatch(blended, outGlobal, gate, 0)
	addScaledPerBatch(blended, outSel, gate, 1)
	addScaledPerBatch(blended, outWin, gate, 2)

	out := attn.output.Forward(mergeHeads(blended))
	if training {
		out = dropout(out, opts.Dropout, rng)
	}
	return out, value, nil
}

// projectKeys projects tokens into per-head keys, rotates the rotary
// subspace at the given absolute positions and recombines. The layout per
// head is [nope | rope], matching the query recombination.
func (attn *Attention) projectKeys(proj *nn.Linear, tokens *ml.Tensor, positions [][]int) (*ml.Tensor, error) {
	opts := attn.opts
	k := splitHeads(proj.Forward(tokens), opts.NumHeads)
	kNope := sliceLastDim(k, 0, opts.NopeHeadDim)
	kRope, err := attn.rope.Apply(sliceLastDim(k, opts.NopeHeadDim, opts.headDim()), positions)
	if err != nil {
		return nil, err
	}
	return kNope.Concat(kRope), nil
}

// selectTokens picks the most important tokens per batch item, keeping them
// in original sequence order. The count clamps to the sequence length; score
// ties break toward the earlier token.
func (attn *Attention) selectTokens(x *ml.Tensor, offset int) (*ml.Tensor, [][]int) {
	batch, seq, channel := x.Dim(0), x.Dim(1), x.Dim(2)
	keep := min(attn.opts.NumTokensToKeep, seq)

	scores := attn.importance.Forward(x)
	out := ml.Zeros(batch, keep, channel)
	positions := make([][]int, batch)
	for b := 0; b < batch; b++ {
		indices := ml.TopK(scores.Data()[b*seq:(b+1)*seq], keep)
		sort.Ints(indices)

		positions[b] = make([]int, keep)
		for i, idx := range indices {
			copy(out.Data()[(b*keep+i)*channel:(b*keep+i+1)*channel], x.Data()[(b*seq+idx)*channel:(b*seq+idx+1)*channel])
			positions[b][i] = attn.clampPosition(offset + idx)
		}
	}
	return out, positions
}

func (attn *Attention) chunkPositions(batch, seq, offset int) [][]int {
	rows := rope.Positions(batch, seq, offset)
	for b := range rows {
		for i := range rows[b] {
			rows[b][i] = attn.clampPosition(rows[b][i])
		}
	}
	return rows
}

func (attn *Attention) clampPosition(p int) int {
	if p >= attn.opts.ContextLength {
		return attn.opts.ContextLength - 1
	}
	return p
}

// splitHeads reshapes [batch, seq, heads*dim] to [batch, heads, seq, dim].
func splitHeads(t *ml.Tensor, heads int) *ml.Tensor {
	batch, seq := t.Dim(0), t.Dim(1)
	dim := t.Dim(2) / heads
	out := ml.Zeros(batch, heads, seq, dim)
	src, dst := t.Data(), out.Data()
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			for h := 0; h < heads; h++ {
				copy(dst[((b*heads+h)*seq+s)*dim:((b*heads+h)*seq+s+1)*dim],
					src[((b*seq+s)*heads+h)*dim:((b*seq+s)*heads+h+1)*dim])
			}
		}
	}
	return out
}

// mergeHeads reshapes [batch, heads, seq, dim] back to [batch, seq, heads*dim].
func mergeHeads(t *ml.Tensor) *ml.Tensor {
	batch, heads, seq, dim := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	out := ml.Zeros(batch, seq, heads*dim)
	src, dst := t.Data(), out.Data()
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for s := 0; s < seq; s++ {
				copy(dst[((b*seq+s)*heads+h)*dim:((b*seq+s)*heads+h+1)*dim],
					src[((b*heads+h)*seq+s)*dim:((b*heads+h)*seq+s+1)*dim])
			}
		}
	}
	return out
}

// repeatHeads broadcasts [batch, 1, seq, dim] across the head axis.
func repeatHeads(t *ml.Tensor, heads int) *ml.Tensor {
	batch, seq, dim := t.Dim(0), t.Dim(2), t.Dim(3)
	out := ml.Zeros(batch, heads, seq, dim)
	src, dst := t.Data(), out.Data()
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			copy(dst[(b*heads+h)*seq*dim:(b*heads+h+1)*seq*dim], src[b*seq*dim:(b+1)*seq*dim])
		}
	}
	return out
}

// sliceLastDim copies columns [from, to) of the last axis.
func sliceLastDim(t *ml.Tensor, from, to int) *ml.Tensor {
	dim := t.Dim(-1)
	rows := t.Elements() / dim
	width := to - from
	shape := append([]int{}, t.Shape()...)
	shape[len(shape)-1] = width
	out := ml.Zeros(shape...)
	for r := 0; r < rows; r++ {
		copy(out.Data()[r*width:(r+1)*width], t.Data()[r*dim+from:r*dim+to])
	}
	return out
}

// sliceSeq copies tokens [from, to) along the sequence axis of [batch, seq,
// channel].
func sliceSeq(t *ml.Tensor, from, to int) *ml.Tensor {
	batch, seq, channel := t.Dim(0), t.Dim(1), t.Dim(2)
	out := ml.Zeros(batch, to-from, channel)
	for b := 0; b < batch; b++ {
		copy(out.Data()[b*(to-from)*channel:(b+1)*(to-from)*channel],
			t.Data()[(b*seq+from)*channel:(b*seq+to)*channel])
	}
	return out
}

// addScaledPerBatch accumulates src scaled by weights[b, col] into dst, both
// [batch, heads, seq, dim].
func addScaledPerBatch(dst, src, weights *ml.Tensor, col int) {
	batch := dst.Dim(0)
	per := dst.Elements() / batch
	cols := weights.Dim(1)
	for b := 0; b < batch; b++ {
		w := weights.Data()[b*cols+col]
		d := dst.Data()[b*per : (b+1)*per]
		s := src.Data()[b*per : (b+1)*per]
		for i := range d {
			d[i] += w * s[i]
		}
	}
}

// dropout applies inverted dropout with probability p.
func dropout(t *ml.Tensor, p float32, rng *rand.Rand) *ml.Tensor {
	if p <= 0 || rng == nil {
		return t
	}
	out := t.Clone()
	keep := 1 / (1 - p)
	for i, v := range out.Data() {
		if rng.Float32() < p {
			out.Data()[i] = 0
		} else {
			out.Data()[i] = v * keep
		}
	}
	return out
}
