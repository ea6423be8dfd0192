package hybrid

import (
	"fmt"
	"math/rand"

	"github.com/braidml/braid/fs"
	"github.com/braidml/braid/kvcache"
	"github.com/braidml/braid/ml"
	"github.com/braidml/braid/ml/nn"
	"github.com/braidml/braid/ml/nn/rope"
)

// Layer is one transformer layer: blended attention plus a feed-forward
// sublayer, wired pre-norm with residual connections and an embed shortcut
// mixing the layer input with the stack's initial representation.
type Layer struct {
	AttentionNorm *nn.RMSNorm
	Attention     *Attention

	MLPNorm *nn.RMSNorm
	MLP     MLP

	// Lambdas mixes the current state with the initial embedding before
	// attention: lambdas[0]*x + lambdas[1]*x0. Learned.
	Lambdas *ml.Tensor

	opts *Options
}

// Forward applies the layer to x [batch, seq, channel]. x0 is the stack's
// initial representation, carried is the optional first-layer value tensor,
// and cache is nil in training mode. Returns the new representation, this
// layer's value tensor, and router weights (nil for dense layers).
func (t *Layer) Forward(x, x0, carried *ml.Tensor, cache *kvcache.Session, training bool, rng *rand.Rand) (*ml.Tensor, *ml.Tensor, *ml.Tensor, error) {
	mixed := x.Scale(t.Lambdas.At(0)).Add(x0.Scale(t.Lambdas.At(1)))

	attnOut, valueOut, err := t.Attention.Forward(t.AttentionNorm.Forward(mixed, t.opts.Eps), carried, cache, training, rng)
	if err != nil {
		return nil, nil, nil, err
	}
	x = x.Add(attnOut)

	ffnOut, routerWeights := t.MLP.Forward(t.MLPNorm.Forward(x, t.opts.Eps), training)
	return x.Add(ffnOut), valueOut, routerWeights, nil
}

// RouterWeights is one mixture-of-experts sublayer's routing result for a
// forward pass: [tokens, numExperts] rows summing to 1, handed to
// UpdateExpertBias by the training driver.
type RouterWeights struct {
	Layer   int
	Weights *ml.Tensor
}

// Model is a stack of layers operating on token representations that the
// caller has already embedded and positioned. Embedding lookup, the language
// model head and the loss stay outside.
type Model struct {
	Layers []*Layer

	opts  *Options
	table *rope.Table
	rng   *rand.Rand

	wasTraining bool
}

func New(c fs.Config, seed int64) (*Model, error) {
	opts, err := optionsFromConfig(c)
	if err != nil {
		return nil, err
	}
	return NewFromOptions(opts, seed)
}

func NewFromOptions(opts *Options, seed int64) (*Model, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	table, err := rope.New(opts.RopeHeadDim, rope.WithBase(opts.RopeBase), rope.WithMaxLength(opts.ContextLength))
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed))
	m := &Model{opts: opts, table: table, rng: rng}
	for i, layerType := range opts.LayerTypes {
		layer := &Layer{
			AttentionNorm: nn.NewRMSNorm(opts.HiddenSize),
			Attention:     NewAttention(rng, opts, table),
			MLPNorm:       nn.NewRMSNorm(opts.HiddenSize),
			Lambdas:       ml.FromSlice([]float32{1, 0}, 2),
			opts:          opts,
		}
		switch layerType {
		case "mlp":
			layer.MLP = newDense(rng, opts)
		case "moe":
			layer.MLP = newSparse(rng, opts)
		default:
			return nil, fmt.Errorf("%w: %q at layer %d", ErrInvalidLayerType, layerType, i)
		}
		m.Layers = append(m.Layers, layer)
	}
	return m, nil
}

func (m *Model) Options() *Options { return m.opts }

// Session owns the per-layer inference caches for one generation session.
// Concurrent sessions over the same model must use separate Session
// instances.
type Session struct {
	caches []*kvcache.Session
}

func (s *Session) Reset() {
	for _, c := range s.caches {
		c.Reset()
	}
}

// NewSession creates the cache state for a generation session. Pass it to
// Forward for incremental decoding; pass nil to Forward for training mode.
func (m *Model) NewSession() *Session {
	opts := m.opts
	caches := make([]*kvcache.Session, len(m.Layers))
	for i := range caches {
		caches[i] = kvcache.NewSession(opts.NumHeads, opts.ContextLength, opts.headDim(), opts.VHeadDim)
	}
	return &Session{caches: caches}
}

// Forward runs the stack over x [batch, seq, channel]. A nil session means
// training mode: dropout and routing noise are active and inference caches
// are ignored. With a session, the call appends to the session's caches for
// step-by-step decoding. The first training call after inference, and the
// first inference call after training, see fresh cache state.
//
// The first layer's value tensor is captured and threaded to later layers
// as the value-residual carry; the copy taken here is the explicit
// stop-gradient point.
func (m *Model) Forward(x *ml.Tensor, sess *Session) (*ml.Tensor, []*RouterWeights, error) {
	training := sess == nil
	if !training && m.wasTraining {
		sess.Reset()
	}
	m.wasTraining = training

	x0 := x.Clone()
	var carried *ml.Tensor
	var allRouterWeights []*RouterWeights

	for i, layer := range m.Layers {
		var cache *kvcache.Session
		if sess != nil {
			cache = sess.caches[i]
		}

		out, valueOut, routerWeights, err := layer.Forward(x, x0, carried, cache, training, m.rng)
		if err != nil {
			return nil, nil, err
		}
		x = out

		if routerWeights != nil {
			allRouterWeights = append(allRouterWeights, &RouterWeights{Layer: i, Weights: routerWeights})
		}
		if i == 0 {
			carried = valueOut.Clone()
		}
	}
	return x, allRouterWeights, nil
}
