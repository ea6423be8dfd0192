// Package hybrid implements one transformer layer's mixing step: a hybrid
// attention engine that blends a compressed global view, a selected-token
// view and a sliding-window view, and a mixture-of-experts feed-forward
// whose routing is balanced by a persistent bias instead of an auxiliary
// loss.
package hybrid

import (
	"errors"
	"fmt"

	"github.com/braidml/braid/fs"
)

var (
	// ErrInvalidLayerType is returned when a layer's feed-forward type is
	// neither "mlp" nor "moe".
	ErrInvalidLayerType = errors.New("hybrid: invalid layer type")

	// ErrInvalidOptions is returned for configurations the model cannot be
	// built from.
	ErrInvalidOptions = errors.New("hybrid: invalid options")
)

type Options struct {
	HiddenSize int
	NumHeads   int

	KVLoraRank  int
	QLoraRank   int
	RopeHeadDim int
	NopeHeadDim int
	VHeadDim    int

	RopeBase      float64
	ContextLength int

	WindowSize      int
	NumTokensToKeep int

	NumExperts   int // routable experts + the shared expert
	NumExp       int // experts active per token, including the shared one
	NoiseScaling float32

	Dropout float32
	Eps     float32

	LayerTypes []string
}

// headDim is the full per-head key/query width after recombining the
// rotary and non-rotary parts.
func (o *Options) headDim() int  { return o.RopeHeadDim + o.NopeHeadDim }
func (o *Options) valueDim() int { return o.NumHeads * o.VHeadDim }
func (o *Options) nopeDim() int  { return o.NumHeads * o.NopeHeadDim }
func (o *Options) ropeDim() int  { return o.NumHeads * o.RopeHeadDim }

func optionsFromConfig(c fs.Config) (*Options, error) {
	keyLength := c.Int("attention.key_length", 96)
	ropeDim := c.Int("rope.dimension_count", 64)
	ctxLen := c.Int("context_length", 2048)
	kvLoraRank := c.Int("attention.kv_lora_rank", 32)

	opts := &Options{
		HiddenSize: c.Int("embedding_length", 256),
		NumHeads:   c.Int("attention.head_count", 16),

		KVLoraRank:  kvLoraRank,
		QLoraRank:   c.Int("attention.q_lora_rank", 3*kvLoraRank),
		RopeHeadDim: ropeDim,
		NopeHeadDim: keyLength - ropeDim,
		VHeadDim:    c.Int("attention.value_length", 32),

		RopeBase:      float64(c.Float("rope.freq_base", 10000)),
		ContextLength: ctxLen,

		WindowSize:      c.Int("attention.window_size", 128),
		NumTokensToKeep: c.Int("attention.tokens_to_keep", ctxLen/4),

		NumExperts:   c.Int("expert_count", 32),
		NumExp:       c.Int("expert_used_count", 4),
		NoiseScaling: c.Float("expert_noise_scale", 0.02),

		Dropout: c.Float("dropout", 0.2),
		Eps:     c.Float("attention.layer_norm_rms_epsilon", 1e-6),

		LayerTypes: c.Strings("layer_types", []string{"mlp", "moe", "mlp", "moe"}),
	}
	return opts, opts.validate()
}

func (o *Options) validate() error {
	switch {
	case o.HiddenSize <= 0 || o.NumHeads <= 0:
		return fmt.Errorf("%w: hidden size %d, heads %d", ErrInvalidOptions, o.HiddenSize, o.NumHeads)
	case o.NopeHeadDim <= 0 || o.RopeHeadDim <= 0 || o.RopeHeadDim%2 != 0:
		return fmt.Errorf("%w: nope head dim %d, rope head dim %d", ErrInvalidOptions, o.NopeHeadDim, o.RopeHeadDim)
	case o.NumTokensToKeep <= 0:
		return fmt.Errorf("%w: selection count %d", ErrInvalidOptions, o.NumTokensToKeep)
	case o.WindowSize <= 0:
		return fmt.Errorf("%w: window size %d", ErrInvalidOptions, o.WindowSize)
	case o.NumExp < 2 || o.NumExp > o.NumExperts:
		return fmt.Errorf("%w: %d active of %d experts", ErrInvalidOptions, o.NumExp, o.NumExperts)
	case o.ContextLength <= 0:
		return fmt.Errorf("%w: context length %d", ErrInvalidOptions, o.ContextLength)
	}
	for _, t := range o.LayerTypes {
		if t != "mlp" && t != "moe" {
			return fmt.Errorf("%w: %q", ErrInvalidLayerType, t)
		}
	}
	return nil
}
