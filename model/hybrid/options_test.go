package hybrid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braidml/braid/fs"
)

func TestOptionsFromConfigDefaults(t *testing.T) {
	opts, err := optionsFromConfig(fs.NewConfig(nil))
	require.NoError(t, err)

	assert.Equal(t, 256, opts.HiddenSize)
	assert.Equal(t, 16, opts.NumHeads)
	assert.Equal(t, 32, opts.KVLoraRank)
	assert.Equal(t, 96, opts.QLoraRank)
	assert.Equal(t, 64, opts.RopeHeadDim)
	assert.Equal(t, 32, opts.NopeHeadDim)
	assert.Equal(t, 32, opts.VHeadDim)
	assert.Equal(t, 2048, opts.ContextLength)
	assert.Equal(t, 128, opts.WindowSize)
	assert.Equal(t, 512, opts.NumTokensToKeep)
	assert.Equal(t, 32, opts.NumExperts)
	assert.Equal(t, 4, opts.NumExp)
	assert.Equal(t, []string{"mlp", "moe", "mlp", "moe"}, opts.LayerTypes)
}

func TestOptionsFromConfigOverrides(t *testing.T) {
	opts, err := optionsFromConfig(fs.NewConfig(map[string]any{
		"embedding_length":       64,
		"attention.head_count":   4,
		"attention.kv_lora_rank": 8,
		"context_length":         256,
	}))
	require.NoError(t, err)

	assert.Equal(t, 64, opts.HiddenSize)
	assert.Equal(t, 24, opts.QLoraRank, "query rank follows the key/value rank")
	assert.Equal(t, 64, opts.NumTokensToKeep, "selection count follows the context length")
}

func TestOptionsValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Options)
		err    error
	}{
		{"zero hidden size", func(o *Options) { o.HiddenSize = 0 }, ErrInvalidOptions},
		{"zero heads", func(o *Options) { o.NumHeads = 0 }, ErrInvalidOptions},
		{"odd rope dim", func(o *Options) { o.RopeHeadDim = 5 }, ErrInvalidOptions},
		{"no nope dim", func(o *Options) { o.NopeHeadDim = 0 }, ErrInvalidOptions},
		{"zero selection count", func(o *Options) { o.NumTokensToKeep = 0 }, ErrInvalidOptions},
		{"zero window", func(o *Options) { o.WindowSize = 0 }, ErrInvalidOptions},
		{"one active expert", func(o *Options) { o.NumExp = 1 }, ErrInvalidOptions},
		{"more active than experts", func(o *Options) { o.NumExp = o.NumExperts + 1 }, ErrInvalidOptions},
		{"zero context", func(o *Options) { o.ContextLength = 0 }, ErrInvalidOptions},
		{"unknown layer type", func(o *Options) { o.LayerTypes = []string{"mlp", "conv"} }, ErrInvalidLayerType},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.mutate(opts)
			assert.ErrorIs(t, opts.validate(), tt.err)
		})
	}
}
