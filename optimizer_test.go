package nanogpt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParamGroupSizes(t *testing.T) {
	cfg := toyConfig()
	model, err := NewGPT(cfg, 1)
	require.NoError(t, err)
	opt := NewAdamW(model, 1e-3, 0.1)

	V, C, L, maxT := cfg.V, cfg.C, cfg.L, cfg.MaxSeqLen
	wantDecay := V*C + maxT*C + L*(3*C*C+C*C+4*C*C+C*4*C)
	assert.Equal(t, wantDecay, opt.NumDecayParams())
	assert.Equal(t, model.Params.Len()-wantDecay, opt.NumNoDecayParams())

	// decay is decided by the per-layer logical shape: stacked biases and
	// layernorm params are carved as (L, C)-style views but stay undecayed
	wantMatrix := map[string]bool{
		"wte": true, "wpe": true,
		"qkvw": true, "attprojw": true, "fcw": true, "fcprojw": true,
		"ln1w": false, "ln1b": false, "qkvb": false, "attprojb": false,
		"ln2w": false, "ln2b": false, "fcb": false, "fcprojb": false,
		"lnfw": false, "lnfb": false,
	}
	require.Len(t, model.Params.Tensors(), len(wantMatrix))
	for _, nt := range model.Params.Tensors() {
		assert.Equal(t, wantMatrix[nt.Name], nt.Matrix(), nt.Name)
	}
}

func TestWeightDecayOnlyTouchesMatrices(t *testing.T) {
	model, err := NewGPT(toyConfig(), 1)
	require.NoError(t, err)
	for i := range model.Params.Memory {
		model.Params.Memory[i] = 1
	}

	// zero gradients: the Adam term vanishes and only decoupled decay remains
	opt := NewAdamW(model, 0.1, 0.5)
	opt.Step()

	assert.InDelta(t, 0.95, float64(model.Params.WordTokEmbed.data[0]), 1e-6)
	assert.InDelta(t, 0.95, float64(model.Params.QueryKeyValW.data[0]), 1e-6)
	assert.InDelta(t, 0.95, float64(model.Params.FeedFwdProjW.data[0]), 1e-6)
	assert.InDelta(t, 1.0, float64(model.Params.QueryKeyValB.data[0]), 1e-6)
	assert.InDelta(t, 1.0, float64(model.Params.AttProjB.data[0]), 1e-6)
	assert.InDelta(t, 1.0, float64(model.Params.FeedFwdB.data[0]), 1e-6)
	assert.InDelta(t, 1.0, float64(model.Params.LayerNorm1W.data[0]), 1e-6)
	assert.InDelta(t, 1.0, float64(model.Params.LayerNorm2B.data[0]), 1e-6)
	assert.InDelta(t, 1.0, float64(model.Params.LayerFinNormB.data[0]), 1e-6)
}

func TestStepMovesAgainstGradient(t *testing.T) {
	model, err := NewGPT(toyConfig(), 2)
	require.NoError(t, err)
	input := []int32{1, 2, 3, 4}
	target := []int32{2, 3, 4, 5}
	require.NoError(t, model.Forward(input, target, 1, 4))
	before := model.MeanLoss
	require.NoError(t, model.Backward(1.0, false))

	opt := NewAdamW(model, 1e-3, 0)
	opt.Step()

	require.NoError(t, model.Forward(input, target, 1, 4))
	assert.Less(t, model.MeanLoss, before)
}

func TestClipGradNorm(t *testing.T) {
	tests := []struct {
		name     string
		grads    []float32
		maxNorm  float32
		wantNorm float32
		want     []float32
	}{
		{name: "clipped", grads: []float32{3, 4}, maxNorm: 1, wantNorm: 5, want: []float32{0.6, 0.8}},
		{name: "under the limit", grads: []float32{0.3, 0.4}, maxNorm: 1, wantNorm: 0.5, want: []float32{0.3, 0.4}},
		{name: "exactly at the limit", grads: []float32{1, 0}, maxNorm: 1, wantNorm: 1, want: []float32{1, 0}},
		{name: "all zero", grads: []float32{0, 0, 0}, maxNorm: 1, wantNorm: 0, want: []float32{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			norm := ClipGradNorm(tt.grads, tt.maxNorm)
			assert.InDelta(t, float64(tt.wantNorm), float64(norm), 1e-6)
			assert.InDeltaSlice(t, tt.want, tt.grads, 1e-6)
		})
	}
}
