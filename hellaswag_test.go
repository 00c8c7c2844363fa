package nanogpt

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBenchmark(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "val.jsonl")
	data := `{"ctx": "a man is", "label": 1, "endings": ["running", "swimming"]}

{"ctx": "the dog", "label": 0, "endings": ["barks", "meows", "oinks"]}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	examples, err := LoadBenchmark(path)
	require.NoError(t, err)
	require.Len(t, examples, 2)
	assert.Equal(t, "a man is", examples[0].Context)
	assert.Equal(t, 1, examples[0].Label)
	assert.Equal(t, []string{"barks", "meows", "oinks"}, examples[1].Endings)
}

func TestLoadBenchmarkRejectsBadExamples(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		data string
	}{
		{name: "label out of range", data: `{"ctx": "x", "label": 2, "endings": ["a", "b"]}`},
		{name: "negative label", data: `{"ctx": "x", "label": -1, "endings": ["a"]}`},
		{name: "no endings", data: `{"ctx": "x", "label": 0, "endings": []}`},
		{name: "broken json", data: `{"ctx": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".jsonl")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o644))
			_, err := LoadBenchmark(path)
			assert.Error(t, err)
		})
	}
}

func TestRenderExample(t *testing.T) {
	tok := newTokenizer([]string{"a", "b", "c", " "})
	ex := BenchmarkExample{Context: "ab", Label: 0, Endings: []string{"c", "a"}}

	cands, err := RenderExample(ex, tok)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	// endings get a leading space and a mask of ones over the ending region
	assert.Equal(t, []int32{0, 1, 3, 2}, cands[0].Tokens)
	assert.Equal(t, []byte{0, 0, 1, 1}, cands[0].Mask)
	assert.Equal(t, []int32{0, 1, 3, 0}, cands[1].Tokens)
	assert.Equal(t, []byte{0, 0, 1, 1}, cands[1].Mask)

	ex.Endings = []string{"z"}
	_, err = RenderExample(ex, tok)
	assert.Error(t, err)
}

func TestCompletionLossShiftsByOne(t *testing.T) {
	// position t scores the token at t+1; the mask is shifted the same way
	V := 3
	tokens := []int32{0, 1, 2}
	mask := []byte{0, 1, 1}
	probs := []float32{
		0.2, 0.5, 0.3, // position 0 predicts token 1 with p=0.5
		0.1, 0.1, 0.8, // position 1 predicts token 2 with p=0.8
		0.3, 0.3, 0.4, // position 2 predicts nothing
	}
	want := (-math.Log(0.5) - math.Log(0.8)) / 2
	assert.InDelta(t, want, float64(completionLoss(probs, tokens, mask, V)), 1e-6)

	// masking out the first ending token drops its term
	mask = []byte{0, 0, 1}
	assert.InDelta(t, -math.Log(0.8), float64(completionLoss(probs, tokens, mask, V)), 1e-6)

	// nothing to score
	loss := completionLoss(probs, tokens, []byte{0, 0, 0}, V)
	assert.True(t, math.IsInf(float64(loss), 1))
}

func TestMostLikelyCandidateUniformModel(t *testing.T) {
	model, err := NewGPT(toyConfig(), 1)
	require.NoError(t, err)
	// zeroed weights produce uniform probabilities, so every candidate ties
	// and the first one wins
	for i := range model.Params.Memory {
		model.Params.Memory[i] = 0
	}
	cands := []RenderedCandidate{
		{Tokens: []int32{0, 1, 2}, Mask: []byte{0, 1, 1}},
		{Tokens: []int32{0, 2, 1}, Mask: []byte{0, 1, 1}},
	}
	best, err := model.MostLikelyCandidate(cands)
	require.NoError(t, err)
	assert.Equal(t, 0, best)

	_, err = model.MostLikelyCandidate([]RenderedCandidate{{Tokens: []int32{0}, Mask: []byte{0}}})
	assert.Error(t, err)
}

func TestMostLikelyCandidatePrefersLikelyEnding(t *testing.T) {
	// a few optimizer steps on a fixed bigram stream make its continuation
	// the low-loss candidate
	model, err := NewGPT(toyConfig(), 4)
	require.NoError(t, err)
	opt := NewAdamW(model, 1e-2, 0)
	input := []int32{1, 2, 1, 2, 1, 2, 1, 2}
	target := []int32{2, 1, 2, 1, 2, 1, 2, 1}
	for i := 0; i < 30; i++ {
		model.ZeroGrads()
		require.NoError(t, model.Forward(input, target, 1, 8))
		require.NoError(t, model.Backward(1.0, false))
		opt.Step()
	}

	cands := []RenderedCandidate{
		{Tokens: []int32{1, 2, 1, 2}, Mask: []byte{0, 0, 1, 1}},
		{Tokens: []int32{1, 2, 7, 7}, Mask: []byte{0, 0, 1, 1}},
	}
	best, err := model.MostLikelyCandidate(cands)
	require.NoError(t, err)
	assert.Equal(t, 0, best)
}
