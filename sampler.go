package nanogpt

import (
	"fmt"
	"math/rand"
	"sort"
)

// sampleMult draws an index from a discrete distribution by walking the CDF
// with a uniform coin in [0, 1).
func sampleMult(probabilities []float32, coin float32) int {
	var cdf float32
	for i, prob := range probabilities {
		cdf += prob
		if coin < cdf {
			return i
		}
	}
	return len(probabilities) - 1 // rounding leftovers land on the last index
}

// sampleTopK restricts sampling to the k highest-probability tokens,
// renormalized, then draws one with rng. k <= 0 or k >= len(probs) falls
// back to plain multinomial sampling.
func sampleTopK(probs []float32, k int, rng *rand.Rand) int {
	if k <= 0 || k >= len(probs) {
		return sampleMult(probs, rng.Float32())
	}
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return probs[idx[a]] > probs[idx[b]]
	})
	topProbs := make([]float32, k)
	var sum float32
	for i := 0; i < k; i++ {
		topProbs[i] = probs[idx[i]]
		sum += topProbs[i]
	}
	for i := range topProbs {
		topProbs[i] /= sum
	}
	return idx[sampleMult(topProbs, rng.Float32())]
}

// Generate extends prompt autoregressively to maxLen tokens using top-k
// sampling. The caller supplies the random source, so samples are
// reproducible per worker without touching any global generator. Every step
// recomputes the full prefix; generation here exists for training-time
// spot checks, not serving.
func (model *GPT) Generate(prompt []int32, maxLen, topK int, rng *rand.Rand) ([]int32, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("empty generation prompt")
	}
	if maxLen > model.Config.MaxSeqLen {
		return nil, fmt.Errorf("generation length %d exceeds block size %d", maxLen, model.Config.MaxSeqLen)
	}
	seq := append([]int32(nil), prompt...)
	for len(seq) < maxLen {
		if err := model.Forward(seq, nil, 1, len(seq)); err != nil {
			return nil, err
		}
		probs := model.Acts.Probabilities.data[(len(seq)-1)*model.Config.V:]
		next := sampleTopK(probs[:model.Config.V], topK, rng)
		seq = append(seq, int32(next))
	}
	return seq, nil
}
