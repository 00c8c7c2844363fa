package nanogpt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampleMult(t *testing.T) {
	probs := []float32{0.2, 0.3, 0.5}
	tests := []struct {
		coin float32
		want int
	}{
		{coin: 0.0, want: 0},
		{coin: 0.19, want: 0},
		{coin: 0.2, want: 1},
		{coin: 0.49, want: 1},
		{coin: 0.5, want: 2},
		{coin: 0.99, want: 2},
		{coin: 1.5, want: 2}, // rounding leftovers land on the last index
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sampleMult(probs, tt.coin), "coin %v", tt.coin)
	}
}

func TestSampleTopKRestrictsSupport(t *testing.T) {
	probs := []float32{0.05, 0.4, 0.1, 0.35, 0.1}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		got := sampleTopK(probs, 2, rng)
		assert.Contains(t, []int{1, 3}, got)
	}
}

func TestSampleTopKFallsBackToMultinomial(t *testing.T) {
	probs := []float32{0.25, 0.25, 0.25, 0.25}
	rng := rand.New(rand.NewSource(2))
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		got := sampleTopK(probs, 0, rng)
		assert.GreaterOrEqual(t, got, 0)
		assert.Less(t, got, len(probs))
		seen[got] = true
	}
	// k <= 0 keeps the full distribution in play
	assert.Len(t, seen, 4)

	got := sampleTopK(probs, 10, rng)
	assert.GreaterOrEqual(t, got, 0)
	assert.Less(t, got, len(probs))
}

func TestSampleTopKDeterministicDraw(t *testing.T) {
	// k=1 always picks the argmax regardless of the coin
	probs := []float32{0.1, 0.7, 0.2}
	for seed := int64(0); seed < 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		assert.Equal(t, 1, sampleTopK(probs, 1, rng))
	}
}
