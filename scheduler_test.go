package nanogpt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRScheduleWarmup(t *testing.T) {
	s := NewLRSchedule(1.0, 10, 100)
	assert.InDelta(t, 0.1, float64(s.LR(0)), 1e-6)
	assert.InDelta(t, 0.5, float64(s.LR(4)), 1e-6)
	assert.InDelta(t, 1.0, float64(s.LR(9)), 1e-6)
	// warmup ramps monotonically
	for step := 1; step < 10; step++ {
		assert.Greater(t, s.LR(step), s.LR(step-1))
	}
}

func TestLRScheduleCosineDecay(t *testing.T) {
	s := NewLRSchedule(1.0, 10, 100)
	assert.InDelta(t, 0.1, float64(s.MinLR), 1e-6)
	// cosine starts at the peak and decays monotonically to the floor
	assert.InDelta(t, 1.0, float64(s.LR(10)), 1e-6)
	for step := 11; step <= 100; step++ {
		assert.LessOrEqual(t, s.LR(step), s.LR(step-1))
	}
	assert.InDelta(t, 0.1, float64(s.LR(100)), 1e-6)
	// midpoint of the decay window sits halfway between peak and floor
	assert.InDelta(t, 0.55, float64(s.LR(55)), 1e-6)
}

func TestLRScheduleAfterMaxSteps(t *testing.T) {
	s := NewLRSchedule(6e-4, 715, 19073)
	assert.InDelta(t, float64(s.MinLR), float64(s.LR(19073)), 1e-9)
	assert.InDelta(t, float64(s.MinLR), float64(s.LR(19074)), 1e-9)
	assert.InDelta(t, float64(s.MinLR), float64(s.LR(1_000_000)), 1e-9)
}

func TestLRScheduleDegenerateDecayWindow(t *testing.T) {
	// warmup covering the whole run leaves no decay window; the rate must
	// still be finite everywhere
	s := NewLRSchedule(1.0, 10, 10)
	assert.InDelta(t, 1.0, float64(s.LR(9)), 1e-6)
	assert.InDelta(t, 0.1, float64(s.LR(10)), 1e-6)
	assert.InDelta(t, 0.1, float64(s.LR(11)), 1e-6)
	for step := 0; step < 20; step++ {
		lr := float64(s.LR(step))
		assert.False(t, math.IsNaN(lr), "step %d", step)
		assert.False(t, math.IsInf(lr, 0), "step %d", step)
	}
}
