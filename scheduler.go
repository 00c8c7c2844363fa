package nanogpt

import "math"

// LRSchedule maps a training step to a learning rate: linear warmup to MaxLR
// over WarmupSteps, cosine decay to MinLR by MaxSteps, constant MinLR after.
// It is a pure function of the step; the trainer owns the step counter.
type LRSchedule struct {
	MaxLR       float32
	MinLR       float32
	WarmupSteps int
	MaxSteps    int
}

// NewLRSchedule uses the standard MinLR = 0.1 * MaxLR floor.
func NewLRSchedule(maxLR float32, warmupSteps, maxSteps int) LRSchedule {
	return LRSchedule{
		MaxLR:       maxLR,
		MinLR:       0.1 * maxLR,
		WarmupSteps: warmupSteps,
		MaxSteps:    maxSteps,
	}
}

// LR returns the learning rate for step.
func (s LRSchedule) LR(step int) float32 {
	if step < s.WarmupSteps {
		return s.MaxLR * float32(step+1) / float32(s.WarmupSteps)
	}
	if step >= s.MaxSteps {
		// also covers a degenerate window with WarmupSteps == MaxSteps,
		// which would otherwise divide zero by zero below
		return s.MinLR
	}
	decayRatio := float64(step-s.WarmupSteps) / float64(s.MaxSteps-s.WarmupSteps)
	coeff := 0.5 * (1.0 + math.Cos(math.Pi*decayRatio))
	return s.MinLR + float32(coeff)*(s.MaxLR-s.MinLR)
}
