package nanogpt

import "math"

// AdamW is the adaptive update rule over two parameter groups: weight
// matrices and embedding tables receive weight decay, biases and layernorm
// scale/shift receive none. Decaying the latter measurably harms
// convergence, so the split is part of the training contract rather than a
// tuning knob.
type AdamW struct {
	LearningRate float32
	WeightDecay  float32
	Beta1        float32
	Beta2        float32
	Eps          float32

	model *GPT
	m     []float32 // first moment estimates
	v     []float32 // second moment estimates
	step  int
}

// NewAdamW builds the optimizer for a model with the standard GPT-2 training
// moments (beta1 0.9, beta2 0.95, eps 1e-8).
func NewAdamW(model *GPT, learningRate, weightDecay float32) *AdamW {
	return &AdamW{
		LearningRate: learningRate,
		WeightDecay:  weightDecay,
		Beta1:        0.9,
		Beta2:        0.95,
		Eps:          1e-8,
		model:        model,
	}
}

// SetLearningRate installs the scheduler's rate for the next Step. It applies
// to both parameter groups.
func (o *AdamW) SetLearningRate(lr float32) {
	o.LearningRate = lr
}

// NumDecayParams counts the parameters in the weight-decayed group.
func (o *AdamW) NumDecayParams() int {
	var n int
	for _, nt := range o.model.Params.Tensors() {
		if nt.Matrix() {
			n += nt.size()
		}
	}
	return n
}

// NumNoDecayParams counts the parameters exempt from weight decay.
func (o *AdamW) NumNoDecayParams() int {
	return o.model.Params.Len() - o.NumDecayParams()
}

// Step applies one AdamW update using the model's accumulated gradients,
// with bias-corrected moment estimates and decoupled weight decay.
func (o *AdamW) Step() {
	if o.m == nil {
		o.m = make([]float32, o.model.Params.Len())
		o.v = make([]float32, o.model.Params.Len())
	}
	if len(o.model.Grads.Memory) == 0 {
		cfg := o.model.Config
		o.model.Grads.Init(cfg.V, cfg.C, cfg.MaxSeqLen, cfg.L)
	}
	o.step++
	params := o.model.Params.Memory
	grads := o.model.Grads.Memory
	beta1Corr := 1.0 - float32(math.Pow(float64(o.Beta1), float64(o.step)))
	beta2Corr := 1.0 - float32(math.Pow(float64(o.Beta2), float64(o.step)))
	for _, nt := range o.model.Params.Tensors() {
		decay := o.WeightDecay
		if !nt.Matrix() {
			decay = 0
		}
		for i := nt.Offset; i < nt.Offset+nt.size(); i++ {
			g := grads[i]
			m := o.Beta1*o.m[i] + (1.0-o.Beta1)*g
			v := o.Beta2*o.v[i] + (1.0-o.Beta2)*g*g
			o.m[i] = m
			o.v[i] = v
			mHat := m / beta1Corr
			vHat := v / beta2Corr
			params[i] -= o.LearningRate * (mHat/(float32(math.Sqrt(float64(vHat)))+o.Eps) + decay*params[i])
		}
	}
}

// ClipGradNorm rescales grads in place so their global L2 norm does not
// exceed maxNorm, and returns the pre-clip norm. Norms at or below the limit
// (including an all-zero gradient) leave the values untouched.
func ClipGradNorm(grads []float32, maxNorm float32) float32 {
	var sumsq float64
	for _, g := range grads {
		sumsq += float64(g) * float64(g)
	}
	norm := float32(math.Sqrt(sumsq))
	if norm <= maxNorm {
		return norm
	}
	scale := maxNorm / norm
	for i := range grads {
		grads[i] *= scale
	}
	return norm
}
