package nanogpt

import (
	"errors"
	"fmt"
	"math"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// GPT is a decoder-only transformer language model with its full training
// state: weights, weight gradients, activations and activation gradients.
// Parameter gradients accumulate across Backward calls until ZeroGrads, which
// is what makes gradient accumulation over micro-batches work.
type GPT struct {
	Config Config
	Params ParameterTensors // weights
	Grads  ParameterTensors // gradient accumulator, same layout as Params
	Acts   ActivationTensors
	// gradients of the activations, zeroed on every Backward call
	ActGrads ActivationTensors
	// Comm averages gradients across data-parallel workers. Nil means
	// single-process execution.
	Comm Communicator

	B, T     int     // batch shape the activation buffers are sized for
	Inputs   []int32 // inputs of the last forward pass
	Targets  []int32 // targets of the last forward pass, empty when absent
	MeanLoss float32 // mean token cross-entropy of the last forward pass, -1 without targets
}

type initRule struct {
	Name string
	Std  float64
}

// initPlan is the explicit initialization recipe, computed once from the
// architecture shape: every weight matrix and embedding draws from N(0, 0.02),
// except the two projections per layer that feed the residual stream, which
// are scaled down by sqrt(2*L) because each layer adds twice into the stream.
// Biases stay zero; layernorm scales are set to one separately.
func initPlan(cfg Config) []initRule {
	residualStd := 0.02 / math.Sqrt(float64(2*cfg.L))
	return []initRule{
		{"wte", 0.02},
		{"wpe", 0.02},
		{"qkvw", 0.02},
		{"attprojw", residualStd},
		{"fcw", 0.02},
		{"fcprojw", residualStd},
	}
}

// NewGPT builds a model with freshly initialized weights. The seed fixes the
// Gaussian draws, so two models built from the same seed are identical.
func NewGPT(cfg Config, seed uint64) (*GPT, error) {
	if _, err := NewConfig(cfg.MaxSeqLen, cfg.V, cfg.L, cfg.NH, cfg.C); err != nil {
		return nil, err
	}
	model := &GPT{Config: cfg, MeanLoss: -1.0}
	model.Params.Init(cfg.V, cfg.C, cfg.MaxSeqLen, cfg.L)

	src := xrand.NewSource(seed)
	plan := initPlan(cfg)
	for _, nt := range model.Params.Tensors() {
		switch nt.Name {
		case "ln1w", "ln2w", "lnfw":
			for i := range nt.data {
				nt.data[i] = 1.0
			}
		default:
			for _, rule := range plan {
				if rule.Name != nt.Name {
					continue
				}
				normal := distuv.Normal{Mu: 0, Sigma: rule.Std, Src: src}
				for i := range nt.data {
					nt.data[i] = float32(normal.Rand())
				}
			}
		}
	}
	return model, nil
}

func (model *GPT) String() string {
	var s string
	s += "[GPT-2]\n"
	s += fmt.Sprintf("block_size: %d\n", model.Config.MaxSeqLen)
	s += fmt.Sprintf("vocab_size: %d\n", model.Config.V)
	s += fmt.Sprintf("n_layer: %d\n", model.Config.L)
	s += fmt.Sprintf("n_head: %d\n", model.Config.NH)
	s += fmt.Sprintf("n_embed: %d\n", model.Config.C)
	s += fmt.Sprintf("num_parameters: %d\n", model.Params.Len())
	return s
}

// NumParameters is the total weight count. Tied weights count once.
func (model *GPT) NumParameters() int {
	return model.Params.Len()
}

// Forward runs the model on a (B, T) batch of token ids. target may be nil;
// when present it must be the input shifted by one at the call site, and the
// mean token cross-entropy lands in MeanLoss. Sequences longer than the
// block size are an error: there is no positional embedding beyond it.
func (model *GPT) Forward(input, target []int32, B, T int) error {
	cfg := model.Config
	V, L, NH, C := cfg.V, cfg.L, cfg.NH, cfg.C
	if T > cfg.MaxSeqLen {
		return fmt.Errorf("cannot forward sequence of length %d, block size is %d", T, cfg.MaxSeqLen)
	}
	if len(input) < B*T {
		return fmt.Errorf("input has %d tokens, need %d for B=%d T=%d", len(input), B*T, B, T)
	}
	if model.Acts.Memory == nil || model.B != B || model.T != T {
		model.B, model.T = B, T
		model.Acts.Init(B, C, T, L, NH, V)
		if model.ActGrads.Memory != nil {
			model.ActGrads.Init(B, C, T, L, NH, V)
		}
		model.Inputs = make([]int32, B*T)
		model.Targets = make([]int32, B*T)
	}
	copy(model.Inputs, input)
	params, acts := model.Params, model.Acts

	encoderForward(acts.Encoded.data, input, params.WordTokEmbed.data, params.WordPosEmbed.data, B, T, C)
	var residual []float32
	for l := 0; l < L; l++ {
		if l == 0 {
			residual = acts.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
		}
		lnw1 := params.LayerNorm1W.data[l*C:]
		lnb1 := params.LayerNorm1B.data[l*C:]
		qkvw := params.QueryKeyValW.data[l*3*C*C:]
		qkvb := params.QueryKeyValB.data[l*3*C:]
		attprojw := params.AttProjW.data[l*C*C:]
		attprojb := params.AttProjB.data[l*C:]
		lnw2 := params.LayerNorm2W.data[l*C:]
		lnb2 := params.LayerNorm2B.data[l*C:]
		fcw := params.FeedFwdW.data[l*4*C*C:]
		fcb := params.FeedFwdB.data[l*4*C:]
		fcprojw := params.FeedFwdProjW.data[l*C*4*C:]
		fcprojb := params.FeedFwdProjB.data[l*C:]

		ln1 := acts.LayerNorm1Act.data[l*B*T*C:]
		ln1Mean := acts.LayerNorm1Mean.data[l*B*T:]
		ln1Rstd := acts.LayerNorm1Rstd.data[l*B*T:]
		qkv := acts.QueryKeyVal.data[l*B*T*3*C:]
		atty := acts.AttentionOut.data[l*B*T*C:]
		preatt := acts.PreAttention.data[l*B*NH*T*T:]
		att := acts.Attention.data[l*B*NH*T*T:]
		attproj := acts.AttentionProj.data[l*B*T*C:]
		residual2 := acts.Residual2.data[l*B*T*C:]
		ln2 := acts.LayerNorm2Act.data[l*B*T*C:]
		ln2Mean := acts.LayerNorm2Mean.data[l*B*T:]
		ln2Rstd := acts.LayerNorm2Rstd.data[l*B*T:]
		fch := acts.FeedForward.data[l*B*T*4*C:]
		fchGelu := acts.FeedForwardGelu.data[l*B*T*4*C:]
		fcproj := acts.FeedForwardProj.data[l*B*T*C:]
		residual3 := acts.Residual3.data[l*B*T*C:]

		// x = x + attn(ln1(x))
		layernormForward(ln1, ln1Mean, ln1Rstd, residual, lnw1, lnb1, B, T, C)
		matmulForward(qkv, ln1, qkvw, qkvb, B, T, C, 3*C)
		attentionForward(atty, preatt, att, qkv, B, T, C, NH)
		matmulForward(attproj, atty, attprojw, attprojb, B, T, C, C)
		residualForward(residual2, residual, attproj, B*T*C)
		// x = x + mlp(ln2(x))
		layernormForward(ln2, ln2Mean, ln2Rstd, residual2, lnw2, lnb2, B, T, C)
		matmulForward(fch, ln2, fcw, fcb, B, T, C, 4*C)
		geluForward(fchGelu, fch, B*T*4*C)
		matmulForward(fcproj, fchGelu, fcprojw, fcprojb, B, T, 4*C, C)
		residualForward(residual3, residual2, fcproj, B*T*C)
	}
	residual = acts.Residual3.data[(L-1)*B*T*C:]
	layernormForward(acts.LayerNormFinal.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data, residual, params.LayerFinNormW.data, params.LayerFinNormB.data, B, T, C)
	// the logits projection reads the token embedding: tied weights, no bias
	matmulForward(acts.Logits.data, acts.LayerNormFinal.data, params.WordTokEmbed.data, nil, B, T, C, V)
	softmaxForward(acts.Probabilities.data, acts.Logits.data, B, T, V)

	if len(target) > 0 {
		if len(target) < B*T {
			return fmt.Errorf("target has %d tokens, need %d for B=%d T=%d", len(target), B*T, B, T)
		}
		if len(model.Targets) < B*T {
			model.Targets = make([]int32, B*T)
		}
		copy(model.Targets, target)
		crossEntropyForward(acts.Losses.data, acts.Probabilities.data, target, B, T, V)
		var meanLoss float32
		for _, l := range acts.Losses.data {
			meanLoss += l
		}
		model.MeanLoss = meanLoss / float32(B*T)
	} else {
		model.Targets = model.Targets[:0]
		model.MeanLoss = -1.0
	}
	return nil
}

// Backward accumulates parameter gradients for the last forward pass, scaled
// by scale (1/microSteps during gradient accumulation, so the accumulated
// gradient matches the mean over the full batch). When synchronize is true
// and a communicator with more than one worker is attached, the accumulated
// gradients are averaged across workers before returning; earlier
// micro-steps pass false to skip the collective without changing the final
// averaged value.
func (model *GPT) Backward(scale float32, synchronize bool) error {
	if model.MeanLoss == -1.0 {
		return errors.New("must forward with targets before backward")
	}
	B, T := model.B, model.T
	cfg := model.Config
	V, L, NH, C := cfg.V, cfg.L, cfg.NH, cfg.C
	if len(model.Grads.Memory) == 0 {
		model.Grads.Init(V, C, cfg.MaxSeqLen, L)
	}
	if len(model.ActGrads.Memory) == 0 {
		model.ActGrads.Init(B, C, T, L, NH, V)
	}
	// activation gradients are scratch per backward pass; parameter
	// gradients persist until ZeroGrads
	model.ActGrads.Zero()

	params, grads, acts, actGrads := model.Params, model.Grads, model.Acts, model.ActGrads
	dlossMean := scale / float32(B*T)
	for i := range actGrads.Losses.data {
		actGrads.Losses.data[i] = dlossMean
	}
	crossentropySoftmaxBackward(actGrads.Logits.data, actGrads.Losses.data, acts.Probabilities.data, model.Targets, B, T, V)
	// tied weights: the logits matmul backward adds into the token
	// embedding gradient, and encoderBackward below adds into it again
	matmulBackward(actGrads.LayerNormFinal.data, grads.WordTokEmbed.data, nil, actGrads.Logits.data, acts.LayerNormFinal.data, params.WordTokEmbed.data, B, T, C, V)
	residual := acts.Residual3.data[(L-1)*B*T*C:]
	dresidual := actGrads.Residual3.data[(L-1)*B*T*C:]
	layernormBackward(dresidual, grads.LayerFinNormW.data, grads.LayerFinNormB.data, actGrads.LayerNormFinal.data, residual, params.LayerFinNormW.data, acts.LayerNormFinalMean.data, acts.LayerNormFinalStd.data, B, T, C)

	for l := L - 1; l >= 0; l-- {
		if l == 0 {
			residual = acts.Encoded.data
			dresidual = actGrads.Encoded.data
		} else {
			residual = acts.Residual3.data[(l-1)*B*T*C:]
			dresidual = actGrads.Residual3.data[(l-1)*B*T*C:]
		}
		lnw1 := params.LayerNorm1W.data[l*C:]
		qkvw := params.QueryKeyValW.data[l*3*C*C:]
		attprojw := params.AttProjW.data[l*C*C:]
		lnw2 := params.LayerNorm2W.data[l*C:]
		fcw := params.FeedFwdW.data[l*4*C*C:]
		fcprojw := params.FeedFwdProjW.data[l*C*4*C:]

		dlnw1 := grads.LayerNorm1W.data[l*C:]
		dlnb1 := grads.LayerNorm1B.data[l*C:]
		dqkvw := grads.QueryKeyValW.data[l*3*C*C:]
		dqkvb := grads.QueryKeyValB.data[l*3*C:]
		dattprojw := grads.AttProjW.data[l*C*C:]
		dattprojb := grads.AttProjB.data[l*C:]
		dlnw2 := grads.LayerNorm2W.data[l*C:]
		dlnb2 := grads.LayerNorm2B.data[l*C:]
		dfcw := grads.FeedFwdW.data[l*4*C*C:]
		dfcb := grads.FeedFwdB.data[l*4*C:]
		dfcprojw := grads.FeedFwdProjW.data[l*C*4*C:]
		dfcprojb := grads.FeedFwdProjB.data[l*C:]

		ln1 := acts.LayerNorm1Act.data[l*B*T*C:]
		ln1Mean := acts.LayerNorm1Mean.data[l*B*T:]
		ln1Rstd := acts.LayerNorm1Rstd.data[l*B*T:]
		qkv := acts.QueryKeyVal.data[l*B*T*3*C:]
		atty := acts.AttentionOut.data[l*B*T*C:]
		att := acts.Attention.data[l*B*NH*T*T:]
		residual2 := acts.Residual2.data[l*B*T*C:]
		ln2 := acts.LayerNorm2Act.data[l*B*T*C:]
		ln2Mean := acts.LayerNorm2Mean.data[l*B*T:]
		ln2Rstd := acts.LayerNorm2Rstd.data[l*B*T:]
		fch := acts.FeedForward.data[l*B*T*4*C:]
		fchGelu := acts.FeedForwardGelu.data[l*B*T*4*C:]

		dln1 := actGrads.LayerNorm1Act.data[l*B*T*C:]
		dqkv := actGrads.QueryKeyVal.data[l*B*T*3*C:]
		datty := actGrads.AttentionOut.data[l*B*T*C:]
		dpreatt := actGrads.PreAttention.data[l*B*NH*T*T:]
		datt := actGrads.Attention.data[l*B*NH*T*T:]
		dattproj := actGrads.AttentionProj.data[l*B*T*C:]
		dresidual2 := actGrads.Residual2.data[l*B*T*C:]
		dln2 := actGrads.LayerNorm2Act.data[l*B*T*C:]
		dfch := actGrads.FeedForward.data[l*B*T*4*C:]
		dfchGelu := actGrads.FeedForwardGelu.data[l*B*T*4*C:]
		dfcproj := actGrads.FeedForwardProj.data[l*B*T*C:]
		dresidual3 := actGrads.Residual3.data[l*B*T*C:]

		residualBackward(dresidual2, dfcproj, dresidual3, B*T*C)
		matmulBackward(dfchGelu, dfcprojw, dfcprojb, dfcproj, fchGelu, fcprojw, B, T, 4*C, C)
		geluBackward(dfch, fch, dfchGelu, B*T*4*C)
		matmulBackward(dln2, dfcw, dfcb, dfch, ln2, fcw, B, T, C, 4*C)
		layernormBackward(dresidual2, dlnw2, dlnb2, dln2, residual2, lnw2, ln2Mean, ln2Rstd, B, T, C)
		residualBackward(dresidual, dattproj, dresidual2, B*T*C)
		matmulBackward(datty, dattprojw, dattprojb, dattproj, atty, attprojw, B, T, C, C)
		attentionBackward(dqkv, dpreatt, datt, datty, qkv, att, B, T, C, NH)
		matmulBackward(dln1, dqkvw, dqkvb, dqkv, ln1, qkvw, B, T, C, 3*C)
		layernormBackward(dresidual, dlnw1, dlnb1, dln1, residual, lnw1, ln1Mean, ln1Rstd, B, T, C)
	}
	encoderBackward(grads.WordTokEmbed.data, grads.WordPosEmbed.data, actGrads.Encoded.data, model.Inputs, B, T, C)

	if synchronize && model.Comm != nil && model.Comm.WorldSize() > 1 {
		if err := model.Comm.AllReduceMeanFloat32(model.Grads.Memory); err != nil {
			return fmt.Errorf("gradient all-reduce: %w", err)
		}
	}
	return nil
}

// ZeroGrads clears the parameter gradient accumulator. The trainer calls it
// once at the start of every optimization step, before the first micro-batch.
func (model *GPT) ZeroGrads() {
	for i := range model.Grads.Memory {
		model.Grads.Memory[i] = 0
	}
}
