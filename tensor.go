package nanogpt

// tensor is a view over a contiguous slice of the backing memory, with its
// logical dimensions. Views never own their storage.
type tensor struct {
	data []float32
	dims []int
}

func newTensor(data []float32, dims ...int) (tensor, int) {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n > len(data) {
		panic("tensor dimensions larger than supplied data")
	}
	return tensor{data: data[:n], dims: dims}, n
}

func (t tensor) size() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

func (t tensor) ndim() int {
	return len(t.dims)
}

// NamedTensor pairs a parameter view with its name and offset into the
// backing memory. The offset aligns optimizer moment buffers with the flat
// parameter slice.
type NamedTensor struct {
	Name   string
	Offset int
	matrix bool
	tensor
}

// Matrix reports whether the tensor is logically a weight matrix or
// embedding table. Per-layer parameters are carved as stacked (L, ...)
// views, so the view rank says nothing: a stacked bias is (L, C) but still a
// bias. Weight matrices and embedding tables are weight-decayed by the
// optimizer; biases and normalization scale/shift are not.
func (n NamedTensor) Matrix() bool {
	return n.matrix
}

// ParameterTensors are the weights of the model, all carved out of one
// contiguous Memory slice so the optimizer, gradient clipping and
// checkpointing can treat them as a single flat array.
//
// WordTokEmbed doubles as the output projection: the final logits matmul
// reads the same storage (weight tying), so there is no separate lm-head
// tensor and a write through either role is visible to the other.
type ParameterTensors struct {
	Memory        []float32
	WordTokEmbed  tensor // (V, C) token embedding, shared with the output projection
	WordPosEmbed  tensor // (maxSeqLen, C) learned absolute position embedding
	LayerNorm1W   tensor // (L, C) pre-attention layernorm scale
	LayerNorm1B   tensor // (L, C) pre-attention layernorm shift
	QueryKeyValW  tensor // (L, 3*C, C) fused QKV projection weight
	QueryKeyValB  tensor // (L, 3*C) fused QKV projection bias
	AttProjW      tensor // (L, C, C) attention output projection weight
	AttProjB      tensor // (L, C) attention output projection bias
	LayerNorm2W   tensor // (L, C) pre-feedforward layernorm scale
	LayerNorm2B   tensor // (L, C) pre-feedforward layernorm shift
	FeedFwdW      tensor // (L, 4*C, C) feedforward expansion weight
	FeedFwdB      tensor // (L, 4*C) feedforward expansion bias
	FeedFwdProjW  tensor // (L, C, 4*C) feedforward contraction weight
	FeedFwdProjB  tensor // (L, C) feedforward contraction bias
	LayerFinNormW tensor // (C) final layernorm scale
	LayerFinNormB tensor // (C) final layernorm shift

	index []NamedTensor
}

// Init allocates the backing memory and carves the named views out of it.
func (p *ParameterTensors) Init(V, C, maxSeqLen, L int) {
	p.Memory = make([]float32,
		V*C+ // WordTokEmbed
			maxSeqLen*C+ // WordPosEmbed
			L*C+ // LayerNorm1W
			L*C+ // LayerNorm1B
			L*3*C*C+ // QueryKeyValW
			L*3*C+ // QueryKeyValB
			L*C*C+ // AttProjW
			L*C+ // AttProjB
			L*C+ // LayerNorm2W
			L*C+ // LayerNorm2B
			L*4*C*C+ // FeedFwdW
			L*4*C+ // FeedFwdB
			L*C*4*C+ // FeedFwdProjW
			L*C+ // FeedFwdProjB
			C+ // LayerFinNormW
			C, // LayerFinNormB
	)
	p.index = p.index[:0]
	mem := p.Memory
	offset := 0
	carve := func(name string, matrix bool, dst *tensor, dims ...int) {
		t, n := newTensor(mem, dims...)
		*dst = t
		p.index = append(p.index, NamedTensor{Name: name, Offset: offset, matrix: matrix, tensor: t})
		mem = mem[n:]
		offset += n
	}
	carve("wte", true, &p.WordTokEmbed, V, C)
	carve("wpe", true, &p.WordPosEmbed, maxSeqLen, C)
	carve("ln1w", false, &p.LayerNorm1W, L, C)
	carve("ln1b", false, &p.LayerNorm1B, L, C)
	carve("qkvw", true, &p.QueryKeyValW, L, 3*C, C)
	carve("qkvb", false, &p.QueryKeyValB, L, 3*C)
	carve("attprojw", true, &p.AttProjW, L, C, C)
	carve("attprojb", false, &p.AttProjB, L, C)
	carve("ln2w", false, &p.LayerNorm2W, L, C)
	carve("ln2b", false, &p.LayerNorm2B, L, C)
	carve("fcw", true, &p.FeedFwdW, L, 4*C, C)
	carve("fcb", false, &p.FeedFwdB, L, 4*C)
	carve("fcprojw", true, &p.FeedFwdProjW, L, C, 4*C)
	carve("fcprojb", false, &p.FeedFwdProjB, L, C)
	carve("lnfw", false, &p.LayerFinNormW, C)
	carve("lnfb", false, &p.LayerFinNormB, C)
	if len(mem) != 0 {
		panic("parameter memory accounting is off")
	}
}

// Tensors lists the named parameter views in memory order.
func (p *ParameterTensors) Tensors() []NamedTensor {
	return p.index
}

func (p *ParameterTensors) Len() int {
	return len(p.Memory)
}

// ActivationTensors hold the intermediate results of one forward pass, again
// backed by a single slice. They are sized for a concrete (B, T) and get
// reallocated when the batch shape changes.
type ActivationTensors struct {
	Memory             []float32
	Encoded            tensor // (B, T, C) token + position embedding sum
	LayerNorm1Act      tensor // (L, B, T, C) after pre-attention layernorm
	LayerNorm1Mean     tensor // (L, B, T) saved for backward
	LayerNorm1Rstd     tensor // (L, B, T) saved for backward
	QueryKeyVal        tensor // (L, B, T, 3*C) fused QKV projections
	AttentionOut       tensor // (L, B, T, C) concatenated head outputs
	PreAttention       tensor // (L, B, NH, T, T) scaled scores before softmax
	Attention          tensor // (L, B, NH, T, T) attention weights after softmax
	AttentionProj      tensor // (L, B, T, C) attention output projection
	Residual2          tensor // (L, B, T, C) residual stream after attention
	LayerNorm2Act      tensor // (L, B, T, C) after pre-feedforward layernorm
	LayerNorm2Mean     tensor // (L, B, T)
	LayerNorm2Rstd     tensor // (L, B, T)
	FeedForward        tensor // (L, B, T, 4*C) expansion output
	FeedForwardGelu    tensor // (L, B, T, 4*C) after GELU
	FeedForwardProj    tensor // (L, B, T, C) contraction output
	Residual3          tensor // (L, B, T, C) residual stream after feedforward
	LayerNormFinal     tensor // (B, T, C)
	LayerNormFinalMean tensor // (B, T)
	LayerNormFinalStd  tensor // (B, T)
	Logits             tensor // (B, T, V)
	Probabilities      tensor // (B, T, V) softmax of logits
	Losses             tensor // (B, T) per-token cross-entropy
}

func (a *ActivationTensors) Init(B, C, T, L, NH, V int) {
	a.Memory = make([]float32,
		B*T*C+
			L*B*T*C+
			L*B*T+
			L*B*T+
			L*B*T*3*C+
			L*B*T*C+
			L*B*NH*T*T+
			L*B*NH*T*T+
			L*B*T*C+
			L*B*T*C+
			L*B*T*C+
			L*B*T+
			L*B*T+
			L*B*T*4*C+
			L*B*T*4*C+
			L*B*T*C+
			L*B*T*C+
			B*T*C+
			B*T+
			B*T+
			B*T*V+
			B*T*V+
			B*T,
	)
	mem := a.Memory
	carve := func(dst *tensor, dims ...int) {
		t, n := newTensor(mem, dims...)
		*dst = t
		mem = mem[n:]
	}
	carve(&a.Encoded, B, T, C)
	carve(&a.LayerNorm1Act, L, B, T, C)
	carve(&a.LayerNorm1Mean, L, B, T)
	carve(&a.LayerNorm1Rstd, L, B, T)
	carve(&a.QueryKeyVal, L, B, T, 3*C)
	carve(&a.AttentionOut, L, B, T, C)
	carve(&a.PreAttention, L, B, NH, T, T)
	carve(&a.Attention, L, B, NH, T, T)
	carve(&a.AttentionProj, L, B, T, C)
	carve(&a.Residual2, L, B, T, C)
	carve(&a.LayerNorm2Act, L, B, T, C)
	carve(&a.LayerNorm2Mean, L, B, T)
	carve(&a.LayerNorm2Rstd, L, B, T)
	carve(&a.FeedForward, L, B, T, 4*C)
	carve(&a.FeedForwardGelu, L, B, T, 4*C)
	carve(&a.FeedForwardProj, L, B, T, C)
	carve(&a.Residual3, L, B, T, C)
	carve(&a.LayerNormFinal, B, T, C)
	carve(&a.LayerNormFinalMean, B, T)
	carve(&a.LayerNormFinalStd, B, T)
	carve(&a.Logits, B, T, V)
	carve(&a.Probabilities, B, T, V)
	carve(&a.Losses, B, T)
	if len(mem) != 0 {
		panic("activation memory accounting is off")
	}
}

func (a *ActivationTensors) Zero() {
	for i := range a.Memory {
		a.Memory[i] = 0
	}
}
