package nanogpt

import "fmt"

// EndOfText is the GPT-2 <|endoftext|> token id.
const EndOfText int32 = 50256

// Config holds the architecture hyper-parameters of a GPT-2 style model.
// It is created once at startup and never mutated afterwards.
type Config struct {
	MaxSeqLen int `json:"block_size"` // maximum sequence length covered by the positional table
	V         int `json:"vocab_size"` // vocabulary size
	L         int `json:"n_layer"`    // number of transformer layers
	NH        int `json:"n_head"`     // number of attention heads
	C         int `json:"n_embed"`    // embedding width (channels)
}

// NewConfig validates the architecture shape. Channels must divide evenly
// into heads, otherwise the per-head dimension is undefined.
func NewConfig(maxSeqLen, V, L, NH, C int) (Config, error) {
	if maxSeqLen <= 0 || V <= 0 || L <= 0 || NH <= 0 || C <= 0 {
		return Config{}, fmt.Errorf("config fields must be positive, got block_size=%d vocab_size=%d n_layer=%d n_head=%d n_embed=%d", maxSeqLen, V, L, NH, C)
	}
	if C%NH != 0 {
		return Config{}, fmt.Errorf("n_embed %d is not divisible by n_head %d", C, NH)
	}
	return Config{MaxSeqLen: maxSeqLen, V: V, L: L, NH: NH, C: C}, nil
}

// HeadDim is the per-head channel width.
func (c Config) HeadDim() int {
	return c.C / c.NH
}

// PresetConfig returns a published GPT-2 family configuration by name.
func PresetConfig(name string) (Config, error) {
	switch name {
	case "gpt2": // 124M params
		return Config{MaxSeqLen: 1024, V: 50257, L: 12, NH: 12, C: 768}, nil
	case "gpt2-medium": // 350M params
		return Config{MaxSeqLen: 1024, V: 50257, L: 24, NH: 16, C: 1024}, nil
	case "gpt2-large": // 774M params
		return Config{MaxSeqLen: 1024, V: 50257, L: 36, NH: 20, C: 1280}, nil
	case "gpt2-xl": // 1558M params
		return Config{MaxSeqLen: 1024, V: 50257, L: 48, NH: 25, C: 1600}, nil
	}
	return Config{}, fmt.Errorf("unknown model preset %q", name)
}
