package nanogpt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// BenchmarkExample is one multiple-choice item: a context and several
// candidate endings, exactly one of which is correct.
type BenchmarkExample struct {
	Context string   `json:"ctx"`
	Label   int      `json:"label"`
	Endings []string `json:"endings"`
}

// LoadBenchmark reads a JSONL file of examples for one split.
func LoadBenchmark(path string) ([]BenchmarkExample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var examples []BenchmarkExample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ex BenchmarkExample
		if err := json.Unmarshal(line, &ex); err != nil {
			return nil, fmt.Errorf("decoding benchmark example %d: %w", len(examples), err)
		}
		if len(ex.Endings) == 0 || ex.Label < 0 || ex.Label >= len(ex.Endings) {
			return nil, fmt.Errorf("benchmark example %d has label %d for %d endings", len(examples), ex.Label, len(ex.Endings))
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return examples, nil
}

// RenderedCandidate is one candidate row: the context tokens followed by the
// ending tokens, with Mask set to 1 over the ending region.
type RenderedCandidate struct {
	Tokens []int32
	Mask   []byte
}

// RenderExample tokenizes every candidate of an example. Endings are
// prefixed with a space, matching how the training corpus tokenizes
// continuations.
func RenderExample(ex BenchmarkExample, tok Tokenizer) ([]RenderedCandidate, error) {
	ctxTokens, err := tok.Encode(ex.Context)
	if err != nil {
		return nil, fmt.Errorf("encoding context: %w", err)
	}
	cands := make([]RenderedCandidate, len(ex.Endings))
	for i, ending := range ex.Endings {
		endTokens, err := tok.Encode(" " + ending)
		if err != nil {
			return nil, fmt.Errorf("encoding ending %d: %w", i, err)
		}
		tokens := make([]int32, 0, len(ctxTokens)+len(endTokens))
		tokens = append(tokens, ctxTokens...)
		tokens = append(tokens, endTokens...)
		mask := make([]byte, len(tokens))
		for j := len(ctxTokens); j < len(tokens); j++ {
			mask[j] = 1
		}
		cands[i] = RenderedCandidate{Tokens: tokens, Mask: mask}
	}
	return cands, nil
}

// completionLoss is the mean autoregressive loss over the masked completion
// region. The shift happens here, at the call site: the probability at
// position t is scored against the token at t+1, and the mask is shifted the
// same way so scoring starts at the last context token.
func completionLoss(probs []float32, tokens []int32, mask []byte, V int) float32 {
	var sum float64
	var count int
	for t := 0; t+1 < len(tokens); t++ {
		if mask[t+1] == 0 {
			continue
		}
		p := probs[t*V+int(tokens[t+1])]
		sum += -math.Log(float64(p))
		count++
	}
	if count == 0 {
		return float32(math.Inf(1))
	}
	return float32(sum / float64(count))
}

// MostLikelyCandidate scores every rendered candidate with a forward pass
// and returns the index with the lowest mean completion loss.
func (model *GPT) MostLikelyCandidate(cands []RenderedCandidate) (int, error) {
	best := -1
	bestLoss := float32(math.Inf(1))
	for i, cand := range cands {
		T := len(cand.Tokens)
		if T < 2 {
			return 0, fmt.Errorf("candidate %d has %d tokens, need at least 2", i, T)
		}
		if err := model.Forward(cand.Tokens, nil, 1, T); err != nil {
			return 0, err
		}
		loss := completionLoss(model.Acts.Probabilities.data, cand.Tokens, cand.Mask, model.Config.V)
		if loss < bestLoss {
			bestLoss = loss
			best = i
		}
	}
	return best, nil
}
