package nanogpt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
)

const tokenizerMagic uint32 = 20240328

// Tokenizer maps between text and token ids via a fixed vocabulary table.
// The on-disk format is the GPT-2 binary vocab: a 256-word uint32 header
// (magic, version, vocab size) followed by length-prefixed token strings.
type Tokenizer struct {
	vocabSize  uint32
	tokenTable []string
	tokenIDs   map[string]int32
	maxTokLen  int
	init       bool
}

// NewTokenizer loads a binary vocabulary file.
func NewTokenizer(filename string) (Tokenizer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Tokenizer{}, err
	}
	defer f.Close()
	header := make([]uint32, 256)
	if err := binary.Read(f, binary.LittleEndian, header); err != nil {
		return Tokenizer{}, err
	}
	if header[0] != tokenizerMagic || header[1] != 1 {
		return Tokenizer{}, errors.New("incorrect header for tokenizer")
	}
	vocab := make([]string, header[2])
	var length byte
	for i := range vocab {
		if err := binary.Read(f, binary.LittleEndian, &length); err != nil {
			return Tokenizer{}, err
		}
		if length == 0 {
			return Tokenizer{}, fmt.Errorf("zero-length token at index %d", i)
		}
		tokenBytes := make([]byte, length)
		if err := binary.Read(f, binary.LittleEndian, tokenBytes); err != nil {
			return Tokenizer{}, err
		}
		vocab[i] = string(tokenBytes)
	}
	return newTokenizer(vocab), nil
}

func newTokenizer(vocab []string) Tokenizer {
	tok := Tokenizer{
		vocabSize:  uint32(len(vocab)),
		tokenTable: vocab,
		tokenIDs:   make(map[string]int32, len(vocab)),
		init:       true,
	}
	for i, s := range vocab {
		tok.tokenIDs[s] = int32(i)
		if len(s) > tok.maxTokLen {
			tok.maxTokLen = len(s)
		}
	}
	return tok
}

// Encode tokenizes text by greedy longest-match against the vocabulary.
func (t Tokenizer) Encode(text string) ([]int32, error) {
	if !t.init {
		return nil, errors.New("tokenizer not initialised")
	}
	var tokens []int32
	for len(text) > 0 {
		matchLen := min(t.maxTokLen, len(text))
		for ; matchLen > 0; matchLen-- {
			if id, ok := t.tokenIDs[text[:matchLen]]; ok {
				tokens = append(tokens, id)
				break
			}
		}
		if matchLen == 0 {
			return nil, fmt.Errorf("cannot tokenize %q", text[:1])
		}
		text = text[matchLen:]
	}
	return tokens, nil
}

// Decode concatenates the token strings.
func (t Tokenizer) Decode(tokens []int32) (string, error) {
	if !t.init {
		return "", errors.New("tokenizer not initialised")
	}
	var sb strings.Builder
	for _, token := range tokens {
		if token < 0 || token >= int32(len(t.tokenTable)) {
			return "", fmt.Errorf("token %d outside vocabulary of size %d", token, len(t.tokenTable))
		}
		sb.WriteString(t.tokenTable[token])
	}
	return sb.String(), nil
}
