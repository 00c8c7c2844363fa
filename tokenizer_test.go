package nanogpt

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeGreedyLongestMatch(t *testing.T) {
	tok := newTokenizer([]string{"a", "b", "c", "ab", " "})

	tests := []struct {
		text string
		want []int32
	}{
		{text: "abc", want: []int32{3, 2}}, // "ab" beats "a"
		{text: "ba", want: []int32{1, 0}},
		{text: "a b", want: []int32{0, 4, 1}},
		{text: "", want: nil},
	}
	for _, tt := range tests {
		got, err := tok.Encode(tt.text)
		require.NoError(t, err, tt.text)
		assert.Equal(t, tt.want, got, tt.text)
	}

	_, err := tok.Encode("abz")
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	tok := newTokenizer([]string{"he", "llo", " world"})
	text, err := tok.Decode([]int32{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	_, err = tok.Decode([]int32{3})
	assert.Error(t, err)
	_, err = tok.Decode([]int32{-1})
	assert.Error(t, err)
}

func TestUninitialisedTokenizer(t *testing.T) {
	var tok Tokenizer
	_, err := tok.Encode("a")
	assert.Error(t, err)
	_, err = tok.Decode([]int32{0})
	assert.Error(t, err)
}

func writeVocabFile(t *testing.T, path string, vocab []string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	header := make([]uint32, 256)
	header[0] = tokenizerMagic
	header[1] = 1
	header[2] = uint32(len(vocab))
	require.NoError(t, binary.Write(f, binary.LittleEndian, header))
	for _, tok := range vocab {
		require.NoError(t, binary.Write(f, binary.LittleEndian, byte(len(tok))))
		_, err := f.WriteString(tok)
		require.NoError(t, err)
	}
}

func TestNewTokenizerFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocab.bin")
	writeVocabFile(t, path, []string{"foo", "bar", " ", "baz"})

	tok, err := NewTokenizer(path)
	require.NoError(t, err)
	ids, err := tok.Encode("foo bar")
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 2, 1}, ids)
	text, err := tok.Decode(ids)
	require.NoError(t, err)
	assert.Equal(t, "foo bar", text)
}

func TestNewTokenizerRejectsBadHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocab.bin")
	writeVocabFile(t, path, []string{"a"})

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	_, err = NewTokenizer(path)
	assert.Error(t, err)

	_, err = NewTokenizer(filepath.Join(dir, "missing.bin"))
	assert.Error(t, err)
}
