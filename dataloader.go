package nanogpt

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Token shard file layout, little endian:
//
//	uint32 magic, uint32 version, uint32 token count, uint32 reserved,
//	uint64 xxhash64 digest of the token bytes, then count int32 tokens.
const (
	shardMagic   uint32 = 20240801
	shardVersion uint32 = 1
)

// DataLoader cycles deterministically through pre-tokenized shards,
// producing (input, target) batches where target is input shifted by one.
// Workers partition the stream by rank: worker r starts at offset B*T*r and
// advances by B*T*world, so the shards are covered disjointly.
type DataLoader struct {
	B, T         int
	processRank  int
	numProcesses int

	shards   []string // sorted shard paths; empty for the in-memory loader
	shard    int
	tokens   []int32
	position int64
}

// NewDataLoader scans dataDir for "*.bin" shards whose names contain split
// ("train" or "val"). A split with no shards is a construction error.
func NewDataLoader(dataDir, split string, B, T, processRank, numProcesses int) (*DataLoader, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("reading data dir: %w", err)
	}
	var shards []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".bin" || !strings.Contains(e.Name(), split) {
			continue
		}
		shards = append(shards, filepath.Join(dataDir, e.Name()))
	}
	sort.Strings(shards)
	if len(shards) == 0 {
		return nil, fmt.Errorf("no shards found for split %q in %s", split, dataDir)
	}
	loader := &DataLoader{
		B:            B,
		T:            T,
		processRank:  processRank,
		numProcesses: numProcesses,
		shards:       shards,
	}
	if err := loader.Reset(); err != nil {
		return nil, err
	}
	return loader, nil
}

// NewDataLoaderFromTokens wraps an in-memory token stream, used by tests and
// toy runs.
func NewDataLoaderFromTokens(tokens []int32, B, T, processRank, numProcesses int) (*DataLoader, error) {
	if len(tokens) < B*T*numProcesses+1 {
		return nil, fmt.Errorf("%d tokens are too few for batch size %d, seq len %d, %d workers", len(tokens), B, T, numProcesses)
	}
	loader := &DataLoader{
		B:            B,
		T:            T,
		processRank:  processRank,
		numProcesses: numProcesses,
		tokens:       tokens,
	}
	loader.position = int64(B * T * processRank)
	return loader, nil
}

// NumBatches is the number of disjoint batches one pass over the current
// shard yields across all workers.
func (loader *DataLoader) NumBatches() int {
	return len(loader.tokens) / (loader.B * loader.T)
}

// Reset rewinds to the start of shard zero.
func (loader *DataLoader) Reset() error {
	loader.shard = 0
	if len(loader.shards) > 0 {
		tokens, err := LoadShard(loader.shards[0])
		if err != nil {
			return err
		}
		loader.tokens = tokens
	}
	loader.position = int64(loader.B * loader.T * loader.processRank)
	if int(loader.position)+loader.B*loader.T+1 > len(loader.tokens) {
		return fmt.Errorf("shard %d tokens are too few for batch size %d, seq len %d, %d workers", len(loader.tokens), loader.B, loader.T, loader.numProcesses)
	}
	return nil
}

// NextBatch returns the next (input, target) pair of B*T tokens each, target
// shifted one position ahead. When this worker's slice of the current shard
// is exhausted, the loader moves to the next shard, wrapping at the end.
func (loader *DataLoader) NextBatch() ([]int32, []int32, error) {
	B, T := loader.B, loader.T
	inputs := loader.tokens[loader.position : loader.position+int64(B*T)]
	targets := loader.tokens[loader.position+1 : loader.position+int64(B*T)+1]
	loader.position += int64(B * T * loader.numProcesses)
	if int(loader.position)+B*T*loader.numProcesses+1 > len(loader.tokens) {
		if len(loader.shards) > 0 {
			loader.shard = (loader.shard + 1) % len(loader.shards)
			tokens, err := LoadShard(loader.shards[loader.shard])
			if err != nil {
				return nil, nil, err
			}
			loader.tokens = tokens
		}
		loader.position = int64(B * T * loader.processRank)
	}
	return inputs, targets, nil
}

// LoadShard reads a token shard and verifies its digest.
func LoadShard(path string) ([]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var header struct {
		Magic    uint32
		Version  uint32
		Count    uint32
		Reserved uint32
		Digest   uint64
	}
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("reading shard header of %s: %w", path, err)
	}
	if header.Magic != shardMagic || header.Version != shardVersion {
		return nil, fmt.Errorf("bad shard file format: %s", path)
	}
	tokens := make([]int32, header.Count)
	if err := binary.Read(f, binary.LittleEndian, tokens); err != nil {
		return nil, fmt.Errorf("reading shard tokens of %s: %w", path, err)
	}
	if got := digestTokens(tokens); got != header.Digest {
		return nil, fmt.Errorf("shard %s is corrupt: digest %x, header says %x", path, got, header.Digest)
	}
	return tokens, nil
}

// WriteShard writes a token shard with its digest.
func WriteShard(path string, tokens []int32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	header := struct {
		Magic    uint32
		Version  uint32
		Count    uint32
		Reserved uint32
		Digest   uint64
	}{
		Magic:   shardMagic,
		Version: shardVersion,
		Count:   uint32(len(tokens)),
		Digest:  digestTokens(tokens),
	}
	if err := binary.Write(f, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("writing shard header of %s: %w", path, err)
	}
	if err := binary.Write(f, binary.LittleEndian, tokens); err != nil {
		return fmt.Errorf("writing shard tokens of %s: %w", path, err)
	}
	return nil
}

func digestTokens(tokens []int32) uint64 {
	d := xxhash.New()
	var buf [4]byte
	for _, t := range tokens {
		binary.LittleEndian.PutUint32(buf[:], uint32(t))
		d.Write(buf[:])
	}
	return d.Sum64()
}
