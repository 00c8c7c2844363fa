package nanogpt

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"
)

// Checkpoint file layout, little endian: a 256-word uint32 header followed
// by the raw parameter memory as float32. Header words:
//
//	[0] magic  [1] version  [2..6] config (block, vocab, layers, heads, channels)
//	[7] step  [8] val loss bits  [9] param count
//	[10..11] xxhash64 digest of the parameter bytes (lo, hi)
const (
	checkpointMagic   uint32 = 20240807
	checkpointVersion uint32 = 1
	checkpointHeader         = 256
)

// SaveCheckpoint snapshots the model weights with the step and validation
// loss at which they were taken. Only the designated logging worker should
// call this; other ranks hold identical replicas.
func SaveCheckpoint(path string, model *GPT, step int, valLoss float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating checkpoint: %w", err)
	}
	defer f.Close()

	digest := digestParams(model.Params.Memory)
	header := make([]uint32, checkpointHeader)
	header[0] = checkpointMagic
	header[1] = checkpointVersion
	header[2] = uint32(model.Config.MaxSeqLen)
	header[3] = uint32(model.Config.V)
	header[4] = uint32(model.Config.L)
	header[5] = uint32(model.Config.NH)
	header[6] = uint32(model.Config.C)
	header[7] = uint32(step)
	header[8] = math.Float32bits(valLoss)
	header[9] = uint32(model.Params.Len())
	header[10] = uint32(digest)
	header[11] = uint32(digest >> 32)
	if err := binary.Write(f, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("writing checkpoint header: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, model.Params.Memory); err != nil {
		return fmt.Errorf("writing checkpoint parameters: %w", err)
	}
	return nil
}

// LoadCheckpoint rebuilds a model from a checkpoint, returning the step and
// validation loss recorded in it. The parameter digest is verified, so a
// truncated or corrupted file fails here rather than as NaN losses later.
func LoadCheckpoint(path string) (*GPT, int, float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("opening checkpoint: %w", err)
	}
	defer f.Close()

	header := make([]uint32, checkpointHeader)
	if err := binary.Read(f, binary.LittleEndian, header); err != nil {
		return nil, 0, 0, fmt.Errorf("reading checkpoint header: %w", err)
	}
	if header[0] != checkpointMagic || header[1] != checkpointVersion {
		return nil, 0, 0, fmt.Errorf("bad checkpoint file format: %s", path)
	}
	cfg, err := NewConfig(int(header[2]), int(header[3]), int(header[4]), int(header[5]), int(header[6]))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("checkpoint config: %w", err)
	}
	model := &GPT{Config: cfg, MeanLoss: -1.0}
	model.Params.Init(cfg.V, cfg.C, cfg.MaxSeqLen, cfg.L)
	if model.Params.Len() != int(header[9]) {
		return nil, 0, 0, fmt.Errorf("checkpoint parameter count %d does not match config (%d)", header[9], model.Params.Len())
	}
	if err := binary.Read(f, binary.LittleEndian, model.Params.Memory); err != nil {
		return nil, 0, 0, fmt.Errorf("reading checkpoint parameters: %w", err)
	}
	wantDigest := uint64(header[10]) | uint64(header[11])<<32
	if got := digestParams(model.Params.Memory); got != wantDigest {
		return nil, 0, 0, fmt.Errorf("checkpoint %s is corrupt: digest %x, header says %x", path, got, wantDigest)
	}
	step := int(header[7])
	valLoss := math.Float32frombits(header[8])
	return model, step, valLoss, nil
}

func digestParams(params []float32) uint64 {
	d := xxhash.New()
	var buf [4]byte
	for _, p := range params {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(p))
		d.Write(buf[:])
	}
	return d.Sum64()
}
