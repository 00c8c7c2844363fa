package nanogpt

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// TrainerConfig describes one training run. Zero cadence/sampling fields
// fall back to the standard recipe.
type TrainerConfig struct {
	// TotalBatchTokens is the token budget of one optimization step across
	// all workers. It must be divisible by B*T*worldSize; the quotient is
	// the number of gradient-accumulation micro-steps.
	TotalBatchTokens int
	B                int // micro-batch size
	T                int // sequence length
	MaxSteps         int
	WarmupSteps      int
	MaxLR            float32
	WeightDecay      float32

	EvalInterval       int // validation/benchmark/sampling cadence, default 250
	ValBatches         int // micro-batches per validation pass, default 20
	CheckpointInterval int // default 5000

	SampleCount int    // sequences per sampling pass, default 4
	SampleLen   int    // tokens per sample, default 32
	TopK        int    // top-k cutoff for sampling, default 50
	SampleSeed  int64  // base sampling seed, offset by rank, default 42
	Prompt      string // generation prefix, default "Hello, I'm a language model,"

	LogDir    string // log file and checkpoint directory; empty disables file output
	Benchmark []BenchmarkExample
}

func (c *TrainerConfig) applyDefaults() {
	if c.EvalInterval == 0 {
		c.EvalInterval = 250
	}
	if c.ValBatches == 0 {
		c.ValBatches = 20
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 5000
	}
	if c.SampleCount == 0 {
		c.SampleCount = 4
	}
	if c.SampleLen == 0 {
		c.SampleLen = 32
	}
	if c.TopK == 0 {
		c.TopK = 50
	}
	if c.SampleSeed == 0 {
		c.SampleSeed = 42
	}
	if c.Prompt == "" {
		c.Prompt = "Hello, I'm a language model,"
	}
}

// Trainer drives the whole run: gradient accumulation, cross-worker
// averaging, clipping, scheduling, optimizer steps and the periodic
// validation, benchmark, sampling and checkpoint side effects. Rank, world
// size and collaborators are fixed at construction; the only mutable state
// is the model, the optimizer and the loader positions.
type Trainer struct {
	cfg   TrainerConfig
	model *GPT
	opt   *AdamW
	sched LRSchedule
	train *DataLoader
	val   *DataLoader
	tok   Tokenizer
	comm  Communicator

	rank           int
	world          int
	gradAccumSteps int
	logPath        string
	lastValLoss    float32
}

// NewTrainer wires a run together. All workers of a multi-worker run build
// their own Trainer around their own model replica and the shared
// communicator.
func NewTrainer(model *GPT, tok Tokenizer, train, val *DataLoader, comm Communicator, cfg TrainerConfig) (*Trainer, error) {
	if comm == nil {
		comm = SingleProcess{}
	}
	cfg.applyDefaults()
	if cfg.MaxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be positive, got %d", cfg.MaxSteps)
	}
	world := comm.WorldSize()
	microTokens := cfg.B * cfg.T * world
	if microTokens == 0 || cfg.TotalBatchTokens%microTokens != 0 {
		return nil, fmt.Errorf("total batch of %d tokens is not divisible by B*T*world = %d", cfg.TotalBatchTokens, microTokens)
	}
	model.Comm = comm
	t := &Trainer{
		cfg:            cfg,
		model:          model,
		opt:            NewAdamW(model, cfg.MaxLR, cfg.WeightDecay),
		sched:          NewLRSchedule(cfg.MaxLR, cfg.WarmupSteps, cfg.MaxSteps),
		train:          train,
		val:            val,
		tok:            tok,
		comm:           comm,
		rank:           comm.Rank(),
		world:          world,
		gradAccumSteps: cfg.TotalBatchTokens / microTokens,
	}
	if cfg.LogDir != "" {
		t.logPath = filepath.Join(cfg.LogDir, "log.txt")
	}
	return t, nil
}

func (t *Trainer) master() bool {
	return t.rank == 0
}

// appendLog writes one line to the log file. Only rank 0 performs file I/O;
// other ranks return immediately.
func (t *Trainer) appendLog(format string, args ...any) error {
	if !t.master() || t.logPath == "" {
		return nil
	}
	f, err := os.OpenFile(t.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, format+"\n", args...)
	return err
}

// Run executes the training loop from step 0 to MaxSteps-1. Every worker
// must call Run; the collectives inside keep them in lockstep.
func (t *Trainer) Run() error {
	if t.master() && t.cfg.LogDir != "" {
		if err := os.MkdirAll(t.cfg.LogDir, 0o755); err != nil {
			return err
		}
		// clear the log from any previous run
		if err := os.WriteFile(t.logPath, nil, 0o644); err != nil {
			return err
		}
	}
	if t.master() {
		fmt.Printf("total batch: %d tokens => %d grad accum steps of B=%d T=%d over %d workers\n",
			t.cfg.TotalBatchTokens, t.gradAccumSteps, t.cfg.B, t.cfg.T, t.world)
		fmt.Printf("num decayed parameter tensors: %d parameters\n", t.opt.NumDecayParams())
		fmt.Printf("num non-decayed parameter tensors: %d parameters\n", t.opt.NumNoDecayParams())
	}
	for step := 0; step < t.cfg.MaxSteps; step++ {
		last := step == t.cfg.MaxSteps-1
		if step%t.cfg.EvalInterval == 0 || last {
			if err := t.evalValidation(step); err != nil {
				return err
			}
			if len(t.cfg.Benchmark) > 0 {
				if err := t.evalBenchmark(step); err != nil {
					return err
				}
			}
		}
		if step > 0 && (step%t.cfg.CheckpointInterval == 0 || last) {
			if err := t.checkpoint(step); err != nil {
				return err
			}
		}
		if (step > 0 && step%t.cfg.EvalInterval == 0) || last {
			if err := t.sample(); err != nil {
				return err
			}
		}
		if err := t.trainStep(step); err != nil {
			return err
		}
	}
	// no worker returns until all have finished the last step
	return t.comm.Barrier()
}

// trainStep runs one optimization step: accumulate scaled gradients over the
// micro-batches, average across workers on the last micro-step only, clip,
// set the scheduled rate and apply the update.
func (t *Trainer) trainStep(step int) error {
	start := time.Now()
	accum := t.gradAccumSteps
	t.model.ZeroGrads()
	var lossAccum float32
	for micro := 0; micro < accum; micro++ {
		input, target, err := t.train.NextBatch()
		if err != nil {
			return err
		}
		if err := t.model.Forward(input, target, t.cfg.B, t.cfg.T); err != nil {
			return err
		}
		// scale each micro-loss so the accumulated gradient is the mean
		// over the full token budget, not a sum of micro-means
		lossAccum += t.model.MeanLoss / float32(accum)
		if err := t.model.Backward(1.0/float32(accum), micro == accum-1); err != nil {
			return err
		}
	}
	// loss averaging across workers is for logging only; gradients were
	// already averaged inside the last Backward
	lossBuf := []float32{lossAccum}
	if err := t.comm.AllReduceMeanFloat32(lossBuf); err != nil {
		return fmt.Errorf("loss all-reduce: %w", err)
	}
	lossAccum = lossBuf[0]

	norm := ClipGradNorm(t.model.Grads.Memory, 1.0)
	lr := t.sched.LR(step)
	t.opt.SetLearningRate(lr)
	t.opt.Step()

	if t.master() {
		dt := time.Since(start)
		tokensPerSec := float64(t.cfg.TotalBatchTokens) / dt.Seconds()
		fmt.Printf("step %4d | loss: %.6f | lr %.4e | norm: %.4f | dt: %v | tok/sec: %.2f\n",
			step, lossAccum, lr, norm, dt, tokensPerSec)
		if err := t.appendLog("%d train %.6f", step, lossAccum); err != nil {
			return err
		}
	}
	return nil
}

// evalValidation runs a fixed-size forward-only pass over the validation
// split and logs the worker-averaged loss.
func (t *Trainer) evalValidation(step int) error {
	if err := t.val.Reset(); err != nil {
		return err
	}
	var valLoss float32
	for i := 0; i < t.cfg.ValBatches; i++ {
		input, target, err := t.val.NextBatch()
		if err != nil {
			return err
		}
		if err := t.model.Forward(input, target, t.cfg.B, t.cfg.T); err != nil {
			return err
		}
		valLoss += t.model.MeanLoss / float32(t.cfg.ValBatches)
	}
	buf := []float32{valLoss}
	if err := t.comm.AllReduceMeanFloat32(buf); err != nil {
		return fmt.Errorf("validation loss all-reduce: %w", err)
	}
	t.lastValLoss = buf[0]
	if t.master() {
		fmt.Printf("validation loss: %.4f\n", t.lastValLoss)
		if err := t.appendLog("%d val %.4f", step, t.lastValLoss); err != nil {
			return err
		}
	}
	return nil
}

// evalBenchmark scores the multiple-choice set, striping examples across
// workers and summing the correctness counts through the communicator.
func (t *Trainer) evalBenchmark(step int) error {
	var correct, total int
	for i, ex := range t.cfg.Benchmark {
		if i%t.world != t.rank {
			continue
		}
		cands, err := RenderExample(ex, t.tok)
		if err != nil {
			return fmt.Errorf("rendering benchmark example %d: %w", i, err)
		}
		tooLong := false
		for _, cand := range cands {
			if len(cand.Tokens) > t.model.Config.MaxSeqLen {
				tooLong = true
				break
			}
		}
		if tooLong {
			continue
		}
		pred, err := t.model.MostLikelyCandidate(cands)
		if err != nil {
			return fmt.Errorf("scoring benchmark example %d: %w", i, err)
		}
		total++
		if pred == ex.Label {
			correct++
		}
	}
	var err error
	if total, err = t.comm.AllReduceSumInt(total); err != nil {
		return fmt.Errorf("benchmark total all-reduce: %w", err)
	}
	if correct, err = t.comm.AllReduceSumInt(correct); err != nil {
		return fmt.Errorf("benchmark correct all-reduce: %w", err)
	}
	if total == 0 {
		return nil
	}
	acc := float64(correct) / float64(total)
	if t.master() {
		fmt.Printf("benchmark accuracy: %d/%d = %.4f\n", correct, total, acc)
		if err := t.appendLog("%d hella %.4f", step, acc); err != nil {
			return err
		}
	}
	return nil
}

// sample generates a few continuations from the fixed prompt. Each worker
// uses its own generator seeded with base+rank, so multi-worker runs print
// different but individually reproducible samples.
func (t *Trainer) sample() error {
	prompt, err := t.tok.Encode(t.cfg.Prompt)
	if err != nil {
		// a toy vocabulary may not cover the prompt; skip rather than abort
		if t.master() {
			fmt.Printf("skipping sampling: %v\n", err)
		}
		return nil
	}
	rng := rand.New(rand.NewSource(t.cfg.SampleSeed + int64(t.rank)))
	for i := 0; i < t.cfg.SampleCount; i++ {
		seq, err := t.model.Generate(prompt, t.cfg.SampleLen, t.cfg.TopK, rng)
		if err != nil {
			return err
		}
		decoded, err := t.tok.Decode(seq)
		if err != nil {
			return err
		}
		fmt.Printf("rank %d sample %d: %s\n", t.rank, i, decoded)
	}
	return nil
}

// checkpoint persists the model from rank 0. Other ranks hold identical
// replicas and skip the write, but nothing here blocks, so no collective is
// needed.
func (t *Trainer) checkpoint(step int) error {
	if !t.master() || t.cfg.LogDir == "" {
		return nil
	}
	path := filepath.Join(t.cfg.LogDir, fmt.Sprintf("model_%05d.bin", step))
	return SaveCheckpoint(path, t.model, step, t.lastValLoss)
}
