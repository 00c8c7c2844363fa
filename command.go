package nanogpt

import (
	"bufio"
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nanogpt",
	Short: "Train and sample GPT-2 style language models",
	Long:  "nanogpt pretrains a GPT-2 architecture language model from token shards, with periodic validation, benchmark evaluation, sampling and checkpointing, on one or several data-parallel workers.",
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model from token shards",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		dataDir, _ := flags.GetString("data-dir")
		tokenizerPath, _ := flags.GetString("tokenizer")
		preset, _ := flags.GetString("model")
		logDir, _ := flags.GetString("log-dir")
		totalBatch, _ := flags.GetInt("total-batch")
		microBatch, _ := flags.GetInt("micro-batch")
		seqLen, _ := flags.GetInt("seq-len")
		maxSteps, _ := flags.GetInt("max-steps")
		warmupSteps, _ := flags.GetInt("warmup-steps")
		maxLR, _ := flags.GetFloat32("max-lr")
		weightDecay, _ := flags.GetFloat32("weight-decay")
		workers, _ := flags.GetInt("workers")
		seed, _ := flags.GetUint64("seed")
		benchPath, _ := flags.GetString("hellaswag")

		cfg, err := PresetConfig(preset)
		if err != nil {
			return err
		}
		tok, err := NewTokenizer(tokenizerPath)
		if err != nil {
			return fmt.Errorf("loading tokenizer: %w", err)
		}
		var benchmark []BenchmarkExample
		if benchPath != "" {
			if benchmark, err = LoadBenchmark(benchPath); err != nil {
				return fmt.Errorf("loading benchmark: %w", err)
			}
		}
		trainerCfg := TrainerConfig{
			TotalBatchTokens: totalBatch,
			B:                microBatch,
			T:                seqLen,
			MaxSteps:         maxSteps,
			WarmupSteps:      warmupSteps,
			MaxLR:            maxLR,
			WeightDecay:      weightDecay,
			LogDir:           logDir,
			Benchmark:        benchmark,
		}

		runWorker := func(rank int, comm Communicator) error {
			// every worker trains an identical replica from the same seed
			model, err := NewGPT(cfg, seed)
			if err != nil {
				return err
			}
			train, err := NewDataLoader(dataDir, "train", microBatch, seqLen, rank, workers)
			if err != nil {
				return err
			}
			val, err := NewDataLoader(dataDir, "val", microBatch, seqLen, rank, workers)
			if err != nil {
				return err
			}
			trainer, err := NewTrainer(model, tok, train, val, comm, trainerCfg)
			if err != nil {
				return err
			}
			return trainer.Run()
		}

		if workers <= 1 {
			return runWorker(0, SingleProcess{})
		}
		group := NewProcessGroup(workers)
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for rank := 0; rank < workers; rank++ {
			wg.Add(1)
			go func(rank int) {
				defer wg.Done()
				errs[rank] = runWorker(rank, group.Worker(rank))
			}(rank)
		}
		wg.Wait()
		for rank, err := range errs {
			if err != nil {
				return fmt.Errorf("worker %d: %w", rank, err)
			}
		}
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Sample continuations from a checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		checkpointPath, _ := flags.GetString("checkpoint")
		tokenizerPath, _ := flags.GetString("tokenizer")
		promptText, _ := flags.GetString("prompt")
		maxLen, _ := flags.GetInt("max-len")
		topK, _ := flags.GetInt("top-k")
		seed, _ := flags.GetInt64("seed")
		numSamples, _ := flags.GetInt("num-samples")

		model, step, valLoss, err := LoadCheckpoint(checkpointPath)
		if err != nil {
			return err
		}
		fmt.Printf("loaded checkpoint from step %d (val loss %.4f)\n", step, valLoss)
		tok, err := NewTokenizer(tokenizerPath)
		if err != nil {
			return fmt.Errorf("loading tokenizer: %w", err)
		}
		prompt, err := tok.Encode(promptText)
		if err != nil {
			return err
		}
		rng := rand.New(rand.NewSource(seed))
		for i := 0; i < numSamples; i++ {
			seq, err := model.Generate(prompt, maxLen, topK, rng)
			if err != nil {
				return err
			}
			decoded, err := tok.Decode(seq)
			if err != nil {
				return err
			}
			fmt.Printf("sample %d: %s\n", i, decoded)
		}
		return nil
	},
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Score a checkpoint on a multiple-choice benchmark",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		checkpointPath, _ := flags.GetString("checkpoint")
		tokenizerPath, _ := flags.GetString("tokenizer")
		benchPath, _ := flags.GetString("hellaswag")

		model, step, _, err := LoadCheckpoint(checkpointPath)
		if err != nil {
			return err
		}
		tok, err := NewTokenizer(tokenizerPath)
		if err != nil {
			return fmt.Errorf("loading tokenizer: %w", err)
		}
		examples, err := LoadBenchmark(benchPath)
		if err != nil {
			return err
		}
		var correct, total int
		bar := progressbar.Default(int64(len(examples)), "evaluating")
		for i, ex := range examples {
			cands, err := RenderExample(ex, tok)
			if err != nil {
				return fmt.Errorf("rendering example %d: %w", i, err)
			}
			pred, err := model.MostLikelyCandidate(cands)
			if err != nil {
				return fmt.Errorf("scoring example %d: %w", i, err)
			}
			total++
			if pred == ex.Label {
				correct++
			}
			bar.Add(1)
		}
		fmt.Printf("step %d accuracy: %d/%d = %.4f\n", step, correct, total, float64(correct)/float64(total))
		return nil
	},
}

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Tokenize a text file into train/val shards",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		inputPath, _ := flags.GetString("input")
		dataDir, _ := flags.GetString("data-dir")
		tokenizerPath, _ := flags.GetString("tokenizer")
		valFraction, _ := flags.GetFloat64("val-fraction")
		shardSize, _ := flags.GetInt("shard-size")
		prefix, _ := flags.GetString("prefix")

		tok, err := NewTokenizer(tokenizerPath)
		if err != nil {
			return fmt.Errorf("loading tokenizer: %w", err)
		}
		data, err := os.ReadFile(inputPath)
		if err != nil {
			return err
		}
		bar := progressbar.DefaultBytes(int64(len(data)), "tokenizing")
		var tokens []int32
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text() + "\n"
			toks, err := tok.Encode(line)
			if err != nil {
				return err
			}
			tokens = append(tokens, toks...)
			bar.Add(len(line))
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return err
		}

		valCount := int(valFraction * float64(len(tokens)))
		if valCount == 0 {
			return fmt.Errorf("val fraction %f of %d tokens leaves an empty validation split", valFraction, len(tokens))
		}
		valPath := filepath.Join(dataDir, fmt.Sprintf("%s_val_%06d.bin", prefix, 0))
		if err := WriteShard(valPath, tokens[:valCount]); err != nil {
			return err
		}
		trainTokens := tokens[valCount:]
		for i := 0; len(trainTokens) > 0; i++ {
			n := min(shardSize, len(trainTokens))
			path := filepath.Join(dataDir, fmt.Sprintf("%s_train_%06d.bin", prefix, i))
			if err := WriteShard(path, trainTokens[:n]); err != nil {
				return err
			}
			trainTokens = trainTokens[n:]
		}
		fmt.Printf("wrote %d tokens (%d val) to %s\n", len(tokens), valCount, dataDir)
		return nil
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download a tokenizer vocabulary or benchmark file",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		out, _ := cmd.Flags().GetString("out")
		return DownloadFile(out, url)
	},
}

func init() {
	trainCmd.Flags().String("data-dir", "data", "directory of token shards")
	trainCmd.Flags().String("tokenizer", "data/gpt2_tokenizer.bin", "tokenizer vocabulary file")
	trainCmd.Flags().String("model", "gpt2", "model preset (gpt2, gpt2-medium, gpt2-large, gpt2-xl)")
	trainCmd.Flags().String("log-dir", "log", "log and checkpoint directory")
	trainCmd.Flags().Int("total-batch", 524288, "tokens per optimization step across all workers")
	trainCmd.Flags().Int("micro-batch", 4, "micro-batch size")
	trainCmd.Flags().Int("seq-len", 1024, "sequence length")
	trainCmd.Flags().Int("max-steps", 19073, "training steps")
	trainCmd.Flags().Int("warmup-steps", 715, "warmup steps")
	trainCmd.Flags().Float32("max-lr", 6e-4, "peak learning rate")
	trainCmd.Flags().Float32("weight-decay", 0.1, "weight decay for matrix parameters")
	trainCmd.Flags().Int("workers", 1, "data-parallel workers")
	trainCmd.Flags().Uint64("seed", 1337, "model initialization seed")
	trainCmd.Flags().String("hellaswag", "", "benchmark JSONL file (optional)")

	generateCmd.Flags().String("checkpoint", "", "checkpoint file")
	generateCmd.Flags().String("tokenizer", "data/gpt2_tokenizer.bin", "tokenizer vocabulary file")
	generateCmd.Flags().String("prompt", "Hello, I'm a language model,", "generation prompt")
	generateCmd.Flags().Int("max-len", 32, "tokens per sample")
	generateCmd.Flags().Int("top-k", 50, "top-k sampling cutoff")
	generateCmd.Flags().Int64("seed", 42, "sampling seed")
	generateCmd.Flags().Int("num-samples", 4, "number of samples")
	generateCmd.MarkFlagRequired("checkpoint")

	evalCmd.Flags().String("checkpoint", "", "checkpoint file")
	evalCmd.Flags().String("tokenizer", "data/gpt2_tokenizer.bin", "tokenizer vocabulary file")
	evalCmd.Flags().String("hellaswag", "", "benchmark JSONL file")
	evalCmd.MarkFlagRequired("checkpoint")
	evalCmd.MarkFlagRequired("hellaswag")

	prepareCmd.Flags().String("input", "", "input text file")
	prepareCmd.Flags().String("data-dir", "data", "output shard directory")
	prepareCmd.Flags().String("tokenizer", "data/gpt2_tokenizer.bin", "tokenizer vocabulary file")
	prepareCmd.Flags().Float64("val-fraction", 0.01, "fraction of tokens for the validation split")
	prepareCmd.Flags().Int("shard-size", 1_000_000, "tokens per training shard")
	prepareCmd.Flags().String("prefix", "corpus", "shard filename prefix")
	prepareCmd.MarkFlagRequired("input")

	downloadCmd.Flags().String("url", "", "source URL")
	downloadCmd.Flags().String("out", "", "destination path")
	downloadCmd.MarkFlagRequired("url")
	downloadCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(trainCmd, generateCmd, evalCmd, prepareCmd, downloadCmd)
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
