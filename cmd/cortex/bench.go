package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tobymordkin/cortex/internal/compute"
	"github.com/tobymordkin/cortex/internal/inference"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		prompt     string
		steps      int64
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text for benchmarking",
			Value:       "Explain the theory of relativity in simple terms.",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "number of tokens to generate per run",
			Value:       128,
			Destination: &steps,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Run standardized performance benchmarks",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyCommonConfig(c, cfg)
			log := newLogger()

			resolvedModelPath, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			modelPath = resolvedModelPath

			stat, err := os.Stat(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat model path %q: %v", modelPath, err), 1)
			}
			if stat.IsDir() || !strings.HasSuffix(strings.ToLower(modelPath), ".gguf") {
				return cli.Exit("error: cortex bench only supports .gguf files", 1)
			}

			log.Info("loading model for benchmark", "path", modelPath)
			loadStart := time.Now()
			sess, err := inference.Load(modelPath, sessionConfig(log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = sess.Close() }()
			loadDuration := time.Since(loadStart)

			fmt.Println("=== Cortex Benchmark ===")
			fmt.Printf("Model:    %s (%.1f GB)\n", modelPath, float64(stat.Size())/(1024*1024*1024))
			fmt.Printf("Compute:  %s\n", compute.Active())
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Load:     %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Steps:    %d tokens\n", steps)
			fmt.Printf("Warmup:   %d runs\n", warmupRuns)
			fmt.Printf("Runs:     %d\n", benchRuns)
			fmt.Println()

			// Greedy decoding with a fixed seed keeps every run on the
			// same token sequence.
			opts := inference.Options{
				MaxTokens: int(steps),
				Seed:      42,
			}

			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, err := benchOnce(ctx, sess, prompt, opts); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			type runResult struct {
				PromptTPS float64
				GenTPS    float64
				TPS       float64
				Duration  time.Duration
				Tokens    int
			}
			results := make([]runResult, 0, benchRuns)

			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				stats, err := benchOnce(ctx, sess, prompt, opts)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, runResult{
					PromptTPS: stats.PromptTPS,
					GenTPS:    stats.GenerationTPS,
					TPS:       stats.TPS,
					Duration:  stats.Duration,
					Tokens:    stats.TokensGenerated,
				})
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %10s %10s %10s %10s %8s\n", "Run", "Prompt", "Gen", "Total", "Duration", "Tokens")
			fmt.Printf("%-6s %10s %10s %10s %10s %8s\n", "---", "tps", "tps", "tps", "", "")

			var sumPrompt, sumGen, sumTPS float64
			for i, r := range results {
				fmt.Printf("%-6d %10.2f %10.2f %10.2f %10s %8d\n",
					i+1, r.PromptTPS, r.GenTPS, r.TPS, r.Duration.Round(time.Millisecond), r.Tokens)
				sumPrompt += r.PromptTPS
				sumGen += r.GenTPS
				sumTPS += r.TPS
			}

			n := float64(len(results))
			fmt.Printf("\n%-6s %10.2f %10.2f %10.2f\n", "Avg", sumPrompt/n, sumGen/n, sumTPS/n)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))

			return nil
		},
	}
}

// benchOnce runs one full generation and discards the text. Repeating
// an identical prompt resets the cache first, so every run pays the
// whole prefill and the prompt throughput column stays honest.
func benchOnce(ctx context.Context, sess *inference.Session, prompt string, opts inference.Options) (inference.Stats, error) {
	st, err := sess.Generate(ctx, prompt, opts)
	if err != nil {
		return inference.Stats{}, err
	}
	defer func() { _ = st.Close() }()
	for {
		_, err := st.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return inference.Stats{}, err
		}
	}
	return st.Stats(), nil
}
