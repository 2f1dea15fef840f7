package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tobymordkin/cortex/internal/compute"
	"github.com/tobymordkin/cortex/internal/inference"
)

func runCmd() *cli.Command {
	var (
		prompt        string
		maxTokens     int64
		temp          float64
		topK          int64
		topP          float64
		minP          float64
		repeatPenalty float64
		repeatLastN   int64
		seed          int64
		echoPrompt    bool

		// Debug flags
		showConfig bool
		showTokens bool

		// Output
		streamMode string
		rawOutput  bool

		// Profiling
		cpuProfile string
		memProfile string
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text (empty starts interactive mode)",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n", "num-tokens"},
			Usage:       "number of tokens to generate (-1 = until end of sequence)",
			Value:       -1,
			Destination: &maxTokens,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       0.8,
			Destination: &temp,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k", "topk"},
			Usage:       "top-k sampling parameter (0 = disabled)",
			Value:       40,
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p", "topp"},
			Usage:       "top-p sampling parameter",
			Value:       0.95,
			Destination: &topP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Aliases:     []string{"min_p", "minp"},
			Usage:       "min-p sampling parameter (0 = disabled)",
			Value:       0.05,
			Destination: &minP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Aliases:     []string{"repeat_penalty"},
			Usage:       "repetition penalty (1.0 = disabled)",
			Value:       1.1,
			Destination: &repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Aliases:     []string{"repeat_last_n"},
			Usage:       "last n tokens to penalize",
			Value:       64,
			Destination: &repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed (0 = random)",
			Destination: &seed,
		},
		&cli.StringSliceFlag{
			Name:  "stop",
			Usage: "stop sequence, truncates the output (repeatable)",
		},
		&cli.BoolFlag{
			Name:        "echo-prompt",
			Usage:       "print prompt text before generation",
			Destination: &echoPrompt,
		},
		&cli.BoolFlag{
			Name:        "show-config",
			Usage:       "print model summary before generation",
			Destination: &showConfig,
		},
		&cli.BoolFlag{
			Name:        "show-tokens",
			Usage:       "print prompt token ids",
			Destination: &showTokens,
		},
		&cli.StringFlag{
			Name:        "stream-mode",
			Usage:       "output pacing (instant, smooth, quiet)",
			Value:       "instant",
			Destination: &streamMode,
		},
		&cli.BoolFlag{
			Name:        "raw",
			Usage:       "escape control characters in the output",
			Destination: &rawOutput,
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "write cpu profile to file",
			Destination: &cpuProfile,
		},
		&cli.StringFlag{
			Name:        "memprofile",
			Usage:       "write memory profile to file",
			Destination: &memProfile,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("could not create CPU profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("could not start CPU profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}

			if memProfile != "" {
				defer func() {
					f, err := os.Create(memProfile)
					if err != nil {
						fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
						return
					}
					defer func() { _ = f.Close() }()
					if err := pprof.WriteHeapProfile(f); err != nil {
						fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
					}
				}()
			}

			cfg := LoadConfig()
			applyCommonConfig(c, cfg)
			applySamplingConfig(c, cfg, &temp, &topK, &topP, &minP, &repeatPenalty, &maxTokens, &seed)
			if cfg.StreamMode != "" && !c.IsSet("stream-mode") {
				streamMode = cfg.StreamMode
			}
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
				return cli.Exit("error: cortex run only supports .gguf files", 1)
			}

			loadStart := time.Now()
			sess, err := inference.Load(modelPath, sessionConfig(log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = sess.Close() }()
			fmt.Fprintf(os.Stderr, "Model loaded in %s\n", time.Since(loadStart).Round(time.Millisecond))

			if showConfig {
				p := sess.Model().Params
				fmt.Fprintf(os.Stderr, "GGUF | arch=%s\n", p.Arch)
				fmt.Fprintf(os.Stderr, "blocks=%d embd=%d ffn=%d heads=%d kv_heads=%d head_dim=%d vocab=%d ctx=%d\n",
					p.Blocks, p.Embedding, p.FFN, p.Heads, p.KVHeads, p.HeadDim, p.Vocab, sess.Model().ContextLength())
				if sess.Model().Sliding() {
					fmt.Fprintf(os.Stderr, "window=%d (sliding)\n", sess.Model().Window())
				}
				fmt.Fprintf(os.Stderr, "rope: base=%g rms_eps=%g\n", p.RopeFreqBase, p.RMSEpsilon)
				fmt.Fprintf(os.Stderr, "compute: %s threads=%d\n", compute.Active(), threads)
				fmt.Fprintf(os.Stderr, "sampling: temp=%.3g top_k=%d top_p=%.3g min_p=%.3g repeat_penalty=%.3g\n",
					temp, topK, topP, minP, repeatPenalty)
			}

			opts := inference.Options{
				MaxTokens:     int(maxTokens),
				Temperature:   float32(temp),
				TopK:          int(topK),
				TopP:          float32(topP),
				MinP:          float32(minP),
				RepeatPenalty: float32(repeatPenalty),
				RepeatLastN:   int(repeatLastN),
				Seed:          seed,
				Stop:          c.StringSlice("stop"),
			}

			if prompt != "" {
				return runOnce(ctx, sess, prompt, opts, runOutput{
					echoPrompt: echoPrompt,
					showTokens: showTokens,
					mode:       ParseStreamMode(streamMode),
					raw:        rawOutput,
				})
			}
			return runInteractive(ctx, sess, opts, showTokens)
		},
	}
}

type runOutput struct {
	echoPrompt bool
	showTokens bool
	mode       StreamMode
	raw        bool
}

func runOnce(ctx context.Context, sess *inference.Session, prompt string, opts inference.Options, out runOutput) error {
	if out.echoPrompt {
		fmt.Print(prompt)
	}
	if out.showTokens {
		tok := sess.Tokenizer()
		ids := tok.Encode(prompt, tok.AddBOS())
		fmt.Fprintf(os.Stderr, "Input tokens (%d): %s\n", len(ids), joinInts(ids))
	}

	st, err := sess.Generate(ctx, prompt, opts)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
	}
	defer func() { _ = st.Close() }()

	writer := NewStreamWriter(os.Stdout, out.mode, out.raw)
	for {
		tok, err := st.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return cli.Exit(fmt.Sprintf("error: generation: %v", err), 1)
		}
		writer.Write(tok.Text)
	}
	writer.Flush()
	fmt.Println()

	stats := st.Stats()
	fmt.Fprintf(os.Stderr, "Stats: %.2f TPS (%d tokens in %s)\n",
		stats.TPS, stats.TokensGenerated, stats.Duration.Round(time.Millisecond))
	return nil
}

// runInteractive grows one document across turns: each line of input and
// each reply extend the same transcript, so the session can resume from
// its cached prefix instead of re-reading the whole history.
func runInteractive(ctx context.Context, sess *inference.Session, opts inference.Options, showTokens bool) error {
	fmt.Fprintln(os.Stderr, "Interactive mode. Type /exit to quit.")

	var transcript strings.Builder
	for {
		input, err := readInteractiveLine("> ")
		if err != nil {
			break
		}
		trimmed := strings.TrimSpace(input)
		if trimmed == "/exit" {
			break
		}
		if trimmed == "" {
			continue
		}
		transcript.WriteString(input)

		if showTokens {
			tok := sess.Tokenizer()
			ids := tok.Encode(transcript.String(), tok.AddBOS())
			fmt.Fprintf(os.Stderr, "Input tokens (%d): %s\n", len(ids), joinInts(ids))
		}

		st, err := sess.Generate(ctx, transcript.String(), opts)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error: generate:", err)
			break
		}

		var reply strings.Builder
		for {
			tok, nerr := st.Next()
			if errors.Is(nerr, io.EOF) {
				break
			}
			if nerr != nil {
				err = nerr
				break
			}
			fmt.Print(tok.Text)
			reply.WriteString(tok.Text)
		}
		_ = st.Close()
		fmt.Println()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error: generation:", err)
			break
		}

		stats := st.Stats()
		fmt.Fprintf(os.Stderr, "Stats: %.2f TPS (%d tokens in %s)\n",
			stats.TPS, stats.TokensGenerated, stats.Duration.Round(time.Millisecond))

		transcript.WriteString(reply.String())
		transcript.WriteString("\n")
	}
	return nil
}

func joinInts(ids []int) string {
	if len(ids) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("%d", id))
	}
	b.WriteByte(']')
	return b.String()
}
