package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/tobymordkin/cortex/internal/inference"
)

func jsonCmd() *cli.Command {
	var (
		prompt        string
		schemaArg     string
		maxTokens     int64
		temp          float64
		topK          int64
		topP          float64
		minP          float64
		repeatPenalty float64
		repeatLastN   int64
		seed          int64
		pretty        bool
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text",
			Required:    true,
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "schema",
			Aliases:     []string{"s"},
			Usage:       "JSON Schema, inline or a path to a file",
			Required:    true,
			Destination: &schemaArg,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n", "num-tokens"},
			Usage:       "token budget for the document (-1 = unbounded)",
			Value:       -1,
			Destination: &maxTokens,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (0 = greedy)",
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
			Value:       1.0,
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
		&cli.BoolFlag{
			Name:        "pretty",
			Usage:       "re-indent the generated document",
			Destination: &pretty,
		},
	)

	return &cli.Command{
		Name:  "json",
		Usage: "Generate a JSON document that validates against a schema",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyCommonConfig(c, cfg)
			applySamplingConfig(c, cfg, &temp, &topK, &topP, &minP, &repeatPenalty, &maxTokens, &seed)
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
				return cli.Exit("error: cortex json only supports .gguf files", 1)
			}

			schema := []byte(schemaArg)
			if fileExists(schemaArg) {
				schema, err = os.ReadFile(schemaArg)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read schema: %v", err), 1)
				}
			}

			loadStart := time.Now()
			sess, err := inference.Load(modelPath, sessionConfig(log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = sess.Close() }()
			fmt.Fprintf(os.Stderr, "Model loaded in %s\n", time.Since(loadStart).Round(time.Millisecond))

			opts := inference.Options{
				MaxTokens:     int(maxTokens),
				Temperature:   float32(temp),
				TopK:          int(topK),
				TopP:          float32(topP),
				MinP:          float32(minP),
				RepeatPenalty: float32(repeatPenalty),
				RepeatLastN:   int(repeatLastN),
				Seed:          seed,
			}

			genStart := time.Now()
			doc, err := sess.GenerateJSON(ctx, prompt, schema, opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
			}
			fmt.Fprintf(os.Stderr, "Generated in %s\n", time.Since(genStart).Round(time.Millisecond))

			if pretty {
				var buf bytes.Buffer
				if err := json.Indent(&buf, []byte(doc), "", "  "); err != nil {
					return cli.Exit(fmt.Sprintf("error: indent document: %v", err), 1)
				}
				doc = buf.String()
			}
			fmt.Println(doc)
			return nil
		},
	}
}
