package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/tobymordkin/cortex/internal/compute"
	"github.com/tobymordkin/cortex/internal/inference"
	"github.com/tobymordkin/cortex/internal/logger"
)

var (
	modelPath   string
	modelsPath  string
	maxContext  int64
	window      int64
	threads     int64
	forceScalar bool
	logLevel    string
	logFormat   string
	debug       bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .gguf file",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "path to directory containing .gguf models",
			Destination: &modelsPath,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"max-ctx", "ctx", "c"},
			Usage:       "cap the context length (0 = model default)",
			Destination: &maxContext,
		},
		&cli.Int64Flag{
			Name:        "window",
			Aliases:     []string{"w"},
			Usage:       "sliding attention window in tokens (0 = full context)",
			Destination: &window,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Usage:       "matvec worker count (0 = GOMAXPROCS)",
			Destination: &threads,
		},
		&cli.BoolFlag{
			Name:        "scalar",
			Usage:       "disable SIMD kernels",
			Destination: &forceScalar,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func resolvedLogLevel() slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return logger.ParseLevel(logLevel)
}

func newLogger() logger.Logger {
	return logger.New(logger.Handler(os.Stderr, logFormat, resolvedLogLevel()))
}

// sessionConfig maps the shared model flags to a load configuration and
// applies the compute overrides they imply.
func sessionConfig(log logger.Logger) inference.Config {
	if forceScalar {
		compute.ForceLevel(compute.LevelScalar)
	}
	return inference.Config{
		ContextLength: int(maxContext),
		SlidingWindow: int(window),
		Threads:       int(threads),
		Logger:        log,
	}
}
