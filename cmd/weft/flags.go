package main

import (
	"io"

	"github.com/urfave/cli/v3"

	"github.com/calderhughes/weft/internal/logger"
)

var (
	modelPath     string
	tokenizerPath string
	prompt        string
	steps         int64
	nThreads      int64
	workers       []string
	workerPort    int64
	bufferFloat   string
	ratios        string
	maxSeqLen     int64
	temperature   float64
	topp          float64
	seed          int64
	chatTemplate  string
	benchmark     bool
	netTurbo      bool
	gpuIndex      int64
	gpuSegments   string
	statusAddr    string
	logLevel      string
	logFormat     string
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to the model file",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "path to the tokenizer file",
			Destination: &tokenizerPath,
		},
		&cli.Int64Flag{
			Name:        "max-seq-len",
			Usage:       "cap on the model's sequence length",
			Destination: &maxSeqLen,
		},
		&cli.StringFlag{
			Name:        "buffer-float-type",
			Usage:       "activation exchange type (f32, f16, q40, q80)",
			Value:       "f32",
			Destination: &bufferFloat,
		},
	}
}

func clusterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:        "workers",
			Usage:       "worker addresses in host:port form (repeat or comma-separate)",
			Destination: &workers,
		},
		&cli.StringFlag{
			Name:        "ratios",
			Usage:       "partition specification, e.g. \"1:1@10*2:3@14\"",
			Destination: &ratios,
		},
		&cli.Int64Flag{
			Name:        "nthreads",
			Usage:       "thread-pool size",
			Value:       1,
			Destination: &nThreads,
		},
		&cli.BoolFlag{
			Name:        "net-turbo",
			Usage:       "non-blocking sockets during forwards",
			Value:       true,
			Destination: &netTurbo,
		},
		&cli.BoolFlag{
			Name:        "benchmark",
			Usage:       "collect per-node profiling",
			Destination: &benchmark,
		},
		&cli.Int64Flag{
			Name:        "gpu-index",
			Usage:       "GPU device index (optional backend)",
			Value:       -1,
			Destination: &gpuIndex,
		},
		&cli.StringFlag{
			Name:        "gpu-segments",
			Usage:       "GPU segment range as from:to",
			Destination: &gpuSegments,
		},
		&cli.StringFlag{
			Name:        "status-addr",
			Usage:       "serve /healthz, /v1/plan and /v1/perf on this address",
			Destination: &statusAddr,
		},
	}
}

func samplerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "input prompt",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Usage:       "total forward steps",
			Value:       64,
			Destination: &steps,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Usage:       "sampling temperature (0 = greedy)",
			Value:       0.8,
			Destination: &temperature,
		},
		&cli.Float64Flag{
			Name:        "topp",
			Usage:       "nucleus sampling mass",
			Value:       0.9,
			Destination: &topp,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampler seed (0 = time-based)",
			Destination: &seed,
		},
		&cli.StringFlag{
			Name:        "chat-template",
			Usage:       "chat template (llama2, llama3, deepSeek3)",
			Destination: &chatTemplate,
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
	}
}

func newLogger(w io.Writer) logger.Logger {
	level := logger.ParseLevel(logLevel)
	switch logFormat {
	case "json":
		return logger.JSON(w, level)
	case "text":
		return logger.Text(w, level)
	default:
		return logger.Pretty(w, level)
	}
}
