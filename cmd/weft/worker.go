package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/calderhughes/weft/internal/inference"
)

func workerCmd() *cli.Command {
	flags := []cli.Flag{
		&cli.Int64Flag{
			Name:        "port",
			Usage:       "listening port",
			Value:       9990,
			Destination: &workerPort,
		},
	}
	flags = append(flags, clusterFlags()...)
	flags = append(flags, loggingFlags()...)
	return &cli.Command{
		Name:  "worker",
		Usage: "Join a cluster as a worker node",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyConfig(cmd, loadConfig())
			log := newLogger(os.Stderr)
			if nThreads < 1 {
				return fmt.Errorf("number of threads must be at least 1")
			}
			log.Info("worker listening", "port", workerPort)
			return inference.RunWorker(inference.WorkerOptions{
				Port:     int(workerPort),
				NThreads: int(nThreads),
				NetTurbo: netTurbo,
			}, log)
		},
	}
}
