package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/calderhughes/weft/internal/version"
)

func main() {
	app := &cli.Command{
		Name:    "weft",
		Usage:   "Distributed transformer inference engine",
		Version: version.Version,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			inferenceCmd(),
			chatCmd(),
			perplexityCmd(),
			workerCmd(),
			inspectCmd(),
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "🚨", err)
		os.Exit(1)
	}
}
