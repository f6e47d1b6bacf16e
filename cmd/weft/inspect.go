package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/calderhughes/weft/internal/model"
	"github.com/calderhughes/weft/internal/nn"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Print a model file's header as JSON",
		Flags: modelFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			syncType, err := nn.ParseFloatType(bufferFloat)
			if err != nil {
				return err
			}
			header, err := model.LoadHeader(modelPath, int(maxSeqLen), syncType)
			if err != nil {
				return err
			}
			blob, err := json.MarshalIndent(header, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(blob))
			return nil
		},
	}
}
