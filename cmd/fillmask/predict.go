package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/gomlx/go-fillmask/fillmask"
	"github.com/urfave/cli/v3"
)

func predictCmd() *cli.Command {
	var (
		topK    int
		targets []string
	)
	return &cli.Command{
		Name:      "predict",
		Usage:     "Predict the word at the mask placeholder of a text",
		ArgsUsage: "<text with one [MASK]>",
		Flags: append(modelFlags(),
			&cli.IntFlag{
				Name:        "top-k",
				Aliases:     []string{"k"},
				Usage:       "number of predictions",
				Value:       5,
				Destination: &topK,
			},
			&cli.StringSliceFlag{
				Name:        "targets",
				Usage:       "score only these words, in the given order (instead of --top-k)",
				Destination: &targets,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			text := strings.Join(cmd.Args().Slice(), " ")
			if text == "" {
				return cli.Exit("missing text to predict", 1)
			}
			h, err := loadModel()
			if err != nil {
				return err
			}
			mode := fillmask.TopK(topK)
			if len(targets) > 0 {
				mode = fillmask.Targets(targets...)
			}
			predictions, err := h.PredictMask(text, mode)
			if err != nil {
				return err
			}
			fmt.Print(renderPredictions(text, predictions))
			return nil
		},
	}
}
