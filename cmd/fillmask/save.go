package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func saveCmd() *cli.Command {
	var outputDir string
	return &cli.Command{
		Name:  "save",
		Usage: "Download a model and save it to a local directory",
		Flags: append(modelFlags(),
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "target directory",
				Required:    true,
				Destination: &outputDir,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			h, err := loadModel()
			if err != nil {
				return err
			}
			if err := h.Save(outputDir); err != nil {
				return err
			}
			fmt.Printf("%s saved to %s\n", titleStyle.Render(h.String()), outputDir)
			return nil
		},
	}
}
