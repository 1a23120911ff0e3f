package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/go-fillmask/fillmask"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

var (
	dataPath string
	argsPath string
)

// dataFlags are the flags shared by train and eval. Flags not set are left to the arguments file,
// or to the defaults.
func dataFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "data",
			Usage:       "corpus: text file, or Parquet file with a \"text\" column",
			Destination: &dataPath,
		},
		&cli.StringFlag{
			Name:        "args",
			Usage:       "YAML file with training or evaluation arguments",
			Destination: &argsPath,
		},
		&cli.IntFlag{Name: "batch-size", Usage: "examples per batch"},
		&cli.BoolFlag{Name: "line-by-line", Usage: "use each line of the corpus as an example"},
		&cli.FloatFlag{Name: "mlm-probability", Usage: "probability of masking each token"},
		&cli.IntFlag{Name: "block-size", Usage: "maximum tokens per example"},
		&cli.IntFlag{Name: "seed", Usage: "random seed for masking and shuffling"},
	}
}

func trainFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "epochs", Usage: "number of training epochs"},
		&cli.FloatFlag{Name: "learning-rate", Aliases: []string{"lr"}, Usage: "initial learning rate"},
		&cli.FloatFlag{Name: "weight-decay", Usage: "AdamW weight decay"},
		&cli.FloatFlag{Name: "max-grad-norm", Usage: "gradient clipping norm (0 to disable)"},
	}
}

// collectArgs merges the arguments file and the flags set in the command line (which take
// precedence) into an options map.
func collectArgs(cmd *cli.Command, flags []cli.Flag) (map[string]any, error) {
	options := make(map[string]any)
	if argsPath != "" {
		content, err := os.ReadFile(argsPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read arguments file %q", argsPath)
		}
		if err := yaml.Unmarshal(content, &options); err != nil {
			return nil, errors.Wrapf(err, "failed to parse arguments file %q", argsPath)
		}
	}
	for _, flag := range flags {
		name := flag.Names()[0]
		if name == "data" || name == "args" || !cmd.IsSet(name) {
			continue
		}
		options[strings.ReplaceAll(name, "-", "_")] = cmd.Value(name)
	}
	return options, nil
}

func trainCmd() *cli.Command {
	var outputDir string
	flags := append(dataFlags(), trainFlags()...)
	return &cli.Command{
		Name:  "train",
		Usage: "Fine-tune a model on a corpus and save it",
		Flags: append(append(modelFlags(), flags...),
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "directory where the trained model is saved",
				Required:    true,
				Destination: &outputDir,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			options, err := collectArgs(cmd, flags)
			if err != nil {
				return err
			}
			args, err := fillmask.ParseTrainArgs(options)
			if err != nil {
				return err
			}
			h, err := loadModel()
			if err != nil {
				return err
			}
			if err := h.Train(dataPath, args); err != nil {
				return err
			}
			if err := h.Save(outputDir); err != nil {
				return err
			}
			fmt.Print(renderFields("Trained "+h.String(), [][2]string{
				{"epochs", fmt.Sprint(args.NumTrainEpochs)},
				{"learning rate", fmt.Sprint(args.LearningRate)},
				{"saved to", outputDir},
			}))
			return nil
		},
	}
}

func evalCmd() *cli.Command {
	flags := dataFlags()
	return &cli.Command{
		Name:  "eval",
		Usage: "Evaluate the masked word prediction loss of a model on a corpus",
		Flags: append(modelFlags(), flags...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			options, err := collectArgs(cmd, flags)
			if err != nil {
				return err
			}
			args, err := fillmask.ParseEvalArgs(options)
			if err != nil {
				return err
			}
			h, err := loadModel()
			if err != nil {
				return err
			}
			result, err := h.Eval(dataPath, args)
			if err != nil {
				return err
			}
			fmt.Print(renderFields("Evaluation of "+h.String(), [][2]string{
				{"loss", fmt.Sprintf("%.4f", result.Loss)},
				{"examples", fmt.Sprint(result.Examples)},
				{"masked tokens", fmt.Sprint(result.MaskedTokens)},
			}))
			return nil
		},
	}
}
