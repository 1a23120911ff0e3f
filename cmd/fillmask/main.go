// fillmask predicts masked words with pretrained BERT-like models, and fine-tunes, evaluates and
// saves them.
//
// Examples:
//
//	fillmask predict -m bert-base-uncased "Please pass the salt and [MASK]."
//	fillmask predict -m FacebookAI/roberta-base --targets pepper,sugar "Please pass the salt and [MASK]."
//	fillmask train -m bert-base-uncased --data corpus.txt --epochs 1 --output ~/models/my-bert
//	fillmask eval --load ~/models/my-bert --data test.txt
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

func main() {
	app := &cli.Command{
		Name:  "fillmask",
		Usage: "Masked word prediction with pretrained language models",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "verbosity",
				Aliases:     []string{"v"},
				Usage:       "log verbosity: 1 logs progress, 2 logs every training step",
				Destination: &verbosity,
			},
		},
		Before: initLogging,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			predictCmd(),
			trainCmd(),
			evalCmd(),
			saveCmd(),
			inspectCmd(),
		},
	}

	err := app.Run(context.Background(), os.Args)
	klog.Flush()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

var verbosity int

// initLogging configures klog from the command line flags.
func initLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	if err := klogFlags.Set("v", strconv.Itoa(verbosity)); err != nil {
		return ctx, err
	}
	return ctx, nil
}
