package main

import (
	"github.com/gomlx/go-fillmask/fillmask"
	"github.com/urfave/cli/v3"
)

var (
	modelType   string
	modelName   string
	loadPath    string
	authToken   string
	cacheDir    string
	revision    string
	placeholder string
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-type",
			Aliases:     []string{"t"},
			Usage:       "model family: BERT, DISTILBERT, ALBERT, ROBERTA, XLM-ROBERTA (default: detected from config.json)",
			Destination: &modelType,
		},
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "HuggingFace Hub model id (e.g. bert-base-uncased) or local model directory",
			Destination: &modelName,
		},
		&cli.StringFlag{
			Name:        "load",
			Usage:       "directory of a model saved with the train or save commands (overrides --model)",
			Destination: &loadPath,
		},
		&cli.StringFlag{
			Name:        "auth-token",
			Usage:       "HuggingFace token for private or gated models (default: $HF_TOKEN)",
			Sources:     cli.EnvVars("HF_TOKEN"),
			Destination: &authToken,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "directory where downloaded models are cached (default: $HF_HOME/hub)",
			Destination: &cacheDir,
		},
		&cli.StringFlag{
			Name:        "revision",
			Usage:       "model revision in the Hub: branch, tag or commit",
			Destination: &revision,
		},
		&cli.StringFlag{
			Name:        "placeholder",
			Usage:       "string marking the word to predict",
			Value:       fillmask.DefaultMaskPlaceholder,
			Destination: &placeholder,
		},
	}
}

// loadModel creates the handle selected by the model flags.
func loadModel() (*fillmask.Handle, error) {
	opts := []fillmask.Option{
		fillmask.WithAuthToken(authToken),
		fillmask.WithCacheDir(cacheDir),
		fillmask.WithRevision(revision),
		fillmask.WithMaskPlaceholder(placeholder),
	}
	if loadPath != "" {
		return fillmask.Load(loadPath, opts...)
	}
	if modelName == "" {
		return nil, cli.Exit("either --model or --load is required", 1)
	}
	return fillmask.New(modelType, modelName, opts...)
}
