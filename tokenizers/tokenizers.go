// Package tokenizers creates tokenizers for HuggingFace model repositories (or local copies of them).
//
// Create a tokenizer with New, giving it a hub.Repo or a hub.LocalDir. It will pick the
// implementation from the files available: tokenizer.json is preferred (hftokenizer), and
// SentencePiece models (spiece.model, tokenizer.model) are used otherwise.
package tokenizers

import (
	"github.com/gomlx/go-fillmask/hub"
	"github.com/gomlx/go-fillmask/tokenizers/api"
	"github.com/gomlx/go-fillmask/tokenizers/hftokenizer"
	"github.com/gomlx/go-fillmask/tokenizers/sentencepiece"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tokenizer with vocabulary access, re-exported for convenience.
type Tokenizer = api.FullTokenizer

// Config is the tokenizer configuration, re-exported for convenience.
type Config = api.Config

// Constructor creates a tokenizer from the repository files.
type Constructor func(config *api.Config, repo hub.Source) (api.FullTokenizer, error)

// ConfigFileNames are the configuration files merged into the tokenizer Config, in order of precedence.
var ConfigFileNames = []string{"tokenizer_config.json", "special_tokens_map.json"}

// LoadConfig reads and merges the tokenizer configuration files found in repo.
// It returns an empty configuration if there are none.
func LoadConfig(repo hub.Source) (*api.Config, error) {
	config := &api.Config{}
	for _, fileName := range ConfigFileNames {
		found, err := hub.FileExists(repo, fileName)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		localPath, err := repo.DownloadFile(fileName)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to download %s", fileName)
		}
		fileConfig, err := api.ParseConfigFile(localPath)
		if err != nil {
			return nil, err
		}
		config.Merge(fileConfig)
	}
	return config, nil
}

// New creates the tokenizer for repo. If config is nil, it is read with LoadConfig.
func New(config *api.Config, repo hub.Source) (api.FullTokenizer, error) {
	if config == nil {
		var err error
		if config, err = LoadConfig(repo); err != nil {
			return nil, err
		}
	}
	var constructor Constructor
	switch {
	case repo.HasFile(hftokenizer.FileName):
		constructor = hftokenizer.New
	case sentencepiece.FindModelFile(repo) != "":
		constructor = sentencepiece.New
	default:
		return nil, errors.Errorf("no supported tokenizer file (%s, %v) found in %s",
			hftokenizer.FileName, sentencepiece.ModelFileNames, repo)
	}
	tok, err := constructor(config, repo)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("tokenizer for %s: %T (class %q), vocabulary size %d", repo, tok, config.TokenizerClass, tok.VocabSize())
	return tok, nil
}
