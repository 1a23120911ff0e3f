// Package sentencepiece implements a tokenizers.Tokenizer based on SentencePiece tokenizer.
// It's used by ALBERT-family checkpoints (spiece.model) and by repositories that ship a
// tokenizer.model without a tokenizer.json.
package sentencepiece

import (
	"path/filepath"
	"strings"

	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/go-fillmask/hub"
	"github.com/gomlx/go-fillmask/internal/files"
	"github.com/gomlx/go-fillmask/tokenizers/api"
	"github.com/pkg/errors"
)

// ModelFileNames are the names of SentencePiece model files searched in a repository, in order.
var ModelFileNames = []string{"spiece.model", "tokenizer.model"}

// metaSpace is the character SentencePiece uses to represent spaces.
const metaSpace = "▁"

// FindModelFile returns the name of the SentencePiece model file in repo, or "" if there is none.
func FindModelFile(repo hub.Source) string {
	for _, name := range ModelFileNames {
		if repo.HasFile(name) {
			return name
		}
	}
	return ""
}

// New creates a SentencePiece tokenizer based on the "spiece.model" or "tokenizer.model" file,
// which must be a SentencePiece Model proto.
//
// It implements the tokenizers.Constructor function signature.
func New(config *api.Config, repo hub.Source) (api.FullTokenizer, error) {
	fileName := FindModelFile(repo)
	if fileName == "" {
		return nil, errors.Errorf("none of %q found in %s", ModelFileNames, repo)
	}
	tokenizerFile, err := repo.DownloadFile(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "can't download %s file", fileName)
	}
	return NewFromFile(config, tokenizerFile)
}

// NewFromFile creates a SentencePiece tokenizer from a local model file.
func NewFromFile(config *api.Config, modelPath string) (*Tokenizer, error) {
	proc, err := esentencepiece.NewProcessorFromPath(modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece tokenizer from %q", modelPath)
	}
	t := &Tokenizer{
		Processor: proc,
		Info:      proc.ModelInfo(),
		config:    config,
		modelPath: modelPath,
	}
	t.resolveSpecialTokens()
	return t, nil
}

// Tokenizer implements tokenizers.Tokenizer interface based on SentencePiece tokenizer by Google.
type Tokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo

	config    *api.Config
	modelPath string
	special   map[api.SpecialToken]int
}

// Compile time assert that sentencepiece.Tokenizer implements api.FullTokenizer interface.
var _ api.FullTokenizer = &Tokenizer{}

func (p *Tokenizer) resolveSpecialTokens() {
	p.special = map[api.SpecialToken]int{
		api.TokUnknown:             p.Info.UnknownID,
		api.TokPad:                 p.Info.PadID,
		api.TokBeginningOfSentence: p.Info.BeginningOfSentenceID,
		api.TokEndOfSentence:       p.Info.EndOfSentenceID,
	}
	candidates := map[api.SpecialToken][]string{
		api.TokMask:           {"[MASK]", "<mask>"},
		api.TokClassification: {"[CLS]", "<s>"},
		api.TokEndOfSentence:  {"[SEP]", "</s>"},
	}
	if p.config != nil {
		if p.config.MaskToken != "" {
			candidates[api.TokMask] = append([]string{p.config.MaskToken}, candidates[api.TokMask]...)
		}
		if p.config.ClsToken != "" {
			candidates[api.TokClassification] = append([]string{p.config.ClsToken}, candidates[api.TokClassification]...)
		}
		if p.config.SepToken != "" {
			candidates[api.TokEndOfSentence] = append([]string{p.config.SepToken}, candidates[api.TokEndOfSentence]...)
		}
	}
	for token, names := range candidates {
		for _, name := range names {
			if id, ok := p.TokenToID(name); ok {
				p.special[token] = id
				break
			}
		}
	}
	for token, id := range p.special {
		if id < 0 {
			delete(p.special, token)
		}
	}
}

// Encode returns the text encoded into a sequence of ids.
func (p *Tokenizer) Encode(text string) []int {
	tokens := p.Processor.Encode(text)
	return sliceMap(tokens, func(t esentencepiece.Token) int { return t.ID })
}

// Decode returns the text from a sequence of ids.
func (p *Tokenizer) Decode(ids []int) string {
	return p.Processor.Decode(ids)
}

// SpecialTokenID returns the token for the given symbol, or an error if not known.
func (p *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if id, found := p.special[token]; found {
		return id, nil
	}
	return 0, errors.Errorf("unknown special token: %s (%d)", token, int(token))
}

// VocabSize returns the number of pieces in the model.
func (p *Tokenizer) VocabSize() int {
	return p.Info.VocabularySize
}

// TokenToID returns the id of a single piece. Pieces starting with "▁" are words preceded by a
// space, others are either word continuations or user defined symbols (like "[MASK]").
func (p *Tokenizer) TokenToID(token string) (int, bool) {
	if token == "" {
		return 0, false
	}
	text := strings.ReplaceAll(token, metaSpace, " ")
	found := -1
	for _, t := range p.Processor.Encode(text) {
		switch {
		case t.Text == token && found < 0:
			found = t.ID
		case t.Text == metaSpace:
			// The dummy prefix added by SentencePiece to continuations.
		default:
			return 0, false
		}
	}
	return found, found >= 0
}

// IDToToken returns the decoded text of the token id. SentencePiece doesn't expose the stored
// piece, so the leading "▁" of word-initial pieces is rendered as a space and then dropped.
func (p *Tokenizer) IDToToken(id int) (string, bool) {
	if id < 0 || id >= p.Info.VocabularySize {
		return "", false
	}
	return p.Processor.Decode([]int{id}), true
}

// Save copies the SentencePiece model file, and writes tokenizer_config.json if a configuration
// was given, into dir.
func (p *Tokenizer) Save(dir string) error {
	target := filepath.Join(dir, filepath.Base(p.modelPath))
	if err := files.CopyFile(p.modelPath, target); err != nil {
		return errors.WithMessagef(err, "failed to save sentencepiece model")
	}
	if p.config != nil {
		return p.config.WriteFile(filepath.Join(dir, "tokenizer_config.json"))
	}
	return nil
}

// sliceMap executes the given function sequentially for every element on in, and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
