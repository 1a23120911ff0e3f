// Package fillmask predicts masked words with pretrained masked language models (BERT, DistilBERT,
// ALBERT, RoBERTa and XLM-RoBERTa checkpoints from the HuggingFace Hub), and fine-tunes, evaluates
// and saves them.
//
// Example:
//
//	h, err := fillmask.New("BERT", "bert-base-uncased")
//	if err != nil { ... }
//	predictions, err := h.PredictMask("Please pass the salt and [MASK].", fillmask.TopK(5))
//	for _, p := range predictions {
//		fmt.Printf("%s: %.3f\n", p.Token, p.Score)
//	}
//
// A Handle is not safe for concurrent use.
package fillmask

import (
	"github.com/gomlx/go-fillmask/hub"
	"github.com/gomlx/go-fillmask/internal/files"
	"github.com/gomlx/go-fillmask/models/maskedlm"
	"github.com/gomlx/go-fillmask/models/safetensors"
	"github.com/gomlx/go-fillmask/tokenizers"
	"github.com/gomlx/go-fillmask/tokenizers/api"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Handle owns a tokenizer and the masked language model built from a checkpoint.
type Handle struct {
	family      *familySpec
	source      hub.Source
	tokenizer   tokenizers.Tokenizer
	model       *maskedlm.Model
	placeholder string

	// config.json of the checkpoint, nil if it has none. Its fields are kept by Save.
	config *modelConfig

	// Ids of the special tokens used to build sequences, -1 if the tokenizer has none.
	maskID, beginID, endID, unkID int
}

type options struct {
	authToken, cacheDir, revision string
	placeholder                   string
}

// Option configures New and Load.
type Option func(*options)

// WithAuthToken sets the HuggingFace token used to download private or gated models.
// By default, the HF_TOKEN environment variable is used.
func WithAuthToken(token string) Option {
	return func(o *options) { o.authToken = token }
}

// WithCacheDir sets the directory where downloaded models are cached.
// By default, it follows HuggingFace's conventions (HF_HUB_CACHE, HF_HOME or ~/.cache/huggingface/hub).
func WithCacheDir(dir string) Option {
	return func(o *options) { o.cacheDir = dir }
}

// WithRevision selects the branch, tag or commit of the model in the Hub. Default is "main".
func WithRevision(revision string) Option {
	return func(o *options) { o.revision = revision }
}

// WithMaskPlaceholder changes the string that marks the word to predict. Default is "[MASK]",
// for all model families.
func WithMaskPlaceholder(placeholder string) Option {
	return func(o *options) { o.placeholder = placeholder }
}

func newOptions(opts []Option) *options {
	o := &options{placeholder: DefaultMaskPlaceholder}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// New loads a pretrained model.
//
// modelType is one of "BERT", "DISTILBERT", "ALBERT", "ROBERTA", "XLM-ROBERTA" (case-insensitive),
// or "" to detect it from the model's config.json.
// modelName is either a local directory (for instance one written by Handle.Save) or a HuggingFace
// Hub model id, like "bert-base-uncased" or "FacebookAI/roberta-base".
//
// It returns an ErrInvalidConfig error for unknown model types, and an ErrModelLoad error if the
// model can't be downloaded or loaded.
func New(modelType, modelName string, opts ...Option) (*Handle, error) {
	family, err := ParseFamily(modelType)
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "model name is required")
	}
	o := newOptions(opts)
	var src hub.Source
	if dir := files.ReplaceTildeInDir(modelName); files.IsDir(dir) {
		src = hub.LocalDir(dir)
	} else {
		src = hub.New(modelName).WithAuth(o.authToken).WithRevision(o.revision).WithCacheDir(o.cacheDir)
	}
	return newHandle(family, src, o)
}

// Load a model saved with Handle.Save. The model family is read from the saved config.json.
//
// Any failure (missing directory, files or malformed contents) is reported as ErrModelLoad.
func Load(dir string, opts ...Option) (*Handle, error) {
	dir = files.ReplaceTildeInDir(dir)
	if !files.IsDir(dir) {
		return nil, errors.Wrapf(ErrModelLoad, "%q is not a directory", dir)
	}
	h, err := newHandle(Auto, hub.LocalDir(dir), newOptions(opts))
	if err != nil && !errors.Is(err, ErrModelLoad) {
		return nil, wrapAs(ErrModelLoad, err, "failed to load %q", dir)
	}
	return h, err
}

func newHandle(family Family, src hub.Source, o *options) (*Handle, error) {
	if o.placeholder == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "empty mask placeholder")
	}
	config, err := readModelConfig(src)
	if err != nil {
		return nil, wrapAs(ErrModelLoad, err, "model %s", src)
	}
	spec, err := resolveFamily(family, config)
	if err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			return nil, err
		}
		return nil, wrapAs(ErrModelLoad, err, "model %s", src)
	}
	tok, err := tokenizers.New(nil, src)
	if err != nil {
		return nil, wrapAs(ErrModelLoad, err, "failed to create tokenizer for %s", src)
	}
	h := &Handle{
		family:      spec,
		source:      src,
		tokenizer:   tok,
		placeholder: o.placeholder,
		config:      config,
	}
	if err := h.resolveSpecialTokens(); err != nil {
		return nil, wrapAs(ErrModelLoad, err, "model %s", src)
	}
	if err := h.loadModel(config); err != nil {
		return nil, wrapAs(ErrModelLoad, err, "failed to load weights of %s", src)
	}
	c := h.model.Config
	klog.V(1).Infof("loaded %s model %s: %d layers, hidden size %d, vocabulary size %d, %d parameters",
		spec.family, src, c.NumHiddenLayers, c.HiddenSize, c.VocabSize, h.model.NumParams())
	return h, nil
}

// specialTokenID returns the id of the first special token found, or -1.
func (h *Handle) specialTokenID(tokens ...api.SpecialToken) int {
	for _, token := range tokens {
		if id, err := h.tokenizer.SpecialTokenID(token); err == nil {
			return id
		}
	}
	return -1
}

func (h *Handle) resolveSpecialTokens() error {
	h.maskID = h.specialTokenID(api.TokMask)
	if h.maskID < 0 {
		id, found := h.tokenizer.TokenToID(h.family.maskToken)
		if !found {
			return errors.Errorf("tokenizer has no mask token (%q)", h.family.maskToken)
		}
		h.maskID = id
	}
	h.beginID = h.specialTokenID(api.TokClassification, api.TokBeginningOfSentence)
	h.endID = h.specialTokenID(api.TokEndOfSentence)
	h.unkID = h.specialTokenID(api.TokUnknown)
	return nil
}

// loadModel builds the encoder from the checkpoint weights and the hyperparameters of config.json.
func (h *Handle) loadModel(config *modelConfig) error {
	var content []byte
	if config != nil {
		content = config.content
	}
	lmConfig, err := maskedlm.ParseConfig(h.family.layout, content)
	if err != nil {
		return err
	}
	st, err := safetensors.New(h.source)
	if err != nil {
		return err
	}
	tokens := maskedlm.Tokens{Mask: h.maskID}
	for _, id := range []int{h.beginID, h.endID, h.specialTokenID(api.TokPad)} {
		if id >= 0 {
			tokens.Special = append(tokens.Special, id)
		}
	}
	h.model, err = maskedlm.FromCheckpoint(st, h.family.layout, lmConfig, tokens)
	if err != nil {
		return err
	}
	if vocabSize := h.tokenizer.VocabSize(); vocabSize > h.model.Config.VocabSize {
		klog.Warningf("tokenizer vocabulary (%d) is larger than the model's (%d): extra tokens are treated as unknown",
			vocabSize, h.model.Config.VocabSize)
	}
	return nil
}

// Family returns the model family.
func (h *Handle) Family() Family {
	return h.family.family
}

// Tokenizer returns the model's tokenizer.
func (h *Handle) Tokenizer() tokenizers.Tokenizer {
	return h.tokenizer
}

// Model returns the underlying masked language model. Changes to it affect the Handle.
func (h *Handle) Model() *maskedlm.Model {
	return h.model
}

// MaskPlaceholder returns the string that marks the word to predict in Handle.PredictMask.
func (h *Handle) MaskPlaceholder() string {
	return h.placeholder
}

// VocabSize returns the number of tokens scored by the model.
func (h *Handle) VocabSize() int {
	return h.model.Config.VocabSize
}

// String implements fmt.Stringer.
func (h *Handle) String() string {
	return h.family.family.String() + "(" + sourceName(h.source) + ")"
}

func sourceName(src hub.Source) string {
	if repo, ok := src.(*hub.Repo); ok {
		return repo.ID
	}
	if dir, ok := src.(hub.LocalDir); ok {
		return string(dir)
	}
	return "?"
}

// encode converts text to token ids, mapping ids the model doesn't know to the unknown token
// (or dropping them if there is none).
func (h *Handle) encode(text string) []int {
	ids := h.tokenizer.Encode(text)
	vocabSize := h.model.Config.VocabSize
	result := make([]int, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < vocabSize {
			result = append(result, id)
		} else if h.unkID >= 0 && h.unkID < vocabSize {
			result = append(result, h.unkID)
		}
	}
	return result
}

// numSpecialTokens is the number of special tokens added around each sequence.
func (h *Handle) numSpecialTokens() int {
	n := 0
	if h.beginID >= 0 {
		n++
	}
	if h.endID >= 0 {
		n++
	}
	return n
}

// wrapSequence adds the family's special tokens around ids.
func (h *Handle) wrapSequence(ids []int) []int {
	seq := make([]int, 0, len(ids)+2)
	if h.beginID >= 0 {
		seq = append(seq, h.beginID)
	}
	seq = append(seq, ids...)
	if h.endID >= 0 {
		seq = append(seq, h.endID)
	}
	return seq
}
