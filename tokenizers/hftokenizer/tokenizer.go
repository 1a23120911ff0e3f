// Package hftokenizer implements a tokenizer for HuggingFace's tokenizer.json format.
// This format is used by the HuggingFace Tokenizers library (the "fast" tokenizers)
// and supports WordPiece (BERT, DistilBERT), byte-level BPE (RoBERTa) and Unigram (ALBERT) models.
package hftokenizer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/gomlx/go-fillmask/hub"
	"github.com/gomlx/go-fillmask/tokenizers/api"
	"github.com/pkg/errors"
)

// FileName is the name of the tokenizer file in a model repository.
const FileName = "tokenizer.json"

// Tokenizer implements the api.Tokenizer interface for HuggingFace tokenizer.json files.
//
// It is safe for concurrent use.
type Tokenizer struct {
	config  *api.Config
	json    *TokenizerJSON
	content []byte

	vocab     map[string]int
	idToToken map[int]string
	vocabSize int

	// BPE
	mergeRanks map[[2]string]int

	// Unigram
	unigram         map[string]unigramEntry
	unigramMaxRunes int
	unigramUnkScore float64

	// Added tokens, sorted by decreasing length so the longest match wins.
	addedTokens []AddedToken
	addedByText map[string]int

	special [api.TokSpecialTokensCount]int

	mu      sync.Mutex
	regexps map[string]*regexp.Regexp
	warned  map[string]bool
}

type unigramEntry struct {
	id    int
	score float64
}

// Compile time assert that Tokenizer implements api.FullTokenizer.
var _ api.FullTokenizer = &Tokenizer{}

// New creates a HuggingFace tokenizer from the tokenizer.json file of a repository (or local directory).
// It implements the tokenizers.Constructor function signature.
func New(config *api.Config, repo hub.Source) (api.FullTokenizer, error) {
	if !repo.HasFile(FileName) {
		return nil, errors.Errorf("%q file not found in %s", FileName, repo)
	}
	tokenizerFile, err := repo.DownloadFile(FileName)
	if err != nil {
		return nil, errors.Wrapf(err, "can't download %s file", FileName)
	}
	return NewFromFile(config, tokenizerFile)
}

// NewFromFile creates a HuggingFace tokenizer from a local tokenizer.json file path.
func NewFromFile(config *api.Config, filePath string) (*Tokenizer, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer.json file %q", filePath)
	}
	return NewFromContent(config, content)
}

// NewFromContent creates a HuggingFace tokenizer from tokenizer.json content.
// config is optional (it may be nil), and is used to resolve special tokens not marked in the file.
func NewFromContent(config *api.Config, content []byte) (*Tokenizer, error) {
	var tj TokenizerJSON
	if err := json.Unmarshal(content, &tj); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tokenizer.json")
	}
	t := &Tokenizer{
		config:      config,
		json:        &tj,
		content:     content,
		idToToken:   make(map[int]string),
		addedByText: make(map[string]int),
		regexps:     make(map[string]*regexp.Regexp),
		warned:      make(map[string]bool),
	}
	for ii := range t.special {
		t.special[ii] = -1
	}

	var err error
	switch tj.Model.Type {
	case "WordPiece", "BPE", "WordLevel":
		if t.vocab, err = tj.Model.vocabMap(); err != nil {
			return nil, err
		}
		if tj.Model.Type == "BPE" {
			merges, err := tj.Model.mergePairs()
			if err != nil {
				return nil, err
			}
			t.mergeRanks = make(map[[2]string]int, len(merges))
			for rank, pair := range merges {
				t.mergeRanks[pair] = rank
			}
		}
	case "Unigram":
		if err = t.buildUnigram(); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unsupported tokenizer model type %q", tj.Model.Type)
	}

	for token, id := range t.vocab {
		t.idToToken[id] = token
		t.vocabSize = max(t.vocabSize, id+1)
	}
	t.addedTokens = slices.Clone(tj.AddedTokens)
	sort.SliceStable(t.addedTokens, func(i, j int) bool {
		return len(t.addedTokens[i].Content) > len(t.addedTokens[j].Content)
	})
	for _, at := range tj.AddedTokens {
		t.addedByText[at.Content] = at.ID
		t.idToToken[at.ID] = at.Content
		t.vocabSize = max(t.vocabSize, at.ID+1)
	}
	t.resolveSpecialTokens()
	return t, nil
}

func (t *Tokenizer) buildUnigram() error {
	pieces, err := t.json.Model.unigramPieces()
	if err != nil {
		return err
	}
	t.vocab = make(map[string]int, len(pieces))
	t.unigram = make(map[string]unigramEntry, len(pieces))
	minScore := 0.0
	for id, p := range pieces {
		t.vocab[p.Piece] = id
		t.unigram[p.Piece] = unigramEntry{id: id, score: p.Score}
		t.unigramMaxRunes = max(t.unigramMaxRunes, len([]rune(p.Piece)))
		minScore = min(minScore, p.Score)
	}
	t.unigramUnkScore = minScore - 10
	return nil
}

// resolveSpecialTokens maps special tokens to their ids, using the added tokens, the model's
// unknown token and, as a fallback, the tokens named in the configuration.
func (t *Tokenizer) resolveSpecialTokens() {
	if unk := t.json.Model.UnkToken; unk != nil {
		if id, ok := t.TokenToID(*unk); ok {
			t.special[api.TokUnknown] = id
		}
	}
	if t.json.Model.UnkID != nil {
		t.special[api.TokUnknown] = *t.json.Model.UnkID
	}

	byContent := map[string]api.SpecialToken{
		"[UNK]": api.TokUnknown, "<unk>": api.TokUnknown,
		"[PAD]": api.TokPad, "<pad>": api.TokPad,
		"[CLS]": api.TokClassification, "<s>": api.TokBeginningOfSentence,
		"[SEP]": api.TokEndOfSentence, "</s>": api.TokEndOfSentence,
		"[MASK]": api.TokMask, "<mask>": api.TokMask,
	}
	for _, at := range t.json.AddedTokens {
		if !at.Special {
			continue
		}
		if token, found := byContent[at.Content]; found && t.special[token] < 0 {
			t.special[token] = at.ID
		}
	}

	if t.config != nil {
		for token, content := range map[api.SpecialToken]string{
			api.TokUnknown:             t.config.UnkToken,
			api.TokPad:                 t.config.PadToken,
			api.TokClassification:      t.config.ClsToken,
			api.TokEndOfSentence:       t.config.EosToken,
			api.TokMask:                t.config.MaskToken,
			api.TokBeginningOfSentence: t.config.BosToken,
		} {
			if content == "" {
				continue
			}
			if id, ok := t.TokenToID(content); ok {
				t.special[token] = id
			}
		}
		if t.config.EosToken == "" && t.config.SepToken != "" {
			if id, ok := t.TokenToID(t.config.SepToken); ok {
				t.special[api.TokEndOfSentence] = id
			}
		}
	}

	// BERT-style models use CLS as beginning of sentence, and the other way around for RoBERTa.
	if t.special[api.TokBeginningOfSentence] < 0 {
		t.special[api.TokBeginningOfSentence] = t.special[api.TokClassification]
	}
	if t.special[api.TokClassification] < 0 {
		t.special[api.TokClassification] = t.special[api.TokBeginningOfSentence]
	}
}

// Encode converts text to a sequence of token IDs. Added tokens (like "[MASK]") found in the
// text are matched before normalization.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for _, seg := range t.splitOnAddedTokens(text) {
		if seg.addedID >= 0 {
			ids = append(ids, seg.addedID)
			continue
		}
		for _, word := range t.preTokenize(t.normalize(seg.text)) {
			ids = append(ids, t.tokenizeWord(word)...)
		}
	}
	return ids
}

type textSegment struct {
	text    string
	addedID int
}

// splitOnAddedTokens splits text around occurrences of the added tokens, honoring their
// lstrip/rstrip flags.
func (t *Tokenizer) splitOnAddedTokens(text string) []textSegment {
	if len(t.addedTokens) == 0 {
		return []textSegment{{text: text, addedID: -1}}
	}
	var segments []textSegment
	for text != "" {
		bestIdx, best := -1, -1
		for ii, at := range t.addedTokens {
			if at.Content == "" {
				continue
			}
			idx := strings.Index(text, at.Content)
			if idx >= 0 && (bestIdx < 0 || idx < bestIdx) {
				bestIdx, best = idx, ii
			}
		}
		if best < 0 {
			segments = append(segments, textSegment{text: text, addedID: -1})
			break
		}
		at := t.addedTokens[best]
		before := text[:bestIdx]
		if at.Lstrip {
			before = strings.TrimRightFunc(before, unicode.IsSpace)
		}
		if before != "" {
			segments = append(segments, textSegment{text: before, addedID: -1})
		}
		segments = append(segments, textSegment{addedID: at.ID})
		text = text[bestIdx+len(at.Content):]
		if at.Rstrip {
			text = strings.TrimLeftFunc(text, unicode.IsSpace)
		}
	}
	return segments
}

// tokenizeWord tokenizes a single pre-tokenized word according to the model type.
func (t *Tokenizer) tokenizeWord(word string) []int {
	if word == "" {
		return nil
	}
	if id, ok := t.addedByText[word]; ok {
		return []int{id}
	}
	switch t.json.Model.Type {
	case "WordPiece":
		return t.wordPieceTokenize(word)
	case "BPE":
		return t.bpeTokenize(word)
	case "Unigram":
		return t.unigramTokenize(word)
	default:
		if id, ok := t.vocab[word]; ok {
			return []int{id}
		}
		return t.unknown()
	}
}

// unknown returns the unknown token id, if there is one.
func (t *Tokenizer) unknown() []int {
	if id := t.special[api.TokUnknown]; id >= 0 {
		return []int{id}
	}
	return nil
}

// SpecialTokenID returns the ID for a given special token.
func (t *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if token >= 0 && token < api.TokSpecialTokensCount && t.special[token] >= 0 {
		return t.special[token], nil
	}
	return 0, errors.Errorf("special token %s not found", token)
}

// VocabSize returns the number of ids the tokenizer may produce (the largest id plus one).
func (t *Tokenizer) VocabSize() int {
	return t.vocabSize
}

// TokenToID converts a token string, as stored in the vocabulary, to its ID.
func (t *Tokenizer) TokenToID(token string) (int, bool) {
	if id, ok := t.addedByText[token]; ok {
		return id, true
	}
	id, ok := t.vocab[token]
	return id, ok
}

// IDToToken converts a token ID to its stored string form.
func (t *Tokenizer) IDToToken(id int) (string, bool) {
	token, ok := t.idToToken[id]
	return token, ok
}

// Type returns the model type (WordPiece, BPE, Unigram).
func (t *Tokenizer) Type() string {
	return t.json.Model.Type
}

// AddedTokens returns the added tokens sorted by ID.
func (t *Tokenizer) AddedTokens() []AddedToken {
	result := slices.Clone(t.json.AddedTokens)
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Save writes tokenizer.json, and tokenizer_config.json if a configuration was given, into dir.
func (t *Tokenizer) Save(dir string) error {
	if err := os.WriteFile(filepath.Join(dir, FileName), t.content, 0644); err != nil {
		return errors.Wrapf(err, "failed to save %s", FileName)
	}
	if t.config != nil {
		return t.config.WriteFile(filepath.Join(dir, "tokenizer_config.json"))
	}
	return nil
}
