package hftokenizer

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// TokenizerJSON represents the structure of HuggingFace's tokenizer.json file.
type TokenizerJSON struct {
	Version       string          `json:"version"`
	Truncation    json.RawMessage `json:"truncation"`
	Padding       json.RawMessage `json:"padding"`
	AddedTokens   []AddedToken    `json:"added_tokens"`
	Normalizer    *Normalizer     `json:"normalizer"`
	PreTokenizer  *PreTokenizer   `json:"pre_tokenizer"`
	PostProcessor json.RawMessage `json:"post_processor"`
	Decoder       *Decoder        `json:"decoder"`
	Model         Model           `json:"model"`
}

// AddedToken represents a token added to the vocabulary, usually a special token.
type AddedToken struct {
	ID         int    `json:"id"`
	Content    string `json:"content"`
	SingleWord bool   `json:"single_word"`
	Lstrip     bool   `json:"lstrip"`
	Rstrip     bool   `json:"rstrip"`
	Normalized bool   `json:"normalized"`
	Special    bool   `json:"special"`
}

// Pattern for string or regex based operations.
type Pattern struct {
	Regex  string `json:"Regex,omitempty"`
	String string `json:"String,omitempty"`
}

// Normalizer represents the normalizer configuration.
type Normalizer struct {
	Type string `json:"type"`

	// BertNormalizer
	CleanText          *bool `json:"clean_text"`
	HandleChineseChars *bool `json:"handle_chinese_chars"`
	StripAccents       *bool `json:"strip_accents"`
	Lowercase          bool  `json:"lowercase"`

	// Sequence
	Normalizers []Normalizer `json:"normalizers"`

	// Replace and Prepend
	Pattern *Pattern `json:"pattern"`
	Content string   `json:"content"`
	Prepend string   `json:"prepend"`

	// Strip
	StripLeft  bool `json:"strip_left"`
	StripRight bool `json:"strip_right"`
}

// PreTokenizer represents the pre-tokenizer configuration.
type PreTokenizer struct {
	Type string `json:"type"`

	// ByteLevel and Metaspace
	AddPrefixSpace *bool  `json:"add_prefix_space"`
	UseRegex       *bool  `json:"use_regex"`
	Replacement    string `json:"replacement"`
	PrependScheme  string `json:"prepend_scheme"`
	Split          *bool  `json:"split"`

	// Sequence
	PreTokenizers []PreTokenizer `json:"pretokenizers"`

	// Split
	Pattern  *Pattern `json:"pattern"`
	Behavior string   `json:"behavior"`
	Invert   bool     `json:"invert"`

	// Digits
	IndividualDigits bool `json:"individual_digits"`
}

// Decoder represents the decoder configuration.
type Decoder struct {
	Type string `json:"type"`

	// WordPiece
	Prefix  string `json:"prefix"`
	Cleanup *bool  `json:"cleanup"`

	// BPEDecoder
	Suffix string `json:"suffix"`

	// Metaspace
	Replacement    string `json:"replacement"`
	AddPrefixSpace *bool  `json:"add_prefix_space"`
	PrependScheme  string `json:"prepend_scheme"`

	// Replace and Strip
	Pattern *Pattern `json:"pattern"`
	Content string   `json:"content"`
	Start   int      `json:"start"`
	Stop    int      `json:"stop"`

	// Sequence
	Decoders []Decoder `json:"decoders"`
}

// Model represents the tokenizer model (WordPiece, BPE, or Unigram).
//
// The vocabulary is a map for WordPiece and BPE, and a list of (piece, score) pairs for Unigram,
// so it is parsed after the model type is known.
type Model struct {
	Type                    string          `json:"type"`
	RawVocab                json.RawMessage `json:"vocab"`
	RawMerges               json.RawMessage `json:"merges"`
	UnkToken                *string         `json:"unk_token"`
	UnkID                   *int            `json:"unk_id"`
	ContinuingSubwordPrefix *string         `json:"continuing_subword_prefix"`
	MaxInputCharsPerWord    int             `json:"max_input_chars_per_word"`
	EndOfWordSuffix         string          `json:"end_of_word_suffix"`
	FuseUnk                 bool            `json:"fuse_unk"`
	ByteFallback            bool            `json:"byte_fallback"`
}

// UnigramPiece is an entry of a Unigram vocabulary.
type UnigramPiece struct {
	Piece string
	Score float64
}

// vocabMap parses a WordPiece/BPE vocabulary.
func (m *Model) vocabMap() (map[string]int, error) {
	vocab := make(map[string]int)
	if len(m.RawVocab) == 0 {
		return vocab, nil
	}
	if err := json.Unmarshal(m.RawVocab, &vocab); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s vocab", m.Type)
	}
	return vocab, nil
}

// unigramPieces parses a Unigram vocabulary: a list of [piece, score] pairs, where the
// position in the list is the token id.
func (m *Model) unigramPieces() ([]UnigramPiece, error) {
	var raw [][2]json.RawMessage
	if err := json.Unmarshal(m.RawVocab, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse Unigram vocab")
	}
	pieces := make([]UnigramPiece, len(raw))
	for ii, pair := range raw {
		if err := json.Unmarshal(pair[0], &pieces[ii].Piece); err != nil {
			return nil, errors.Wrapf(err, "invalid Unigram piece #%d", ii)
		}
		if err := json.Unmarshal(pair[1], &pieces[ii].Score); err != nil {
			return nil, errors.Wrapf(err, "invalid Unigram score #%d", ii)
		}
	}
	return pieces, nil
}

// mergePairs parses the BPE merges, stored either as "a b" strings or as ["a", "b"] pairs.
func (m *Model) mergePairs() ([][2]string, error) {
	if len(m.RawMerges) == 0 || string(m.RawMerges) == "null" {
		return nil, nil
	}
	var asPairs [][2]string
	if err := json.Unmarshal(m.RawMerges, &asPairs); err == nil {
		return asPairs, nil
	}
	var asStrings []string
	if err := json.Unmarshal(m.RawMerges, &asStrings); err != nil {
		return nil, errors.Wrap(err, "failed to parse BPE merges")
	}
	merges := make([][2]string, 0, len(asStrings))
	for _, merge := range asStrings {
		// The first character may itself be a space in some vocabularies, so search from index 1.
		idx := -1
		for ii := 1; ii < len(merge); ii++ {
			if merge[ii] == ' ' {
				idx = ii
				break
			}
		}
		if idx < 0 {
			return nil, errors.Errorf("invalid BPE merge %q", merge)
		}
		merges = append(merges, [2]string{merge[:idx], merge[idx+1:]})
	}
	return merges, nil
}
