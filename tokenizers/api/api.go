// Package api defines the Tokenizer API.
// It's kept separate to break the cyclic dependency, and allow the users to import `tokenizers` and get the
// default implementations.
package api

import "fmt"

// Tokenizer interface allows one to convert text to "tokens" (integer ids) and back.
//
// It also allows mapping of special tokens: tokens with a common semantic (like padding) but that
// may map to different ids (int) for different tokenizers.
type Tokenizer interface {
	Encode(text string) []int
	Decode([]int) string

	// SpecialTokenID returns ID for given special token if registered, or an error if not.
	SpecialTokenID(token SpecialToken) (int, error)
}

// Vocabulary gives access to the individual tokens of a Tokenizer.
type Vocabulary interface {
	// VocabSize is the number of ids the tokenizer may produce.
	VocabSize() int

	// TokenToID returns the id of a token as it is stored in the vocabulary, e.g. "##ing" or "Ġpepper".
	TokenToID(token string) (int, bool)

	// IDToToken returns the stored form of a token id.
	IDToToken(id int) (string, bool)
}

// FullTokenizer is a Tokenizer that also exposes its Vocabulary and can be saved to a directory.
type FullTokenizer interface {
	Tokenizer
	Vocabulary

	// Save writes the files needed to recreate the tokenizer into dir.
	Save(dir string) error
}

// SpecialToken is an enum of commonly used special tokens.
type SpecialToken int

const (
	TokBeginningOfSentence SpecialToken = iota
	TokEndOfSentence
	TokUnknown
	TokPad
	TokMask
	TokClassification
	TokSpecialTokensCount
)

var specialTokenNames = [...]string{
	TokBeginningOfSentence: "beginning_of_sentence",
	TokEndOfSentence:       "end_of_sentence",
	TokUnknown:             "unknown",
	TokPad:                 "pad",
	TokMask:                "mask",
	TokClassification:      "classification",
	TokSpecialTokensCount:  "special_tokens_count",
}

// String implements fmt.Stringer.
func (t SpecialToken) String() string {
	if t < 0 || int(t) >= len(specialTokenNames) {
		return fmt.Sprintf("SpecialToken(%d)", int(t))
	}
	return specialTokenNames[t]
}
