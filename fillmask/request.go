package fillmask

import (
	"slices"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// DefaultMaskPlaceholder marks the word to predict in the text given to Handle.PredictMask.
const DefaultMaskPlaceholder = "[MASK]"

// RankingMode selects how predictions are ranked: either the k most likely tokens of the
// vocabulary (TopK), or the scores of a given list of words (Targets).
//
// A nil RankingMode is the same as TopK(1).
type RankingMode interface {
	isRankingMode()
}

// TopKMode ranks the whole vocabulary and returns the K most likely tokens.
type TopKMode struct {
	K int
}

// TargetsMode scores only the given words, returned in the same order.
type TargetsMode struct {
	Words []string
}

func (TopKMode) isRankingMode()    {}
func (TargetsMode) isRankingMode() {}

// TopK returns the k most likely tokens, sorted by decreasing score.
func TopK(k int) RankingMode {
	return TopKMode{K: k}
}

// Targets returns the scores of the given words, in the given order.
// Each word must correspond to a single token of the model's vocabulary.
func Targets(words ...string) RankingMode {
	return TargetsMode{Words: slices.Clone(words)}
}

// splitOnPlaceholder returns the text before (right-trimmed) and after the single occurrence of
// placeholder in text.
func splitOnPlaceholder(text, placeholder string) (left, right string, err error) {
	switch count := strings.Count(text, placeholder); count {
	case 0:
		return "", "", errors.Wrapf(ErrInvalidInput, "text must contain the mask placeholder %q", placeholder)
	case 1:
	default:
		return "", "", errors.Wrapf(ErrInvalidInput, "text must contain exactly one mask placeholder %q, found %d", placeholder, count)
	}
	idx := strings.Index(text, placeholder)
	left = strings.TrimRightFunc(text[:idx], unicode.IsSpace)
	right = text[idx+len(placeholder):]
	return left, right, nil
}
