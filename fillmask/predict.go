package fillmask

import (
	"cmp"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// PredictMask predicts the word at the mask placeholder of text, which must hold exactly one
// placeholder ("[MASK]" by default, see WithMaskPlaceholder).
//
// With TopK(k) it returns the k most likely tokens of the vocabulary, sorted by decreasing score
// (ties by increasing token id). k must be >= 1, and it's clamped to the vocabulary size.
// With Targets(words...) it returns the scores of the given words, in the same order. Each word
// must be a single token of the vocabulary, otherwise an ErrUnknownToken error is returned.
// A nil mode is the same as TopK(1).
//
// Scores are probabilities over the whole vocabulary. The model is not changed.
func (h *Handle) PredictMask(text string, mode RankingMode) ([]Prediction, error) {
	if mode == nil {
		mode = TopK(1)
	}
	left, right, err := splitOnPlaceholder(text, h.placeholder)
	if err != nil {
		return nil, err
	}

	switch m := mode.(type) {
	case TopKMode:
		if m.K < 1 {
			return nil, errors.Wrapf(ErrInvalidInput, "TopK requires k >= 1, got %d", m.K)
		}
		probs, err := h.maskProbabilities(left, right)
		if err != nil {
			return nil, err
		}
		return h.topK(probs, m.K), nil

	case TargetsMode:
		if len(m.Words) == 0 {
			return nil, errors.Wrap(ErrInvalidInput, "Targets requires at least one word")
		}
		ids := make([]int, len(m.Words))
		for ii, word := range m.Words {
			if ids[ii], err = h.targetID(word); err != nil {
				return nil, err
			}
		}
		probs, err := h.maskProbabilities(left, right)
		if err != nil {
			return nil, err
		}
		predictions := make([]Prediction, len(ids))
		for ii, id := range ids {
			predictions[ii] = Prediction{Token: m.Words[ii], Score: probs[id]}
		}
		return predictions, nil

	default:
		return nil, errors.Wrapf(ErrInvalidInput, "unsupported ranking mode %T", mode)
	}
}

// maskedSequence returns the token ids for left + mask + right, with the family's special tokens,
// and the position of the mask.
func (h *Handle) maskedSequence(left, right string) (ids []int, maskPos int) {
	ids = make([]int, 0, len(left)+len(right)+3)
	if h.beginID >= 0 {
		ids = append(ids, h.beginID)
	}
	ids = append(ids, h.encode(left)...)
	maskPos = len(ids)
	ids = append(ids, h.maskID)
	ids = append(ids, h.encode(right)...)
	if h.endID >= 0 {
		ids = append(ids, h.endID)
	}
	return ids, maskPos
}

func (h *Handle) maskProbabilities(left, right string) ([]float64, error) {
	ids, maskPos := h.maskedSequence(left, right)
	if maxLength := h.model.MaxSequenceLength(); len(ids) > maxLength {
		return nil, errors.Wrapf(ErrInvalidInput, "text has %d tokens, the model accepts at most %d", len(ids), maxLength)
	}
	probs, err := h.model.Probabilities(ids, maskPos)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to score the mask position")
	}
	return probs, nil
}

// topK returns the k highest probabilities, sorted by decreasing score and then increasing id.
func (h *Handle) topK(probs []float64, k int) []Prediction {
	k = min(k, len(probs))
	ids := make([]int, len(probs))
	for ii := range ids {
		ids[ii] = ii
	}
	slices.SortFunc(ids, func(a, b int) int {
		if c := cmp.Compare(probs[b], probs[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	predictions := make([]Prediction, k)
	for ii, id := range ids[:k] {
		predictions[ii] = Prediction{Token: h.tokenText(id), Score: probs[id]}
	}
	return predictions
}

// tokenText returns the text of a single token, as a word: without the "Ġ" or "▁" word markers.
func (h *Handle) tokenText(id int) string {
	text := strings.TrimSpace(h.tokenizer.Decode([]int{id}))
	if text == "" {
		if token, found := h.tokenizer.IDToToken(id); found {
			return token
		}
	}
	return text
}

// targetID returns the single token id of word. For families whose tokens differ at the start
// of a word, the word is encoded as if preceded by a space, as it would be in the middle of a
// sentence.
func (h *Handle) targetID(word string) (int, error) {
	text := strings.TrimSpace(word)
	if text == "" {
		return 0, errors.Wrapf(ErrUnknownToken, "empty target %q", word)
	}
	if h.family.prefixSpace {
		text = " " + text
	}
	ids := h.tokenizer.Encode(text)
	if len(ids) != 1 {
		return 0, errors.Wrapf(ErrUnknownToken, "target %q is not a single token of the vocabulary (%d tokens)", word, len(ids))
	}
	id := ids[0]
	if id == h.unkID || id < 0 || id >= h.model.Config.VocabSize {
		return 0, errors.Wrapf(ErrUnknownToken, "target %q is not in the vocabulary", word)
	}
	return id, nil
}
