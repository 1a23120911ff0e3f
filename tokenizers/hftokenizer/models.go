package hftokenizer

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/gomlx/go-fillmask/tokenizers/api"
)

// wordPieceTokenize splits a word greedily into the longest vocabulary prefixes, with
// continuation pieces marked by the continuing subword prefix (default "##").
func (t *Tokenizer) wordPieceTokenize(word string) []int {
	maxChars := t.json.Model.MaxInputCharsPerWord
	if maxChars <= 0 {
		maxChars = 100
	}
	if utf8.RuneCountInString(word) > maxChars {
		return t.unknown()
	}
	prefix := "##"
	if t.json.Model.ContinuingSubwordPrefix != nil {
		prefix = *t.json.Model.ContinuingSubwordPrefix
	}

	// Candidate end offsets are rune boundaries, so substrings never split a multibyte character.
	boundaries := make([]int, 0, len(word)+1)
	for idx := range word {
		boundaries = append(boundaries, idx)
	}
	boundaries = append(boundaries, len(word))

	var ids []int
	startB := 0
	for startB < len(boundaries)-1 {
		found := false
		for endB := len(boundaries) - 1; endB > startB; endB-- {
			sub := word[boundaries[startB]:boundaries[endB]]
			if startB > 0 {
				sub = prefix + sub
			}
			if id, ok := t.vocab[sub]; ok {
				ids = append(ids, id)
				startB = endB
				found = true
				break
			}
		}
		if !found {
			// The whole word becomes unknown, as in BERT.
			return t.unknown()
		}
	}
	return ids
}

// bpeTokenize starts from individual characters and repeatedly merges the adjacent pair with
// the lowest merge rank.
func (t *Tokenizer) bpeTokenize(word string) []int {
	model := &t.json.Model
	symbols := make([]string, 0, len(word))
	for _, r := range word {
		symbols = append(symbols, string(r))
	}
	if len(symbols) == 0 {
		return nil
	}
	if model.ContinuingSubwordPrefix != nil && *model.ContinuingSubwordPrefix != "" {
		for ii := 1; ii < len(symbols); ii++ {
			symbols[ii] = *model.ContinuingSubwordPrefix + symbols[ii]
		}
	}
	if model.EndOfWordSuffix != "" {
		symbols[len(symbols)-1] += model.EndOfWordSuffix
	}

	for len(symbols) > 1 {
		bestRank, bestPair := math.MaxInt, [2]string{}
		for ii := 0; ii < len(symbols)-1; ii++ {
			pair := [2]string{symbols[ii], symbols[ii+1]}
			if rank, ok := t.mergeRanks[pair]; ok && rank < bestRank {
				bestRank, bestPair = rank, pair
			}
		}
		if bestRank == math.MaxInt {
			break
		}
		merged := symbols[:0:0]
		for ii := 0; ii < len(symbols); ii++ {
			if ii < len(symbols)-1 && symbols[ii] == bestPair[0] && symbols[ii+1] == bestPair[1] {
				merged = append(merged, t.mergeSymbols(bestPair))
				ii++
				continue
			}
			merged = append(merged, symbols[ii])
		}
		symbols = merged
	}

	ids := make([]int, 0, len(symbols))
	lastWasUnk := false
	for _, symbol := range symbols {
		if id, ok := t.vocab[symbol]; ok {
			ids = append(ids, id)
			lastWasUnk = false
			continue
		}
		if model.ByteFallback {
			if byteIDs, ok := t.byteFallbackIDs(symbol); ok {
				ids = append(ids, byteIDs...)
				lastWasUnk = false
				continue
			}
		}
		if model.FuseUnk && lastWasUnk {
			continue
		}
		ids = append(ids, t.unknown()...)
		lastWasUnk = true
	}
	return ids
}

// mergeSymbols concatenates a merge pair, dropping the continuation prefix of the second symbol.
func (t *Tokenizer) mergeSymbols(pair [2]string) string {
	second := pair[1]
	if p := t.json.Model.ContinuingSubwordPrefix; p != nil && *p != "" && len(second) >= len(*p) && second[:len(*p)] == *p {
		second = second[len(*p):]
	}
	return pair[0] + second
}

// byteFallbackIDs maps each byte of symbol to its "<0xXX>" token.
func (t *Tokenizer) byteFallbackIDs(symbol string) ([]int, bool) {
	ids := make([]int, 0, len(symbol))
	for _, b := range []byte(symbol) {
		id, ok := t.vocab[fmt.Sprintf("<0x%02X>", b)]
		if !ok {
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// uncoveredID marks, in the unigram segmentation, a character not covered by any piece.
const uncoveredID = -1

// unigramTokenize finds the segmentation of the word with the highest total score (Viterbi).
// Characters not covered by any piece are mapped to the unknown token, with consecutive unknowns
// fused. If the model has no unknown token, they are dropped.
func (t *Tokenizer) unigramTokenize(word string) []int {
	runes := []rune(word)
	n := len(runes)
	if n == 0 {
		return nil
	}

	best := make([]float64, n+1)
	backStart := make([]int, n+1)
	backID := make([]int, n+1)
	for ii := 1; ii <= n; ii++ {
		best[ii] = math.Inf(-1)
	}
	for end := 1; end <= n; end++ {
		for length := 1; length <= min(t.unigramMaxRunes, end); length++ {
			start := end - length
			if math.IsInf(best[start], -1) {
				continue
			}
			entry, ok := t.unigram[string(runes[start:end])]
			if !ok {
				continue
			}
			if score := best[start] + entry.score; score > best[end] {
				best[end], backStart[end], backID[end] = score, start, entry.id
			}
		}
		if math.IsInf(best[end], -1) {
			// Single character unknown transition: only used when no piece reaches this position.
			best[end], backStart[end], backID[end] = best[end-1]+t.unigramUnkScore, end-1, uncoveredID
		}
	}

	var reversed []int
	for end := n; end > 0; end = backStart[end] {
		reversed = append(reversed, backID[end])
	}
	unkID := t.special[api.TokUnknown]
	ids := make([]int, 0, len(reversed))
	previousUncovered := false
	for ii := len(reversed) - 1; ii >= 0; ii-- {
		id := reversed[ii]
		if id != uncoveredID {
			ids = append(ids, id)
			previousUncovered = false
			continue
		}
		if unkID >= 0 && !previousUncovered {
			ids = append(ids, unkID)
		}
		previousUncovered = true
	}
	return ids
}
