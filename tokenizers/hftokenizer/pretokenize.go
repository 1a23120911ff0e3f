package hftokenizer

import (
	"regexp"
	"strings"
	"unicode"
)

// preTokenize splits normalized text into words using the pre-tokenizer.
func (t *Tokenizer) preTokenize(text string) []string {
	if t.json.PreTokenizer == nil {
		return strings.Fields(text)
	}
	return t.applyPreTokenizer([]string{text}, t.json.PreTokenizer)
}

// applyPreTokenizer splits each of the pieces further.
func (t *Tokenizer) applyPreTokenizer(pieces []string, pt *PreTokenizer) []string {
	if pt.Type == "Sequence" {
		for ii := range pt.PreTokenizers {
			pieces = t.applyPreTokenizer(pieces, &pt.PreTokenizers[ii])
		}
		return pieces
	}
	var result []string
	for ii, piece := range pieces {
		result = append(result, t.splitPiece(piece, ii == 0, pt)...)
	}
	return result
}

func (t *Tokenizer) splitPiece(text string, first bool, pt *PreTokenizer) []string {
	switch pt.Type {
	case "BertPreTokenizer":
		return bertPreTokenize(text)
	case "Whitespace":
		return whitespaceRegexp.FindAllString(text, -1)
	case "WhitespaceSplit":
		return strings.Fields(text)
	case "Punctuation":
		return punctuationPreTokenize(text)
	case "Digits":
		return digitsPreTokenize(text, pt.IndividualDigits)
	case "ByteLevel":
		return byteLevelPreTokenize(text, boolOr(pt.AddPrefixSpace, true), boolOr(pt.UseRegex, true))
	case "Metaspace":
		return metaspacePreTokenize(text, first, pt)
	case "Split":
		return t.splitPreTokenize(text, pt)
	default:
		t.warnOnce("pre_tokenizer "+pt.Type, "unsupported pre-tokenizer %q, splitting on whitespace", pt.Type)
		return strings.Fields(text)
	}
}

var whitespaceRegexp = regexp.MustCompile(`\w+|[^\w\s]+`)

func boolOr(b *bool, defaultValue bool) bool {
	if b == nil {
		return defaultValue
	}
	return *b
}

// bertPreTokenize splits on whitespace and isolates each punctuation character.
func bertPreTokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range text {
		switch {
		case isWhitespace(r):
			flush()
		case isPunctuation(r):
			flush()
			tokens = append(tokens, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func punctuationPreTokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if isPunctuation(r) {
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			tokens = append(tokens, string(r))
		} else {
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func digitsPreTokenize(text string, individual bool) []string {
	var tokens []string
	runes := []rune(text)
	start := 0
	for ii := 1; ii <= len(runes); ii++ {
		if ii < len(runes) {
			prevDigit, digit := unicode.IsDigit(runes[ii-1]), unicode.IsDigit(runes[ii])
			if prevDigit == digit && !(digit && individual) {
				continue
			}
		}
		tokens = append(tokens, string(runes[start:ii]))
		start = ii
	}
	return tokens
}

// splitPreTokenize implements the "Split" pre-tokenizer.
func (t *Tokenizer) splitPreTokenize(text string, pt *PreTokenizer) []string {
	if pt.Pattern == nil || text == "" {
		return []string{text}
	}
	var re *regexp.Regexp
	var err error
	if pt.Pattern.String != "" {
		re, err = t.regexp(regexp.QuoteMeta(pt.Pattern.String))
	} else {
		re, err = t.regexp(pt.Pattern.Regex)
	}
	if err != nil {
		return strings.Fields(text)
	}

	// Build the list of (segment, isMatch) covering the whole text.
	type segment struct {
		text    string
		isMatch bool
	}
	var segments []segment
	last := 0
	for _, loc := range re.FindAllStringIndex(text, -1) {
		if loc[0] > last {
			segments = append(segments, segment{text[last:loc[0]], false})
		}
		if loc[1] > loc[0] {
			segments = append(segments, segment{text[loc[0]:loc[1]], true})
		}
		last = loc[1]
	}
	if last < len(text) {
		segments = append(segments, segment{text[last:], false})
	}
	if pt.Invert {
		for ii := range segments {
			segments[ii].isMatch = !segments[ii].isMatch
		}
	}

	var result []string
	switch pt.Behavior {
	case "Removed":
		for _, s := range segments {
			if !s.isMatch {
				result = append(result, s.text)
			}
		}
	case "MergedWithPrevious":
		for _, s := range segments {
			if s.isMatch && len(result) > 0 {
				result[len(result)-1] += s.text
			} else {
				result = append(result, s.text)
			}
		}
	case "MergedWithNext":
		pending := ""
		for _, s := range segments {
			if s.isMatch {
				pending += s.text
				continue
			}
			result = append(result, pending+s.text)
			pending = ""
		}
		if pending != "" {
			result = append(result, pending)
		}
	case "Contiguous":
		for ii, s := range segments {
			if ii > 0 && s.isMatch && segments[ii-1].isMatch {
				result[len(result)-1] += s.text
			} else {
				result = append(result, s.text)
			}
		}
	default: // "Isolated"
		for _, s := range segments {
			result = append(result, s.text)
		}
	}
	return result
}

// metaspacePreTokenize replaces spaces with the replacement character (default "▁"), prepends it
// according to the prepend scheme, and splits so that each piece starts with it.
func metaspacePreTokenize(text string, first bool, pt *PreTokenizer) []string {
	replacement := pt.Replacement
	if replacement == "" {
		replacement = "▁"
	}
	scheme := pt.PrependScheme
	if scheme == "" {
		scheme = "never"
		if boolOr(pt.AddPrefixSpace, true) {
			scheme = "always"
		}
	}
	text = strings.ReplaceAll(text, " ", replacement)
	if (scheme == "always" || (scheme == "first" && first)) && !strings.HasPrefix(text, replacement) {
		text = replacement + text
	}
	if !boolOr(pt.Split, true) {
		return []string{text}
	}

	var tokens []string
	for {
		offset := 0
		if strings.HasPrefix(text, replacement) {
			offset = len(replacement)
		}
		idx := strings.Index(text[offset:], replacement)
		if idx < 0 {
			break
		}
		idx += offset
		tokens = append(tokens, text[:idx])
		text = text[idx:]
	}
	if text != "" {
		tokens = append(tokens, text)
	}
	return tokens
}

// byteLevelPreTokenize splits text as GPT-2 does (if useRegex) and maps every byte to its
// printable unicode representation, so a space becomes "Ġ".
func byteLevelPreTokenize(text string, addPrefixSpace, useRegex bool) []string {
	if addPrefixSpace && text != "" && text[0] != ' ' {
		text = " " + text
	}
	pieces := []string{text}
	if useRegex {
		pieces = gpt2Split(text)
	}
	for ii, piece := range pieces {
		pieces[ii] = bytesToUnicode(piece)
	}
	return pieces
}

func bytesToUnicode(piece string) string {
	var sb strings.Builder
	for ii := 0; ii < len(piece); ii++ {
		sb.WriteRune(byteToUnicode[piece[ii]])
	}
	return sb.String()
}

type runeClass int

const (
	classSpace runeClass = iota
	classLetter
	classNumber
	classOther
)

func classify(r rune) runeClass {
	switch {
	case unicode.IsSpace(r):
		return classSpace
	case unicode.IsLetter(r):
		return classLetter
	case unicode.IsNumber(r):
		return classNumber
	default:
		return classOther
	}
}

var contractions = []string{"'s", "'t", "'re", "'ve", "'m", "'ll", "'d"}

// gpt2Split is equivalent to splitting with the GPT-2 regular expression
//
//	's|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+
//
// which Go's regexp package can't express, because of the negative lookahead.
func gpt2Split(text string) []string {
	runes := []rune(text)
	n := len(runes)
	var pieces []string
	i := 0
	for i < n {
		// Contractions.
		if runes[i] == '\'' {
			matched := false
			for _, c := range contractions {
				cr := []rune(c)
				if i+len(cr) <= n && string(runes[i:i+len(cr)]) == c {
					pieces = append(pieces, c)
					i += len(cr)
					matched = true
					break
				}
			}
			if matched {
				continue
			}
		}

		// Optional single space followed by a run of letters, numbers or other symbols.
		start, j := i, i
		if runes[j] == ' ' && j+1 < n && classify(runes[j+1]) != classSpace {
			j++
		}
		if class := classify(runes[j]); class != classSpace {
			k := j + 1
			for k < n && classify(runes[k]) == class {
				k++
			}
			pieces = append(pieces, string(runes[start:k]))
			i = k
			continue
		}

		// Whitespace: if followed by a non-space, leave its last character to the next piece.
		k := i + 1
		for k < n && classify(runes[k]) == classSpace {
			k++
		}
		if k < n && k-i > 1 {
			k--
		}
		pieces = append(pieces, string(runes[i:k]))
		i = k
	}
	return pieces
}

// byteToUnicode is the GPT-2 mapping of bytes to printable unicode characters; unicodeToByte
// is its inverse.
var (
	byteToUnicode [256]rune
	unicodeToByte = make(map[rune]byte, 256)
)

func init() {
	n := 0
	for b := 0; b < 256; b++ {
		if (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF) {
			byteToUnicode[b] = rune(b)
		} else {
			byteToUnicode[b] = rune(256 + n)
			n++
		}
		unicodeToByte[byteToUnicode[b]] = byte(b)
	}
}
