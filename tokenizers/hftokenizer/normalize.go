package hftokenizer

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"k8s.io/klog/v2"
)

// normalize applies the configured normalizer to the text.
func (t *Tokenizer) normalize(text string) string {
	if t.json.Normalizer == nil {
		return text
	}
	return t.applyNormalizer(text, t.json.Normalizer)
}

func (t *Tokenizer) applyNormalizer(text string, n *Normalizer) string {
	switch n.Type {
	case "BertNormalizer":
		return bertNormalize(text, n)
	case "Lowercase":
		return strings.ToLower(text)
	case "NFD":
		return norm.NFD.String(text)
	case "NFC":
		return norm.NFC.String(text)
	case "NFKC":
		return norm.NFKC.String(text)
	case "NFKD":
		return norm.NFKD.String(text)
	case "StripAccents":
		return removeAccents(text)
	case "Strip":
		if n.StripLeft {
			text = strings.TrimLeftFunc(text, unicode.IsSpace)
		}
		if n.StripRight {
			text = strings.TrimRightFunc(text, unicode.IsSpace)
		}
		return text
	case "Prepend":
		if text == "" {
			return text
		}
		return n.Prepend + text
	case "Replace":
		return t.replace(text, n.Pattern, n.Content)
	case "Sequence":
		for ii := range n.Normalizers {
			text = t.applyNormalizer(text, &n.Normalizers[ii])
		}
		return text
	case "Precompiled":
		// The precompiled charsmap is a SentencePiece normalization table; NFKC is its closest equivalent.
		return norm.NFKC.String(text)
	default:
		t.warnOnce("normalizer "+n.Type, "unsupported normalizer %q ignored", n.Type)
		return text
	}
}

// replace a string or regex pattern in text.
func (t *Tokenizer) replace(text string, pattern *Pattern, content string) string {
	if pattern == nil {
		return text
	}
	if pattern.String != "" {
		return strings.ReplaceAll(text, pattern.String, content)
	}
	if pattern.Regex != "" {
		re, err := t.regexp(pattern.Regex)
		if err != nil {
			return text
		}
		return re.ReplaceAllLiteralString(text, content)
	}
	return text
}

// regexp compiles and caches a pattern. Patterns not supported by Go's RE2 syntax are logged once
// and reported as errors.
func (t *Tokenizer) regexp(pattern string) (*regexp.Regexp, error) {
	t.mu.Lock()
	re, found := t.regexps[pattern]
	t.mu.Unlock()
	if found {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		t.warnOnce("regexp "+pattern, "unsupported regular expression %q: %v", pattern, err)
		return nil, err
	}
	t.mu.Lock()
	t.regexps[pattern] = re
	t.mu.Unlock()
	return re, nil
}

func (t *Tokenizer) warnOnce(key, format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.warned[key] {
		return
	}
	t.warned[key] = true
	klog.Warningf("hftokenizer: "+format, args...)
}

// bertNormalize implements BertNormalizer: clean control characters, isolate CJK characters,
// optionally lowercase and strip accents. StripAccents defaults to the value of Lowercase.
func bertNormalize(text string, n *Normalizer) string {
	cleanText := n.CleanText == nil || *n.CleanText
	handleChinese := n.HandleChineseChars == nil || *n.HandleChineseChars
	stripAccents := n.Lowercase
	if n.StripAccents != nil {
		stripAccents = *n.StripAccents
	}

	var sb strings.Builder
	for _, r := range text {
		switch {
		case cleanText && (r == 0 || r == 0xFFFD || isControl(r)):
			continue
		case cleanText && isWhitespace(r):
			sb.WriteRune(' ')
		case handleChinese && isChineseChar(r):
			sb.WriteRune(' ')
			sb.WriteRune(r)
			sb.WriteRune(' ')
		default:
			sb.WriteRune(r)
		}
	}
	result := sb.String()
	if stripAccents {
		result = removeAccents(result)
	}
	if n.Lowercase {
		result = strings.ToLower(result)
	}
	return result
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r) || unicode.Is(unicode.Cf, r)
}

// isPunctuation follows BERT: all non-letter/number ASCII symbols count, plus Unicode P*.
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) ||
		(r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isChineseChar(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}

// removeAccents decomposes (NFD) and drops the non-spacing marks.
func removeAccents(text string) string {
	var sb strings.Builder
	for _, r := range norm.NFD.String(text) {
		if !unicode.Is(unicode.Mn, r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
