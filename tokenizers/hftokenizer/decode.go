package hftokenizer

import (
	"strconv"
	"strings"
)

// Decode converts a sequence of token IDs back to text. Unknown ids are skipped.
func (t *Tokenizer) Decode(ids []int) string {
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		if token, ok := t.idToToken[id]; ok {
			tokens = append(tokens, token)
		}
	}
	if t.json.Decoder == nil {
		return strings.Join(tokens, " ")
	}
	return strings.Join(t.decodeChain(tokens, t.json.Decoder), "")
}

// decodeChain transforms the list of tokens with the decoder. The final text is the
// concatenation of the returned tokens.
func (t *Tokenizer) decodeChain(tokens []string, d *Decoder) []string {
	switch d.Type {
	case "WordPiece":
		return wordPieceDecode(tokens, d)
	case "ByteLevel":
		return []string{byteLevelDecode(tokens)}
	case "Metaspace":
		return metaspaceDecode(tokens, d)
	case "BPEDecoder":
		suffix := d.Suffix
		if suffix == "" {
			suffix = "</w>"
		}
		out := make([]string, len(tokens))
		for ii, token := range tokens {
			replacement := " "
			if ii == len(tokens)-1 {
				replacement = ""
			}
			out[ii] = strings.ReplaceAll(token, suffix, replacement)
		}
		return out
	case "Replace":
		out := make([]string, len(tokens))
		for ii, token := range tokens {
			out[ii] = t.replace(token, d.Pattern, d.Content)
		}
		return out
	case "Strip":
		out := make([]string, len(tokens))
		for ii, token := range tokens {
			out[ii] = stripContent(token, d.Content, d.Start, d.Stop)
		}
		return out
	case "Fuse":
		return []string{strings.Join(tokens, "")}
	case "ByteFallback":
		return byteFallbackDecode(tokens)
	case "Sequence":
		for ii := range d.Decoders {
			tokens = t.decodeChain(tokens, &d.Decoders[ii])
		}
		return tokens
	default:
		t.warnOnce("decoder "+d.Type, "unsupported decoder %q, joining tokens with spaces", d.Type)
		return []string{strings.Join(tokens, " ")}
	}
}

var wordPieceCleanups = []struct{ from, to string }{
	{" .", "."}, {" ?", "?"}, {" !", "!"}, {" ,", ","}, {" ' ", "'"},
	{" n't", "n't"}, {" 'm", "'m"}, {" do not", " don't"}, {" 's", "'s"}, {" 've", "'ve"}, {" 're", "'re"},
}

func wordPieceDecode(tokens []string, d *Decoder) []string {
	prefix := d.Prefix
	if prefix == "" {
		prefix = "##"
	}
	cleanup := boolOr(d.Cleanup, true)
	out := make([]string, len(tokens))
	for ii, token := range tokens {
		if ii > 0 {
			if strings.HasPrefix(token, prefix) {
				token = token[len(prefix):]
			} else {
				token = " " + token
			}
		}
		if cleanup {
			for _, c := range wordPieceCleanups {
				token = strings.ReplaceAll(token, c.from, c.to)
			}
		}
		out[ii] = token
	}
	return out
}

func byteLevelDecode(tokens []string) string {
	var bytes []byte
	for _, token := range tokens {
		for _, r := range token {
			if b, ok := unicodeToByte[r]; ok {
				bytes = append(bytes, b)
			} else {
				bytes = append(bytes, string(r)...)
			}
		}
	}
	return strings.ToValidUTF8(string(bytes), "�")
}

func metaspaceDecode(tokens []string, d *Decoder) []string {
	replacement := d.Replacement
	if replacement == "" {
		replacement = "▁"
	}
	stripFirst := d.PrependScheme != "never"
	if d.AddPrefixSpace != nil && !*d.AddPrefixSpace {
		stripFirst = false
	}
	out := make([]string, len(tokens))
	for ii, token := range tokens {
		token = strings.ReplaceAll(token, replacement, " ")
		if ii == 0 && stripFirst {
			token = strings.TrimPrefix(token, " ")
		}
		out[ii] = token
	}
	return out
}

// stripContent removes up to start occurrences of content from the left of the token and up to
// stop occurrences from the right.
func stripContent(token, content string, start, stop int) string {
	if content == "" {
		return token
	}
	for ii := 0; ii < start && strings.HasPrefix(token, content); ii++ {
		token = token[len(content):]
	}
	for ii := 0; ii < stop && strings.HasSuffix(token, content); ii++ {
		token = token[:len(token)-len(content)]
	}
	return token
}

// byteFallbackDecode joins runs of "<0xXX>" tokens into the bytes they represent.
func byteFallbackDecode(tokens []string) []string {
	var out []string
	var pending []byte
	flush := func() {
		if len(pending) > 0 {
			out = append(out, strings.ToValidUTF8(string(pending), "�"))
			pending = pending[:0]
		}
	}
	for _, token := range tokens {
		if len(token) == 6 && strings.HasPrefix(token, "<0x") && token[5] == '>' {
			if b, err := strconv.ParseUint(token[3:5], 16, 8); err == nil {
				pending = append(pending, byte(b))
				continue
			}
		}
		flush()
		out = append(out, token)
	}
	flush()
	return out
}
