package hftokenizer

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/gomlx/go-fillmask/hub"
	"github.com/gomlx/go-fillmask/tokenizers/api"
)

// Test tokenizer.json content for a WordPiece model (BERT-style)
var testWordPieceTokenizerJSON = []byte(`{
  "version": "1.0",
  "truncation": null,
  "padding": null,
  "added_tokens": [
    {"id": 0, "content": "[PAD]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 100, "content": "[UNK]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 101, "content": "[CLS]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 102, "content": "[SEP]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true},
    {"id": 103, "content": "[MASK]", "single_word": false, "lstrip": false, "rstrip": false, "normalized": false, "special": true}
  ],
  "normalizer": {"type": "BertNormalizer", "lowercase": true},
  "pre_tokenizer": {"type": "BertPreTokenizer"},
  "post_processor": null,
  "decoder": {"type": "WordPiece", "prefix": "##"},
  "model": {
    "type": "WordPiece",
    "unk_token": "[UNK]",
    "continuing_subword_prefix": "##",
    "max_input_chars_per_word": 100,
    "vocab": {
      "[PAD]": 0, "hello": 1, "world": 2, "test": 3, "##ing": 4, "##ed": 5,
      "[UNK]": 100, "[CLS]": 101, "[SEP]": 102, "[MASK]": 103,
      "the": 104, "a": 105, "is": 106, "this": 107, ".": 108
    }
  }
}`)

// Test tokenizer.json content for a byte-level BPE model (RoBERTa-style)
var testBPETokenizerJSON = []byte(`{
  "version": "1.0",
  "added_tokens": [
    {"id": 0, "content": "<s>", "lstrip": false, "rstrip": false, "normalized": true, "special": true},
    {"id": 1, "content": "<pad>", "lstrip": false, "rstrip": false, "normalized": true, "special": true},
    {"id": 2, "content": "</s>", "lstrip": false, "rstrip": false, "normalized": true, "special": true},
    {"id": 3, "content": "<unk>", "lstrip": false, "rstrip": false, "normalized": true, "special": true},
    {"id": 21, "content": "<mask>", "lstrip": true, "rstrip": false, "normalized": false, "special": true}
  ],
  "normalizer": null,
  "pre_tokenizer": {"type": "ByteLevel", "add_prefix_space": false, "trim_offsets": true, "use_regex": true},
  "post_processor": {"type": "RobertaProcessing"},
  "decoder": {"type": "ByteLevel"},
  "model": {
    "type": "BPE",
    "unk_token": null,
    "vocab": {
      "<s>": 0, "<pad>": 1, "</s>": 2, "<unk>": 3,
      "h": 4, "e": 5, "l": 6, "o": 7, "Ġ": 8, "w": 9, "r": 10, "d": 11,
      "he": 12, "ll": 13, "hell": 14, "hello": 15, "Ġw": 16, "or": 17,
      "Ġwor": 18, "Ġworl": 19, "Ġworld": 20
    },
    "merges": ["h e", "l l", "he ll", "hell o", "Ġ w", "o r", "Ġw or", "Ġwor l", "Ġworl d"]
  }
}`)

// Test tokenizer.json content for a Unigram model (ALBERT-style)
var testUnigramTokenizerJSON = []byte(`{
  "version": "1.0",
  "added_tokens": [
    {"id": 0, "content": "<pad>", "special": true},
    {"id": 1, "content": "</s>", "special": true},
    {"id": 2, "content": "<unk>", "special": true},
    {"id": 9, "content": "[MASK]", "special": true}
  ],
  "normalizer": null,
  "pre_tokenizer": {"type": "Metaspace", "replacement": "▁", "prepend_scheme": "always", "split": true},
  "decoder": {"type": "Metaspace", "replacement": "▁", "prepend_scheme": "always", "split": true},
  "model": {
    "type": "Unigram",
    "unk_id": 2,
    "vocab": [
      ["<pad>", 0.0], ["</s>", 0.0], ["<unk>", 0.0], ["▁hello", -1.0], ["▁", -2.0],
      ["hello", -3.0], ["▁world", -1.5], ["wor", -4.0], ["ld", -4.0], ["[MASK]", 0.0]
    ]
  }
}`)

func mustNew(t *testing.T, content []byte) *Tokenizer {
	t.Helper()
	tok, err := NewFromContent(nil, content)
	if err != nil {
		t.Fatalf("NewFromContent failed: %v", err)
	}
	return tok
}

func TestNewFromContent(t *testing.T) {
	for name, content := range map[string][]byte{
		"WordPiece": testWordPieceTokenizerJSON,
		"BPE":       testBPETokenizerJSON,
		"Unigram":   testUnigramTokenizerJSON,
	} {
		tok := mustNew(t, content)
		if tok.Type() != name {
			t.Errorf("expected type %s, got %s", name, tok.Type())
		}
	}
	if _, err := NewFromContent(nil, []byte(`{"model": {"type": "Neural"}}`)); err == nil {
		t.Errorf("expected error for unsupported model type")
	}
	if _, err := NewFromContent(nil, []byte(`not json`)); err == nil {
		t.Errorf("expected error for invalid json")
	}
}

func TestEncode(t *testing.T) {
	wordPiece := mustNew(t, testWordPieceTokenizerJSON)
	bpe := mustNew(t, testBPETokenizerJSON)
	unigram := mustNew(t, testUnigramTokenizerJSON)

	tests := []struct {
		name  string
		tok   *Tokenizer
		input string
		want  []int
	}{
		{"wordpiece single word", wordPiece, "hello", []int{1}},
		{"wordpiece lowercases", wordPiece, "Hello WORLD", []int{1, 2}},
		{"wordpiece subword", wordPiece, "testing", []int{3, 4}},
		{"wordpiece unknown word", wordPiece, "xyz", []int{100}},
		{"wordpiece mask and punctuation", wordPiece, "Hello [MASK].", []int{1, 103, 108}},
		{"bpe words", bpe, "hello world", []int{15, 20}},
		{"bpe mask strips left space", bpe, "hello <mask>", []int{15, 21}},
		{"unigram words", unigram, "hello world", []int{3, 6}},
		{"unigram fuses unknowns", unigram, "zz", []int{4, 2}},
		{"unigram mask", unigram, "hello [MASK]", []int{3, 4, 9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.tok.Encode(tt.input)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Encode(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestUnigramWithoutUnknownToken(t *testing.T) {
	content := strings.Replace(string(testUnigramTokenizerJSON), `"unk_id": 2,`, "", 1)
	content = strings.Replace(content, `{"id": 2, "content": "<unk>", "special": true},`, "", 1)
	tok := mustNew(t, []byte(content))
	if id, err := tok.SpecialTokenID(api.TokUnknown); err == nil {
		t.Fatalf("expected no unknown token, got id %d", id)
	}
	for input, want := range map[string][]int{
		"zz":          {4},
		"hello zz":    {3, 4},
		"hello world": {3, 6},
	} {
		if got := tok.Encode(input); !slices.Equal(got, want) {
			t.Errorf("Encode(%q) = %v, want %v: uncovered characters should be dropped", input, got, want)
		}
	}
}

func TestDecode(t *testing.T) {
	wordPiece := mustNew(t, testWordPieceTokenizerJSON)
	bpe := mustNew(t, testBPETokenizerJSON)
	unigram := mustNew(t, testUnigramTokenizerJSON)

	tests := []struct {
		name  string
		tok   *Tokenizer
		input []int
		want  string
	}{
		{"wordpiece words", wordPiece, []int{1, 2}, "hello world"},
		{"wordpiece subword", wordPiece, []int{3, 4}, "testing"},
		{"wordpiece cleanup", wordPiece, []int{1, 2, 108}, "hello world."},
		{"wordpiece lone continuation", wordPiece, []int{4}, "##ing"},
		{"bpe", bpe, []int{15, 20}, "hello world"},
		{"bpe single word with space", bpe, []int{20}, " world"},
		{"unigram", unigram, []int{3, 6}, "hello world"},
		{"unknown ids skipped", wordPiece, []int{1, 9999}, "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.tok.Decode(tt.input)
			if got != tt.want {
				t.Errorf("Decode(%v) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSpecialTokenID(t *testing.T) {
	wordPiece := mustNew(t, testWordPieceTokenizerJSON)
	bpe := mustNew(t, testBPETokenizerJSON)
	unigram := mustNew(t, testUnigramTokenizerJSON)

	tests := []struct {
		name    string
		tok     *Tokenizer
		token   api.SpecialToken
		want    int
		wantErr bool
	}{
		{"wordpiece mask", wordPiece, api.TokMask, 103, false},
		{"wordpiece unknown", wordPiece, api.TokUnknown, 100, false},
		{"wordpiece cls", wordPiece, api.TokClassification, 101, false},
		{"wordpiece bos falls back to cls", wordPiece, api.TokBeginningOfSentence, 101, false},
		{"wordpiece sep", wordPiece, api.TokEndOfSentence, 102, false},
		{"wordpiece pad", wordPiece, api.TokPad, 0, false},
		{"bpe mask", bpe, api.TokMask, 21, false},
		{"bpe bos", bpe, api.TokBeginningOfSentence, 0, false},
		{"bpe cls falls back to bos", bpe, api.TokClassification, 0, false},
		{"unigram unknown from unk_id", unigram, api.TokUnknown, 2, false},
		{"unigram has no bos", unigram, api.TokBeginningOfSentence, 0, true},
		{"out of range", wordPiece, api.TokSpecialTokensCount, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.tok.SpecialTokenID(tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SpecialTokenID(%v) error = %v, wantErr %v", tt.token, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("SpecialTokenID(%v) = %v, want %v", tt.token, got, tt.want)
			}
		})
	}
}

func TestSpecialTokensFromConfig(t *testing.T) {
	config := &api.Config{MaskToken: "hello"}
	tok, err := NewFromContent(config, testWordPieceTokenizerJSON)
	if err != nil {
		t.Fatalf("NewFromContent failed: %v", err)
	}
	if id, _ := tok.SpecialTokenID(api.TokMask); id != 1 {
		t.Errorf("mask token from config = %d, want 1", id)
	}
}

func TestVocabulary(t *testing.T) {
	tok := mustNew(t, testWordPieceTokenizerJSON)
	if size := tok.VocabSize(); size != 109 {
		t.Errorf("VocabSize() = %d, want 109", size)
	}
	if id, ok := tok.TokenToID("hello"); !ok || id != 1 {
		t.Errorf("TokenToID(hello) = %d, %v", id, ok)
	}
	if id, ok := tok.TokenToID("[CLS]"); !ok || id != 101 {
		t.Errorf("TokenToID([CLS]) = %d, %v", id, ok)
	}
	if _, ok := tok.TokenToID("missing"); ok {
		t.Errorf("TokenToID(missing) should not be found")
	}
	if token, ok := tok.IDToToken(4); !ok || token != "##ing" {
		t.Errorf("IDToToken(4) = %q, %v", token, ok)
	}
	added := tok.AddedTokens()
	if len(added) != 5 || added[0].ID != 0 || added[4].ID != 103 {
		t.Errorf("AddedTokens() = %+v", added)
	}

	unigram := mustNew(t, testUnigramTokenizerJSON)
	if size := unigram.VocabSize(); size != 10 {
		t.Errorf("Unigram VocabSize() = %d, want 10", size)
	}
}

func TestGPT2Split(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"hello world", []string{"hello", " world"}},
		{"it's 42!", []string{"it", "'s", " 42", "!"}},
		{"a  b", []string{"a", " ", " b"}},
		{"end   ", []string{"end", "   "}},
	}
	for _, tt := range tests {
		got := gpt2Split(tt.input)
		if !slices.Equal(got, tt.want) {
			t.Errorf("gpt2Split(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestBertPreTokenize(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"hello world", []string{"hello", "world"}},
		{"hello, world!", []string{"hello", ",", "world", "!"}},
		{"  spaced  ", []string{"spaced"}},
	}
	for _, tt := range tests {
		got := bertPreTokenize(tt.input)
		if !slices.Equal(got, tt.want) {
			t.Errorf("bertPreTokenize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestBertNormalize(t *testing.T) {
	n := &Normalizer{Type: "BertNormalizer", Lowercase: true}
	tests := []struct {
		input, want string
	}{
		{"Héllo", "hello"},
		{"a\tb\x00c", "a bc"},
		{"中文", " 中  文 "},
	}
	for _, tt := range tests {
		if got := bertNormalize(tt.input, n); got != tt.want {
			t.Errorf("bertNormalize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSaveAndLoadFromSource(t *testing.T) {
	config := &api.Config{TokenizerClass: "BertTokenizer", MaskToken: "[MASK]"}
	tok, err := NewFromContent(config, testWordPieceTokenizerJSON)
	if err != nil {
		t.Fatalf("NewFromContent failed: %v", err)
	}
	dir := t.TempDir()
	if err := tok.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tokenizer_config.json")); err != nil {
		t.Errorf("tokenizer_config.json not saved: %v", err)
	}
	loaded, err := New(config, hub.LocalDir(dir))
	if err != nil {
		t.Fatalf("New from saved directory failed: %v", err)
	}
	if got := loaded.Encode("this is a test"); !slices.Equal(got, []int{107, 106, 105, 3}) {
		t.Errorf("Encode after reload = %v", got)
	}

	if _, err := New(config, hub.LocalDir(t.TempDir())); err == nil {
		t.Errorf("expected error when tokenizer.json is missing")
	}
}
