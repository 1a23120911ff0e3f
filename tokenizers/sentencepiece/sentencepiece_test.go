package sentencepiece

import (
	"slices"
	"testing"

	"github.com/gomlx/go-fillmask/hub"
	"github.com/gomlx/go-fillmask/tokenizers/api"
)

// albertTokenizer downloads the ALBERT SentencePiece model, or skips the test if it's not
// available.
func albertTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test that downloads from the HuggingFace Hub in -short mode")
	}
	repo := hub.New("albert/albert-base-v2")
	if !repo.HasFile("spiece.model") {
		t.Skip("spiece.model not found in repo")
	}
	baseTok, err := New(&api.Config{MaskToken: "[MASK]"}, repo)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return baseTok.(*Tokenizer)
}

func TestMissingModelFile(t *testing.T) {
	if _, err := New(nil, hub.LocalDir(t.TempDir())); err == nil {
		t.Errorf("expected error when no SentencePiece model file is present")
	}
}

func TestEncodeDecode(t *testing.T) {
	tok := albertTokenizer(t)
	inputs := []string{
		"hello world",
		"the quick brown fox jumps over the lazy dog.",
	}
	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			ids := tok.Encode(input)
			if len(ids) == 0 {
				t.Fatalf("Encode(%q) returned no ids", input)
			}
			if got := tok.Decode(ids); got != input {
				t.Errorf("Decode(Encode(%q)) = %q", input, got)
			}
		})
	}
}

func TestSpecialTokens(t *testing.T) {
	tok := albertTokenizer(t)
	mask, err := tok.SpecialTokenID(api.TokMask)
	if err != nil {
		t.Fatalf("SpecialTokenID(mask) failed: %v", err)
	}
	if got := tok.Encode("[MASK]"); !slices.Contains(got, mask) {
		t.Errorf("Encode([MASK]) = %v, doesn't contain mask id %d", got, mask)
	}
	if _, err := tok.SpecialTokenID(api.TokUnknown); err != nil {
		t.Errorf("SpecialTokenID(unknown) failed: %v", err)
	}
}

func TestVocabulary(t *testing.T) {
	tok := albertTokenizer(t)
	if tok.VocabSize() < 1000 {
		t.Errorf("VocabSize() = %d, too small", tok.VocabSize())
	}
	id, ok := tok.TokenToID("▁hello")
	if !ok {
		t.Fatalf("TokenToID(▁hello) not found")
	}
	if token, ok := tok.IDToToken(id); !ok || token != "hello" {
		t.Errorf("IDToToken(%d) = %q, %v", id, token, ok)
	}
	if _, ok := tok.TokenToID("▁hello▁world"); ok {
		t.Errorf("TokenToID of two pieces should fail")
	}
}

func TestSave(t *testing.T) {
	tok := albertTokenizer(t)
	dir := t.TempDir()
	if err := tok.Save(dir); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	reloaded, err := New(nil, hub.LocalDir(dir))
	if err != nil {
		t.Fatalf("New from saved dir failed: %v", err)
	}
	input := "hello world"
	if got, want := reloaded.Encode(input), tok.Encode(input); !slices.Equal(got, want) {
		t.Errorf("reloaded Encode(%q) = %v, want %v", input, got, want)
	}
}
