package tokenizers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-fillmask/hub"
	"github.com/gomlx/go-fillmask/tokenizers/api"
	"github.com/gomlx/go-fillmask/tokenizers/hftokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tinyTokenizerJSON = `{
  "added_tokens": [
    {"id": 0, "content": "[UNK]", "special": true},
    {"id": 1, "content": "[MASK]", "special": true}
  ],
  "normalizer": {"type": "BertNormalizer", "lowercase": true},
  "pre_tokenizer": {"type": "BertPreTokenizer"},
  "decoder": {"type": "WordPiece", "prefix": "##"},
  "model": {"type": "WordPiece", "unk_token": "[UNK]", "vocab": {"[UNK]": 0, "[MASK]": 1, "paris": 2, "[SEP]": 3}}
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestNewFromLocalDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, hftokenizer.FileName, tinyTokenizerJSON)
	writeFile(t, dir, "tokenizer_config.json", `{"tokenizer_class": "BertTokenizer", "model_max_length": 512}`)
	writeFile(t, dir, "special_tokens_map.json", `{"sep_token": {"content": "[SEP]"}, "mask_token": "[MASK]"}`)

	config, err := LoadConfig(hub.LocalDir(dir))
	require.NoError(t, err)
	assert.Equal(t, "BertTokenizer", config.TokenizerClass)
	assert.Equal(t, 512, config.ModelMaxLength)
	assert.Equal(t, "[SEP]", config.SepToken)
	assert.Equal(t, "[MASK]", config.MaskToken)

	tok, err := New(nil, hub.LocalDir(dir))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, tok.Encode("Paris [MASK]"))
	mask, err := tok.SpecialTokenID(api.TokMask)
	require.NoError(t, err)
	assert.Equal(t, 1, mask)
	sep, err := tok.SpecialTokenID(api.TokEndOfSentence)
	require.NoError(t, err)
	assert.Equal(t, 3, sep)
}

func TestNewWithoutTokenizerFiles(t *testing.T) {
	_, err := New(nil, hub.LocalDir(t.TempDir()))
	require.Error(t, err)
}

func TestLoadConfigListingError(t *testing.T) {
	_, err := LoadConfig(hub.LocalDir(filepath.Join(t.TempDir(), "missing")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokenizer_config.json")
}
