package api

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigContent(t *testing.T) {
	config, err := ParseConfigContent([]byte(`{
		"tokenizer_class": "RobertaTokenizer",
		"model_max_length": 1000000000000000019884624838656,
		"bos_token": "<s>",
		"mask_token": {"content": "<mask>", "lstrip": true, "special": true},
		"pad_token": null
	}`))
	require.NoError(t, err)
	assert.Equal(t, "RobertaTokenizer", config.TokenizerClass)
	assert.Equal(t, 0, config.ModelMaxLength)
	assert.Equal(t, "<s>", config.BosToken)
	assert.Equal(t, "<mask>", config.MaskToken)
	assert.Empty(t, config.PadToken)

	_, err = ParseConfigContent([]byte(`{"mask_token": 3}`))
	require.Error(t, err)
}

func TestConfigMergeAndWrite(t *testing.T) {
	config := &Config{MaskToken: "[MASK]"}
	config.Merge(&Config{MaskToken: "<mask>", PadToken: "[PAD]", ModelMaxLength: 512})
	assert.Equal(t, "[MASK]", config.MaskToken)
	assert.Equal(t, "[PAD]", config.PadToken)
	assert.Equal(t, 512, config.ModelMaxLength)

	filePath := filepath.Join(t.TempDir(), "tokenizer_config.json")
	require.NoError(t, config.WriteFile(filePath))
	reloaded, err := ParseConfigFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, config, reloaded)
}

func TestSpecialTokenString(t *testing.T) {
	assert.Equal(t, "mask", TokMask.String())
	assert.Equal(t, "SpecialToken(42)", SpecialToken(42).String())
}
