package api

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config holds the tokenizer configuration found in HuggingFace's "tokenizer_config.json"
// (and "special_tokens_map.json", which holds the same special token fields).
type Config struct {
	TokenizerClass string `json:"tokenizer_class,omitempty"`
	DoLowerCase    bool   `json:"do_lower_case,omitempty"`
	ModelMaxLength int    `json:"model_max_length,omitempty"`

	BosToken  string `json:"bos_token,omitempty"`
	EosToken  string `json:"eos_token,omitempty"`
	UnkToken  string `json:"unk_token,omitempty"`
	SepToken  string `json:"sep_token,omitempty"`
	PadToken  string `json:"pad_token,omitempty"`
	ClsToken  string `json:"cls_token,omitempty"`
	MaskToken string `json:"mask_token,omitempty"`
}

// rawConfig mirrors Config, but special tokens may be either a string or an object
// with a "content" field (a serialized AddedToken).
type rawConfig struct {
	TokenizerClass string          `json:"tokenizer_class"`
	DoLowerCase    bool            `json:"do_lower_case"`
	ModelMaxLength json.Number     `json:"model_max_length"`
	BosToken       json.RawMessage `json:"bos_token"`
	EosToken       json.RawMessage `json:"eos_token"`
	UnkToken       json.RawMessage `json:"unk_token"`
	SepToken       json.RawMessage `json:"sep_token"`
	PadToken       json.RawMessage `json:"pad_token"`
	ClsToken       json.RawMessage `json:"cls_token"`
	MaskToken      json.RawMessage `json:"mask_token"`
}

// ParseConfigContent parses the content of a tokenizer_config.json file.
func ParseConfigContent(content []byte) (*Config, error) {
	var raw rawConfig
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse tokenizer config")
	}
	config := &Config{
		TokenizerClass: raw.TokenizerClass,
		DoLowerCase:    raw.DoLowerCase,
	}
	// Some configs use a huge float (1e30) to mean "no limit".
	if maxLen, err := raw.ModelMaxLength.Int64(); err == nil && maxLen > 0 && maxLen < 1<<31 {
		config.ModelMaxLength = int(maxLen)
	}
	var err error
	for _, field := range []struct {
		raw json.RawMessage
		to  *string
	}{
		{raw.BosToken, &config.BosToken},
		{raw.EosToken, &config.EosToken},
		{raw.UnkToken, &config.UnkToken},
		{raw.SepToken, &config.SepToken},
		{raw.PadToken, &config.PadToken},
		{raw.ClsToken, &config.ClsToken},
		{raw.MaskToken, &config.MaskToken},
	} {
		if *field.to, err = tokenContent(field.raw); err != nil {
			return nil, err
		}
	}
	return config, nil
}

// ParseConfigFile parses a tokenizer_config.json file.
func ParseConfigFile(filePath string) (*Config, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer config %q", filePath)
	}
	return ParseConfigContent(content)
}

// Merge fills the empty special tokens of c with the ones from other.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	fill := func(to *string, from string) {
		if *to == "" {
			*to = from
		}
	}
	fill(&c.BosToken, other.BosToken)
	fill(&c.EosToken, other.EosToken)
	fill(&c.UnkToken, other.UnkToken)
	fill(&c.SepToken, other.SepToken)
	fill(&c.PadToken, other.PadToken)
	fill(&c.ClsToken, other.ClsToken)
	fill(&c.MaskToken, other.MaskToken)
	fill(&c.TokenizerClass, other.TokenizerClass)
	if c.ModelMaxLength == 0 {
		c.ModelMaxLength = other.ModelMaxLength
	}
}

// WriteFile saves the configuration as a tokenizer_config.json file.
func (c *Config) WriteFile(filePath string) error {
	content, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize tokenizer config")
	}
	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return errors.Wrapf(err, "failed to write tokenizer config %q", filePath)
	}
	return nil
}

func tokenContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", errors.Wrapf(err, "invalid special token %s", raw)
	}
	return obj.Content, nil
}
