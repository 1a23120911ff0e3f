package maskedlm

import (
	"encoding/json"
	"fmt"

	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// Layout of the encoder and of its masked language model head: the names of the weights in
// a checkpoint and the few places where the computation differs.
type Layout int

const (
	BERT Layout = iota
	RoBERTa
	DistilBERT
	ALBERT
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case BERT:
		return "BERT"
	case RoBERTa:
		return "RoBERTa"
	case DistilBERT:
		return "DistilBERT"
	case ALBERT:
		return "ALBERT"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// Config holds the encoder hyperparameters, with the field names of HuggingFace's config.json.
type Config struct {
	VocabSize         int `json:"vocab_size"`
	HiddenSize        int `json:"hidden_size"`
	NumHiddenLayers   int `json:"num_hidden_layers"`
	NumAttentionHeads int `json:"num_attention_heads"`
	IntermediateSize  int `json:"intermediate_size"`

	// ALBERT only: size of the factorized embeddings, and the number of groups of shared blocks
	// and of blocks per group.
	EmbeddingSize   int `json:"embedding_size,omitempty"`
	NumHiddenGroups int `json:"num_hidden_groups,omitempty"`
	InnerGroupNum   int `json:"inner_group_num,omitempty"`

	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	TypeVocabSize         int     `json:"type_vocab_size"`
	LayerNormEps          float64 `json:"layer_norm_eps"`
	HiddenAct             string  `json:"hidden_act"`
	PadTokenID            int     `json:"pad_token_id"`
}

// DefaultConfig returns the defaults of HuggingFace's configuration class for the layout, used for
// the fields missing in config.json.
func DefaultConfig(layout Layout) Config {
	c := Config{
		VocabSize:             30522,
		HiddenSize:            768,
		NumHiddenLayers:       12,
		NumAttentionHeads:     12,
		IntermediateSize:      3072,
		MaxPositionEmbeddings: 512,
		TypeVocabSize:         2,
		LayerNormEps:          1e-12,
		HiddenAct:             "gelu",
	}
	switch layout {
	case RoBERTa:
		c.VocabSize = 50265
		c.MaxPositionEmbeddings = 514
		c.TypeVocabSize = 1
		c.LayerNormEps = 1e-5
		c.PadTokenID = 1
	case DistilBERT:
		c.NumHiddenLayers = 6
		c.TypeVocabSize = 0
	case ALBERT:
		c.VocabSize = 30000
		c.EmbeddingSize = 128
		c.HiddenSize = 4096
		c.NumAttentionHeads = 64
		c.IntermediateSize = 16384
		c.NumHiddenGroups = 1
		c.InnerGroupNum = 1
		c.HiddenAct = "gelu_new"
	}
	return c
}

// distilBERTConfig holds the names DistilBERT's config.json uses for the same hyperparameters.
type distilBERTConfig struct {
	Dim        *int    `json:"dim"`
	NLayers    *int    `json:"n_layers"`
	NHeads     *int    `json:"n_heads"`
	HiddenDim  *int    `json:"hidden_dim"`
	Activation *string `json:"activation"`
}

// ParseConfig reads the hyperparameters from the content of a config.json, using the layout's
// defaults for missing fields. content may be empty.
func ParseConfig(layout Layout, content []byte) (Config, error) {
	c := DefaultConfig(layout)
	if len(content) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(content, &c); err != nil {
		return c, errors.Wrap(err, "failed to parse model configuration")
	}
	if layout == DistilBERT {
		var d distilBERTConfig
		if err := json.Unmarshal(content, &d); err != nil {
			return c, errors.Wrap(err, "failed to parse model configuration")
		}
		if d.Dim != nil {
			c.HiddenSize = *d.Dim
		}
		if d.NLayers != nil {
			c.NumHiddenLayers = *d.NLayers
		}
		if d.NHeads != nil {
			c.NumAttentionHeads = *d.NHeads
		}
		if d.HiddenDim != nil {
			c.IntermediateSize = *d.HiddenDim
		}
		if d.Activation != nil {
			c.HiddenAct = *d.Activation
		}
		c.TypeVocabSize = 0
		c.LayerNormEps = 1e-12
	}
	return c, nil
}

// Fields returns the hyperparameters as config.json fields, with the names used by the layout.
func (c Config) Fields(layout Layout) map[string]any {
	if layout == DistilBERT {
		return map[string]any{
			"vocab_size":              c.VocabSize,
			"dim":                     c.HiddenSize,
			"n_layers":                c.NumHiddenLayers,
			"n_heads":                 c.NumAttentionHeads,
			"hidden_dim":              c.IntermediateSize,
			"activation":              c.HiddenAct,
			"max_position_embeddings": c.MaxPositionEmbeddings,
			"pad_token_id":            c.PadTokenID,
		}
	}
	fields := map[string]any{
		"vocab_size":              c.VocabSize,
		"hidden_size":             c.HiddenSize,
		"num_hidden_layers":       c.NumHiddenLayers,
		"num_attention_heads":     c.NumAttentionHeads,
		"intermediate_size":       c.IntermediateSize,
		"max_position_embeddings": c.MaxPositionEmbeddings,
		"type_vocab_size":         c.TypeVocabSize,
		"layer_norm_eps":          c.LayerNormEps,
		"hidden_act":              c.HiddenAct,
		"pad_token_id":            c.PadTokenID,
	}
	if layout == ALBERT {
		fields["embedding_size"] = c.EmbeddingSize
		fields["num_hidden_groups"] = c.NumHiddenGroups
		fields["inner_group_num"] = c.InnerGroupNum
	}
	return fields
}

// activationsByName maps HuggingFace's activation names to GoMLX activations.
var activationsByName = map[string]activations.Type{
	"gelu":              activations.TypeGelu,
	"gelu_new":          activations.TypeGeluApprox,
	"gelu_fast":         activations.TypeGeluApprox,
	"gelu_pytorch_tanh": activations.TypeGeluApprox,
	"relu":              activations.TypeRelu,
	"tanh":              activations.TypeTanh,
	"silu":              activations.TypeSwish,
	"swish":             activations.TypeSwish,
}

func (c Config) activation() (activations.Type, error) {
	if act, found := activationsByName[c.HiddenAct]; found {
		return act, nil
	}
	return activations.TypeNone, errors.Errorf("unsupported activation %q", c.HiddenAct)
}

// embeddingSize is the width of the embeddings: it differs from the hidden size only for ALBERT.
func (c Config) embeddingSize(layout Layout) int {
	if layout == ALBERT {
		return c.EmbeddingSize
	}
	return c.HiddenSize
}

// numBlocks is the number of distinct (not shared) transformer blocks.
func (c Config) numBlocks(layout Layout) int {
	if layout == ALBERT {
		return c.NumHiddenGroups * c.InnerGroupNum
	}
	return c.NumHiddenLayers
}

// positionOffset is the position id of the first token. RoBERTa numbers positions after the
// padding id.
func (c Config) positionOffset(layout Layout) int {
	if layout == RoBERTa {
		return c.PadTokenID + 1
	}
	return 0
}

// maxSequenceLength is the longest sequence, special tokens included, the position embeddings cover.
func (c Config) maxSequenceLength(layout Layout) int {
	return c.MaxPositionEmbeddings - c.positionOffset(layout)
}

func (c Config) validate(layout Layout) error {
	switch {
	case c.VocabSize <= 0 || c.HiddenSize <= 0:
		return errors.Errorf("invalid dimensions: vocab_size=%d, hidden_size=%d", c.VocabSize, c.HiddenSize)
	case c.NumHiddenLayers <= 0:
		return errors.Errorf("num_hidden_layers must be > 0, got %d", c.NumHiddenLayers)
	case c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0:
		return errors.Errorf("hidden_size=%d is not a multiple of num_attention_heads=%d", c.HiddenSize, c.NumAttentionHeads)
	case c.IntermediateSize <= 0:
		return errors.Errorf("intermediate_size must be > 0, got %d", c.IntermediateSize)
	case c.LayerNormEps <= 0:
		return errors.Errorf("layer_norm_eps must be > 0, got %g", c.LayerNormEps)
	case c.PadTokenID < 0 || c.PadTokenID >= c.VocabSize:
		return errors.Errorf("pad_token_id=%d out of range for vocab_size=%d", c.PadTokenID, c.VocabSize)
	case c.maxSequenceLength(layout) < 2:
		return errors.Errorf("max_position_embeddings=%d is too small", c.MaxPositionEmbeddings)
	}
	if layout == ALBERT {
		switch {
		case c.EmbeddingSize <= 0:
			return errors.Errorf("embedding_size must be > 0, got %d", c.EmbeddingSize)
		case c.NumHiddenGroups <= 0 || c.InnerGroupNum <= 0:
			return errors.Errorf("invalid num_hidden_groups=%d, inner_group_num=%d", c.NumHiddenGroups, c.InnerGroupNum)
		case c.NumHiddenLayers%c.NumHiddenGroups != 0:
			return errors.Errorf("num_hidden_layers=%d is not a multiple of num_hidden_groups=%d", c.NumHiddenLayers, c.NumHiddenGroups)
		}
	}
	_, err := c.activation()
	return err
}
