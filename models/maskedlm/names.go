package maskedlm

import (
	"fmt"
	"strings"
)

// blockNames are the checkpoint names (without ".weight"/".bias") of the parameters of one
// transformer block.
type blockNames struct {
	query, key, value string
	attentionOutput   string
	attentionNorm     string
	intermediate      string
	output            string
	outputNorm        string
}

// layoutNames are the checkpoint names of the parameters of a layout. The encoder names carry a
// prefix ("bert.", "roberta.", ...) that base models saved without the head don't have.
type layoutNames struct {
	prefix string

	wordEmbeddings      string
	positionEmbeddings  string
	tokenTypeEmbeddings string
	embeddingNorm       string
	embeddingProjection string

	block func(index int) blockNames

	headTransform string
	headNorm      string
	decoder       string
	decoderBias   []string
}

func bertLikeNames(prefix string) layoutNames {
	return layoutNames{
		prefix:              prefix,
		wordEmbeddings:      prefix + "embeddings.word_embeddings",
		positionEmbeddings:  prefix + "embeddings.position_embeddings",
		tokenTypeEmbeddings: prefix + "embeddings.token_type_embeddings",
		embeddingNorm:       prefix + "embeddings.LayerNorm",
		block: func(index int) blockNames {
			p := fmt.Sprintf("%sencoder.layer.%d.", prefix, index)
			return blockNames{
				query:           p + "attention.self.query",
				key:             p + "attention.self.key",
				value:           p + "attention.self.value",
				attentionOutput: p + "attention.output.dense",
				attentionNorm:   p + "attention.output.LayerNorm",
				intermediate:    p + "intermediate.dense",
				output:          p + "output.dense",
				outputNorm:      p + "output.LayerNorm",
			}
		},
	}
}

var namesByLayout = map[Layout]layoutNames{
	BERT: func() layoutNames {
		n := bertLikeNames("bert.")
		n.headTransform = "cls.predictions.transform.dense"
		n.headNorm = "cls.predictions.transform.LayerNorm"
		n.decoder = "cls.predictions.decoder"
		n.decoderBias = []string{"cls.predictions.bias", "cls.predictions.decoder.bias"}
		return n
	}(),

	RoBERTa: func() layoutNames {
		n := bertLikeNames("roberta.")
		n.headTransform = "lm_head.dense"
		n.headNorm = "lm_head.layer_norm"
		n.decoder = "lm_head.decoder"
		n.decoderBias = []string{"lm_head.bias", "lm_head.decoder.bias"}
		return n
	}(),

	DistilBERT: {
		prefix:             "distilbert.",
		wordEmbeddings:     "distilbert.embeddings.word_embeddings",
		positionEmbeddings: "distilbert.embeddings.position_embeddings",
		embeddingNorm:      "distilbert.embeddings.LayerNorm",
		block: func(index int) blockNames {
			p := fmt.Sprintf("distilbert.transformer.layer.%d.", index)
			return blockNames{
				query:           p + "attention.q_lin",
				key:             p + "attention.k_lin",
				value:           p + "attention.v_lin",
				attentionOutput: p + "attention.out_lin",
				attentionNorm:   p + "sa_layer_norm",
				intermediate:    p + "ffn.lin1",
				output:          p + "ffn.lin2",
				outputNorm:      p + "output_layer_norm",
			}
		},
		headTransform: "vocab_transform",
		headNorm:      "vocab_layer_norm",
		decoder:       "vocab_projector",
		decoderBias:   []string{"vocab_projector.bias"},
	},

	ALBERT: {
		prefix:              "albert.",
		wordEmbeddings:      "albert.embeddings.word_embeddings",
		positionEmbeddings:  "albert.embeddings.position_embeddings",
		tokenTypeEmbeddings: "albert.embeddings.token_type_embeddings",
		embeddingNorm:       "albert.embeddings.LayerNorm",
		embeddingProjection: "albert.encoder.embedding_hidden_mapping_in",
		// Blocks are named by albertBlock.
		headTransform: "predictions.dense",
		headNorm:      "predictions.LayerNorm",
		decoder:       "predictions.decoder",
		decoderBias:   []string{"predictions.bias", "predictions.decoder.bias"},
	},
}

func albertBlock(group, inner int) blockNames {
	p := fmt.Sprintf("albert.encoder.albert_layer_groups.%d.albert_layers.%d.", group, inner)
	return blockNames{
		query:           p + "attention.query",
		key:             p + "attention.key",
		value:           p + "attention.value",
		attentionOutput: p + "attention.dense",
		attentionNorm:   p + "attention.LayerNorm",
		intermediate:    p + "ffn",
		output:          p + "ffn_output",
		outputNorm:      p + "full_layer_layer_norm",
	}
}

// blockNamesFor returns the names of the distinct block index (see Config.numBlocks).
func (n layoutNames) blockNamesFor(layout Layout, config Config, index int) blockNames {
	if layout == ALBERT {
		inner := max(config.InnerGroupNum, 1)
		return albertBlock(index/inner, index%inner)
	}
	return n.block(index)
}

// candidates returns the names to try for a parameter, in order: the full name, and the name
// without the encoder prefix.
func (n layoutNames) candidates(name string) []string {
	names := []string{name}
	if n.prefix != "" && strings.HasPrefix(name, n.prefix) {
		names = append(names, strings.TrimPrefix(name, n.prefix))
	}
	return names
}

// weightCandidates returns the candidate names of a dense weight or of an embedding table.
func (n layoutNames) weightCandidates(base string) []string {
	return n.candidates(base + ".weight")
}

func (n layoutNames) biasCandidates(base string) []string {
	return n.candidates(base + ".bias")
}

// normCandidates returns the candidate names of the scale (gamma) and offset (beta) of a layer
// normalization: older checkpoints use ".gamma" and ".beta".
func (n layoutNames) normCandidates(base string) (gamma, beta []string) {
	gamma = append(n.candidates(base+".weight"), n.candidates(base+".gamma")...)
	beta = append(n.candidates(base+".bias"), n.candidates(base+".beta")...)
	return
}
