package maskedlm

import (
	"math"

	"github.com/gomlx/compute/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/nn"
)

// attentionMaskValue is added to the attention scores of padding positions.
const attentionMaskValue = -1e9

// dense applies a linear layer whose weight is stored as [out, in].
func dense(x *Node, l linear) *Node {
	g := x.Graph()
	return nn.Dense(x, Transpose(l.weight.ValueGraph(g), 0, 1), l.bias.ValueGraph(g))
}

func (m *Model) layerNorm(x *Node, n norm) *Node {
	g := x.Graph()
	return nn.LayerNorm(x, []int{-1}, m.Config.LayerNormEps, n.gamma.ValueGraph(g), n.beta.ValueGraph(g), nil)
}

// embed returns the embeddings of the tokens, [batch, seq, embedding], normalized. The token type
// of all tokens is 0.
func (m *Model) embed(ids, positions *Node) *Node {
	g := ids.Graph()
	x := Gather(m.embeddings.word.ValueGraph(g), InsertAxes(ids, -1))
	x = Add(x, Gather(m.embeddings.position.ValueGraph(g), InsertAxes(positions, -1)))
	if m.embeddings.tokenType != nil {
		typeZero := Slice(m.embeddings.tokenType.ValueGraph(g), AxisRange(0, 1))
		x = Add(x, ExpandLeftToRank(typeZero, x.Rank()))
	}
	return m.layerNorm(x, m.embeddings.norm)
}

// attention is the multi-head self-attention of a block. bias is [batch, 1, 1, seq].
func (m *Model) attention(x, bias *Node, b *block) *Node {
	dims := x.Shape().Dimensions
	batchSize, seqLen, hidden := dims[0], dims[1], dims[2]
	numHeads := m.Config.NumAttentionHeads
	headDim := hidden / numHeads
	// [batch, seq, hidden] -> [batch, heads, seq, head_dim]
	splitHeads := func(t *Node) *Node {
		return TransposeAllAxes(Reshape(t, batchSize, seqLen, numHeads, headDim), 0, 2, 1, 3)
	}
	query := splitHeads(dense(x, b.query))
	key := splitHeads(dense(x, b.key))
	value := splitHeads(dense(x, b.value))

	scores := MulScalar(Einsum("bhqd,bhkd->bhqk", query, key), 1/math.Sqrt(float64(headDim)))
	weights := Softmax(Add(scores, bias), -1)
	attended := Einsum("bhqk,bhkd->bhqd", weights, value)
	attended = Reshape(TransposeAllAxes(attended, 0, 2, 1, 3), batchSize, seqLen, hidden)
	return dense(attended, b.attentionOutput)
}

// block is a post-norm transformer block: attention and feed-forward, each with a residual
// connection followed by layer normalization.
func (m *Model) block(x, bias *Node, b *block) *Node {
	x = m.layerNorm(Add(m.attention(x, bias, b), x), b.attentionNorm)
	ffn := activations.Apply(m.act, dense(x, b.intermediate))
	return m.layerNorm(Add(dense(ffn, b.output), x), b.outputNorm)
}

// encode returns the hidden states of the sequences, [batch, seq, hidden]. mask is 1 for tokens and
// 0 for padding.
func (m *Model) encode(ids, positions, mask *Node) *Node {
	x := m.embed(ids, positions)
	if m.embeddings.projection != nil {
		x = dense(x, *m.embeddings.projection)
	}
	dims := mask.Shape().Dimensions
	bias := Reshape(MulScalar(OneMinus(mask), attentionMaskValue), dims[0], 1, 1, dims[1])
	if m.Layout == ALBERT {
		// Groups of blocks are shared by consecutive layers.
		c := m.Config
		for layer := range c.NumHiddenLayers {
			group := layer * c.NumHiddenGroups / c.NumHiddenLayers
			for inner := range c.InnerGroupNum {
				x = m.block(x, bias, &m.blocks[group*c.InnerGroupNum+inner])
			}
		}
		return x
	}
	for ii := range m.blocks {
		x = m.block(x, bias, &m.blocks[ii])
	}
	return x
}

// logits applies the masked language model head to hidden states [..., hidden], returning
// [..., vocab].
func (m *Model) logits(hidden *Node) *Node {
	g := hidden.Graph()
	act := m.act
	if m.Layout == RoBERTa {
		act = activations.TypeGelu
	}
	x := activations.Apply(act, dense(hidden, m.head.transform))
	x = m.layerNorm(x, m.head.norm)
	decoder := m.embeddings.word
	if m.head.decoder != nil {
		decoder = m.head.decoder
	}
	return nn.Dense(x, Transpose(decoder.ValueGraph(g), 0, 1), m.head.bias.ValueGraph(g))
}

// predictGraph returns the logits and the probabilities over the vocabulary at position at ([1])
// of the only sequence of the batch.
func (m *Model) predictGraph(_ *context.Context, ids, positions, mask, at *Node) (*Node, *Node) {
	hidden := m.encode(ids, positions, mask)
	dims := hidden.Shape().Dimensions
	hidden = Reshape(hidden, dims[1], dims[2])
	selected := Gather(hidden, Reshape(at, 1, 1))
	logits := Reshape(m.logits(selected), m.Config.VocabSize)
	return logits, Softmax(logits, -1)
}

// maskedLoss returns the total cross-entropy at the positions with a label (labels >= 0), and the
// number of those positions, as float32 scalars.
func (m *Model) maskedLoss(ids, positions, mask, labels *Node) (sum, count *Node) {
	g := ids.Graph()
	logProbs := LogSoftmax(m.logits(m.encode(ids, positions, mask)), -1)
	valid := GreaterOrEqual(labels, ScalarZero(g, labels.DType()))
	safeLabels := Where(valid, labels, ZerosLike(labels))
	picked := ReduceSum(Mul(logProbs, OneHot(safeLabels, m.Config.VocabSize, dtypes.Float32)), -1)
	weights := Where(valid, OnesLike(picked), ZerosLike(picked))
	return Neg(ReduceAllSum(Mul(picked, weights))), ReduceAllSum(weights)
}

func (m *Model) lossGraph(_ *context.Context, ids, positions, mask, labels *Node) (*Node, *Node) {
	return m.maskedLoss(ids, positions, mask, labels)
}
