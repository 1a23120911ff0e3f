// Package maskedlm implements the transformer encoders of BERT, RoBERTa, DistilBERT and ALBERT with
// their masked language model heads, as GoMLX computation graphs.
//
// A Model is created from the weights of a (pretrained) HuggingFace checkpoint with FromCheckpoint,
// or from scratch with NewRandom. It scores the vocabulary at a position of a sequence
// (Model.Probabilities), computes the masked language model loss of a batch (Model.Loss) and is
// fine-tuned with a Trainer (Adam with weight decay, on gradients computed by GoMLX).
//
// The computations run on the pure Go backend.
package maskedlm

import (
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/gomlx/compute"
	"github.com/gomlx/compute/gobackend"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// backend is shared by all models.
var backend = sync.OnceValues(func() (compute.Backend, error) {
	return gobackend.New("")
})

// Tokens holds the ids of the special tokens the model needs to know about.
type Tokens struct {
	// Mask is the id of the mask token.
	Mask int

	// Special are the ids (usually [CLS], [SEP], padding) that are never selected for prediction.
	Special []int
}

type linear struct {
	weight, bias *context.Variable
}

type norm struct {
	gamma, beta *context.Variable
}

type embeddings struct {
	word, position, tokenType *context.Variable
	norm                      norm

	// projection from the embedding size to the hidden size (ALBERT).
	projection *linear
}

type block struct {
	query, key, value linear
	attentionOutput   linear
	attentionNorm     norm
	intermediate      linear
	output            linear
	outputNorm        norm
}

type head struct {
	transform linear
	norm      norm

	// decoder is nil when tied to the word embeddings.
	decoder *context.Variable
	bias    *context.Variable
}

// Model is a transformer encoder with a masked language model head.
//
// Model is not safe for concurrent use.
type Model struct {
	Layout Layout
	Config Config
	Tokens Tokens

	ctx     *context.Context
	backend compute.Backend
	act     activations.Type
	special map[int]bool

	embeddings embeddings
	blocks     []block
	head       head

	// params in the order they are saved.
	params []param

	predictExec, lossExec *context.Exec
}

func newModel(layout Layout, config Config, tokens Tokens) (*Model, error) {
	if err := config.validate(layout); err != nil {
		return nil, err
	}
	if tokens.Mask < 0 || tokens.Mask >= config.VocabSize {
		return nil, errors.Errorf("mask token id %d out of range for vocab_size=%d", tokens.Mask, config.VocabSize)
	}
	b, err := backend()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the computation backend")
	}
	act, err := config.activation()
	if err != nil {
		return nil, err
	}
	m := &Model{
		Layout:  layout,
		Config:  config,
		Tokens:  tokens,
		ctx:     context.New(),
		backend: b,
		act:     act,
		special: map[int]bool{tokens.Mask: true},
	}
	for _, id := range tokens.Special {
		m.special[id] = true
	}
	return m, nil
}

// MaxSequenceLength is the longest sequence, special tokens included, the model accepts.
func (m *Model) MaxSequenceLength() int {
	return m.Config.maxSequenceLength(m.Layout)
}

// TiedDecoder returns whether the decoder of the head shares its weights with the word embeddings.
func (m *Model) TiedDecoder() bool {
	return m.head.decoder == nil
}

// NumParams returns the number of weights of the model.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.params {
		n += p.variable.Shape().Size()
	}
	return n
}

// Probabilities returns the probability of each token of the vocabulary at position pos of the
// sequence ids.
func (m *Model) Probabilities(ids []int, pos int) ([]float64, error) {
	_, probs, err := m.scores(ids, pos)
	return probs, err
}

// Logits returns the scores (before the softmax) over the vocabulary at position pos of the
// sequence ids.
func (m *Model) Logits(ids []int, pos int) ([]float32, error) {
	logits, _, err := m.scores(ids, pos)
	return logits, err
}

func (m *Model) scores(ids []int, pos int) (logits []float32, probs []float64, err error) {
	if pos < 0 || pos >= len(ids) {
		return nil, nil, errors.Errorf("position %d out of range for sequence of length %d", pos, len(ids))
	}
	inputs, err := m.newBatch([][]int{ids}, nil)
	if err != nil {
		return nil, nil, err
	}
	if m.predictExec == nil {
		if m.predictExec, err = context.NewExec(m.backend, m.ctx, m.predictGraph); err != nil {
			return nil, nil, errors.WithMessage(err, "failed to create the prediction graph")
		}
	}
	outputs, err := m.predictExec.Exec(inputs.ids, inputs.positions, inputs.mask, tensors.FromValue([]int32{int32(pos)}))
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to run the model")
	}
	if logits, err = tensors.CopyFlatData[float32](outputs[0]); err != nil {
		return nil, nil, err
	}
	probs32, err := tensors.CopyFlatData[float32](outputs[1])
	if err != nil {
		return nil, nil, err
	}
	probs = make([]float64, len(probs32))
	for ii, p := range probs32 {
		probs[ii] = float64(p)
	}
	return logits, probs, nil
}

// batch holds the input tensors of a batch of sequences, padded to the same length.
type batch struct {
	ids, positions, mask, labels *tensors.Tensor
}

// paddedLength returns the length sequences of up to n tokens are padded to: the next power of
// two (at least 8), so few graphs are compiled.
func (m *Model) paddedLength(n int) int {
	length := 8
	for length < n {
		length *= 2
	}
	return min(length, m.MaxSequenceLength())
}

// newBatch pads the sequences (and their labels, if not nil) into tensors. Labels are -1 for
// positions that are not predicted.
func (m *Model) newBatch(sequences [][]int, labels [][]int) (*batch, error) {
	longest := 0
	for _, ids := range sequences {
		longest = max(longest, len(ids))
	}
	if longest == 0 {
		return nil, errors.New("empty sequences")
	}
	if maxLength := m.MaxSequenceLength(); longest > maxLength {
		return nil, errors.Errorf("sequence of %d tokens is longer than the maximum of %d", longest, maxLength)
	}
	length := m.paddedLength(longest)
	size := len(sequences) * length
	ids := make([]int32, size)
	positions := make([]int32, size)
	mask := make([]float32, size)
	targets := make([]int32, size)
	offset := m.Config.positionOffset(m.Layout)
	for row, seq := range sequences {
		for col := range length {
			at := row*length + col
			targets[at] = -1
			if col >= len(seq) {
				// RoBERTa gives padding the position of the padding id.
				ids[at] = int32(m.Config.PadTokenID)
				positions[at] = int32(col)
				if offset > 0 {
					positions[at] = int32(m.Config.PadTokenID)
				}
				continue
			}
			if id := seq[col]; id < 0 || id >= m.Config.VocabSize {
				return nil, errors.Errorf("token id %d out of range for vocab_size=%d", id, m.Config.VocabSize)
			}
			ids[at] = int32(seq[col])
			positions[at] = int32(offset + col)
			mask[at] = 1
			if labels != nil && labels[row][col] >= 0 {
				targets[at] = int32(labels[row][col])
			}
		}
	}
	b := &batch{
		ids:       tensors.FromFlatDataAndDimensions(ids, len(sequences), length),
		positions: tensors.FromFlatDataAndDimensions(positions, len(sequences), length),
		mask:      tensors.FromFlatDataAndDimensions(mask, len(sequences), length),
	}
	if labels != nil {
		b.labels = tensors.FromFlatDataAndDimensions(targets, len(sequences), length)
	}
	return b, nil
}

// Example is a training or evaluation sequence with some of its tokens masked.
type Example struct {
	// IDs of the (possibly altered) input sequence.
	IDs []int

	// Positions that are predicted, and the original token at each of them.
	Positions []int
	Labels    []int
}

// NumMasked returns the number of predicted positions.
func (e Example) NumMasked() int {
	return len(e.Positions)
}

// MaskExample selects each maskable token of ids with the given probability for prediction.
// Following BERT, a selected token is replaced by the mask token 80% of the time, by a random
// token 10% of the time, and left unchanged otherwise. At least one token is selected if any
// is maskable.
//
// It returns false if the sequence has no maskable tokens.
func (m *Model) MaskExample(ids []int, probability float64, rng *rand.Rand) (Example, bool) {
	var candidates []int
	for pos, id := range ids {
		if id >= 0 && id < m.Config.VocabSize && !m.special[id] {
			candidates = append(candidates, pos)
		}
	}
	if len(candidates) == 0 {
		return Example{}, false
	}
	selected := make([]bool, len(ids))
	count := 0
	for _, pos := range candidates {
		if rng.Float64() < probability {
			selected[pos] = true
			count++
		}
	}
	if count == 0 {
		selected[candidates[rng.IntN(len(candidates))]] = true
	}

	example := Example{IDs: slices.Clone(ids)}
	for pos, isSelected := range selected {
		if !isSelected {
			continue
		}
		example.Positions = append(example.Positions, pos)
		example.Labels = append(example.Labels, ids[pos])
		switch r := rng.Float64(); {
		case r < 0.8:
			example.IDs[pos] = m.Tokens.Mask
		case r < 0.9:
			example.IDs[pos] = rng.IntN(m.Config.VocabSize)
		}
	}
	return example, true
}

// examplesBatch converts examples to input tensors, with the labels at the predicted positions.
func (m *Model) examplesBatch(examples []Example) (*batch, int, error) {
	sequences := make([][]int, len(examples))
	labels := make([][]int, len(examples))
	count := 0
	for ii, example := range examples {
		if len(example.Positions) != len(example.Labels) {
			return nil, 0, errors.Errorf("example has %d positions but %d labels", len(example.Positions), len(example.Labels))
		}
		sequences[ii] = example.IDs
		labels[ii] = make([]int, len(example.IDs))
		for pos := range labels[ii] {
			labels[ii][pos] = -1
		}
		for jj, pos := range example.Positions {
			if pos < 0 || pos >= len(example.IDs) {
				return nil, 0, errors.Errorf("position %d out of range for sequence of length %d", pos, len(example.IDs))
			}
			if label := example.Labels[jj]; label < 0 || label >= m.Config.VocabSize {
				return nil, 0, errors.Errorf("label %d out of range for vocab_size=%d", label, m.Config.VocabSize)
			}
			labels[ii][pos] = example.Labels[jj]
			count++
		}
	}
	b, err := m.newBatch(sequences, labels)
	return b, count, err
}

// Loss returns the total cross-entropy of the batch and the number of predicted positions.
// The mean loss is the ratio of the two. The model is not changed.
func (m *Model) Loss(examples []Example) (total float64, count int, err error) {
	inputs, count, err := m.examplesBatch(examples)
	if err != nil {
		return 0, 0, err
	}
	if count == 0 {
		return 0, 0, nil
	}
	if m.lossExec == nil {
		if m.lossExec, err = context.NewExec(m.backend, m.ctx, m.lossGraph); err != nil {
			return 0, 0, errors.WithMessage(err, "failed to create the loss graph")
		}
	}
	outputs, err := m.lossExec.Exec(inputs.ids, inputs.positions, inputs.mask, inputs.labels)
	if err != nil {
		return 0, 0, errors.WithMessage(err, "failed to compute the loss")
	}
	return float64(tensors.ToScalar[float32](outputs[0])), count, nil
}
