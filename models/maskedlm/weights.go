package maskedlm

import (
	"fmt"
	"slices"

	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/compute/shapes"
	"github.com/gomlx/go-fillmask/models/safetensors"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WeightReader reads the tensors of a checkpoint. It's implemented by *safetensors.Model.
type WeightReader interface {
	HasTensor(name string) bool
	GetTensorMetadata(name string) (*safetensors.TensorMetadata, error)
	ReadFloat32(name string) ([]float32, []int, error)
}

// InitStdDev is the standard deviation of the normal distribution used to initialize the weights
// of a new model, as in BERT.
const InitStdDev = 0.02

// paramKind selects the initialization of a parameter created from scratch.
type paramKind int

const (
	kindWeight paramKind = iota
	kindBias
	kindScale
)

// presence tells what to do with a parameter missing from a checkpoint.
type presence int

const (
	required presence = iota

	// optional parameters missing from a checkpoint are not created, and they're never created
	// from scratch.
	optional

	// zerosIfMissing parameters missing from a checkpoint are created with zeros.
	zerosIfMissing
)

// param is a model variable and the name of its tensor in a checkpoint.
type param struct {
	name     string
	variable *context.Variable
}

// builder creates the model variables, either from a checkpoint (reader != nil) or initialized
// from scratch.
type builder struct {
	m      *Model
	names  layoutNames
	reader WeightReader
}

// firstPresent returns the first candidate found in the checkpoint.
func (b *builder) firstPresent(candidates []string) string {
	for _, name := range candidates {
		if b.reader.HasTensor(name) {
			return name
		}
	}
	return ""
}

// variable creates the variable name in ctx with the given shape, and returns nil for missing
// optional parameters. The value is read from the first candidate present in the checkpoint.
// It panics on errors.
func (b *builder) variable(ctx *context.Context, name string, candidates []string, kind paramKind, p presence, dims ...int) *context.Variable {
	var v *context.Variable
	switch {
	case b.reader == nil && p == optional:
		return nil
	case b.reader == nil:
		initializer := initializers.Zero
		switch kind {
		case kindWeight:
			initializer = initializers.RandomNormalFn(b.m.ctx, InitStdDev)
		case kindScale:
			initializer = initializers.One
		}
		v = ctx.WithInitializer(initializer).VariableWithShape(name, shapes.Make(dtypes.Float32, dims...))
	default:
		var values []float32
		if found := b.firstPresent(candidates); found != "" {
			var shape []int
			var err error
			values, shape, err = b.reader.ReadFloat32(found)
			if err != nil {
				panic(errors.WithMessagef(err, "failed to read weights %q", found))
			}
			if !slices.Equal(shape, dims) {
				exceptions.Panicf("weights %q have shape %v, expected %v", found, shape, dims)
			}
		} else {
			switch p {
			case optional:
				klog.V(1).Infof("%s checkpoint has no %q", b.m.Layout, candidates[0])
				return nil
			case zerosIfMissing:
				klog.V(1).Infof("%s checkpoint has no %q, using zeros", b.m.Layout, candidates[0])
				values = make([]float32, shapes.Make(dtypes.Float32, dims...).Size())
			default:
				exceptions.Panicf("checkpoint has no weights %q", candidates[0])
			}
		}
		v = ctx.VariableWithValue(name, tensors.FromFlatDataAndDimensions(values, dims...))
	}
	v.SetTrainable(true)
	b.m.params = append(b.m.params, param{name: candidates[0], variable: v})
	return v
}

// linear creates the weight, in HuggingFace's [out, in] layout, and the bias of a dense layer.
func (b *builder) linear(ctx *context.Context, scope, base string, out, in int) linear {
	ctx = ctx.In(scope)
	return linear{
		weight: b.variable(ctx, "weight", b.names.weightCandidates(base), kindWeight, required, out, in),
		bias:   b.variable(ctx, "bias", b.names.biasCandidates(base), kindBias, required, out),
	}
}

func (b *builder) norm(ctx *context.Context, scope, base string, size int) norm {
	ctx = ctx.In(scope)
	gamma, beta := b.names.normCandidates(base)
	return norm{
		gamma: b.variable(ctx, "gamma", gamma, kindScale, required, size),
		beta:  b.variable(ctx, "beta", beta, kindBias, required, size),
	}
}

// build creates all the variables of the model.
func (b *builder) build() {
	m, c, n := b.m, b.m.Config, b.names
	h, e := c.HiddenSize, c.embeddingSize(m.Layout)

	ctx := m.ctx.In("embeddings")
	m.embeddings.word = b.variable(ctx, "word", n.weightCandidates(n.wordEmbeddings), kindWeight, required, c.VocabSize, e)
	m.embeddings.position = b.variable(ctx, "position", n.weightCandidates(n.positionEmbeddings), kindWeight, required, c.MaxPositionEmbeddings, e)
	if n.tokenTypeEmbeddings != "" && c.TypeVocabSize > 0 {
		m.embeddings.tokenType = b.variable(ctx, "token_type", n.weightCandidates(n.tokenTypeEmbeddings), kindWeight, required, c.TypeVocabSize, e)
	}
	m.embeddings.norm = b.norm(ctx, "norm", n.embeddingNorm, e)
	if m.Layout == ALBERT {
		projection := b.linear(ctx, "projection", n.embeddingProjection, h, e)
		m.embeddings.projection = &projection
	}

	m.blocks = make([]block, c.numBlocks(m.Layout))
	for ii := range m.blocks {
		ctx := m.ctx.In("encoder").In(fmt.Sprintf("block_%d", ii))
		names := n.blockNamesFor(m.Layout, c, ii)
		m.blocks[ii] = block{
			query:           b.linear(ctx, "query", names.query, h, h),
			key:             b.linear(ctx, "key", names.key, h, h),
			value:           b.linear(ctx, "value", names.value, h, h),
			attentionOutput: b.linear(ctx, "attention_output", names.attentionOutput, h, h),
			attentionNorm:   b.norm(ctx, "attention_norm", names.attentionNorm, h),
			intermediate:    b.linear(ctx, "intermediate", names.intermediate, c.IntermediateSize, h),
			output:          b.linear(ctx, "output", names.output, h, c.IntermediateSize),
			outputNorm:      b.norm(ctx, "output_norm", names.outputNorm, h),
		}
	}

	ctx = m.ctx.In("head")
	m.head.transform = b.linear(ctx, "transform", n.headTransform, e, h)
	m.head.norm = b.norm(ctx, "norm", n.headNorm, e)
	m.head.decoder = b.variable(ctx, "decoder", n.weightCandidates(n.decoder), kindWeight, optional, c.VocabSize, e)
	m.head.bias = b.variable(ctx, "bias", n.decoderBias, kindBias, zerosIfMissing, c.VocabSize)
}

// inferShapes sets the dimensions of config that can be read from the shapes of the checkpoint
// tensors.
func inferShapes(r WeightReader, layout Layout, config *Config) error {
	n := namesByLayout[layout]
	shapeOf := func(base string) ([]int, error) {
		for _, name := range n.weightCandidates(base) {
			if r.HasTensor(name) {
				meta, err := r.GetTensorMetadata(name)
				if err != nil {
					return nil, err
				}
				return meta.Shape, nil
			}
		}
		return nil, nil
	}

	dims, err := shapeOf(n.wordEmbeddings)
	if err != nil {
		return err
	}
	if len(dims) != 2 {
		return errors.Errorf("checkpoint has no %s word embeddings (%q)", layout, n.wordEmbeddings+".weight")
	}
	config.VocabSize = dims[0]
	if layout == ALBERT {
		config.EmbeddingSize = dims[1]
	} else {
		config.HiddenSize = dims[1]
	}
	if dims, err = shapeOf(n.positionEmbeddings); err != nil {
		return err
	} else if len(dims) == 2 {
		config.MaxPositionEmbeddings = dims[0]
	}
	if n.tokenTypeEmbeddings != "" {
		if dims, err = shapeOf(n.tokenTypeEmbeddings); err != nil {
			return err
		}
		config.TypeVocabSize = 0
		if len(dims) == 2 {
			config.TypeVocabSize = dims[0]
		}
	}
	if layout == ALBERT {
		if dims, err = shapeOf(n.embeddingProjection); err != nil {
			return err
		} else if len(dims) == 2 {
			config.HiddenSize = dims[0]
		}
	}
	if dims, err = shapeOf(n.blockNamesFor(layout, *config, 0).intermediate); err != nil {
		return err
	} else if len(dims) == 2 {
		config.IntermediateSize = dims[0]
	}
	return nil
}

// FromCheckpoint creates a model from the weights of a (pretrained) checkpoint.
//
// The vocabulary, embedding, hidden and intermediate sizes, and the number of positions are taken
// from the shapes of the tensors; the other hyperparameters from config. The decoder (tied to the
// word embeddings) and its bias (zeros) are optional.
func FromCheckpoint(r WeightReader, layout Layout, config Config, tokens Tokens) (*Model, error) {
	if _, found := namesByLayout[layout]; !found {
		return nil, errors.Errorf("unsupported layout %s", layout)
	}
	if err := inferShapes(r, layout, &config); err != nil {
		return nil, err
	}
	m, err := newModel(layout, config, tokens)
	if err != nil {
		return nil, err
	}
	b := &builder{m: m, names: namesByLayout[layout], reader: r}
	if err := exceptions.TryCatch[error](b.build); err != nil {
		return nil, errors.WithMessagef(err, "failed to load %s weights", layout)
	}
	return m, nil
}

// NewRandom creates a model with all weights initialized from scratch: normally distributed with
// standard deviation InitStdDev, biases set to zero and layer normalization scales to one.
// The decoder is tied to the word embeddings.
func NewRandom(layout Layout, config Config, tokens Tokens, seed int64) (*Model, error) {
	if _, found := namesByLayout[layout]; !found {
		return nil, errors.Errorf("unsupported layout %s", layout)
	}
	m, err := newModel(layout, config, tokens)
	if err != nil {
		return nil, err
	}
	b := &builder{m: m, names: namesByLayout[layout]}
	if err := exceptions.TryCatch[error](b.build); err != nil {
		return nil, errors.WithMessagef(err, "failed to create %s weights", layout)
	}
	if err := m.ctx.SetRNGStateFromSeed(seed); err != nil {
		return nil, errors.WithMessage(err, "failed to seed the random number generator")
	}
	if err := m.ctx.InitializeVariables(m.backend, nil); err != nil {
		return nil, errors.WithMessage(err, "failed to initialize weights")
	}
	return m, nil
}

// Weights returns the current value of each parameter, by checkpoint tensor name, with its shape.
func (m *Model) Weights() ([]safetensors.Float32Tensor, error) {
	weights := make([]safetensors.Float32Tensor, 0, len(m.params))
	for _, p := range m.params {
		value, err := p.variable.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read %q", p.name)
		}
		data, err := tensors.CopyFlatData[float32](value)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read %q", p.name)
		}
		weights = append(weights, safetensors.Float32Tensor{
			Name:  p.name,
			Shape: slices.Clone(p.variable.Shape().Dimensions),
			Data:  data,
		})
	}
	return weights, nil
}

// SaveSafetensors writes the parameters as float32 to a .safetensors file, with the tensor names of
// the layout. A tied decoder is not written.
func (m *Model) SaveSafetensors(filePath string, metadata map[string]string) error {
	weights, err := m.Weights()
	if err != nil {
		return err
	}
	return safetensors.WriteFile(filePath, weights, metadata)
}
