package maskedlm

import (
	"github.com/gomlx/compute/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// OptimizerConfig holds the hyperparameters of Adam with weight decay, as used for fine-tuning.
type OptimizerConfig struct {
	LearningRate float64
	WeightDecay  float64
	Beta1, Beta2 float64
	Epsilon      float64

	// MaxGradNorm clips the global L2 norm of the gradients. 0 disables clipping.
	MaxGradNorm float64
}

// DefaultOptimizerConfig returns the defaults of HuggingFace's Trainer.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		LearningRate: 5e-5,
		WeightDecay:  0,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		MaxGradNorm:  1.0,
	}
}

func (c OptimizerConfig) validate() error {
	switch {
	case c.LearningRate < 0:
		return errors.Errorf("learning rate must be >= 0, got %g", c.LearningRate)
	case c.WeightDecay < 0:
		return errors.Errorf("weight decay must be >= 0, got %g", c.WeightDecay)
	case c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1:
		return errors.Errorf("betas must be in [0, 1), got %g and %g", c.Beta1, c.Beta2)
	case c.Epsilon <= 0:
		return errors.Errorf("epsilon must be > 0, got %g", c.Epsilon)
	case c.MaxGradNorm < 0:
		return errors.Errorf("max gradient norm must be >= 0, got %g", c.MaxGradNorm)
	}
	return nil
}

// gradientsOptimizer is an optimizer that can apply gradients computed (and clipped) elsewhere.
// GoMLX's Adam implements it.
type gradientsOptimizer interface {
	optimizers.Interface
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// Trainer fine-tunes a model. Its optimizer state (moments and step count) starts empty and is
// discarded by Finalize, so each Trainer is independent of the previous ones.
//
// Only one Trainer of a model should be in use at a time.
type Trainer struct {
	m         *Model
	config    OptimizerConfig
	optimizer gradientsOptimizer
	exec      *context.Exec
}

// NewTrainer returns a Trainer of the model. Call Finalize when done.
func (m *Model) NewTrainer(config OptimizerConfig) (*Trainer, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	optimizer, ok := optimizers.Adam().
		LearningRate(config.LearningRate).
		Betas(config.Beta1, config.Beta2).
		Epsilon(config.Epsilon).
		WeightDecay(config.WeightDecay).
		Done().(gradientsOptimizer)
	if !ok {
		return nil, errors.New("optimizer can't apply precomputed gradients")
	}
	t := &Trainer{m: m, config: config, optimizer: optimizer}
	if err := t.clearState(); err != nil {
		return nil, err
	}
	var err error
	if t.exec, err = context.NewExec(m.backend, m.ctx, t.stepGraph); err != nil {
		return nil, errors.WithMessage(err, "failed to create the training graph")
	}
	return t, nil
}

// clearState deletes the optimizer variables of the model's context.
func (t *Trainer) clearState() error {
	ctx := t.m.ctx
	if err := t.optimizer.Clear(ctx); err != nil {
		return errors.WithMessage(err, "failed to reset the optimizer")
	}
	if err := optimizers.DeleteGlobalStep(ctx); err != nil {
		return errors.WithMessage(err, "failed to reset the optimizer")
	}
	if err := ctx.In(optimizers.Scope).DeleteVariablesInScope(); err != nil {
		return errors.WithMessage(err, "failed to reset the optimizer")
	}
	return nil
}

// stepGraph computes the mean loss of the batch and updates the weights. It returns the mean loss
// and the number of predicted positions.
func (t *Trainer) stepGraph(ctx *context.Context, ids, positions, mask, labels *Node) (*Node, *Node) {
	sum, count := t.m.maskedLoss(ids, positions, mask, labels)
	loss := Div(sum, MaxScalar(count, 1))
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if t.config.MaxGradNorm > 0 {
		grads = clipByGlobalNorm(grads, t.config.MaxGradNorm)
	}
	t.optimizer.UpdateGraphWithGradients(ctx, grads, loss.DType())
	return loss, count
}

// clipByGlobalNorm scales the gradients so that their global L2 norm is at most maxNorm.
func clipByGlobalNorm(grads []*Node, maxNorm float64) []*Node {
	sumSquares := ReduceAllSum(Square(grads[0]))
	for _, grad := range grads[1:] {
		sumSquares = Add(sumSquares, ReduceAllSum(Square(grad)))
	}
	g := sumSquares.Graph()
	norm := Sqrt(sumSquares)
	scale := MinScalar(Div(Scalar(g, norm.DType(), maxNorm), AddScalar(norm, 1e-6)), 1)
	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, scale)
	}
	return clipped
}

// Step updates the weights with the gradients of the mean loss of the examples, using the given
// learning rate. It returns the mean loss before the update.
func (t *Trainer) Step(examples []Example, learningRate float64) (float64, error) {
	if t.exec == nil {
		return 0, errors.New("trainer already finalized")
	}
	inputs, count, err := t.m.examplesBatch(examples)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, errors.New("no masked positions in the batch")
	}
	lr := optimizers.LearningRateVar(t.m.ctx, dtypes.Float32, learningRate)
	if err := lr.SetValue(tensors.FromScalar(float32(learningRate))); err != nil {
		return 0, errors.WithMessage(err, "failed to set the learning rate")
	}
	outputs, err := t.exec.Exec(inputs.ids, inputs.positions, inputs.mask, inputs.labels)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to run the training step")
	}
	return float64(tensors.ToScalar[float32](outputs[0])), nil
}

// Finalize frees the training graph and discards the optimizer state. The trained weights are kept.
func (t *Trainer) Finalize() error {
	if t.exec == nil {
		return nil
	}
	t.exec.Finalize()
	t.exec = nil
	return t.clearState()
}
