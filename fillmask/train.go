package fillmask

import (
	"math/rand/v2"

	"github.com/gomlx/go-fillmask/models/maskedlm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// newRNG returns the random number generator for the given seed and stream (epoch).
func newRNG(seed, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, stream))
}

// maskSequences draws the masked positions of each sequence, in the given order.
// Sequences without any maskable token are skipped.
func (h *Handle) maskSequences(sequences [][]int, order []int, probability float64, rng *rand.Rand) []maskedlm.Example {
	examples := make([]maskedlm.Example, 0, len(sequences))
	for _, idx := range order {
		if example, ok := h.model.MaskExample(sequences[idx], probability, rng); ok {
			examples = append(examples, example)
		}
	}
	return examples
}

// Train fine-tunes the model on the corpus at dataPath: a text file (one document, or one example
// per line with args.LineByLine) or a Parquet file with a "text" column.
//
// Each epoch shuffles the examples, draws new masks and runs one AdamW step per batch, with the
// learning rate decaying linearly to 0 over the whole training. The model is changed in place.
// The optimizer state starts empty on each call: training twice is the same as training, saving,
// loading and training again.
//
// It returns an ErrInvalidConfig error for invalid args and ErrDataNotFound if the corpus can't
// be read or has no examples.
func (h *Handle) Train(dataPath string, args TrainArgs) (err error) {
	if err := args.Validate(); err != nil {
		return err
	}
	sequences, err := h.loadSequences(dataPath, &args.DataArgs)
	if err != nil {
		return err
	}
	trainer, err := h.model.NewTrainer(args.optimizerConfig())
	if err != nil {
		return wrapAs(ErrInvalidConfig, err, "invalid optimizer settings")
	}
	defer func() {
		if finalizeErr := trainer.Finalize(); finalizeErr != nil && err == nil {
			err = finalizeErr
		}
	}()
	stepsPerEpoch := (len(sequences) + args.BatchSize - 1) / args.BatchSize
	totalSteps := stepsPerEpoch * args.NumTrainEpochs
	step := 0
	for epoch := range args.NumTrainEpochs {
		rng := newRNG(args.Seed, uint64(epoch)+1)
		examples := h.maskSequences(sequences, rng.Perm(len(sequences)), args.MLMProbability, rng)
		if len(examples) == 0 {
			return errors.Wrapf(ErrDataNotFound, "corpus %q has no tokens that can be masked", dataPath)
		}
		var epochLoss float64
		var numSteps int
		for start := 0; start < len(examples); start += args.BatchSize {
			batch := examples[start:min(start+args.BatchSize, len(examples))]
			learningRate := args.LearningRate * (1 - float64(step)/float64(totalSteps))
			loss, err := trainer.Step(batch, learningRate)
			if err != nil {
				return errors.WithMessagef(err, "training step %d failed", step)
			}
			epochLoss += loss
			numSteps++
			step++
			if klog.V(2).Enabled() {
				klog.Infof("epoch %d, step %d/%d: loss=%.4f, learning_rate=%.3g", epoch+1, step, totalSteps, loss, learningRate)
			}
		}
		klog.V(1).Infof("epoch %d/%d: mean loss %.4f over %d examples", epoch+1, args.NumTrainEpochs, epochLoss/float64(numSteps), len(examples))
	}
	return nil
}

// Eval returns the mean cross-entropy loss of the model predicting masked tokens of the corpus at
// dataPath (same formats as Train).
//
// Masks are drawn from args.Seed, so repeated evaluations of the same model and corpus return the
// same loss. The model is not changed.
func (h *Handle) Eval(dataPath string, args EvalArgs) (EvalResult, error) {
	if err := args.Validate(); err != nil {
		return EvalResult{}, err
	}
	sequences, err := h.loadSequences(dataPath, &args.DataArgs)
	if err != nil {
		return EvalResult{}, err
	}
	order := make([]int, len(sequences))
	for ii := range order {
		order[ii] = ii
	}
	examples := h.maskSequences(sequences, order, args.MLMProbability, newRNG(args.Seed, 0))
	if len(examples) == 0 {
		return EvalResult{}, errors.Wrapf(ErrDataNotFound, "corpus %q has no tokens that can be masked", dataPath)
	}

	var result EvalResult
	var totalLoss float64
	for start := 0; start < len(examples); start += args.BatchSize {
		batch := examples[start:min(start+args.BatchSize, len(examples))]
		loss, count, err := h.model.Loss(batch)
		if err != nil {
			return EvalResult{}, errors.WithMessagef(err, "evaluation failed")
		}
		totalLoss += loss
		result.MaskedTokens += count
		result.Examples += len(batch)
	}
	result.Loss = totalLoss / float64(result.MaskedTokens)
	klog.V(1).Infof("evaluated %d examples (%d masked tokens) of %s: loss %.4f", result.Examples, result.MaskedTokens, dataPath, result.Loss)
	return result, nil
}
