package fillmask

import (
	"bytes"
	"io"
	"os"

	"github.com/gomlx/go-fillmask/models/maskedlm"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DataArgs configure how a corpus is turned into examples. They're shared by TrainArgs and EvalArgs.
type DataArgs struct {
	// BatchSize is the number of sequences per optimizer step (and per evaluation batch).
	BatchSize int `yaml:"batch_size"`

	// LineByLine makes each non-blank line of the corpus an example. Otherwise the corpus is
	// one document, split in windows of BlockSize tokens.
	LineByLine bool `yaml:"line_by_line"`

	// MLMProbability is the probability of each token being selected for prediction.
	MLMProbability float64 `yaml:"mlm_probability"`

	// BlockSize is the maximum number of tokens per example, including special tokens.
	BlockSize int `yaml:"block_size"`

	// Seed for the random selection of masked tokens (and the shuffling of training examples).
	Seed uint64 `yaml:"seed"`

	// SavePreprocessedData writes the tokenized examples to SavePreprocessedDataPath (Parquet).
	SavePreprocessedData     bool   `yaml:"save_preprocessed_data"`
	SavePreprocessedDataPath string `yaml:"save_preprocessed_data_path"`

	// LoadPreprocessedData reads the tokenized examples from LoadPreprocessedDataPath instead of
	// the corpus.
	LoadPreprocessedData     bool   `yaml:"load_preprocessed_data"`
	LoadPreprocessedDataPath string `yaml:"load_preprocessed_data_path"`
}

// TrainArgs configure Handle.Train.
type TrainArgs struct {
	DataArgs `yaml:",inline"`

	LearningRate   float64 `yaml:"learning_rate"`
	NumTrainEpochs int     `yaml:"num_train_epochs"`
	WeightDecay    float64 `yaml:"weight_decay"`
	AdamBeta1      float64 `yaml:"adam_beta1"`
	AdamBeta2      float64 `yaml:"adam_beta2"`
	AdamEpsilon    float64 `yaml:"adam_epsilon"`
	MaxGradNorm    float64 `yaml:"max_grad_norm"`
}

// EvalArgs configure Handle.Eval.
type EvalArgs struct {
	DataArgs `yaml:",inline"`
}

// DefaultDataArgs returns the default corpus settings.
func DefaultDataArgs() DataArgs {
	return DataArgs{
		BatchSize:      1,
		MLMProbability: 0.1,
		BlockSize:      128,
		Seed:           42,
	}
}

// DefaultTrainArgs returns the default training settings: 3 epochs of AdamW with learning rate
// 5e-5 and gradients clipped to norm 1.
func DefaultTrainArgs() TrainArgs {
	opt := maskedlm.DefaultOptimizerConfig()
	return TrainArgs{
		DataArgs:       DefaultDataArgs(),
		LearningRate:   opt.LearningRate,
		NumTrainEpochs: 3,
		WeightDecay:    opt.WeightDecay,
		AdamBeta1:      opt.Beta1,
		AdamBeta2:      opt.Beta2,
		AdamEpsilon:    opt.Epsilon,
		MaxGradNorm:    opt.MaxGradNorm,
	}
}

// DefaultEvalArgs returns the default evaluation settings.
func DefaultEvalArgs() EvalArgs {
	return EvalArgs{DataArgs: DefaultDataArgs()}
}

// Validate returns an ErrInvalidConfig error if any of the values is out of range.
func (a *DataArgs) Validate() error {
	switch {
	case a.BatchSize <= 0:
		return errors.Wrapf(ErrInvalidConfig, "batch_size must be > 0, got %d", a.BatchSize)
	case a.MLMProbability <= 0 || a.MLMProbability > 1:
		return errors.Wrapf(ErrInvalidConfig, "mlm_probability must be in (0, 1], got %g", a.MLMProbability)
	case a.BlockSize <= 1:
		return errors.Wrapf(ErrInvalidConfig, "block_size must be > 1, got %d", a.BlockSize)
	case a.SavePreprocessedData && a.SavePreprocessedDataPath == "":
		return errors.Wrap(ErrInvalidConfig, "save_preprocessed_data requires save_preprocessed_data_path")
	case a.LoadPreprocessedData && a.LoadPreprocessedDataPath == "":
		return errors.Wrap(ErrInvalidConfig, "load_preprocessed_data requires load_preprocessed_data_path")
	}
	return nil
}

// Validate returns an ErrInvalidConfig error if any of the values is out of range.
func (a *TrainArgs) Validate() error {
	if err := a.DataArgs.Validate(); err != nil {
		return err
	}
	switch {
	case a.LearningRate <= 0:
		return errors.Wrapf(ErrInvalidConfig, "learning_rate must be > 0, got %g", a.LearningRate)
	case a.NumTrainEpochs <= 0:
		return errors.Wrapf(ErrInvalidConfig, "num_train_epochs must be > 0, got %d", a.NumTrainEpochs)
	case a.WeightDecay < 0:
		return errors.Wrapf(ErrInvalidConfig, "weight_decay must be >= 0, got %g", a.WeightDecay)
	case a.AdamBeta1 < 0 || a.AdamBeta1 >= 1:
		return errors.Wrapf(ErrInvalidConfig, "adam_beta1 must be in [0, 1), got %g", a.AdamBeta1)
	case a.AdamBeta2 < 0 || a.AdamBeta2 >= 1:
		return errors.Wrapf(ErrInvalidConfig, "adam_beta2 must be in [0, 1), got %g", a.AdamBeta2)
	case a.AdamEpsilon <= 0:
		return errors.Wrapf(ErrInvalidConfig, "adam_epsilon must be > 0, got %g", a.AdamEpsilon)
	case a.MaxGradNorm < 0:
		return errors.Wrapf(ErrInvalidConfig, "max_grad_norm must be >= 0, got %g", a.MaxGradNorm)
	}
	return nil
}

func (a *TrainArgs) optimizerConfig() maskedlm.OptimizerConfig {
	return maskedlm.OptimizerConfig{
		LearningRate: a.LearningRate,
		WeightDecay:  a.WeightDecay,
		Beta1:        a.AdamBeta1,
		Beta2:        a.AdamBeta2,
		Epsilon:      a.AdamEpsilon,
		MaxGradNorm:  a.MaxGradNorm,
	}
}

// trainArgsDocument accepts "epochs" as an alias of "num_train_epochs".
type trainArgsDocument struct {
	TrainArgs `yaml:",inline"`
	Epochs    *int `yaml:"epochs"`
}

// decodeStrict decodes YAML content into to, rejecting unknown fields.
func decodeStrict(content []byte, to any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(to); err != nil && !errors.Is(err, io.EOF) {
		return wrapAs(ErrInvalidConfig, err, "invalid arguments")
	}
	return nil
}

// ParseTrainArgsYAML parses training arguments from YAML content. Fields not given keep their
// default values, and unknown fields are rejected with ErrInvalidConfig.
func ParseTrainArgsYAML(content []byte) (TrainArgs, error) {
	doc := trainArgsDocument{TrainArgs: DefaultTrainArgs()}
	if err := decodeStrict(content, &doc); err != nil {
		return TrainArgs{}, err
	}
	if doc.Epochs != nil {
		doc.NumTrainEpochs = *doc.Epochs
	}
	if err := doc.TrainArgs.Validate(); err != nil {
		return TrainArgs{}, err
	}
	return doc.TrainArgs, nil
}

// ParseEvalArgsYAML parses evaluation arguments from YAML content. Fields not given keep their
// default values, and unknown fields (including training ones) are rejected with ErrInvalidConfig.
func ParseEvalArgsYAML(content []byte) (EvalArgs, error) {
	args := DefaultEvalArgs()
	if err := decodeStrict(content, &args); err != nil {
		return EvalArgs{}, err
	}
	if err := args.Validate(); err != nil {
		return EvalArgs{}, err
	}
	return args, nil
}

// ParseTrainArgs converts an option map, e.g. {"learning_rate": 1e-4, "epochs": 2}, to TrainArgs.
func ParseTrainArgs(options map[string]any) (TrainArgs, error) {
	content, err := yaml.Marshal(options)
	if err != nil {
		return TrainArgs{}, wrapAs(ErrInvalidConfig, err, "invalid training options")
	}
	return ParseTrainArgsYAML(content)
}

// ParseEvalArgs converts an option map, e.g. {"batch_size": 8}, to EvalArgs.
func ParseEvalArgs(options map[string]any) (EvalArgs, error) {
	content, err := yaml.Marshal(options)
	if err != nil {
		return EvalArgs{}, wrapAs(ErrInvalidConfig, err, "invalid evaluation options")
	}
	return ParseEvalArgsYAML(content)
}

// LoadTrainArgs reads training arguments from a YAML file.
func LoadTrainArgs(filePath string) (TrainArgs, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return TrainArgs{}, wrapAs(ErrInvalidConfig, err, "failed to read training arguments")
	}
	return ParseTrainArgsYAML(content)
}

// LoadEvalArgs reads evaluation arguments from a YAML file.
func LoadEvalArgs(filePath string) (EvalArgs, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return EvalArgs{}, wrapAs(ErrInvalidConfig, err, "failed to read evaluation arguments")
	}
	return ParseEvalArgsYAML(content)
}
