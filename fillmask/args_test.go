package fillmask

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrainArgs(t *testing.T) {
	args, err := ParseTrainArgs(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTrainArgs(), args)

	args, err = ParseTrainArgs(map[string]any{
		"batch_size":    8,
		"epochs":        2,
		"line_by_line":  true,
		"learning_rate": 1e-4,
	})
	require.NoError(t, err)
	assert.Equal(t, 8, args.BatchSize)
	assert.Equal(t, 2, args.NumTrainEpochs)
	assert.True(t, args.LineByLine)
	assert.InDelta(t, 1e-4, args.LearningRate, 1e-12)
	assert.Equal(t, DefaultTrainArgs().BlockSize, args.BlockSize)

	args, err = ParseTrainArgs(map[string]any{"num_train_epochs": 5})
	require.NoError(t, err)
	assert.Equal(t, 5, args.NumTrainEpochs)

	for name, options := range map[string]map[string]any{
		"unknown key":       {"dropout": 0.1},
		"wrong type":        {"batch_size": "large"},
		"zero batch":        {"batch_size": 0},
		"negative lr":       {"learning_rate": -1.0},
		"zero epochs":       {"epochs": 0},
		"mlm probability":   {"mlm_probability": 1.5},
		"missing save path": {"save_preprocessed_data": true},
	} {
		_, err := ParseTrainArgs(options)
		require.ErrorIs(t, err, ErrInvalidConfig, "case %q", name)
	}
}

func TestParseEvalArgs(t *testing.T) {
	args, err := ParseEvalArgs(map[string]any{"batch_size": 16, "seed": 7})
	require.NoError(t, err)
	assert.Equal(t, 16, args.BatchSize)
	assert.Equal(t, uint64(7), args.Seed)

	// Optimizer options are not accepted by Eval.
	_, err = ParseEvalArgs(map[string]any{"learning_rate": 0.1})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadTrainArgs(t *testing.T) {
	dir := t.TempDir()
	argsPath := filepath.Join(dir, "train.yaml")
	require.NoError(t, os.WriteFile(argsPath, []byte("epochs: 4\nbatch_size: 2\nweight_decay: 0.01\n"), 0644))
	args, err := LoadTrainArgs(argsPath)
	require.NoError(t, err)
	assert.Equal(t, 4, args.NumTrainEpochs)
	assert.Equal(t, 2, args.BatchSize)
	assert.InDelta(t, 0.01, args.WeightDecay, 1e-12)

	// Empty file: all defaults.
	emptyPath := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(emptyPath, nil, 0644))
	evalArgs, err := LoadEvalArgs(emptyPath)
	require.NoError(t, err)
	assert.Equal(t, DefaultEvalArgs(), evalArgs)

	_, err = LoadTrainArgs(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}
