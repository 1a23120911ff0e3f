package fillmask

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/gomlx/go-fillmask/hub"
	"github.com/gomlx/go-fillmask/internal/files"
	"github.com/gomlx/go-fillmask/models/maskedlm"
	"github.com/gomlx/go-fillmask/models/safetensors"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testVocab is the vocabulary of the test model: the index is the token id.
var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"the", "cat", "dog", "sat", "on", "mat", "salt", "and", "pepper", "please", "pass", ".", "##s",
}

// testConfig is the configuration of a tiny BERT encoder.
func testConfig() maskedlm.Config {
	c := maskedlm.DefaultConfig(maskedlm.BERT)
	c.VocabSize = len(testVocab)
	c.HiddenSize = 8
	c.NumHiddenLayers = 2
	c.NumAttentionHeads = 2
	c.IntermediateSize = 16
	c.MaxPositionEmbeddings = 64
	return c
}

// writeTestModel writes a tiny BERT model (WordPiece tokenizer and random weights) into a
// temporary directory, and returns the directory.
func writeTestModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	vocab := make(map[string]int, len(testVocab))
	var addedTokens []map[string]any
	for id, token := range testVocab {
		vocab[token] = id
		if strings.HasPrefix(token, "[") {
			addedTokens = append(addedTokens, map[string]any{
				"id": id, "content": token, "single_word": false, "lstrip": false, "rstrip": false,
				"normalized": false, "special": true,
			})
		}
	}
	tokenizerJSON, err := json.Marshal(map[string]any{
		"version":        "1.0",
		"added_tokens":   addedTokens,
		"normalizer":     map[string]any{"type": "BertNormalizer", "lowercase": true},
		"pre_tokenizer":  map[string]any{"type": "BertPreTokenizer"},
		"post_processor": nil,
		"decoder":        map[string]any{"type": "WordPiece", "prefix": "##"},
		"model": map[string]any{
			"type":                      "WordPiece",
			"unk_token":                 "[UNK]",
			"continuing_subword_prefix": "##",
			"max_input_chars_per_word":  100,
			"vocab":                     vocab,
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), tokenizerJSON, 0644))
	config := testConfig()
	fields := config.Fields(maskedlm.BERT)
	fields["model_type"] = "bert"
	configJSON, err := json.Marshal(fields)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), configJSON, 0644))

	model, err := maskedlm.NewRandom(maskedlm.BERT, config, maskedlm.Tokens{Mask: 4, Special: []int{0, 2, 3}}, 7)
	require.NoError(t, err)
	require.NoError(t, model.SaveSafetensors(filepath.Join(dir, safetensors.FileName), nil))
	return dir
}

// writeTestCorpus writes a small repetitive corpus, one sentence per line.
func writeTestCorpus(t *testing.T) string {
	t.Helper()
	sentences := []string{
		"the cat sat on the mat .",
		"the dog sat on the mat .",
		"please pass the salt and pepper .",
	}
	var content strings.Builder
	for range 4 {
		for _, sentence := range sentences {
			content.WriteString(sentence + "\n")
		}
		content.WriteString("\n")
	}
	corpusPath := filepath.Join(t.TempDir(), "corpus.txt")
	require.NoError(t, os.WriteFile(corpusPath, []byte(content.String()), 0644))
	return corpusPath
}

func loadTestModel(t *testing.T) *Handle {
	t.Helper()
	h, err := New("BERT", writeTestModel(t))
	require.NoError(t, err)
	return h
}

func modelWeights(t *testing.T, h *Handle) []safetensors.Float32Tensor {
	t.Helper()
	weights, err := h.Model().Weights()
	require.NoError(t, err)
	return weights
}

func assertSameWeights(t *testing.T, want, got []safetensors.Float32Tensor) {
	t.Helper()
	require.Len(t, got, len(want))
	for ii := range want {
		require.Equal(t, want[ii].Name, got[ii].Name)
		assert.Equal(t, want[ii].Shape, got[ii].Shape, want[ii].Name)
		assert.InDeltaSlice(t, want[ii].Data, got[ii].Data, 1e-6, want[ii].Name)
	}
}

func TestParseFamily(t *testing.T) {
	for tag, want := range map[string]Family{
		"":            Auto,
		"auto":        Auto,
		"BERT":        BERT,
		"distilbert":  DistilBERT,
		"Albert":      ALBERT,
		"ROBERTA":     RoBERTa,
		"xlm-roberta": XLMRoBERTa,
	} {
		got, err := ParseFamily(tag)
		require.NoError(t, err, "tag %q", tag)
		assert.Equal(t, want, got, "tag %q", tag)
	}
	_, err := ParseFamily("GPT2")
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, "XLM-ROBERTA", XLMRoBERTa.String())
}

func TestSplitOnPlaceholder(t *testing.T) {
	left, right, err := splitOnPlaceholder("Please pass the salt and [MASK].", "[MASK]")
	require.NoError(t, err)
	assert.Equal(t, "Please pass the salt and", left)
	assert.Equal(t, ".", right)

	_, _, err = splitOnPlaceholder("no placeholder here", "[MASK]")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = splitOnPlaceholder("[MASK] and [MASK]", "[MASK]")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNew(t *testing.T) {
	dir := writeTestModel(t)

	h, err := New("", dir)
	require.NoError(t, err)
	assert.Equal(t, BERT, h.Family())
	assert.Equal(t, len(testVocab), h.VocabSize())
	assert.Equal(t, DefaultMaskPlaceholder, h.MaskPlaceholder())
	assert.Equal(t, testConfig(), h.Model().Config)
	assert.Equal(t, 64, h.Model().MaxSequenceLength())
	assert.Equal(t, []int{2, 5, 6, 4, 3}, func() []int {
		ids, _ := h.maskedSequence("the cat", "")
		return ids
	}())

	_, err = New("GPT2", dir)
	require.ErrorIs(t, err, ErrInvalidConfig)

	// Hyperparameters that don't match the weights.
	config := testConfig().Fields(maskedlm.BERT)
	config["model_type"] = "bert"
	config["num_attention_heads"] = 3
	configJSON, err := json.Marshal(config)
	require.NoError(t, err)
	badDir := writeTestModel(t)
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "config.json"), configJSON, 0644))
	_, err = New("BERT", badDir)
	require.ErrorIs(t, err, ErrModelLoad)

	// A directory without weights.
	require.NoError(t, os.Remove(filepath.Join(dir, safetensors.FileName)))
	_, err = New("BERT", dir)
	require.ErrorIs(t, err, ErrModelLoad)
}

func TestPredictMaskTopK(t *testing.T) {
	h := loadTestModel(t)
	predictions, err := h.PredictMask("The cat sat on the [MASK].", TopK(5))
	require.NoError(t, err)
	require.Len(t, predictions, 5)
	for ii, p := range predictions {
		assert.True(t, p.Score >= 0 && p.Score <= 1, "score %g out of range", p.Score)
		assert.NotEmpty(t, p.Token)
		if ii > 0 {
			assert.LessOrEqual(t, p.Score, predictions[ii-1].Score)
		}
	}

	// nil mode is TopK(1).
	top1, err := h.PredictMask("The cat sat on the [MASK].", nil)
	require.NoError(t, err)
	require.Len(t, top1, 1)
	assert.Equal(t, predictions[0], top1[0])

	// k larger than the vocabulary is clamped, and the scores add up to 1.
	all, err := h.PredictMask("The cat sat on the [MASK].", TopK(1000))
	require.NoError(t, err)
	require.Len(t, all, len(testVocab))
	var sum float64
	for _, p := range all {
		sum += p.Score
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestTopKTies(t *testing.T) {
	h := loadTestModel(t)
	probs := make([]float64, len(testVocab))
	probs[7], probs[5], probs[9] = 0.4, 0.4, 0.2
	got := h.topK(probs, 3)
	assert.Equal(t, []Prediction{{"the", 0.4}, {"dog", 0.4}, {"on", 0.2}}, got)
}

func TestPredictMaskTargets(t *testing.T) {
	h := loadTestModel(t)
	text := "Please pass the salt and [MASK]."
	targets := []string{"pepper", "mat", "dog"}
	predictions, err := h.PredictMask(text, Targets(targets...))
	require.NoError(t, err)
	require.Len(t, predictions, len(targets))

	all, err := h.PredictMask(text, TopK(len(testVocab)))
	require.NoError(t, err)
	for ii, p := range predictions {
		assert.Equal(t, targets[ii], p.Token)
		idx := slices.IndexFunc(all, func(q Prediction) bool { return q.Token == p.Token })
		require.GreaterOrEqual(t, idx, 0)
		assert.InDelta(t, all[idx].Score, p.Score, 1e-12)
	}
}

func TestPredictMaskErrors(t *testing.T) {
	h := loadTestModel(t)
	for _, tc := range []struct {
		name string
		text string
		mode RankingMode
		want error
	}{
		{"no mask", "the cat sat on the mat", TopK(1), ErrInvalidInput},
		{"two masks", "the [MASK] sat on the [MASK]", TopK(1), ErrInvalidInput},
		{"k=0", "the cat sat on the [MASK]", TopK(0), ErrInvalidInput},
		{"no targets", "the cat sat on the [MASK]", Targets(), ErrInvalidInput},
		{"unknown target", "the cat sat on the [MASK]", Targets("mat", "zebra"), ErrUnknownToken},
		{"multi-token target", "the cat sat on the [MASK]", Targets("cats"), ErrUnknownToken},
		{"empty target", "the cat sat on the [MASK]", Targets(" "), ErrUnknownToken},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.PredictMask(tc.text, tc.mode)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestMaskPlaceholder(t *testing.T) {
	h, err := New("BERT", writeTestModel(t), WithMaskPlaceholder("<blank>"))
	require.NoError(t, err)
	predictions, err := h.PredictMask("the cat sat on the <blank> .", TopK(2))
	require.NoError(t, err)
	assert.Len(t, predictions, 2)
	_, err = h.PredictMask("the cat sat on the [MASK] .", TopK(2))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSaveAndLoad(t *testing.T) {
	h := loadTestModel(t)
	text := "the dog sat on the [MASK]."
	want, err := h.PredictMask(text, TopK(3))
	require.NoError(t, err)

	saveDir := filepath.Join(t.TempDir(), "saved")
	require.NoError(t, h.Save(saveDir))
	for _, fileName := range []string{"config.json", "model.safetensors", "tokenizer.json", "tokenizer_config.json"} {
		assert.True(t, files.Exists(filepath.Join(saveDir, fileName)), "missing %s", fileName)
	}

	content, err := os.ReadFile(filepath.Join(saveDir, "config.json"))
	require.NoError(t, err)
	var config map[string]any
	require.NoError(t, json.Unmarshal(content, &config))
	assert.Equal(t, "bert", config["model_type"])
	assert.Equal(t, []any{"BertForMaskedLM"}, config["architectures"])
	assert.Equal(t, 2.0, config["num_hidden_layers"])
	assert.Equal(t, 8.0, config["hidden_size"])

	loaded, err := Load(saveDir)
	require.NoError(t, err)
	assert.Equal(t, BERT, loaded.Family())
	assert.Equal(t, h.Model().Config, loaded.Model().Config)
	assertSameWeights(t, modelWeights(t, h), modelWeights(t, loaded))
	got, err := loaded.PredictMask(text, TopK(3))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Saving again over the same directory replaces it.
	require.NoError(t, loaded.Save(saveDir))
	_, err = New("", saveDir)
	require.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	require.ErrorIs(t, err, ErrModelLoad)

	// Directory without config.json.
	dir := writeTestModel(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "config.json")))
	_, err = Load(dir)
	require.ErrorIs(t, err, ErrModelLoad)

	// Malformed config.json.
	dir = writeTestModel(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0644))
	_, err = Load(dir)
	require.ErrorIs(t, err, ErrModelLoad)
}

func TestEvalIsIdempotent(t *testing.T) {
	h := loadTestModel(t)
	corpusPath := writeTestCorpus(t)
	weights := modelWeights(t, h)

	args := DefaultEvalArgs()
	args.LineByLine = true
	args.MLMProbability = 0.15
	first, err := h.Eval(corpusPath, args)
	require.NoError(t, err)
	second, err := h.Eval(corpusPath, args)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 12, first.Examples)
	assert.Greater(t, first.MaskedTokens, 0)
	assert.Greater(t, first.Loss, 0.0)
	assertSameWeights(t, weights, modelWeights(t, h))
}

func TestTrainReducesLoss(t *testing.T) {
	h := loadTestModel(t)
	corpusPath := writeTestCorpus(t)

	evalArgs := DefaultEvalArgs()
	evalArgs.LineByLine = true
	evalArgs.MLMProbability = 0.15
	before, err := h.Eval(corpusPath, evalArgs)
	require.NoError(t, err)

	trainArgs, err := ParseTrainArgs(map[string]any{
		"learning_rate":   0.05,
		"epochs":          20,
		"batch_size":      4,
		"line_by_line":    true,
		"mlm_probability": 0.15,
	})
	require.NoError(t, err)
	require.NoError(t, h.Train(corpusPath, trainArgs))

	after, err := h.Eval(corpusPath, evalArgs)
	require.NoError(t, err)
	assert.Less(t, after.Loss, before.Loss)
}

func TestTrainAgainMatchesReload(t *testing.T) {
	corpusPath := writeTestCorpus(t)
	trainArgs, err := ParseTrainArgs(map[string]any{
		"learning_rate":   0.01,
		"epochs":          2,
		"batch_size":      4,
		"line_by_line":    true,
		"mlm_probability": 0.15,
	})
	require.NoError(t, err)

	trained := loadTestModel(t)
	require.NoError(t, trained.Train(corpusPath, trainArgs))
	saveDir := filepath.Join(t.TempDir(), "saved")
	require.NoError(t, trained.Save(saveDir))
	reloaded, err := Load(saveDir)
	require.NoError(t, err)

	// A second Train starts with a fresh optimizer, as does training the reloaded copy.
	require.NoError(t, trained.Train(corpusPath, trainArgs))
	require.NoError(t, reloaded.Train(corpusPath, trainArgs))
	assertSameWeights(t, modelWeights(t, trained), modelWeights(t, reloaded))

	evalArgs := DefaultEvalArgs()
	evalArgs.LineByLine = true
	want, err := trained.Eval(corpusPath, evalArgs)
	require.NoError(t, err)
	got, err := reloaded.Eval(corpusPath, evalArgs)
	require.NoError(t, err)
	assert.InDelta(t, want.Loss, got.Loss, 1e-5)

	text := "please pass the salt and [MASK] ."
	wantPredictions, err := trained.PredictMask(text, TopK(3))
	require.NoError(t, err)
	gotPredictions, err := reloaded.PredictMask(text, TopK(3))
	require.NoError(t, err)
	require.Len(t, gotPredictions, 3)
	for ii := range wantPredictions {
		assert.Equal(t, wantPredictions[ii].Token, gotPredictions[ii].Token)
		assert.InDelta(t, wantPredictions[ii].Score, gotPredictions[ii].Score, 1e-6)
	}
}

func TestTrainErrors(t *testing.T) {
	h := loadTestModel(t)
	corpusPath := writeTestCorpus(t)

	args := DefaultTrainArgs()
	args.BatchSize = 0
	require.ErrorIs(t, h.Train(corpusPath, args), ErrInvalidConfig)

	args = DefaultTrainArgs()
	require.ErrorIs(t, h.Train(filepath.Join(t.TempDir(), "missing.txt"), args), ErrDataNotFound)

	emptyPath := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(emptyPath, []byte("\n\n"), 0644))
	require.ErrorIs(t, h.Train(emptyPath, args), ErrDataNotFound)
	_, err := h.Eval(emptyPath, DefaultEvalArgs())
	require.ErrorIs(t, err, ErrDataNotFound)
}

func TestBuildSequences(t *testing.T) {
	h := loadTestModel(t)
	args := DefaultDataArgs()
	args.BlockSize = 5

	// Concatenated and split in windows of 3 tokens plus [CLS] and [SEP]; the remainder is kept.
	sequences := h.buildSequences([]string{"the cat sat", "on the mat ."}, &args)
	assert.Equal(t, [][]int{{2, 5, 6, 8, 3}, {2, 9, 5, 10, 3}, {2, 16, 3}}, sequences)

	args.LineByLine = true
	sequences = h.buildSequences([]string{"the cat sat on the mat", "", "cats"}, &args)
	assert.Equal(t, [][]int{{2, 5, 6, 8, 3}, {2, 6, 17, 3}}, sequences)

	// block_size is limited to the model's maximum sequence length.
	args.BlockSize = 1000
	sequences = h.buildSequences([]string{strings.Repeat("the cat ", 40)}, &args)
	require.Len(t, sequences, 2)
	assert.Len(t, sequences[0], 64)
	assert.Len(t, sequences[1], 80-62+2)
}

func TestPredictMaskTooLong(t *testing.T) {
	h := loadTestModel(t)
	_, err := h.PredictMask(strings.Repeat("the cat ", 31)+"[MASK]", TopK(1))
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = h.PredictMask(strings.Repeat("the cat ", 30)+"[MASK]", TopK(1))
	require.NoError(t, err)
}

// unreachableSource is a model source whose file listing fails, the way a Hub repository does
// when the Hub can't be reached and nothing is cached.
type unreachableSource struct {
	hub.LocalDir
}

func (unreachableSource) IterFileNames() func(yield func(string, error) bool) {
	return func(yield func(string, error) bool) {
		yield("", errors.New("connection refused"))
	}
}

func (unreachableSource) HasFile(string) bool { return false }

func TestNewSourceErrors(t *testing.T) {
	src := unreachableSource{hub.LocalDir(writeTestModel(t))}
	_, err := newHandle(BERT, src, newOptions(nil))
	require.ErrorIs(t, err, ErrModelLoad)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "config.json")
}

func TestParquetCorpusAndPreprocessedData(t *testing.T) {
	h := loadTestModel(t)
	dir := t.TempDir()
	corpusPath := filepath.Join(dir, "corpus.parquet")
	require.NoError(t, writeParquetCorpus(corpusPath, []string{
		"the cat sat on the mat .",
		"please pass the salt and pepper .",
	}))

	preprocessedPath := filepath.Join(dir, "cache", "sequences.parquet")
	args := DefaultEvalArgs()
	args.LineByLine = true
	args.SavePreprocessedData = true
	args.SavePreprocessedDataPath = preprocessedPath
	fromCorpus, err := h.Eval(corpusPath, args)
	require.NoError(t, err)
	assert.Equal(t, 2, fromCorpus.Examples)
	require.True(t, files.Exists(preprocessedPath))

	args = DefaultEvalArgs()
	args.LoadPreprocessedData = true
	args.LoadPreprocessedDataPath = preprocessedPath
	fromCache, err := h.Eval("", args)
	require.NoError(t, err)
	assert.Equal(t, fromCorpus, fromCache)
}

func writeParquetCorpus(filePath string, texts []string) error {
	rows := make([]textRow, len(texts))
	for ii, text := range texts {
		rows[ii].Text = text
	}
	return parquet.WriteFile(filePath, rows)
}

// TestHubModel downloads distilbert-base-uncased from the HuggingFace Hub.
func TestHubModel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that downloads a model from the Hub")
	}
	h, err := New("DISTILBERT", "distilbert-base-uncased")
	if err != nil {
		t.Skipf("failed to load distilbert-base-uncased from the Hub, skipping: %+v", err)
	}
	predictions, err := h.PredictMask("Please pass the salt and [MASK]", TopK(2))
	require.NoError(t, err)
	require.Len(t, predictions, 2)
	t.Logf("predictions: %v", predictions)
	assert.Equal(t, "pepper", predictions[0].Token)
	assert.InDelta(t, 0.2665, predictions[0].Score, 0.01)
	assert.Equal(t, "vinegar", predictions[1].Token)

	targets, err := h.PredictMask("Please pass the salt and [MASK]", Targets("pepper", "vinegar"))
	require.NoError(t, err)
	assert.InDelta(t, predictions[0].Score, targets[0].Score, 1e-9)
	assert.InDelta(t, predictions[1].Score, targets[1].Score, 1e-9)
}
