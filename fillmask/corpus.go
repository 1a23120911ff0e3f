package fillmask

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TextColumn is the column read from Parquet corpora.
const TextColumn = "text"

// textRow is a row of a Parquet corpus: only the "text" column is read.
type textRow struct {
	Text string `parquet:"text"`
}

// sequenceRow is a row of the preprocessed data file: the token ids of one example, with
// special tokens.
type sequenceRow struct {
	InputIDs []int32 `parquet:"input_ids"`
}

// readCorpus returns the documents of a corpus: the lines of a text file (or its whole content) or
// the values of the "text" column of a Parquet file.
func readCorpus(dataPath string, lineByLine bool) ([]string, error) {
	info, err := os.Stat(dataPath)
	if err != nil {
		return nil, wrapAs(ErrDataNotFound, err, "corpus %q", dataPath)
	}
	if info.IsDir() {
		return nil, errors.Wrapf(ErrDataNotFound, "corpus %q is a directory", dataPath)
	}

	var documents []string
	if strings.EqualFold(filepath.Ext(dataPath), ".parquet") {
		rows, err := parquet.ReadFile[textRow](dataPath)
		if err != nil {
			return nil, wrapAs(ErrDataNotFound, err, "failed to read Parquet corpus %q (column %q)", dataPath, TextColumn)
		}
		documents = make([]string, 0, len(rows))
		for _, row := range rows {
			documents = append(documents, row.Text)
		}
	} else {
		content, err := os.ReadFile(dataPath)
		if err != nil {
			return nil, wrapAs(ErrDataNotFound, err, "failed to read corpus %q", dataPath)
		}
		documents = []string{string(content)}
	}

	if !lineByLine {
		return documents, nil
	}
	var lines []string
	for _, document := range documents {
		for line := range strings.Lines(document) {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
	}
	return lines, nil
}

// blockSize returns args.BlockSize, limited to the longest sequence the model accepts.
func (h *Handle) blockSize(args *DataArgs) int {
	maxLength := h.model.MaxSequenceLength()
	if args.BlockSize > maxLength {
		klog.Warningf("block_size=%d is larger than the model's maximum sequence length, using %d", args.BlockSize, maxLength)
		return maxLength
	}
	return args.BlockSize
}

// buildSequences tokenizes the documents into sequences of at most args.BlockSize tokens (and at
// most the model's maximum sequence length), special tokens included.
//
// With args.LineByLine each document is one sequence, truncated if needed. Otherwise all
// documents are concatenated and split into consecutive windows; the last one may be shorter.
func (h *Handle) buildSequences(documents []string, args *DataArgs) [][]int {
	blockSize := h.blockSize(args)
	maxTokens := blockSize - h.numSpecialTokens()
	if maxTokens < 1 {
		maxTokens = 1
	}
	var sequences [][]int
	if args.LineByLine {
		truncated := 0
		for _, document := range documents {
			ids := h.encode(document)
			if len(ids) == 0 {
				continue
			}
			if len(ids) > maxTokens {
				ids = ids[:maxTokens]
				truncated++
			}
			sequences = append(sequences, h.wrapSequence(ids))
		}
		if truncated > 0 {
			klog.V(1).Infof("%d lines truncated to block_size=%d tokens", truncated, blockSize)
		}
		return sequences
	}

	var all []int
	for _, document := range documents {
		all = append(all, h.encode(document)...)
	}
	for start := 0; start < len(all); start += maxTokens {
		end := min(start+maxTokens, len(all))
		sequences = append(sequences, h.wrapSequence(all[start:end]))
	}
	return sequences
}

// loadSequences returns the tokenized examples for training or evaluation, either from the
// corpus at dataPath or from previously preprocessed data.
func (h *Handle) loadSequences(dataPath string, args *DataArgs) ([][]int, error) {
	var sequences [][]int
	if args.LoadPreprocessedData {
		var err error
		sequences, err = readPreprocessed(args.LoadPreprocessedDataPath, h.model.Config.VocabSize)
		if err != nil {
			return nil, err
		}
		maxLength := h.model.MaxSequenceLength()
		for ii, seq := range sequences {
			if len(seq) > maxLength {
				return nil, errors.Wrapf(ErrInvalidConfig, "preprocessed sequence %d has %d tokens, the model accepts at most %d",
					ii, len(seq), maxLength)
			}
		}
		klog.V(1).Infof("read %d preprocessed sequences from %s", len(sequences), args.LoadPreprocessedDataPath)
	} else {
		documents, err := readCorpus(dataPath, args.LineByLine)
		if err != nil {
			return nil, err
		}
		sequences = h.buildSequences(documents, args)
		klog.V(1).Infof("tokenized %d documents of %s into %d sequences", len(documents), dataPath, len(sequences))
	}
	if len(sequences) == 0 {
		return nil, errors.Wrapf(ErrDataNotFound, "no examples in corpus %q", dataPath)
	}
	if args.SavePreprocessedData {
		if err := writePreprocessed(args.SavePreprocessedDataPath, sequences); err != nil {
			return nil, err
		}
	}
	return sequences, nil
}

// writePreprocessed saves the tokenized sequences to a Parquet file.
func writePreprocessed(filePath string, sequences [][]int) error {
	rows := make([]sequenceRow, len(sequences))
	for ii, seq := range sequences {
		rows[ii].InputIDs = make([]int32, len(seq))
		for jj, id := range seq {
			rows[ii].InputIDs[jj] = int32(id)
		}
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory for preprocessed data %q", filePath)
		}
	}
	if err := parquet.WriteFile(filePath, rows); err != nil {
		return errors.Wrapf(err, "failed to write preprocessed data to %q", filePath)
	}
	klog.V(1).Infof("saved %d preprocessed sequences to %s", len(rows), filePath)
	return nil
}

// readPreprocessed reads the sequences saved by writePreprocessed. Ids must be valid for a
// vocabulary of vocabSize tokens.
func readPreprocessed(filePath string, vocabSize int) ([][]int, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, wrapAs(ErrDataNotFound, err, "preprocessed data %q", filePath)
	}
	rows, err := parquet.ReadFile[sequenceRow](filePath)
	if err != nil {
		return nil, wrapAs(ErrDataNotFound, err, "failed to read preprocessed data %q", filePath)
	}
	sequences := make([][]int, 0, len(rows))
	for rowIdx, row := range rows {
		if len(row.InputIDs) == 0 {
			continue
		}
		seq := make([]int, len(row.InputIDs))
		for ii, id := range row.InputIDs {
			if id < 0 || int(id) >= vocabSize {
				return nil, errors.Wrapf(ErrInvalidConfig, "preprocessed data %q row %d has token id %d, out of range for vocabulary size %d",
					filePath, rowIdx, id, vocabSize)
			}
			seq[ii] = int(id)
		}
		sequences = append(sequences, seq)
	}
	return sequences, nil
}
