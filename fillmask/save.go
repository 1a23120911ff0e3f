package fillmask

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/go-fillmask/internal/files"
	"github.com/gomlx/go-fillmask/models/safetensors"
	"github.com/gomlx/go-fillmask/tokenizers"
	"github.com/gomlx/go-fillmask/tokenizers/hftokenizer"
	"github.com/gomlx/go-fillmask/tokenizers/sentencepiece"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Save writes the model to dir, in the HuggingFace layout of its family: config.json,
// model.safetensors and the tokenizer files. The directory can be loaded back with Load, or with New.
//
// Files are first written to a staging directory next to dir and then moved into it, while holding
// a lock on "<dir>.lock". Weights and tokenizer files of a previous model in dir are removed.
// Errors are reported as ErrModelLoad.
func (h *Handle) Save(dir string) error {
	dir = filepath.Clean(files.ReplaceTildeInDir(dir))
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return wrapAs(ErrModelLoad, err, "failed to create parent directory of %q", dir)
	}
	err := files.WithLock(dir+".lock", func() error {
		staging := filepath.Join(filepath.Dir(dir), "."+filepath.Base(dir)+".staging-"+uuid.NewString())
		if err := os.Mkdir(staging, 0755); err != nil {
			return errors.Wrapf(err, "failed to create staging directory %q", staging)
		}
		defer func() {
			if err := os.RemoveAll(staging); err != nil {
				klog.Errorf("failed to remove staging directory %q: %v", staging, err)
			}
		}()
		if err := h.writeFiles(staging); err != nil {
			return err
		}
		return replaceModelFiles(staging, dir)
	})
	if err != nil {
		return wrapAs(ErrModelLoad, err, "failed to save model to %q", dir)
	}
	klog.V(1).Infof("saved %s to %s", h, dir)
	return nil
}

// configFields returns the fields of the config.json to save: the ones of the checkpoint's
// config.json, with the model type and the encoder hyperparameters in use.
func (h *Handle) configFields() (map[string]any, error) {
	fields := make(map[string]any)
	if h.config != nil && len(h.config.content) > 0 {
		if err := json.Unmarshal(h.config.content, &fields); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", modelConfigFileName)
		}
	}
	for name, value := range h.model.Config.Fields(h.family.layout) {
		fields[name] = value
	}
	fields["model_type"] = h.family.modelTypes[0]
	fields["architectures"] = []string{h.family.architecture}
	return fields, nil
}

// writeFiles writes all model files into dir.
func (h *Handle) writeFiles(dir string) error {
	fields, err := h.configFields()
	if err != nil {
		return err
	}
	content, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", modelConfigFileName)
	}
	if err := os.WriteFile(filepath.Join(dir, modelConfigFileName), content, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", modelConfigFileName)
	}
	err = h.model.SaveSafetensors(filepath.Join(dir, safetensors.FileName), map[string]string{"format": "pt"})
	if err != nil {
		return err
	}
	return h.tokenizer.Save(dir)
}

// isModelFile returns whether fileName is one of the files that define a model: a previous model's
// files are removed from the target directory, so they are not mixed with the saved ones.
func isModelFile(fileName string) bool {
	return fileName == modelConfigFileName || fileName == hftokenizer.FileName ||
		slices.Contains(tokenizers.ConfigFileNames, fileName) ||
		slices.Contains(sentencepiece.ModelFileNames, fileName) ||
		slices.Contains(safetensors.IndexFileNames, fileName) ||
		strings.HasSuffix(fileName, ".safetensors")
}

// replaceModelFiles moves the files in staging to dir, after removing the model files already in dir.
func replaceModelFiles(staging, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create %q", dir)
	}
	existing, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to list %q", dir)
	}
	for _, entry := range existing {
		if entry.IsDir() || !isModelFile(entry.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return errors.Wrapf(err, "failed to remove previous %q", entry.Name())
		}
	}
	staged, err := os.ReadDir(staging)
	if err != nil {
		return errors.Wrapf(err, "failed to list %q", staging)
	}
	for _, entry := range staged {
		if err := os.Rename(filepath.Join(staging, entry.Name()), filepath.Join(dir, entry.Name())); err != nil {
			return errors.Wrapf(err, "failed to move %q to %q", entry.Name(), dir)
		}
	}
	return nil
}
