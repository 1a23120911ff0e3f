package fillmask

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/go-fillmask/hub"
	"github.com/gomlx/go-fillmask/models/maskedlm"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Family of pretrained masked language models.
type Family int

const (
	// Auto detects the family from the "model_type" field of the model's config.json.
	Auto Family = iota
	BERT
	DistilBERT
	ALBERT
	RoBERTa
	XLMRoBERTa
)

var familyNames = map[Family]string{
	Auto:       "",
	BERT:       "BERT",
	DistilBERT: "DISTILBERT",
	ALBERT:     "ALBERT",
	RoBERTa:    "ROBERTA",
	XLMRoBERTa: "XLM-ROBERTA",
}

// String implements fmt.Stringer. It returns the same tag accepted by ParseFamily.
func (f Family) String() string {
	if name, found := familyNames[f]; found {
		if name == "" {
			return "AUTO"
		}
		return name
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// ParseFamily converts a model type tag ("BERT", "DISTILBERT", "ALBERT", "ROBERTA",
// "XLM-ROBERTA", or "" / "AUTO" to detect it) to a Family. The tag is case-insensitive.
func ParseFamily(modelType string) (Family, error) {
	tag := strings.ToUpper(strings.TrimSpace(modelType))
	if tag == "AUTO" {
		return Auto, nil
	}
	for family, name := range familyNames {
		if name == tag {
			return family, nil
		}
	}
	return Auto, errors.Wrapf(ErrInvalidConfig, "unknown model type %q", modelType)
}

// familySpec holds what differs between model families.
type familySpec struct {
	family Family

	// modelTypes are the values of config.json "model_type" for the family; the first one is written
	// when saving.
	modelTypes   []string
	architecture string

	// layout of the encoder weights and computation.
	layout maskedlm.Layout

	// maskToken used by the family's tokenizers, when not given by the tokenizer itself.
	maskToken string

	// prefixSpace is set for byte-level BPE tokenizers, where the tokens for words preceded by a
	// space ("Ġword") differ from the ones at the start of the text.
	prefixSpace bool
}

var familySpecs = map[Family]*familySpec{
	BERT: {
		family:       BERT,
		modelTypes:   []string{"bert"},
		architecture: "BertForMaskedLM",
		layout:       maskedlm.BERT,
		maskToken:    "[MASK]",
	},
	DistilBERT: {
		family:       DistilBERT,
		modelTypes:   []string{"distilbert"},
		architecture: "DistilBertForMaskedLM",
		layout:       maskedlm.DistilBERT,
		maskToken:    "[MASK]",
	},
	ALBERT: {
		family:       ALBERT,
		modelTypes:   []string{"albert"},
		architecture: "AlbertForMaskedLM",
		layout:       maskedlm.ALBERT,
		maskToken:    "[MASK]",
	},
	RoBERTa: {
		family:       RoBERTa,
		modelTypes:   []string{"roberta", "camembert"},
		architecture: "RobertaForMaskedLM",
		layout:       maskedlm.RoBERTa,
		maskToken:    "<mask>",
		prefixSpace:  true,
	},
	XLMRoBERTa: {
		family:       XLMRoBERTa,
		modelTypes:   []string{"xlm-roberta"},
		architecture: "XLMRobertaForMaskedLM",
		layout:       maskedlm.RoBERTa,
		maskToken:    "<mask>",
	},
}

// modelConfig is the subset of a HuggingFace config.json used to pick the family. The encoder
// hyperparameters are parsed from content by maskedlm.ParseConfig.
type modelConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures,omitempty"`

	content []byte
}

const modelConfigFileName = "config.json"

// readModelConfig reads config.json from the source. It returns nil, without error, if there is
// no config.json.
func readModelConfig(src hub.Source) (*modelConfig, error) {
	found, err := hub.FileExists(src, modelConfigFileName)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	localPath, err := src.DownloadFile(modelConfigFileName)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %s", modelConfigFileName)
	}
	content, err := os.ReadFile(localPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", localPath)
	}
	config := modelConfig{content: content}
	if err := json.Unmarshal(content, &config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", localPath)
	}
	return &config, nil
}

// resolveFamily returns the spec for the family. For Auto, it's detected from config's model_type.
// If the family is explicit and config.json declares a different family, a warning is logged and
// the explicit family is used.
func resolveFamily(family Family, config *modelConfig) (*familySpec, error) {
	var detected *familySpec
	if config != nil && config.ModelType != "" {
		for _, spec := range familySpecs {
			for _, modelType := range spec.modelTypes {
				if strings.EqualFold(modelType, config.ModelType) {
					detected = spec
				}
			}
		}
	}
	if family == Auto {
		if detected == nil {
			if config == nil {
				return nil, errors.Errorf("can't detect the model family: no %s found, give the model type explicitly", modelConfigFileName)
			}
			return nil, errors.Errorf("can't detect the model family: model_type %q not supported", config.ModelType)
		}
		return detected, nil
	}
	spec, found := familySpecs[family]
	if !found {
		return nil, errors.Wrapf(ErrInvalidConfig, "unsupported model family %s", family)
	}
	if detected != nil && detected != spec {
		klog.Warningf("model type %s given, but %s declares model_type %q: using %s", family, modelConfigFileName, config.ModelType, family)
	}
	return spec, nil
}
