// Package safetensors reads and writes weights in the safetensors format, from a single file or
// from a model split across multiple files (sharded) in a HuggingFace repository.
//
// Example:
//
//	repo := hub.New(modelID).WithAuth(hfAuthToken)
//	model, err := safetensors.New(repo)
//	if err != nil {
//		panic(err)
//	}
//	embeddings, shape, err := model.ReadFloat32("bert.embeddings.word_embeddings.weight")
//
// Or iterate over the tensors of the model as GoMLX tensors:
//
//	for tensorAndName, err := range model.IterTensors() {
//		if err != nil {
//			panic(err)
//		}
//		fmt.Printf("- Tensor %s: shape=%s\n", tensorAndName.Name, tensorAndName.Tensor.Shape())
//	}
package safetensors

import (
	"cmp"
	"encoding/json"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/gomlx/go-fillmask/hub"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// FileName is the conventional name of a single-file model.
const FileName = "model.safetensors"

// IndexFileNames are the names of the index of a sharded model.
var IndexFileNames = []string{"model.safetensors.index.json", "pytorch_model.safetensors.index.json"}

// Model represents a model (possibly split across multiple safetensor files).
type Model struct {
	Source    hub.Source
	IndexFile string
	Index     *ShardedModelIndex
	Headers   map[string]*Header // ".safetensors" filename -> parsed header
}

// ShardedModelIndex represents a model.safetensors.index.json file for sharded models.
type ShardedModelIndex struct {
	Metadata  map[string]any    `json:"metadata"`   // Model metadata
	WeightMap map[string]string `json:"weight_map"` // Tensor name -> filename
}

// TensorAndName holds a tensor name and its GoMLX tensor data.
type TensorAndName struct {
	Name   string
	Tensor *tensors.Tensor
}

// HasWeights returns whether the source holds safetensors weights.
func HasWeights(src hub.Source) bool {
	for name, err := range src.IterFileNames() {
		if err != nil {
			return false
		}
		if strings.HasSuffix(name, ".safetensors") {
			return true
		}
	}
	return false
}

// New creates a Model and loads the index of tensors from the source safetensors file(s).
// If err is nil, it's ready to be used.
func New(src hub.Source) (*Model, error) {
	m := &Model{Source: src, Headers: make(map[string]*Header)}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) load() error {
	for _, indexName := range IndexFileNames {
		found, err := hub.FileExists(m.Source, indexName)
		if err != nil {
			return err
		}
		if found {
			return m.loadSharded(indexName)
		}
	}
	fileName := ""
	found, err := hub.FileExists(m.Source, FileName)
	if err != nil {
		return err
	}
	if found {
		fileName = FileName
	} else {
		for name, err := range m.Source.IterFileNames() {
			if err != nil {
				return err
			}
			if strings.HasSuffix(name, ".safetensors") {
				fileName = name
				break
			}
		}
	}
	if fileName == "" {
		return errors.Errorf("no .safetensors files found in %s", m.Source)
	}
	header, err := m.header(fileName)
	if err != nil {
		return err
	}
	m.Index = &ShardedModelIndex{WeightMap: make(map[string]string, len(header.Tensors))}
	for tensorName := range header.Tensors {
		m.Index.WeightMap[tensorName] = fileName
	}
	return nil
}

func (m *Model) loadSharded(indexName string) error {
	localPath, err := m.Source.DownloadFile(indexName)
	if err != nil {
		return errors.WithMessagef(err, "failed to download %s", indexName)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", localPath)
	}
	var index ShardedModelIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return errors.Wrap(err, "failed to parse sharded model index")
	}
	// Shards are relative to the index file.
	if dir := path.Dir(indexName); dir != "." {
		for tensorName, shard := range index.WeightMap {
			index.WeightMap[tensorName] = path.Join(dir, shard)
		}
	}
	m.IndexFile = indexName
	m.Index = &index
	return nil
}

// header returns the (cached) header of one of the model files, downloading it if needed.
func (m *Model) header(fileName string) (*Header, error) {
	if header, found := m.Headers[fileName]; found {
		return header, nil
	}
	localPath, err := m.Source.DownloadFile(fileName)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %s", fileName)
	}
	header, _, err := ParseHeader(localPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse header for %s", fileName)
	}
	m.Headers[fileName] = header
	return header, nil
}

// ListTensorNames returns all tensor names in the model, sorted.
func (m *Model) ListTensorNames() []string {
	names := make([]string, 0, len(m.Index.WeightMap))
	for name := range m.Index.WeightMap {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// HasTensor returns whether the model has a tensor with the given name.
func (m *Model) HasTensor(tensorName string) bool {
	_, found := m.Index.WeightMap[tensorName]
	return found
}

// GetTensorFilename returns the filename containing a specific tensor.
func (m *Model) GetTensorFilename(tensorName string) (string, error) {
	filename, ok := m.Index.WeightMap[tensorName]
	if !ok {
		return "", errors.Errorf("tensor %s not found in weight map", tensorName)
	}
	return filename, nil
}

// GetTensorMetadata returns metadata for a specific tensor without loading data.
func (m *Model) GetTensorMetadata(tensorName string) (*TensorMetadata, error) {
	filename, err := m.GetTensorFilename(tensorName)
	if err != nil {
		return nil, err
	}
	header, err := m.header(filename)
	if err != nil {
		return nil, err
	}
	meta, ok := header.Tensors[tensorName]
	if !ok {
		return nil, errors.Errorf("tensor %s not found in %s", tensorName, filename)
	}
	return meta, nil
}

// open downloads and memory-maps the file holding the tensor.
func (m *Model) open(tensorName string) (*File, error) {
	filename, err := m.GetTensorFilename(tensorName)
	if err != nil {
		return nil, err
	}
	localPath, err := m.Source.DownloadFile(filename)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %s", filename)
	}
	return Open(localPath)
}

// GetTensor reads a tensor by its name, as a GoMLX tensor.
func (m *Model) GetTensor(tensorName string) (*TensorAndName, error) {
	f, err := m.open(tensorName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	tensor, err := f.ReadTensor(tensorName)
	if err != nil {
		return nil, err
	}
	return &TensorAndName{Name: tensorName, Tensor: tensor}, nil
}

// ReadFloat32 reads a floating point tensor converted to float32, along with its shape.
func (m *Model) ReadFloat32(tensorName string) ([]float32, []int, error) {
	f, err := m.open(tensorName)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()
	return f.ReadFloat32(tensorName)
}

// IterTensors returns an iterator over all tensors as GoMLX tensors.
// Each shard file is mapped once, and its tensors are read in file offset order.
func (m *Model) IterTensors() func(yield func(TensorAndName, error) bool) {
	return func(yield func(TensorAndName, error) bool) {
		shardToTensors := make(map[string][]string)
		for tensorName, fileName := range m.Index.WeightMap {
			shardToTensors[fileName] = append(shardToTensors[fileName], tensorName)
		}
		shards := make([]string, 0, len(shardToTensors))
		for shard := range shardToTensors {
			shards = append(shards, shard)
		}
		slices.Sort(shards)

		for _, shard := range shards {
			localPath, err := m.Source.DownloadFile(shard)
			if err != nil {
				yield(TensorAndName{}, errors.WithMessagef(err, "failed to download %s", shard))
				return
			}
			f, err := Open(localPath)
			if err != nil {
				yield(TensorAndName{}, err)
				return
			}
			for _, tensorName := range sortTensorsByOffset(shardToTensors[shard], f.Header) {
				tensor, err := f.ReadTensor(tensorName)
				if err != nil {
					_ = f.Close()
					yield(TensorAndName{}, err)
					return
				}
				if !yield(TensorAndName{Name: tensorName, Tensor: tensor}, nil) {
					_ = f.Close()
					return
				}
			}
			_ = f.Close()
		}
	}
}

// sortTensorsByOffset sorts tensor names by their file offset for sequential reading.
func sortTensorsByOffset(tensorNames []string, header *Header) []string {
	result := make([]string, 0, len(tensorNames))
	for _, name := range tensorNames {
		if _, ok := header.Tensors[name]; ok {
			result = append(result, name)
		}
	}
	slices.SortFunc(result, func(a, b string) int {
		return cmp.Compare(header.Tensors[a].DataOffsets[0], header.Tensors[b].DataOffsets[0])
	})
	return result
}
