package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Float32Tensor is a named float32 tensor to be written with WriteFile.
type Float32Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// WriteFile writes the tensors as F32 into a .safetensors file, with the optional metadata.
// Tensors are laid out in name order, and the header is padded with spaces to a multiple of 8 bytes.
func WriteFile(filePath string, tensorsToWrite []Float32Tensor, metadata map[string]string) error {
	sorted := slices.Clone(tensorsToWrite)
	slices.SortFunc(sorted, func(a, b Float32Tensor) int { return strings.Compare(a.Name, b.Name) })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for ii, t := range sorted {
		if ii > 0 && sorted[ii-1].Name == t.Name {
			return errors.Errorf("duplicate tensor name %q", t.Name)
		}
		meta := TensorMetadata{Dtype: "F32", Shape: t.Shape}
		if meta.Size() != len(t.Data) {
			return errors.Errorf("tensor %s has shape %v but %d values", t.Name, t.Shape, len(t.Data))
		}
		if meta.Shape == nil {
			meta.Shape = []int{}
		}
		size := int64(4 * len(t.Data))
		meta.DataOffsets = [2]int64{offset, offset + size}
		header[t.Name] = meta
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to serialize safetensors header")
	}
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	var buf bytes.Buffer
	buf.Grow(8 + len(headerBytes) + int(offset))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(headerBytes)))
	buf.Write(headerBytes)
	var word [4]byte
	for _, t := range sorted {
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
			buf.Write(word[:])
		}
	}
	if err := os.WriteFile(filePath, buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", filePath)
	}
	return nil
}
