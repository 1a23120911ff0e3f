package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// MaxHeaderSize is a sanity limit on the size of the JSON header of a .safetensors file.
const MaxHeaderSize = 100 * 1024 * 1024

// Header represents the JSON header of a safetensors file.
type Header struct {
	Tensors  map[string]*TensorMetadata // Tensor name -> metadata
	Metadata map[string]string          // Optional __metadata__ field
}

// TensorMetadata represents metadata for a single tensor in a safetensors file.
type TensorMetadata struct {
	Name        string   `json:"-"`            // Tensor name (from map key)
	Dtype       string   `json:"dtype"`        // Data type: F32, F16, BF16, I64, etc.
	Shape       []int    `json:"shape"`        // Tensor dimensions
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end) byte offsets, relative to the data section
}

// Size returns the number of elements of the tensor.
func (tm *TensorMetadata) Size() int {
	size := 1
	for _, dim := range tm.Shape {
		size *= dim
	}
	return size
}

// ParseHeader reads and parses the header from a safetensors file.
// It returns the header and the file offset where the tensor data starts.
//
// Safetensor format:
//
//	[8 bytes: header size as little-endian u64]
//	[header_size bytes: JSON header]
//	[remaining bytes: tensor data]
func ParseHeader(path string) (*Header, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to open file %s", path)
	}
	defer f.Close()
	return readHeader(f)
}

func readHeader(r io.Reader) (*Header, int64, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header size")
	}
	if headerSize > MaxHeaderSize {
		return nil, 0, errors.Errorf("header size too large: %d bytes", headerSize)
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, 0, errors.Wrap(err, "failed to read header JSON")
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, 0, errors.Wrap(err, "failed to parse header JSON")
	}
	header := &Header{
		Tensors:  make(map[string]*TensorMetadata, len(rawHeader)),
		Metadata: make(map[string]string),
	}
	for key, value := range rawHeader {
		if key == "__metadata__" {
			if err := json.Unmarshal(value, &header.Metadata); err != nil {
				return nil, 0, errors.Wrap(err, "failed to parse __metadata__")
			}
			continue
		}
		var tm TensorMetadata
		if err := json.Unmarshal(value, &tm); err != nil {
			return nil, 0, errors.Wrapf(err, "failed to parse tensor metadata for %s", key)
		}
		if tm.DataOffsets[1] < tm.DataOffsets[0] || tm.DataOffsets[0] < 0 {
			return nil, 0, errors.Errorf("tensor %s has invalid data offsets %v", key, tm.DataOffsets)
		}
		tm.Name = key
		header.Tensors[key] = &tm
	}
	return header, int64(8 + headerSize), nil
}

func dtypeToGoMLX(stDtype string) (dtypes.DType, error) {
	dtype, found := dtypes.MapOfNames[strings.ToLower(stDtype)]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("dtype %q not supported", stDtype)
	}
	return dtype, nil
}
