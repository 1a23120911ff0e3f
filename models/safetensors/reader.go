package safetensors

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// File is a memory-mapped .safetensors file. Tensor data is only paged in when read.
type File struct {
	Path       string
	Header     *Header
	dataOffset int64
	f          *os.File
	data       mmap.MMap
}

// Open memory-maps a .safetensors file and parses its header.
// The returned File must be closed after use.
func Open(path string) (*File, error) {
	header, dataOffset, err := ParseHeader(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse header for %s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to mmap %s", path)
	}
	sf := &File{Path: path, Header: header, dataOffset: dataOffset, f: f, data: data}
	for name, meta := range header.Tensors {
		if dataOffset+meta.DataOffsets[1] > int64(len(data)) {
			_ = sf.Close()
			return nil, errors.Errorf("tensor %s data (offsets %v) beyond the end of %s", name, meta.DataOffsets, path)
		}
	}
	return sf, nil
}

// Close unmaps and closes the file.
func (sf *File) Close() error {
	errUnmap := sf.data.Unmap()
	errClose := sf.f.Close()
	if errUnmap != nil {
		return errors.Wrapf(errUnmap, "failed to unmap %s", sf.Path)
	}
	if errClose != nil {
		return errors.Wrapf(errClose, "failed to close %s", sf.Path)
	}
	return nil
}

// TensorBytes returns the raw bytes of the tensor. The slice points to the memory-mapped file,
// and it is only valid until the File is closed.
func (sf *File) TensorBytes(tensorName string) ([]byte, *TensorMetadata, error) {
	meta, ok := sf.Header.Tensors[tensorName]
	if !ok {
		return nil, nil, errors.Errorf("tensor %s not found", tensorName)
	}
	start, end := sf.dataOffset+meta.DataOffsets[0], sf.dataOffset+meta.DataOffsets[1]
	return sf.data[start:end], meta, nil
}

// ReadTensor reads a tensor by name from the memory-mapped file into a GoMLX tensor.
func (sf *File) ReadTensor(tensorName string) (*tensors.Tensor, error) {
	raw, meta, err := sf.TensorBytes(tensorName)
	if err != nil {
		return nil, err
	}
	dtype, err := dtypeToGoMLX(meta.Dtype)
	if err != nil {
		return nil, err
	}
	t := tensors.FromShape(shapes.Make(dtype, meta.Shape...))
	var readErr error
	t.MutableBytes(func(data []byte) {
		if len(data) != len(raw) {
			readErr = errors.Errorf("tensor %s of shape %s expected %d bytes, but got %d bytes",
				tensorName, t.Shape(), len(data), len(raw))
			return
		}
		copy(data, raw)
	})
	if readErr != nil {
		return nil, readErr
	}
	return t, nil
}

// ReadFloat32 reads a floating point tensor (F32, F16, BF16 or F64) converted to float32,
// along with its shape.
func (sf *File) ReadFloat32(tensorName string) ([]float32, []int, error) {
	raw, meta, err := sf.TensorBytes(tensorName)
	if err != nil {
		return nil, nil, err
	}
	n := meta.Size()
	var elementSize int
	var decode func(b []byte) float32
	switch meta.Dtype {
	case "F32":
		elementSize = 4
		decode = func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
	case "F64":
		elementSize = 8
		decode = func(b []byte) float32 { return float32(math.Float64frombits(binary.LittleEndian.Uint64(b))) }
	case "F16":
		elementSize = 2
		decode = func(b []byte) float32 { return Float16ToFloat32(binary.LittleEndian.Uint16(b)) }
	case "BF16":
		elementSize = 2
		decode = func(b []byte) float32 { return BFloat16ToFloat32(binary.LittleEndian.Uint16(b)) }
	default:
		return nil, nil, errors.Errorf("tensor %s has dtype %s, not a supported float type", tensorName, meta.Dtype)
	}
	if len(raw) != n*elementSize {
		return nil, nil, errors.Errorf("tensor %s of shape %v and dtype %s expected %d bytes, but got %d bytes",
			tensorName, meta.Shape, meta.Dtype, n*elementSize, len(raw))
	}
	values := make([]float32, n)
	for ii := range values {
		values[ii] = decode(raw[ii*elementSize:])
	}
	return values, meta.Shape, nil
}

// BFloat16ToFloat32 converts a bfloat16 value (the upper 16 bits of a float32) to float32.
func BFloat16ToFloat32(bits uint16) float32 {
	return math.Float32frombits(uint32(bits) << 16)
}

// Float16ToFloat32 converts an IEEE 754 half precision value to float32.
func Float16ToFloat32(bits uint16) float32 {
	sign := uint32(bits>>15) << 31
	exponent := uint32(bits>>10) & 0x1F
	mantissa := uint32(bits) & 0x3FF
	switch {
	case exponent == 0 && mantissa == 0:
		return math.Float32frombits(sign)
	case exponent == 0:
		// Subnormal: normalize the mantissa.
		exponent = 127 - 15 + 1
		for mantissa&0x400 == 0 {
			mantissa <<= 1
			exponent--
		}
		mantissa &= 0x3FF
		return math.Float32frombits(sign | exponent<<23 | mantissa<<13)
	case exponent == 0x1F:
		return math.Float32frombits(sign | 0x7F800000 | mantissa<<13)
	default:
		return math.Float32frombits(sign | (exponent+127-15)<<23 | mantissa<<13)
	}
}
