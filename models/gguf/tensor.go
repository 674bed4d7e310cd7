package gguf

import (
	"math"
	"math/bits"
	"slices"

	"github.com/pkg/errors"
)

// TensorInfo holds the descriptor of a single tensor in a GGUF file.
type TensorInfo struct {
	Name string
	// Shape is the logical shape, outermost dimension first (row-major).
	// The file stores the dimensions in the reverse order, see Dims.
	Shape []uint64
	Type  TensorType
	// Offset is the byte offset of the payload relative to the start of the data section.
	Offset uint64
	// Size is the payload byte length.
	Size uint64
}

// NumElements returns the total number of elements in the tensor.
// A tensor without dimensions is a scalar with one element.
func (ti *TensorInfo) NumElements() uint64 {
	n, _ := numElements(ti.Shape)
	return n
}

// NumBytes returns the number of bytes the payload occupies according to its type.
// It returns 0 for unknown types.
func (ti *TensorInfo) NumBytes() uint64 {
	n, err := ByteSize(ti.Type, ti.NumElements())
	if err != nil {
		return 0
	}
	return n
}

// Dims returns the dimensions in file order: innermost dimension first.
func (ti *TensorInfo) Dims() []uint64 {
	dims := slices.Clone(ti.Shape)
	slices.Reverse(dims)
	return dims
}

// AbsoluteOffset returns the offset of the payload from the start of the file,
// given the offset of the data section.
func (ti *TensorInfo) AbsoluteOffset(dataOffset int64) int64 {
	return dataOffset + int64(ti.Offset)
}

// numElements multiplies the dimensions, failing on overflow.
func numElements(shape []uint64) (uint64, error) {
	n := uint64(1)
	for _, d := range shape {
		hi, lo := bits.Mul64(n, d)
		if hi != 0 {
			return 0, errors.Wrapf(ErrOversizedLength, "element count of shape %v", shape)
		}
		n = lo
	}
	return n, nil
}

// ByteSize returns the payload length of n elements of type t:
// ceil(n / blockSize) * typeSize.
func ByteSize(t TensorType, n uint64) (uint64, error) {
	traits, ok := tensorTypes[t]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownTypeTag, "tensor type %d", uint32(t))
	}
	bs := uint64(traits.blockSize)
	blocks := n / bs
	if n%bs != 0 {
		blocks++
	}
	hi, size := bits.Mul64(blocks, uint64(traits.typeSize))
	if hi != 0 || size > math.MaxInt64 {
		return 0, errors.Wrapf(ErrOversizedLength, "%d elements of type %s", n, t)
	}
	return size, nil
}

// ShapeByteSize returns the payload length of a tensor of the given type and logical shape.
func ShapeByteSize(t TensorType, shape []uint64) (uint64, error) {
	n, err := numElements(shape)
	if err != nil {
		return 0, err
	}
	return ByteSize(t, n)
}
