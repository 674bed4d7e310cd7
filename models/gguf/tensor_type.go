// Package gguf reads and writes GGUF (GGML Universal Format) model files.
//
// A GGUF file is a header (magic, version, counts), an ordered list of
// metadata fields, an ordered list of tensor descriptors and, after padding to
// the file's alignment, the raw tensor payloads. Payloads are treated as
// opaque bytes: only their declared type and byte length are tracked.
//
// Example reading a local file:
//
//	f, err := gguf.Open("/path/to/model.gguf")
//	if err != nil {
//		panic(err)
//	}
//	fmt.Println(f.Architecture())
//	for _, ti := range f.TensorInfos {
//		fmt.Printf("- Tensor %s: type=%s shape=%v bytes=%d\n", ti.Name, ti.Type, ti.Shape, ti.Size)
//	}
//
// Example writing a file:
//
//	w := gguf.NewWriter("demo")
//	_ = w.AddTensor("w", []uint64{2, 3}, gguf.TensorTypeF32)
//	weights, err := w.WriteHeaders(out)
//	...
//	_ = weights.WriteTensorData(payload)
//	_ = w.Close()
package gguf

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// TensorType represents the data type or quantization format of a tensor in a GGUF file.
type TensorType uint32

const (
	TensorTypeF32  TensorType = 0
	TensorTypeF16  TensorType = 1
	TensorTypeQ4_0 TensorType = 2
	TensorTypeQ4_1 TensorType = 3
	// 4, 5 are unused/removed types.
	TensorTypeQ5_0    TensorType = 6
	TensorTypeQ5_1    TensorType = 7
	TensorTypeQ8_0    TensorType = 8
	TensorTypeQ8_1    TensorType = 9
	TensorTypeQ2_K    TensorType = 10
	TensorTypeQ3_K    TensorType = 11
	TensorTypeQ4_K    TensorType = 12
	TensorTypeQ5_K    TensorType = 13
	TensorTypeQ6_K    TensorType = 14
	TensorTypeQ8_K    TensorType = 15
	TensorTypeIQ2_XXS TensorType = 16
	TensorTypeIQ2_XS  TensorType = 17
	TensorTypeIQ3_XXS TensorType = 18
	TensorTypeIQ1_S   TensorType = 19
	TensorTypeIQ4_NL  TensorType = 20
	TensorTypeIQ3_S   TensorType = 21
	TensorTypeIQ2_S   TensorType = 22
	TensorTypeIQ4_XS  TensorType = 23
	TensorTypeI8      TensorType = 24
	TensorTypeI16     TensorType = 25
	TensorTypeI32     TensorType = 26
	TensorTypeI64     TensorType = 27
	TensorTypeF64     TensorType = 28
	TensorTypeIQ1_M   TensorType = 29
	TensorTypeBF16    TensorType = 30
	// 31-33 are unused.
	TensorTypeTQ1_0 TensorType = 34
	TensorTypeTQ2_0 TensorType = 35
	// 36-38 are unused.
	TensorTypeMXFP4 TensorType = 39
)

// tensorTypeTraits is the per-type block layout: elements per block and bytes per block.
type tensorTypeTraits struct {
	name      string
	blockSize int
	typeSize  int
}

var tensorTypes = map[TensorType]tensorTypeTraits{
	TensorTypeF32:     {"F32", 1, 4},
	TensorTypeF16:     {"F16", 1, 2},
	TensorTypeQ4_0:    {"Q4_0", 32, 2 + 32/2},         // f16 scale + 16 bytes of nibbles
	TensorTypeQ4_1:    {"Q4_1", 32, 2 + 2 + 32/2},     // f16 scale + f16 min + nibbles
	TensorTypeQ5_0:    {"Q5_0", 32, 2 + 4 + 32/2},     // f16 scale + high bits + nibbles
	TensorTypeQ5_1:    {"Q5_1", 32, 2 + 2 + 4 + 32/2}, // f16 scale + f16 min + high bits + nibbles
	TensorTypeQ8_0:    {"Q8_0", 32, 2 + 32},
	TensorTypeQ8_1:    {"Q8_1", 32, 2 + 2 + 32},
	TensorTypeQ2_K:    {"Q2_K", 256, 256/4 + 256/16 + 2 + 2},
	TensorTypeQ3_K:    {"Q3_K", 256, 256/4 + 256/8 + 12 + 2},
	TensorTypeQ4_K:    {"Q4_K", 256, 2 + 2 + 12 + 256/2},
	TensorTypeQ5_K:    {"Q5_K", 256, 2 + 2 + 12 + 256/2 + 256/8},
	TensorTypeQ6_K:    {"Q6_K", 256, 256/2 + 256/4 + 256/16 + 2},
	TensorTypeQ8_K:    {"Q8_K", 256, 4 + 256 + 256/16*2},
	TensorTypeIQ2_XXS: {"IQ2_XXS", 256, 2 + 256/8*2},
	TensorTypeIQ2_XS:  {"IQ2_XS", 256, 2 + 256/8*2 + 256/32},
	TensorTypeIQ3_XXS: {"IQ3_XXS", 256, 2 + 256/4 + 256/8},
	TensorTypeIQ1_S:   {"IQ1_S", 256, 2 + 256/8 + 256/16},
	TensorTypeIQ4_NL:  {"IQ4_NL", 32, 2 + 32/2},
	TensorTypeIQ3_S:   {"IQ3_S", 256, 2 + 256/4 + 256/8 + 256/32 + 4},
	TensorTypeIQ2_S:   {"IQ2_S", 256, 2 + 256/4 + 256/32 + 256/32},
	TensorTypeIQ4_XS:  {"IQ4_XS", 256, 2 + 2 + 256/64 + 256/2},
	TensorTypeI8:      {"I8", 1, 1},
	TensorTypeI16:     {"I16", 1, 2},
	TensorTypeI32:     {"I32", 1, 4},
	TensorTypeI64:     {"I64", 1, 8},
	TensorTypeF64:     {"F64", 1, 8},
	TensorTypeIQ1_M:   {"IQ1_M", 256, 256/8 + 256/16 + 256/32},
	TensorTypeBF16:    {"BF16", 1, 2},
	TensorTypeTQ1_0:   {"TQ1_0", 256, 2 + 4*13},
	TensorTypeTQ2_0:   {"TQ2_0", 256, 2 + 256/4},
	TensorTypeMXFP4:   {"MXFP4", 32, 1 + 32/2},
}

// String returns a human-readable name for the tensor type.
func (t TensorType) String() string {
	if traits, ok := tensorTypes[t]; ok {
		return traits.name
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// Valid reports whether t is a known tensor type.
func (t TensorType) Valid() bool {
	_, ok := tensorTypes[t]
	return ok
}

// ParseTensorType converts a type name such as "Q4_K" (case-insensitive) to a TensorType.
func ParseTensorType(name string) (TensorType, error) {
	for t, traits := range tensorTypes {
		if strings.EqualFold(traits.name, name) {
			return t, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownTypeTag, "tensor type name %q", name)
}

// BlockSize returns the number of elements per quantization block.
// Native types have a block size of 1.
// Legacy quantized types (Q4_0, Q8_0, etc.) have a block size of 32.
// K-quant types (Q2_K, Q4_K, etc.) have a block size of 256.
// Unknown types return 0.
func (t TensorType) BlockSize() int {
	return tensorTypes[t].blockSize
}

// TypeSize returns the number of bytes per quantization block.
// For native types with block size 1, this is the element size in bytes.
func (t TensorType) TypeSize() int {
	return tensorTypes[t].typeSize
}

// IsQuantized returns true if the tensor type is a block quantized format.
func (t TensorType) IsQuantized() bool {
	return t.BlockSize() > 1
}
