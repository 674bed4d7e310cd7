package gguf

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTensorRawF32(t *testing.T) {
	// Create a GGUF file with one F32 tensor [4] containing [1.0, 2.0, 3.0, 4.0].
	tensorData := make([]byte, 16)
	binary.LittleEndian.PutUint32(tensorData[0:4], math.Float32bits(1.0))
	binary.LittleEndian.PutUint32(tensorData[4:8], math.Float32bits(2.0))
	binary.LittleEndian.PutUint32(tensorData[8:12], math.Float32bits(3.0))
	binary.LittleEndian.PutUint32(tensorData[12:16], math.Float32bits(4.0))

	path := buildMinimalGGUF(t, 1, 1,
		func(b *ggufBuilder) {
			b.writeKVString("general.architecture", "test")
		},
		func(b *ggufBuilder) {
			b.writeTensorInfo("weights", []uint64{4}, TensorTypeF32, 0)
		},
		tensorData)

	f, err := Open(path)
	require.NoError(t, err)

	reader, err := NewMMapReader(path, f)
	require.NoError(t, err)
	defer reader.Close()

	raw, info, err := reader.ReadTensorRaw("weights")
	require.NoError(t, err)
	assert.Equal(t, "weights", info.Name)
	assert.Equal(t, tensorData, raw)

	var got [4]float32
	for i := range 4 {
		got[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4 : i*4+4]))
	}
	assert.Equal(t, [4]float32{1.0, 2.0, 3.0, 4.0}, got)

	_, _, err = reader.ReadTensorRaw("missing")
	assert.ErrorContains(t, err, "not found")
}

func TestTensorSection(t *testing.T) {
	// Second tensor starts at the next 32 byte boundary of the data section.
	tensorData := make([]byte, 64)
	for i := range tensorData {
		tensorData[i] = byte(i)
	}
	path := buildMinimalGGUF(t, 1, 2,
		func(b *ggufBuilder) {
			b.writeKVString("general.architecture", "test")
		},
		func(b *ggufBuilder) {
			b.writeTensorInfo("a", []uint64{3}, TensorTypeI8, 0)
			b.writeTensorInfo("b", []uint64{2, 2}, TensorTypeI16, 32)
		},
		tensorData)

	reader, err := OpenMMap(path)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, path, reader.File().Path())

	section, info, err := reader.TensorSection("b")
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 2}, info.Shape)
	assert.Equal(t, int64(8), section.Size())
	got, err := io.ReadAll(section)
	require.NoError(t, err)
	assert.Equal(t, tensorData[32:40], got)

	raw, _, err := reader.ReadTensorRaw("a")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, raw)
}

func TestTensorSectionPastEnd(t *testing.T) {
	path := buildMinimalGGUF(t, 0, 1, nil,
		func(b *ggufBuilder) {
			b.writeTensorInfo("w", []uint64{16}, TensorTypeF32, 0)
		},
		make([]byte, 8))

	f, err := Open(path)
	require.NoError(t, err)
	reader, err := NewMMapReader(path, f)
	require.NoError(t, err)
	defer reader.Close()

	_, _, err = reader.TensorSection("w")
	assert.ErrorIs(t, err, ErrTruncatedStream)
}

func TestMMapMissingFile(t *testing.T) {
	path := buildMinimalGGUF(t, 0, 0, nil, nil, nil)
	f, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	_, err = NewMMapReader(path, f)
	assert.Error(t, err)
}
