package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeToBuffer runs every writer stage into memory and returns the file bytes.
func writeToBuffer(t *testing.T, w *Writer, payloads ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	weights, err := w.WriteHeaders(&buf)
	require.NoError(t, err)
	for _, p := range payloads {
		require.NoError(t, weights.WriteTensorData(p))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestWriterEndToEnd(t *testing.T) {
	payload := make([]byte, 24)
	for i := range 6 {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(float32(i)))
	}

	w := NewWriter("demo")
	require.NoError(t, w.AddTensor("w", []uint64{2, 3}, TensorTypeF32))
	path := filepath.Join(t.TempDir(), "nested", "demo.gguf")

	empty, err := w.Create(path)
	require.NoError(t, err)
	assert.Equal(t, StateEmpty, w.State())
	header, err := empty.WriteHeader()
	require.NoError(t, err)
	assert.Equal(t, StateHeader, w.State())
	kv, err := header.WriteKVData()
	require.NoError(t, err)
	assert.Equal(t, StateKVData, w.State())
	ti, err := kv.WriteTensorInfo()
	require.NoError(t, err)
	assert.Equal(t, StateTensorInfo, w.State())
	weights, err := ti.WritePadding()
	require.NoError(t, err)
	assert.Equal(t, StateWeights, w.State())
	require.NoError(t, weights.WriteTensorData(payload))
	require.NoError(t, w.Close())
	assert.Equal(t, StateNoFile, w.State())

	f, err := Open(path, WithTensorData())
	require.NoError(t, err)
	require.Equal(t, 1, f.NumFields())
	assert.Equal(t, "demo", f.Architecture())
	require.Len(t, f.TensorInfos, 1)
	got := f.TensorInfos[0]
	assert.Equal(t, "w", got.Name)
	assert.Equal(t, TensorTypeF32, got.Type)
	assert.Equal(t, []uint64{2, 3}, got.Shape)
	assert.Equal(t, uint64(0), got.Offset)
	assert.Equal(t, uint64(24), got.Size)
	assert.Zero(t, f.DataOffset()%DefaultAlignment)
	assert.Equal(t, f.DataOffset()+32, f.Size())
	data, _ := f.TensorData("w")
	assert.Equal(t, payload, data)
	assert.Equal(t, int64(w.HeaderSize()), f.TensorInfoEnd())
}

func allValueKinds(t *testing.T) []Field {
	t.Helper()
	nested, err := ArrayOfArrays(
		ArrayOf([]uint8{1, 2}),
		ArrayOf([]string{"x"}),
		ArrayOf([]float64{}),
	)
	require.NoError(t, err)
	deep, err := ArrayOfArrays(nested, ArrayOf([]bool{true}))
	require.NoError(t, err)
	return []Field{
		NewField("v.u8", ValueOf(uint8(255))),
		NewField("v.i8", ValueOf(int8(-128))),
		NewField("v.u16", ValueOf(uint16(65535))),
		NewField("v.i16", ValueOf(int16(-32768))),
		NewField("v.u32", ValueOf(uint32(math.MaxUint32))),
		NewField("v.i32", ValueOf(int32(math.MinInt32))),
		NewField("v.u64", ValueOf(uint64(math.MaxUint64))),
		NewField("v.i64", ValueOf(int64(math.MinInt64))),
		NewField("v.f32", ValueOf(float32(3.25))),
		NewField("v.f64", ValueOf(math.Pi)),
		NewField("v.bool", ValueOf(true)),
		NewField("v.string", ValueOf("héllo wörld")),
		NewField("v.empty_string", ValueOf("")),
		NewField("a.u8", ArrayOf([]uint8{0, 1, 255})),
		NewField("a.i8", ArrayOf([]int8{-1, 0, 1})),
		NewField("a.u16", ArrayOf([]uint16{1, 2})),
		NewField("a.i16", ArrayOf([]int16{-2, 2})),
		NewField("a.u32", ArrayOf([]uint32{7})),
		NewField("a.i32", ArrayOf([]int32{-7, 7})),
		NewField("a.u64", ArrayOf([]uint64{1 << 40})),
		NewField("a.i64", ArrayOf([]int64{-1 << 40})),
		NewField("a.f32", ArrayOf([]float32{0.5, -0.5})),
		NewField("a.f64", ArrayOf([]float64{1e100})),
		NewField("a.bool", ArrayOf([]bool{true, false, true})),
		NewField("a.string", ArrayOf([]string{"a", "", "ccc"})),
		NewField("a.empty", ArrayOf([]int32(nil))),
		NewField("a.nested", nested),
		NewField("a.deep", deep),
	}
}

func TestWriterRoundTripAllTypes(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			fields := allValueKinds(t)
			w := NewWriter("test", WithByteOrder(order))
			for _, f := range fields {
				require.NoError(t, w.AddField(f.Key, f.Value))
			}
			data := writeToBuffer(t, w)

			f, err := Read(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, order, f.ByteOrder)
			require.Equal(t, len(fields)+1, f.NumFields())
			for _, want := range fields {
				got, ok := f.GetField(want.Key)
				require.True(t, ok, want.Key)
				assert.Equal(t, want.Type(), got.Type(), want.Key)
				assert.Equal(t, want.ElemType(), got.ElemType(), want.Key)
				assert.True(t, want.Equal(got.Value), want.Key)
				assert.Equal(t, want.Size, got.Size, want.Key)
				if diff := cmp.Diff(want.Interface(), got.Interface()); diff != "" {
					t.Errorf("field %q mismatch (-want +got):\n%s", want.Key, diff)
				}
			}
		})
	}
}

func TestWriterBigEndianLayout(t *testing.T) {
	w := NewWriter("demo", WithByteOrder(binary.BigEndian))
	data := writeToBuffer(t, w)
	assert.Equal(t, []byte("GGUF"), data[:4])
	assert.Equal(t, []byte{0, 0, 0, 3}, data[4:8])
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1}, data[16:24])
}

func TestWriterAlignment(t *testing.T) {
	for _, alignment := range []uint32{8, 16, 32, 64, 4096} {
		t.Run(fmt.Sprint(alignment), func(t *testing.T) {
			w := NewWriter("demo", WithAlignment(alignment))
			require.NoError(t, w.AddTensor("a", []uint64{1}, TensorTypeF32))
			require.NoError(t, w.AddTensor("b", []uint64{5, 5}, TensorTypeF32))
			require.NoError(t, w.AddTensor("c", []uint64{7}, TensorTypeI8))
			require.NoError(t, w.AddTensor("d", []uint64{64}, TensorTypeQ4_0))
			data := writeToBuffer(t, w, make([]byte, 4), make([]byte, 100), make([]byte, 7), make([]byte, 36))

			f, err := Read(bytes.NewReader(data), WithTensorData())
			require.NoError(t, err)
			a := int64(alignment)
			assert.Equal(t, uint64(alignment), f.Alignment)
			assert.Zero(t, f.DataOffset()%a)
			expectedEnd := f.DataOffset()
			offsets := w.TensorOffsets()
			for i, ti := range f.TensorInfos {
				assert.Zero(t, ti.AbsoluteOffset(f.DataOffset())%a, ti.Name)
				assert.Equal(t, offsets[i], ti.Offset, ti.Name)
				assert.Equal(t, expectedEnd, ti.AbsoluteOffset(f.DataOffset()), ti.Name)
				expectedEnd += int64(alignOffset(ti.Size, uint64(alignment)))
			}
			assert.Equal(t, expectedEnd, int64(len(data)))
			q, _ := f.GetTensorInfo("d")
			assert.Equal(t, uint64(36), q.Size)
		})
	}
}

func TestWriterDuplicates(t *testing.T) {
	w := NewWriter("demo")
	err := w.AddString(KeyGeneralArchitecture, "other")
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.Equal(t, "DuplicateKey", Kind(err))

	require.NoError(t, w.AddUint32("demo.block_count", 2))
	assert.ErrorIs(t, w.AddUint32("demo.block_count", 3), ErrDuplicateKey)

	require.NoError(t, w.AddTensor("w", []uint64{4}, TensorTypeF32))
	assert.ErrorIs(t, w.AddTensor("w", []uint64{8}, TensorTypeF16), ErrDuplicateKey)
	assert.ErrorIs(t, w.AddTensor("x", []uint64{8}, TensorType(4)), ErrUnknownTypeTag)
	assert.ErrorIs(t, w.AddUint32(KeyGeneralAlignment, 0), ErrInvalidAlignment)
	assert.Error(t, w.AddField("", ValueOf("x")))
	assert.Error(t, w.AddField("k", Value{}))
}

func TestWriterStateOrder(t *testing.T) {
	w := NewWriter("demo")
	empty, err := w.Begin(&bytes.Buffer{})
	require.NoError(t, err)

	err = w.AddString("late", "x")
	assert.ErrorIs(t, err, ErrStateOrder)
	assert.Equal(t, "StateOrderViolation", Kind(err))
	assert.ErrorIs(t, w.AddTensor("late", []uint64{1}, TensorTypeF32), ErrStateOrder)
	_, err = w.Begin(&bytes.Buffer{})
	assert.ErrorIs(t, err, ErrStateOrder)

	header, err := empty.WriteHeader()
	require.NoError(t, err)
	_, err = empty.WriteHeader()
	assert.ErrorIs(t, err, ErrStateOrder)

	kv, err := header.WriteKVData()
	require.NoError(t, err)
	_, err = header.WriteKVData()
	assert.ErrorIs(t, err, ErrStateOrder)

	ti, err := kv.WriteTensorInfo()
	require.NoError(t, err)
	weights, err := ti.WritePadding()
	require.NoError(t, err)
	_, err = kv.WriteTensorInfo()
	assert.ErrorIs(t, err, ErrStateOrder)
	require.NoError(t, w.Close())

	assert.ErrorIs(t, weights.WriteTensorData([]byte{1}), ErrStateOrder)
}

func TestWriterCopyTensorData(t *testing.T) {
	w := NewWriter("demo")
	require.NoError(t, w.AddTensor("a", []uint64{3}, TensorTypeI8))
	require.NoError(t, w.AddTensor("b", []uint64{2}, TensorTypeI16))
	var buf bytes.Buffer
	weights, err := w.WriteHeaders(&buf)
	require.NoError(t, err)
	n, err := weights.CopyTensorData(bytes.NewReader([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	_, err = weights.CopyTensorData(bytes.NewReader([]byte{4, 0, 5, 0}))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := Read(bytes.NewReader(buf.Bytes()), WithTensorData())
	require.NoError(t, err)
	a, _ := f.TensorData("a")
	b, _ := f.TensorData("b")
	assert.Equal(t, []byte{1, 2, 3}, a)
	assert.Equal(t, []byte{4, 0, 5, 0}, b)
	assert.Equal(t, int64(w.DataOffset()), f.DataOffset())
}

func TestWriterAddTensorInfoKeepsDeclaredSize(t *testing.T) {
	w := NewWriter("")
	require.NoError(t, w.AddTensorInfo("w", []uint64{4}, TensorTypeF32, 40))
	assert.Empty(t, w.Fields())
	infos := w.TensorInfos()
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(40), infos[0].Size)

	w.tensors = nil
	w.names = map[string]struct{}{}
	require.NoError(t, w.AddTensor("a", []uint64{40}, TensorTypeF32))
	require.NoError(t, w.AddTensor("b", []uint64{1}, TensorTypeF32))
	assert.Equal(t, []uint64{0, 160}, w.TensorOffsets())
}

func TestWriterCreateFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	w := NewWriter("demo")
	_, err := w.Create(filepath.Join(blocker, "sub", "out.gguf"))
	assert.Error(t, err)
	assert.Equal(t, StateNoFile, w.State())
}
