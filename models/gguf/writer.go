package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"k8s.io/klog/v2"
)

// WriterState is a step of the Writer state machine. Steps only move forward:
// NoFile, Empty, Header, KVData, TensorInfo, Weights.
type WriterState int

const (
	StateNoFile WriterState = iota
	StateEmpty
	StateHeader
	StateKVData
	StateTensorInfo
	StateWeights
)

func (s WriterState) String() string {
	switch s {
	case StateNoFile:
		return "NO_FILE"
	case StateEmpty:
		return "EMPTY"
	case StateHeader:
		return "HEADER"
	case StateKVData:
		return "KV_DATA"
	case StateTensorInfo:
		return "TI_DATA"
	case StateWeights:
		return "WEIGHTS"
	default:
		return fmt.Sprintf("WriterState(%d)", int(s))
	}
}

// Writer emits a GGUF file in stages. Fields and tensor descriptors are
// collected first; then each section is written by the value returned from the
// previous stage, so the sections can only be emitted in order:
//
//	w := gguf.NewWriter("llama")
//	_ = w.AddTensor("w", []uint64{2, 3}, gguf.TensorTypeF32)
//	empty, _ := w.Create(path)
//	header, _ := empty.WriteHeader()
//	kv, _ := header.WriteKVData()
//	ti, _ := kv.WriteTensorInfo()
//	weights, _ := ti.WritePadding()
//	_ = weights.WriteTensorData(payload)
//	_ = w.Close()
//
// Payload lengths are not checked against the declared tensor sizes.
// A Writer is not safe for concurrent use.
type Writer struct {
	order   binary.AppendByteOrder
	fields  *orderedmap.OrderedMap[string, Value]
	tensors []TensorInfo
	names   map[string]struct{}

	state  WriterState
	out    *bufio.Writer
	closer io.Closer
	buf    []byte
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithByteOrder sets the byte order of every integer after the magic.
// The default is little-endian.
func WithByteOrder(order binary.ByteOrder) WriterOption {
	return func(w *Writer) {
		if order == binary.ByteOrder(binary.BigEndian) {
			w.order = binary.BigEndian
		} else {
			w.order = binary.LittleEndian
		}
	}
}

// WithAlignment adds a general.alignment field. Zero keeps the default alignment.
func WithAlignment(alignment uint32) WriterOption {
	return func(w *Writer) {
		if alignment > 0 {
			w.fields.Set(KeyGeneralAlignment, ValueOf(alignment))
		}
	}
}

// NewWriter creates a Writer with the general.architecture field set to arch.
// An empty arch adds no field: the caller supplies the complete field list.
func NewWriter(arch string, opts ...WriterOption) *Writer {
	w := &Writer{
		order:  binary.LittleEndian,
		fields: orderedmap.New[string, Value](),
		names:  make(map[string]struct{}),
	}
	if arch != "" {
		w.fields.Set(KeyGeneralArchitecture, ValueOf(arch))
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current step of the writer.
func (w *Writer) State() WriterState {
	return w.state
}

// ByteOrder returns the byte order used for integers.
func (w *Writer) ByteOrder() binary.ByteOrder {
	return w.order.(binary.ByteOrder)
}

// AddField adds a metadata field. Keys must be unique, and fields can only be
// added before the output is opened.
func (w *Writer) AddField(key string, v Value) error {
	if w.state != StateNoFile {
		return errors.Wrapf(ErrStateOrder, "add field %q in state %s", key, w.state)
	}
	if key == "" {
		return errors.New("gguf: empty field key")
	}
	if !v.IsValid() {
		return errors.Errorf("gguf: field %q has no value", key)
	}
	if key == KeyGeneralAlignment && v.Type() == TypeUint32 && v.Uint() == 0 {
		return errors.Wrapf(ErrInvalidAlignment, "%s is 0", key)
	}
	if _, found := w.fields.Get(key); found {
		return errors.Wrapf(ErrDuplicateKey, "field %q", key)
	}
	w.fields.Set(key, v)
	return nil
}

// AddString adds a string field.
func (w *Writer) AddString(key, value string) error {
	return w.AddField(key, ValueOf(value))
}

// AddUint32 adds a uint32 field.
func (w *Writer) AddUint32(key string, value uint32) error {
	return w.AddField(key, ValueOf(value))
}

// AddTensor adds a tensor descriptor whose byte length is derived from its type and logical shape.
func (w *Writer) AddTensor(name string, shape []uint64, t TensorType) error {
	size, err := ShapeByteSize(t, shape)
	if err != nil {
		return errors.WithMessagef(err, "gguf: tensor %q", name)
	}
	return w.AddTensorInfo(name, shape, t, size)
}

// AddTensorInfo adds a tensor descriptor with a caller declared byte length.
// The shape is the logical shape, outermost dimension first.
func (w *Writer) AddTensorInfo(name string, shape []uint64, t TensorType, nbytes uint64) error {
	if w.state != StateNoFile {
		return errors.Wrapf(ErrStateOrder, "add tensor %q in state %s", name, w.state)
	}
	if name == "" {
		return errors.New("gguf: empty tensor name")
	}
	if !t.Valid() {
		return errors.Wrapf(ErrUnknownTypeTag, "tensor %q type %d", name, uint32(t))
	}
	if _, found := w.names[name]; found {
		return errors.Wrapf(ErrDuplicateKey, "tensor %q", name)
	}
	w.names[name] = struct{}{}
	w.tensors = append(w.tensors, TensorInfo{
		Name:  name,
		Shape: append([]uint64(nil), shape...),
		Type:  t,
		Size:  nbytes,
	})
	return nil
}

// Fields returns the fields added so far, in order.
func (w *Writer) Fields() []Field {
	out := make([]Field, 0, w.fields.Len())
	for pair := w.fields.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, NewField(pair.Key, pair.Value))
	}
	return out
}

// Alignment returns the value of a uint32 general.alignment field, or DefaultAlignment.
func (w *Writer) Alignment() uint64 {
	if v, ok := w.fields.Get(KeyGeneralAlignment); ok && v.Type() == TypeUint32 && v.Uint() > 0 {
		return v.Uint()
	}
	return DefaultAlignment
}

// TensorOffsets returns the offset of each tensor payload relative to the data
// section, in the order the tensors were added. Each payload is padded to the alignment.
func (w *Writer) TensorOffsets() []uint64 {
	alignment := w.Alignment()
	offsets := make([]uint64, len(w.tensors))
	var offset uint64
	for i, ti := range w.tensors {
		offsets[i] = offset
		offset += alignOffset(ti.Size, alignment)
	}
	return offsets
}

// TensorInfos returns the tensor descriptors with their computed offsets.
func (w *Writer) TensorInfos() []TensorInfo {
	offsets := w.TensorOffsets()
	out := make([]TensorInfo, len(w.tensors))
	for i, ti := range w.tensors {
		ti.Offset = offsets[i]
		out[i] = ti
	}
	return out
}

// HeaderSize returns the number of bytes of the header, fields and tensor
// descriptors, derived from their serialized sizes. The data section starts at
// HeaderSize rounded up to the alignment.
func (w *Writer) HeaderSize() uint64 {
	size := uint64(4 + 4 + 8 + 8)
	for pair := w.fields.Oldest(); pair != nil; pair = pair.Next() {
		size += 8 + uint64(len(pair.Key)) + 4 + pair.Value.EncodedSize()
	}
	for _, ti := range w.tensors {
		size += 8 + uint64(len(ti.Name)) + 4 + 8*uint64(len(ti.Shape)) + 4 + 8
	}
	return size
}

// DataOffset returns the absolute offset of the data section.
func (w *Writer) DataOffset() uint64 {
	return alignOffset(w.HeaderSize(), w.Alignment())
}

// Create creates the file at path, including missing parent directories, and
// opens it as the output.
func (w *Writer) Create(path string) (*Empty, error) {
	if err := w.expect(StateNoFile, "create"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "gguf: create parent directories of %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "gguf: create %s", path)
	}
	w.closer = f
	return w.begin(f), nil
}

// Begin opens sink as the output. The sink is not closed by Close.
func (w *Writer) Begin(sink io.Writer) (*Empty, error) {
	if err := w.expect(StateNoFile, "begin"); err != nil {
		return nil, err
	}
	return w.begin(sink), nil
}

func (w *Writer) begin(sink io.Writer) *Empty {
	w.out = bufio.NewWriterSize(sink, 1<<20)
	w.state = StateEmpty
	return &Empty{w: w}
}

// WriteHeaders writes the header, fields, tensor descriptors and padding to
// sink, returning the stage that appends the tensor payloads.
func (w *Writer) WriteHeaders(sink io.Writer) (*Weights, error) {
	empty, err := w.Begin(sink)
	if err != nil {
		return nil, err
	}
	header, err := empty.WriteHeader()
	if err != nil {
		return nil, err
	}
	kv, err := header.WriteKVData()
	if err != nil {
		return nil, err
	}
	ti, err := kv.WriteTensorInfo()
	if err != nil {
		return nil, err
	}
	return ti.WritePadding()
}

// Flush writes any buffered data to the output.
func (w *Writer) Flush() error {
	if w.out == nil {
		return nil
	}
	return errors.Wrap(w.out.Flush(), "gguf: flush")
}

// Close flushes the output, closes it if it was opened by Create, and returns
// the writer to StateNoFile.
func (w *Writer) Close() error {
	err := w.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "gguf: close")
		}
		w.closer = nil
	}
	w.out = nil
	w.state = StateNoFile
	return err
}

func (w *Writer) expect(want WriterState, op string) error {
	if w.state != want {
		return errors.Wrapf(ErrStateOrder, "%s in state %s, expected %s", op, w.state, want)
	}
	return nil
}

func (w *Writer) write(p []byte) error {
	if _, err := w.out.Write(p); err != nil {
		return errors.Wrap(err, "gguf: write")
	}
	return nil
}

func (w *Writer) writePadding(n uint64) error {
	pad := alignOffset(n, w.Alignment()) - n
	if pad == 0 {
		return nil
	}
	return w.write(make([]byte, pad))
}

// Empty is the stage after the output is opened.
type Empty struct{ w *Writer }

// WriteHeader writes magic, version, tensor count and field count.
func (p *Empty) WriteHeader() (*Header, error) {
	w := p.w
	if err := w.expect(StateEmpty, "write header"); err != nil {
		return nil, err
	}
	// The magic is always written as the little-endian bytes "GGUF".
	buf := binary.LittleEndian.AppendUint32(w.buf[:0], Magic)
	buf = w.order.AppendUint32(buf, Version)
	buf = w.order.AppendUint64(buf, uint64(len(w.tensors)))
	buf = w.order.AppendUint64(buf, uint64(w.fields.Len()))
	w.buf = buf
	if err := w.write(buf); err != nil {
		return nil, err
	}
	w.state = StateHeader
	return &Header{w: w}, nil
}

// Header is the stage after the header is written.
type Header struct{ w *Writer }

// WriteKVData writes every field in insertion order.
func (p *Header) WriteKVData() (*KVData, error) {
	w := p.w
	if err := w.expect(StateHeader, "write kv data"); err != nil {
		return nil, err
	}
	for pair := w.fields.Oldest(); pair != nil; pair = pair.Next() {
		buf := w.order.AppendUint64(w.buf[:0], uint64(len(pair.Key)))
		buf = append(buf, pair.Key...)
		buf = w.order.AppendUint32(buf, uint32(pair.Value.Type()))
		buf = pair.Value.AppendEncoded(buf, w.order)
		w.buf = buf
		if err := w.write(buf); err != nil {
			return nil, errors.WithMessagef(err, "field %q", pair.Key)
		}
	}
	w.state = StateKVData
	return &KVData{w: w}, nil
}

// KVData is the stage after the fields are written.
type KVData struct{ w *Writer }

// WriteTensorInfo writes every tensor descriptor, with dimensions in file order
// and offsets accumulated from the padded payload sizes.
func (p *KVData) WriteTensorInfo() (*TensorInfoData, error) {
	w := p.w
	if err := w.expect(StateKVData, "write tensor info"); err != nil {
		return nil, err
	}
	for _, ti := range w.TensorInfos() {
		buf := w.order.AppendUint64(w.buf[:0], uint64(len(ti.Name)))
		buf = append(buf, ti.Name...)
		buf = w.order.AppendUint32(buf, uint32(len(ti.Shape)))
		for _, d := range ti.Dims() {
			buf = w.order.AppendUint64(buf, d)
		}
		buf = w.order.AppendUint32(buf, uint32(ti.Type))
		buf = w.order.AppendUint64(buf, ti.Offset)
		w.buf = buf
		if err := w.write(buf); err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", ti.Name)
		}
	}
	w.state = StateTensorInfo
	return &TensorInfoData{w: w}, nil
}

// TensorInfoData is the stage after the tensor descriptors are written.
type TensorInfoData struct{ w *Writer }

// WritePadding pads the output up to the start of the data section.
func (p *TensorInfoData) WritePadding() (*Weights, error) {
	w := p.w
	if err := w.expect(StateTensorInfo, "write padding"); err != nil {
		return nil, err
	}
	if err := w.writePadding(w.HeaderSize()); err != nil {
		return nil, err
	}
	klog.V(2).Infof("gguf: wrote %d fields and %d tensor infos, data section at %d",
		w.fields.Len(), len(w.tensors), w.DataOffset())
	w.state = StateWeights
	return &Weights{w: w}, nil
}

// Weights is the final stage: tensor payloads are appended in descriptor order.
type Weights struct{ w *Writer }

// WriteTensorData appends a tensor payload followed by zero padding to the alignment.
func (p *Weights) WriteTensorData(data []byte) error {
	w := p.w
	if err := w.expect(StateWeights, "write tensor data"); err != nil {
		return err
	}
	if err := w.write(data); err != nil {
		return err
	}
	return w.writePadding(uint64(len(data)))
}

// CopyTensorData appends a tensor payload read from r followed by zero padding
// to the alignment. It returns the number of payload bytes copied.
func (p *Weights) CopyTensorData(r io.Reader) (int64, error) {
	w := p.w
	if err := w.expect(StateWeights, "copy tensor data"); err != nil {
		return 0, err
	}
	n, err := io.Copy(w.out, r)
	if err != nil {
		return n, errors.Wrap(err, "gguf: copy tensor data")
	}
	return n, w.writePadding(uint64(n))
}
