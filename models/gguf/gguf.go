package gguf

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"slices"

	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"k8s.io/klog/v2"
)

// File represents a parsed GGUF file. Create one with Open or Read.
// A File is immutable after parsing and safe for concurrent reads.
type File struct {
	// Version is the GGUF format version (always 3).
	Version uint32
	// ByteOrder of every integer after the magic: binary.LittleEndian or binary.BigEndian.
	ByteOrder binary.ByteOrder
	// Alignment is the byte alignment for tensor data (default 32).
	Alignment uint64
	// TensorInfos holds the descriptor of every tensor, in file order.
	TensorInfos []TensorInfo

	fields       *orderedmap.OrderedMap[string, Field]
	tensorByName map[string]int
	data         map[string][]byte
	path         string
	infoEnd      int64
	dataOffset   int64
	size         int64
}

// ReadOption configures Open and Read.
type ReadOption func(*readOptions)

type readOptions struct {
	tensorData bool
}

// WithTensorData makes the reader also load every tensor payload into memory.
// Without it, payloads can be read on demand with an MMapReader.
func WithTensorData() ReadOption {
	return func(o *readOptions) { o.tensorData = true }
}

// Open opens and parses a GGUF file, reading all metadata and tensor info.
// The returned File can be used to look up metadata and read tensor data.
func Open(path string, opts ...ReadOption) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, openError(err, path)
	}
	if !info.Mode().IsRegular() {
		return nil, errors.Wrapf(ErrNotRegularFile, "%s", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, openError(err, path)
	}
	defer f.Close()

	file, err := Read(f, opts...)
	if err != nil {
		return nil, errors.WithMessagef(err, "parse %s", path)
	}
	file.path = path
	return file, nil
}

// Read parses a GGUF stream. The stream must be positioned at the start of the
// file; it is used to measure the total size and, with WithTensorData, to load payloads.
func Read(rs io.ReadSeeker, opts ...ReadOption) (*File, error) {
	var options readOptions
	for _, opt := range opts {
		opt(&options)
	}

	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "gguf: measure stream size")
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "gguf: rewind stream")
	}

	d := &decoder{r: &countingReader{r: bufio.NewReaderSize(rs, 64<<10)}, order: binary.LittleEndian, size: size}
	file := &File{size: size}
	if err := d.readHeader(file); err != nil {
		return nil, err
	}
	if options.tensorData {
		if err := file.loadTensorData(rs); err != nil {
			return nil, err
		}
	}
	return file, nil
}

func (d *decoder) readHeader(file *File) error {
	// Magic is always little-endian.
	var raw [4]byte
	if _, err := io.ReadFull(d.r, raw[:]); err != nil {
		return errors.WithMessage(truncated(err), "gguf: read magic")
	}
	if binary.LittleEndian.Uint32(raw[:]) != Magic {
		return errors.Wrapf(ErrBadMagic, "got %q, expected %q", raw[:], "GGUF")
	}

	// The version decides the byte order: a big-endian file read as
	// little-endian has its low 16 bits zero.
	if _, err := io.ReadFull(d.r, raw[:]); err != nil {
		return errors.WithMessage(truncated(err), "gguf: read version")
	}
	file.Version = binary.LittleEndian.Uint32(raw[:])
	if file.Version&0xFFFF == 0 {
		d.order = binary.BigEndian
		file.Version = binary.BigEndian.Uint32(raw[:])
	}
	file.ByteOrder = d.order
	if file.Version != Version {
		return errors.Wrapf(ErrUnsupportedVersion, "version %d, only %d is supported", file.Version, Version)
	}

	var tensorCount, kvCount uint64
	if err := d.read(&tensorCount); err != nil {
		return errors.WithMessage(err, "gguf: read tensor count")
	}
	if err := d.read(&kvCount); err != nil {
		return errors.WithMessage(err, "gguf: read kv count")
	}
	// Each field takes at least 8+4 bytes and each tensor info 8+4+4+8.
	if err := d.checkLength(kvCount, 12); err != nil {
		return errors.WithMessage(err, "gguf: kv count")
	}
	if err := d.checkLength(tensorCount, 24); err != nil {
		return errors.WithMessage(err, "gguf: tensor count")
	}

	file.fields = orderedmap.New[string, Field](int(kvCount))
	for i := range kvCount {
		field, err := d.readField()
		if err != nil {
			return errors.WithMessagef(err, "gguf: read kv pair %d/%d", i, kvCount)
		}
		if _, present := file.fields.Set(field.Key, field); present {
			return errors.Wrapf(ErrDuplicateKey, "field %q", field.Key)
		}
	}

	file.TensorInfos = make([]TensorInfo, 0, tensorCount)
	file.tensorByName = make(map[string]int, tensorCount)
	for i := range tensorCount {
		ti, err := d.readTensorInfo()
		if err != nil {
			return errors.WithMessagef(err, "gguf: read tensor info %d/%d", i, tensorCount)
		}
		if _, found := file.tensorByName[ti.Name]; found {
			return errors.Wrapf(ErrDuplicateKey, "tensor %q", ti.Name)
		}
		file.tensorByName[ti.Name] = len(file.TensorInfos)
		file.TensorInfos = append(file.TensorInfos, ti)
	}

	file.Alignment = DefaultAlignment
	if field, ok := file.fields.Get(KeyGeneralAlignment); ok {
		if field.Type() != TypeUint32 {
			klog.Warningf("gguf: ignoring %s of type %s, expected %s", KeyGeneralAlignment, field.Type(), TypeUint32)
		} else if field.Uint() == 0 {
			return errors.Wrapf(ErrInvalidAlignment, "%s is 0", KeyGeneralAlignment)
		} else {
			file.Alignment = field.Uint()
		}
	}
	file.infoEnd = d.r.n
	file.dataOffset = int64(alignOffset(uint64(file.infoEnd), file.Alignment))
	klog.V(2).Infof("gguf: parsed %d fields, %d tensors, %s, data at %d",
		kvCount, tensorCount, file.ByteOrder, file.dataOffset)
	return nil
}

func (f *File) loadTensorData(rs io.ReadSeeker) error {
	f.data = make(map[string][]byte, len(f.TensorInfos))
	for _, ti := range f.TensorInfos {
		start := ti.AbsoluteOffset(f.dataOffset)
		if ti.Size > math.MaxInt || start < 0 || uint64(start)+ti.Size > uint64(f.size) {
			return errors.Wrapf(ErrTruncatedStream, "gguf: tensor %q payload [%d, +%d) past end of file (%d bytes)",
				ti.Name, start, ti.Size, f.size)
		}
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return errors.Wrapf(err, "gguf: seek tensor %q", ti.Name)
		}
		buf := make([]byte, ti.Size)
		if _, err := io.ReadFull(rs, buf); err != nil {
			return errors.WithMessagef(truncated(err), "gguf: read tensor %q", ti.Name)
		}
		f.data[ti.Name] = buf
	}
	return nil
}

// Path returns the local file path of the GGUF file, or "" if it was parsed from a stream.
func (f *File) Path() string {
	return f.path
}

// DataOffset returns the byte offset where tensor data begins in the file.
func (f *File) DataOffset() int64 {
	return f.dataOffset
}

// TensorInfoEnd returns the byte offset right after the last tensor descriptor,
// before the alignment padding.
func (f *File) TensorInfoEnd() int64 {
	return f.infoEnd
}

// Size returns the total size of the parsed stream in bytes.
func (f *File) Size() int64 {
	return f.size
}

// NumFields returns the number of metadata fields.
func (f *File) NumFields() int {
	return f.fields.Len()
}

// Fields returns all metadata fields in file order.
func (f *File) Fields() []Field {
	out := make([]Field, 0, f.fields.Len())
	for pair := f.fields.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// GetField looks up a metadata field by its key.
func (f *File) GetField(key string) (Field, bool) {
	return f.fields.Get(key)
}

// GetTensorInfo looks up a tensor by name.
func (f *File) GetTensorInfo(name string) (TensorInfo, bool) {
	i, ok := f.tensorByName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.TensorInfos[i], true
}

// TensorData returns the payload of a tensor. It is only available when the
// file was read with WithTensorData.
func (f *File) TensorData(name string) ([]byte, bool) {
	data, ok := f.data[name]
	return data, ok
}

// Architecture returns the model architecture string (e.g., "llama", "gemma"),
// or "" if the metadata key "general.architecture" is not present.
func (f *File) Architecture() string {
	field, ok := f.fields.Get(KeyGeneralArchitecture)
	if !ok {
		return ""
	}
	return field.String()
}

// ListTensorNames returns the names of all tensors in the file.
func (f *File) ListTensorNames() []string {
	names := make([]string, len(f.TensorInfos))
	for i, ti := range f.TensorInfos {
		names[i] = ti.Name
	}
	return names
}

// TensorsByOffset returns the tensor descriptors sorted by their offset in the data section.
func (f *File) TensorsByOffset() []TensorInfo {
	sorted := slices.Clone(f.TensorInfos)
	slices.SortStableFunc(sorted, func(a, b TensorInfo) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return 0
	})
	return sorted
}

// Binary reading helpers.

// countingReader wraps an io.Reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// decoder reads GGUF primitives in the byte order of the file, checking every
// declared length against the bytes left in the stream before allocating.
type decoder struct {
	r     *countingReader
	order binary.ByteOrder
	size  int64
}

// truncated converts short reads into ErrTruncatedStream.
func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.WithStack(ErrTruncatedStream)
	}
	return err
}

func (d *decoder) read(v any) error {
	return truncated(binary.Read(d.r, d.order, v))
}

// checkLength verifies that count elements of elemSize bytes can be allocated
// and fit in the rest of the stream.
func (d *decoder) checkLength(count, elemSize uint64) error {
	if count > math.MaxInt {
		return errors.Wrapf(ErrOversizedLength, "length %d at offset %d", count, d.r.n)
	}
	remaining := uint64(d.size - d.r.n)
	if elemSize > 0 && count > remaining/elemSize {
		return errors.Wrapf(ErrTruncatedStream, "length %d x %d bytes at offset %d, only %d bytes left",
			count, elemSize, d.r.n, remaining)
	}
	return nil
}

// readString reads a GGUF string: uint64 length prefix followed by that many bytes.
func (d *decoder) readString() (string, error) {
	var length uint64
	if err := d.read(&length); err != nil {
		return "", errors.WithMessage(err, "read string length")
	}
	if err := d.checkLength(length, 1); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", errors.WithMessage(truncated(err), "read string data")
	}
	return string(buf), nil
}

// readField reads a single GGUF key-value pair from the stream.
func (d *decoder) readField() (Field, error) {
	start := d.r.n
	key, err := d.readString()
	if err != nil {
		return Field{}, errors.WithMessage(err, "read key")
	}

	var typeTag uint32
	if err := d.read(&typeTag); err != nil {
		return Field{}, errors.WithMessagef(err, "read value type for %q", key)
	}

	val, err := d.readValue(ValueType(typeTag))
	if err != nil {
		return Field{}, errors.WithMessagef(err, "read value for %q (type %d)", key, typeTag)
	}
	return Field{Key: key, Value: val, Size: uint64(d.r.n - start)}, nil
}

// readValue reads a GGUF value of the given type.
func (d *decoder) readValue(vtype ValueType) (Value, error) {
	switch vtype {
	case TypeUint8:
		return readScalar[uint8](d)
	case TypeInt8:
		return readScalar[int8](d)
	case TypeUint16:
		return readScalar[uint16](d)
	case TypeInt16:
		return readScalar[int16](d)
	case TypeUint32:
		return readScalar[uint32](d)
	case TypeInt32:
		return readScalar[int32](d)
	case TypeFloat32:
		return readScalar[float32](d)
	case TypeBool:
		return readScalar[bool](d)
	case TypeString:
		s, err := d.readString()
		return ValueOf(s), err
	case TypeUint64:
		return readScalar[uint64](d)
	case TypeInt64:
		return readScalar[int64](d)
	case TypeFloat64:
		return readScalar[float64](d)
	case TypeArray:
		return d.readArray()
	default:
		return Value{}, errors.Wrapf(ErrUnknownTypeTag, "value type %d", uint32(vtype))
	}
}

func readScalar[T Scalar](d *decoder) (Value, error) {
	var v T
	if err := d.read(&v); err != nil {
		return Value{}, err
	}
	return ValueOf(v), nil
}

// readArray reads a GGUF typed array: uint32 element type, uint64 count, then elements.
func (d *decoder) readArray() (Value, error) {
	var elemType uint32
	if err := d.read(&elemType); err != nil {
		return Value{}, errors.WithMessage(err, "read array element type")
	}
	var count uint64
	if err := d.read(&count); err != nil {
		return Value{}, errors.WithMessage(err, "read array count")
	}

	switch ValueType(elemType) {
	case TypeUint8:
		return readArrayOf[uint8](d, count)
	case TypeInt8:
		return readArrayOf[int8](d, count)
	case TypeUint16:
		return readArrayOf[uint16](d, count)
	case TypeInt16:
		return readArrayOf[int16](d, count)
	case TypeUint32:
		return readArrayOf[uint32](d, count)
	case TypeInt32:
		return readArrayOf[int32](d, count)
	case TypeFloat32:
		return readArrayOf[float32](d, count)
	case TypeUint64:
		return readArrayOf[uint64](d, count)
	case TypeInt64:
		return readArrayOf[int64](d, count)
	case TypeFloat64:
		return readArrayOf[float64](d, count)
	case TypeBool:
		return readArrayOf[bool](d, count)
	case TypeString:
		return d.readStringArray(count)
	case TypeArray:
		return d.readNestedArray(count)
	default:
		return Value{}, errors.Wrapf(ErrUnknownTypeTag, "array element type %d", elemType)
	}
}

// readArrayOf reads a fixed-width array in a single binary.Read call.
func readArrayOf[T Scalar](d *decoder, count uint64) (Value, error) {
	if err := d.checkLength(count, uint64(scalarType[T]().Size())); err != nil {
		return Value{}, err
	}
	vals := make([]T, count)
	if err := d.read(vals); err != nil {
		return Value{}, errors.WithMessagef(err, "read %d array elements", count)
	}
	return ArrayOf(vals), nil
}

// readStringArray reads an array of GGUF strings.
func (d *decoder) readStringArray(count uint64) (Value, error) {
	if err := d.checkLength(count, 8); err != nil {
		return Value{}, err
	}
	vals := make([]string, count)
	for i := range count {
		s, err := d.readString()
		if err != nil {
			return Value{}, errors.WithMessagef(err, "read string array element %d", i)
		}
		vals[i] = s
	}
	return ArrayOf(vals), nil
}

// readNestedArray reads an array whose elements are arrays, each with its own header.
func (d *decoder) readNestedArray(count uint64) (Value, error) {
	if err := d.checkLength(count, 12); err != nil {
		return Value{}, err
	}
	vals := make([]Value, count)
	for i := range count {
		v, err := d.readArray()
		if err != nil {
			return Value{}, errors.WithMessagef(err, "read nested array element %d", i)
		}
		vals[i] = v
	}
	return Value{typ: TypeArray, elem: TypeArray, data: vals}, nil
}

// readTensorInfo reads a single tensor info entry from the stream.
func (d *decoder) readTensorInfo() (TensorInfo, error) {
	name, err := d.readString()
	if err != nil {
		return TensorInfo{}, errors.WithMessage(err, "read tensor name")
	}

	var nDims uint32
	if err := d.read(&nDims); err != nil {
		return TensorInfo{}, errors.WithMessagef(err, "read tensor dims count for %q", name)
	}
	if err := d.checkLength(uint64(nDims), 8); err != nil {
		return TensorInfo{}, errors.WithMessagef(err, "tensor %q dims", name)
	}
	dims := make([]uint64, nDims)
	if err := d.read(dims); err != nil {
		return TensorInfo{}, errors.WithMessagef(err, "read tensor dims for %q", name)
	}

	var ttype uint32
	if err := d.read(&ttype); err != nil {
		return TensorInfo{}, errors.WithMessagef(err, "read tensor type for %q", name)
	}

	var offset uint64
	if err := d.read(&offset); err != nil {
		return TensorInfo{}, errors.WithMessagef(err, "read tensor offset for %q", name)
	}

	// Dimensions are stored innermost first.
	slices.Reverse(dims)
	size, err := ShapeByteSize(TensorType(ttype), dims)
	if err != nil {
		return TensorInfo{}, errors.WithMessagef(err, "tensor %q", name)
	}
	return TensorInfo{
		Name:   name,
		Shape:  dims,
		Type:   TensorType(ttype),
		Offset: offset,
		Size:   size,
	}, nil
}
