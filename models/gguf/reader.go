package gguf

import (
	"io"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// MMapReader provides memory-mapped access to tensor data in a GGUF file.
type MMapReader struct {
	reader     *mmap.ReaderAt
	file       *File
	dataOffset int64
}

// NewMMapReader opens a memory-mapped reader for the GGUF file.
func NewMMapReader(path string, file *File) (*MMapReader, error) {
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "gguf: mmap %s", path)
	}
	return &MMapReader{
		reader:     reader,
		file:       file,
		dataOffset: file.DataOffset(),
	}, nil
}

// OpenMMap parses the file at path and memory-maps it for tensor reads.
func OpenMMap(path string) (*MMapReader, error) {
	file, err := Open(path)
	if err != nil {
		return nil, err
	}
	return NewMMapReader(path, file)
}

// Close closes the underlying memory-mapped file.
func (mr *MMapReader) Close() error {
	return mr.reader.Close()
}

// File returns the parsed header of the mapped file.
func (mr *MMapReader) File() *File {
	return mr.file
}

// TensorSection returns a reader over the payload bytes of a tensor.
// The payload must lie entirely inside the file.
func (mr *MMapReader) TensorSection(tensorName string) (*io.SectionReader, *TensorInfo, error) {
	info, ok := mr.file.GetTensorInfo(tensorName)
	if !ok {
		return nil, nil, errors.Errorf("gguf: tensor %q not found", tensorName)
	}
	start := info.AbsoluteOffset(mr.dataOffset)
	if start < 0 || uint64(start)+info.Size > uint64(mr.reader.Len()) {
		return nil, nil, errors.Wrapf(ErrTruncatedStream, "gguf: tensor %q payload [%d, +%d) past end of file (%d bytes)",
			tensorName, start, info.Size, mr.reader.Len())
	}
	return io.NewSectionReader(mr.reader, start, int64(info.Size)), &info, nil
}

// ReadTensorRaw reads the raw payload bytes of a tensor.
func (mr *MMapReader) ReadTensorRaw(tensorName string) ([]byte, *TensorInfo, error) {
	section, info, err := mr.TensorSection(tensorName)
	if err != nil {
		return nil, nil, err
	}
	buf := make([]byte, info.Size)
	if _, err := section.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, nil, errors.Wrapf(err, "gguf: read raw tensor %q", tensorName)
	}
	return buf, info, nil
}
