package gguf

import (
	"os"

	"github.com/pkg/errors"
)

// Error kinds reported by the reader, writer and the tools built on top of them.
// They are wrapped with context (path, key, offset) and must be tested with errors.Is.
var (
	ErrBadMagic           = errors.New("gguf: invalid magic")
	ErrUnsupportedVersion = errors.New("gguf: unsupported version")
	ErrUnknownTypeTag     = errors.New("gguf: unknown type tag")
	ErrTruncatedStream    = errors.New("gguf: truncated stream")
	ErrOversizedLength    = errors.New("gguf: length exceeds addressable size")
	ErrDuplicateKey       = errors.New("gguf: duplicate key")
	ErrInvalidAlignment   = errors.New("gguf: invalid alignment")
	ErrStateOrder         = errors.New("gguf: writer state order violation")
	ErrFileNotFound       = errors.New("gguf: file not found")
	ErrNotRegularFile     = errors.New("gguf: not a regular file")
	ErrNotReadable        = errors.New("gguf: file not readable")
	ErrNotWritable        = errors.New("gguf: file not writable")
	ErrBackupExists       = errors.New("gguf: backup already exists")
)

var errorKinds = []struct {
	err  error
	name string
}{
	{ErrBadMagic, "BadMagic"},
	{ErrUnsupportedVersion, "UnsupportedVersion"},
	{ErrUnknownTypeTag, "UnknownTypeTag"},
	{ErrTruncatedStream, "TruncatedStream"},
	{ErrOversizedLength, "OversizedLength"},
	{ErrDuplicateKey, "DuplicateKey"},
	{ErrInvalidAlignment, "InvalidAlignment"},
	{ErrStateOrder, "StateOrderViolation"},
	{ErrFileNotFound, "FileNotFound"},
	{ErrNotRegularFile, "NotRegularFile"},
	{ErrNotReadable, "NotReadable"},
	{ErrNotWritable, "NotWritable"},
	{ErrBackupExists, "BackupAlreadyExists"},
}

// Kind returns the name of the error kind wrapped by err, or "" if err is
// not one of the package's error kinds.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// openError maps the error of an os.Open/os.Stat call to the package error kinds.
func openError(err error, path string) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return errors.Wrapf(ErrFileNotFound, "%s", path)
	case errors.Is(err, os.ErrPermission):
		return errors.Wrapf(ErrNotReadable, "%s", path)
	default:
		return errors.Wrapf(err, "gguf: open %s", path)
	}
}
