// Package editor applies set, delete and rename operations to the metadata of
// a GGUF file.
//
// Tensor descriptors and payload bytes are copied unmodified: the file is
// rewritten with the new metadata into a temporary file next to the original,
// which then atomically replaces it. On any failure the original file (and its
// backup, if one was created) is left untouched.
//
// Example:
//
//	result, err := editor.New("model.gguf").
//		WithBackup(true).
//		Apply(ctx,
//			editor.Set("general.name", gguf.ValueOf("My Model")),
//			editor.Delete("general.description"),
//			editor.Rename("general.url", "general.source.url"))
package editor

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/gomlx/gguf-tools/internal/files"
	"github.com/gomlx/gguf-tools/models/gguf"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"k8s.io/klog/v2"
)

// DefaultBackupSuffix is appended to the file path to form the backup path.
const DefaultBackupSuffix = ".backup"

// Progress is reported at each step of Apply.
type Progress struct {
	Message string
	// Fraction of the work done, from 0 to 1.
	Fraction float64
}

// ProgressCallback receives the progress of Apply.
type ProgressCallback func(p Progress)

// Editor edits the metadata of one GGUF file. Configure it with the With*
// methods and then call Apply or Preview.
type Editor struct {
	path              string
	backup            bool
	backupSuffix      string
	timestampedBackup bool
	force             bool
	dryRun            bool
	progressCallback  ProgressCallback
	now               func() time.Time
}

// New creates an Editor for the GGUF file at path. By default no backup is created.
func New(path string) *Editor {
	return &Editor{
		path:         path,
		backupSuffix: DefaultBackupSuffix,
		now:          time.Now,
	}
}

// WithBackup configures whether a copy of the original file is kept before it is rewritten.
func (e *Editor) WithBackup(backup bool) *Editor {
	e.backup = backup
	return e
}

// WithBackupSuffix sets the suffix appended to the file path to form the backup path.
func (e *Editor) WithBackupSuffix(suffix string) *Editor {
	e.backupSuffix = suffix
	return e
}

// WithTimestampedBackup appends a UTC timestamp to the backup path, so
// successive edits keep every backup.
func (e *Editor) WithTimestampedBackup(timestamped bool) *Editor {
	e.timestampedBackup = timestamped
	return e
}

// WithForce allows overwriting an existing backup file.
func (e *Editor) WithForce(force bool) *Editor {
	e.force = force
	return e
}

// WithDryRun makes Apply compute and report the resulting metadata without touching any file.
func (e *Editor) WithDryRun(dryRun bool) *Editor {
	e.dryRun = dryRun
	return e
}

// WithProgress sets a callback called at each step of Apply.
func (e *Editor) WithProgress(callback ProgressCallback) *Editor {
	e.progressCallback = callback
	return e
}

// Path of the edited file.
func (e *Editor) Path() string {
	return e.path
}

// BackupPath returns the path the backup is written to.
func (e *Editor) BackupPath() string {
	backupPath := e.path + e.backupSuffix
	if e.timestampedBackup {
		now := e.now().UTC()
		backupPath += fmt.Sprintf("-%s-%03dZ", now.Format("2006-01-02T15-04-05"), now.Nanosecond()/int(time.Millisecond))
	}
	return backupPath
}

// RenamedKey records a rename that was applied.
type RenamedKey struct {
	Old, New string
}

// Result describes the outcome of Apply or Preview.
type Result struct {
	Path string
	// BackupPath is the backup kept for this edit, or "" if none was kept.
	BackupPath string
	DryRun     bool

	// Changed lists the keys inserted or overwritten with a different value, once each.
	Changed []string
	// Deleted lists the removed keys, once each.
	Deleted []string
	Renamed []RenamedKey
	// NoOps describes the operations that changed nothing, e.g. deleting an absent key.
	NoOps []string

	// Fields is the resulting metadata, in file order.
	Fields []gguf.Field

	Message  string
	Duration time.Duration

	modified bool
}

// HasChanges returns whether the resulting metadata differs from the original.
func (r *Result) HasChanges() bool {
	return r.modified
}

// GetField looks up a field of the resulting metadata.
func (r *Result) GetField(key string) (gguf.Field, bool) {
	for _, field := range r.Fields {
		if field.Key == key {
			return field, true
		}
	}
	return gguf.Field{}, false
}

// Preview reads the file and computes the result of the operations, without
// writing anything. It only requires the file to be readable.
func (e *Editor) Preview(ops ...Operation) (*Result, error) {
	start := time.Now()
	if err := validate(ops); err != nil {
		return nil, err
	}
	if err := e.checkPreconditions(false); err != nil {
		return nil, err
	}
	file, err := gguf.Open(e.path)
	if err != nil {
		return nil, err
	}
	result := e.newResult(true)
	applyOperations(file.Fields(), ops, result)
	result.Message = dryRunMessage(result)
	result.Duration = time.Since(start)
	return result, nil
}

// Apply applies the operations in order and, if the metadata changed, rewrites the file.
//
// The file must exist, be a regular file, be readable and, unless in dry-run
// mode, writable. While editing, a lock is held on "<path>.lock" so concurrent
// editors of the same file wait for each other; ctx cancels the wait for the lock.
// The lock file is left in place.
func (e *Editor) Apply(ctx context.Context, ops ...Operation) (*Result, error) {
	if e.dryRun {
		e.progress("Previewing operations", 0)
		result, err := e.Preview(ops...)
		if err == nil {
			e.progress(result.Message, 1)
		}
		return result, err
	}

	start := time.Now()
	if err := validate(ops); err != nil {
		return nil, err
	}
	if err := e.checkPreconditions(true); err != nil {
		return nil, err
	}

	e.progress("Waiting for file lock", 0)
	lockPath := e.path + ".lock"
	var result *Result
	err := files.ExecOnFileLock(ctx, lockPath, func() error {
		var err error
		result, err = e.lockedApply(ops)
		return err
	})
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)
	e.progress(result.Message, 1)
	return result, nil
}

func (e *Editor) lockedApply(ops []Operation) (result *Result, err error) {
	e.progress("Reading metadata", 0.1)
	reader, err := gguf.OpenMMap(e.path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := reader.Close(); cerr != nil {
			klog.Warningf("Failed closing %q: %v", e.path, cerr)
		}
	}()
	file := reader.File()

	result = e.newResult(false)
	if e.backup {
		e.progress("Creating backup", 0.2)
		backupPath := e.BackupPath()
		if files.Exists(backupPath) && !e.force {
			return nil, errors.Wrapf(gguf.ErrBackupExists, "%s (use force to overwrite)", backupPath)
		}
		if err := files.CopyFile(e.path, backupPath, e.force); err != nil {
			return nil, err
		}
		result.BackupPath = backupPath
		klog.V(1).Infof("Created backup %q", backupPath)
	}

	e.progress("Applying operations", 0.3)
	applyOperations(file.Fields(), ops, result)
	if !result.modified {
		if result.BackupPath != "" {
			if err := os.Remove(result.BackupPath); err != nil {
				klog.Warningf("Failed removing unneeded backup %q: %v", result.BackupPath, err)
			}
			result.BackupPath = ""
		}
		result.Message = "no changes needed"
		return result, nil
	}

	e.progress("Writing file", 0.4)
	err = files.ReplaceAtomic(e.path, func(f *os.File) error {
		return rewrite(f, reader, result.Fields)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "rewrite %s", e.path)
	}
	result.Message = fmt.Sprintf("applied %d changes", len(result.Changed)+len(result.Deleted)+len(result.Renamed))
	klog.V(1).Infof("Edited %q: %s", e.path, result.Message)
	return result, nil
}

// rewrite writes the fields and the unmodified tensors of reader to f.
func rewrite(f *os.File, reader *gguf.MMapReader, fields []gguf.Field) error {
	file := reader.File()
	w := gguf.NewWriter("", gguf.WithByteOrder(file.ByteOrder))
	for _, field := range fields {
		if err := w.AddField(field.Key, field.Value); err != nil {
			return err
		}
	}
	for _, ti := range file.TensorInfos {
		if err := w.AddTensorInfo(ti.Name, ti.Shape, ti.Type, ti.Size); err != nil {
			return err
		}
	}
	weights, err := w.WriteHeaders(f)
	if err != nil {
		return err
	}
	for _, ti := range file.TensorInfos {
		section, _, err := reader.TensorSection(ti.Name)
		if err != nil {
			return err
		}
		if _, err := weights.CopyTensorData(section); err != nil {
			return errors.WithMessagef(err, "tensor %q", ti.Name)
		}
	}
	return w.Close()
}

func (e *Editor) newResult(dryRun bool) *Result {
	return &Result{Path: e.path, DryRun: dryRun}
}

func (e *Editor) progress(message string, fraction float64) {
	if e.progressCallback != nil {
		e.progressCallback(Progress{Message: message, Fraction: fraction})
	}
}

// checkPreconditions maps the state of the file to the gguf error kinds.
func (e *Editor) checkPreconditions(needWrite bool) error {
	info, err := os.Stat(e.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(gguf.ErrFileNotFound, "%s", e.path)
		}
		return errors.Wrapf(gguf.ErrNotReadable, "%s: %v", e.path, err)
	}
	if !info.Mode().IsRegular() {
		return errors.Wrapf(gguf.ErrNotRegularFile, "%s", e.path)
	}
	if err := files.CanRead(e.path); err != nil {
		return errors.Wrapf(gguf.ErrNotReadable, "%s: %v", e.path, err)
	}
	if needWrite {
		if err := files.CanWrite(e.path); err != nil {
			return errors.Wrapf(gguf.ErrNotWritable, "%s: %v", e.path, err)
		}
	}
	return nil
}

func validate(ops []Operation) error {
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return errors.WithMessagef(err, "operation #%d", i)
		}
	}
	return nil
}

func dryRunMessage(result *Result) string {
	if !result.modified {
		return "dry run: no changes needed"
	}
	return fmt.Sprintf("dry run: would apply %d changes", len(result.Changed)+len(result.Deleted)+len(result.Renamed))
}

// applyOperations applies ops to a copy of fields and records the outcome in result.
func applyOperations(fields []gguf.Field, ops []Operation, result *Result) {
	working := orderedmap.New[string, gguf.Value](len(fields))
	for _, field := range fields {
		working.Set(field.Key, field.Value)
	}

	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			value := op.Value
			old, found := working.Get(op.Key)
			if !op.Typed && found {
				if converted, ok := coerce(value, old.Type()); ok {
					value = converted
				}
			} else if !op.Typed && op.Key == gguf.KeyGeneralAlignment {
				if converted, ok := coerce(value, gguf.TypeUint32); ok {
					value = converted
				}
			}
			if found && old.Equal(value) {
				result.NoOps = append(result.NoOps, fmt.Sprintf("set %s: value unchanged", op.Key))
				continue
			}
			working.Set(op.Key, value)
			result.Changed = appendOnce(result.Changed, op.Key)
			result.Deleted = remove(result.Deleted, op.Key)
			klog.V(2).Infof("%s", op)

		case OpDelete:
			if _, present := working.Delete(op.Key); !present {
				result.NoOps = append(result.NoOps, fmt.Sprintf("delete %s: key not found", op.Key))
				continue
			}
			result.Deleted = appendOnce(result.Deleted, op.Key)
			result.Changed = remove(result.Changed, op.Key)
			klog.V(2).Infof("%s", op)

		case OpRename:
			if op.Key == op.NewKey {
				result.NoOps = append(result.NoOps, fmt.Sprintf("rename %s: same key", op.Key))
				continue
			}
			value, present := working.Delete(op.Key)
			if !present {
				result.NoOps = append(result.NoOps, fmt.Sprintf("rename %s: key not found", op.Key))
				continue
			}
			working.Set(op.NewKey, value)
			result.Renamed = append(result.Renamed, RenamedKey{Old: op.Key, New: op.NewKey})
			klog.V(2).Infof("%s", op)
		}
	}

	result.Fields = make([]gguf.Field, 0, working.Len())
	for pair := working.Oldest(); pair != nil; pair = pair.Next() {
		result.Fields = append(result.Fields, gguf.NewField(pair.Key, pair.Value))
	}
	result.modified = !sameFields(fields, result.Fields)

	// Only report the net difference: a key set back to its original value
	// is not changed, and a deleted key that was set again is not deleted.
	original := make(map[string]gguf.Value, len(fields))
	for _, field := range fields {
		original[field.Key] = field.Value
	}
	result.Changed = slices.DeleteFunc(result.Changed, func(key string) bool {
		value, present := working.Get(key)
		before, existed := original[key]
		return !present || (existed && before.Equal(value))
	})
	result.Deleted = slices.DeleteFunc(result.Deleted, func(key string) bool {
		_, present := working.Get(key)
		_, existed := original[key]
		return present || !existed
	})
}

// sameFields returns whether a and b have the same keys, in the same order, with equal values.
func sameFields(a, b []gguf.Field) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || !a[i].Value.Equal(b[i].Value) {
			return false
		}
	}
	return true
}

func appendOnce(list []string, key string) []string {
	if slices.Contains(list, key) {
		return list
	}
	return append(list, key)
}

func remove(list []string, key string) []string {
	if i := slices.Index(list, key); i >= 0 {
		return slices.Delete(list, i, i+1)
	}
	return list
}
